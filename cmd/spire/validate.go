package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wudi/spire/internal/config"
)

// runValidate loads and validates a config file without starting the
// gateway, grounded on validate_command.rs's read-parse-report flow.
func runValidate(args []string) int {
	fs := flag.NewFlagSet("validate", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file")
	verbose := fs.Bool("verbose", false, "Print progress while validating")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	if *verbose {
		fmt.Fprintf(os.Stderr, "validating configuration file: %s\n", *configPath)
	}

	if _, err := config.NewLoader().Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "invalid configuration in %q: %v\n", *configPath, err)
		return 1
	}

	fmt.Println("configuration is valid")
	return 0
}
