package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/goccy/go-yaml"

	"github.com/wudi/spire/internal/convert"
)

// runConvert turns an OpenAPI/Swagger document into a seed AppConfig
// YAML file, grounded on openapi_converter.rs's handle_convert_command.
func runConvert(args []string) int {
	fs := flag.NewFlagSet("convert", flag.ContinueOnError)
	output := fs.String("o", "", "Output file (default: stdout)")
	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "usage: spire convert [-o output.yaml] <input-file>")
		return 2
	}

	cfg, err := convert.FromOpenAPI(fs.Arg(0))
	if err != nil {
		fmt.Fprintf(os.Stderr, "conversion failed: %v\n", err)
		return 1
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to marshal generated configuration: %v\n", err)
		return 1
	}

	if *output == "" {
		os.Stdout.Write(out)
		return 0
	}
	if err := os.WriteFile(*output, out, 0o644); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write %q: %v\n", *output, err)
		return 1
	}
	fmt.Printf("wrote %s\n", *output)
	return 0
}
