// Command spire is the gateway's entry point. Run with no subcommand (or
// "-config path.yaml") to boot the listener-per-port supervisor, which
// also watches the config file itself (config.Watcher) as a secondary
// reload trigger alongside the admin API's POST /reload; the
// validate/reload/query/convert/examples subcommands are thin clients
// against a running instance's admin API, or one-shot local tooling —
// grounded on the original Rust proxy's src/command/*.rs, one
// subcommand per file there too.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/gateway"
	"github.com/wudi/spire/internal/logging"
	"go.uber.org/zap"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "validate":
			os.Exit(runValidate(os.Args[2:]))
		case "reload":
			os.Exit(runReload(os.Args[2:]))
		case "query":
			os.Exit(runQuery(os.Args[2:]))
		case "convert":
			os.Exit(runConvert(os.Args[2:]))
		case "examples":
			os.Exit(runExamples(os.Args[2:]))
		}
	}

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	validateOnly := flag.Bool("validate", false, "Validate configuration and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Spire API Gateway %s (built %s)\n", version, buildTime)
		os.Exit(0)
	}

	loader := config.NewLoader()
	cfg, err := loader.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	if *validateOnly {
		fmt.Println("configuration is valid")
		os.Exit(0)
	}

	logger, logCloser, err := logging.New(logging.Config{Level: cfg.LogLevel})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	if logCloser != nil {
		defer logCloser.Close()
	}
	logging.SetGlobal(logger)

	logging.Info("starting spire",
		zap.String("version", version),
		zap.String("config", *configPath),
		zap.Int("servers", len(cfg.Servers)))

	server, err := gateway.NewServer(cfg)
	if err != nil {
		logging.Error("failed to build gateway", zap.Error(err))
		os.Exit(1)
	}

	watcher, err := config.NewWatcher(*configPath)
	if err != nil {
		logging.Error("failed to start config watcher", zap.Error(err))
		os.Exit(1)
	}
	watcher.OnChange(func(newCfg *config.AppConfig) {
		if err := server.Reload(newCfg); err != nil {
			logging.Error("config watcher reload failed", zap.Error(err))
		}
	})
	if err := watcher.Start(); err != nil {
		logging.Error("failed to watch configuration file", zap.Error(err))
		os.Exit(1)
	}
	defer watcher.Stop()

	if err := server.Run(); err != nil {
		logging.Error("server exited with error", zap.Error(err))
		os.Exit(1)
	}
}
