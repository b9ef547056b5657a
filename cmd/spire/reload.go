package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// runReload reads a config file and POSTs it to a running instance's
// admin API, grounded on reload_command.rs — same read-file-then-POST
// flow, rebuilt on net/http instead of hyper.
func runReload(args []string) int {
	fs := flag.NewFlagSet("reload", flag.ContinueOnError)
	configPath := fs.String("config", "config.yaml", "Path to configuration file to push")
	host := fs.String("host", "127.0.0.1", "Control-plane host")
	port := fs.Int("port", 8888, "Control-plane admin port")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	body, err := os.ReadFile(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read config file %q: %v\n", *configPath, err)
		return 1
	}

	url := fmt.Sprintf("http://%s:%d/reload", *host, *port)
	fmt.Fprintf(os.Stderr, "reloading configuration from %q to control plane at %s:%d\n", *configPath, *host, *port)

	client := &http.Client{Timeout: 10 * time.Second}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to build request: %v\n", err)
		return 1
	}
	req.Header.Set("Content-Type", "application/yaml")

	resp, err := client.Do(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to control plane: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "reload rejected (%d): %s\n", resp.StatusCode, respBody)
		return 1
	}

	fmt.Println("configuration reloaded")
	return 0
}
