package main

import (
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// runQuery fetches the running configuration from a control plane's
// admin API, grounded on query_command.rs's GET /appConfig flow.
func runQuery(args []string) int {
	fs := flag.NewFlagSet("query", flag.ContinueOnError)
	host := fs.String("host", "127.0.0.1", "Control-plane host")
	port := fs.Int("port", 8888, "Control-plane admin port")
	if err := fs.Parse(args); err != nil {
		return 2
	}

	url := fmt.Sprintf("http://%s:%d/appConfig", *host, *port)
	fmt.Fprintf(os.Stderr, "querying configuration from control plane at %s\n", url)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to connect to control plane: %v\n", err)
		return 1
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to read response: %v\n", err)
		return 1
	}

	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "control plane returned %d: %s\n", resp.StatusCode, body)
		return 1
	}

	os.Stdout.Write(body)
	return 0
}
