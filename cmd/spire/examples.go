package main

import (
	"flag"
	"fmt"
)

// exampleEntry names a bundled sample configuration, mirroring
// examples_command.rs's EXAMPLE_LIST.
type exampleEntry struct {
	name, description string
}

var bundledExamples = []exampleEntry{
	{"app_config_simple", "Minimal configuration with a single backend forwarding"},
	{"app_config_https", "HTTPS listener with per-domain TLS certificate management"},
	{"http_weight_route", "Weighted load balancing across multiple backends"},
	{"http_random_route", "Random backend selection for load distribution"},
	{"http_poll_route", "Round-robin backend selection"},
	{"http_header_based_route", "Header-based routing (text/regex/split matching)"},
	{"http_to_grpc", "HTTP-to-gRPC transcoding with a proto descriptor set"},
	{"http_cors", "CORS configuration"},
	{"health_check", "Active health checking with automatic ejection"},
	{"circuit_breaker", "Circuit breaker fault tolerance"},
	{"reverse_proxy", "Basic reverse proxy"},
	{"tcp_proxy", "Raw TCP passthrough with source-CIDR filtering"},
	{"jwt_auth", "JWT authentication middleware"},
	{"matchers", "Path/host/header/method request matching"},
	{"middle_wares", "Auth, rate limit, allow/deny list, and CORS combined"},
	{"ratelimit_token_bucket", "Token bucket rate limiting"},
	{"ratelimit_fixed_window", "Fixed window rate limiting"},
	{"request_headers", "Add/remove request and response headers"},
	{"static_file", "Static file serving via a FileRouter route"},
	{"openapi_convert", "Seed configuration generated from an OpenAPI spec"},
}

// runExamples lists the bundled sample configurations.
func runExamples(args []string) int {
	fs := flag.NewFlagSet("examples", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return 2
	}

	for _, e := range bundledExamples {
		fmt.Printf("%-28s %s\n", e.name, e.description)
	}
	return 0
}
