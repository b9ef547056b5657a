// Package convert turns an OpenAPI document into a seed AppConfig — the
// Go counterpart of the original Rust proxy's
// src/command/openapi_converter.rs, reworked onto
// github.com/getkin/kin-openapi (the library this corpus's own
// catalog/SDK-generation code already parses OpenAPI specs with)
// instead of the original's oas3/regex-path-template approach.
package convert

import (
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"

	"github.com/getkin/kin-openapi/openapi3"

	"github.com/wudi/spire/internal/config"
)

var pathParamPattern = regexp.MustCompile(`\{[^{}]+\}`)

// FromOpenAPI reads the OpenAPI document at specPath and builds one
// ApiService per distinct server port, with one RouteConfig per
// path+method operation. Path parameters ("/users/{id}") are rewritten
// to a prefix-match route on the literal segment before the first
// parameter, the same simplification the original converter makes
// (spec.md doesn't support templated path matching, only
// prefix/exact/regex).
func FromOpenAPI(specPath string) (*config.AppConfig, error) {
	loader := openapi3.NewLoader()
	doc, err := loader.LoadFromFile(specPath)
	if err != nil {
		return nil, fmt.Errorf("loading openapi spec: %w", err)
	}
	if doc.Paths == nil {
		return nil, fmt.Errorf("no paths found in openapi spec")
	}

	servers := serverURLs(doc)
	defaultUpstream := servers[0]

	byPort := make(map[int]*config.ApiService)

	paths := make([]string, 0, doc.Paths.Len())
	for p := range doc.Paths.Map() {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, path := range paths {
		item := doc.Paths.Find(path)
		for _, method := range []string{"GET", "HEAD", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"} {
			if item.GetOperation(method) == nil {
				continue
			}
			for _, server := range servers {
				port := portOf(server)
				svc, ok := byPort[port]
				if !ok {
					svc = &config.ApiService{ListenPort: port, ServerType: config.ServerHTTP}
					byPort[port] = svc
				}
				svc.RouteConfigs = append(svc.RouteConfigs, routeFor(path, method, server, defaultUpstream))
			}
		}
	}

	cfg := &config.AppConfig{AdminPort: 8888, LogLevel: "info"}
	ports := make([]int, 0, len(byPort))
	for port := range byPort {
		ports = append(ports, port)
	}
	sort.Ints(ports)
	for _, port := range ports {
		cfg.Servers = append(cfg.Servers, byPort[port])
	}
	return cfg, nil
}

func routeFor(path, method, server, defaultUpstream string) *config.RouteConfig {
	upstream := server
	if upstream == "" {
		upstream = defaultUpstream
	}

	matchType := config.MatchExact
	value := path
	if loc := pathParamPattern.FindStringIndex(path); loc != nil {
		matchType = config.MatchPrefix
		value = path[:loc[0]]
	}

	return &config.RouteConfig{
		Matchers: []config.MatcherRule{
			{Kind: config.MatcherPath, Value: value, MatchType: matchType},
			{Kind: config.MatcherMethod, Methods: []string{method}},
		},
		Router: config.RouterConfig{
			Kind:   config.RouterRandom,
			Routes: []config.BaseRouteConfig{{Endpoint: upstream, Weight: 1}},
		},
	}
}

func serverURLs(doc *openapi3.T) []string {
	if len(doc.Servers) == 0 {
		return []string{"http://127.0.0.1:8080"}
	}
	urls := make([]string, 0, len(doc.Servers))
	for _, s := range doc.Servers {
		if s.URL != "" {
			urls = append(urls, s.URL)
		}
	}
	if len(urls) == 0 {
		return []string{"http://127.0.0.1:8080"}
	}
	return urls
}

func portOf(rawURL string) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 8080
	}
	if p := u.Port(); p != "" {
		if n, err := strconv.Atoi(p); err == nil {
			return n
		}
	}
	if u.Scheme == "https" {
		return 443
	}
	return 80
}
