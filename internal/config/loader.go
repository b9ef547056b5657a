package config

import (
	"fmt"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/goccy/go-yaml"
)

var validMethods = map[string]bool{
	"GET": true, "HEAD": true, "POST": true, "PUT": true,
	"DELETE": true, "PATCH": true, "OPTIONS": true,
}

// Loader reads, expands, and validates an AppConfig from YAML.
type Loader struct {
	envPattern *regexp.Regexp
}

// NewLoader returns a Loader ready to parse spire's YAML config shape.
func NewLoader() *Loader {
	return &Loader{
		envPattern: regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`),
	}
}

// Load reads path, expands ${VAR} references, unmarshals, and validates.
func (l *Loader) Load(path string) (*AppConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, &ConfigError{Location: path, Message: err.Error()}
	}
	return l.Parse(data)
}

// Parse parses raw YAML bytes into a validated AppConfig.
func (l *Loader) Parse(data []byte) (*AppConfig, error) {
	expanded := l.expandEnvVars(string(data))

	cfg := defaultAppConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, &ConfigError{Message: fmt.Sprintf("parsing yaml: %v", err)}
	}

	for _, svc := range cfg.Servers {
		for _, rc := range svc.RouteConfigs {
			rc.EnsureRouteID()
		}
	}
	cfg.index()

	if cfg.CertManager == nil {
		cfg.CertManager = &CertManagerConfig{}
	}
	if cfg.CertManager.RenewalInterval <= 0 {
		cfg.CertManager.RenewalInterval = Duration(24 * time.Hour)
	}
	if cfg.CertManager.RenewalThresholdDays <= 0 {
		cfg.CertManager.RenewalThresholdDays = 30
	}

	if err := l.validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func defaultAppConfig() *AppConfig {
	return &AppConfig{
		AdminPort: 8888,
		LogLevel:  "info",
		CertManager: &CertManagerConfig{
			RenewalInterval:      Duration(24 * time.Hour),
			RenewalThresholdDays: 30,
		},
	}
}

// expandEnvVars substitutes ${VAR} with the environment value, leaving the
// reference untouched when the variable is unset.
func (l *Loader) expandEnvVars(input string) string {
	return l.envPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := strings.TrimSuffix(strings.TrimPrefix(match, "${"), "}")
		if v, ok := os.LookupEnv(name); ok {
			return v
		}
		return match
	})
}

// index populates AppConfig.ApiServiceConfig from Servers, keyed by port.
func (c *AppConfig) index() {
	c.ApiServiceConfig = make(map[int]*ApiService, len(c.Servers))
	for _, s := range c.Servers {
		c.ApiServiceConfig[s.ListenPort] = s
	}
}

// validate enforces the structural invariants spec.md §3/§6 require:
// unique ports, well-formed matchers, non-empty backend pools, and
// internally consistent middleware/router configuration per route.
func (l *Loader) validate(cfg *AppConfig) error {
	if len(cfg.Servers) == 0 {
		return &ConfigError{Message: "at least one server is required"}
	}

	seenPorts := make(map[int]bool)
	for _, svc := range cfg.Servers {
		if svc.ListenPort <= 0 || svc.ListenPort > 65535 {
			return &ConfigError{Location: fmt.Sprintf("server %d", svc.ListenPort), Message: "listen port must be between 1 and 65535"}
		}
		if seenPorts[svc.ListenPort] {
			return &ConfigError{Location: fmt.Sprintf("server %d", svc.ListenPort), Message: "duplicate listen port"}
		}
		seenPorts[svc.ListenPort] = true

		switch svc.ServerType {
		case ServerHTTP, ServerHTTPS, ServerTCP, ServerHTTP2, ServerHTTP2TLS:
		default:
			return &ConfigError{Location: fmt.Sprintf("server %d", svc.ListenPort), Message: fmt.Sprintf("invalid protocol %q", svc.ServerType)}
		}
		if (svc.ServerType == ServerHTTPS || svc.ServerType == ServerHTTP2TLS) && len(svc.DomainConfig) == 0 {
			return &ConfigError{Location: fmt.Sprintf("server %d", svc.ListenPort), Message: "tls protocol requires at least one domain"}
		}

		seenRouteIDs := make(map[string]bool)
		for _, rc := range svc.RouteConfigs {
			if seenRouteIDs[rc.RouteID] {
				return &ConfigError{Location: fmt.Sprintf("server %d route %s", svc.ListenPort, rc.RouteID), Message: "duplicate route_id"}
			}
			seenRouteIDs[rc.RouteID] = true

			if err := l.validateRoute(svc.ListenPort, rc); err != nil {
				return err
			}
		}
	}

	if cfg.AdminPort <= 0 || cfg.AdminPort > 65535 {
		return &ConfigError{Message: "admin_port must be between 1 and 65535"}
	}
	if seenPorts[cfg.AdminPort] {
		return &ConfigError{Message: "admin_port must not collide with a server listen port"}
	}

	return nil
}

func (l *Loader) validateRoute(listenPort int, rc *RouteConfig) error {
	loc := fmt.Sprintf("server %d route %s", listenPort, rc.RouteID)

	for i, m := range rc.Matchers {
		if err := l.validateMatcher(m); err != nil {
			return &ConfigError{Location: fmt.Sprintf("%s matcher %d", loc, i), Message: err.Error()}
		}
	}

	if err := l.validateRouter(rc.Router); err != nil {
		return &ConfigError{Location: loc, Message: err.Error()}
	}

	for i, mw := range rc.Middlewares {
		if err := l.validateMiddleware(mw); err != nil {
			return &ConfigError{Location: fmt.Sprintf("%s middleware %d", loc, i), Message: err.Error()}
		}
	}

	if rc.Transcode != nil && rc.Transcode.ProtoDescriptorSet == "" {
		return &ConfigError{Location: loc, Message: "transcode requires proto_descriptor_set"}
	}

	return nil
}

func (l *Loader) validateMatcher(m MatcherRule) error {
	switch m.Kind {
	case MatcherPath:
		switch m.MatchType {
		case MatchPrefix, MatchExact, MatchRegex:
		default:
			return fmt.Errorf("path matcher: invalid match_type %q", m.MatchType)
		}
		if m.MatchType == MatchRegex {
			if _, err := regexp.Compile(m.Value); err != nil {
				return fmt.Errorf("path matcher: invalid regex: %w", err)
			}
		}
	case MatcherHost, MatcherHeader:
		if m.Regex == "" {
			return fmt.Errorf("%s matcher: regex is required", m.Kind)
		}
		if _, err := regexp.Compile(m.Regex); err != nil {
			return fmt.Errorf("%s matcher: invalid regex: %w", m.Kind, err)
		}
		if m.Kind == MatcherHeader && m.Name == "" {
			return fmt.Errorf("header matcher: name is required")
		}
	case MatcherMethod:
		if len(m.Methods) == 0 {
			return fmt.Errorf("method matcher: methods must not be empty")
		}
		for _, meth := range m.Methods {
			if !validMethods[strings.ToUpper(meth)] {
				return fmt.Errorf("method matcher: invalid method %q", meth)
			}
		}
	default:
		return fmt.Errorf("invalid matcher kind %q", m.Kind)
	}
	return nil
}

func (l *Loader) validateRouter(r RouterConfig) error {
	switch r.Kind {
	case RouterRandom, RouterPoll, RouterWeight:
		if len(r.Routes) == 0 {
			return fmt.Errorf("forward_to %s: at least one backend route is required", r.Kind)
		}
		for _, br := range r.Routes {
			if br.Endpoint == "" {
				return fmt.Errorf("forward_to %s: backend endpoint must not be empty", r.Kind)
			}
			if r.Kind == RouterWeight && br.Weight <= 0 {
				return fmt.Errorf("forward_to weight: backend %s requires a positive weight", br.Endpoint)
			}
		}
	case RouterHeader:
		if len(r.HeaderRoutes) == 0 {
			return fmt.Errorf("forward_to header: at least one header_route is required")
		}
		for _, hr := range r.HeaderRoutes {
			if hr.HeaderKey == "" {
				return fmt.Errorf("forward_to header: header_key is required")
			}
			if hr.Endpoint == "" {
				return fmt.Errorf("forward_to header: endpoint is required")
			}
			set := 0
			if hr.Text != "" {
				set++
			}
			if hr.Regex != "" {
				if _, err := regexp.Compile(hr.Regex); err != nil {
					return fmt.Errorf("forward_to header: invalid regex: %w", err)
				}
				set++
			}
			if hr.Split != nil {
				if hr.Split.Separator == "" {
					return fmt.Errorf("forward_to header: split separator must not be empty")
				}
				set++
			}
			if set != 1 {
				return fmt.Errorf("forward_to header: rule for key %q must set exactly one of text, regex, split", hr.HeaderKey)
			}
		}
	case RouterFile:
		if r.DocRoot == "" {
			return fmt.Errorf("forward_to file: doc_root is required")
		}
	default:
		return fmt.Errorf("invalid forward_to kind %q", r.Kind)
	}
	return nil
}

func (l *Loader) validateMiddleware(mw MiddlewareConfig) error {
	switch mw.Kind {
	case MWRateLimit:
		if mw.RateLimit == nil {
			return fmt.Errorf("rate_limit: config is required")
		}
		switch mw.RateLimit.Algo {
		case AlgoTokenBucket:
			if mw.RateLimit.Capacity <= 0 {
				return fmt.Errorf("rate_limit token_bucket: capacity must be > 0")
			}
		case AlgoFixedWindow:
		default:
			return fmt.Errorf("rate_limit: invalid algo %q", mw.RateLimit.Algo)
		}
		if mw.RateLimit.RatePerUnit <= 0 {
			return fmt.Errorf("rate_limit: rate_per_unit must be > 0")
		}
		if mw.RateLimit.Unit.Std() <= 0 {
			return fmt.Errorf("rate_limit: unit must be > 0")
		}
	case MWAuthentication:
		switch mw.AuthKind {
		case AuthBasic:
			if len(mw.BasicUsers) == 0 {
				return fmt.Errorf("authentication basic: basic_users must not be empty")
			}
		case AuthAPIKey:
			if len(mw.APIKeys) == 0 {
				return fmt.Errorf("authentication api_key: api_keys must not be empty")
			}
		case AuthJWT:
			if mw.JWTSecret == "" && mw.JWKSURL == "" {
				return fmt.Errorf("authentication jwt: either jwt_secret or jwks_url is required")
			}
		default:
			return fmt.Errorf("authentication: invalid auth_kind %q", mw.AuthKind)
		}
	case MWAllowDenyList:
		if len(mw.Allow) == 0 && len(mw.Deny) == 0 {
			return fmt.Errorf("allow_deny_list: at least one of allow or deny is required")
		}
	case MWCors:
		if mw.Cors == nil || len(mw.Cors.AllowedOrigins) == 0 {
			return fmt.Errorf("cors: allowed_origins must not be empty")
		}
	case MWRewriteHeaders, MWForwardHeader, MWRequestHeaders:
		if len(mw.HeaderAdd) == 0 && len(mw.HeaderRemove) == 0 {
			return fmt.Errorf("%s: at least one of add or remove is required", mw.Kind)
		}
	case MWCircuitBreaker:
		if mw.CircuitBreaker == nil {
			return fmt.Errorf("circuit_breaker: config is required")
		}
		if mw.CircuitBreaker.OpenDuration.Std() <= 0 {
			return fmt.Errorf("circuit_breaker: open_duration must be > 0")
		}
	case MWCompression:
	default:
		return fmt.Errorf("invalid middleware kind %q", mw.Kind)
	}
	return nil
}
