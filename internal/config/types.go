// Package config holds the in-memory configuration tree for the gateway:
// AppConfig down to BaseRoute, plus the YAML loader and validator.
package config

import (
	"fmt"
	"sync"

	"github.com/google/uuid"
)

// ServerType enumerates the protocol an ApiService listens for.
type ServerType string

const (
	ServerHTTP     ServerType = "http"
	ServerHTTPS    ServerType = "https"
	ServerTCP      ServerType = "tcp"
	ServerHTTP2    ServerType = "http2"
	ServerHTTP2TLS ServerType = "http2tls"
)

// AppConfig is the root configuration entity (spec.md §3).
type AppConfig struct {
	AdminPort             int                `yaml:"admin_port"`
	LogLevel              string             `yaml:"log_level"`
	HealthCheckLogEnabled bool               `yaml:"health_check_log_enabled"`
	CertManager           *CertManagerConfig `yaml:"cert_manager,omitempty"`
	Servers               []*ApiService      `yaml:"servers"`
	ApiServiceConfig      map[int]*ApiService `yaml:"-"`
}

// CertManagerConfig controls the shared per-domain TLS certificate
// manager (spec.md §4.6): where the PEM pairs live on disk, and how
// often/how-early the renewal task acts.
type CertManagerConfig struct {
	BaseDir              string   `yaml:"base_dir,omitempty"`               // default ~/.spire/domains
	RenewalInterval      Duration `yaml:"renewal_interval,omitempty"`       // default 24h
	RenewalThresholdDays int      `yaml:"renewal_threshold_days,omitempty"` // default 30
}

// ACMEConfig turns on automatic HTTP-01 issuance/renewal for a TLS
// listener's domains (spec.md §4.7). Without it, the certificate
// manager only ever loads the on-disk PEM pair or falls back to a
// self-signed certificate.
type ACMEConfig struct {
	Enabled      bool   `yaml:"enabled"`
	Email        string `yaml:"email,omitempty"`
	DirectoryURL string `yaml:"directory_url,omitempty"` // defaults to Let's Encrypt production
}

// ApiService is one listener (spec.md §3, YAML key "servers[]").
type ApiService struct {
	ListenPort   int            `yaml:"listen"`
	ServerType   ServerType     `yaml:"protocol"`
	DomainConfig []string       `yaml:"domains"`
	ACME         *ACMEConfig    `yaml:"acme,omitempty"`
	RouteConfigs []*RouteConfig `yaml:"routes"`

	// shutdownSignal is a single-capacity channel the supervisor sends on
	// to stop this listener. Not part of the YAML shape.
	shutdownSignal chan struct{}
	shutdownOnce   sync.Once
}

// ShutdownSignal lazily creates and returns the listener's shutdown channel.
func (s *ApiService) ShutdownSignal() chan struct{} {
	if s.shutdownSignal == nil {
		s.shutdownSignal = make(chan struct{}, 1)
	}
	return s.shutdownSignal
}

// RequestShutdown sends on the shutdown channel exactly once.
func (s *ApiService) RequestShutdown() {
	s.shutdownOnce.Do(func() {
		s.ShutdownSignal() <- struct{}{}
	})
}

// MatchType enumerates Path matcher comparison modes.
type MatchType string

const (
	MatchPrefix MatchType = "prefix"
	MatchExact  MatchType = "exact"
	MatchRegex  MatchType = "regex"
)

// MatcherKind tags the MatcherRule variant.
type MatcherKind string

const (
	MatcherPath   MatcherKind = "path"
	MatcherHost   MatcherKind = "host"
	MatcherHeader MatcherKind = "header"
	MatcherMethod MatcherKind = "method"
)

// MatcherRule is a tagged variant over Path/Host/Header/Method predicates
// (spec.md §3). Regex fields are compiled lazily by internal/matcher; the
// cache is intentionally not part of this struct so equality ignores it.
type MatcherRule struct {
	Kind MatcherKind `yaml:"kind"`

	// Path
	Value     string    `yaml:"value,omitempty"`
	MatchType MatchType `yaml:"match_type,omitempty"`

	// Host / Header
	Regex string `yaml:"regex,omitempty"`
	Name  string `yaml:"name,omitempty"` // header name

	// Method
	Methods []string `yaml:"methods,omitempty"`
}

// TranscodeConfig names the protobuf descriptor set backing HTTP→gRPC
// transcoding for a route (spec.md §4.8). Service/Method pin the route to
// a fixed RPC; left blank, the request path resolves it at request time
// (/Method under Service, or /package.Service/Method with both blank).
type TranscodeConfig struct {
	ProtoDescriptorSet string   `yaml:"proto_descriptor_set"`
	Service            string   `yaml:"service,omitempty"`
	Method             string   `yaml:"method,omitempty"`
	Timeout            Duration `yaml:"timeout,omitempty"`
}

// LivenessConfig controls Dead→Live hysteresis (spec.md §4.10).
type LivenessConfig struct {
	MinLivenessCount int `yaml:"min_liveness_count"`
}

// HealthCheckConfig configures the active probe for a RouteConfig.
type HealthCheckConfig struct {
	Path     string   `yaml:"path"`
	Interval Duration `yaml:"interval"`
	Timeout  Duration `yaml:"timeout"`
}

// AnomalyDetectionConfig is the passive-failure policy referenced by
// BaseRoute.anomaly_detection_status.
type AnomalyDetectionConfig struct {
	ConsecutiveFailureThreshold int      `yaml:"consecutive_failure_threshold"`
	EjectionDuration            Duration `yaml:"ejection_duration"`
}

// RouteConfig is one match+forward unit (spec.md §3).
type RouteConfig struct {
	RouteID     string        `yaml:"route_id"`
	Matchers    []MatcherRule `yaml:"matchers"`
	PathRewrite string        `yaml:"path_rewrite"`
	Transcode   *TranscodeConfig `yaml:"transcode,omitempty"`
	Router      RouterConfig     `yaml:"forward_to"`
	Middlewares []MiddlewareConfig `yaml:"middlewares"`
	HealthCheck *HealthCheckConfig `yaml:"health_check,omitempty"`

	// SourceCIDRs, when non-empty, restricts a raw TCP listener's route to
	// clients whose remote address falls in one of these ranges (spec.md
	// §4.11). Ignored by HTTP/HTTPS listeners, which match on Matchers
	// instead. A TCP listener with several routes tries them in
	// declaration order and takes the first whose SourceCIDRs contains
	// the client (or that has none at all, as a catch-all).
	SourceCIDRs []string `yaml:"source_cidrs,omitempty"`

	LivenessConfig   *LivenessConfig         `yaml:"liveness_config,omitempty"`
	Timeout          Duration                `yaml:"timeout"`
	AnomalyDetection *AnomalyDetectionConfig `yaml:"anomaly_detection,omitempty"`
}

// EnsureRouteID fills RouteID with a fresh UUID if it is absent.
func (rc *RouteConfig) EnsureRouteID() {
	if rc.RouteID == "" {
		rc.RouteID = uuid.NewString()
	}
}

// RouterKind tags the Router variant.
type RouterKind string

const (
	RouterRandom  RouterKind = "random"
	RouterPoll    RouterKind = "poll"
	RouterWeight  RouterKind = "weight"
	RouterHeader  RouterKind = "header"
	RouterFile    RouterKind = "file"
)

// BaseRouteConfig is one endpoint entry as authored in YAML.
type BaseRouteConfig struct {
	Endpoint string `yaml:"endpoint"`
	Weight   int    `yaml:"weight,omitempty"`
}

// HeaderRouteRule is one HeaderBased routing rule (spec.md §3/§4.2).
type HeaderRouteRule struct {
	HeaderKey string          `yaml:"header_key"`
	Text      string          `yaml:"text,omitempty"`
	Regex     string          `yaml:"regex,omitempty"`
	Split     *SplitMatchSpec `yaml:"split,omitempty"`
	Endpoint  string          `yaml:"endpoint"`
}

// SplitMatchSpec is the Split(separator, value) match_spec variant.
type SplitMatchSpec struct {
	Separator string `yaml:"separator"`
	Value     string `yaml:"value"`
}

// RouterConfig is the tagged Router variant as authored in YAML
// ("forward_to": {kind: random|poll|weight|header|file, ...}).
type RouterConfig struct {
	Kind         RouterKind        `yaml:"kind"`
	Routes       []BaseRouteConfig `yaml:"routes,omitempty"`
	HeaderRoutes []HeaderRouteRule `yaml:"header_routes,omitempty"`
	DocRoot      string            `yaml:"doc_root,omitempty"`
}

// MiddlewareKind tags the Middleware variant.
type MiddlewareKind string

const (
	MWRateLimit       MiddlewareKind = "rate_limit"
	MWAuthentication  MiddlewareKind = "authentication"
	MWAllowDenyList   MiddlewareKind = "allow_deny_list"
	MWCors            MiddlewareKind = "cors"
	MWRewriteHeaders  MiddlewareKind = "rewrite_response_headers"
	MWForwardHeader   MiddlewareKind = "forward_header"
	MWRequestHeaders  MiddlewareKind = "request_headers"
	MWCircuitBreaker  MiddlewareKind = "circuit_breaker"
	MWCompression     MiddlewareKind = "compression"
)

// AuthKind tags the Authentication sub-variant.
type AuthKind string

const (
	AuthBasic  AuthKind = "basic"
	AuthAPIKey AuthKind = "api_key"
	AuthJWT    AuthKind = "jwt"
)

// MiddlewareConfig is a tagged Middleware variant (spec.md §3).
type MiddlewareConfig struct {
	Kind MiddlewareKind `yaml:"kind"`

	// RateLimit
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`

	// Authentication
	AuthKind   AuthKind `yaml:"auth_kind,omitempty"`
	BasicUsers map[string]string `yaml:"basic_users,omitempty"`
	APIKeys    []string          `yaml:"api_keys,omitempty"`
	JWTSecret  string            `yaml:"jwt_secret,omitempty"`
	JWTAlgo    string            `yaml:"jwt_algorithm,omitempty"`
	JWKSURL    string            `yaml:"jwks_url,omitempty"`

	// AllowDenyList
	Allow []string `yaml:"allow,omitempty"`
	Deny  []string `yaml:"deny,omitempty"`

	// Cors
	Cors *CorsConfig `yaml:"cors,omitempty"`

	// RewriteResponseHeaders / RequestHeaders
	HeaderAdd    map[string]string `yaml:"add,omitempty"`
	HeaderRemove []string          `yaml:"remove,omitempty"`

	// CircuitBreaker
	CircuitBreaker *CircuitBreakerConfig `yaml:"circuit_breaker,omitempty"`

	// Compression
	CompressionLevel      int      `yaml:"level,omitempty"`
	CompressionAlgorithms []string `yaml:"algorithms,omitempty"`
}

// CorsConfig configures the Cors middleware (spec.md §4.3 scenario 3).
type CorsConfig struct {
	AllowedOrigins   []string `yaml:"allowed_origins"`
	AllowedMethods   []string `yaml:"allowed_methods"`
	AllowedHeaders   []string `yaml:"allowed_headers"`
	AllowCredentials bool     `yaml:"allow_credentials"`
	MaxAge           int      `yaml:"max_age"`
}

// RateLimitScopeKind tags the RateLimit scope variant.
type RateLimitScopeKind string

const (
	ScopeIP     RateLimitScopeKind = "ip"
	ScopeCIDR   RateLimitScopeKind = "cidr"
	ScopeHeader RateLimitScopeKind = "header"
)

// RateLimitScope selects which requests a limiter applies to.
type RateLimitScope struct {
	Kind        RateLimitScopeKind `yaml:"kind"`
	IP          string             `yaml:"ip,omitempty"`
	CIDR        string             `yaml:"cidr,omitempty"`
	HeaderName  string             `yaml:"header_name,omitempty"`
	HeaderValue string             `yaml:"header_value,omitempty"`
}

// RateLimitAlgo tags the RateLimit state variant.
type RateLimitAlgo string

const (
	AlgoTokenBucket  RateLimitAlgo = "token_bucket"
	AlgoFixedWindow  RateLimitAlgo = "fixed_window"
)

// RateLimitConfig configures either TokenBucket or FixedWindow (spec.md §4.4).
type RateLimitConfig struct {
	Algo         RateLimitAlgo  `yaml:"algo"`
	RatePerUnit  int            `yaml:"rate_per_unit"`
	Unit         Duration       `yaml:"unit"`
	Capacity     int            `yaml:"capacity"` // TokenBucket only
	Scope        RateLimitScope `yaml:"scope"`
}

// CircuitBreakerConfig configures the Closed/Open/HalfOpen FSM (spec.md §4.5).
type CircuitBreakerConfig struct {
	FailureRateThreshold         float64  `yaml:"failure_rate_threshold"`
	ConsecutiveFailureThreshold  int      `yaml:"consecutive_failure_threshold"`
	OpenDuration                 Duration `yaml:"open_duration"`
	HalfOpenMaxRequests          int      `yaml:"half_open_max_requests"`
	MinRequestsForRateCalculation int     `yaml:"min_requests_for_rate_calculation"`
}

// ConfigError is a structured, location-aware configuration problem
// (spec.md §7 — ConfigError).
type ConfigError struct {
	Location string
	Message  string
}

func (e *ConfigError) Error() string {
	if e.Location == "" {
		return e.Message
	}
	return fmt.Sprintf("%s: %s", e.Location, e.Message)
}
