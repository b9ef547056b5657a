// Package cors implements CORS preflight handling and response-header
// injection per spec.md §4.3 scenario 3.
package cors

import (
	"net/http"
	"strconv"
	"strings"

	"github.com/wudi/spire/internal/config"
	gwmw "github.com/wudi/spire/internal/middleware"
)

// Middleware answers OPTIONS preflight requests directly and injects the
// matching Access-Control-* response headers on every other request.
type Middleware struct {
	cfg            config.CorsConfig
	allowedOrigins map[string]bool
	allowAll       bool
}

// New builds the CORS middleware from cfg.
func New(cfg config.CorsConfig) *Middleware {
	m := &Middleware{cfg: cfg, allowedOrigins: make(map[string]bool, len(cfg.AllowedOrigins))}
	for _, o := range cfg.AllowedOrigins {
		if o == "*" {
			m.allowAll = true
		}
		m.allowedOrigins[o] = true
	}
	return m
}

func (m *Middleware) originAllowed(origin string) bool {
	return m.allowAll || m.allowedOrigins[origin]
}

// Pre answers preflight OPTIONS requests and halts the chain; for every
// other request it just sets the response headers and lets the pipeline
// continue to the route's upstream.
func (m *Middleware) Pre(_ *gwmw.Context, w http.ResponseWriter, r *http.Request) (gwmw.Result, error) {
	origin := r.Header.Get("Origin")
	if origin == "" || !m.originAllowed(origin) {
		return gwmw.Result{}, nil
	}

	m.setCommonHeaders(w, origin)

	if r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != "" {
		if len(m.cfg.AllowedMethods) > 0 {
			w.Header().Set("Access-Control-Allow-Methods", strings.Join(m.cfg.AllowedMethods, ", "))
		}
		if len(m.cfg.AllowedHeaders) > 0 {
			w.Header().Set("Access-Control-Allow-Headers", strings.Join(m.cfg.AllowedHeaders, ", "))
		}
		if m.cfg.MaxAge > 0 {
			w.Header().Set("Access-Control-Max-Age", strconv.Itoa(m.cfg.MaxAge))
		}
		w.WriteHeader(http.StatusNoContent)
		return gwmw.Result{Halt: true}, nil
	}

	return gwmw.Result{}, nil
}

func (m *Middleware) setCommonHeaders(w http.ResponseWriter, origin string) {
	if m.allowAll && !m.cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Origin", "*")
	} else {
		w.Header().Set("Access-Control-Allow-Origin", origin)
		w.Header().Add("Vary", "Origin")
	}
	if m.cfg.AllowCredentials {
		w.Header().Set("Access-Control-Allow-Credentials", "true")
	}
}

// Post is a no-op; all CORS headers are set during Pre so they are
// present whether or not the pipeline halted on preflight.
func (m *Middleware) Post(*gwmw.Context, http.ResponseWriter, *http.Request, *http.Response) error {
	return nil
}
