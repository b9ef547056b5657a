// Package admin implements the control-plane HTTP API (C10, spec.md
// §6): GET /appConfig returns the running configuration, POST /reload
// hands a new one to the caller's Reloader to swap in.
package admin

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/goccy/go-yaml"
	"github.com/julienschmidt/httprouter"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/logging"
	"go.uber.org/zap"
)

// ErrPortMismatch is returned by a Reloader when the incoming config's
// listen-port set doesn't precisely match the set already running
// (spec.md §6: "409 when the incoming configuration's set of listen
// ports differs from the currently-running set").
var ErrPortMismatch = errors.New("admin: reload config listen ports do not match the running set")

// Reloader is implemented by whatever owns the running listener/engine
// topology (the process bootstrap, outside this package's scope). It
// validates and, on success, hot-swaps every listener's route table in
// place; ErrPortMismatch signals the one reload failure mode admin.go
// reports as 409 rather than 400.
type Reloader interface {
	CurrentConfig() *config.AppConfig
	Reload(newCfg *config.AppConfig) error
}

// Server serves the admin API described by spec.md §6.
type Server struct {
	reloader Reloader
	loader   *config.Loader
	router   *httprouter.Router
}

// New builds the admin API handler bound to reloader.
func New(reloader Reloader) *Server {
	s := &Server{reloader: reloader, loader: config.NewLoader()}
	r := httprouter.New()
	r.GET("/appConfig", s.handleGetAppConfig)
	r.POST("/reload", s.handleReload)
	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) handleGetAppConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	cfg := s.reloader.CurrentConfig()
	out, err := yaml.Marshal(cfg)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to marshal running configuration")
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(out)
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	body, err := io.ReadAll(r.Body)
	if err != nil {
		writeError(w, http.StatusBadRequest, "failed to read request body")
		return
	}

	newCfg, err := s.loader.Parse(body)
	if err != nil {
		var cerr *config.ConfigError
		if errors.As(err, &cerr) {
			writeError(w, http.StatusBadRequest, cerr.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.reloader.Reload(newCfg); err != nil {
		if errors.Is(err, ErrPortMismatch) {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logging.Info("configuration reloaded via admin API")
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(map[string]string{"status": "reloaded"})
}

func writeError(w http.ResponseWriter, code int, message string) {
	logging.Warn("admin request rejected", zap.Int("code", code), zap.String("message", message))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// PortSet extracts the set of listen ports from cfg, the input to the
// precise-match check a Reloader performs before swapping.
func PortSet(cfg *config.AppConfig) map[int]bool {
	set := make(map[int]bool, len(cfg.Servers))
	for _, svc := range cfg.Servers {
		set[svc.ListenPort] = true
	}
	return set
}

// PortSetsMatch reports whether a and b contain exactly the same ports.
func PortSetsMatch(a, b map[int]bool) bool {
	if len(a) != len(b) {
		return false
	}
	for p := range a {
		if !b[p] {
			return false
		}
	}
	return true
}
