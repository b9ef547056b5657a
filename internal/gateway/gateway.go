package gateway

import (
	"fmt"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/engine"
	"github.com/wudi/spire/internal/health"
	"github.com/wudi/spire/internal/logging"
	"github.com/wudi/spire/internal/metrics"
	"github.com/wudi/spire/internal/proxy/tcp"
	"github.com/wudi/spire/internal/router"
	"github.com/wudi/spire/internal/tlsmgr"
	"go.uber.org/zap"
)

// portPipeline is everything built from one ApiService: its engine (for
// the HTTP family) or tcp.Proxy (for ServerTCP), and the certificate
// manager backing it if its protocol requires TLS.
type portPipeline struct {
	svc   *config.ApiService
	eng   *engine.Engine // nil for ServerTCP
	tcp   *tcp.Proxy     // nil for the HTTP family
	certs *tlsmgr.Manager
}

// Gateway holds the compiled pipeline for every configured port. It owns
// nothing that listens on a socket itself (Server does that); Gateway's
// job is turning a *config.AppConfig into request-handling machinery
// that a Server can bind listeners to, and rebuilding it on a reload.
type Gateway struct {
	cfg      *config.AppConfig
	metrics  *metrics.Registry
	checker  *health.Checker
	pipeline map[int]*portPipeline // listen port -> pipeline
}

// New compiles cfg into a Gateway. Any route/matcher/middleware compile
// error aborts construction entirely — a gateway never half-builds.
func New(cfg *config.AppConfig) (*Gateway, error) {
	g := &Gateway{
		cfg:      cfg,
		metrics:  metrics.New(),
		checker:  health.NewChecker(),
		pipeline: make(map[int]*portPipeline),
	}
	for _, svc := range cfg.Servers {
		p, err := g.buildPipeline(svc, g.checker)
		if err != nil {
			return nil, fmt.Errorf("listener %d: %w", svc.ListenPort, err)
		}
		g.pipeline[svc.ListenPort] = p
	}
	return g, nil
}

// buildPipeline compiles one ApiService's full pipeline, registering its
// backends with checker. TLS setup and TCP/HTTP-family compilation are
// shared between initial construction and Reload so both paths build a
// port identically.
func (g *Gateway) buildPipeline(svc *config.ApiService, checker *health.Checker) (*portPipeline, error) {
	p := &portPipeline{svc: svc}

	if svc.ServerType == config.ServerHTTPS || svc.ServerType == config.ServerHTTP2TLS {
		mgr, err := tlsmgr.NewManager(g.cfg.CertManager)
		if err != nil {
			return nil, fmt.Errorf("certificate manager: %w", err)
		}
		for _, domain := range svc.DomainConfig {
			if err := mgr.LoadDomain(domain, svc.ACME); err != nil {
				return nil, fmt.Errorf("domain %s: %w", domain, err)
			}
		}
		mgr.Watch()
		if svc.ACME != nil && svc.ACME.Enabled {
			go mgr.RunRenewalLoop(g.cfg.CertManager.RenewalInterval.Std(), svc.ShutdownSignal())
		}
		p.certs = mgr
	}

	if svc.ServerType == config.ServerTCP {
		routes, err := compileTCPRoutes(svc, checker)
		if err != nil {
			return nil, err
		}
		p.tcp = tcp.New(routes, 0, 0)
		return p, nil
	}

	routes, err := compileRoutes(svc)
	if err != nil {
		return nil, err
	}
	for i, rc := range svc.RouteConfigs {
		checker.Add(rc, routes[i].Router)
	}
	p.eng = engine.New(routes)
	p.eng.SetMetrics(g.metrics)
	return p, nil
}

// compileTCPRoutes builds the tcp.Route list for a ServerTCP ApiService
// and registers each backend pool with checker.
func compileTCPRoutes(svc *config.ApiService, checker *health.Checker) ([]*tcp.Route, error) {
	routes := make([]*tcp.Route, 0, len(svc.RouteConfigs))
	for _, rc := range svc.RouteConfigs {
		rt, err := router.Build(rc.Router)
		if err != nil {
			return nil, err
		}
		tr, err := tcp.NewRoute(rc, rt)
		if err != nil {
			return nil, err
		}
		checker.Add(rc, rt)
		routes = append(routes, tr)
	}
	return routes, nil
}

// CurrentConfig implements internal/admin.Reloader.
func (g *Gateway) CurrentConfig() *config.AppConfig {
	return g.cfg
}

// Reload implements internal/admin.Reloader. A port already running
// under the same protocol keeps its existing pipeline object — a fresh
// route table is compiled and swapped into the live Engine via
// SetRoutes, so an in-flight request keeps running against the
// snapshot it started with (spec.md §9, Testable Property #6) and
// Server's HTTPListener is never told about a new *engine.Engine. A
// port whose protocol changed, or that's entirely new, gets a fresh
// pipeline built the same way New does. Reload never removes or adds a
// listening socket itself — Server owns that, and decides whether
// newCfg's port set differs from what's actually bound (the
// admin.ErrPortMismatch precise-match rule).
func (g *Gateway) Reload(newCfg *config.AppConfig) error {
	newPipelines := make(map[int]*portPipeline, len(newCfg.Servers))
	newChecker := health.NewChecker()

	for _, svc := range newCfg.Servers {
		existing, ok := g.pipeline[svc.ListenPort]
		if ok && existing.svc.ServerType == svc.ServerType && svc.ServerType == config.ServerTCP {
			routes, err := compileTCPRoutes(svc, newChecker)
			if err != nil {
				return fmt.Errorf("listener %d: %w", svc.ListenPort, err)
			}
			existing.tcp = tcp.New(routes, 0, 0)
			existing.svc = svc
			newPipelines[svc.ListenPort] = existing
			continue
		}

		if ok && existing.svc.ServerType == svc.ServerType && svc.ServerType != config.ServerTCP {
			routes, err := compileRoutes(svc)
			if err != nil {
				return fmt.Errorf("listener %d: %w", svc.ListenPort, err)
			}
			for i, rc := range svc.RouteConfigs {
				newChecker.Add(rc, routes[i].Router)
			}
			existing.eng.SetRoutes(routes)
			existing.svc = svc
			newPipelines[svc.ListenPort] = existing
			continue
		}

		p, err := g.buildPipeline(svc, newChecker)
		if err != nil {
			return fmt.Errorf("listener %d: %w", svc.ListenPort, err)
		}
		newPipelines[svc.ListenPort] = p
	}

	oldChecker := g.checker
	g.cfg = newCfg
	g.pipeline = newPipelines
	g.checker = newChecker
	oldChecker.Stop()

	logging.Info("gateway configuration reloaded", zap.Int("servers", len(newCfg.Servers)))
	return nil
}

// Engine returns the compiled engine.Engine for an HTTP-family port, or
// nil if port isn't configured or is a ServerTCP listener.
func (g *Gateway) Engine(port int) *engine.Engine {
	p, ok := g.pipeline[port]
	if !ok {
		return nil
	}
	return p.eng
}

// TCPProxy returns the compiled tcp.Proxy for a ServerTCP port, or nil.
func (g *Gateway) TCPProxy(port int) *tcp.Proxy {
	p, ok := g.pipeline[port]
	if !ok {
		return nil
	}
	return p.tcp
}

// Certs returns the certificate manager backing a TLS port, or nil.
func (g *Gateway) Certs(port int) *tlsmgr.Manager {
	p, ok := g.pipeline[port]
	if !ok {
		return nil
	}
	return p.certs
}

// Metrics returns the gateway's Prometheus registry.
func (g *Gateway) Metrics() *metrics.Registry {
	return g.metrics
}

// HealthChecker returns the shared active health checker.
func (g *Gateway) HealthChecker() *health.Checker {
	return g.checker
}

// Close stops every background goroutine a Gateway started (health
// checks, certificate watches, renewal loops).
func (g *Gateway) Close() error {
	g.checker.Stop()
	for _, p := range g.pipeline {
		if p.certs != nil {
			p.certs.Stop()
		}
	}
	return nil
}
