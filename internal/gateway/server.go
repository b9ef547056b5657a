package gateway

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/wudi/spire/internal/admin"
	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/listener"
	"github.com/wudi/spire/internal/logging"
	"github.com/wudi/spire/internal/proxy/tcp"
	"go.uber.org/zap"
)

// Server owns the process's running sockets: one internal/listener per
// ApiService plus the admin API, built around a Gateway's compiled
// pipelines. It mirrors the teacher's own gateway.Server — NewServer
// builds everything, Run blocks handling OS signals, Shutdown drains
// gracefully — generalized so initListeners dispatches on
// config.ServerType instead of a fixed listener-config union.
type Server struct {
	gw      *Gateway
	cfg     *config.AppConfig
	manager *listener.Manager
	admin   *http.Server
}

// NewServer compiles cfg into a Gateway and binds a Listener for every
// configured ApiService, plus the admin API on cfg.AdminPort.
func NewServer(cfg *config.AppConfig) (*Server, error) {
	gw, err := New(cfg)
	if err != nil {
		return nil, err
	}

	s := &Server{gw: gw, cfg: cfg, manager: listener.NewManager()}
	if err := s.initListeners(); err != nil {
		return nil, fmt.Errorf("init listeners: %w", err)
	}

	adminSrv := admin.New(s)
	s.admin = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.AdminPort),
		Handler:      adminSrv,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	return s, nil
}

func (s *Server) initListeners() error {
	for _, svc := range s.cfg.Servers {
		l, err := s.buildListener(svc)
		if err != nil {
			return fmt.Errorf("listener %d: %w", svc.ListenPort, err)
		}
		if err := s.manager.Add(l); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) buildListener(svc *config.ApiService) (listener.Listener, error) {
	id := strconv.Itoa(svc.ListenPort)
	addr := fmt.Sprintf(":%d", svc.ListenPort)

	if svc.ServerType == config.ServerTCP {
		return tcp.NewListener(id, addr, s.gw.TCPProxy(svc.ListenPort)), nil
	}

	return listener.NewHTTPListener(listener.HTTPListenerConfig{
		ID:      id,
		Address: addr,
		Type:    svc.ServerType,
		Handler: s.gw.Engine(svc.ListenPort),
		Certs:   s.gw.Certs(svc.ListenPort),
	})
}

// Start brings up every listener, waiting synchronously for
// manager.StartAll to settle (it no longer returns early — it waits for
// each listener's own Start call), then starts the admin API in the
// background and gives it a moment to bind before returning.
func (s *Server) Start() error {
	ctx := context.Background()

	if err := s.manager.StartAll(ctx); err != nil {
		return fmt.Errorf("listener manager: %w", err)
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("starting admin API", zap.Int("port", s.cfg.AdminPort))
		if err := s.admin.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- fmt.Errorf("admin server: %w", err)
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
	}
	return nil
}

// Run starts the server and blocks until SIGINT/SIGTERM, then shuts
// down gracefully.
func (s *Server) Run() error {
	if err := s.Start(); err != nil {
		return err
	}

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logging.Info("shutting down")
	return s.Shutdown(30 * time.Second)
}

// Shutdown drains the admin API and every listener, then releases the
// Gateway's background goroutines.
func (s *Server) Shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := s.admin.Shutdown(ctx); err != nil {
		logging.Warn("admin server shutdown error", zap.Error(err))
	}
	if err := s.manager.StopAll(ctx); err != nil {
		logging.Warn("listener manager shutdown error", zap.Error(err))
	}
	return s.gw.Close()
}

// CurrentConfig implements admin.Reloader.
func (s *Server) CurrentConfig() *config.AppConfig {
	return s.gw.CurrentConfig()
}

// Reload implements admin.Reloader: it rejects a listen-port set that
// doesn't precisely match what's currently bound (spec.md §6's 409
// rule), then recompiles the Gateway and, for any port whose protocol
// changed or that's genuinely new, tears down and rebuilds its
// Listener. Ports whose protocol didn't change keep their existing
// socket — Gateway.Reload already hot-swapped their route table.
func (s *Server) Reload(newCfg *config.AppConfig) error {
	current := admin.PortSet(s.cfg)
	incoming := admin.PortSet(newCfg)
	if !admin.PortSetsMatch(current, incoming) {
		return admin.ErrPortMismatch
	}

	oldCfg := s.cfg
	if err := s.gw.Reload(newCfg); err != nil {
		return err
	}
	s.cfg = newCfg

	for _, svc := range newCfg.Servers {
		var oldType config.ServerType
		for _, old := range oldCfg.Servers {
			if old.ListenPort == svc.ListenPort {
				oldType = old.ServerType
				break
			}
		}
		if oldType == svc.ServerType {
			continue
		}

		id := strconv.Itoa(svc.ListenPort)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = s.manager.StopOne(ctx, id) // already removes id from the manager on success
		cancel()

		l, err := s.buildListener(svc)
		if err != nil {
			return err
		}
		if err := s.manager.Add(l); err != nil {
			return err
		}
		go func(l listener.Listener) {
			if err := l.Start(context.Background()); err != nil {
				logging.Error("listener restart failed", zap.String("id", l.ID()), zap.Error(err))
			}
		}(l)
	}

	return nil
}
