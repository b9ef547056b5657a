package listener

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/tlsmgr"
)

// HTTPListener wraps an http.Server as a Listener, covering all four
// HTTP-family ServerTypes: plain HTTP/1.1, TLS-terminated HTTPS,
// cleartext HTTP/2 (h2c), and HTTP/2 over TLS.
type HTTPListener struct {
	id       string
	address  string
	server   *http.Server
	listener net.Listener
	tlsCfg   *tls.Config
}

// HTTPListenerConfig holds what NewHTTPListener needs beyond the handler
// itself.
type HTTPListenerConfig struct {
	ID      string
	Address string
	Type    config.ServerType
	Handler http.Handler
	Certs   *tlsmgr.Manager // non-nil only for ServerHTTPS / ServerHTTP2TLS
}

// NewHTTPListener builds an HTTPListener for cfg.Type.
func NewHTTPListener(cfg HTTPListenerConfig) (*HTTPListener, error) {
	h := &HTTPListener{id: cfg.ID, address: cfg.Address}

	handler := cfg.Handler
	tlsRequired := cfg.Type == config.ServerHTTPS || cfg.Type == config.ServerHTTP2TLS
	if tlsRequired {
		if cfg.Certs == nil {
			return nil, fmt.Errorf("listener %s: protocol %s requires a certificate manager", cfg.ID, cfg.Type)
		}
		h.tlsCfg = cfg.Certs.TLSConfig()
	}

	h2s := &http2.Server{}
	switch cfg.Type {
	case config.ServerHTTP2TLS:
		// http2.ConfigureServer wires ALPN negotiation into h.server below;
		// nothing extra needed here beyond having h2s attached to the
		// *http.Server, which NewHTTPListener does next.
	case config.ServerHTTP2:
		// Cleartext HTTP/2 (h2c): wrap the handler so a prior-knowledge or
		// Upgrade: h2c client gets a real HTTP/2 connection over plain TCP.
		handler = h2c.NewHandler(handler, h2s)
	}

	h.server = &http.Server{
		Addr:              cfg.Address,
		Handler:           handler,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
		MaxHeaderBytes:    1 << 20,
		TLSConfig:         h.tlsCfg,
	}

	if cfg.Type == config.ServerHTTP2TLS {
		if err := http2.ConfigureServer(h.server, h2s); err != nil {
			return nil, fmt.Errorf("listener %s: configure http2: %w", cfg.ID, err)
		}
	}

	return h, nil
}

func (h *HTTPListener) ID() string       { return h.id }
func (h *HTTPListener) Protocol() string { return "http" }
func (h *HTTPListener) Addr() string     { return h.address }

// Start binds the listening socket (TLS-wrapped when configured) and
// serves in the background.
func (h *HTTPListener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", h.address)
	if err != nil {
		return fmt.Errorf("listener %s: listen on %s: %w", h.id, h.address, err)
	}
	h.listener = ln
	if h.tlsCfg != nil {
		h.listener = tls.NewListener(ln, h.tlsCfg)
	}

	errCh := make(chan error, 1)
	go func() {
		if err := h.server.Serve(h.listener); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-time.After(100 * time.Millisecond):
		return nil
	}
}

// Stop gracefully shuts down the HTTP server, letting in-flight requests
// finish within ctx's deadline.
func (h *HTTPListener) Stop(ctx context.Context) error {
	return h.server.Shutdown(ctx)
}

// Server exposes the underlying *http.Server (for tests).
func (h *HTTPListener) Server() *http.Server { return h.server }
