// Package tcp implements raw L4 passthrough (C8, spec.md §4.11): a
// ServerTCP listener has no HTTP semantics at all, so instead of the
// engine's request matcher it picks a route by the client's source
// address and hands the two ends of the connection to each other.
package tcp

import (
	"context"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/logging"
	"github.com/wudi/spire/internal/router"
	"go.uber.org/zap"
)

// Route is one RouteConfig compiled for L4 use: a backend router plus
// the optional source-CIDR restriction.
type Route struct {
	Config *config.RouteConfig
	Router router.Router
	cidrs  []*net.IPNet
}

// NewRoute compiles a RouteConfig's SourceCIDRs alongside its router.
func NewRoute(cfg *config.RouteConfig, rt router.Router) (*Route, error) {
	r := &Route{Config: cfg, Router: rt}
	for _, c := range cfg.SourceCIDRs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, fmt.Errorf("route %s: invalid source_cidr %q: %w", cfg.RouteID, c, err)
		}
		r.cidrs = append(r.cidrs, ipnet)
	}
	return r, nil
}

func (r *Route) matches(ip net.IP) bool {
	if len(r.cidrs) == 0 {
		return true
	}
	for _, c := range r.cidrs {
		if c.Contains(ip) {
			return true
		}
	}
	return false
}

// Proxy holds every Route for one TCP listener, tried in declaration
// order against the connecting client's address.
type Proxy struct {
	routes         []*Route
	connectTimeout time.Duration
	idleTimeout    time.Duration
}

// New builds a Proxy for a TCP listener's compiled routes.
func New(routes []*Route, connectTimeout, idleTimeout time.Duration) *Proxy {
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}
	if idleTimeout <= 0 {
		idleTimeout = 5 * time.Minute
	}
	return &Proxy{routes: routes, connectTimeout: connectTimeout, idleTimeout: idleTimeout}
}

// Handle proxies one accepted connection end to end. It always closes
// conn before returning.
func (p *Proxy) Handle(ctx context.Context, conn net.Conn) error {
	defer conn.Close()

	if p.idleTimeout > 0 {
		conn.SetDeadline(time.Now().Add(p.idleTimeout))
	}

	route := p.matchRoute(conn)
	if route == nil {
		return fmt.Errorf("no tcp route matches client %s", conn.RemoteAddr())
	}

	br, ok := route.Router.(router.BackendRouter)
	if !ok {
		return fmt.Errorf("route %s has no backend router", route.Config.RouteID)
	}
	backend, err := br.Select(nil)
	if err != nil {
		return fmt.Errorf("route %s: %w", route.Config.RouteID, err)
	}

	backendConn, err := net.DialTimeout("tcp", backend.Endpoint, p.connectTimeout)
	if err != nil {
		backend.MarkDead()
		return fmt.Errorf("dial backend %s: %w", backend.Endpoint, err)
	}
	defer backendConn.Close()

	backend.IncrActive()
	defer backend.DecrActive()

	return p.pipe(ctx, conn, backendConn)
}

func (p *Proxy) matchRoute(conn net.Conn) *Route {
	tcpAddr, ok := conn.RemoteAddr().(*net.TCPAddr)
	if !ok {
		if len(p.routes) > 0 {
			return p.routes[0]
		}
		return nil
	}
	for _, r := range p.routes {
		if r.matches(tcpAddr.IP) {
			return r
		}
	}
	return nil
}

// pipe bidirectionally copies client<->backend until one side's copy
// ends, then gives the other direction a grace period to drain before
// returning.
func (p *Proxy) pipe(ctx context.Context, client, backend net.Conn) error {
	errCh := make(chan error, 2)

	go func() {
		_, err := io.Copy(backend, client)
		if tc, ok := backend.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errCh <- err
	}()
	go func() {
		_, err := io.Copy(client, backend)
		if tc, ok := client.(*net.TCPConn); ok {
			tc.CloseWrite()
		}
		errCh <- err
	}()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-errCh:
		select {
		case <-time.After(5 * time.Second):
		case <-errCh:
		}
		return err
	}
}

// Listener runs the accept loop for one ServerTCP ApiService, handing
// each connection to Proxy.Handle in its own goroutine and tracking
// in-flight connections for a graceful Stop.
type Listener struct {
	id      string
	address string
	proxy   *Proxy

	ln        net.Listener
	connWg    sync.WaitGroup
	closeCh   chan struct{}
	closeOnce sync.Once
}

// NewListener builds a Listener bound to address, not yet accepting.
func NewListener(id, address string, proxy *Proxy) *Listener {
	return &Listener{id: id, address: address, proxy: proxy, closeCh: make(chan struct{})}
}

// ID returns the listener's identifier (its ApiService's listen port).
func (l *Listener) ID() string { return l.id }

// Protocol reports "tcp", satisfying internal/listener.Listener.
func (l *Listener) Protocol() string { return "tcp" }

// Addr returns the bind address.
func (l *Listener) Addr() string { return l.address }

// Start binds the listening socket and begins accepting in the
// background.
func (l *Listener) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", l.address)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", l.address, err)
	}
	l.ln = ln
	go l.acceptLoop(ctx)
	return nil
}

func (l *Listener) acceptLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.closeCh:
			return
		default:
		}

		if tl, ok := l.ln.(*net.TCPListener); ok {
			tl.SetDeadline(time.Now().Add(time.Second))
		}

		conn, err := l.ln.Accept()
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				continue
			}
			select {
			case <-l.closeCh:
				return
			default:
				logging.Warn("tcp accept error", zap.String("listener", l.id), zap.Error(err))
				continue
			}
		}

		l.connWg.Add(1)
		go func() {
			defer l.connWg.Done()
			if err := l.proxy.Handle(ctx, conn); err != nil {
				logging.Warn("tcp proxy error", zap.String("listener", l.id), zap.Error(err))
			}
		}()
	}
}

// Stop closes the listening socket and waits (up to ctx's deadline) for
// in-flight connections to finish.
func (l *Listener) Stop(ctx context.Context) error {
	l.closeOnce.Do(func() { close(l.closeCh) })
	if l.ln != nil {
		l.ln.Close()
	}

	done := make(chan struct{})
	go func() {
		l.connWg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("tcp listener %s: stop timed out with connections still active", l.id)
	}
	return nil
}
