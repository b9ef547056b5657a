// Package proxy implements the HTTP/HTTPS reverse proxy and WebSocket
// upgrade passthrough of spec.md §4.9 (C6), plus the static-file forward
// for a FileRouter route.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"time"

	gwerrors "github.com/wudi/spire/internal/errors"
	"github.com/wudi/spire/internal/router"
)

// Proxy forwards a matched request to the backend its router.Router
// selected, upgrading to a raw byte-relay for WebSocket requests and
// serving FileRouter routes with http.ServeFile.
type Proxy struct {
	Timeout         time.Duration
	dialTimeout     time.Duration
	readBufferSize  int
}

// New builds a Proxy with the route's configured upstream timeout.
func New(timeout time.Duration) *Proxy {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Proxy{Timeout: timeout, dialTimeout: 10 * time.Second, readBufferSize: 4096}
}

// Forward implements engine.Forwarder.
func (p *Proxy) Forward(w http.ResponseWriter, r *http.Request, rt router.Router, rewrittenPath string) (*http.Response, error) {
	if fr, ok := rt.(*router.FileRouter); ok {
		http.ServeFile(w, r, fr.DocRoot+rewrittenPath)
		return nil, nil
	}

	br, ok := rt.(router.BackendRouter)
	if !ok {
		return nil, gwerrors.ErrNoHealthyUpstream
	}
	backend, err := br.Select(r)
	if err != nil {
		return nil, err
	}

	if isUpgradeRequest(r) {
		p.serveWebSocket(w, r, backend.ParsedURL, rewrittenPath)
		return nil, nil
	}

	return p.serveHTTP(w, r, backend, rewrittenPath)
}

func (p *Proxy) serveHTTP(w http.ResponseWriter, r *http.Request, backend *router.BaseRoute, rewrittenPath string) (*http.Response, error) {
	backend.IncrActive()
	defer backend.DecrActive()

	target := backend.ParsedURL
	recorder := &responseRecorder{ResponseWriter: w}

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.Director = func(req *http.Request) {
		req.URL.Scheme = target.Scheme
		req.URL.Host = target.Host
		req.URL.Path = rewrittenPath
		req.Host = target.Host
	}
	var proxyErr error
	rp.ErrorHandler = func(_ http.ResponseWriter, _ *http.Request, err error) {
		proxyErr = err
	}

	ctx := r.Context()
	if p.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.Timeout)
		defer cancel()
	}
	rp.ServeHTTP(recorder, r.WithContext(ctx))

	if proxyErr != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, gwerrors.ErrTimeout.WithDetails(proxyErr.Error())
		}
		return nil, proxyErr
	}
	return recorder.response(), nil
}

func (p *Proxy) serveWebSocket(w http.ResponseWriter, r *http.Request, target *url.URL, rewrittenPath string) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "websocket upgrade not supported", http.StatusInternalServerError)
		return
	}
	clientConn, clientBuf, err := hijacker.Hijack()
	if err != nil {
		http.Error(w, "failed to hijack connection", http.StatusInternalServerError)
		return
	}
	defer clientConn.Close()

	backendAddr := target.Host
	if !strings.Contains(backendAddr, ":") {
		if target.Scheme == "https" || target.Scheme == "wss" {
			backendAddr += ":443"
		} else {
			backendAddr += ":80"
		}
	}

	backendConn, err := net.DialTimeout("tcp", backendAddr, p.dialTimeout)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	defer backendConn.Close()

	reqPath := rewrittenPath
	if r.URL.RawQuery != "" {
		reqPath += "?" + r.URL.RawQuery
	}
	fmt.Fprintf(backendConn, "%s %s HTTP/1.1\r\n", r.Method, reqPath)
	r.Header.Set("Host", target.Host)
	for key, values := range r.Header {
		for _, v := range values {
			fmt.Fprintf(backendConn, "%s: %s\r\n", key, v)
		}
	}
	backendConn.Write([]byte("\r\n"))

	buf := make([]byte, p.readBufferSize)
	n, err := backendConn.Read(buf)
	if err != nil {
		clientBuf.WriteString("HTTP/1.1 502 Bad Gateway\r\n\r\n")
		clientBuf.Flush()
		return
	}
	clientConn.Write(buf[:n])

	errCh := make(chan error, 2)
	go func() { _, err := io.Copy(backendConn, clientConn); errCh <- err }()
	go func() { _, err := io.Copy(clientConn, backendConn); errCh <- err }()
	<-errCh

	clientConn.SetDeadline(time.Now().Add(time.Second))
	backendConn.SetDeadline(time.Now().Add(time.Second))
}

func isUpgradeRequest(r *http.Request) bool {
	connection := strings.ToLower(r.Header.Get("Connection"))
	upgrade := strings.ToLower(r.Header.Get("Upgrade"))
	return strings.Contains(connection, "upgrade") && upgrade == "websocket"
}

// responseRecorder captures the status/headers httputil.ReverseProxy
// writes so the engine's Post middleware phase can observe the outcome
// (e.g. the circuit breaker recording success/failure) while still
// streaming the body straight to the real client.
type responseRecorder struct {
	http.ResponseWriter
	status int
}

func (r *responseRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *responseRecorder) response() *http.Response {
	status := r.status
	if status == 0 {
		status = http.StatusOK
	}
	return &http.Response{StatusCode: status, Header: r.Header()}
}
