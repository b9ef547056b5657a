// Package engine implements the route engine (C5): for each request it
// walks a listener's routes in declaration order, picks the first whose
// matchers all pass, runs that route's middleware chain, and forwards to
// whichever proxy (HTTP/WebSocket, gRPC transcode, or static file) the
// route's Router variant calls for. spec.md §4.1-§4.3.
package engine

import (
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/wudi/spire/internal/config"
	gwerrors "github.com/wudi/spire/internal/errors"
	"github.com/wudi/spire/internal/matcher"
	gwmw "github.com/wudi/spire/internal/middleware"
	"github.com/wudi/spire/internal/metrics"
	"github.com/wudi/spire/internal/router"
)

// Forwarder proxies a matched, middleware-approved request to the
// backend router.Select returned (or serves it directly for a
// FileRouter). Implemented by internal/proxy and internal/transcode.
type Forwarder interface {
	Forward(w http.ResponseWriter, r *http.Request, rt router.Router, rewrittenPath string) (*http.Response, error)
}

// Route is one RouteConfig compiled into its matcher, router, middleware
// chain, and forwarder.
type Route struct {
	Config *config.RouteConfig
	Match  *matcher.Route
	Router router.Router
	Chain  *gwmw.Chain
	Fwd    Forwarder
}

// Engine holds every Route for one listener, tried in declaration order.
// The route table sits behind an atomic pointer so a config reload can
// swap it in without restarting the listener or racing an in-flight
// request: ServeHTTP loads the pointer once per request and runs the
// snapshot it got, even if a reload swaps it out moments later (spec.md
// §9, Testable Property #6).
type Engine struct {
	routes  atomic.Pointer[[]*Route]
	metrics *metrics.Registry
}

// New builds an Engine from a listener's compiled routes.
func New(routes []*Route) *Engine {
	e := &Engine{}
	e.SetRoutes(routes)
	return e
}

// SetMetrics attaches the registry ServeHTTP records each request's
// status and latency to (spec.md §6). A nil Engine.metrics (the
// zero-value default) simply skips recording, so Engines built without
// a Gateway around them — tests, for instance — don't need one.
func (e *Engine) SetMetrics(m *metrics.Registry) {
	e.metrics = m
}

// SetRoutes atomically replaces the route table. Existing requests
// already holding the previous snapshot are unaffected.
func (e *Engine) SetRoutes(routes []*Route) {
	e.routes.Store(&routes)
}

// ServeHTTP implements the full match -> pre-middleware -> forward ->
// post-middleware pipeline. The first route whose matchers accept the
// request is used, except that a HeaderBased route none of whose rules
// match is passed over for the next route; if no route is used, NoMatch
// is written (spec.md §7).
func (e *Engine) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	routes := *e.routes.Load()
	for _, rt := range routes {
		if !rt.Match.Matches(r) {
			continue
		}
		if hr, ok := rt.Router.(*router.HeaderRouter); ok {
			if _, err := hr.Select(r); err == gwerrors.ErrNoMatch {
				continue
			}
		}
		e.serveRoute(rt, w, r)
		return
	}
	gwerrors.ErrNoMatch.WriteJSON(w)
}

func (e *Engine) serveRoute(rt *Route, w http.ResponseWriter, r *http.Request) {
	ctx := gwmw.NewContext(rt.Config.RouteID)
	start := time.Now()

	ran, halted, err := rt.Chain.RunPre(ctx, w, r)
	if err != nil {
		gwerrors.ErrPanic.WriteJSON(w)
		return
	}
	if halted {
		return
	}

	rewritten := rt.Match.RewritePath(r.URL.Path)
	resp, fwdErr := rt.Fwd.Forward(w, r, rt.Router, rewritten)
	if fwdErr != nil {
		_ = rt.Chain.RunPost(ctx, w, r, nil, ran)
		writeForwardError(w, fwdErr)
		status := http.StatusBadGateway
		if ge, ok := gwerrors.IsGatewayError(fwdErr); ok {
			status = ge.Code
		}
		e.recordMetrics(rt, r, status, start)
		return
	}

	if err := rt.Chain.RunPost(ctx, w, r, resp, ran); err != nil {
		gwerrors.ErrPanic.WriteJSON(w)
		return
	}
	if resp != nil {
		e.recordMetrics(rt, r, resp.StatusCode, start)
	}
}

// recordMetrics observes one completed request. Routes forwarded by
// something that streams straight to the ResponseWriter instead of
// returning an *http.Response (WebSocket upgrades, static files, gRPC
// transcoding) have no status to report here and are left out of the
// histogram rather than guessed at.
func (e *Engine) recordMetrics(rt *Route, r *http.Request, status int, start time.Time) {
	if e.metrics == nil {
		return
	}
	e.metrics.ObserveRequest(rt.Config.RouteID, r.URL.Path, r.Method, strconv.Itoa(status), time.Since(start).Seconds())
}

func writeForwardError(w http.ResponseWriter, err error) {
	if ge, ok := gwerrors.IsGatewayError(err); ok {
		ge.WriteJSON(w)
		return
	}
	gwerrors.WriteUpstreamError(w, err)
}
