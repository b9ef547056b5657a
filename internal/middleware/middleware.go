// Package middleware defines the ordered pre/post chain the route engine
// (C5) runs around every proxied request, per spec.md §4.3: each
// middleware gets a pre-request check+mutate phase and a post-response
// record_outcome+handle_response phase, run in configuration order going
// in and reverse order coming back.
package middleware

import "net/http"

// Context carries the per-request state middlewares and the engine share:
// the route identifier for metrics/logging, and a bag for middleware to
// stash data between the pre and post phases of the same request.
type Context struct {
	RouteID string
	Values  map[string]any
}

// NewContext returns an empty Context for routeID.
func NewContext(routeID string) *Context {
	return &Context{RouteID: routeID, Values: make(map[string]any)}
}

// Result is returned by Pre to tell the engine whether to continue
// forwarding the request or stop and write a response immediately.
type Result struct {
	Halt bool // true if the middleware already wrote a response
}

// Middleware is implemented by every spec.md §3 Middleware variant.
// Pre runs before the request is forwarded upstream; it may halt the
// pipeline (auth rejection, rate limit, CORS preflight, denied IP). Post
// runs after the upstream response is available; it may rewrite headers,
// record circuit-breaker outcomes, or compress the body.
type Middleware interface {
	Pre(ctx *Context, w http.ResponseWriter, r *http.Request) (Result, error)
	Post(ctx *Context, w http.ResponseWriter, r *http.Request, resp *http.Response) error
}

// Base provides no-op Pre/Post so a middleware that only needs one phase
// can embed Base and override the other.
type Base struct{}

func (Base) Pre(*Context, http.ResponseWriter, *http.Request) (Result, error) {
	return Result{}, nil
}

func (Base) Post(*Context, http.ResponseWriter, *http.Request, *http.Response) error {
	return nil
}

// Chain runs an ordered list of Middleware: Pre phases run in order and
// stop at the first Halt; Post phases run in reverse order over exactly
// the middlewares whose Pre completed without halting or failing,
// mirroring the teacher's serveHTTP staged pipeline.
type Chain struct {
	middlewares []Middleware
}

// NewChain builds a Chain from an ordered middleware list.
func NewChain(mws ...Middleware) *Chain {
	return &Chain{middlewares: mws}
}

// RunPre executes each middleware's Pre phase in order, stopping at the
// first error or Halt. It returns how many middlewares completed Pre
// before that point (the one that halted or failed is not counted), so
// RunPost can unwind only that prefix.
func (c *Chain) RunPre(ctx *Context, w http.ResponseWriter, r *http.Request) (ran int, halted bool, err error) {
	for i, mw := range c.middlewares {
		res, err := mw.Pre(ctx, w, r)
		if err != nil {
			return i, false, err
		}
		if res.Halt {
			return i, true, nil
		}
	}
	return len(c.middlewares), false, nil
}

// RunPost executes Post on the first `ran` middlewares in reverse order.
func (c *Chain) RunPost(ctx *Context, w http.ResponseWriter, r *http.Request, resp *http.Response, ran int) error {
	for i := ran - 1; i >= 0; i-- {
		if err := c.middlewares[i].Post(ctx, w, r, resp); err != nil {
			return err
		}
	}
	return nil
}
