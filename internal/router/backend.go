// Package router implements the Router variants named in spec.md §3/§4.2:
// Poll (round robin), Random, WeightBased (smooth weighted round robin),
// HeaderBased, and File (static doc-root). Each variant operates over a
// pool of BaseRoute backends with liveness state a health checker toggles
// concurrently with request handling.
package router

import (
	"net/url"
	"sync"
	"sync/atomic"
)

// BaseRoute is one backend endpoint plus its liveness and SWRR state.
type BaseRoute struct {
	Endpoint  string
	Weight    int // static weight from RouteConfig (1 when unset); always 1 for HeaderBased backends
	ParsedURL *url.URL

	alive          atomic.Bool
	liveStreak     atomic.Int32 // consecutive successful probes since last Dead
	currentWeight  atomic.Int64 // SWRR running counter; only WeightBased mutates this
	activeRequests atomic.Int64
}

// NewBaseRoute parses endpoint and starts the backend alive.
func NewBaseRoute(endpoint string, weight int) *BaseRoute {
	if weight <= 0 {
		weight = 1
	}
	br := &BaseRoute{Endpoint: endpoint, Weight: weight}
	br.ParsedURL, _ = url.Parse(endpoint)
	br.alive.Store(true)
	return br
}

// Alive reports the backend's current liveness.
func (b *BaseRoute) Alive() bool { return b.alive.Load() }

// MarkDead flips the backend to dead and resets its live streak (spec.md
// §4.10: a single failed probe ejects immediately).
func (b *BaseRoute) MarkDead() {
	b.alive.Store(false)
	b.liveStreak.Store(0)
}

// MarkProbeSuccess records one successful probe and, once minLiveness
// consecutive successes have accumulated, flips the backend back to alive
// (the Dead→Live hysteresis spec.md §4.10 requires).
func (b *BaseRoute) MarkProbeSuccess(minLiveness int) {
	if b.alive.Load() {
		return
	}
	streak := b.liveStreak.Add(1)
	if minLiveness <= 0 {
		minLiveness = 1
	}
	if streak >= int32(minLiveness) {
		b.alive.Store(true)
		b.liveStreak.Store(0)
	}
}

// IncrActive records one more in-flight request against this backend.
func (b *BaseRoute) IncrActive() { b.activeRequests.Add(1) }

// DecrActive records one fewer in-flight request against this backend.
func (b *BaseRoute) DecrActive() { b.activeRequests.Add(-1) }

// ActiveRequests reports the backend's current in-flight request count.
func (b *BaseRoute) ActiveRequests() int64 { return b.activeRequests.Load() }

// Pool is a set of backends shared by a router and the health checker.
type Pool struct {
	mu       sync.RWMutex
	backends []*BaseRoute
}

// NewPool builds a Pool from the given backends.
func NewPool(backends []*BaseRoute) *Pool {
	return &Pool{backends: backends}
}

// All returns every backend regardless of liveness.
func (p *Pool) All() []*BaseRoute {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*BaseRoute, len(p.backends))
	copy(out, p.backends)
	return out
}

// Alive returns only the currently-alive backends.
func (p *Pool) Alive() []*BaseRoute {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*BaseRoute, 0, len(p.backends))
	for _, b := range p.backends {
		if b.Alive() {
			out = append(out, b)
		}
	}
	return out
}
