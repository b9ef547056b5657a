package router

import (
	"net/http"
	"regexp"
	"strings"
	"sync/atomic"

	mathrand "math/rand/v2"

	"github.com/wudi/spire/internal/config"
	gwerrors "github.com/wudi/spire/internal/errors"
)

// Router is implemented by every forward_to variant. Kind lets the route
// engine dispatch File routers (which serve from disk, never pick a
// backend) separately from the backend-picking variants.
type Router interface {
	Kind() config.RouterKind
}

// BackendRouter is a Router that picks one BaseRoute per request.
type BackendRouter interface {
	Router
	Select(req *http.Request) (*BaseRoute, error)
}

// Build constructs the Router named by cfg, grounded on its RouteConfig
// section. Pools are built fresh from cfg; health state starts alive and
// is driven afterward by internal/health.
func Build(cfg config.RouterConfig) (Router, error) {
	switch cfg.Kind {
	case config.RouterPoll:
		return newPollRouter(cfg.Routes), nil
	case config.RouterRandom:
		return newRandomRouter(cfg.Routes), nil
	case config.RouterWeight:
		return newWeightedRouter(cfg.Routes), nil
	case config.RouterHeader:
		return newHeaderRouter(cfg.HeaderRoutes)
	case config.RouterFile:
		return &FileRouter{DocRoot: cfg.DocRoot}, nil
	default:
		return nil, gwerrors.New(500, "unknown router kind")
	}
}

func backendsFromConfig(routes []config.BaseRouteConfig) []*BaseRoute {
	out := make([]*BaseRoute, 0, len(routes))
	for _, r := range routes {
		out = append(out, NewBaseRoute(r.Endpoint, r.Weight))
	}
	return out
}

// --- Poll (round robin) ---

type PollRouter struct {
	pool    *Pool
	counter atomic.Uint64
}

func newPollRouter(routes []config.BaseRouteConfig) *PollRouter {
	return &PollRouter{pool: NewPool(backendsFromConfig(routes))}
}

func (r *PollRouter) Kind() config.RouterKind { return config.RouterPoll }

// Select returns the next alive backend in round-robin order. The counter
// indexes the currently alive subset, so a backend dying or recovering
// shifts which backend the next pick lands on; weights are not used.
func (r *PollRouter) Select(_ *http.Request) (*BaseRoute, error) {
	alive := r.pool.Alive()
	if len(alive) == 0 {
		return nil, gwerrors.ErrNoHealthyUpstream
	}
	idx := r.counter.Add(1) - 1
	return alive[idx%uint64(len(alive))], nil
}

func (r *PollRouter) Pool() *Pool { return r.pool }

// --- Random ---

type RandomRouter struct {
	pool *Pool
}

func newRandomRouter(routes []config.BaseRouteConfig) *RandomRouter {
	return &RandomRouter{pool: NewPool(backendsFromConfig(routes))}
}

func (r *RandomRouter) Kind() config.RouterKind { return config.RouterRandom }

func (r *RandomRouter) Select(_ *http.Request) (*BaseRoute, error) {
	alive := r.pool.Alive()
	if len(alive) == 0 {
		return nil, gwerrors.ErrNoHealthyUpstream
	}
	return alive[mathrand.IntN(len(alive))], nil
}

func (r *RandomRouter) Pool() *Pool { return r.pool }

// --- WeightBased: literal Smooth Weighted Round Robin ---
//
// Each pick: every alive backend's currentWeight += its static Weight;
// the backend with the highest currentWeight is chosen; the chosen
// backend's currentWeight -= the sum of all alive weights. This is the
// exact algorithm spec.md §4.2 names and §8's Testable Property #1
// requires (see DESIGN.md for why this departs from the teacher's
// GCD-based WeightedRoundRobin).
type WeightedRouter struct {
	pool *Pool
}

func newWeightedRouter(routes []config.BaseRouteConfig) *WeightedRouter {
	return &WeightedRouter{pool: NewPool(backendsFromConfig(routes))}
}

func (r *WeightedRouter) Kind() config.RouterKind { return config.RouterWeight }

func (r *WeightedRouter) Select(_ *http.Request) (*BaseRoute, error) {
	alive := r.pool.Alive()
	if len(alive) == 0 {
		return nil, gwerrors.ErrNoHealthyUpstream
	}

	var total int64
	var best *BaseRoute
	var bestWeight int64 = -1

	for _, b := range alive {
		total += int64(b.Weight)
		cur := b.currentWeight.Add(int64(b.Weight))
		if cur > bestWeight {
			bestWeight = cur
			best = b
		}
	}

	best.currentWeight.Add(-total)
	return best, nil
}

func (r *WeightedRouter) Pool() *Pool { return r.pool }

// --- HeaderBased ---

type headerRule struct {
	cfg config.HeaderRouteRule
	re  *regexp.Regexp
}

type HeaderRouter struct {
	rules    []headerRule
	backends map[string]*BaseRoute // endpoint -> backend, one per distinct rule target
}

func newHeaderRouter(rules []config.HeaderRouteRule) (*HeaderRouter, error) {
	hr := &HeaderRouter{backends: make(map[string]*BaseRoute)}
	for _, rc := range rules {
		r := headerRule{cfg: rc}
		if rc.Regex != "" {
			re, err := regexp.Compile(rc.Regex)
			if err != nil {
				return nil, err
			}
			r.re = re
		}
		hr.rules = append(hr.rules, r)
		if _, ok := hr.backends[rc.Endpoint]; !ok {
			hr.backends[rc.Endpoint] = NewBaseRoute(rc.Endpoint, 1)
		}
	}
	return hr, nil
}

func (r *HeaderRouter) Kind() config.RouterKind { return config.RouterHeader }

// Select evaluates rules in declaration order and returns the backend of
// the first whose predicate matches the named header, or
// NoHealthyUpstream if that backend is dead. No matching rule returns
// NoMatch, which the engine treats as fallthrough to its next route (the
// Open Question decision recorded in DESIGN.md).
func (r *HeaderRouter) Select(req *http.Request) (*BaseRoute, error) {
	for _, rule := range r.rules {
		v := req.Header.Get(rule.cfg.HeaderKey)
		if v == "" {
			continue
		}
		if matchHeaderRule(rule, v) {
			b := r.backends[rule.cfg.Endpoint]
			if b != nil && b.Alive() {
				return b, nil
			}
			return nil, gwerrors.ErrNoHealthyUpstream
		}
	}
	return nil, gwerrors.ErrNoMatch
}

func matchHeaderRule(rule headerRule, value string) bool {
	switch {
	case rule.cfg.Text != "":
		return value == rule.cfg.Text
	case rule.cfg.Regex != "":
		return rule.re.MatchString(value)
	case rule.cfg.Split != nil:
		parts := strings.Split(value, rule.cfg.Split.Separator)
		for _, p := range parts {
			if p == rule.cfg.Split.Value {
				return true
			}
		}
		return false
	default:
		return false
	}
}

// AllBackends returns every distinct backend this router can select, for
// the health checker to probe.
func (r *HeaderRouter) AllBackends() []*BaseRoute {
	out := make([]*BaseRoute, 0, len(r.backends))
	for _, b := range r.backends {
		out = append(out, b)
	}
	return out
}

// --- File (static doc-root) ---

// FileRouter serves files from DocRoot directly; it never selects a
// backend, so it does not implement BackendRouter.
type FileRouter struct {
	DocRoot string
}

func (r *FileRouter) Kind() config.RouterKind { return config.RouterFile }

// Backends returns every distinct BaseRoute a router can select, for the
// health checker to probe. FileRouter has none.
func Backends(r Router) []*BaseRoute {
	switch rt := r.(type) {
	case *PollRouter:
		return rt.Pool().All()
	case *RandomRouter:
		return rt.Pool().All()
	case *WeightedRouter:
		return rt.Pool().All()
	case *HeaderRouter:
		return rt.AllBackends()
	default:
		return nil
	}
}
