// Package ratelimit implements the TokenBucket and FixedWindow algorithms
// of spec.md §4.4 as a middleware.Middleware, sharded per key the same
// way the teacher's internal/middleware/ratelimit/limiter.go shards its
// token buckets, to keep the hot path lock contention to one shard.
package ratelimit

import (
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/wudi/spire/internal/config"
	gwerrors "github.com/wudi/spire/internal/errors"
	gwmw "github.com/wudi/spire/internal/middleware"
)

const shardCount = 32

// Middleware enforces a RateLimitConfig against a shared keyed state
// store; New picks the TokenBucket or FixedWindow backend per cfg.Algo.
type Middleware struct {
	gwmw.Base
	cfg     config.RateLimitConfig
	keyFn   func(*http.Request) string
	matchFn func(*http.Request) bool

	shards [shardCount]shard
}

type shard struct {
	mu    sync.Mutex
	state map[string]any
}

// New builds the rate-limit middleware for cfg.
func New(cfg config.RateLimitConfig) *Middleware {
	m := &Middleware{cfg: cfg, keyFn: buildKeyFunc(cfg.Scope), matchFn: buildMatchFunc(cfg.Scope)}
	for i := range m.shards {
		m.shards[i].state = make(map[string]any)
	}
	return m
}

func buildKeyFunc(scope config.RateLimitScope) func(*http.Request) string {
	switch scope.Kind {
	case config.ScopeHeader:
		return func(r *http.Request) string { return r.Header.Get(scope.HeaderName) }
	case config.ScopeCIDR, config.ScopeIP:
		return func(r *http.Request) string { return clientIP(r) }
	default:
		return func(r *http.Request) string { return clientIP(r) }
	}
}

// buildMatchFunc implements §4.4's scope predicate: "Both variants
// evaluate scope (IP exact, IP CIDR range, or {Header name, value}). If
// scope does not match the request, the limiter is a no-op." Leaving
// the scope's match value unset (no ip/cidr/header_value configured)
// means the limiter isn't restricted to one peer and applies to every
// request, the same as not naming a scope at all. An unparseable CIDR
// never matches, rather than panicking on every request.
func buildMatchFunc(scope config.RateLimitScope) func(*http.Request) bool {
	switch scope.Kind {
	case config.ScopeIP:
		if scope.IP == "" {
			return func(*http.Request) bool { return true }
		}
		return func(r *http.Request) bool { return clientIP(r) == scope.IP }
	case config.ScopeCIDR:
		if scope.CIDR == "" {
			return func(*http.Request) bool { return true }
		}
		_, ipnet, err := net.ParseCIDR(scope.CIDR)
		if err != nil {
			return func(*http.Request) bool { return false }
		}
		return func(r *http.Request) bool {
			ip := net.ParseIP(clientIP(r))
			return ip != nil && ipnet.Contains(ip)
		}
	case config.ScopeHeader:
		if scope.HeaderName == "" {
			return func(*http.Request) bool { return true }
		}
		return func(r *http.Request) bool { return r.Header.Get(scope.HeaderName) == scope.HeaderValue }
	default:
		return func(*http.Request) bool { return true }
	}
}

func clientIP(r *http.Request) string {
	if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
		return xff
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (m *Middleware) shardFor(key string) *shard {
	var h uint32
	for i := 0; i < len(key); i++ {
		h = h*31 + uint32(key[i])
	}
	return &m.shards[h%shardCount]
}

// Pre checks and consumes quota for the request's key; on rejection it
// writes the 429 response itself and halts the chain.
func (m *Middleware) Pre(_ *gwmw.Context, w http.ResponseWriter, r *http.Request) (gwmw.Result, error) {
	if !m.matchFn(r) {
		return gwmw.Result{}, nil
	}

	key := m.keyFn(r)
	sh := m.shardFor(key)

	sh.mu.Lock()
	var allowed bool
	var remaining int
	var resetAt time.Time
	switch m.cfg.Algo {
	case config.AlgoTokenBucket:
		allowed, remaining, resetAt = tokenBucketAllow(sh, key, m.cfg)
	default:
		allowed, remaining, resetAt = fixedWindowAllow(sh, key, m.cfg)
	}
	sh.mu.Unlock()

	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(limitValue(m.cfg)))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(remaining))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(resetAt.Unix(), 10))

	if !allowed {
		retryAfter := int(time.Until(resetAt).Seconds())
		if retryAfter < 0 {
			retryAfter = 0
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		gwerrors.ErrTooManyRequests.WriteJSON(w)
		return gwmw.Result{Halt: true}, nil
	}
	return gwmw.Result{}, nil
}

func limitValue(cfg config.RateLimitConfig) int {
	if cfg.Algo == config.AlgoTokenBucket {
		return cfg.Capacity
	}
	return cfg.RatePerUnit
}

// --- TokenBucket ---

type tokenBucketState struct {
	tokens   float64
	lastTime time.Time
}

func tokenBucketAllow(sh *shard, key string, cfg config.RateLimitConfig) (bool, int, time.Time) {
	now := time.Now()
	unit := cfg.Unit.Std()
	rate := float64(cfg.RatePerUnit) / unit.Seconds()

	raw, ok := sh.state[key]
	var st *tokenBucketState
	if !ok {
		st = &tokenBucketState{tokens: float64(cfg.Capacity), lastTime: now}
		sh.state[key] = st
	} else {
		st = raw.(*tokenBucketState)
	}

	elapsed := now.Sub(st.lastTime).Seconds()
	st.tokens += elapsed * rate
	if st.tokens > float64(cfg.Capacity) {
		st.tokens = float64(cfg.Capacity)
	}
	st.lastTime = now

	if st.tokens >= 1 {
		st.tokens--
		return true, int(st.tokens), now.Add(unit)
	}

	waitSeconds := (1 - st.tokens) / rate
	return false, 0, now.Add(time.Duration(waitSeconds * float64(time.Second)))
}

// --- FixedWindow ---

type fixedWindowState struct {
	windowStart time.Time
	count       int
}

func fixedWindowAllow(sh *shard, key string, cfg config.RateLimitConfig) (bool, int, time.Time) {
	now := time.Now()
	unit := cfg.Unit.Std()

	raw, ok := sh.state[key]
	var st *fixedWindowState
	if !ok {
		st = &fixedWindowState{windowStart: now}
		sh.state[key] = st
	} else {
		st = raw.(*fixedWindowState)
	}

	if now.Sub(st.windowStart) >= unit {
		st.windowStart = now
		st.count = 0
	}

	resetAt := st.windowStart.Add(unit)
	if st.count >= cfg.RatePerUnit {
		return false, 0, resetAt
	}
	st.count++
	return true, cfg.RatePerUnit - st.count, resetAt
}
