// Package health implements active backend probing (C11, spec.md §4.10):
// for every RouteConfig that carries a health_check block, a goroutine
// polls each backend's health path on an interval and drives the
// backend's liveness state directly (MarkDead on a single failed probe,
// MarkProbeSuccess building toward the configured liveness streak).
package health

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/logging"
	"github.com/wudi/spire/internal/router"
	"go.uber.org/zap"
)

// StatusRange is an inclusive range of HTTP status codes a probe accepts
// as healthy.
type StatusRange struct {
	Lo, Hi int
}

// ParseStatusRange parses "200", "2xx", or "200-299" into a StatusRange.
func ParseStatusRange(s string) (StatusRange, error) {
	s = strings.TrimSpace(s)
	if len(s) == 3 && s[1] == 'x' && s[2] == 'x' {
		base := int(s[0]-'0') * 100
		if base < 100 || base > 500 {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{base, base + 99}, nil
	}
	if parts := strings.SplitN(s, "-", 2); len(parts) == 2 {
		lo, err1 := strconv.Atoi(parts[0])
		hi, err2 := strconv.Atoi(parts[1])
		if err1 != nil || err2 != nil || lo < 100 || hi > 599 || lo > hi {
			return StatusRange{}, fmt.Errorf("invalid status range %q", s)
		}
		return StatusRange{lo, hi}, nil
	}
	code, err := strconv.Atoi(s)
	if err != nil || code < 100 || code > 599 {
		return StatusRange{}, fmt.Errorf("invalid status code %q", s)
	}
	return StatusRange{code, code}, nil
}

func matchStatus(code int, ranges []StatusRange) bool {
	for _, r := range ranges {
		if code >= r.Lo && code <= r.Hi {
			return true
		}
	}
	return false
}

var defaultExpected = []StatusRange{{200, 399}}

// target is one backend under active probing.
type target struct {
	backend  *router.BaseRoute
	path     string
	interval time.Duration
	timeout  time.Duration
	minLive  int
	expected []StatusRange
}

// Checker runs active HTTP health checks against a set of backends,
// driving each one's liveness directly rather than through a lookup map
// (the teacher's Checker indexes backendState by URL; here the BaseRoute
// pointer itself is the identity, so there's nothing to look up).
type Checker struct {
	client *http.Client

	mu      sync.Mutex
	targets []*target

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewChecker builds a Checker ready to have routes registered with Add.
func NewChecker() *Checker {
	ctx, cancel := context.WithCancel(context.Background())
	return &Checker{
		client: &http.Client{
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		ctx:    ctx,
		cancel: cancel,
	}
}

// Add registers every backend rt can select for active probing per rc's
// health_check and liveness_config blocks. A RouteConfig with no
// health_check is skipped: nothing probes those backends, and the
// anomaly_detection block is not read anywhere, so they stay alive unless
// the TCP proxy marks one dead after a failed dial.
func (c *Checker) Add(rc *config.RouteConfig, rt router.Router) {
	if rc.HealthCheck == nil {
		return
	}

	path := rc.HealthCheck.Path
	if path == "" {
		path = "/health"
	}
	interval := rc.HealthCheck.Interval.Std()
	if interval <= 0 {
		interval = 10 * time.Second
	}
	timeout := rc.HealthCheck.Timeout.Std()
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	minLive := 1
	if rc.LivenessConfig != nil && rc.LivenessConfig.MinLivenessCount > 0 {
		minLive = rc.LivenessConfig.MinLivenessCount
	}

	for _, b := range router.Backends(rt) {
		t := &target{
			backend:  b,
			path:     path,
			interval: interval,
			timeout:  timeout,
			minLive:  minLive,
			expected: defaultExpected,
		}
		c.mu.Lock()
		c.targets = append(c.targets, t)
		c.mu.Unlock()

		c.wg.Add(1)
		go c.loop(t)
	}
}

func (c *Checker) loop(t *target) {
	defer c.wg.Done()

	c.probe(t)

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			c.probe(t)
		}
	}
}

func (c *Checker) probe(t *target) {
	url := t.backend.Endpoint + t.path

	ctx, cancel := context.WithTimeout(c.ctx, t.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.recordFailure(t, err)
		return
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.recordFailure(t, err)
		return
	}
	defer resp.Body.Close()

	if !matchStatus(resp.StatusCode, t.expected) {
		c.recordFailure(t, fmt.Errorf("unhealthy status code: %d", resp.StatusCode))
		return
	}

	wasAlive := t.backend.Alive()
	t.backend.MarkProbeSuccess(t.minLive)
	if !wasAlive && t.backend.Alive() {
		logging.Info("backend health recovered", zap.String("endpoint", t.backend.Endpoint))
	}
}

func (c *Checker) recordFailure(t *target, err error) {
	wasAlive := t.backend.Alive()
	t.backend.MarkDead()
	if wasAlive {
		logging.Warn("backend health check failed, ejecting",
			zap.String("endpoint", t.backend.Endpoint), zap.Error(err))
	}
}

// Stop halts every probe loop and waits for them to exit.
func (c *Checker) Stop() {
	c.cancel()
	c.wg.Wait()
}
