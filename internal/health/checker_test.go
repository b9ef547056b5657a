package health

import (
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/wudi/spire/internal/config"
	"github.com/wudi/spire/internal/router"
)

func TestParseStatusRange(t *testing.T) {
	cases := []struct {
		in      string
		want    StatusRange
		wantErr bool
	}{
		{in: "200", want: StatusRange{200, 200}},
		{in: "2xx", want: StatusRange{200, 299}},
		{in: "200-299", want: StatusRange{200, 299}},
		{in: "bogus", wantErr: true},
		{in: "300-200", wantErr: true},
	}
	for _, c := range cases {
		got, err := ParseStatusRange(c.in)
		if c.wantErr {
			if err == nil {
				t.Errorf("ParseStatusRange(%q): expected an error", c.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseStatusRange(%q): %v", c.in, err)
			continue
		}
		if got != c.want {
			t.Errorf("ParseStatusRange(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

// buildSingleBackendRouter wires a RandomRouter over one backend so
// router.Backends can find it — Checker.Add only walks the concrete
// router variants router.Backends type-switches over.
func buildSingleBackendRouter(t *testing.T, endpoint string) (router.Router, *router.BaseRoute) {
	t.Helper()
	rt, err := router.Build(config.RouterConfig{
		Kind:   config.RouterRandom,
		Routes: []config.BaseRouteConfig{{Endpoint: endpoint, Weight: 1}},
	})
	if err != nil {
		t.Fatalf("router.Build: %v", err)
	}
	backends := router.Backends(rt)
	if len(backends) != 1 {
		t.Fatalf("expected exactly one backend, got %d", len(backends))
	}
	return rt, backends[0]
}

func TestCheckerEjectsOnFailingProbe(t *testing.T) {
	var healthy atomic.Bool
	healthy.Store(true)

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	rt, backendRoute := buildSingleBackendRouter(t, backend.URL)
	rc := &config.RouteConfig{
		HealthCheck: &config.HealthCheckConfig{
			Path:     "/health",
			Interval: config.Duration(20 * time.Millisecond),
			Timeout:  config.Duration(time.Second),
		},
	}

	c := NewChecker()
	defer c.Stop()
	c.Add(rc, rt)

	waitFor(t, func() bool { return backendRoute.Alive() })

	healthy.Store(false)
	waitFor(t, func() bool { return !backendRoute.Alive() })
}

func TestCheckerRecoversAfterMinLivenessStreak(t *testing.T) {
	var healthy atomic.Bool

	backend := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if healthy.Load() {
			w.WriteHeader(http.StatusOK)
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer backend.Close()

	rt, backendRoute := buildSingleBackendRouter(t, backend.URL)
	rc := &config.RouteConfig{
		HealthCheck: &config.HealthCheckConfig{
			Path:     "/health",
			Interval: config.Duration(10 * time.Millisecond),
			Timeout:  config.Duration(time.Second),
		},
		LivenessConfig: &config.LivenessConfig{MinLivenessCount: 3},
	}

	c := NewChecker()
	defer c.Stop()
	c.Add(rc, rt)

	waitFor(t, func() bool { return !backendRoute.Alive() })

	healthy.Store(true)
	waitFor(t, func() bool { return backendRoute.Alive() })
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
