// Package circuitbreaker wraps github.com/sony/gobreaker/v2 as the
// Closed/Open/HalfOpen state machine spec.md §4.5 names, replacing the
// teacher's hand-rolled internal/circuitbreaker/breaker.go with the
// library its own go.mod already carries for exactly this purpose.
package circuitbreaker

import (
	"net/http"

	"github.com/sony/gobreaker/v2"

	"github.com/wudi/spire/internal/config"
	gwerrors "github.com/wudi/spire/internal/errors"
	gwmw "github.com/wudi/spire/internal/middleware"
)

const ctxKeyOpened = "circuitbreaker.opened"

// Middleware short-circuits requests while the breaker is Open and
// records each response's outcome to drive the Closed/Open/HalfOpen
// transitions. TwoStepCircuitBreaker is used rather than plain
// CircuitBreaker because Pre (admission) and Post (outcome) run as two
// separate phases of the engine pipeline, not one closure.
type Middleware struct {
	gwmw.Base
	cb *gobreaker.TwoStepCircuitBreaker[struct{}]
}

// New builds the middleware from a CircuitBreakerConfig, mapping its
// fields onto gobreaker.Settings: Timeout is open_duration, MaxRequests
// is half_open_max_requests, and ReadyToTrip implements the
// consecutive-failures-OR-error-rate-threshold condition of §4.5.
func New(cfg config.CircuitBreakerConfig) *Middleware {
	settings := gobreaker.Settings{
		Name:        "route",
		MaxRequests: uint32(cfg.HalfOpenMaxRequests),
		Timeout:     cfg.OpenDuration.Std(),
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if cfg.ConsecutiveFailureThreshold > 0 &&
				counts.ConsecutiveFailures >= uint32(cfg.ConsecutiveFailureThreshold) {
				return true
			}
			if cfg.MinRequestsForRateCalculation > 0 &&
				counts.Requests >= uint32(cfg.MinRequestsForRateCalculation) {
				failureRate := float64(counts.TotalFailures) / float64(counts.Requests)
				return failureRate >= cfg.FailureRateThreshold
			}
			return false
		},
	}
	return &Middleware{cb: gobreaker.NewTwoStepCircuitBreaker[struct{}](settings)}
}

// Pre rejects the request immediately when the breaker refuses a new
// call (i.e. it is Open, or Half-Open and already at MaxRequests).
func (m *Middleware) Pre(ctx *gwmw.Context, w http.ResponseWriter, r *http.Request) (gwmw.Result, error) {
	done, err := m.cb.Allow()
	if err != nil {
		gwerrors.ErrCircuitOpen.WriteJSON(w)
		return gwmw.Result{Halt: true}, nil
	}
	ctx.Values[ctxKeyOpened] = done
	return gwmw.Result{}, nil
}

// Post reports the upstream outcome to the breaker: success iff the
// response landed in the 2xx range and no transport error occurred
// (§4.5); anything else, including 3xx/4xx, counts as a failure.
func (m *Middleware) Post(ctx *gwmw.Context, _ http.ResponseWriter, _ *http.Request, resp *http.Response) error {
	done, ok := ctx.Values[ctxKeyOpened].(func(bool))
	if !ok {
		return nil
	}
	done(resp != nil && resp.StatusCode >= 200 && resp.StatusCode < 300)
	return nil
}
