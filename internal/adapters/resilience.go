// Package adapters implements the Resilient External-Service Adapters
// (C2): typed clients for the image-generation backend, the LLM/dialogue
// service, and the local vision/inference backend, each wrapped with a
// circuit breaker and a retry manager, plus the dual-GPU admission router.
// Grounded on the teacher's pkg/mcp/client.go (per-resource mutex wrapping,
// typed client interface) and pkg/agent/llm_client.go (streaming response
// client shape), with the hand-rolled breaker/retry replaced by
// sony/gobreaker and cenkalti/backoff/v4 (see DESIGN.md).
package adapters

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/sony/gobreaker"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
	"github.com/pvestal/tower-anime-orchestrator/internal/metrics"
)

// Resilience wraps a named external call with a gobreaker circuit breaker
// (C2.4) and a bounded exponential-backoff retry manager (C2.5). One
// Resilience instance guards one adapter's calls.
type Resilience struct {
	name    string
	breaker *gobreaker.CircuitBreaker
	cfg     config.RetryConfig
}

// NewResilience builds a Resilience guard named name, using cb for circuit
// breaker thresholds and retry for the backoff policy.
func NewResilience(name string, cb config.CircuitBreakerConfig, retry config.RetryConfig) *Resilience {
	settings := gobreaker.Settings{
		Name:        name,
		MaxRequests: 1, // half_open admits exactly one probe request
		Interval:    0, // never reset closed-state counts on a timer
		Timeout:     cb.RecoveryTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cb.FailureThreshold
		},
	}
	return &Resilience{
		name:    name,
		breaker: gobreaker.NewCircuitBreaker(settings),
		cfg:     retry,
	}
}

// State reports the breaker's current state for /gpu/status and adapter
// metrics.
func (r *Resilience) State() string {
	switch r.breaker.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half_open"
	default:
		return "closed"
	}
}

// Do runs fn behind the circuit breaker, retrying retryable failures with
// exponential backoff (base × 2^attempt, capped at max_delay, up to
// max_retries retries after the first attempt) per spec §4.2.5. An open breaker fails immediately
// with apperror.ErrCircuitOpen without consuming a retry attempt.
func (r *Resilience) Do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	start := time.Now()
	result, err := r.do(ctx, fn)
	metrics.AdapterCallDuration.WithLabelValues(r.name).Observe(time.Since(start).Seconds())
	metrics.CircuitBreakerState.WithLabelValues(r.name).Set(metrics.CircuitStateValue(r.State()))
	if err != nil {
		metrics.AdapterCallsTotal.WithLabelValues(r.name, "error").Inc()
	} else {
		metrics.AdapterCallsTotal.WithLabelValues(r.name, "success").Inc()
	}
	return result, err
}

func (r *Resilience) do(ctx context.Context, fn func(context.Context) (any, error)) (any, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = r.cfg.BaseDelay
	bo.MaxInterval = r.cfg.MaxDelay
	bo.Multiplier = 2
	bo.RandomizationFactor = 0
	bo.MaxElapsedTime = 0
	boCtx := backoff.WithContext(backoff.WithMaxRetries(bo, uint64(r.cfg.MaxRetries)), ctx)

	var result any
	op := func() error {
		v, err := r.breaker.Execute(func() (any, error) {
			return fn(ctx)
		})
		if err != nil {
			if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
				// Breaker itself is open: this is the transient
				// resource-exhaustion condition callers must treat it
				// as (spec §4.2.4); never retried through backoff.
				return backoff.Permanent(apperror.Wrap(apperror.KindResourceExhausted, "circuit breaker open", apperror.ErrCircuitOpen))
			}
			appErr := apperror.Wrap(apperror.KindOf(err), fmt.Sprintf("%s call failed", r.name), err)
			if !apperror.Retryable(appErr) {
				return backoff.Permanent(appErr)
			}
			return appErr
		}
		result = v
		return nil
	}

	if err := backoff.Retry(op, boCtx); err != nil {
		return nil, err
	}
	return result, nil
}

// withTimeout bounds a single call's wall-clock, matching spec §4.2.1's
// configurable total-timeout-per-request requirement.
func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		d = 60 * time.Second
	}
	return context.WithTimeout(ctx, d)
}
