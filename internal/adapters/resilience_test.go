package adapters

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pvestal/tower-anime-orchestrator/internal/apperror"
	"github.com/pvestal/tower-anime-orchestrator/internal/config"
)

func fastRetryConfig() config.RetryConfig {
	return config.RetryConfig{MaxRetries: 3, BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond}
}

func TestDoReturnsResultOnSuccess(t *testing.T) {
	r := NewResilience("test", config.CircuitBreakerConfig{FailureThreshold: 5, RecoveryTimeout: time.Second}, fastRetryConfig())

	result, err := r.Do(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, "closed", r.State())
}

func TestDoRetriesTransientErrorsThenSucceeds(t *testing.T) {
	r := NewResilience("test", config.CircuitBreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Second}, fastRetryConfig())

	attempts := 0
	result, err := r.Do(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		if attempts < 3 {
			return nil, apperror.New(apperror.KindTransient, "flaky backend")
		}
		return "ok", nil
	})
	require.NoError(t, err)
	assert.Equal(t, "ok", result)
	assert.Equal(t, 3, attempts)
}

func TestDoDoesNotRetryValidationErrors(t *testing.T) {
	r := NewResilience("test", config.CircuitBreakerConfig{FailureThreshold: 10, RecoveryTimeout: time.Second}, fastRetryConfig())

	attempts := 0
	_, err := r.Do(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return nil, apperror.New(apperror.KindValidation, "bad request")
	})
	assert.Error(t, err)
	assert.Equal(t, 1, attempts)
}

func TestDoOpensCircuitAfterConsecutiveFailuresAndFailsFast(t *testing.T) {
	r := NewResilience("test", config.CircuitBreakerConfig{FailureThreshold: 2, RecoveryTimeout: time.Hour}, config.RetryConfig{MaxRetries: 0, BaseDelay: time.Millisecond, MaxDelay: time.Millisecond})

	failing := func(ctx context.Context) (any, error) {
		return nil, apperror.New(apperror.KindTransient, "backend down")
	}

	_, _ = r.Do(context.Background(), failing)
	_, _ = r.Do(context.Background(), failing)
	assert.Equal(t, "open", r.State())

	attempts := 0
	_, err := r.Do(context.Background(), func(ctx context.Context) (any, error) {
		attempts++
		return "should not run", nil
	})
	assert.Error(t, err)
	assert.True(t, errors.Is(err, apperror.ErrCircuitOpen))
	assert.Equal(t, 0, attempts)
	assert.Equal(t, apperror.KindResourceExhausted, apperror.KindOf(err))
}
