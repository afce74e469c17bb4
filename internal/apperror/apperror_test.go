package apperror

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestKindOfUnwrapsWrappedError(t *testing.T) {
	base := Wrap(KindTransient, "dialing adapter", errors.New("dial tcp: timeout"))
	wrapped := fmt.Errorf("submitting job: %w", base)

	assert.Equal(t, KindTransient, KindOf(wrapped))
}

func TestKindOfDefaultsToCatastrophicForUnclassifiedErrors(t *testing.T) {
	assert.Equal(t, KindCatastrophic, KindOf(errors.New("plain error")))
}

func TestRetryableMatchesTransientAndResourceExhausted(t *testing.T) {
	assert.True(t, Retryable(New(KindTransient, "x")))
	assert.True(t, Retryable(New(KindResourceExhausted, "x")))
	assert.False(t, Retryable(New(KindValidation, "x")))
	assert.False(t, Retryable(New(KindIntegrity, "x")))
	assert.False(t, Retryable(New(KindCatastrophic, "x")))
}

func TestErrorMessageIncludesCause(t *testing.T) {
	err := Wrap(KindIntegrity, "scanning row", errors.New("sql: no rows"))
	assert.Equal(t, "scanning row: sql: no rows", err.Error())
}

func TestSentinelErrorsClassify(t *testing.T) {
	assert.Equal(t, KindValidation, KindOf(ErrNotFound))
	assert.Equal(t, KindResourceExhausted, KindOf(ErrCircuitOpen))
	assert.Equal(t, KindIntegrity, KindOf(ErrStuckJob))
}
