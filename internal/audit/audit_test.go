package audit

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStrPtrReturnsNilForEmptyString(t *testing.T) {
	assert.Nil(t, StrPtr(""))
	s := StrPtr("luigi")
	assert.NotNil(t, s)
	assert.Equal(t, "luigi", *s)
}

func TestRecordAfterCloseDropsWithoutPanic(t *testing.T) {
	l := New(nil)
	l.Close()

	assert.NotPanics(t, func() {
		l.Record(context.Background(), DecisionAutoReject, StrPtr("luigi"), nil,
			map[string]any{"quality_score": 0.2}, "rejected", 0.2, "below threshold")
	})
}

func TestCloseIsIdempotent(t *testing.T) {
	l := New(nil)
	l.Close()
	assert.NotPanics(t, l.Close)
}
