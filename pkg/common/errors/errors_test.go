package errors

import (
	stderrors "errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindMatching(t *testing.T) {
	err := New(KindConflict, "role Ops already exists")

	assert.True(t, stderrors.Is(err, ErrConflict))
	assert.False(t, stderrors.Is(err, ErrForbidden))
	assert.True(t, IsConflict(err))
	assert.Equal(t, KindConflict, KindOf(err))
}

func TestWrapPreservesCause(t *testing.T) {
	cause := fmt.Errorf("dial tcp: connection refused")
	err := Wrap(KindTransient, "broker unavailable", cause).WithOp("queue.enqueue")

	require.NotNil(t, err)
	assert.True(t, IsTransient(err))
	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "queue.enqueue")
	assert.Contains(t, err.Error(), "connection refused")
}

func TestWrapNil(t *testing.T) {
	assert.Nil(t, Wrap(KindTransient, "no-op", nil))
}

func TestKindOfForeignError(t *testing.T) {
	assert.Equal(t, Kind(""), KindOf(fmt.Errorf("plain")))
	assert.False(t, IsNotFound(fmt.Errorf("plain")))
}

func TestWrappedKindSurvivesFmtWrapping(t *testing.T) {
	inner := New(KindQuotaExceeded, "max subscriptions reached")
	outer := fmt.Errorf("subscribe: %w", inner)

	assert.True(t, IsQuotaExceeded(outer))
	var e *Error
	require.True(t, stderrors.As(outer, &e))
	assert.Equal(t, "max subscriptions reached", e.Message)
}
