package orcherr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestIsMatchesKind(t *testing.T) {
	err := Conflictf("task %d already in progress", 7)
	assert.True(t, Is(err, Conflict))
	assert.False(t, Is(err, NotFound))
}

func TestIsWalksWrappedCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(External, "adapter call failed", cause)
	assert.True(t, Is(err, External))
	assert.ErrorIs(t, err, cause)
}

func TestWithDetailAttachesPayload(t *testing.T) {
	err := New(BudgetExceeded, "daily cap exceeded").WithDetail("cap", "10.00").WithDetail("spent", "10.50")
	assert.Equal(t, "10.00", err.Details["cap"])
	assert.Equal(t, "10.50", err.Details["spent"])
}

func TestIsFalseForPlainError(t *testing.T) {
	assert.False(t, Is(errors.New("boom"), Validation))
}

func TestErrorStringIncludesCause(t *testing.T) {
	err := Wrap(External, "git push failed", errors.New("timeout"))
	assert.Contains(t, err.Error(), "timeout")
	assert.Contains(t, err.Error(), "git push failed")
}
