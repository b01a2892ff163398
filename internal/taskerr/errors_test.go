package taskerr

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewDerivesRetryableFromCode(t *testing.T) {
	retryable := New(ErrCodeConnectionFailed, "dial failed", nil)
	assert.True(t, retryable.Retryable)

	terminal := New(ErrCodePublishFailed, "publish failed", nil)
	assert.False(t, terminal.Retryable)
}

func TestErrorUnwrapAndIs(t *testing.T) {
	cause := errors.New("boom")
	err := BrokerError("transport failed", cause)

	require.ErrorIs(t, err, cause)

	var target *Error
	require.True(t, errors.As(err, &target))
	assert.Equal(t, ErrCodeBroker, target.Code)
}

func TestIsMatchesByCodeNotMessage(t *testing.T) {
	a := New(ErrCodeTimeout, "first message", nil)
	b := New(ErrCodeTimeout, "different message", nil)
	assert.True(t, errors.Is(a, b))

	c := New(ErrCodeRetry, "first message", nil)
	assert.False(t, errors.Is(a, c))
}

func TestBuilderMethodsAttachFields(t *testing.T) {
	err := TimeoutError("examples.add").
		WithMessageID("msg-1").
		WithDetail("attempt", 3)

	assert.Equal(t, "examples.add", err.Task)
	assert.Equal(t, "msg-1", err.MessageID)
	assert.Equal(t, 3, err.Details["attempt"])
}

func TestIsRetryableRejectsPlainErrors(t *testing.T) {
	assert.False(t, IsRetryable(errors.New("not one of ours")))
	assert.True(t, IsRetryable(RetryError(nil)))
}

func TestRetriesExhaustedDistinctFromExpired(t *testing.T) {
	exhausted := RetriesExhaustedError("examples.add", RetryError(nil))
	expired := ExpiredError("examples.add")

	assert.Equal(t, ErrCodeRetriesExhausted, exhausted.Code)
	assert.Equal(t, ErrCodeExpired, expired.Code)
	assert.NotEqual(t, exhausted.Code, expired.Code)
	assert.False(t, errors.Is(exhausted, expired))
	assert.False(t, IsRetryable(exhausted))
}

func TestUnregisteredTaskAndTaskAlreadyExists(t *testing.T) {
	u := UnregisteredTask("ghost.task")
	assert.Equal(t, ErrCodeUnregisteredTask, u.Code)
	assert.Equal(t, "ghost.task", u.Task)

	d := TaskAlreadyExists("ghost.task")
	assert.Equal(t, ErrCodeTaskAlreadyExists, d.Code)
}
