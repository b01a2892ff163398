package tracer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"dev.taskcore.worker/internal/protocol"
	"dev.taskcore.worker/internal/task"
	"dev.taskcore.worker/internal/taskerr"
)

type params struct {
	X int `json:"x"`
}

type fakeTask struct {
	execute    func(ctx context.Context, p params) (int, error)
	timeout    *time.Duration
	maxRetries *int
}

func (f fakeTask) Name() string { return "examples.fake" }

func (f fakeTask) Execute(ctx context.Context, p params) (int, error) {
	return f.execute(ctx, p)
}

func (f fakeTask) Timeout() *time.Duration       { return f.timeout }
func (f fakeTask) MaxRetries() *int              { return f.maxRetries }
func (f fakeTask) MinRetryDelay() *time.Duration { return nil }
func (f fakeTask) MaxRetryDelay() *time.Duration { return nil }

func newMessage(t *testing.T) *protocol.Message {
	t.Helper()
	msg, err := protocol.NewMessage(protocol.Headers{Task: "examples.fake", ID: "1"}, params{X: 1})
	require.NoError(t, err)
	return msg
}

func TestIsDelayedReflectsFutureETA(t *testing.T) {
	msg := newMessage(t)
	future := time.Now().Add(time.Hour)
	msg.Headers.ETA = &future

	builder := NewBuilder[params, int](fakeTask{execute: func(ctx context.Context, p params) (int, error) { return 0, nil }})
	tr, err := builder(msg, task.DefaultOptions(), nil)
	require.NoError(t, err)

	assert.True(t, tr.IsDelayed())
}

func TestTraceEmitsPendingThenFinished(t *testing.T) {
	msg := newMessage(t)
	sink := make(chan Event, 4)

	builder := NewBuilder[params, int](fakeTask{execute: func(ctx context.Context, p params) (int, error) { return p.X, nil }})
	tr, err := builder(msg, task.DefaultOptions(), sink)
	require.NoError(t, err)

	require.NoError(t, tr.Trace(context.Background()))

	first := <-sink
	second := <-sink
	assert.Equal(t, StatusPending, first.Status)
	assert.Equal(t, StatusFinished, second.Status)
	assert.Equal(t, "examples.fake", first.Task)
}

func TestTraceReturnsRetryableWhenTaskRequestsRetry(t *testing.T) {
	msg := newMessage(t)
	builder := NewBuilder[params, int](fakeTask{
		execute: func(ctx context.Context, p params) (int, error) {
			return 0, taskerr.RetryError(nil)
		},
	})
	tr, err := builder(msg, task.DefaultOptions(), nil)
	require.NoError(t, err)

	err = tr.Trace(context.Background())
	require.Error(t, err)
	assert.True(t, taskerr.IsRetryable(err))
}

func TestTraceExhaustsRetriesPastMaxRetries(t *testing.T) {
	msg := newMessage(t)
	retries := 3
	msg.Headers.Retries = &retries

	maxRetries := 3
	builder := NewBuilder[params, int](fakeTask{
		maxRetries: &maxRetries,
		execute: func(ctx context.Context, p params) (int, error) {
			return 0, taskerr.RetryError(nil)
		},
	})
	tr, err := builder(msg, task.DefaultOptions(), nil)
	require.NoError(t, err)

	err = tr.Trace(context.Background())
	require.Error(t, err)

	var te *taskerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taskerr.ErrCodeRetriesExhausted, te.Code)
}

func TestTraceTimesOutSlowTask(t *testing.T) {
	msg := newMessage(t)
	timeout := 10 * time.Millisecond
	builder := NewBuilder[params, int](fakeTask{
		timeout: &timeout,
		execute: func(ctx context.Context, p params) (int, error) {
			select {
			case <-time.After(time.Second):
				return 0, nil
			case <-ctx.Done():
				return 0, ctx.Err()
			}
		},
	})
	tr, err := builder(msg, task.DefaultOptions(), nil)
	require.NoError(t, err)

	err = tr.Trace(context.Background())
	require.Error(t, err)

	var te *taskerr.Error
	require.ErrorAs(t, err, &te)
	assert.Equal(t, taskerr.ErrCodeTimeout, te.Code)
}

func TestRetryETABoundedByMinAndMax(t *testing.T) {
	minDelay := 100 * time.Millisecond
	maxDelay := 200 * time.Millisecond

	for n := 0; n < 10; n++ {
		d := retryDelay(n, minDelay, maxDelay)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, maxDelay+maxDelay/10+time.Millisecond)
	}
}

func TestRetryDelayZeroMinIsImmediate(t *testing.T) {
	assert.Equal(t, time.Duration(0), retryDelay(5, 0, time.Hour))
}
