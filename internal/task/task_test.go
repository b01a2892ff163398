package task

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeTask struct {
	timeout       *time.Duration
	maxRetries    *int
	minRetryDelay *time.Duration
	maxRetryDelay *time.Duration
}

func (f fakeTask) Timeout() *time.Duration       { return f.timeout }
func (f fakeTask) MaxRetries() *int              { return f.maxRetries }
func (f fakeTask) MinRetryDelay() *time.Duration { return f.minRetryDelay }
func (f fakeTask) MaxRetryDelay() *time.Duration { return f.maxRetryDelay }

func TestOverriddenByFillsAbsentTimeoutAndMaxRetries(t *testing.T) {
	base := DefaultOptions()
	out := base.OverriddenBy(fakeTask{})

	assert.Nil(t, out.Timeout)
	assert.Nil(t, out.MaxRetries)
	assert.Equal(t, base.MinRetryDelay, out.MinRetryDelay)
	assert.Equal(t, base.MaxRetryDelay, out.MaxRetryDelay)
}

func TestOverriddenByTaskValueWins(t *testing.T) {
	baseTimeout := 5 * time.Second
	base := Options{Timeout: &baseTimeout, MaxRetries: nil, MinRetryDelay: time.Second, MaxRetryDelay: time.Minute}

	taskTimeout := 30 * time.Second
	taskMaxRetries := 3
	taskMinDelay := 2 * time.Second
	taskMaxDelay := 10 * time.Minute

	out := base.OverriddenBy(fakeTask{
		timeout:       &taskTimeout,
		maxRetries:    &taskMaxRetries,
		minRetryDelay: &taskMinDelay,
		maxRetryDelay: &taskMaxDelay,
	})

	assert.Equal(t, taskTimeout, *out.Timeout)
	assert.Equal(t, taskMaxRetries, *out.MaxRetries)
	assert.Equal(t, taskMinDelay, out.MinRetryDelay)
	assert.Equal(t, taskMaxDelay, out.MaxRetryDelay)
}

func TestOverriddenByRetryDelaysReplaceNotAdd(t *testing.T) {
	base := Options{MinRetryDelay: 5 * time.Second, MaxRetryDelay: time.Hour}
	taskMinDelay := time.Second

	out := base.OverriddenBy(fakeTask{minRetryDelay: &taskMinDelay})

	assert.Equal(t, taskMinDelay, out.MinRetryDelay)
	assert.Equal(t, base.MaxRetryDelay, out.MaxRetryDelay)
}
