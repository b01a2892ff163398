package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewBuilderDefaults(t *testing.T) {
	cfg := NewBuilder().Build()

	assert.Equal(t, "celery", cfg.DefaultQueue)
	assert.Equal(t, 4, cfg.ConcurrencyLimit)
	assert.NotNil(t, cfg.Logger)
	assert.Nil(t, cfg.TaskDefaults.Timeout)
	assert.Equal(t, time.Hour, cfg.TaskDefaults.MaxRetryDelay)
}

func TestBuilderChainOverridesEverything(t *testing.T) {
	timeout := 30 * time.Second
	cfg := NewBuilder().
		WithDefaultQueue("priority").
		WithTaskTimeout(timeout).
		WithTaskMaxRetries(5).
		WithTaskMinRetryDelay(time.Second).
		WithTaskMaxRetryDelay(time.Minute).
		WithConcurrencyLimit(16).
		WithNackOnNonRetryableError(true).
		Build()

	assert.Equal(t, "priority", cfg.DefaultQueue)
	assert.Equal(t, timeout, *cfg.TaskDefaults.Timeout)
	assert.Equal(t, 5, *cfg.TaskDefaults.MaxRetries)
	assert.Equal(t, time.Second, cfg.TaskDefaults.MinRetryDelay)
	assert.Equal(t, time.Minute, cfg.TaskDefaults.MaxRetryDelay)
	assert.Equal(t, 16, cfg.ConcurrencyLimit)
	assert.True(t, cfg.NackOnNonRetryableError)
}
