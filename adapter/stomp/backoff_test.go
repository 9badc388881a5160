package stomp

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBackoffScheduler_DelaySequence(t *testing.T) {
	b := NewBackoffScheduler(DefaultBackoffConfig())
	assert.Equal(t, 2*time.Second, b.CurrentDelay())

	expected := []time.Duration{4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}
	for i, want := range expected {
		delay, ok := b.OnFailure()
		require.True(t, ok, "failure %d should be retried", i+1)
		assert.Equal(t, want, delay, "delay after failure %d", i+1)
		assert.Equal(t, want, b.CurrentDelay())
	}

	_, ok := b.OnFailure()
	assert.False(t, ok)
	assert.True(t, b.Stopped())
	assert.Equal(t, 5, b.Failures())
}

func TestBackoffScheduler_FormulaAndCap(t *testing.T) {
	cfg := BackoffConfig{
		InitialDelay:           time.Second,
		MaxDelay:               20 * time.Second,
		Multiplier:             3,
		MaxConsecutiveFailures: 10,
	}
	b := NewBackoffScheduler(cfg)

	prev := time.Duration(0)
	for n := 1; n < cfg.MaxConsecutiveFailures; n++ {
		delay, ok := b.OnFailure()
		require.True(t, ok)

		want := cfg.InitialDelay
		for i := 0; i < n; i++ {
			want *= 3
		}
		if want > cfg.MaxDelay {
			want = cfg.MaxDelay
		}
		assert.Equal(t, want, delay, "failure %d", n)
		assert.GreaterOrEqual(t, delay, prev, "delay must not decrease")
		assert.LessOrEqual(t, delay, cfg.MaxDelay)
		prev = delay
	}
}

func TestBackoffScheduler_OnSuccessResets(t *testing.T) {
	b := NewBackoffScheduler(DefaultBackoffConfig())
	b.OnFailure()
	b.OnFailure()

	b.OnSuccess()
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, 2*time.Second, b.CurrentDelay())

	delay, ok := b.OnFailure()
	require.True(t, ok)
	assert.Equal(t, 4*time.Second, delay)
}

func TestBackoffScheduler_ResetClearsStopped(t *testing.T) {
	b := NewBackoffScheduler(BackoffConfig{MaxConsecutiveFailures: 1})
	_, ok := b.OnFailure()
	require.False(t, ok)
	require.True(t, b.Stopped())

	b.Reset()
	assert.False(t, b.Stopped())
	assert.Equal(t, 0, b.Failures())
	assert.Equal(t, 2*time.Second, b.CurrentDelay())
}

func TestBackoffScheduler_Halt(t *testing.T) {
	b := NewBackoffScheduler(DefaultBackoffConfig())
	b.OnFailure()
	b.Halt()
	assert.True(t, b.Stopped())
	assert.Equal(t, 1, b.Failures())
}

func TestBackoffConfig_Defaults(t *testing.T) {
	b := NewBackoffScheduler(BackoffConfig{})
	assert.Equal(t, DefaultBackoffConfig(), b.Config())

	b = NewBackoffScheduler(BackoffConfig{InitialDelay: 10 * time.Second, MaxDelay: time.Second})
	assert.Equal(t, 10*time.Second, b.Config().MaxDelay)
	delay, ok := b.OnFailure()
	require.True(t, ok)
	assert.Equal(t, 10*time.Second, delay)
}
