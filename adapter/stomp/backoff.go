package stomp

import (
	"time"

	"github.com/jpillora/backoff"
)

// BackoffConfig is the retry policy of the ConnectionManager
type BackoffConfig struct {
	InitialDelay           time.Duration
	MaxDelay               time.Duration
	Multiplier             float64
	MaxConsecutiveFailures int
}

// DefaultBackoffConfig returns 2s initial delay, doubling, capped at 60s, giving up after 5 failures
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:           2 * time.Second,
		MaxDelay:               60 * time.Second,
		Multiplier:             2,
		MaxConsecutiveFailures: 5,
	}
}

func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxConsecutiveFailures <= 0 {
		c.MaxConsecutiveFailures = d.MaxConsecutiveFailures
	}
	return c
}

// BackoffScheduler decides whether and when to retry.
// It is not safe for concurrent use; the ConnectionManager serialises access.
type BackoffScheduler struct {
	cfg    BackoffConfig
	policy *backoff.Backoff

	currentDelay time.Duration
	failures     int
	stopped      bool
}

// NewBackoffScheduler creates a scheduler in its initial state
func NewBackoffScheduler(cfg BackoffConfig) *BackoffScheduler {
	cfg = cfg.withDefaults()
	return &BackoffScheduler{
		cfg: cfg,
		policy: &backoff.Backoff{
			Min:    cfg.InitialDelay,
			Max:    cfg.MaxDelay,
			Factor: cfg.Multiplier,
			Jitter: false,
		},
		currentDelay: cfg.InitialDelay,
	}
}

// OnFailure records a failed attempt. It returns the delay before the next attempt,
// or false once MaxConsecutiveFailures is reached, after which the scheduler is stopped.
func (b *BackoffScheduler) OnFailure() (time.Duration, bool) {
	b.failures++
	if b.failures >= b.cfg.MaxConsecutiveFailures {
		b.stopped = true
		return 0, false
	}

	// delay after the n-th failure is min(initial * multiplier^n, max)
	b.currentDelay = b.policy.ForAttempt(float64(b.failures))
	return b.currentDelay, true
}

// OnSuccess is called when a connection opens
func (b *BackoffScheduler) OnSuccess() {
	b.failures = 0
	b.currentDelay = b.cfg.InitialDelay
}

// Reset returns the scheduler to its initial state and clears stopped
func (b *BackoffScheduler) Reset() {
	b.failures = 0
	b.currentDelay = b.cfg.InitialDelay
	b.stopped = false
}

// Halt stops automatic retries without touching the counters
func (b *BackoffScheduler) Halt() {
	b.stopped = true
}

func (b *BackoffScheduler) CurrentDelay() time.Duration { return b.currentDelay }
func (b *BackoffScheduler) Failures() int               { return b.failures }
func (b *BackoffScheduler) Stopped() bool               { return b.stopped }

// Config returns the effective policy
func (b *BackoffScheduler) Config() BackoffConfig { return b.cfg }
