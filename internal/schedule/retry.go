package schedule

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// RetryConfig bounds the attempts made for one batch.
type RetryConfig struct {
	// MaxAttempts is the maximum number of attempts (including the first).
	// Default: 3
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts" validate:"gte=0"`

	// InitialBackoff is the delay after the first failed attempt.
	// Default: 100ms
	InitialBackoff time.Duration `yaml:"initial_backoff" json:"initial_backoff" validate:"gte=0"`

	// MaxBackoff caps the delay between attempts.
	// Default: 30s
	MaxBackoff time.Duration `yaml:"max_backoff" json:"max_backoff" validate:"gte=0"`

	// Multiplier grows the delay after each failed attempt.
	// Default: 2.0
	Multiplier float64 `yaml:"multiplier" json:"multiplier" validate:"gte=0"`

	// Jitter in [0, 1]; 0.1 means ±10%. Default: 0 (deterministic).
	Jitter float64 `yaml:"jitter" json:"jitter" validate:"gte=0,lte=1"`
}

// DefaultRetryConfig returns a retry configuration with sensible defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:    3,
		InitialBackoff: 100 * time.Millisecond,
		MaxBackoff:     30 * time.Second,
		Multiplier:     2.0,
	}
}

// WithDefaults fills zero fields from DefaultRetryConfig.
func (c RetryConfig) WithDefaults() RetryConfig {
	d := DefaultRetryConfig()
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = d.MaxAttempts
	}
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = d.InitialBackoff
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = d.MaxBackoff
	}
	if c.Multiplier <= 0 {
		c.Multiplier = d.Multiplier
	}
	if c.Jitter < 0 || c.Jitter > 1 {
		c.Jitter = 0
	}
	return c
}

// Backoff returns the delay after failed attempt n (1-based):
// InitialBackoff * Multiplier^(n-1), capped at MaxBackoff, then jittered.
// rnd returns a value in [0, 1); nil disables jitter.
func (c RetryConfig) Backoff(n int, rnd func() float64) time.Duration {
	if n < 1 {
		n = 1
	}
	d := float64(c.InitialBackoff) * math.Pow(c.Multiplier, float64(n-1))
	if d > float64(c.MaxBackoff) {
		d = float64(c.MaxBackoff)
	}
	if c.Jitter > 0 && rnd != nil {
		d += (rnd()*2 - 1) * d * c.Jitter
	}
	return time.Duration(d)
}

// Sleeper waits between attempts. Tests inject a recording sleeper so no
// real timers run.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// SleeperFunc adapts a function to Sleeper.
type SleeperFunc func(ctx context.Context, d time.Duration) error

// Sleep implements Sleeper.
func (f SleeperFunc) Sleep(ctx context.Context, d time.Duration) error { return f(ctx, d) }

// TimerSleeper sleeps on a real timer, returning early on cancellation.
var TimerSleeper Sleeper = SleeperFunc(func(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
})

// defaultJitter draws from math/rand/v2.
func defaultJitter() float64 { return rand.Float64() }

// AttemptState is the retry state of one batch.
type AttemptState string

const (
	AttemptPending    AttemptState = "pending"
	AttemptDispatched AttemptState = "dispatched"
	AttemptRetrying   AttemptState = "retrying"
	AttemptCommitted  AttemptState = "committed"
	AttemptFailed     AttemptState = "failed"
)

// Attempt is the explicit retry state machine of one batch:
//
//	pending -> dispatched -> committed
//	                      -> retrying -> dispatched ...
//	                      -> failed
//
// It never sleeps; Fail returns the backoff for the caller's Sleeper.
type Attempt struct {
	cfg     RetryConfig
	rnd     func() float64
	state   AttemptState
	n       int
	lastErr error
}

// NewAttempt creates a pending attempt. rnd may be nil.
func NewAttempt(cfg RetryConfig, rnd func() float64) *Attempt {
	return &Attempt{cfg: cfg.WithDefaults(), rnd: rnd, state: AttemptPending}
}

// Begin moves to dispatched and returns the 1-based attempt number.
func (a *Attempt) Begin() (int, error) {
	if a.state != AttemptPending && a.state != AttemptRetrying {
		return a.n, fmt.Errorf("attempt: cannot dispatch from %s", a.state)
	}
	a.n++
	a.state = AttemptDispatched
	return a.n, nil
}

// Succeed moves a dispatched attempt to committed.
func (a *Attempt) Succeed() {
	if a.state == AttemptDispatched {
		a.state = AttemptCommitted
		a.lastErr = nil
	}
}

// Fail records a failed call. It reports whether to retry and after what
// delay. Persistent errors and exhausted attempts move to failed.
func (a *Attempt) Fail(err error) (retry bool, backoff time.Duration) {
	if a.state != AttemptDispatched {
		return false, 0
	}
	a.lastErr = err
	if !Retryable(err) || a.n >= a.cfg.MaxAttempts {
		a.state = AttemptFailed
		return false, 0
	}
	a.state = AttemptRetrying
	return true, a.cfg.Backoff(a.n, a.rnd)
}

// State returns the current state.
func (a *Attempt) State() AttemptState { return a.state }

// Attempts returns the number of calls made.
func (a *Attempt) Attempts() int { return a.n }

// Err returns the last call error.
func (a *Attempt) Err() error { return a.lastErr }

// Retryable reports whether a call error may be retried. Persistent
// connector errors, store failures and cancellations are final; everything
// else, timeouts included, is treated as transient.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	if ir.IsPersistent(err) || ir.IsStoreFailure(err) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	return true
}
