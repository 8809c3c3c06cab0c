package engine

import "time"

// Clock supplies wall time for run timestamps and review entries.
//
// Ordering never depends on it: causality comes from version vectors and
// the store's durable sequence numbers. Tests pass a deterministic clock so
// reports and golden summaries are stable.
type Clock interface {
	Now() time.Time
}

// SystemClock reads the wall clock in UTC.
type SystemClock struct{}

// Now returns the current time in UTC.
func (SystemClock) Now() time.Time { return time.Now().UTC() }

// ClockFunc adapts a function to Clock.
type ClockFunc func() time.Time

// Now implements Clock.
func (f ClockFunc) Now() time.Time { return f() }
