package testutil

import (
	"context"
	"sync"
	"time"
)

// RecordingSleeper records requested waits instead of sleeping. It
// satisfies schedule.Sleeper.
//
// When CancelAfter is positive, the sleeper calls Cancel once that many
// sleeps have been recorded and fails every later sleep, which lets a test
// interrupt a retry loop at an exact attempt.
type RecordingSleeper struct {
	mu     sync.Mutex
	sleeps []time.Duration

	CancelAfter int
	Cancel      context.CancelFunc
}

// Sleep records d. It returns ctx.Err() if ctx is already done.
func (s *RecordingSleeper) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	s.sleeps = append(s.sleeps, d)
	n := len(s.sleeps)
	s.mu.Unlock()

	if s.CancelAfter > 0 && n >= s.CancelAfter {
		if s.Cancel != nil {
			s.Cancel()
		}
		return context.Canceled
	}
	return nil
}

// Sleeps returns a copy of the recorded durations in call order.
func (s *RecordingSleeper) Sleeps() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.sleeps...)
}

// Total returns the sum of all recorded durations.
func (s *RecordingSleeper) Total() time.Duration {
	var total time.Duration
	for _, d := range s.Sleeps() {
		total += d
	}
	return total
}
