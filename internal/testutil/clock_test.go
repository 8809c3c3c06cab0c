package testutil

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicClock_StartsAtEpoch(t *testing.T) {
	clock := NewDeterministicClock(time.Time{})
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_NowDoesNotMove(t *testing.T) {
	clock := NewDeterministicClock(Epoch)
	first := clock.Now()
	assert.Equal(t, first, clock.Now())
}

func TestDeterministicClock_AdvanceAndReset(t *testing.T) {
	clock := NewDeterministicClock(Epoch)

	assert.Equal(t, Epoch.Add(time.Second), clock.Advance(time.Second))
	assert.Equal(t, Epoch.Add(3*time.Second), clock.Advance(2*time.Second))

	// Negative durations are ignored
	assert.Equal(t, Epoch.Add(3*time.Second), clock.Advance(-time.Hour))

	clock.Reset()
	assert.Equal(t, Epoch, clock.Now())
}

func TestDeterministicClock_ConcurrentAdvance(t *testing.T) {
	clock := NewDeterministicClock(Epoch)

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			clock.Advance(time.Millisecond)
		}()
	}
	wg.Wait()

	require.Equal(t, Epoch.Add(100*time.Millisecond), clock.Now())
}

func TestRecordingSleeper_Records(t *testing.T) {
	s := &RecordingSleeper{}
	ctx := context.Background()

	require.NoError(t, s.Sleep(ctx, 100*time.Millisecond))
	require.NoError(t, s.Sleep(ctx, 200*time.Millisecond))

	assert.Equal(t, []time.Duration{100 * time.Millisecond, 200 * time.Millisecond}, s.Sleeps())
	assert.Equal(t, 300*time.Millisecond, s.Total())
}

func TestRecordingSleeper_CancelAfter(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s := &RecordingSleeper{CancelAfter: 2, Cancel: cancel}

	require.NoError(t, s.Sleep(ctx, time.Second))
	require.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	require.Error(t, ctx.Err())

	// A done context fails without recording
	require.ErrorIs(t, s.Sleep(ctx, time.Second), context.Canceled)
	assert.Len(t, s.Sleeps(), 2)
}

func TestSequentialIDs(t *testing.T) {
	g := NewSequentialIDs("run")
	assert.Equal(t, "run-0001", g.Generate())
	assert.Equal(t, "run-0002", g.Generate())

	assert.Equal(t, "id-0001", NewSequentialIDs("").Generate())
}
