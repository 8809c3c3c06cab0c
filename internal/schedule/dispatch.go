package schedule

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/monitor"
)

// Sink carries batches to their destination and records results.
type Sink interface {
	// Deliver makes one attempt at batch. A returned error fails the whole
	// attempt; per-record rejections come back as outcomes.
	Deliver(ctx context.Context, batch ir.Batch, attempt int) ([]ir.Outcome, error)

	// Settle durably records a terminal result. An error aborts the
	// dispatch: no further batches start.
	Settle(ctx context.Context, res Result) error
}

// Result is the outcome of dispatching one batch.
type Result struct {
	Batch    ir.Batch
	Status   ir.BatchStatus // Committed or Failed; Pending when not started
	Outcomes []ir.Outcome
	Attempts int
	Err      error // Last call error when Failed
}

// Started reports whether the batch reached a terminal state.
func (r Result) Started() bool {
	return r.Status == ir.BatchCommitted || r.Status == ir.BatchFailed
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithSleeper sets the sleeper used between attempts.
func WithSleeper(s Sleeper) Option {
	return func(sc *Scheduler) { sc.sleeper = s }
}

// WithJitterSource sets the random source for backoff jitter.
func WithJitterSource(rnd func() float64) Option {
	return func(sc *Scheduler) { sc.rnd = rnd }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(sc *Scheduler) { sc.logger = l }
}

// Scheduler dispatches planned batches.
type Scheduler struct {
	cfg     Config
	sleeper Sleeper
	rnd     func() float64
	logger  *slog.Logger
}

// New creates a scheduler.
func New(cfg Config, opts ...Option) *Scheduler {
	s := &Scheduler{
		cfg:     cfg.WithDefaults(),
		sleeper: TimerSleeper,
		rnd:     defaultJitter,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Config returns the effective configuration.
func (s *Scheduler) Config() Config { return s.cfg }

// ErrPredecessorFailed fails a batch whose DependsOn batch did not commit.
var ErrPredecessorFailed = errors.New("predecessor batch did not commit")

// Dispatch runs batches through sink and returns one result per batch in
// input order.
//
// Cancelling ctx stops batches that have not started; calls already sent
// run to completion on a context detached from ctx, bounded by CallTimeout.
// Batches that never started, or whose retries were interrupted, are left
// for recovery. The returned error is the first Settle error, if any.
func (s *Scheduler) Dispatch(ctx context.Context, batches []ir.Batch, sink Sink) ([]Result, error) {
	results := make([]Result, len(batches))
	done := make(map[string]chan struct{}, len(batches))
	index := make(map[string]int, len(batches))
	for i, b := range batches {
		done[b.ID] = make(chan struct{})
		index[b.ID] = i
		results[i] = Result{Batch: b, Status: ir.BatchPending}
	}

	perConn := make(map[string]chan struct{})
	for _, b := range batches {
		if _, ok := perConn[b.Connector]; !ok {
			perConn[b.Connector] = make(chan struct{}, s.cfg.Concurrency)
		}
	}
	workers := make(chan struct{}, s.cfg.MaxWorkers)

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var (
		mu       sync.Mutex
		settleMu sync.Mutex
		abortErr error
		wg       sync.WaitGroup
	)
	abort := func(err error) {
		mu.Lock()
		if abortErr == nil {
			abortErr = err
		}
		mu.Unlock()
		stop()
	}

	for i, b := range batches {
		wg.Add(1)
		go func(i int, b ir.Batch) {
			defer wg.Done()
			defer close(done[b.ID])

			if b.DependsOn != "" {
				if ch, ok := done[b.DependsOn]; ok {
					select {
					case <-ch:
					case <-runCtx.Done():
						return
					}
					mu.Lock()
					pred := results[index[b.DependsOn]]
					mu.Unlock()
					if pred.Status == ir.BatchPending {
						return // Predecessor left for recovery.
					}
					if pred.Status != ir.BatchCommitted {
						res := Result{
							Batch:  b,
							Status: ir.BatchFailed,
							Err:    fmt.Errorf("%w: %s", ErrPredecessorFailed, b.DependsOn),
						}
						if err := s.settle(runCtx, sink, &settleMu, res); err != nil {
							abort(err)
							return
						}
						mu.Lock()
						results[i] = res
						mu.Unlock()
						return
					}
				}
			}

			if !acquire(runCtx, perConn[b.Connector]) {
				return
			}
			defer release(perConn[b.Connector])
			if !acquire(runCtx, workers) {
				return
			}
			res, started := s.run(runCtx, b, sink)
			release(workers)
			if !started {
				return
			}

			if err := s.settle(runCtx, sink, &settleMu, res); err != nil {
				abort(err)
				return
			}
			mu.Lock()
			results[i] = res
			mu.Unlock()
		}(i, b)
	}
	wg.Wait()

	return results, abortErr
}

// settle calls Settle on a context that survives cancellation: a result
// that was produced must be recorded.
func (s *Scheduler) settle(ctx context.Context, sink Sink, mu *sync.Mutex, res Result) error {
	mu.Lock()
	defer mu.Unlock()
	return sink.Settle(context.WithoutCancel(ctx), res)
}

// run drives the Attempt state machine for one batch. started is false when
// the batch was cancelled before its first call or between retries.
func (s *Scheduler) run(ctx context.Context, b ir.Batch, sink Sink) (res Result, started bool) {
	if ctx.Err() != nil {
		return Result{Batch: b, Status: ir.BatchPending}, false
	}

	attempt := NewAttempt(s.cfg.Retry, s.rnd)
	for {
		n, err := attempt.Begin()
		if err != nil {
			return Result{Batch: b, Status: ir.BatchFailed, Attempts: n, Err: err}, true
		}
		capitan.Emit(ctx, monitor.BatchDispatched,
			monitor.KeyRun.Field(b.RunID),
			monitor.KeyBatch.Field(b.ID),
			monitor.KeyConnector.Field(b.Connector),
			monitor.KeyAttempt.Field(n),
			monitor.KeyCount.Field(len(b.Records)),
		)

		outcomes, err := s.call(ctx, b, sink, n)
		if err == nil {
			attempt.Succeed()
			return Result{Batch: b, Status: ir.BatchCommitted, Outcomes: outcomes, Attempts: n}, true
		}

		retry, backoff := attempt.Fail(err)
		if !retry {
			s.logger.Warn("batch failed",
				"batch_id", b.ID, "connector", b.Connector, "attempts", n, "error", err)
			capitan.Emit(ctx, monitor.BatchFailed,
				monitor.KeyRun.Field(b.RunID),
				monitor.KeyBatch.Field(b.ID),
				monitor.KeyConnector.Field(b.Connector),
				monitor.KeyAttempt.Field(n),
				monitor.KeyError.Field(err.Error()),
			)
			return Result{Batch: b, Status: ir.BatchFailed, Attempts: n, Err: err}, true
		}

		capitan.Emit(ctx, monitor.BatchRetrying,
			monitor.KeyRun.Field(b.RunID),
			monitor.KeyBatch.Field(b.ID),
			monitor.KeyConnector.Field(b.Connector),
			monitor.KeyAttempt.Field(n),
			monitor.KeyBackoff.Field(backoff),
			monitor.KeyError.Field(err.Error()),
		)
		if err := s.sleeper.Sleep(ctx, backoff); err != nil {
			// Cancelled between attempts; the batch stays dispatched and
			// recovery re-sends it.
			return Result{Batch: b, Status: ir.BatchPending, Attempts: n}, false
		}
	}
}

// call makes one bounded call. The call context is detached from ctx so
// cancellation never severs a call in flight.
func (s *Scheduler) call(ctx context.Context, b ir.Batch, sink Sink, n int) ([]ir.Outcome, error) {
	callCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.CallTimeout)
	defer cancel()

	outcomes, err := sink.Deliver(callCtx, b, n)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && !ir.IsTransient(err) {
			err = ir.NewTransientError(b.Connector, fmt.Errorf("call timed out after %s: %w", s.cfg.CallTimeout, err))
		}
		return nil, err
	}
	return outcomes, nil
}

func acquire(ctx context.Context, sem chan struct{}) bool {
	if ctx.Err() != nil {
		return false
	}
	select {
	case sem <- struct{}{}:
		return true
	case <-ctx.Done():
		return false
	}
}

func release(sem chan struct{}) { <-sem }
