package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/connector"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/monitor"
	"github.com/roach88/syncd/internal/resolve"
	"github.com/roach88/syncd/internal/schedule"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/validate"
)

// Orchestrator runs sync cycles over a fixed set of connectors.
//
// Thread-safety model:
//   - Run, Recover and Serve may be called from any goroutine; overlapping
//     calls fail with RunInProgressError instead of waiting
//   - SetPriorities may be called at any time and applies from the next
//     resolution on
type Orchestrator struct {
	store      *store.Store
	connectors map[string]connector.Connector
	names      []string // Sorted
	validator  *validate.Validator
	resolver   *resolve.Resolver

	schedCfg   schedule.Config
	batchSizes map[string]int
	sleeper    schedule.Sleeper
	jitter     func() float64

	clock  Clock
	ids    IDGenerator
	logger *slog.Logger

	lockDir string
	locks   *connectorLocks
	state   stateMachine
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithSchedulerConfig sets batch size, concurrency, timeouts and retries.
func WithSchedulerConfig(cfg schedule.Config) Option {
	return func(o *Orchestrator) { o.schedCfg = cfg }
}

// WithBatchSize overrides the batch size for one destination connector.
func WithBatchSize(connectorName string, size int) Option {
	return func(o *Orchestrator) {
		if size > 0 {
			o.batchSizes[connectorName] = size
		}
	}
}

// WithLockDir enables cross-process run locks with one lock file per
// connector in dir.
func WithLockDir(dir string) Option {
	return func(o *Orchestrator) { o.lockDir = dir }
}

// WithClock sets the clock used for run and review timestamps.
func WithClock(c Clock) Option {
	return func(o *Orchestrator) { o.clock = c }
}

// WithIDGenerator sets the generator for run ids and new entity ids.
func WithIDGenerator(g IDGenerator) Option {
	return func(o *Orchestrator) { o.ids = g }
}

// WithSleeper sets the sleeper used between retry attempts.
func WithSleeper(s schedule.Sleeper) Option {
	return func(o *Orchestrator) { o.sleeper = s }
}

// WithJitterSource sets the random source for retry jitter.
func WithJitterSource(rnd func() float64) Option {
	return func(o *Orchestrator) { o.jitter = rnd }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator. Connector names must be unique and must not
// collide with the store's own connector name.
func New(
	st *store.Store,
	connectors []connector.Connector,
	v *validate.Validator,
	r *resolve.Resolver,
	opts ...Option,
) (*Orchestrator, error) {
	if st == nil {
		return nil, errors.New("engine: store is required")
	}
	if v == nil || r == nil {
		return nil, errors.New("engine: validator and resolver are required")
	}
	if len(connectors) == 0 {
		return nil, errors.New("engine: at least one connector is required")
	}

	o := &Orchestrator{
		store:      st,
		connectors: make(map[string]connector.Connector, len(connectors)),
		validator:  v,
		resolver:   r,
		schedCfg:   schedule.DefaultConfig(),
		batchSizes: make(map[string]int),
		clock:      SystemClock{},
		ids:        UUIDv7Generator{},
		logger:     slog.Default(),
	}
	for _, c := range connectors {
		name := c.Name()
		if name == "" || name == ir.StoreConnector {
			return nil, fmt.Errorf("engine: invalid connector name %q", name)
		}
		if _, dup := o.connectors[name]; dup {
			return nil, fmt.Errorf("engine: duplicate connector %q", name)
		}
		o.connectors[name] = c
		o.names = append(o.names, name)
	}
	sort.Strings(o.names)

	for _, opt := range opts {
		opt(o)
	}
	o.schedCfg = o.schedCfg.WithDefaults()
	o.locks = newConnectorLocks(o.lockDir)
	return o, nil
}

// Connectors returns the connector names in sorted order.
func (o *Orchestrator) Connectors() []string {
	return append([]string(nil), o.names...)
}

// State returns the current phase.
func (o *Orchestrator) State() State { return o.state.current() }

// SetPriorities swaps the operator priorities used by conflict resolution.
func (o *Orchestrator) SetPriorities(p map[string]ir.Priority) {
	o.resolver.SetPriorities(p)
}

func (o *Orchestrator) scheduler() *schedule.Scheduler {
	opts := []schedule.Option{schedule.WithLogger(o.logger)}
	if o.sleeper != nil {
		opts = append(opts, schedule.WithSleeper(o.sleeper))
	}
	if o.jitter != nil {
		opts = append(opts, schedule.WithJitterSource(o.jitter))
	}
	return schedule.New(o.schedCfg, opts...)
}

// Run performs one sync run over every connector and returns its report.
//
// The returned error is non-nil only when the run could not start
// (RunInProgressError) or was aborted by a store failure; in the latter case
// the report is returned too, with State aborted. Record- and batch-level
// failures are accumulated in the report.
func (o *Orchestrator) Run(ctx context.Context) (ir.Report, error) {
	release, err := o.locks.acquire(o.names)
	if err != nil {
		return ir.Report{}, err
	}
	defer release()

	recovered, err := o.recover(ctx)
	if err != nil {
		o.state.enter(ctx, "", StateAborted)
		o.state.enter(ctx, "", StateIdle)
		return ir.Report{}, err
	}

	r := &run{
		o:  o,
		id: o.ids.Generate(),
	}
	r.report = ir.Report{
		RunID:      r.id,
		Connectors: o.Connectors(),
		StartedAt:  o.clock.Now(),
		Recovered:  recovered,
	}
	if err := o.store.BeginRun(ctx, r.id, o.names, r.report.StartedAt); err != nil {
		return r.report, ir.NewStoreCommitError("", err)
	}
	capitan.Emit(ctx, monitor.RunStarted,
		monitor.KeyRun.Field(r.id),
		monitor.KeyCount.Field(len(o.names)),
	)
	o.logger.Info("sync run started", "run_id", r.id, "connectors", o.names, "recovered", recovered)

	err = r.execute(ctx)
	return r.finish(ctx, err)
}

// Recover re-dispatches batches left unfinished by earlier runs and returns
// how many it settled.
func (o *Orchestrator) Recover(ctx context.Context) (int, error) {
	release, err := o.locks.acquire(o.names)
	if err != nil {
		return 0, err
	}
	defer release()
	return o.recover(ctx)
}

// run is the state of one sync run.
type run struct {
	o  *Orchestrator
	id string

	mu        sync.Mutex
	report    ir.Report
	cancelled bool
}

// execute drives the run through its phases. A returned error aborts the
// run.
func (r *run) execute(ctx context.Context) error {
	o := r.o

	o.state.enter(ctx, r.id, StateFetching)
	fetches, err := r.fetchAll(ctx)
	if err != nil {
		return err
	}
	if ctx.Err() != nil {
		r.cancelled = true
		return nil
	}

	// Once fetched, the run plans and commits its state without stopping;
	// cancellation takes effect at batch boundaries.
	pctx := context.WithoutCancel(ctx)

	o.state.enter(ctx, r.id, StateValidating)
	in, err := r.ingest(pctx, fetches)
	if err != nil {
		return err
	}

	o.state.enter(ctx, r.id, StateResolving)
	resolved, err := r.resolveAll(pctx, in)
	if err != nil {
		return err
	}

	o.state.enter(ctx, r.id, StateScheduling)
	p, err := r.plan(pctx, fetches, in, resolved)
	if err != nil {
		return err
	}
	if err := o.store.SavePlan(pctx, p.store); err != nil {
		return err
	}
	if p.state != nil {
		if _, err := o.store.CommitBatch(pctx, *p.state, nil); err != nil {
			return err
		}
	}

	o.state.enter(ctx, r.id, StateDispatching)
	if len(p.outbound) > 0 {
		results, err := o.scheduler().Dispatch(ctx, p.outbound, &sink{o: o, report: r})
		if err != nil {
			return err
		}
		for _, res := range results {
			if !res.Started() {
				r.cancelled = true
			}
		}
	}
	if ctx.Err() != nil {
		r.cancelled = true
	}
	return nil
}

// finish records the terminal state of the run. err is the abort cause, if
// any.
func (r *run) finish(ctx context.Context, err error) (ir.Report, error) {
	o := r.o
	ctx = context.WithoutCancel(ctx)

	r.mu.Lock()
	report := r.report
	r.mu.Unlock()

	switch {
	case err != nil:
		report.State = ir.RunAborted
		report.AbortCause = err.Error()
		o.state.enter(ctx, r.id, StateAborted)
	case r.cancelled:
		report.State = ir.RunCancelled
		o.state.enter(ctx, r.id, StateCommitting)
	default:
		report.State = ir.RunCompleted
		o.state.enter(ctx, r.id, StateCommitting)
	}
	report.FinishedAt = o.clock.Now()
	sortReport(&report)

	if ferr := o.store.FinishRun(ctx, report); ferr != nil && err == nil {
		err = ir.NewStoreCommitError("", ferr)
		report.State = ir.RunAborted
		report.AbortCause = err.Error()
		o.state.enter(ctx, r.id, StateAborted)
	}

	if report.State == ir.RunAborted {
		o.logger.Error("sync run aborted", "run_id", r.id, "error", err)
		capitan.Emit(ctx, monitor.RunAborted,
			monitor.KeyRun.Field(r.id),
			monitor.KeyError.Field(report.AbortCause),
		)
	} else {
		o.logger.Info("sync run finished",
			"run_id", r.id,
			"state", report.State,
			"fetched", report.Fetched,
			"committed", report.Committed,
			"failed", report.Failed,
			"rejected", report.Rejected,
			"conflicts", report.Conflicted,
		)
		capitan.Emit(ctx, monitor.RunFinished,
			monitor.KeyRun.Field(r.id),
			monitor.KeyOutcome.Field(string(report.State)),
			monitor.KeyCount.Field(report.Committed),
			monitor.KeyDuration.Field(report.FinishedAt.Sub(report.StartedAt)),
		)
	}
	o.state.enter(ctx, r.id, StateIdle)
	return report, err
}

func (r *run) update(fn func(rep *ir.Report)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(&r.report)
}

// sortReport puts the accumulated lists in a canonical order so reports of
// identical runs are identical.
func sortReport(rep *ir.Report) {
	sort.SliceStable(rep.Rejections, func(i, j int) bool {
		a, b := rep.Rejections[i].Record, rep.Rejections[j].Record
		if a.Connector != b.Connector {
			return a.Connector < b.Connector
		}
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.SourceRevision < b.SourceRevision
	})
	sort.SliceStable(rep.Conflicts, func(i, j int) bool {
		a, b := rep.Conflicts[i], rep.Conflicts[j]
		if a.EntityID != b.EntityID {
			return a.EntityID < b.EntityID
		}
		return a.Field < b.Field
	})
	sort.SliceStable(rep.FailedBatches, func(i, j int) bool {
		a, b := rep.FailedBatches[i], rep.FailedBatches[j]
		if a.Connector != b.Connector {
			return a.Connector < b.Connector
		}
		return a.BatchID < b.BatchID
	})
	sort.SliceStable(rep.Reviews, func(i, j int) bool {
		return rep.Reviews[i].EntityID < rep.Reviews[j].EntityID
	})
	sort.SliceStable(rep.FetchErrors, func(i, j int) bool {
		return rep.FetchErrors[i].Connector < rep.FetchErrors[j].Connector
	})
}
