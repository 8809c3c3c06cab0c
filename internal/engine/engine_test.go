package engine

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/connector"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/resolve"
	"github.com/roach88/syncd/internal/schedule"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/testutil"
	"github.com/roach88/syncd/internal/validate"
)

func contactSchemas() []ir.EntitySchema {
	return []ir.EntitySchema{{
		Name: "contact",
		Fields: map[string]ir.FieldSpec{
			"email": {Name: "email", Type: ir.TypeString, Rules: []ir.RuleSpec{{Name: "trim"}, {Name: "email"}}},
			"name":  {Name: "name", Type: ir.TypeString},
			"age":   {Name: "age", Type: ir.TypeInteger},
		},
	}}
}

func setupTestStore(t *testing.T) *store.Store {
	t.Helper()
	s, err := store.OpenWithOptions(t.TempDir()+"/state.db", store.Options{Now: testutil.NewDeterministicClock(time.Time{}).Now})
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func testSchedulerConfig() schedule.Config {
	return schedule.Config{
		BatchSize:   10,
		Concurrency: 2,
		MaxWorkers:  4,
		CallTimeout: 2 * time.Second,
		Retry: schedule.RetryConfig{
			MaxAttempts:    3,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     100 * time.Millisecond,
			Multiplier:     2,
		},
	}
}

// fixture is an orchestrator over two memory connectors, "a" and "b".
type fixture struct {
	store   *store.Store
	a, b    *connector.Memory
	orch    *Orchestrator
	sleeper *testutil.RecordingSleeper
}

func newFixture(t *testing.T, priorities map[string]ir.Priority, opts ...Option) *fixture {
	t.Helper()
	return newFixtureWithStore(t, setupTestStore(t), priorities, opts...)
}

func newFixtureWithStore(t *testing.T, st *store.Store, priorities map[string]ir.Priority, opts ...Option) *fixture {
	t.Helper()
	schemas := contactSchemas()
	rules, err := validate.SchemaRules(schemas, validate.Builtins())
	require.NoError(t, err)

	f := &fixture{
		store:   st,
		a:       connector.NewMemory("a"),
		b:       connector.NewMemory("b"),
		sleeper: &testutil.RecordingSleeper{},
	}
	base := []Option{
		WithSchedulerConfig(testSchedulerConfig()),
		WithClock(testutil.NewDeterministicClock(time.Time{})),
		WithIDGenerator(testutil.NewSequentialIDs("run")),
		WithSleeper(f.sleeper),
	}
	f.orch, err = New(st, []connector.Connector{f.a, f.b},
		validate.New(schemas, rules), resolve.New(priorities), append(base, opts...)...)
	require.NoError(t, err)
	return f
}

func contact(id string, fields ir.Fields) ir.ChangeRecord {
	return ir.ChangeRecord{
		EntityID:   id,
		EntityType: "contact",
		Fields:     fields,
		ObservedAt: testutil.Epoch,
	}
}

func email(v string) ir.Fields { return ir.Fields{"email": ir.String(v)} }

func (f *fixture) run(t *testing.T) ir.Report {
	t.Helper()
	report, err := f.orch.Run(context.Background())
	require.NoError(t, err)
	return report
}

func (f *fixture) cursor(t *testing.T, name string) string {
	t.Helper()
	c, err := f.store.GetCursor(context.Background(), name)
	require.NoError(t, err)
	return c
}

func (f *fixture) entity(t *testing.T, id string) ir.Entity {
	t.Helper()
	e, ok, err := f.store.ReadEntity(context.Background(), id)
	require.NoError(t, err)
	require.True(t, ok, "entity %s not stored", id)
	return e
}

func TestNew_RejectsBadConnectors(t *testing.T) {
	st := setupTestStore(t)
	v := validate.New(nil, nil)
	r := resolve.New(nil)

	_, err := New(st, []connector.Connector{connector.NewMemory("a"), connector.NewMemory("a")}, v, r)
	assert.ErrorContains(t, err, "duplicate connector")

	_, err = New(st, []connector.Connector{connector.NewMemory(ir.StoreConnector)}, v, r)
	assert.ErrorContains(t, err, "invalid connector name")

	_, err = New(st, nil, v, r)
	assert.Error(t, err)
}

func TestRun_PropagatesNewRecords(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(
		contact("e1", ir.Fields{"email": ir.String("one@x.com"), "name": ir.String("One")}),
		contact("e2", email("two@x.com")),
	)

	report := f.run(t)
	assert.Equal(t, ir.RunCompleted, report.State)
	assert.Equal(t, "run-0001", report.RunID)
	assert.Equal(t, []string{"a", "b"}, report.Connectors)
	assert.Equal(t, 2, report.Fetched)
	assert.Equal(t, 2, report.Validated)
	assert.Equal(t, 2, report.Committed)
	assert.Zero(t, report.StateOnly)
	assert.False(t, report.HasFailures())

	got, ok := f.b.State("e1")
	require.True(t, ok)
	assert.Equal(t, ir.Fields{"email": ir.String("one@x.com"), "name": ir.String("One")}, got)

	e := f.entity(t, "e1")
	assert.Equal(t, ir.String("one@x.com"), e.Fields["email"].Value)
	assert.Equal(t, "a", e.Fields["email"].SourceConnector)
	assert.Equal(t, int64(1), e.Vector.Get("a"))

	assert.Equal(t, "2", f.cursor(t, "a"))
	assert.Equal(t, "0", f.cursor(t, "b"))
	assert.Equal(t, StateIdle, f.orch.State())

	ext, err := f.store.ExternalID(context.Background(), "b", "e1")
	require.NoError(t, err)
	assert.Equal(t, "b-e1", ext, "identity assigned by the destination is kept")
}

func TestRun_Idempotent(t *testing.T) {
	f := newFixture(t, nil)
	rec := contact("e1", email("one@x.com"))
	rec.SourceRevision = "a-rev-1"
	f.a.Seed(rec)

	first := f.run(t)
	require.Equal(t, 1, first.Committed)

	second := f.run(t)
	assert.Equal(t, 0, second.Fetched)
	assert.Equal(t, 0, second.Committed)

	// The same change delivered again by the source is a duplicate.
	f.a.Seed(rec)
	third := f.run(t)
	assert.Equal(t, 1, third.Fetched)
	assert.Equal(t, 1, third.Duplicates)
	assert.Equal(t, 0, third.Validated)
	assert.Equal(t, 0, third.Committed)

	assert.Len(t, f.b.Applied(), 1, "applied exactly once")
	assert.Equal(t, "2", f.cursor(t, "a"))
}

func TestRun_ConcurrentEmailScenario(t *testing.T) {
	priorities := map[string]ir.Priority{
		"contact": {Fields: map[string][]string{"email": {"b", "a"}}},
	}
	f := newFixture(t, priorities)
	f.a.Seed(contact("e1", email("alice@a.com")))
	f.b.Seed(contact("e1", email("alice@b.com")))

	report := f.run(t)
	require.Equal(t, ir.RunCompleted, report.State)
	require.Equal(t, 1, report.Conflicted)
	require.Len(t, report.Conflicts, 1)

	c := report.Conflicts[0]
	assert.Equal(t, "email", c.Field)
	assert.Equal(t, ir.StrategyPriority, c.Strategy)
	assert.Equal(t, "b", c.Winner.Connector)
	assert.Len(t, c.Contributors, 2)
	assert.Len(t, c.Losers, 1)
	assert.Equal(t, report.RunID, c.RunID)

	assert.Equal(t, ir.String("alice@b.com"), f.entity(t, "e1").Fields["email"].Value)
	got, _ := f.a.State("e1")
	assert.Equal(t, ir.String("alice@b.com"), got["email"], "loser side receives the winner")
	assert.Len(t, f.b.Applied(), 0, "winner side already holds the value")
	assert.Equal(t, 1, report.Committed)

	stored, err := f.store.ListConflicts(context.Background(), "e1")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, c.ID, stored[0].ID)
}

func TestRun_ConflictResolutionIsDeterministic(t *testing.T) {
	scenario := func() ir.Report {
		f := newFixture(t, nil)
		f.a.Seed(contact("e1", email("x@a.com")))
		f.b.Seed(contact("e1", email("x@b.com")))
		return f.run(t)
	}
	first, second := scenario(), scenario()
	require.Len(t, first.Conflicts, 1)
	require.Len(t, second.Conflicts, 1)
	assert.Equal(t, first.Conflicts[0].ID, second.Conflicts[0].ID)
	// No priority and equal observed_at: the smaller connector name wins.
	assert.Equal(t, ir.StrategyConnectorName, first.Conflicts[0].Strategy)
	assert.Equal(t, "a", first.Conflicts[0].Winner.Connector)
}

func TestRun_SetPrioritiesAppliesToNextRun(t *testing.T) {
	f := newFixture(t, nil)
	f.orch.SetPriorities(map[string]ir.Priority{"contact": {Default: []string{"b"}}})
	f.a.Seed(contact("e1", email("x@a.com")))
	f.b.Seed(contact("e1", email("x@b.com")))

	report := f.run(t)
	require.Len(t, report.Conflicts, 1)
	assert.Equal(t, "b", report.Conflicts[0].Winner.Connector)
}

func TestRun_NoLostUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(contact("e1", ir.Fields{"email": ir.String("ann@x.com"), "name": ir.String("Ann")}))
	f.run(t)

	// Each side changes a different field without seeing the other.
	f.a.Seed(contact("e1", ir.Fields{"name": ir.String("Annie")}))
	f.b.Seed(contact("e1", email("ann@y.com")))
	report := f.run(t)
	require.Equal(t, ir.RunCompleted, report.State)
	assert.Zero(t, report.Conflicted, "different fields do not conflict")

	e := f.entity(t, "e1")
	assert.Equal(t, ir.String("Annie"), e.Fields["name"].Value)
	assert.Equal(t, ir.String("ann@y.com"), e.Fields["email"].Value)

	onA, _ := f.a.State("e1")
	onB, _ := f.b.State("e1")
	assert.Equal(t, onA, onB, "both sides converge")
	assert.Equal(t, ir.String("Annie"), onB["name"])
	assert.Equal(t, ir.String("ann@y.com"), onA["email"])
}

func TestRun_PartialFailureScenario(t *testing.T) {
	f := newFixture(t, nil)
	for i := 1; i <= 50; i++ {
		f.a.Seed(contact(fmt.Sprintf("e%02d", i), email(fmt.Sprintf("user%02d@x.com", i))))
	}
	f.b.SetPlan(connector.FailurePlan{Reject: map[string]string{"e10": "duplicate email at destination"}})

	report := f.run(t)
	assert.Equal(t, ir.RunCompleted, report.State)
	assert.Equal(t, 50, report.Fetched)
	assert.Equal(t, 49, report.Committed)
	assert.Equal(t, 1, report.Failed)
	require.Len(t, report.FailedBatches, 1)
	assert.Equal(t, []ir.RecordRef{{EntityID: "e10", Connector: "b", SourceRevision: report.FailedBatches[0].Records[0].SourceRevision}},
		report.FailedBatches[0].Records)
	assert.Contains(t, report.FailedBatches[0].Reason, "duplicate email at destination")
	assert.Equal(t, "9", f.cursor(t, "a"), "cursor holds before the rejected record")
	assert.True(t, report.HasFailures())

	batches, err := f.store.ListBatches(context.Background(), report.RunID)
	require.NoError(t, err)
	var failed int
	for _, b := range batches {
		if b.Status == ir.BatchFailed {
			failed++
			assert.Equal(t, store.FailedBatchID(b.DependsOn), b.ID)
		}
	}
	assert.Equal(t, 1, failed)

	// The destination recovers; the held record is fetched and sent again.
	f.b.SetPlan(connector.FailurePlan{})
	next := f.run(t)
	assert.Equal(t, 41, next.Fetched)
	assert.Equal(t, 41, next.Duplicates, "every refetched record is already in stored state")
	assert.Zero(t, next.Validated)
	assert.Equal(t, 1, next.Committed)
	assert.Zero(t, next.Failed)
	assert.Equal(t, "50", f.cursor(t, "a"))
	assert.Len(t, f.b.Applied(), 50)
}

func TestRun_FailedBatchHoldsCursor(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(contact("e1", email("one@x.com")), contact("e2", email("two@x.com")))
	f.b.SetPlan(connector.FailurePlan{Persistent: true})

	report := f.run(t)
	assert.Equal(t, ir.RunCompleted, report.State)
	assert.Equal(t, 2, report.Failed)
	require.Len(t, report.FailedBatches, 1)
	assert.Equal(t, 1, report.FailedBatches[0].Attempts, "persistent errors are not retried")
	assert.Equal(t, "", f.cursor(t, "a"))
	assert.Equal(t, 1, f.b.Calls())
}

func TestRun_FailedPushIsNotReappliedToState(t *testing.T) {
	f := newFixture(t, nil)
	rec := contact("e1", email("one@x.com"))
	rec.SourceRevision = "a-rev-1"
	f.a.Seed(rec)
	f.b.SetPlan(connector.FailurePlan{Persistent: true})

	first := f.run(t)
	require.Equal(t, 1, first.Failed)
	before := f.entity(t, "e1")
	require.Equal(t, ir.VersionVector{"a": 1}, before.Vector)

	f.b.SetPlan(connector.FailurePlan{})
	second := f.run(t)
	assert.Equal(t, 1, second.Fetched)
	assert.Equal(t, 1, second.Duplicates)
	assert.Zero(t, second.Validated)
	assert.Equal(t, 1, second.Committed, "the push is derived again from stored state")

	after := f.entity(t, "e1")
	assert.Equal(t, before.Vector, after.Vector)
	assert.Equal(t, int64(1), after.Fields["email"].VectorEntry)
	assert.Equal(t, "a-rev-1", after.Fields["email"].SourceRevision)

	got, ok := f.b.State("e1")
	require.True(t, ok)
	assert.Equal(t, ir.String("one@x.com"), got["email"])
	assert.Equal(t, "1", f.cursor(t, "a"))

	third := f.run(t)
	assert.Zero(t, third.Fetched)
	assert.Len(t, f.b.Applied(), 1)
}

func TestRun_RefetchedRecordDoesNotRevertNewerWrite(t *testing.T) {
	st := setupTestStore(t)
	schemas := contactSchemas()
	rules, err := validate.SchemaRules(schemas, validate.Builtins())
	require.NoError(t, err)

	a, b, c := connector.NewMemory("a"), connector.NewMemory("b"), connector.NewMemory("c")
	orch, err := New(st, []connector.Connector{a, b, c}, validate.New(schemas, rules),
		resolve.New(map[string]ir.Priority{"contact": {Default: []string{"a", "b", "c"}}}),
		WithSchedulerConfig(testSchedulerConfig()),
		WithClock(testutil.NewDeterministicClock(time.Time{})),
		WithIDGenerator(testutil.NewSequentialIDs("run")),
		WithSleeper(&testutil.RecordingSleeper{}),
	)
	require.NoError(t, err)
	ctx := context.Background()

	old := contact("e1", email("old@x.com"))
	old.SourceRevision = "a-rev-1"
	a.Seed(old)
	c.SetPlan(connector.FailurePlan{Persistent: true})

	first, err := orch.Run(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, first.Failed)
	onB, _ := b.State("e1")
	require.Equal(t, ir.String("old@x.com"), onB["email"])

	// b edits after receiving old@x.com while a's record is still held.
	c.SetPlan(connector.FailurePlan{})
	newer := contact("e1", email("new@y.com"))
	newer.SourceRevision = "b-rev-1"
	newer.ObservedAt = testutil.Epoch.Add(time.Minute)
	b.Seed(newer)

	second, err := orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCompleted, second.State)
	assert.Zero(t, second.Conflicted, "the later write descends from the stored one")
	assert.Equal(t, 1, second.Duplicates)

	e, ok, err := st.ReadEntity(ctx, "e1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.String("new@y.com"), e.Fields["email"].Value)
	assert.Equal(t, "b", e.Fields["email"].SourceConnector)

	onA, _ := a.State("e1")
	onC, _ := c.State("e1")
	assert.Equal(t, ir.String("new@y.com"), onA["email"])
	assert.Equal(t, ir.String("new@y.com"), onC["email"])

	cursor, err := st.GetCursor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "1", cursor)
}

func TestRun_RetriesTransientFailures(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(contact("e1", email("one@x.com")))
	f.b.SetPlan(connector.FailurePlan{Transient: 2})

	report := f.run(t)
	assert.Equal(t, 1, report.Committed)
	assert.Equal(t, 3, f.b.Calls())
	assert.Equal(t, []time.Duration{10 * time.Millisecond, 20 * time.Millisecond}, f.sleeper.Sleeps())

	batches, err := f.store.ListBatches(context.Background(), report.RunID)
	require.NoError(t, err)
	for _, b := range batches {
		if b.Connector == "b" {
			assert.Equal(t, 3, b.Attempts)
			assert.Equal(t, ir.BatchCommitted, b.Status)
		}
	}
}

func TestRun_CrashAfterDeliveryRecovers(t *testing.T) {
	st := setupTestStore(t)
	stateBatch := ir.BatchID("run-0001", ir.StoreConnector, 0)
	var fired atomic.Bool
	st.SetCommitHook(func(stage store.CommitStage, batchID string) error {
		if stage == store.StageSettle && batchID != stateBatch && fired.CompareAndSwap(false, true) {
			return errors.New("simulated crash")
		}
		return nil
	})

	f := newFixtureWithStore(t, st, nil)
	f.a.Seed(contact("e1", email("one@x.com")))

	report, err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ir.IsStoreFailure(err))
	assert.Equal(t, ir.RunAborted, report.State)
	assert.NotEmpty(t, report.AbortCause)
	assert.Len(t, f.b.Applied(), 1, "the destination applied before the crash")
	assert.Equal(t, "", f.cursor(t, "a"))

	next := f.run(t)
	assert.Equal(t, 1, next.Recovered)
	assert.Equal(t, 2, f.b.Calls(), "recovery re-sent the batch")
	assert.Len(t, f.b.Applied(), 1, "re-sent batch applied once")
	assert.Equal(t, "1", f.cursor(t, "a"))

	runs, err := st.ListRuns(context.Background(), 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
	assert.Equal(t, ir.RunRecovered, runs[1].State)
	assert.Equal(t, ir.RunCompleted, runs[0].State)
}

func TestRun_CrashBeforeStateCommitRecovers(t *testing.T) {
	st := setupTestStore(t)
	var fired atomic.Bool
	st.SetCommitHook(func(stage store.CommitStage, batchID string) error {
		if stage == store.StageEntities && fired.CompareAndSwap(false, true) {
			return errors.New("simulated crash")
		}
		return nil
	})

	f := newFixtureWithStore(t, st, nil)
	f.a.Seed(contact("e1", email("one@x.com")))

	_, err := f.orch.Run(context.Background())
	require.Error(t, err)
	_, ok, err := st.ReadEntity(context.Background(), "e1")
	require.NoError(t, err)
	assert.False(t, ok, "state commit rolled back")
	assert.Zero(t, f.b.Calls(), "nothing dispatched after a failed state commit")

	n, err := f.orch.Recover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n, "state batch and outbound batch")
	assert.Equal(t, ir.String("one@x.com"), f.entity(t, "e1").Fields["email"].Value)
	assert.Len(t, f.b.Applied(), 1)
	assert.Equal(t, "1", f.cursor(t, "a"))
}

func TestRun_CancelledRunIsRecovered(t *testing.T) {
	f := newFixture(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	f.sleeper.CancelAfter = 1
	f.sleeper.Cancel = cancel

	f.a.Seed(contact("e1", email("one@x.com")), contact("e2", email("two@x.com")))
	f.b.SetPlan(connector.FailurePlan{Transient: 1})

	report, err := f.orch.Run(ctx)
	require.NoError(t, err)
	assert.Equal(t, ir.RunCancelled, report.State)
	assert.Zero(t, report.Committed)
	assert.Equal(t, "", f.cursor(t, "a"))

	f.sleeper.CancelAfter = 0
	next := f.run(t)
	assert.Equal(t, 1, next.Recovered)
	assert.Equal(t, 0, next.Fetched)
	assert.Len(t, f.b.Applied(), 2)
	assert.Equal(t, "2", f.cursor(t, "a"))
}

func TestRun_TombstoneIsTerminal(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(contact("e1", email("one@x.com")))
	f.run(t)

	del := contact("e1", nil)
	del.Deleted = true
	f.a.Seed(del)
	report := f.run(t)
	assert.Equal(t, 1, report.Committed)
	assert.True(t, f.b.Deleted("e1"), "delete propagated")
	assert.True(t, f.entity(t, "e1").Tombstoned)

	f.a.Seed(contact("e1", email("back@x.com")))
	f.b.Seed(del)
	report = f.run(t)
	assert.Equal(t, 1, report.Rejected)
	require.Len(t, report.Rejections, 1)
	assert.Equal(t, "entity tombstoned", report.Rejections[0].Reason)
	assert.Equal(t, 1, report.Duplicates, "a second delete is a no-op")
	assert.True(t, f.entity(t, "e1").Tombstoned, "never resurrected")
}

func TestRun_ValidationOutcomes(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(
		contact("e1", email("not-an-email")),
		contact("e2", ir.Fields{"email": ir.String("  two@x.com "), "age": ir.String("42"), "nickname": ir.String("T")}),
		contact("e3", email("three@x.com")),
	)

	report := f.run(t)
	assert.Equal(t, 1, report.Rejected)
	assert.Equal(t, 2, report.Validated)
	assert.Equal(t, 1, report.Repaired)
	require.Len(t, report.Rejections, 1)
	assert.Equal(t, "e1", report.Rejections[0].Record.EntityID)
	assert.Contains(t, report.Rejections[0].Reason, "email")

	got, ok := f.b.State("e2")
	require.True(t, ok)
	assert.Equal(t, ir.Fields{"email": ir.String("two@x.com"), "age": ir.Int(42)}, got)
	_, ok = f.b.State("e1")
	assert.False(t, ok, "rejected records never go downstream")
	assert.Equal(t, "3", f.cursor(t, "a"), "rejected records do not hold the cursor")
}

func TestRun_IntegrityViolationGoesToReview(t *testing.T) {
	f := newFixture(t, nil)
	bad := contact("e9", email("nine@x.com"))
	bad.Vector = ir.VersionVector{"a": 3, "ghost": 1}
	f.a.Seed(bad, contact("e1", email("one@x.com")))

	report := f.run(t)
	require.Len(t, report.Reviews, 1)
	assert.Equal(t, "e9", report.Reviews[0].EntityID)
	assert.Equal(t, 1, report.Committed, "other entities are unaffected")
	assert.True(t, report.HasFailures())

	reviews, err := f.store.ListReviews(context.Background())
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, report.RunID, reviews[0].RunID)
	_, ok := f.b.State("e9")
	assert.False(t, ok)
}

func TestRun_FetchErrorExcludesConnector(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(contact("e1", email("one@x.com")))
	f.b.SetPlan(connector.FailurePlan{FetchError: "timeout"})

	report := f.run(t)
	require.Len(t, report.FetchErrors, 1)
	assert.Equal(t, "b", report.FetchErrors[0].Connector)
	assert.Equal(t, 1, report.StateOnly)
	assert.Zero(t, report.Committed)
	assert.Zero(t, f.b.Calls(), "nothing is pushed to a connector that failed to fetch")
	assert.Equal(t, "1", f.cursor(t, "a"))

	f.b.SetPlan(connector.FailurePlan{})
	next := f.run(t)
	assert.Equal(t, 0, next.Committed, "nothing new fetched, nothing derived")
}

func TestRun_RunInProgress(t *testing.T) {
	lockDir := t.TempDir()
	st := setupTestStore(t)
	f := newFixtureWithStore(t, st, nil, WithLockDir(lockDir))

	release, err := f.orch.locks.acquire(f.orch.names)
	require.NoError(t, err)

	_, err = f.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ir.IsRunInProgress(err))

	// A second orchestrator sharing the lock directory is excluded too.
	other := newFixtureWithStore(t, st, nil, WithLockDir(lockDir))
	_, err = other.orch.Run(context.Background())
	require.Error(t, err)
	assert.True(t, ir.IsRunInProgress(err))

	release()
	_, err = other.orch.Run(context.Background())
	assert.NoError(t, err)
}

func TestConnectorLocks_PartialOverlap(t *testing.T) {
	l := newConnectorLocks("")
	release, err := l.acquire([]string{"a", "b"})
	require.NoError(t, err)

	_, err = l.acquire([]string{"c", "b"})
	require.Error(t, err)
	assert.True(t, ir.IsRunInProgress(err))

	other, err := l.acquire([]string{"c"})
	require.NoError(t, err, "disjoint sets run concurrently")
	other()

	release()
	again, err := l.acquire([]string{"b", "c"})
	require.NoError(t, err)
	again()
}

func TestLockFileName(t *testing.T) {
	assert.Equal(t, "crm.lock", lockFileName("crm"))
	assert.Equal(t, "a_b_c.lock", lockFileName("a/b:c"))
}

func TestServe_RunsUntilCancelled(t *testing.T) {
	f := newFixture(t, nil)
	f.a.Seed(contact("e1", email("one@x.com")))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var reports []ir.Report
	err := f.orch.Serve(ctx, 5*time.Millisecond, func(r ir.Report, err error) {
		require.NoError(t, err)
		reports = append(reports, r)
		if len(reports) == 2 {
			cancel()
		}
	})
	require.NoError(t, err)
	require.Len(t, reports, 2)
	assert.Equal(t, 1, reports[0].Committed)
	assert.Equal(t, 0, reports[1].Fetched)
}
