package store

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/ir"
)

func TestReserveSeq_Monotonic(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	first, err := s.ReserveSeq(ctx, "crm", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(1), first)

	next, err := s.ReserveSeq(ctx, "crm", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(6), next)

	other, err := s.ReserveSeq(ctx, "ads", 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), other, "counters are per connector")

	_, err = s.ReserveSeq(ctx, "crm", 0)
	require.Error(t, err)
}

func TestResolveIdentity_FirstCandidateWins(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()

	id, err := s.ResolveIdentity(ctx, "crm", "C-1", "entity-a")
	require.NoError(t, err)
	assert.Equal(t, "entity-a", id)

	id, err = s.ResolveIdentity(ctx, "crm", "C-1", "entity-b")
	require.NoError(t, err)
	assert.Equal(t, "entity-a", id, "an existing mapping is never replaced")

	ext, err := s.ExternalID(ctx, "crm", "entity-a")
	require.NoError(t, err)
	assert.Equal(t, "C-1", ext)
}

func TestSavePlan_SkippedOriginsDoNotHoldCursor(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1", "a")

	err := s.SavePlan(ctx, Plan{
		RunID:   "run-1",
		Fetches: []Fetch{{Connector: "a", Start: "", End: "p2"}},
		Origins: []Origin{
			{Connector: "a", Ordinal: 0, EntityID: "e1", SourceRevision: "r1", Position: "p1", State: OriginSkipped},
			{Connector: "a", Ordinal: 1, EntityID: "e2", SourceRevision: "r2", Position: "p2", State: OriginSkipped},
		},
		Reviews: []ir.Review{{
			EntityID: "e2",
			RunID:    "run-1",
			Reason:   "vector has no entry for its own connector",
			Records:  []ir.RecordRef{{EntityID: "e2", Connector: "a", SourceRevision: "r2"}},
			At:       testEpoch,
		}},
	})
	require.NoError(t, err)

	cursor, err := s.GetCursor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "p2", cursor)

	reviews, err := s.ListReviews(ctx)
	require.NoError(t, err)
	require.Len(t, reviews, 1)
	assert.Equal(t, "e2", reviews[0].EntityID)
	assert.Equal(t, "run-1", reviews[0].RunID)

	applied, err := s.IsApplied(ctx, ir.RecordRef{EntityID: "e1", Connector: "a", SourceRevision: "r1"})
	require.NoError(t, err)
	assert.False(t, applied, "skipped origins are not applied")
}

func TestSavePlan_ZeroPendingSettlesImmediately(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1", "a")

	err := s.SavePlan(ctx, Plan{
		RunID:   "run-1",
		Fetches: []Fetch{{Connector: "a", Start: "", End: "p1"}},
		Origins: []Origin{
			{Connector: "a", Ordinal: 0, EntityID: "e1", SourceRevision: "r1", Position: "p1", State: OriginPending},
		},
		Pending: map[string]int{"e1": 0},
	})
	require.NoError(t, err)

	applied, err := s.IsApplied(ctx, ir.RecordRef{EntityID: "e1", Connector: "a", SourceRevision: "r1"})
	require.NoError(t, err)
	assert.True(t, applied)

	cursor, err := s.GetCursor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "p1", cursor)
}

func TestCursor_OnlyLatestRunAdvances(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1", "a")
	beginTestRun(t, s, "run-2", "a")

	// run-2 fetched "a" after run-1; run-1 settling later must not move the
	// cursor back to its older span.
	require.NoError(t, s.SavePlan(ctx, Plan{
		RunID:   "run-2",
		Fetches: []Fetch{{Connector: "a", Start: "p5", End: "p9"}},
	}))
	require.NoError(t, s.SavePlan(ctx, Plan{
		RunID:   "run-1",
		Fetches: []Fetch{{Connector: "a", Start: "", End: "p5"}},
	}))

	cursor, err := s.GetCursor(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, "p9", cursor)
}

func TestBatchLifecycle(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	_, toB := planThreeRecords(t, s)

	require.NoError(t, s.MarkDispatched(ctx, toB.ID, 1))
	require.NoError(t, s.FailBatch(ctx, toB.ID, 3, "TRANSIENT_CONNECTOR_ERROR: timeout"))

	batches, err := s.ListBatches(ctx, "run-1")
	require.NoError(t, err)
	var got ir.Batch
	for _, b := range batches {
		if b.ID == toB.ID {
			got = b
		}
	}
	assert.Equal(t, ir.BatchFailed, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Contains(t, got.LastError, "timeout")
	assert.Len(t, got.Records, 2)

	unfinished, err := s.UnfinishedBatches(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1, "failed batches are not re-dispatched")
	assert.Equal(t, "state-1", unfinished[0].ID)
	require.Len(t, unfinished[0].States, 3)
}

func TestRuns(t *testing.T) {
	s := createTestStore(t)
	ctx := context.Background()
	beginTestRun(t, s, "run-1", "a", "b")

	report := ir.Report{
		RunID:      "run-1",
		Connectors: []string{"a", "b"},
		State:      ir.RunCompleted,
		StartedAt:  testEpoch,
		FinishedAt: testEpoch,
		Committed:  4,
	}
	require.NoError(t, s.FinishRun(ctx, report))

	runs, err := s.ListRuns(ctx, 10)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, ir.RunCompleted, runs[0].State)
	assert.Equal(t, []string{"a", "b"}, runs[0].Connectors)

	loaded, err := s.LoadReport(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, 4, loaded.Committed)
}
