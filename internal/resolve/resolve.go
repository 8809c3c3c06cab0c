// Package resolve merges the candidate change records of one entity into a
// single canonical version.
//
// # Causality
//
// For each field only the causally maximal writes count: a write whose
// version vector is Before another write's vector has been seen by that
// writer and is superseded. The stored field state takes part with the
// stored entity vector, so a record that has not seen the stored write is
// concurrent with it.
//
// # Tie-breaks
//
// Two or more maximal writes are concurrent. They are ordered by, in turn:
//
//  1. tombstone before live value
//  2. operator priority for the field (unlisted connectors rank last)
//  3. latest observed_at
//  4. smallest connector name
//  5. smallest source revision
//
// The winner is the first in that order. Every concurrent case produces an
// ir.ConflictRecord naming the rule that separated the winner from the
// runner-up.
//
// Resolution is a pure function of its inputs: candidates are put in a
// canonical order first, so permuting them never changes the result.
package resolve

import (
	"fmt"
	"sort"
	"sync/atomic"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// Resolution is the result of resolving one entity.
type Resolution struct {
	Winner    ir.Entity
	Conflicts []ir.ConflictRecord // Sorted by field; RunID is left empty
	Changed   []string            // Fields whose value differs from the stored state
}

// Resolver resolves entities under the current priority configuration.
// It is safe for concurrent use; SetPriorities swaps the configuration
// atomically.
type Resolver struct {
	priorities atomic.Pointer[map[string]ir.Priority]
}

// New creates a resolver with priorities keyed by entity type.
func New(priorities map[string]ir.Priority) *Resolver {
	r := &Resolver{}
	r.SetPriorities(priorities)
	return r
}

// SetPriorities replaces the priority configuration.
func (r *Resolver) SetPriorities(priorities map[string]ir.Priority) {
	cp := make(map[string]ir.Priority, len(priorities))
	for k, v := range priorities {
		cp[k] = v
	}
	r.priorities.Store(&cp)
}

// Priority returns the configured priority for an entity type.
func (r *Resolver) Priority(entityType string) ir.Priority {
	return (*r.priorities.Load())[entityType]
}

// write is one candidate value for one field.
type write struct {
	value    ir.Value
	ref      ir.RecordRef
	observed time.Time
	vector   ir.VersionVector
	seq      int64
	deleted  bool
	stored   bool
}

// Resolve merges candidates into stored (nil for a new entity). Candidates
// must be distinct records of entityID; duplicates are filtered before
// resolution. It fails with an IntegrityViolation when a vector is
// malformed.
func (r *Resolver) Resolve(entityID string, stored *ir.Entity, candidates []ir.ChangeRecord) (Resolution, error) {
	if len(candidates) == 0 {
		return Resolution{}, fmt.Errorf("resolve %s: no candidates", entityID)
	}

	cands := make([]ir.ChangeRecord, len(candidates))
	copy(cands, candidates)
	sort.Slice(cands, func(i, j int) bool { return lessRecord(cands[i], cands[j]) })

	for _, c := range cands {
		if c.EntityID != entityID {
			return Resolution{}, fmt.Errorf("resolve %s: candidate %s belongs to another entity", entityID, c.Ref())
		}
	}
	if err := checkIntegrity(entityID, stored, cands); err != nil {
		return Resolution{}, err
	}

	winner := ir.Entity{ID: entityID, Fields: make(map[string]ir.FieldState)}
	var storedVec ir.VersionVector
	if stored != nil {
		winner.Type = stored.Type
		winner.Tombstoned = stored.Tombstoned
		storedVec = stored.Vector
		for k, v := range stored.Fields {
			winner.Fields[k] = v
		}
	}
	if winner.Type == "" {
		winner.Type = cands[0].EntityType
	}

	vec := storedVec.Clone()
	if vec == nil {
		vec = ir.VersionVector{}
	}
	for _, c := range cands {
		vec = vec.Merge(c.Vector)
	}
	winner.Vector = vec

	if winner.Tombstoned {
		// Terminal: a stored tombstone is never overwritten.
		return Resolution{Winner: winner}, nil
	}

	prio := r.Priority(winner.Type)
	writes := collectWrites(stored, cands)

	var res Resolution
	for _, field := range sortedFields(writes) {
		ws := maximal(writes[field])
		best := ws[0]
		if len(ws) > 1 {
			order := prio.For(field)
			sort.SliceStable(ws, func(i, j int) bool {
				_, less := compareWrites(ws[i], ws[j], order)
				return less
			})
			best = ws[0]
			strategy, _ := compareWrites(ws[0], ws[1], order)
			c, err := conflict(entityID, field, ws, strategy)
			if err != nil {
				return Resolution{}, fmt.Errorf("resolve %s.%s: %w", entityID, field, err)
			}
			res.Conflicts = append(res.Conflicts, c)
		}

		if best.stored {
			continue
		}
		prev, had := winner.Fields[field]
		winner.Fields[field] = ir.FieldState{
			Value:           best.value,
			SourceConnector: best.ref.Connector,
			SourceRevision:  best.ref.SourceRevision,
			ObservedAt:      best.observed,
			VectorEntry:     best.seq,
		}
		if !had || !ir.Equal(prev.Value, best.value) {
			res.Changed = append(res.Changed, field)
		}
	}
	for _, c := range cands {
		if c.Deleted {
			winner.Tombstoned = true
		}
	}

	res.Winner = winner
	return res, nil
}

// collectWrites groups candidate values by field. A deleted record writes a
// tombstone to every field the entity has or any candidate names.
func collectWrites(stored *ir.Entity, cands []ir.ChangeRecord) map[string][]write {
	fields := make(map[string]bool)
	writes := make(map[string][]write)

	if stored != nil {
		for name, fs := range stored.Fields {
			fields[name] = true
			writes[name] = append(writes[name], write{
				value:    fs.Value,
				ref:      ir.RecordRef{EntityID: stored.ID, Connector: fs.SourceConnector, SourceRevision: fs.SourceRevision},
				observed: fs.ObservedAt,
				vector:   stored.Vector,
				seq:      fs.VectorEntry,
				stored:   true,
			})
		}
	}
	for _, c := range cands {
		for name := range c.Fields {
			fields[name] = true
		}
	}

	for _, c := range cands {
		base := write{
			ref:      c.Ref(),
			observed: c.ObservedAt,
			vector:   c.Vector,
			seq:      c.Vector.Get(c.Connector),
			deleted:  c.Deleted,
		}
		if c.Deleted {
			for name := range fields {
				w := base
				w.value = ir.Tombstone{}
				writes[name] = append(writes[name], w)
			}
			continue
		}
		for name, v := range c.Fields {
			w := base
			w.value = v
			writes[name] = append(writes[name], w)
		}
	}
	return writes
}

// maximal returns the writes that no other write causally supersedes, in
// input order. Only a tombstone supersedes a tombstone: a live write made
// after a delete stays concurrent with it, so deletes are never undone.
func maximal(ws []write) []write {
	var out []write
	for i, w := range ws {
		superseded := false
		for j, o := range ws {
			if i == j || (w.deleted && !o.deleted) {
				continue
			}
			if w.vector.Compare(o.vector) == ir.Before {
				superseded = true
				break
			}
		}
		if !superseded {
			out = append(out, w)
		}
	}
	if len(out) == 0 {
		// Only possible with cyclic vectors, which integrity checks exclude.
		return ws[:1]
	}
	return out
}

// compareWrites reports the first tie-break rule that separates a and b,
// and whether a wins under it.
func compareWrites(a, b write, order []string) (ir.Strategy, bool) {
	if a.deleted != b.deleted {
		return ir.StrategyTombstone, a.deleted
	}
	if ra, rb := rank(order, a.ref.Connector), rank(order, b.ref.Connector); ra != rb {
		return ir.StrategyPriority, ra < rb
	}
	if !a.observed.Equal(b.observed) {
		return ir.StrategyObservedAt, a.observed.After(b.observed)
	}
	if a.ref.Connector != b.ref.Connector {
		return ir.StrategyConnectorName, a.ref.Connector < b.ref.Connector
	}
	return ir.StrategySourceRevision, a.ref.SourceRevision < b.ref.SourceRevision
}

func rank(order []string, connector string) int {
	for i, c := range order {
		if c == connector {
			return i
		}
	}
	return len(order)
}

func conflict(entityID, field string, ranked []write, strategy ir.Strategy) (ir.ConflictRecord, error) {
	contributors := make([]ir.RecordRef, len(ranked))
	for i, w := range ranked {
		contributors[i] = w.ref
	}
	sort.Slice(contributors, func(i, j int) bool { return lessRef(contributors[i], contributors[j]) })

	losers := make([]ir.RecordRef, 0, len(ranked)-1)
	for _, w := range ranked[1:] {
		losers = append(losers, w.ref)
	}
	sort.Slice(losers, func(i, j int) bool { return lessRef(losers[i], losers[j]) })

	winner := ranked[0]
	id, err := ir.ConflictID(entityID, field, winner.ref, contributors)
	if err != nil {
		return ir.ConflictRecord{}, err
	}
	return ir.ConflictRecord{
		ID:           id,
		EntityID:     entityID,
		Field:        field,
		Contributors: contributors,
		Winner:       winner.ref,
		Losers:       losers,
		Strategy:     strategy,
		WinningValue: winner.value,
	}, nil
}

func lessRecord(a, b ir.ChangeRecord) bool {
	if a.Connector != b.Connector {
		return a.Connector < b.Connector
	}
	if sa, sb := a.Vector.Get(a.Connector), b.Vector.Get(b.Connector); sa != sb {
		return sa < sb
	}
	return a.SourceRevision < b.SourceRevision
}

func lessRef(a, b ir.RecordRef) bool {
	if a.Connector != b.Connector {
		return a.Connector < b.Connector
	}
	if a.EntityID != b.EntityID {
		return a.EntityID < b.EntityID
	}
	return a.SourceRevision < b.SourceRevision
}

func sortedFields(writes map[string][]write) []string {
	out := make([]string, 0, len(writes))
	for f := range writes {
		out = append(out, f)
	}
	sort.Strings(out)
	return out
}
