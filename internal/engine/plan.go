package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/monitor"
	"github.com/roach88/syncd/internal/resolve"
	"github.com/roach88/syncd/internal/schedule"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/validate"
)

// Rejection reasons the orchestrator adds to the validator's.
const (
	reasonTombstoned      = "entity tombstoned"
	reasonNoRevision      = "missing source revision"
	reasonTypeMismatch    = "entity type mismatch"
	reasonUnknownIdentity = "missing entity id and external id"
)

// accepted is a fetched record that passed every inbound check.
type accepted struct {
	rec    ir.ChangeRecord
	origin int // Index into inbound.origins
}

// inbound is the outcome of the validating phase.
type inbound struct {
	origins  []store.Origin
	accepted []accepted                    // Fetch order: connector name, then ordinal
	stored   map[string]*ir.Entity         // Stored state of every touched entity
	byEntity map[string][]int              // Entity -> indexes into accepted

	// resync maps an entity to the origins of records fetched again after
	// an earlier run folded them into stored state. Their pushes are derived
	// from stored state, never from the records themselves.
	resync map[string][]int
}

func (in *inbound) skip(origin int) {
	in.origins[origin].State = store.OriginSkipped
}

// entityIDs returns the touched entity ids in sorted order.
func (in *inbound) entityIDs() []string {
	ids := make([]string, 0, len(in.byEntity))
	for id := range in.byEntity {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// ingest maps identities, drops duplicates, validates, enforces tombstones
// and stamps version vectors. Records are handled one connector at a time
// in name order and in fetch order within a connector.
func (r *run) ingest(ctx context.Context, fetches []fetchResult) (*inbound, error) {
	o := r.o
	in := &inbound{
		stored:   make(map[string]*ir.Entity),
		byEntity: make(map[string][]int),
		resync:   make(map[string][]int),
	}
	seen := make(map[ir.RecordRef]bool)

	reject := func(origin int, ref ir.RecordRef, reason string) {
		in.skip(origin)
		r.update(func(rep *ir.Report) {
			rep.Rejected++
			rep.Rejections = append(rep.Rejections, ir.Rejection{Record: ref, Reason: reason})
		})
	}
	duplicate := func(origin int) {
		in.skip(origin)
		r.update(func(rep *ir.Report) { rep.Duplicates++ })
	}

	for _, f := range fetches {
		if f.err != nil {
			continue
		}
		position := f.start
		for i, raw := range f.records {
			rec := raw.Clone()
			rec.Connector = f.connector
			if rec.Position == "" {
				rec.Position = position
			}
			position = rec.Position

			if rec.ExternalID != "" {
				candidate := rec.EntityID
				if candidate == "" {
					candidate = o.ids.Generate()
				}
				id, err := o.store.ResolveIdentity(ctx, rec.Connector, rec.ExternalID, candidate)
				if err != nil {
					return nil, ir.NewStoreCommitError("", err)
				}
				rec.EntityID = id
			}

			idx := len(in.origins)
			in.origins = append(in.origins, store.Origin{
				Connector:      f.connector,
				Ordinal:        i,
				EntityID:       rec.EntityID,
				SourceRevision: rec.SourceRevision,
				Position:       rec.Position,
				State:          store.OriginPending,
			})
			ref := rec.Ref()

			if rec.EntityID == "" {
				reject(idx, ref, reasonUnknownIdentity)
				continue
			}
			if rec.SourceRevision == "" {
				reject(idx, ref, reasonNoRevision)
				continue
			}
			if seen[ref] {
				duplicate(idx)
				continue
			}
			seen[ref] = true
			applied, err := o.store.IsApplied(ctx, ref)
			if err != nil {
				return nil, ir.NewStoreCommitError("", err)
			}
			if applied {
				// The origin stays pending: it holds the cursor until the
				// entity's pushes commit.
				in.resync[rec.EntityID] = append(in.resync[rec.EntityID], idx)
				r.update(func(rep *ir.Report) { rep.Duplicates++ })
				continue
			}

			stored, err := r.storedEntity(ctx, in, rec.EntityID)
			if err != nil {
				return nil, err
			}
			var res validate.Result
			if stored == nil {
				res = o.validator.ValidateNew(ctx, rec)
			} else {
				res = o.validator.Validate(ctx, rec)
			}
			if res.Status == validate.Rejected {
				reject(idx, ref, res.Reason)
				continue
			}
			rec = res.Record

			if stored != nil {
				if stored.Tombstoned {
					if rec.Deleted {
						duplicate(idx)
					} else {
						reject(idx, ref, reasonTombstoned)
					}
					continue
				}
				if stored.Type != "" && rec.EntityType != stored.Type {
					reject(idx, ref, fmt.Sprintf("%s: stored %q, got %q", reasonTypeMismatch, stored.Type, rec.EntityType))
					continue
				}
			}

			r.update(func(rep *ir.Report) {
				rep.Validated++
				if res.Status == validate.Repaired {
					rep.Repaired++
				}
			})
			in.byEntity[rec.EntityID] = append(in.byEntity[rec.EntityID], len(in.accepted))
			in.accepted = append(in.accepted, accepted{rec: rec, origin: idx})
		}
	}

	if err := r.stampVectors(ctx, in); err != nil {
		return nil, err
	}
	return in, nil
}

func (r *run) storedEntity(ctx context.Context, in *inbound, id string) (*ir.Entity, error) {
	if e, ok := in.stored[id]; ok {
		return e, nil
	}
	e, ok, err := r.o.store.ReadEntity(ctx, id)
	if err != nil {
		return nil, ir.NewStoreCommitError("", err)
	}
	if !ok {
		in.stored[id] = nil
		return nil, nil
	}
	in.stored[id] = &e
	return &e, nil
}

// stampVectors gives every accepted record without a vector the next sync
// sequence number of its connector. The record's vector is the stored
// entity vector advanced by its own entry, and by the entries of earlier
// records from the same connector for the same entity, which it has seen.
// Vectors supplied by an adapter are kept.
func (r *run) stampVectors(ctx context.Context, in *inbound) error {
	need := make(map[string]int)
	for _, a := range in.accepted {
		if len(a.rec.Vector) == 0 {
			need[a.rec.Connector]++
		}
	}
	next := make(map[string]int64, len(need))
	for _, name := range sortedKeys(need) {
		first, err := r.o.store.ReserveSeq(ctx, name, need[name])
		if err != nil {
			return ir.NewStoreCommitError("", err)
		}
		next[name] = first
	}

	type key struct{ entity, connector string }
	last := make(map[key]ir.VersionVector)
	for i := range in.accepted {
		rec := &in.accepted[i].rec
		if len(rec.Vector) > 0 {
			rec.Seq = rec.Vector.Get(rec.Connector)
			continue
		}

		k := key{rec.EntityID, rec.Connector}
		base, ok := last[k]
		if !ok {
			base = ir.VersionVector{}
			if s := in.stored[rec.EntityID]; s != nil {
				base = s.Vector
			}
		}
		rec.Seq = next[rec.Connector]
		next[rec.Connector]++
		rec.Vector = base.With(rec.Connector, rec.Seq)
		last[k] = rec.Vector
	}
	return nil
}

// resolution is the resolved state of one entity.
type resolution struct {
	entityID   string
	stored     *ir.Entity
	candidates []accepted
	result     resolve.Resolution
}

// resolveAll resolves every touched entity in id order. An entity whose
// candidates violate vector integrity goes to manual review and its origins
// are skipped.
func (r *run) resolveAll(ctx context.Context, in *inbound) ([]resolution, error) {
	o := r.o
	var out []resolution
	for _, id := range in.entityIDs() {
		var cands []ir.ChangeRecord
		var accs []accepted
		for _, i := range in.byEntity[id] {
			cands = append(cands, in.accepted[i].rec)
			accs = append(accs, in.accepted[i])
		}

		res, err := o.resolver.Resolve(id, in.stored[id], cands)
		if ir.IsIntegrity(err) {
			refs := make([]ir.RecordRef, len(cands))
			for i, c := range cands {
				refs[i] = c.Ref()
			}
			for _, a := range accs {
				in.skip(a.origin)
			}
			o.logger.Warn("entity sent to manual review", "run_id", r.id, "entity_id", id, "error", err)
			r.update(func(rep *ir.Report) {
				rep.Reviews = append(rep.Reviews, ir.Review{
					EntityID: id,
					RunID:    r.id,
					Reason:   err.Error(),
					Records:  refs,
					At:       o.clock.Now(),
				})
			})
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("resolve %s: %w", id, err)
		}

		for i := range res.Conflicts {
			c := &res.Conflicts[i]
			c.RunID = r.id
			capitan.Emit(ctx, monitor.ConflictResolved,
				monitor.KeyRun.Field(r.id),
				monitor.KeyEntity.Field(id),
				monitor.KeyField.Field(c.Field),
				monitor.KeyConnector.Field(c.Winner.Connector),
				monitor.KeyStrategy.Field(string(c.Strategy)),
				monitor.KeyCount.Field(len(c.Contributors)),
			)
		}
		conflicts := res.Conflicts
		r.update(func(rep *ir.Report) {
			rep.Conflicted += len(conflicts)
			rep.Conflicts = append(rep.Conflicts, conflicts...)
		})
		out = append(out, resolution{entityID: id, stored: in.stored[id], candidates: accs, result: res})
	}
	return out, nil
}

// runPlan is everything the scheduling phase produced.
type runPlan struct {
	store    store.Plan
	state    *ir.Batch
	outbound []ir.Batch
}

// plan derives outbound records for every destination that fetched
// successfully and packs them into batches.
func (r *run) plan(ctx context.Context, fetches []fetchResult, in *inbound, resolved []resolution) (runPlan, error) {
	o := r.o
	var dests []string
	p := runPlan{store: store.Plan{RunID: r.id, Pending: make(map[string]int)}}
	for _, f := range fetches {
		if f.err != nil {
			continue
		}
		dests = append(dests, f.connector)
		p.store.Fetches = append(p.store.Fetches, store.Fetch{Connector: f.connector, Start: f.start, End: f.end})
	}

	var states []ir.EntityState
	byDest := make(map[string][]ir.ChangeRecord)
	stateOnly := 0
	for _, res := range resolved {
		observed, deletedBy := observations(res.candidates)
		origins := originRefs(res.candidates)
		observedAt := latestObservation(res.candidates)
		winner := res.result.Winner

		count := 0
		for _, dest := range dests {
			rec, ok, err := r.derive(ctx, dest, res, observed[dest], deletedBy[dest])
			if err != nil {
				return runPlan{}, err
			}
			if !ok {
				continue
			}
			rec.Origins = origins
			rec.ObservedAt = observedAt
			rev, err := ir.DerivedRevision(dest, origins, rec.Fields, rec.Deleted)
			if err != nil {
				return runPlan{}, fmt.Errorf("derive revision %s/%s: %w", dest, winner.ID, err)
			}
			rec.SourceRevision = rev
			byDest[dest] = append(byDest[dest], rec)
			count++
		}
		if count == 0 {
			stateOnly++
		}

		states = append(states, ir.EntityState{
			Entity:    winner,
			Conflicts: res.result.Conflicts,
			Observed:  observed,
			Origins:   origins,
		})
		p.store.Pending[res.entityID] = 1 + count
	}

	resynced, err := r.resync(ctx, in, resolved, dests, byDest, p.store.Pending)
	if err != nil {
		return runPlan{}, err
	}

	for _, dest := range dests {
		size := o.schedCfg.BatchSize
		if n, ok := o.batchSizes[dest]; ok {
			size = n
		}
		p.outbound = append(p.outbound, schedule.Plan(r.id, byDest[dest], size)...)
	}

	if len(states) > 0 {
		p.state = &ir.Batch{
			ID:        ir.BatchID(r.id, ir.StoreConnector, 0),
			RunID:     r.id,
			Connector: ir.StoreConnector,
			States:    states,
			Status:    ir.BatchPending,
		}
		p.store.Batches = append(p.store.Batches, *p.state)
	}
	p.store.Batches = append(p.store.Batches, p.outbound...)
	p.store.Origins = in.origins

	r.mu.Lock()
	p.store.Reviews = append([]ir.Review(nil), r.report.Reviews...)
	r.report.StateOnly += stateOnly
	r.mu.Unlock()

	o.logger.Debug("run planned",
		"run_id", r.id,
		"entities", len(states),
		"batches", len(p.outbound),
		"state_only", stateOnly,
		"resynced", resynced,
	)
	return p, nil
}

// resync derives pushes for entities whose only records this run were
// already folded into stored state, typically because an earlier push
// failed and held the cursor. The stored entity is the winner; nothing is
// resolved or written to entity state. Returns the number of entities
// that needed a push.
func (r *run) resync(ctx context.Context, in *inbound, resolved []resolution, dests []string,
	byDest map[string][]ir.ChangeRecord, pending map[string]int) (int, error) {
	touched := make(map[string]bool, len(resolved))
	for _, res := range resolved {
		touched[res.entityID] = true
	}

	n := 0
	for _, id := range sortedKeys(in.resync) {
		idxs := in.resync[id]
		if touched[id] {
			continue // Settles with the entity's new state
		}
		stored, err := r.storedEntity(ctx, in, id)
		if err != nil {
			return 0, err
		}
		if stored == nil {
			for _, i := range idxs {
				in.skip(i)
			}
			continue
		}

		origins := make([]ir.RecordRef, len(idxs))
		for j, i := range idxs {
			o := in.origins[i]
			origins[j] = ir.RecordRef{EntityID: o.EntityID, Connector: o.Connector, SourceRevision: o.SourceRevision}
		}
		sortRefs(origins)

		res := resolution{entityID: id, stored: stored, result: resolve.Resolution{Winner: *stored}}
		count := 0
		for _, dest := range dests {
			rec, ok, err := r.derive(ctx, dest, res, nil, false)
			if err != nil {
				return 0, err
			}
			if !ok {
				continue
			}
			rec.Origins = origins
			rec.ObservedAt = storedObservation(stored)
			rev, err := ir.DerivedRevision(dest, origins, rec.Fields, rec.Deleted)
			if err != nil {
				return 0, fmt.Errorf("derive revision %s/%s: %w", dest, id, err)
			}
			rec.SourceRevision = rev
			byDest[dest] = append(byDest[dest], rec)
			count++
		}
		if count > 0 {
			n++
		}
		pending[id] = count
	}
	return n, nil
}

// derive builds the outbound record for dest, if dest needs one. A live
// entity sends the fields whose resolved value differs from what dest holds,
// counting what dest reported in this run. A newly deleted entity sends a
// delete to every destination that knows it, except one that deleted it.
func (r *run) derive(ctx context.Context, dest string, res resolution, observed ir.Fields, deleted bool) (ir.ChangeRecord, bool, error) {
	st := r.o.store
	winner := res.result.Winner

	ext, err := st.ExternalID(ctx, dest, winner.ID)
	if err != nil {
		return ir.ChangeRecord{}, false, ir.NewStoreCommitError("", err)
	}
	mirror, err := st.Mirror(ctx, dest, winner.ID)
	if err != nil {
		return ir.ChangeRecord{}, false, ir.NewStoreCommitError("", err)
	}

	rec := ir.ChangeRecord{
		EntityID:   winner.ID,
		EntityType: winner.Type,
		Connector:  dest,
		ExternalID: ext,
		Vector:     winner.Vector.Clone(),
	}

	if winner.Tombstoned {
		if deleted {
			return ir.ChangeRecord{}, false, nil
		}
		if ext == "" && len(mirror) == 0 && observed == nil {
			return ir.ChangeRecord{}, false, nil
		}
		if observed == nil && deletedMirror(mirror) {
			return ir.ChangeRecord{}, false, nil
		}
		rec.Deleted = true
		rec.Fields = ir.Fields{}
		return rec, true, nil
	}

	holds := mirror.Clone()
	if holds == nil {
		holds = ir.Fields{}
	}
	for k, v := range observed {
		holds[k] = v
	}

	values := winner.Values()
	diff := ir.Fields{}
	for _, field := range values.SortedKeys() {
		v := values[field]
		if ir.IsTombstone(v) {
			continue
		}
		if have, ok := holds[field]; ok && ir.Equal(have, v) {
			continue
		}
		diff[field] = v
	}
	if len(diff) == 0 {
		return ir.ChangeRecord{}, false, nil
	}
	rec.Fields = diff
	return rec, true, nil
}

// observations collects, per connector, the latest values it reported in
// this run, and which connectors reported a delete.
func observations(cands []accepted) (map[string]ir.Fields, map[string]bool) {
	observed := make(map[string]ir.Fields)
	deleted := make(map[string]bool)
	for _, a := range cands {
		c := a.rec.Connector
		if a.rec.Deleted {
			deleted[c] = true
			continue
		}
		if observed[c] == nil {
			observed[c] = ir.Fields{}
		}
		for k, v := range a.rec.Fields {
			observed[c][k] = v
		}
	}
	return observed, deleted
}

// originRefs returns the keys of the records an outbound change derives
// from, in canonical order.
func originRefs(cands []accepted) []ir.RecordRef {
	refs := make([]ir.RecordRef, len(cands))
	for i, a := range cands {
		refs[i] = a.rec.Ref()
	}
	sortRefs(refs)
	return refs
}

func sortRefs(refs []ir.RecordRef) {
	sort.Slice(refs, func(i, j int) bool {
		if refs[i].Connector != refs[j].Connector {
			return refs[i].Connector < refs[j].Connector
		}
		return refs[i].SourceRevision < refs[j].SourceRevision
	})
}

// deletedMirror reports whether a destination already holds the delete.
func deletedMirror(mirror ir.Fields) bool {
	if len(mirror) == 0 {
		return false
	}
	for _, v := range mirror {
		if !ir.IsTombstone(v) {
			return false
		}
	}
	return true
}

func storedObservation(e *ir.Entity) time.Time {
	var latest time.Time
	for _, fs := range e.Fields {
		if fs.ObservedAt.After(latest) {
			latest = fs.ObservedAt
		}
	}
	return latest
}

func latestObservation(cands []accepted) time.Time {
	var latest time.Time
	for _, a := range cands {
		if a.rec.ObservedAt.After(latest) {
			latest = a.rec.ObservedAt
		}
	}
	return latest
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
