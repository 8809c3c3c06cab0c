package connector

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// Memory is an in-process connector. It holds a change log that Fetch reads
// and the state its Apply calls produced, and it can be scripted to fail.
//
// Cursors are decimal offsets into the change log.
//
// Thread-safety: Memory is safe for concurrent use via internal mutex.
type Memory struct {
	name string

	mu      sync.Mutex
	log     []ir.ChangeRecord
	state   map[string]ir.Fields // entity id -> values held
	deleted map[string]bool
	applied map[string]bool // entity id + source revision
	order   []ir.ChangeRecord
	calls   int

	plan FailurePlan
}

// FailurePlan scripts Memory failures.
type FailurePlan struct {
	// Reject maps entity ids to a rejection reason. Matching records get a
	// rejected outcome on every Apply.
	Reject map[string]string `yaml:"reject,omitempty" json:"reject,omitempty"`

	// Transient fails this many Apply calls with a transient error before
	// any succeed.
	Transient int `yaml:"transient,omitempty" json:"transient,omitempty"`

	// Persistent fails every Apply call with a persistent error.
	Persistent bool `yaml:"persistent,omitempty" json:"persistent,omitempty"`

	// FetchError fails every Fetch call with this message.
	FetchError string `yaml:"fetch_error,omitempty" json:"fetch_error,omitempty"`

	// Delay is added to every Apply call. Cancellation of the call context
	// cuts it short with the context error.
	Delay time.Duration `yaml:"delay,omitempty" json:"delay,omitempty"`
}

// NewMemory creates an empty memory connector.
func NewMemory(name string) *Memory {
	return &Memory{
		name:    name,
		state:   make(map[string]ir.Fields),
		deleted: make(map[string]bool),
		applied: make(map[string]bool),
	}
}

func (m *Memory) Name() string { return m.name }

// SetPlan replaces the failure plan.
func (m *Memory) SetPlan(p FailurePlan) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.plan = p
}

// Seed appends records to the change log. Connector, Position and a missing
// SourceRevision are filled in; an ExternalID defaults to the entity id.
// The records also become the connector's current state.
func (m *Memory) Seed(records ...ir.ChangeRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		r = r.Clone()
		r.Connector = m.name
		if r.ExternalID == "" {
			r.ExternalID = r.EntityID
		}
		if r.SourceRevision == "" {
			r.SourceRevision = fmt.Sprintf("%s-%d", m.name, len(m.log)+1)
		}
		r.Position = strconv.Itoa(len(m.log) + 1)
		m.log = append(m.log, r)
		m.hold(r.EntityID, r.Fields, r.Deleted)
	}
}

func (m *Memory) hold(entityID string, fields ir.Fields, deleted bool) {
	if deleted {
		m.deleted[entityID] = true
		delete(m.state, entityID)
		return
	}
	cur, ok := m.state[entityID]
	if !ok {
		cur = make(ir.Fields)
		m.state[entityID] = cur
	}
	for k, v := range fields {
		cur[k] = v
	}
}

// Fetch returns the log after cursor.
func (m *Memory) Fetch(ctx context.Context, cursor string) ([]ir.ChangeRecord, string, error) {
	if err := ctx.Err(); err != nil {
		return nil, "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.plan.FetchError != "" {
		return nil, "", ir.NewTransientError(m.name, errors.New(m.plan.FetchError))
	}

	offset := 0
	if cursor != "" {
		n, err := strconv.Atoi(cursor)
		if err != nil || n < 0 || n > len(m.log) {
			return nil, "", ir.NewPersistentError(m.name, fmt.Errorf("invalid cursor %q", cursor))
		}
		offset = n
	}

	out := make([]ir.ChangeRecord, 0, len(m.log)-offset)
	for _, r := range m.log[offset:] {
		out = append(out, r.Clone())
	}
	return out, strconv.Itoa(len(m.log)), nil
}

// Apply applies a batch. Records already applied are acknowledged again
// without being applied twice.
func (m *Memory) Apply(ctx context.Context, batch ir.Batch) ([]ir.Outcome, error) {
	m.mu.Lock()
	m.calls++
	plan := m.plan
	if plan.Transient > 0 {
		m.plan.Transient--
	}
	m.mu.Unlock()

	if plan.Delay > 0 {
		t := time.NewTimer(plan.Delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if plan.Persistent {
		return nil, ir.NewPersistentError(m.name, errors.New("destination refused the batch"))
	}
	if plan.Transient > 0 {
		return nil, ir.NewTransientError(m.name, errors.New("destination unavailable"))
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ir.Outcome, 0, len(batch.Records))
	for _, r := range batch.Records {
		o := ir.Outcome{EntityID: r.EntityID, SourceRevision: r.SourceRevision}
		if reason, ok := plan.Reject[r.EntityID]; ok {
			o.Status = ir.OutcomeRejected
			o.Reason = reason
			out = append(out, o)
			continue
		}

		o.Status = ir.OutcomeCommitted
		o.ExternalID = r.ExternalID
		if o.ExternalID == "" {
			o.ExternalID = m.name + "-" + r.EntityID
		}
		key := r.EntityID + "\x00" + r.SourceRevision
		if !m.applied[key] {
			m.applied[key] = true
			m.hold(r.EntityID, r.Fields, r.Deleted)
			m.order = append(m.order, r.Clone())
		}
		out = append(out, o)
	}
	return out, nil
}

// Applied returns the distinct records applied so far, in apply order.
func (m *Memory) Applied() []ir.ChangeRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]ir.ChangeRecord, len(m.order))
	for i, r := range m.order {
		out[i] = r.Clone()
	}
	return out
}

// Calls returns the number of Apply calls, failed ones included.
func (m *Memory) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// State returns the values the connector holds for an entity.
func (m *Memory) State(entityID string) (ir.Fields, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	f, ok := m.state[entityID]
	if !ok {
		return nil, false
	}
	return f.Clone(), true
}

// Deleted reports whether the entity was deleted at this connector.
func (m *Memory) Deleted(entityID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.deleted[entityID]
}

// Entities returns the ids of every entity the connector holds or has
// deleted, in sorted order.
func (m *Memory) Entities() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, 0, len(m.state)+len(m.deleted))
	for id := range m.state {
		out = append(out, id)
	}
	for id := range m.deleted {
		if _, held := m.state[id]; !held {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}
