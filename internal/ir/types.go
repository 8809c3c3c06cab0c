package ir

import (
	"encoding/json"
	"fmt"
	"time"
)

// StoreConnector is the destination name of the local state batch. Records
// addressed to it are committed to the store without an adapter call.
const StoreConnector = "@store"

// RecordRef identifies one change record by its applied-change key.
type RecordRef struct {
	EntityID       string `json:"entity_id"`
	Connector      string `json:"connector"`
	SourceRevision string `json:"source_revision"`
}

func (r RecordRef) String() string {
	return r.Connector + "/" + r.EntityID + "@" + r.SourceRevision
}

// ChangeRecord is one observed (inbound) or derived (outbound) change to an
// entity. Stages never mutate a ChangeRecord in place; they return copies.
//
// For inbound records Connector is the source. For outbound records it is
// the destination and Origins lists the inbound records the change came from.
type ChangeRecord struct {
	EntityID       string        `json:"entity_id"`
	EntityType     string        `json:"entity_type"`
	Connector      string        `json:"connector"`
	ExternalID     string        `json:"external_id,omitempty"`
	Fields         Fields        `json:"fields"`
	ObservedAt     time.Time     `json:"observed_at"`
	SourceRevision string        `json:"source_revision"`
	Seq            int64         `json:"seq,omitempty"`
	Vector         VersionVector `json:"vector,omitempty"`
	Position       string        `json:"position,omitempty"` // Cursor just past this record
	Deleted        bool          `json:"deleted,omitempty"`
	Origins        []RecordRef   `json:"origins,omitempty"`
}

// Ref returns the applied-change key of the record.
func (r ChangeRecord) Ref() RecordRef {
	return RecordRef{EntityID: r.EntityID, Connector: r.Connector, SourceRevision: r.SourceRevision}
}

// Clone returns a deep copy.
func (r ChangeRecord) Clone() ChangeRecord {
	out := r
	out.Fields = r.Fields.Clone()
	if r.Vector != nil {
		out.Vector = r.Vector.Clone()
	}
	if r.Origins != nil {
		out.Origins = append([]RecordRef(nil), r.Origins...)
	}
	return out
}

// FieldState is the stored state of one entity field: the winning value and
// where it came from.
type FieldState struct {
	Value           Value     `json:"value"`
	SourceConnector string    `json:"source_connector"`
	SourceRevision  string    `json:"source_revision"`
	ObservedAt      time.Time `json:"observed_at"`
	VectorEntry     int64     `json:"vector_entry"`
}

type fieldStateJSON struct {
	Value           json.RawMessage `json:"value"`
	SourceConnector string          `json:"source_connector"`
	SourceRevision  string          `json:"source_revision"`
	ObservedAt      time.Time       `json:"observed_at"`
	VectorEntry     int64           `json:"vector_entry"`
}

// MarshalJSON encodes the value through MarshalValue.
func (s FieldState) MarshalJSON() ([]byte, error) {
	v, err := MarshalValue(s.Value)
	if err != nil {
		return nil, err
	}
	return json.Marshal(fieldStateJSON{
		Value:           v,
		SourceConnector: s.SourceConnector,
		SourceRevision:  s.SourceRevision,
		ObservedAt:      s.ObservedAt,
		VectorEntry:     s.VectorEntry,
	})
}

// UnmarshalJSON decodes the value through UnmarshalValue.
func (s *FieldState) UnmarshalJSON(data []byte) error {
	var raw fieldStateJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	v, err := UnmarshalValue(raw.Value)
	if err != nil {
		return fmt.Errorf("value: %w", err)
	}
	*s = FieldState{
		Value:           v,
		SourceConnector: raw.SourceConnector,
		SourceRevision:  raw.SourceRevision,
		ObservedAt:      raw.ObservedAt,
		VectorEntry:     raw.VectorEntry,
	}
	return nil
}

// Entity is the canonical, engine-owned view of one synchronized object.
type Entity struct {
	ID         string                `json:"id"`
	Type       string                `json:"type"`
	Fields     map[string]FieldState `json:"fields"`
	Vector     VersionVector         `json:"vector"`
	Tombstoned bool                  `json:"tombstoned,omitempty"`
}

// Values returns the field values without provenance.
func (e Entity) Values() Fields {
	out := make(Fields, len(e.Fields))
	for k, s := range e.Fields {
		out[k] = s.Value
	}
	return out
}

// Strategy names the rule that decided a conflict.
type Strategy string

const (
	StrategyTombstone      Strategy = "tombstone"
	StrategyPriority       Strategy = "priority"
	StrategyObservedAt     Strategy = "observed_at"
	StrategyConnectorName  Strategy = "connector_name"
	StrategySourceRevision Strategy = "source_revision"
)

// ConflictRecord documents one concurrent field write and how it was
// decided. ID is content-addressed, so appending the same conflict twice is
// a no-op.
type ConflictRecord struct {
	ID           string      `json:"id"`
	RunID        string      `json:"run_id"`
	EntityID     string      `json:"entity_id"`
	Field        string      `json:"field"`
	Contributors []RecordRef `json:"contributors"`
	Winner       RecordRef   `json:"winner"`
	Losers       []RecordRef `json:"losers"`
	Strategy     Strategy    `json:"strategy"`
	WinningValue Value       `json:"-"`
}

type conflictAlias ConflictRecord

// MarshalJSON adds the winning value encoded through MarshalValue.
func (c ConflictRecord) MarshalJSON() ([]byte, error) {
	v, err := MarshalValue(c.WinningValue)
	if err != nil {
		return nil, err
	}
	return json.Marshal(struct {
		conflictAlias
		WinningValue json.RawMessage `json:"winning_value"`
	}{conflictAlias(c), v})
}

// UnmarshalJSON is the inverse of MarshalJSON.
func (c *ConflictRecord) UnmarshalJSON(data []byte) error {
	var raw struct {
		conflictAlias
		WinningValue json.RawMessage `json:"winning_value"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*c = ConflictRecord(raw.conflictAlias)
	if len(raw.WinningValue) > 0 {
		v, err := UnmarshalValue(raw.WinningValue)
		if err != nil {
			return fmt.Errorf("winning_value: %w", err)
		}
		c.WinningValue = v
	}
	return nil
}

// EntityState is the resolved state of one entity in a run, committed to the
// store through the local state batch.
type EntityState struct {
	Entity    Entity           `json:"entity"`
	Conflicts []ConflictRecord `json:"conflicts,omitempty"`
	// Observed holds, per connector, the latest values that connector
	// reported in this run. It seeds the connector mirror.
	Observed map[string]Fields `json:"observed,omitempty"`
	// Origins are the keys of the change records folded into this state.
	// They are marked applied when the state commits.
	Origins []RecordRef `json:"origins,omitempty"`
}

// BatchStatus is the lifecycle state of a batch.
type BatchStatus string

const (
	BatchPending    BatchStatus = "pending"
	BatchDispatched BatchStatus = "dispatched"
	BatchCommitted  BatchStatus = "committed"
	BatchFailed     BatchStatus = "failed"
)

// Batch is an ordered group of outbound records for one destination.
type Batch struct {
	ID        string         `json:"id"`
	RunID     string         `json:"run_id"`
	Connector string         `json:"connector"`
	Ordinal   int            `json:"ordinal"`
	Records   []ChangeRecord `json:"records"`
	States    []EntityState  `json:"states,omitempty"` // Only on the local state batch
	Status    BatchStatus    `json:"status"`
	Attempts  int            `json:"attempts"`
	DependsOn string         `json:"depends_on,omitempty"`
	LastError string         `json:"last_error,omitempty"`
}

// Local reports whether the batch is committed without an adapter call.
func (b Batch) Local() bool {
	return b.Connector == StoreConnector
}

// EntityIDs returns the distinct entity ids of the batch in record order.
func (b Batch) EntityIDs() []string {
	seen := make(map[string]bool)
	var out []string
	add := func(id string) {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	for _, r := range b.Records {
		add(r.EntityID)
	}
	for _, s := range b.States {
		add(s.Entity.ID)
	}
	return out
}

// OutcomeStatus is the per-record result of an Apply call.
type OutcomeStatus string

const (
	OutcomeCommitted OutcomeStatus = "committed"
	OutcomeRejected  OutcomeStatus = "rejected"
)

// Outcome is a connector's per-record answer to Apply. SourceRevision
// matches the outbound record.
type Outcome struct {
	EntityID       string        `json:"entity_id"`
	SourceRevision string        `json:"source_revision"`
	Status         OutcomeStatus `json:"status"`
	Reason         string        `json:"reason,omitempty"`
	ExternalID     string        `json:"external_id,omitempty"` // Assigned on create
}

// RunState is the terminal state of a run.
type RunState string

const (
	RunRunning   RunState = "running"
	RunCompleted RunState = "completed"
	RunAborted   RunState = "aborted"
	RunCancelled RunState = "cancelled"
	RunRecovered RunState = "recovered"
)

// Rejection is a record the validator (or a tombstone) refused.
type Rejection struct {
	Record RecordRef `json:"record"`
	Reason string    `json:"reason"`
}

// FailedBatch is a batch, or the failed part of one, that did not commit.
type FailedBatch struct {
	BatchID   string      `json:"batch_id"`
	Connector string      `json:"connector"`
	Attempts  int         `json:"attempts"`
	Reason    string      `json:"reason"`
	Records   []RecordRef `json:"records"`
}

// Review is an entity excluded from a run for manual review.
type Review struct {
	EntityID string      `json:"entity_id"`
	RunID    string      `json:"run_id"`
	Reason   string      `json:"reason"`
	Records  []RecordRef `json:"records"`
	At       time.Time   `json:"at"`
}

// FetchError records a connector whose fetch failed in a run.
type FetchError struct {
	Connector string `json:"connector"`
	Error     string `json:"error"`
}

// Report summarizes one run.
type Report struct {
	RunID         string           `json:"run_id"`
	Connectors    []string         `json:"connectors"`
	State         RunState         `json:"state"`
	AbortCause    string           `json:"abort_cause,omitempty"`
	StartedAt     time.Time        `json:"started_at"`
	FinishedAt    time.Time        `json:"finished_at"`
	Fetched       int              `json:"fetched"`
	Duplicates    int              `json:"duplicates"`
	Validated     int              `json:"validated"`
	Repaired      int              `json:"repaired"`
	Rejected      int              `json:"rejected"`
	Conflicted    int              `json:"conflicted"`
	Committed     int              `json:"committed"`
	StateOnly     int              `json:"state_only"`
	Failed        int              `json:"failed"`
	Recovered     int              `json:"recovered"`
	Rejections    []Rejection      `json:"rejections,omitempty"`
	Conflicts     []ConflictRecord `json:"conflicts,omitempty"`
	FailedBatches []FailedBatch    `json:"failed_batches,omitempty"`
	Reviews       []Review         `json:"reviews,omitempty"`
	FetchErrors   []FetchError     `json:"fetch_errors,omitempty"`
}

// HasFailures reports whether anything in the run did not go through.
func (r Report) HasFailures() bool {
	return r.State != RunCompleted || r.Failed > 0 || r.Rejected > 0 ||
		len(r.Reviews) > 0 || len(r.FetchErrors) > 0
}
