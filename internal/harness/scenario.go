package harness

import (
	"bytes"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/roach88/syncd/internal/ir"
)

// Scenario defines a conformance scenario: connectors with seeded change
// logs, a sequence of sync runs with expected counts, and assertions on the
// final state.
type Scenario struct {
	// Name uniquely identifies this scenario. It names the golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario validates.
	Description string `yaml:"description"`

	// Entities declares the entity schemas, keyed by entity type.
	Entities map[string]EntityDecl `yaml:"entities"`

	// Connectors are memory connectors, seeded before the first run.
	Connectors []ConnectorDecl `yaml:"connectors"`

	// Priorities are the operator's connector orderings by entity type.
	Priorities map[string]ir.Priority `yaml:"priorities,omitempty"`

	// BatchSize is the scheduler batch size. Default: 100.
	BatchSize int `yaml:"batch_size,omitempty"`

	// MaxAttempts bounds attempts per batch. Default: 3.
	MaxAttempts int `yaml:"max_attempts,omitempty"`

	// Runs are executed in order. An empty list means one run with no
	// expectations.
	Runs []RunStep `yaml:"runs,omitempty"`

	// Assertions validate the state after the last run.
	Assertions []Assertion `yaml:"assertions,omitempty"`
}

// EntityDecl declares one entity type.
type EntityDecl struct {
	Fields map[string]FieldDecl `yaml:"fields"`
}

// FieldDecl declares one field.
type FieldDecl struct {
	Type   string   `yaml:"type"`
	Rules  []string `yaml:"rules,omitempty"`
	Values []string `yaml:"values,omitempty"`
	Min    *float64 `yaml:"min,omitempty"`
	Max    *float64 `yaml:"max,omitempty"`
}

// ConnectorDecl declares a memory connector.
type ConnectorDecl struct {
	Name    string       `yaml:"name"`
	Records []RecordDecl `yaml:"records,omitempty"`
	Plan    PlanDecl     `yaml:",inline"`
}

// PlanDecl scripts connector failures.
type PlanDecl struct {
	// Reject maps entity ids to the reason the destination rejects them.
	Reject map[string]string `yaml:"reject,omitempty"`

	// Transient fails this many Apply calls with a retryable error.
	Transient int `yaml:"transient,omitempty"`

	// Persistent fails every Apply call with a non-retryable error.
	Persistent bool `yaml:"persistent,omitempty"`

	// FetchError fails every Fetch with this message.
	FetchError string `yaml:"fetch_error,omitempty"`
}

// RecordDecl is one change in a connector's log.
type RecordDecl struct {
	Entity   string         `yaml:"entity"`
	Type     string         `yaml:"type"`
	Fields   map[string]any `yaml:"fields,omitempty"`
	Revision string         `yaml:"revision,omitempty"`
	Deleted  bool           `yaml:"deleted,omitempty"`

	// Vector is an adapter-supplied version vector.
	Vector map[string]int64 `yaml:"vector,omitempty"`

	// Observed is the observation time as an offset from the harness epoch.
	Observed time.Duration `yaml:"observed,omitempty"`
}

// RunStep is one sync run.
type RunStep struct {
	// Seed appends records to connector logs before the run.
	Seed map[string][]RecordDecl `yaml:"seed,omitempty"`

	// Plans replace connector failure plans before the run.
	Plans map[string]PlanDecl `yaml:"plans,omitempty"`

	// Expect checks the run report. Unset counts are not checked.
	Expect *ExpectReport `yaml:"expect,omitempty"`
}

// ExpectReport is a partial run report.
type ExpectReport struct {
	State       string `yaml:"state,omitempty"`
	Fetched     *int   `yaml:"fetched,omitempty"`
	Duplicates  *int   `yaml:"duplicates,omitempty"`
	Validated   *int   `yaml:"validated,omitempty"`
	Repaired    *int   `yaml:"repaired,omitempty"`
	Rejected    *int   `yaml:"rejected,omitempty"`
	Conflicts   *int   `yaml:"conflicts,omitempty"`
	Committed   *int   `yaml:"committed,omitempty"`
	StateOnly   *int   `yaml:"state_only,omitempty"`
	Failed      *int   `yaml:"failed,omitempty"`
	Recovered   *int   `yaml:"recovered,omitempty"`
	Reviews     *int   `yaml:"reviews,omitempty"`
	FetchErrors *int   `yaml:"fetch_errors,omitempty"`
}

// Assertion validates the final state.
type Assertion struct {
	// Type is one of entity, connector_state, cursor, applied, conflicts.
	Type string `yaml:"type"`

	Connector string `yaml:"connector,omitempty"`
	Entity    string `yaml:"entity,omitempty"`

	// Expect holds expected field values (entity, connector_state). Subset
	// match: unlisted fields are not checked.
	Expect map[string]any `yaml:"expect,omitempty"`

	// Tombstoned checks the stored entity (entity) or the connector's
	// delete flag (connector_state).
	Tombstoned *bool `yaml:"tombstoned,omitempty"`

	// Value is the expected cursor position (cursor).
	Value *string `yaml:"value,omitempty"`

	// Count is the expected number of applied records (applied) or
	// conflicts (conflicts).
	Count *int `yaml:"count,omitempty"`
}

// Assertion type constants.
const (
	AssertEntity         = "entity"
	AssertConnectorState = "connector_state"
	AssertCursor         = "cursor"
	AssertApplied        = "applied"
	AssertConflicts      = "conflicts"
)

// LoadScenario reads and parses a scenario YAML file.
// Returns an error if the file doesn't exist, is malformed,
// contains unknown fields (typos), or is missing required fields.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data)
}

// ParseScenario parses scenario YAML.
func ParseScenario(data []byte) (*Scenario, error) {
	// Strict field validation catches typos like "assertion:" vs "assertions:".
	var scenario Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&scenario); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if err := validateScenario(&scenario); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &scenario, nil
}

// validateScenario checks that required fields are present and that every
// reference names a declared connector or entity type.
func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if len(s.Entities) == 0 {
		return fmt.Errorf("at least one entity type is required")
	}
	for _, typ := range sortedKeys(s.Entities) {
		for _, field := range sortedKeys(s.Entities[typ].Fields) {
			if !ir.ValidFieldTypes[ir.FieldType(s.Entities[typ].Fields[field].Type)] {
				return fmt.Errorf("entities.%s.%s: unknown type %q", typ, field, s.Entities[typ].Fields[field].Type)
			}
		}
	}
	if len(s.Connectors) == 0 {
		return fmt.Errorf("at least one connector is required")
	}

	known := make(map[string]bool, len(s.Connectors))
	for i, c := range s.Connectors {
		if c.Name == "" {
			return fmt.Errorf("connectors[%d]: name is required", i)
		}
		if c.Name == ir.StoreConnector {
			return fmt.Errorf("connectors[%d]: name %q is reserved", i, c.Name)
		}
		if known[c.Name] {
			return fmt.Errorf("connectors[%d]: duplicate name %q", i, c.Name)
		}
		known[c.Name] = true
		if err := validateRecords(fmt.Sprintf("connectors[%d]", i), c.Records, s.Entities); err != nil {
			return err
		}
	}

	for i, run := range s.Runs {
		for _, name := range sortedKeys(run.Seed) {
			if !known[name] {
				return fmt.Errorf("runs[%d].seed: unknown connector %q", i, name)
			}
			if err := validateRecords(fmt.Sprintf("runs[%d].seed.%s", i, name), run.Seed[name], s.Entities); err != nil {
				return err
			}
		}
		for _, name := range sortedKeys(run.Plans) {
			if !known[name] {
				return fmt.Errorf("runs[%d].plans: unknown connector %q", i, name)
			}
		}
	}

	for i, a := range s.Assertions {
		if err := validateAssertion(i, a, known); err != nil {
			return err
		}
	}
	return nil
}

func validateRecords(where string, records []RecordDecl, entities map[string]EntityDecl) error {
	for j, r := range records {
		if r.Type == "" {
			return fmt.Errorf("%s.records[%d]: type is required", where, j)
		}
		if _, ok := entities[r.Type]; !ok {
			return fmt.Errorf("%s.records[%d]: unknown entity type %q", where, j, r.Type)
		}
	}
	return nil
}

func validateAssertion(index int, a Assertion, connectors map[string]bool) error {
	needConnector := func() error {
		if !connectors[a.Connector] {
			return fmt.Errorf("assertions[%d]: unknown connector %q for %s", index, a.Connector, a.Type)
		}
		return nil
	}

	switch a.Type {
	case AssertEntity:
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for entity", index)
		}
	case AssertConnectorState:
		if err := needConnector(); err != nil {
			return err
		}
		if a.Entity == "" {
			return fmt.Errorf("assertions[%d]: entity is required for connector_state", index)
		}
	case AssertCursor:
		if err := needConnector(); err != nil {
			return err
		}
		if a.Value == nil {
			return fmt.Errorf("assertions[%d]: value is required for cursor", index)
		}
	case AssertApplied:
		if err := needConnector(); err != nil {
			return err
		}
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for applied", index)
		}
	case AssertConflicts:
		if a.Count == nil || *a.Count < 0 {
			return fmt.Errorf("assertions[%d]: non-negative count is required for conflicts", index)
		}
	default:
		return fmt.Errorf("assertions[%d]: unknown assertion type %q", index, a.Type)
	}
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
