package harness

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/roach88/syncd/internal/connector"
	"github.com/roach88/syncd/internal/engine"
	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/resolve"
	"github.com/roach88/syncd/internal/schedule"
	"github.com/roach88/syncd/internal/store"
	"github.com/roach88/syncd/internal/testutil"
	"github.com/roach88/syncd/internal/validate"
)

// Harness holds the live objects of one scenario execution.
type Harness struct {
	store      *store.Store
	orch       *engine.Orchestrator
	connectors map[string]*connector.Memory
	names      []string
	entities   map[string]bool // every entity id seen in a seed
	sleeper    *testutil.RecordingSleeper
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh store in a temporary directory, with
// a deterministic clock, sequential run ids ("run-0001", ...) and a
// recording sleeper, so identical scenarios give identical results.
//
// Execution flow:
//  1. Build schemas, validator and memory connectors; seed the connectors
//  2. For each run step: apply seeds and failure plans, run, check the report
//  3. Evaluate assertions and render the summary
func Run(scenario *Scenario) (*Result, error) {
	return RunContext(context.Background(), scenario)
}

// RunContext is Run with a caller context.
func RunContext(ctx context.Context, scenario *Scenario) (*Result, error) {
	dir, err := os.MkdirTemp("", "syncd-harness-*")
	if err != nil {
		return nil, fmt.Errorf("failed to create temp dir: %w", err)
	}
	defer os.RemoveAll(dir)

	h, err := newHarness(scenario, filepath.Join(dir, "state.db"))
	if err != nil {
		return nil, err
	}
	defer h.store.Close()

	result := NewResult()
	runs := scenario.Runs
	if len(runs) == 0 {
		runs = []RunStep{{}}
	}
	for i, step := range runs {
		if err := h.prepare(step); err != nil {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
		report, err := h.orch.Run(ctx)
		if err != nil && report.RunID == "" {
			return nil, fmt.Errorf("runs[%d]: %w", i, err)
		}
		result.Reports = append(result.Reports, report)
		if step.Expect != nil {
			for _, msg := range checkReport(report, *step.Expect) {
				result.AddError(fmt.Sprintf("runs[%d]: %s", i, msg))
			}
		}
	}

	for i, a := range scenario.Assertions {
		if err := h.assert(ctx, a); err != nil {
			result.AddError(fmt.Sprintf("assertions[%d]: %v", i, err))
		}
	}

	summary, err := h.summarize(ctx, scenario.Name, result.Reports)
	if err != nil {
		return nil, err
	}
	result.Summary = summary
	return result, nil
}

func newHarness(s *Scenario, dbPath string) (*Harness, error) {
	clock := testutil.NewDeterministicClock(testutil.Epoch)
	st, err := store.OpenWithOptions(dbPath, store.Options{Now: clock.Now})
	if err != nil {
		return nil, fmt.Errorf("failed to create store: %w", err)
	}

	schemas, err := buildSchemas(s.Entities)
	if err != nil {
		st.Close()
		return nil, err
	}
	rules, err := validate.SchemaRules(schemas, validate.Builtins())
	if err != nil {
		st.Close()
		return nil, err
	}

	h := &Harness{
		store:      st,
		connectors: make(map[string]*connector.Memory, len(s.Connectors)),
		entities:   make(map[string]bool),
		sleeper:    &testutil.RecordingSleeper{},
	}
	conns := make([]connector.Connector, 0, len(s.Connectors))
	for _, decl := range s.Connectors {
		m := connector.NewMemory(decl.Name)
		records, err := h.records(decl.Records)
		if err != nil {
			st.Close()
			return nil, fmt.Errorf("connector %s: %w", decl.Name, err)
		}
		m.Seed(records...)
		m.SetPlan(decl.Plan.failurePlan())
		h.connectors[decl.Name] = m
		h.names = append(h.names, decl.Name)
		conns = append(conns, m)
	}
	sort.Strings(h.names)

	cfg := schedule.DefaultConfig()
	if s.BatchSize > 0 {
		cfg.BatchSize = s.BatchSize
	}
	if s.MaxAttempts > 0 {
		cfg.Retry.MaxAttempts = s.MaxAttempts
	}

	h.orch, err = engine.New(st, conns, validate.New(schemas, rules), resolve.New(s.Priorities),
		engine.WithSchedulerConfig(cfg),
		engine.WithClock(clock),
		engine.WithIDGenerator(testutil.NewSequentialIDs("run")),
		engine.WithSleeper(h.sleeper),
		engine.WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	)
	if err != nil {
		st.Close()
		return nil, err
	}
	return h, nil
}

func buildSchemas(decls map[string]EntityDecl) ([]ir.EntitySchema, error) {
	out := make([]ir.EntitySchema, 0, len(decls))
	for _, typ := range sortedKeys(decls) {
		s := ir.EntitySchema{Name: typ, Fields: make(map[string]ir.FieldSpec)}
		for _, name := range sortedKeys(decls[typ].Fields) {
			d := decls[typ].Fields[name]
			spec := ir.FieldSpec{Name: name, Type: ir.FieldType(d.Type), Min: d.Min, Max: d.Max, Values: d.Values}
			for _, r := range d.Rules {
				rule, err := parseRule(r)
				if err != nil {
					return nil, fmt.Errorf("entities.%s.%s: %w", typ, name, err)
				}
				spec.Rules = append(spec.Rules, rule)
			}
			s.Fields[name] = spec
		}
		out = append(out, s)
	}
	return out, nil
}

// parseRule reads "name" or "name=param".
func parseRule(s string) (ir.RuleSpec, error) {
	name, param, ok := strings.Cut(s, "=")
	if !ok {
		return ir.RuleSpec{Name: s}, nil
	}
	n, err := strconv.Atoi(param)
	if err != nil {
		return ir.RuleSpec{}, fmt.Errorf("rule %q: param must be an integer", s)
	}
	return ir.RuleSpec{Name: name, Param: n}, nil
}

func (p PlanDecl) failurePlan() connector.FailurePlan {
	return connector.FailurePlan{
		Reject:     p.Reject,
		Transient:  p.Transient,
		Persistent: p.Persistent,
		FetchError: p.FetchError,
	}
}

func (h *Harness) records(decls []RecordDecl) ([]ir.ChangeRecord, error) {
	out := make([]ir.ChangeRecord, 0, len(decls))
	for i, d := range decls {
		fields := make(ir.Fields, len(d.Fields))
		for _, k := range sortedKeys(d.Fields) {
			v, err := ir.FromAny(d.Fields[k])
			if err != nil {
				return nil, fmt.Errorf("records[%d].fields.%s: %w", i, k, err)
			}
			fields[k] = v
		}
		rec := ir.ChangeRecord{
			EntityID:       d.Entity,
			EntityType:     d.Type,
			Fields:         fields,
			ObservedAt:     testutil.Epoch.Add(d.Observed),
			SourceRevision: d.Revision,
			Deleted:        d.Deleted,
		}
		if len(d.Vector) > 0 {
			rec.Vector = ir.VersionVector(d.Vector)
		}
		if d.Entity != "" {
			h.entities[d.Entity] = true
		}
		out = append(out, rec)
	}
	return out, nil
}

func (h *Harness) prepare(step RunStep) error {
	for _, name := range sortedKeys(step.Plans) {
		h.connectors[name].SetPlan(step.Plans[name].failurePlan())
	}
	for _, name := range sortedKeys(step.Seed) {
		records, err := h.records(step.Seed[name])
		if err != nil {
			return fmt.Errorf("seed %s: %w", name, err)
		}
		h.connectors[name].Seed(records...)
	}
	return nil
}

// checkReport compares the set fields of want against a report.
func checkReport(got ir.Report, want ExpectReport) []string {
	var errs []string
	if want.State != "" && string(got.State) != want.State {
		errs = append(errs, fmt.Sprintf("state: expected %s, got %s", want.State, got.State))
	}
	counts := []struct {
		name string
		want *int
		got  int
	}{
		{"fetched", want.Fetched, got.Fetched},
		{"duplicates", want.Duplicates, got.Duplicates},
		{"validated", want.Validated, got.Validated},
		{"repaired", want.Repaired, got.Repaired},
		{"rejected", want.Rejected, got.Rejected},
		{"conflicts", want.Conflicts, got.Conflicted},
		{"committed", want.Committed, got.Committed},
		{"state_only", want.StateOnly, got.StateOnly},
		{"failed", want.Failed, got.Failed},
		{"recovered", want.Recovered, got.Recovered},
		{"reviews", want.Reviews, len(got.Reviews)},
		{"fetch_errors", want.FetchErrors, len(got.FetchErrors)},
	}
	for _, c := range counts {
		if c.want != nil && *c.want != c.got {
			errs = append(errs, fmt.Sprintf("%s: expected %d, got %d", c.name, *c.want, c.got))
		}
	}
	return errs
}
