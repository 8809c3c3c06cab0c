package harness

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"testing"

	"github.com/sebdah/goldie/v2"

	"github.com/roach88/syncd/internal/ir"
)

// summarize renders the reports and the final state as stable text: no
// hashes, no wall-clock times, every list sorted.
func (h *Harness) summarize(ctx context.Context, name string, reports []ir.Report) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "scenario %s\n", name)

	for i, r := range reports {
		fmt.Fprintf(&b, "run %d %s %s\n", i+1, r.RunID, r.State)
		fmt.Fprintf(&b, "  fetched=%d duplicates=%d validated=%d repaired=%d rejected=%d conflicts=%d committed=%d state_only=%d failed=%d recovered=%d reviews=%d fetch_errors=%d\n",
			r.Fetched, r.Duplicates, r.Validated, r.Repaired, r.Rejected, r.Conflicted,
			r.Committed, r.StateOnly, r.Failed, r.Recovered, len(r.Reviews), len(r.FetchErrors))
		for _, c := range r.Conflicts {
			losers := make([]string, len(c.Losers))
			for j, l := range c.Losers {
				losers[j] = l.Connector
			}
			sort.Strings(losers)
			fmt.Fprintf(&b, "  conflict %s.%s winner=%s strategy=%s value=%s losers=%s\n",
				c.EntityID, c.Field, c.Winner.Connector, c.Strategy, ir.FormatValue(c.WinningValue), strings.Join(losers, ","))
		}
		for _, rej := range r.Rejections {
			fmt.Fprintf(&b, "  rejected %s/%s: %s\n", rej.Record.Connector, rej.Record.EntityID, rej.Reason)
		}
		for _, fb := range r.FailedBatches {
			fmt.Fprintf(&b, "  failed %s records=%d: %s\n", fb.Connector, len(fb.Records), fb.Reason)
		}
		for _, rv := range r.Reviews {
			fmt.Fprintf(&b, "  review %s\n", rv.EntityID)
		}
		for _, fe := range r.FetchErrors {
			fmt.Fprintf(&b, "  fetch_error %s\n", fe.Connector)
		}
	}

	ids := sortedKeys(h.entities)
	entities, err := h.store.ReadEntities(ctx, ids)
	if err != nil {
		return "", err
	}
	for _, id := range ids {
		e, ok := entities[id]
		if !ok {
			continue
		}
		if e.Tombstoned {
			fmt.Fprintf(&b, "entity %s %s tombstoned\n", id, e.Type)
			continue
		}
		fmt.Fprintf(&b, "entity %s %s\n", id, e.Type)
		for _, field := range sortedKeys(e.Fields) {
			fs := e.Fields[field]
			fmt.Fprintf(&b, "  %s=%s from %s\n", field, ir.FormatValue(fs.Value), fs.SourceConnector)
		}
	}

	for _, name := range h.names {
		m := h.connectors[name]
		cursor, err := h.store.GetCursor(ctx, name)
		if err != nil {
			return "", err
		}
		fmt.Fprintf(&b, "connector %s cursor=%q applied=%d\n", name, cursor, len(m.Applied()))
		for _, id := range m.Entities() {
			if m.Deleted(id) {
				fmt.Fprintf(&b, "  %s deleted\n", id)
				continue
			}
			fields, _ := m.State(id)
			parts := make([]string, 0, len(fields))
			for _, k := range fields.SortedKeys() {
				parts = append(parts, k+"="+ir.FormatValue(fields[k]))
			}
			fmt.Fprintf(&b, "  %s %s\n", id, strings.Join(parts, " "))
		}
	}
	return b.String(), nil
}

// RunWithGolden executes a scenario and compares its summary against
// testdata/golden/{scenario.Name}.golden.
//
// To regenerate golden files, run:
//
//	go test ./internal/harness -update
//
// Returns the result so callers can also check Pass; a summary mismatch
// fails t through goldie.
func RunWithGolden(t *testing.T, scenario *Scenario) (*Result, error) {
	t.Helper()

	result, err := Run(scenario)
	if err != nil {
		return nil, err
	}
	AssertGolden(t, scenario.Name, result)
	return result, nil
}

// AssertGolden compares an existing result's summary against a golden file.
func AssertGolden(t *testing.T, name string, result *Result) {
	t.Helper()

	g := goldie.New(t,
		goldie.WithFixtureDir("testdata/golden"),
		goldie.WithNameSuffix(".golden"),
	)
	g.Assert(t, name, []byte(result.Summary))
}
