package harness

import (
	"context"
	"fmt"
	"strings"

	"github.com/roach88/syncd/internal/ir"
)

// AssertionError is returned when an assertion fails.
type AssertionError struct {
	Type     string
	Expected string
	Actual   string
}

// Error implements the error interface.
func (e *AssertionError) Error() string {
	return fmt.Sprintf("%s: expected %s, got %s", e.Type, e.Expected, e.Actual)
}

func (h *Harness) assert(ctx context.Context, a Assertion) error {
	switch a.Type {
	case AssertEntity:
		return h.assertEntity(ctx, a)
	case AssertConnectorState:
		return h.assertConnectorState(a)
	case AssertCursor:
		return h.assertCursor(ctx, a)
	case AssertApplied:
		return h.assertApplied(a)
	case AssertConflicts:
		return h.assertConflicts(ctx, a)
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
}

func (h *Harness) assertEntity(ctx context.Context, a Assertion) error {
	e, ok, err := h.store.ReadEntity(ctx, a.Entity)
	if err != nil {
		return err
	}
	if !ok {
		return &AssertionError{Type: a.Type, Expected: "entity " + a.Entity, Actual: "not stored"}
	}
	if a.Tombstoned != nil && e.Tombstoned != *a.Tombstoned {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s tombstoned=%t", a.Entity, *a.Tombstoned),
			Actual:   fmt.Sprintf("tombstoned=%t", e.Tombstoned),
		}
	}
	return matchFields(a.Type, a.Entity, e.Values(), a.Expect)
}

func (h *Harness) assertConnectorState(a Assertion) error {
	m := h.connectors[a.Connector]
	if a.Tombstoned != nil && m.Deleted(a.Entity) != *a.Tombstoned {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s/%s deleted=%t", a.Connector, a.Entity, *a.Tombstoned),
			Actual:   fmt.Sprintf("deleted=%t", m.Deleted(a.Entity)),
		}
	}
	if len(a.Expect) == 0 {
		return nil
	}
	got, ok := m.State(a.Entity)
	if !ok {
		return &AssertionError{Type: a.Type, Expected: a.Connector + " holds " + a.Entity, Actual: "not held"}
	}
	return matchFields(a.Type, a.Connector+"/"+a.Entity, got, a.Expect)
}

func (h *Harness) assertCursor(ctx context.Context, a Assertion) error {
	got, err := h.store.GetCursor(ctx, a.Connector)
	if err != nil {
		return err
	}
	if got != *a.Value {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%s cursor %q", a.Connector, *a.Value),
			Actual:   fmt.Sprintf("%q", got),
		}
	}
	return nil
}

func (h *Harness) assertApplied(a Assertion) error {
	got := len(h.connectors[a.Connector].Applied())
	if got != *a.Count {
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d records applied at %s", *a.Count, a.Connector),
			Actual:   fmt.Sprintf("%d", got),
		}
	}
	return nil
}

func (h *Harness) assertConflicts(ctx context.Context, a Assertion) error {
	conflicts, err := h.store.ListConflicts(ctx, a.Entity)
	if err != nil {
		return err
	}
	if len(conflicts) != *a.Count {
		scope := "in total"
		if a.Entity != "" {
			scope = "for " + a.Entity
		}
		return &AssertionError{
			Type:     a.Type,
			Expected: fmt.Sprintf("%d conflicts %s", *a.Count, scope),
			Actual:   fmt.Sprintf("%d", len(conflicts)),
		}
	}
	return nil
}

// matchFields checks want as a subset of got. A nil expected value means
// the field must be absent.
func matchFields(typ, subject string, got ir.Fields, want map[string]any) error {
	var mismatches []string
	for _, k := range sortedKeys(want) {
		if want[k] == nil {
			if v, present := got[k]; present {
				mismatches = append(mismatches, fmt.Sprintf("%s=%s (want absent)", k, ir.FormatValue(v)))
			}
			continue
		}
		w, err := ir.FromAny(want[k])
		if err != nil {
			return fmt.Errorf("expect.%s: %w", k, err)
		}
		if !ir.Equal(got[k], w) {
			mismatches = append(mismatches, fmt.Sprintf("%s=%s (want %s)", k, ir.FormatValue(got[k]), ir.FormatValue(w)))
		}
	}
	if len(mismatches) > 0 {
		return &AssertionError{
			Type:     typ,
			Expected: "fields of " + subject,
			Actual:   strings.Join(mismatches, ", "),
		}
	}
	return nil
}
