// Package validate screens change records against entity schemas and domain
// rules.
//
// Every record ends up in one of three classes:
//   - Valid: passed unchanged
//   - Repaired: passed with safe fixes (coerced types, dropped unknown fields,
//     normalized values, defaults for failed rules), each listed in Notes
//   - Rejected: never passed downstream; Reason says why
//
// The validator returns a new record and never modifies its input.
package validate

import (
	"context"
	"fmt"

	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/ir"
	"github.com/roach88/syncd/internal/monitor"
)

// Status classifies a validated record.
type Status string

const (
	Valid    Status = "valid"
	Repaired Status = "repaired"
	Rejected Status = "rejected"
)

// Result is the outcome of Validate.
type Result struct {
	Status Status
	Record ir.ChangeRecord // Zero when rejected
	Notes  []string
	Reason string // Set when rejected
}

// Validator checks records against a fixed set of schemas and rules.
// It is safe for concurrent use.
type Validator struct {
	schemas map[string]ir.EntitySchema
	rules   RuleSet
}

// New creates a validator. rules may be nil.
func New(schemas []ir.EntitySchema, rules RuleSet) *Validator {
	m := make(map[string]ir.EntitySchema, len(schemas))
	for _, s := range schemas {
		m[s.Name] = s
	}
	if rules == nil {
		rules = RuleTable{}
	}
	return &Validator{schemas: m, rules: rules}
}

// Validate classifies rec as an update to an existing entity and emits
// sync.record.validated. Rules only see the fields rec carries.
func (v *Validator) Validate(ctx context.Context, rec ir.ChangeRecord) Result {
	return v.emit(ctx, rec, v.validate(rec, false))
}

// ValidateNew is Validate for a record that creates its entity. A required
// rule on a field rec does not carry fails, and its default fills the field.
func (v *Validator) ValidateNew(ctx context.Context, rec ir.ChangeRecord) Result {
	return v.emit(ctx, rec, v.validate(rec, true))
}

func (v *Validator) emit(ctx context.Context, rec ir.ChangeRecord, res Result) Result {

	capitan.Emit(ctx, monitor.RecordValidated,
		monitor.KeyConnector.Field(rec.Connector),
		monitor.KeyEntity.Field(rec.EntityID),
		monitor.KeyOutcome.Field(string(res.Status)),
		monitor.KeyReason.Field(res.Reason),
		monitor.KeyCount.Field(len(res.Notes)),
	)
	return res
}

func (v *Validator) validate(rec ir.ChangeRecord, creates bool) Result {
	schema, ok := v.schemas[rec.EntityType]
	if !ok {
		return reject(fmt.Sprintf("unknown entity type %q", rec.EntityType))
	}
	if rec.EntityID == "" {
		return reject("missing entity id")
	}

	out := rec.Clone()
	if out.Deleted {
		// A delete carries no field values worth checking.
		return Result{Status: Valid, Record: out}
	}

	var notes []string
	fields := make(ir.Fields, len(out.Fields))
	for _, name := range out.Fields.SortedKeys() {
		val := out.Fields[name]
		spec, declared := schema.Fields[name]
		if !declared {
			notes = append(notes, fmt.Sprintf("%s: unknown field dropped", name))
			continue
		}
		coerced, repaired, err := checkType(spec, val)
		if err != nil {
			return reject(fmt.Sprintf("%s: %v", name, err))
		}
		if repaired {
			notes = append(notes, fmt.Sprintf("%s: coerced %s to %s", name, ir.FormatValue(val), ir.FormatValue(coerced)))
		}
		fields[name] = coerced
	}

	for _, rule := range v.rules.Rules(rec.EntityType) {
		val, present := fields[rule.Field]
		if !present && creates && rule.Name == "required" {
			if rule.Default == nil {
				return reject(fmt.Sprintf("%s: %s: %v", rule.Field, rule.Name, errEmpty))
			}
			notes = append(notes, fmt.Sprintf("%s: missing, default %s applied",
				rule.Field, ir.FormatValue(rule.Default)))
			fields[rule.Field] = rule.Default
			continue
		}
		if !present || ir.IsTombstone(val) || rule.Check == nil {
			continue
		}
		next, err := rule.Check(val, rule.Param)
		if err != nil {
			if rule.Default == nil {
				return reject(fmt.Sprintf("%s: %s: %v", rule.Field, rule.Name, err))
			}
			notes = append(notes, fmt.Sprintf("%s: %s failed (%v), default %s applied",
				rule.Field, rule.Name, err, ir.FormatValue(rule.Default)))
			fields[rule.Field] = rule.Default
			continue
		}
		if !ir.Equal(next, val) {
			notes = append(notes, fmt.Sprintf("%s: %s changed %s to %s",
				rule.Field, rule.Name, ir.FormatValue(val), ir.FormatValue(next)))
			fields[rule.Field] = next
		}
	}

	out.Fields = fields
	if len(notes) > 0 {
		return Result{Status: Repaired, Record: out, Notes: notes}
	}
	return Result{Status: Valid, Record: out}
}

func reject(reason string) Result {
	return Result{Status: Rejected, Reason: reason}
}

// Err returns the result as a ValidationError, or nil unless it was rejected.
func (r Result) Err(rec ir.ChangeRecord) error {
	if r.Status != Rejected {
		return nil
	}
	return ir.NewValidationError(rec.EntityID, rec.Connector, r.Reason)
}
