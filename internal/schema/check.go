package schema

import (
	"fmt"
	"sort"

	"github.com/roach88/syncd/internal/ir"
)

// Validation error codes (E200-E299)
const (
	ErrEntityNoFields     = "E201" // at least one field required
	ErrInvalidFieldType   = "E202" // unknown field type
	ErrEnumNoValues       = "E203" // enum field without values
	ErrInvalidRange       = "E204" // min greater than max, or range on a non-numeric field
	ErrUnknownRule        = "E205" // rule not in the registry
	ErrInvalidPriority    = "E206" // priority names an unknown field or repeats a connector
	ErrInvalidRuleDefault = "E207" // rule default does not fit the field type
)

// ValidationError represents a schema validation error.
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code"`
	Line    int    `json:"line,omitempty"`
}

// Error implements the error interface.
func (e ValidationError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("[%s] line %d: %s: %s", e.Code, e.Line, e.Field, e.Message)
	}
	return fmt.Sprintf("[%s] %s: %s", e.Code, e.Field, e.Message)
}

// Check validates a compiled schema. knownRules lists the rule names the
// validator can run. Returns all errors found (does not fail-fast).
func Check(s *ir.EntitySchema, knownRules map[string]bool) []ValidationError {
	var errs []ValidationError
	add := func(field, code, format string, args ...any) {
		errs = append(errs, ValidationError{
			Field:   s.Name + "." + field,
			Message: fmt.Sprintf(format, args...),
			Code:    code,
		})
	}

	if len(s.Fields) == 0 {
		add("fields", ErrEntityNoFields, "at least one field is required")
	}

	names := make([]string, 0, len(s.Fields))
	for name := range s.Fields {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		f := s.Fields[name]
		if !ir.ValidFieldTypes[f.Type] {
			add(name, ErrInvalidFieldType, "unknown type %q", f.Type)
		}
		if f.Type == ir.TypeEnum && len(f.Values) == 0 {
			add(name, ErrEnumNoValues, "enum field needs at least one value")
		}
		if f.Min != nil || f.Max != nil {
			if f.Type != ir.TypeNumber && f.Type != ir.TypeInteger {
				add(name, ErrInvalidRange, "min/max only apply to number and integer fields")
			} else if f.Min != nil && f.Max != nil && *f.Min > *f.Max {
				add(name, ErrInvalidRange, "min %v is greater than max %v", *f.Min, *f.Max)
			}
		}
		for _, r := range f.Rules {
			if knownRules != nil && !knownRules[r.Name] {
				add(name, ErrUnknownRule, "unknown rule %q", r.Name)
			}
			if r.Default != nil && !defaultFits(f, r.Default) {
				add(name, ErrInvalidRuleDefault, "rule %s default %s does not fit type %s",
					r.Name, ir.FormatValue(r.Default), f.Type)
			}
		}
	}

	checkOrder := func(field string, order []string) {
		seen := make(map[string]bool, len(order))
		for _, c := range order {
			if seen[c] {
				add(field, ErrInvalidPriority, "connector %q listed twice", c)
			}
			seen[c] = true
		}
	}
	checkOrder("priority.default", s.Priority.Default)

	prioFields := make([]string, 0, len(s.Priority.Fields))
	for name := range s.Priority.Fields {
		prioFields = append(prioFields, name)
	}
	sort.Strings(prioFields)
	for _, name := range prioFields {
		if _, ok := s.Fields[name]; !ok {
			add("priority.fields."+name, ErrInvalidPriority, "priority for undeclared field %q", name)
		}
		checkOrder("priority.fields."+name, s.Priority.Fields[name])
	}

	return errs
}

func defaultFits(f ir.FieldSpec, v ir.Value) bool {
	switch v.(type) {
	case ir.Null:
		return true
	case ir.String:
		switch f.Type {
		case ir.TypeString, ir.TypeTimestamp:
			return true
		case ir.TypeEnum:
			for _, allowed := range f.Values {
				if ir.Equal(v, ir.String(allowed)) {
					return true
				}
			}
		}
		return false
	case ir.Int:
		return f.Type == ir.TypeNumber || f.Type == ir.TypeInteger
	case ir.Float:
		return f.Type == ir.TypeNumber
	case ir.Bool:
		return f.Type == ir.TypeBool
	default:
		return false
	}
}
