// Package schema compiles CUE entity definitions into ir.EntitySchema.
//
// A schema directory holds CUE files of one package declaring entities:
//
//	entity: contact: {
//		priority: default: ["crm", "mailer"]
//		priority: fields: email: ["mailer", "crm"]
//		fields: {
//			email: {type: "string", rules: ["trim", "lowercase", "email"]}
//			budget: {type: "number", min: 0, rules: [{name: "non_negative", default: 0}]}
//			stage: {type: "enum", values: ["lead", "customer"]}
//		}
//	}
package schema

import (
	"fmt"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/syncd/internal/ir"
)

// CompileEntity parses a CUE value into an EntitySchema.
//
// The CUE value should be the entity struct itself, e.g.:
//
//	ctx := cuecontext.New()
//	v := ctx.CompileString(`entity: contact: { ... }`)
//	s, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.contact")))
func CompileEntity(v cue.Value) (*ir.EntitySchema, error) {
	if err := v.Err(); err != nil {
		return nil, formatCUEError(err)
	}

	s := &ir.EntitySchema{Fields: make(map[string]ir.FieldSpec)}

	labels := v.Path().Selectors()
	if len(labels) > 0 {
		s.Name = labels[len(labels)-1].String()
	}

	fieldsVal := v.LookupPath(cue.ParsePath("fields"))
	if !fieldsVal.Exists() {
		return nil, &CompileError{
			Field:   "fields",
			Message: "fields are required",
			Pos:     v.Pos(),
		}
	}
	iter, err := fieldsVal.Fields()
	if err != nil {
		return nil, formatCUEError(err)
	}
	for iter.Next() {
		spec, err := parseField(iter.Label(), iter.Value())
		if err != nil {
			return nil, err
		}
		s.Fields[spec.Name] = spec
	}
	if len(s.Fields) == 0 {
		return nil, &CompileError{
			Field:   "fields",
			Message: "at least one field is required",
			Pos:     fieldsVal.Pos(),
		}
	}

	priorityVal := v.LookupPath(cue.ParsePath("priority"))
	if priorityVal.Exists() {
		s.Priority, err = parsePriority(priorityVal)
		if err != nil {
			return nil, err
		}
	}

	return s, nil
}

func parseField(name string, v cue.Value) (ir.FieldSpec, error) {
	spec := ir.FieldSpec{Name: name}

	typeVal := v.LookupPath(cue.ParsePath("type"))
	if !typeVal.Exists() {
		return spec, &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("field %s: type is required", name),
			Pos:     v.Pos(),
		}
	}
	typ, err := typeVal.String()
	if err != nil {
		return spec, formatCUEError(err)
	}
	spec.Type = ir.FieldType(typ)
	if !ir.ValidFieldTypes[spec.Type] {
		return spec, &CompileError{
			Field:   "type",
			Message: fmt.Sprintf("field %s: unknown type %q", name, typ),
			Pos:     typeVal.Pos(),
		}
	}

	for _, bound := range []struct {
		label string
		dst   **float64
	}{
		{"min", &spec.Min},
		{"max", &spec.Max},
	} {
		bv := v.LookupPath(cue.ParsePath(bound.label))
		if !bv.Exists() {
			continue
		}
		f, err := bv.Float64()
		if err != nil {
			return spec, formatCUEError(err)
		}
		*bound.dst = &f
	}

	valuesVal := v.LookupPath(cue.ParsePath("values"))
	if valuesVal.Exists() {
		spec.Values, err = parseStrings(valuesVal)
		if err != nil {
			return spec, err
		}
	}

	rulesVal := v.LookupPath(cue.ParsePath("rules"))
	if rulesVal.Exists() {
		spec.Rules, err = parseRules(name, rulesVal)
		if err != nil {
			return spec, err
		}
	}

	return spec, nil
}

// parseRules accepts a list whose elements are rule names or
// {name, param?, default?} structs.
func parseRules(field string, v cue.Value) ([]ir.RuleSpec, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}

	var rules []ir.RuleSpec
	for iter.Next() {
		rv := iter.Value()
		if name, err := rv.String(); err == nil {
			rules = append(rules, ir.RuleSpec{Name: name})
			continue
		}

		nameVal := rv.LookupPath(cue.ParsePath("name"))
		if !nameVal.Exists() {
			return nil, &CompileError{
				Field:   "rules",
				Message: fmt.Sprintf("field %s: rule must be a string or an object with a name", field),
				Pos:     rv.Pos(),
			}
		}
		name, err := nameVal.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		rule := ir.RuleSpec{Name: name}

		if pv := rv.LookupPath(cue.ParsePath("param")); pv.Exists() {
			p, err := pv.Int64()
			if err != nil {
				return nil, formatCUEError(err)
			}
			rule.Param = int(p)
		}
		if dv := rv.LookupPath(cue.ParsePath("default")); dv.Exists() {
			rule.Default, err = decodeValue(dv)
			if err != nil {
				return nil, err
			}
		}
		rules = append(rules, rule)
	}
	return rules, nil
}

func parsePriority(v cue.Value) (ir.Priority, error) {
	var p ir.Priority

	if dv := v.LookupPath(cue.ParsePath("default")); dv.Exists() {
		order, err := parseStrings(dv)
		if err != nil {
			return p, err
		}
		p.Default = order
	}

	if fv := v.LookupPath(cue.ParsePath("fields")); fv.Exists() {
		iter, err := fv.Fields()
		if err != nil {
			return p, formatCUEError(err)
		}
		p.Fields = make(map[string][]string)
		for iter.Next() {
			order, err := parseStrings(iter.Value())
			if err != nil {
				return p, err
			}
			p.Fields[iter.Label()] = order
		}
	}
	return p, nil
}

func parseStrings(v cue.Value) ([]string, error) {
	iter, err := v.List()
	if err != nil {
		return nil, formatCUEError(err)
	}
	var out []string
	for iter.Next() {
		s, err := iter.Value().String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		out = append(out, s)
	}
	return out, nil
}

// decodeValue converts a concrete CUE scalar to an ir.Value.
func decodeValue(v cue.Value) (ir.Value, error) {
	switch v.Kind() {
	case cue.NullKind:
		return ir.Null{}, nil
	case cue.StringKind:
		s, err := v.String()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.String(s), nil
	case cue.IntKind:
		i, err := v.Int64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Int(i), nil
	case cue.FloatKind:
		f, err := v.Float64()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Float(f), nil
	case cue.BoolKind:
		b, err := v.Bool()
		if err != nil {
			return nil, formatCUEError(err)
		}
		return ir.Bool(b), nil
	default:
		return nil, &CompileError{
			Field:   "default",
			Message: fmt.Sprintf("default must be a concrete scalar, got %v", v.IncompleteKind()),
			Pos:     v.Pos(),
		}
	}
}

// CompileError represents a compilation error with source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s",
			e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(),
			e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// formatCUEError extracts position info from CUE errors.
func formatCUEError(err error) error {
	if err == nil {
		return nil
	}

	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}

	firstErr := errs[0]
	positions := errors.Positions(firstErr)
	if len(positions) > 0 {
		return &CompileError{
			Field:   "cue",
			Message: firstErr.Error(),
			Pos:     positions[0],
		}
	}

	return err
}
