package validate

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/go-playground/validator/v10"
	"golang.org/x/text/unicode/norm"

	"github.com/roach88/syncd/internal/ir"
)

// RuleFunc checks one field value. It returns the (possibly normalized)
// value, or an error when the value breaks the rule.
type RuleFunc func(v ir.Value, param int) (ir.Value, error)

// Rule binds a RuleFunc to a field of an entity type.
type Rule struct {
	Name    string
	Field   string
	Param   int
	Default ir.Value // Applied when Check fails; nil means reject
	Check   RuleFunc
}

// RuleSet supplies the ordered rules for an entity type.
type RuleSet interface {
	Rules(entityType string) []Rule
}

// Registry maps rule names to implementations.
type Registry map[string]RuleFunc

// RuleTable is a static RuleSet keyed by entity type.
type RuleTable map[string][]Rule

// Rules implements RuleSet.
func (t RuleTable) Rules(entityType string) []Rule {
	return t[entityType]
}

var (
	errNotString = errors.New("not a string")
	errNegative  = errors.New("must not be negative")
	errEmpty     = errors.New("value is required")
	errEmail     = errors.New("not a valid email address")
)

// emailCheck reuses the validator's email grammar.
var emailCheck = validator.New()

// Builtins returns the built-in rules.
//
//	email         value must be an email address
//	non_negative  numeric value must be >= 0
//	trim          strip surrounding whitespace
//	lowercase     lowercase the value
//	nfc           Unicode NFC normalization
//	max_length    at most param characters
//	required      value must not be null or empty
func Builtins() Registry {
	return Registry{
		"email":        ruleEmail,
		"non_negative": ruleNonNegative,
		"trim":         stringTransform(strings.TrimSpace),
		"lowercase":    stringTransform(strings.ToLower),
		"nfc":          stringTransform(norm.NFC.String),
		"max_length":   ruleMaxLength,
		"required":     ruleRequired,
	}
}

// SchemaRules builds a RuleTable from the rules declared on schema fields.
// Rules on a field keep their declared order; fields are visited in name
// order.
func SchemaRules(schemas []ir.EntitySchema, reg Registry) (RuleTable, error) {
	table := make(RuleTable, len(schemas))
	for _, s := range schemas {
		names := make([]string, 0, len(s.Fields))
		for name := range s.Fields {
			names = append(names, name)
		}
		sort.Strings(names)

		var rules []Rule
		for _, field := range names {
			for _, spec := range s.Fields[field].Rules {
				fn, ok := reg[spec.Name]
				if !ok {
					return nil, fmt.Errorf("entity %s field %s: unknown rule %q", s.Name, field, spec.Name)
				}
				rules = append(rules, Rule{
					Name:    spec.Name,
					Field:   field,
					Param:   spec.Param,
					Default: spec.Default,
					Check:   fn,
				})
			}
		}
		table[s.Name] = rules
	}
	return table, nil
}

func stringTransform(fn func(string) string) RuleFunc {
	return func(v ir.Value, _ int) (ir.Value, error) {
		s, ok := v.(ir.String)
		if !ok {
			return v, nil
		}
		return ir.String(fn(string(s))), nil
	}
}

func ruleEmail(v ir.Value, _ int) (ir.Value, error) {
	switch val := v.(type) {
	case ir.Null:
		return v, nil
	case ir.String:
		if err := emailCheck.Var(string(val), "email"); err != nil {
			return v, errEmail
		}
		return v, nil
	default:
		return v, errNotString
	}
}

func ruleNonNegative(v ir.Value, _ int) (ir.Value, error) {
	switch val := v.(type) {
	case ir.Int:
		if val < 0 {
			return v, errNegative
		}
	case ir.Float:
		if val < 0 {
			return v, errNegative
		}
	}
	return v, nil
}

func ruleMaxLength(v ir.Value, param int) (ir.Value, error) {
	s, ok := v.(ir.String)
	if !ok {
		return v, nil
	}
	if n := utf8.RuneCountInString(string(s)); n > param {
		return v, fmt.Errorf("length %d exceeds %d", n, param)
	}
	return v, nil
}

func ruleRequired(v ir.Value, _ int) (ir.Value, error) {
	switch val := v.(type) {
	case ir.Null:
		return v, errEmpty
	case ir.String:
		if strings.TrimSpace(string(val)) == "" {
			return v, errEmpty
		}
	}
	return v, nil
}
