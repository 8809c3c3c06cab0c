package ir

// FieldType is the declared semantic type of an entity field.
type FieldType string

const (
	TypeString    FieldType = "string"
	TypeNumber    FieldType = "number"
	TypeInteger   FieldType = "integer"
	TypeBool      FieldType = "bool"
	TypeEnum      FieldType = "enum"
	TypeTimestamp FieldType = "timestamp"
)

// ValidFieldTypes defines allowed field types.
var ValidFieldTypes = map[FieldType]bool{
	TypeString:    true,
	TypeNumber:    true,
	TypeInteger:   true,
	TypeBool:      true,
	TypeEnum:      true,
	TypeTimestamp: true,
}

// EntitySchema is a compiled entity type definition.
type EntitySchema struct {
	Name     string               `json:"name"`
	Fields   map[string]FieldSpec `json:"fields"`
	Priority Priority             `json:"priority"`
}

// FieldSpec declares one field of an entity type.
type FieldSpec struct {
	Name   string     `json:"name"`
	Type   FieldType  `json:"type"`
	Min    *float64   `json:"min,omitempty"`
	Max    *float64   `json:"max,omitempty"`
	Values []string   `json:"values,omitempty"` // enum members
	Rules  []RuleSpec `json:"rules,omitempty"`
}

// RuleSpec attaches a domain rule to a field. Default, when set, repairs the
// field if the rule fails.
type RuleSpec struct {
	Name    string `json:"name"`
	Param   int    `json:"param,omitempty"` // e.g. max_length
	Default Value  `json:"-"`
}

// Priority is the operator's connector ordering for conflict tie-breaks.
// Connectors earlier in a list win; unlisted connectors rank last.
type Priority struct {
	Default []string            `json:"default,omitempty"`
	Fields  map[string][]string `json:"fields,omitempty"`
}

// For returns the connector order that applies to field.
func (p Priority) For(field string) []string {
	if order, ok := p.Fields[field]; ok {
		return order
	}
	return p.Default
}

// Override returns p with every non-empty part of o replacing p's.
func (p Priority) Override(o Priority) Priority {
	out := Priority{Default: p.Default, Fields: make(map[string][]string, len(p.Fields)+len(o.Fields))}
	for k, v := range p.Fields {
		out.Fields[k] = v
	}
	if len(o.Default) > 0 {
		out.Default = o.Default
	}
	for k, v := range o.Fields {
		out.Fields[k] = v
	}
	return out
}
