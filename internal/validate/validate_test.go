package validate

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/ir"
)

func floatPtr(f float64) *float64 { return &f }

func contactSchema() ir.EntitySchema {
	return ir.EntitySchema{
		Name: "contact",
		Fields: map[string]ir.FieldSpec{
			"email": {Name: "email", Type: ir.TypeString, Rules: []ir.RuleSpec{
				{Name: "trim"}, {Name: "lowercase"}, {Name: "email"},
			}},
			"name":   {Name: "name", Type: ir.TypeString, Rules: []ir.RuleSpec{{Name: "nfc"}, {Name: "max_length", Param: 5}}},
			"budget": {Name: "budget", Type: ir.TypeNumber, Max: floatPtr(1000), Rules: []ir.RuleSpec{{Name: "non_negative", Default: ir.Int(0)}}},
			"visits": {Name: "visits", Type: ir.TypeInteger, Min: floatPtr(0)},
			"opted":  {Name: "opted", Type: ir.TypeBool},
			"stage":  {Name: "stage", Type: ir.TypeEnum, Values: []string{"lead", "customer"}},
			"seen":   {Name: "seen", Type: ir.TypeTimestamp},
		},
	}
}

func newTestValidator(t *testing.T) *Validator {
	t.Helper()
	schemas := []ir.EntitySchema{contactSchema()}
	rules, err := SchemaRules(schemas, Builtins())
	require.NoError(t, err)
	return New(schemas, rules)
}

func record(fields ir.Fields) ir.ChangeRecord {
	return ir.ChangeRecord{
		EntityID:       "e1",
		EntityType:     "contact",
		Connector:      "crm",
		Fields:         fields,
		SourceRevision: "r1",
	}
}

func TestValidate_Valid(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(context.Background(), record(ir.Fields{
		"email":  ir.String("x@y.com"),
		"budget": ir.Float(12.5),
		"visits": ir.Int(3),
		"opted":  ir.Bool(true),
		"stage":  ir.String("lead"),
		"seen":   ir.String("2024-05-01T10:00:00Z"),
	}))

	require.Equal(t, Valid, res.Status, res.Reason)
	assert.Empty(t, res.Notes)
	assert.Equal(t, ir.String("x@y.com"), res.Record.Fields["email"])
}

func TestValidate_Repairs(t *testing.T) {
	tests := []struct {
		name  string
		field string
		in    ir.Value
		want  ir.Value
	}{
		{"numeric string to number", "budget", ir.String("42.5"), ir.Float(42.5)},
		{"integral string to integer", "visits", ir.String("7"), ir.Int(7)},
		{"integral float to integer", "visits", ir.Float(7), ir.Int(7)},
		{"string to bool", "opted", ir.String("TRUE"), ir.Bool(true)},
		{"enum case", "stage", ir.String("Customer"), ir.String("customer")},
		{"unix seconds to timestamp", "seen", ir.Int(0), ir.String("1970-01-01T00:00:00Z")},
		{"int to string", "name", ir.Int(12), ir.String("12")},
		{"email normalized", "email", ir.String("  X@Y.com "), ir.String("x@y.com")},
		{"negative budget defaults", "budget", ir.Int(-5), ir.Int(0)},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := v.Validate(context.Background(), record(ir.Fields{tt.field: tt.in}))
			require.Equal(t, Repaired, res.Status, res.Reason)
			assert.Equal(t, tt.want, res.Record.Fields[tt.field])
			assert.NotEmpty(t, res.Notes)
		})
	}
}

func TestValidate_Rejects(t *testing.T) {
	tests := []struct {
		name   string
		fields ir.Fields
		reason string
	}{
		{"bad email", ir.Fields{"email": ir.String("not-an-email")}, "email"},
		{"number above max", ir.Fields{"budget": ir.Int(5000)}, "above maximum"},
		{"integer below min", ir.Fields{"visits": ir.Int(-1)}, "below minimum"},
		{"fractional integer", ir.Fields{"visits": ir.Float(1.5)}, "expected integer"},
		{"bool mismatch", ir.Fields{"opted": ir.String("maybe")}, "expected bool"},
		{"enum member", ir.Fields{"stage": ir.String("vip")}, "not one of"},
		{"timestamp format", ir.Fields{"seen": ir.String("yesterday")}, "RFC 3339"},
		{"string from float", ir.Fields{"name": ir.Float(1.5)}, "expected string"},
		{"too long", ir.Fields{"name": ir.String("abcdef")}, "max_length"},
	}

	v := newTestValidator(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := record(tt.fields)
			res := v.Validate(context.Background(), rec)
			require.Equal(t, Rejected, res.Status)
			assert.Contains(t, res.Reason, tt.reason)
			assert.Empty(t, res.Record.EntityID, "rejected records carry no record")

			err := res.Err(rec)
			require.Error(t, err)
			assert.True(t, ir.IsValidation(err))
		})
	}
}

func TestValidate_UnknownFieldDropped(t *testing.T) {
	v := newTestValidator(t)
	in := record(ir.Fields{"email": ir.String("x@y.com"), "shoe_size": ir.Int(44)})

	res := v.Validate(context.Background(), in)

	require.Equal(t, Repaired, res.Status)
	assert.NotContains(t, res.Record.Fields, "shoe_size")
	assert.Equal(t, []string{"shoe_size: unknown field dropped"}, res.Notes)
	assert.Contains(t, in.Fields, "shoe_size", "input record is not modified")
}

func TestValidate_UnknownEntityType(t *testing.T) {
	v := newTestValidator(t)
	rec := record(ir.Fields{})
	rec.EntityType = "invoice"

	res := v.Validate(context.Background(), rec)
	assert.Equal(t, Rejected, res.Status)
	assert.Contains(t, res.Reason, "unknown entity type")
}

func TestValidate_NullAndTombstonePassTypeChecks(t *testing.T) {
	v := newTestValidator(t)
	res := v.Validate(context.Background(), record(ir.Fields{
		"budget": ir.Null{},
		"stage":  ir.Tombstone{},
	}))
	assert.Equal(t, Valid, res.Status, res.Reason)
}

func TestValidate_DeletedSkipsFieldChecks(t *testing.T) {
	v := newTestValidator(t)
	rec := record(ir.Fields{"budget": ir.String("garbage")})
	rec.Deleted = true

	res := v.Validate(context.Background(), rec)
	assert.Equal(t, Valid, res.Status)
}

func TestSchemaRules_UnknownRule(t *testing.T) {
	schema := contactSchema()
	spec := schema.Fields["name"]
	spec.Rules = []ir.RuleSpec{{Name: "palindrome"}}
	schema.Fields["name"] = spec

	_, err := SchemaRules([]ir.EntitySchema{schema}, Builtins())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "palindrome")
}

func TestRuleSet_Pluggable(t *testing.T) {
	schemas := []ir.EntitySchema{contactSchema()}
	custom := RuleTable{"contact": {{
		Name:  "no_test_domains",
		Field: "email",
		Check: func(v ir.Value, _ int) (ir.Value, error) {
			if s, ok := v.(ir.String); ok && s == "a@test.com" {
				return v, errEmail
			}
			return v, nil
		},
	}}}

	v := New(schemas, custom)
	res := v.Validate(context.Background(), record(ir.Fields{"email": ir.String("a@test.com")}))
	assert.Equal(t, Rejected, res.Status)
	assert.Contains(t, res.Reason, "no_test_domains")
}

func TestValidateNew_RequiredField(t *testing.T) {
	schemas := []ir.EntitySchema{{
		Name: "campaign",
		Fields: map[string]ir.FieldSpec{
			"name":   {Name: "name", Type: ir.TypeString, Rules: []ir.RuleSpec{{Name: "required"}}},
			"status": {Name: "status", Type: ir.TypeString, Rules: []ir.RuleSpec{{Name: "required", Default: ir.String("draft")}}},
			"budget": {Name: "budget", Type: ir.TypeNumber},
		},
	}}
	rules, err := SchemaRules(schemas, Builtins())
	require.NoError(t, err)
	v := New(schemas, rules)

	rec := record(ir.Fields{"budget": ir.Int(10)})
	rec.EntityType = "campaign"
	ctx := context.Background()

	res := v.ValidateNew(ctx, rec)
	assert.Equal(t, Rejected, res.Status)
	assert.Equal(t, "name: required: value is required", res.Reason)

	rec.Fields["name"] = ir.String("spring")
	res = v.ValidateNew(ctx, rec)
	require.Equal(t, Repaired, res.Status)
	assert.Equal(t, ir.String("draft"), res.Record.Fields["status"])
	assert.Equal(t, []string{`status: missing, default "draft" applied`}, res.Notes)

	// Updates to an existing entity may leave required fields out.
	delete(rec.Fields, "name")
	res = v.Validate(ctx, rec)
	assert.Equal(t, Valid, res.Status)
	_, ok := res.Record.Fields["status"]
	assert.False(t, ok)

	del := rec.Clone()
	del.Deleted = true
	del.Fields = nil
	assert.Equal(t, Valid, v.ValidateNew(ctx, del).Status)
}

func TestBuiltins(t *testing.T) {
	reg := Builtins()

	out, err := reg["nfc"](ir.String("e\u0301"), 0)
	require.NoError(t, err)
	assert.Equal(t, ir.String("\u00e9"), out)

	_, err = reg["required"](ir.String("  "), 0)
	assert.Error(t, err)

	_, err = reg["required"](ir.Null{}, 0)
	assert.Error(t, err)

	_, err = reg["non_negative"](ir.Float(-0.5), 0)
	assert.Error(t, err)

	_, err = reg["max_length"](ir.String("h\u00e9llo"), 5)
	assert.NoError(t, err, "length counts runes")
}
