package schema

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/syncd/internal/ir"
)

var testRules = map[string]bool{
	"email": true, "trim": true, "lowercase": true, "nfc": true,
	"max_length": true, "required": true, "non_negative": true,
}

func TestCompileEntityBasic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		entity: contact: {
			priority: default: ["crm", "mailer"]
			priority: fields: email: ["mailer"]
			fields: {
				email: {type: "string", rules: ["trim", {name: "max_length", param: 80}]}
				budget: {type: "number", min: 0, max: 10.5, rules: [{name: "non_negative", default: 0}]}
				stage: {type: "enum", values: ["lead", "customer"]}
			}
		}
	`)
	require.NoError(t, v.Err())

	s, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.contact")))
	require.NoError(t, err)

	assert.Equal(t, "contact", s.Name)
	require.Len(t, s.Fields, 3)

	email := s.Fields["email"]
	assert.Equal(t, ir.TypeString, email.Type)
	assert.Equal(t, []ir.RuleSpec{{Name: "trim"}, {Name: "max_length", Param: 80}}, email.Rules)

	budget := s.Fields["budget"]
	require.NotNil(t, budget.Min)
	require.NotNil(t, budget.Max)
	assert.Equal(t, 0.0, *budget.Min)
	assert.Equal(t, 10.5, *budget.Max)
	require.Len(t, budget.Rules, 1)
	assert.Equal(t, ir.Int(0), budget.Rules[0].Default)

	assert.Equal(t, []string{"lead", "customer"}, s.Fields["stage"].Values)
	assert.Equal(t, []string{"crm", "mailer"}, s.Priority.Default)
	assert.Equal(t, []string{"mailer"}, s.Priority.For("email"))
	assert.Equal(t, []string{"crm", "mailer"}, s.Priority.For("stage"))
}

func TestCompileEntityMissingFields(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`entity: empty: { priority: default: ["a"] }`)
	require.NoError(t, v.Err())

	_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.empty")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fields are required")
}

func TestCompileEntityUnknownType(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
entity: bad: {
	fields: size: {type: "float"}
}
`, cue.Filename("bad.cue"))
	require.NoError(t, v.Err())

	_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.bad")))
	require.Error(t, err)

	var cErr *CompileError
	require.True(t, errors.As(err, &cErr))
	assert.Equal(t, "type", cErr.Field)
	assert.Contains(t, cErr.Message, `unknown type "float"`)
	assert.True(t, cErr.Pos.IsValid(), "compile errors carry a position")
	assert.Equal(t, 3, cErr.Pos.Line())
}

func TestCompileEntityBadRule(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		entity: bad: {
			fields: email: {type: "string", rules: [{param: 3}]}
		}
	`)
	require.NoError(t, v.Err())

	_, err := CompileEntity(v.LookupPath(cue.ParsePath("entity.bad")))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rule must be a string or an object with a name")
}

func TestCheck(t *testing.T) {
	lo, hi := 10.0, 1.0
	s := &ir.EntitySchema{
		Name: "contact",
		Fields: map[string]ir.FieldSpec{
			"stage":  {Name: "stage", Type: ir.TypeEnum},
			"budget": {Name: "budget", Type: ir.TypeNumber, Min: &lo, Max: &hi},
			"name":   {Name: "name", Type: ir.TypeString, Min: &lo},
			"email":  {Name: "email", Type: ir.TypeString, Rules: []ir.RuleSpec{{Name: "palindrome"}}},
			"opted":  {Name: "opted", Type: ir.TypeBool, Rules: []ir.RuleSpec{{Name: "required", Default: ir.String("yes")}}},
		},
		Priority: ir.Priority{
			Default: []string{"a", "a"},
			Fields:  map[string][]string{"phone": {"b"}},
		},
	}

	errs := Check(s, testRules)

	codes := make([]string, 0, len(errs))
	for _, e := range errs {
		codes = append(codes, e.Code)
	}
	assert.ElementsMatch(t, []string{
		ErrInvalidRange,       // budget min > max
		ErrUnknownRule,        // email palindrome
		ErrInvalidRange,       // name range on a string
		ErrInvalidRuleDefault, // opted default is a string
		ErrEnumNoValues,       // stage
		ErrInvalidPriority,    // duplicate a
		ErrInvalidPriority,    // undeclared phone
	}, codes)
}

func TestCheckValid(t *testing.T) {
	schemas, err := LoadDir(filepath.Join("testdata", "valid"), testRules)
	require.NoError(t, err)
	for _, s := range schemas {
		assert.Empty(t, Check(&s, testRules), s.Name)
	}
}

func TestLoadDir(t *testing.T) {
	schemas, err := LoadDir(filepath.Join("testdata", "valid"), testRules)
	require.NoError(t, err)
	require.Len(t, schemas, 2)

	assert.Equal(t, "campaign", schemas[0].Name, "schemas are sorted by name")
	assert.Equal(t, "contact", schemas[1].Name)
	assert.Equal(t, []string{"mailer", "crm"}, schemas[1].Priority.For("email"))
	assert.Equal(t, ir.TypeInteger, schemas[0].Fields["clicks"].Type)
}

func TestLoadInvalidHasPosition(t *testing.T) {
	_, errs := Load(filepath.Join("testdata", "invalid"), LoadModeCollectAll, testRules)
	require.Len(t, errs, 1)

	var loadErr *LoadError
	require.True(t, errors.As(errs[0], &loadErr))
	assert.Equal(t, ErrInvalidFieldType, loadErr.Code)
	assert.Equal(t, 5, loadErr.Line())
	assert.Contains(t, loadErr.Error(), "bad.cue")
}

func TestLoadErrors(t *testing.T) {
	_, errs := Load("/nonexistent/schema/dir", LoadModeFailFast, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), ErrCodeNotFound)

	_, errs = Load(t.TempDir(), LoadModeFailFast, nil)
	require.Len(t, errs, 1)
	assert.Contains(t, errs[0].Error(), ErrCodeNoFiles)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.cue"), []byte("entity: {"), 0o644))
	_, errs = Load(dir, LoadModeFailFast, nil)
	require.NotEmpty(t, errs, "syntax errors fail the load")
}

func TestLoadUnknownRuleRejected(t *testing.T) {
	dir := t.TempDir()
	src := "package syncd\n\nentity: x: fields: a: {type: \"string\", rules: [\"shout\"]}\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "x.cue"), []byte(src), 0o644))

	_, err := LoadDir(dir, testRules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), ErrUnknownRule)
	assert.Contains(t, err.Error(), "shout")
}

func TestCompileSource(t *testing.T) {
	schemas, err := CompileSource("inline.cue", `
		entity: audience: fields: size: {type: "integer", min: 0}
	`, testRules)
	require.NoError(t, err)
	require.Len(t, schemas, 1)
	assert.Equal(t, "audience", schemas[0].Name)

	_, err = CompileSource("empty.cue", `other: 1`, testRules)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entities")
}

func TestCompileErrorFormat(t *testing.T) {
	err := &CompileError{Field: "type", Message: "bad"}
	assert.Equal(t, "type: bad", err.Error())
}
