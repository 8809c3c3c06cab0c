package harness

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalScenario = `
name: minimal
entities:
  contact:
    fields:
      email:
        type: string
        rules: [trim, email]
connectors:
  - name: a
    records:
      - entity: e1
        type: contact
        fields:
          email: one@x.com
        observed: 2s
  - name: b
    reject:
      e9: refused
`

func TestLoadScenario_ValidFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "minimal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(minimalScenario), 0644))

	s, err := LoadScenario(path)
	require.NoError(t, err)

	assert.Equal(t, "minimal", s.Name)
	require.Len(t, s.Connectors, 2)
	assert.Equal(t, "a", s.Connectors[0].Name)
	require.Len(t, s.Connectors[0].Records, 1)
	assert.Equal(t, 2*time.Second, s.Connectors[0].Records[0].Observed)
	assert.Equal(t, map[string]string{"e9": "refused"}, s.Connectors[1].Plan.Reject)
	assert.Equal(t, []string{"trim", "email"}, s.Entities["contact"].Fields["email"].Rules)
}

func TestLoadScenario_MissingFile(t *testing.T) {
	_, err := LoadScenario(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to read scenario file")
}

func TestParseScenario_UnknownField(t *testing.T) {
	_, err := ParseScenario([]byte(minimalScenario + "assertion: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse YAML")
}

func TestParseScenario_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "missing name",
			yaml:    "entities: {contact: {fields: {}}}\nconnectors: [{name: a}]\n",
			wantErr: "name is required",
		},
		{
			name:    "no entities",
			yaml:    "name: x\nconnectors: [{name: a}]\n",
			wantErr: "at least one entity type is required",
		},
		{
			name:    "bad field type",
			yaml:    "name: x\nentities: {contact: {fields: {age: {type: decimal}}}}\nconnectors: [{name: a}]\n",
			wantErr: `entities.contact.age: unknown type "decimal"`,
		},
		{
			name:    "no connectors",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\n",
			wantErr: "at least one connector is required",
		},
		{
			name:    "duplicate connector",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: a}, {name: a}]\n",
			wantErr: `duplicate name "a"`,
		},
		{
			name:    "reserved connector",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: \"@store\"}]\n",
			wantErr: "is reserved",
		},
		{
			name:    "unknown record type",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: a, records: [{entity: e1, type: deal}]}]\n",
			wantErr: `unknown entity type "deal"`,
		},
		{
			name:    "seed for unknown connector",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: a}]\nruns: [{seed: {z: []}}]\n",
			wantErr: `runs[0].seed: unknown connector "z"`,
		},
		{
			name:    "cursor without value",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: a}]\nassertions: [{type: cursor, connector: a}]\n",
			wantErr: "value is required for cursor",
		},
		{
			name:    "applied without count",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: a}]\nassertions: [{type: applied, connector: a}]\n",
			wantErr: "non-negative count is required for applied",
		},
		{
			name:    "unknown assertion",
			yaml:    "name: x\nentities: {contact: {fields: {}}}\nconnectors: [{name: a}]\nassertions: [{type: trace}]\n",
			wantErr: `unknown assertion type "trace"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseScenario([]byte(tt.yaml))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestParseRule(t *testing.T) {
	r, err := parseRule("max_length=20")
	require.NoError(t, err)
	assert.Equal(t, "max_length", r.Name)
	assert.Equal(t, 20, r.Param)

	r, err = parseRule("email")
	require.NoError(t, err)
	assert.Equal(t, "email", r.Name)

	_, err = parseRule("max_length=big")
	assert.Error(t, err)
}
