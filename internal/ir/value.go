package ir

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"slices"
	"strings"
	"unicode/utf16"
)

// Value is a sealed interface over the field value kinds a connector may
// report. Only Null, String, Int, Float, Bool and Tombstone implement it.
type Value interface {
	value() // Sealed
	// Kind names the value kind ("string", "int", ...).
	Kind() string
}

// Null is an explicitly cleared field.
type Null struct{}

func (Null) value() {}
func (Null) Kind() string { return "null" }

// String is a text value.
type String string

func (String) value() {}
func (String) Kind() string { return "string" }

// Int is an integral value.
type Int int64

func (Int) value() {}
func (Int) Kind() string { return "int" }

// Float is a non-integral numeric value. NaN and infinities are rejected at
// marshal time.
type Float float64

func (Float) value() {}
func (Float) Kind() string { return "float" }

// Bool is a boolean value.
type Bool bool

func (Bool) value() {}
func (Bool) Kind() string { return "bool" }

// Tombstone marks a field (or a whole entity) as deleted. It is terminal:
// once written, live values never replace it.
type Tombstone struct{}

func (Tombstone) value() {}
func (Tombstone) Kind() string { return "tombstone" }

// tombstoneKey is the JSON object key that encodes a Tombstone.
const tombstoneKey = "$tombstone"

// IsTombstone reports whether v is a Tombstone.
func IsTombstone(v Value) bool {
	_, ok := v.(Tombstone)
	return ok
}

// Equal reports whether two values are the same kind and hold the same data.
func Equal(a, b Value) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a == b
}

// FormatValue renders a value for logs and summaries.
func FormatValue(v Value) string {
	switch val := v.(type) {
	case nil:
		return "<unset>"
	case Null:
		return "null"
	case String:
		return fmt.Sprintf("%q", string(val))
	case Int:
		return fmt.Sprintf("%d", int64(val))
	case Float:
		return formatFloat(float64(val))
	case Bool:
		if val {
			return "true"
		}
		return "false"
	case Tombstone:
		return "<tombstone>"
	default:
		return fmt.Sprintf("%v", v)
	}
}

// Fields maps field names to values. Use SortedKeys for deterministic
// iteration.
type Fields map[string]Value

// SortedKeys returns keys in RFC 8785 canonical order (UTF-16 code units).
func (f Fields) SortedKeys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeysRFC8785)
	return keys
}

// Clone returns a shallow copy. Values are immutable so this is a full copy.
func (f Fields) Clone() Fields {
	if f == nil {
		return nil
	}
	out := make(Fields, len(f))
	for k, v := range f {
		out[k] = v
	}
	return out
}

// compareKeysRFC8785 compares strings using UTF-16 code unit ordering as
// required by RFC 8785. Go's default string comparison uses UTF-8 bytes,
// which orders supplementary characters differently.
func compareKeysRFC8785(a, b string) int {
	a16 := utf16.Encode([]rune(a))
	b16 := utf16.Encode([]rune(b))

	n := min(len(a16), len(b16))
	for i := 0; i < n; i++ {
		if a16[i] != b16[i] {
			if a16[i] < b16[i] {
				return -1
			}
			return 1
		}
	}

	switch {
	case len(a16) < len(b16):
		return -1
	case len(a16) > len(b16):
		return 1
	default:
		return 0
	}
}

// MarshalJSON encodes fields with sorted keys.
func (f Fields) MarshalJSON() ([]byte, error) {
	var buf bytes.Buffer
	buf.WriteByte('{')
	for i, k := range f.SortedKeys() {
		if i > 0 {
			buf.WriteByte(',')
		}
		keyBytes, err := json.Marshal(k)
		if err != nil {
			return nil, fmt.Errorf("marshal key %q: %w", k, err)
		}
		buf.Write(keyBytes)
		buf.WriteByte(':')

		valBytes, err := MarshalValue(f[k])
		if err != nil {
			return nil, fmt.Errorf("marshal value for key %q: %w", k, err)
		}
		buf.Write(valBytes)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// UnmarshalJSON decodes fields, keeping the int/float distinction.
func (f *Fields) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}

	*f = make(Fields, len(raw))
	for k, v := range raw {
		val, err := UnmarshalValue(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		(*f)[k] = val
	}
	return nil
}

// MarshalValue encodes a single value as JSON. Tombstones encode as
// {"$tombstone":true}.
func MarshalValue(v Value) ([]byte, error) {
	switch val := v.(type) {
	case nil, Null:
		return []byte("null"), nil
	case String:
		return json.Marshal(string(val))
	case Int:
		return json.Marshal(int64(val))
	case Float:
		f := float64(val)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, fmt.Errorf("non-finite float %v", f)
		}
		return []byte(formatFloat(f)), nil
	case Bool:
		return json.Marshal(bool(val))
	case Tombstone:
		return []byte(`{"` + tombstoneKey + `":true}`), nil
	default:
		return nil, fmt.Errorf("unknown value type: %T", v)
	}
}

// UnmarshalValue decodes a single JSON value. Numbers with a fraction or
// exponent become Float, everything else numeric becomes Int. Arrays and
// objects other than the tombstone marker are rejected: connectors must
// flatten nested data before it reaches the engine.
func UnmarshalValue(data []byte) (Value, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("empty JSON value")
	}

	switch data[0] {
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return nil, err
		}
		return String(s), nil

	case 't', 'f':
		var b bool
		if err := json.Unmarshal(data, &b); err != nil {
			return nil, err
		}
		return Bool(b), nil

	case 'n':
		return Null{}, nil

	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return nil, err
		}
		if _, ok := obj[tombstoneKey]; ok && len(obj) == 1 {
			return Tombstone{}, nil
		}
		return nil, fmt.Errorf("nested objects are not supported")

	case '[':
		return nil, fmt.Errorf("arrays are not supported")

	default:
		var n json.Number
		if err := json.Unmarshal(data, &n); err != nil {
			return nil, err
		}
		s := string(n)
		if strings.ContainsAny(s, ".eE") {
			f, err := n.Float64()
			if err != nil {
				return nil, fmt.Errorf("invalid number %s: %w", s, err)
			}
			return Float(f), nil
		}
		i, err := n.Int64()
		if err != nil {
			return nil, fmt.Errorf("number out of int64 range: %s", s)
		}
		return Int(i), nil
	}
}

// FromAny converts a decoded YAML/JSON scalar into a Value.
func FromAny(v any) (Value, error) {
	switch val := v.(type) {
	case nil:
		return Null{}, nil
	case Value:
		return val, nil
	case string:
		return String(val), nil
	case bool:
		return Bool(val), nil
	case int:
		return Int(val), nil
	case int64:
		return Int(val), nil
	case uint64:
		if val > math.MaxInt64 {
			return nil, fmt.Errorf("number out of int64 range: %d", val)
		}
		return Int(int64(val)), nil
	case float64:
		if val == math.Trunc(val) && math.Abs(val) < 1<<53 {
			return Int(int64(val)), nil
		}
		return Float(val), nil
	case json.Number:
		return UnmarshalValue([]byte(val))
	default:
		return nil, fmt.Errorf("unsupported value type: %T", v)
	}
}
