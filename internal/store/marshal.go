package store

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// marshalValue converts a field value to JSON TEXT for storage.
// Uses canonical JSON so equal values always compare equal as TEXT.
func marshalValue(v ir.Value) (string, error) {
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal value: %w", err)
	}
	return string(data), nil
}

// unmarshalValue parses a stored field value.
func unmarshalValue(data string) (ir.Value, error) {
	v, err := ir.UnmarshalValue([]byte(data))
	if err != nil {
		return nil, fmt.Errorf("unmarshal value: %w", err)
	}
	return v, nil
}

// tombstoneText is the stored form of ir.Tombstone.
const tombstoneText = `{"$tombstone":true}`

// marshalVector converts a version vector to canonical JSON TEXT.
func marshalVector(v ir.VersionVector) (string, error) {
	if v == nil {
		return "{}", nil
	}
	data, err := ir.MarshalCanonical(v)
	if err != nil {
		return "", fmt.Errorf("marshal vector: %w", err)
	}
	return string(data), nil
}

// unmarshalVector parses a stored version vector.
func unmarshalVector(data string) (ir.VersionVector, error) {
	v := ir.VersionVector{}
	if data == "" || data == "{}" {
		return v, nil
	}
	if err := json.Unmarshal([]byte(data), &v); err != nil {
		return nil, fmt.Errorf("unmarshal vector: %w", err)
	}
	return v, nil
}

// marshalJSON encodes ledger payloads (records, states, reports). These are
// not hashed, so encoding/json is enough; HTML escaping is disabled to keep
// the stored text readable.
func marshalJSON(v any) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return "", err
	}
	return strings.TrimSpace(buf.String()), nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", s, err)
	}
	return t, nil
}
