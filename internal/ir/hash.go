package ir

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
)

// Domain prefixes for content-addressed identity. The version suffix leaves
// room for changing the hashed shape later.
const (
	DomainConflict = "syncd/conflict/v1"
	DomainRevision = "syncd/revision/v1"
	DomainBatch    = "syncd/batch/v1"
)

// hashWithDomain computes SHA256(domain + 0x00 + data).
// The null byte separator prevents domain/data boundary ambiguity.
func hashWithDomain(domain string, data []byte) string {
	h := sha256.New()
	h.Write([]byte(domain))
	h.Write([]byte{0x00})
	h.Write(data)
	return hex.EncodeToString(h.Sum(nil))
}

func refsToAny(refs []RecordRef) []any {
	keys := make([]string, len(refs))
	for i, r := range refs {
		keys[i] = r.String()
	}
	slices.Sort(keys)
	out := make([]any, len(keys))
	for i, k := range keys {
		out[i] = k
	}
	return out
}

// ConflictID computes the content-addressed id of a conflict. The run id is
// left out: the same concurrent writes decided the same way are one conflict
// no matter which run (or replay) saw them.
func ConflictID(entityID, field string, winner RecordRef, contributors []RecordRef) (string, error) {
	obj := map[string]any{
		"entity_id":    entityID,
		"field":        field,
		"winner":       winner.String(),
		"contributors": refsToAny(contributors),
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("ConflictID: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainConflict, canonical), nil
}

// DerivedRevision computes the source revision of an outbound record. It is
// stable for the same origins, destination and fields, which is what makes a
// re-dispatched batch idempotent at the destination.
func DerivedRevision(destination string, origins []RecordRef, fields Fields, deleted bool) (string, error) {
	obj := map[string]any{
		"destination": destination,
		"origins":     refsToAny(origins),
		"fields":      fields,
		"deleted":     deleted,
	}
	canonical, err := MarshalCanonical(obj)
	if err != nil {
		return "", fmt.Errorf("DerivedRevision: failed to marshal: %w", err)
	}
	return hashWithDomain(DomainRevision, canonical)[:32], nil
}

// BatchID computes a stable id for the ordinal-th batch to destination in a run.
func BatchID(runID, destination string, ordinal int) string {
	canonical, err := MarshalCanonical(map[string]any{
		"run_id":      runID,
		"destination": destination,
		"ordinal":     ordinal,
	})
	if err != nil {
		// Only strings and ints above; canonical marshaling cannot fail.
		panic(err)
	}
	return hashWithDomain(DomainBatch, canonical)[:24]
}

// MustConflictID is like ConflictID but panics on error.
// Use only in tests or when inputs are known to be valid.
func MustConflictID(entityID, field string, winner RecordRef, contributors []RecordRef) string {
	id, err := ConflictID(entityID, field, winner, contributors)
	if err != nil {
		panic(err)
	}
	return id
}
