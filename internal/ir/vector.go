package ir

import (
	"slices"
	"strings"
)

// Ordering is the causal relation between two version vectors.
type Ordering int

const (
	// Identical means both vectors have the same entries.
	Identical Ordering = iota
	// Before means the receiver is a strict causal ancestor of the argument.
	Before
	// After means the receiver strictly descends from the argument.
	After
	// Concurrent means neither vector dominates the other.
	Concurrent
)

func (o Ordering) String() string {
	switch o {
	case Identical:
		return "equal"
	case Before:
		return "before"
	case After:
		return "after"
	case Concurrent:
		return "concurrent"
	default:
		return "unknown"
	}
}

// VersionVector maps a connector name to the last sync sequence number that
// connector contributed to an entity. Missing entries are zero.
type VersionVector map[string]int64

// Get returns the entry for connector, or 0.
func (v VersionVector) Get(connector string) int64 {
	return v[connector]
}

// Clone returns an independent copy. A nil vector clones to an empty one.
func (v VersionVector) Clone() VersionVector {
	out := make(VersionVector, len(v))
	for k, n := range v {
		out[k] = n
	}
	return out
}

// With returns a copy with connector's entry set to seq.
func (v VersionVector) With(connector string, seq int64) VersionVector {
	out := v.Clone()
	out[connector] = seq
	return out
}

// Merge returns the pointwise maximum of v and o. Merging never lowers an
// entry, which is what keeps stored vectors monotonic.
func (v VersionVector) Merge(o VersionVector) VersionVector {
	out := v.Clone()
	for k, n := range o {
		if n > out[k] {
			out[k] = n
		}
	}
	return out
}

// Compare reports how v relates causally to o.
func (v VersionVector) Compare(o VersionVector) Ordering {
	less, greater := false, false
	for _, k := range unionKeys(v, o) {
		a, b := v[k], o[k]
		switch {
		case a < b:
			less = true
		case a > b:
			greater = true
		}
		if less && greater {
			return Concurrent
		}
	}
	switch {
	case less:
		return Before
	case greater:
		return After
	default:
		return Identical
	}
}

// Dominates reports whether v is equal to or descends from o.
func (v VersionVector) Dominates(o VersionVector) bool {
	c := v.Compare(o)
	return c == Identical || c == After
}

// Connectors returns the connector names with non-zero entries, sorted.
func (v VersionVector) Connectors() []string {
	out := make([]string, 0, len(v))
	for k, n := range v {
		if n != 0 {
			out = append(out, k)
		}
	}
	slices.Sort(out)
	return out
}

// String renders the vector deterministically, e.g. "{a:1,b:3}".
func (v VersionVector) String() string {
	var b strings.Builder
	b.WriteByte('{')
	for i, k := range v.Connectors() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(k)
		b.WriteByte(':')
		b.WriteString(itoa(v[k]))
	}
	b.WriteByte('}')
	return b.String()
}

func unionKeys(a, b VersionVector) []string {
	keys := make([]string, 0, len(a)+len(b))
	for k := range a {
		keys = append(keys, k)
	}
	for k := range b {
		if _, ok := a[k]; !ok {
			keys = append(keys, k)
		}
	}
	return keys
}

func itoa(n int64) string {
	if n == 0 {
		return "0"
	}
	neg := n < 0
	if neg {
		n = -n
	}
	var buf [20]byte
	i := len(buf)
	for n > 0 {
		i--
		buf[i] = byte('0' + n%10)
		n /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}
