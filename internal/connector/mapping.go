package connector

import (
	"context"
	"fmt"

	"github.com/roach88/syncd/internal/ir"
)

// Mapping renames fields between canonical names and one system's names.
// Fields without an entry pass through unchanged.
type Mapping struct {
	toExternal  map[string]string
	toCanonical map[string]string
}

// NewMapping builds a mapping from canonical -> external names. Two
// canonical fields may not share an external name.
func NewMapping(fieldMap map[string]string) (Mapping, error) {
	m := Mapping{
		toExternal:  make(map[string]string, len(fieldMap)),
		toCanonical: make(map[string]string, len(fieldMap)),
	}
	for canonical, external := range fieldMap {
		if canonical == "" || external == "" {
			return Mapping{}, fmt.Errorf("field_map: empty name in %q -> %q", canonical, external)
		}
		if prev, dup := m.toCanonical[external]; dup {
			return Mapping{}, fmt.Errorf("field_map: %q and %q both map to %q", prev, canonical, external)
		}
		m.toExternal[canonical] = external
		m.toCanonical[external] = canonical
	}
	return m, nil
}

// Empty reports whether the mapping renames nothing.
func (m Mapping) Empty() bool { return len(m.toExternal) == 0 }

// Inbound returns a copy of r with external field names made canonical.
func (m Mapping) Inbound(r ir.ChangeRecord) ir.ChangeRecord {
	out := r.Clone()
	out.Fields = rename(r.Fields, m.toCanonical)
	return out
}

// Outbound returns a copy of b with canonical field names made external.
func (m Mapping) Outbound(b ir.Batch) ir.Batch {
	out := b
	out.Records = make([]ir.ChangeRecord, len(b.Records))
	for i, r := range b.Records {
		c := r.Clone()
		c.Fields = rename(r.Fields, m.toExternal)
		out.Records[i] = c
	}
	return out
}

func rename(fields ir.Fields, names map[string]string) ir.Fields {
	if fields == nil {
		return nil
	}
	out := make(ir.Fields, len(fields))
	for k, v := range fields {
		if to, ok := names[k]; ok {
			k = to
		}
		out[k] = v
	}
	return out
}

// mapped applies a Mapping around a connector.
type mapped struct {
	Connector
	m Mapping
}

// Mapped wraps c so Fetch returns canonical names and Apply receives
// external ones. An empty mapping returns c itself.
func Mapped(c Connector, m Mapping) Connector {
	if m.Empty() {
		return c
	}
	return &mapped{Connector: c, m: m}
}

func (c *mapped) Fetch(ctx context.Context, cursor string) ([]ir.ChangeRecord, string, error) {
	records, next, err := c.Connector.Fetch(ctx, cursor)
	if err != nil {
		return nil, "", err
	}
	out := make([]ir.ChangeRecord, len(records))
	for i, r := range records {
		out[i] = c.m.Inbound(r)
	}
	return out, next, nil
}

func (c *mapped) Apply(ctx context.Context, batch ir.Batch) ([]ir.Outcome, error) {
	return c.Connector.Apply(ctx, c.m.Outbound(batch))
}

// Close closes the wrapped connector if it holds resources.
func (c *mapped) Close() error {
	if cl, ok := c.Connector.(Closer); ok {
		return cl.Close()
	}
	return nil
}

// Unwrap returns the connector under the mapping.
func (c *mapped) Unwrap() Connector { return c.Connector }

// Unwrap returns the adapter under any mapping wrapper.
func Unwrap(c Connector) Connector {
	for {
		u, ok := c.(interface{ Unwrap() Connector })
		if !ok {
			return c
		}
		c = u.Unwrap()
	}
}
