package resolve

import (
	"fmt"
	"sort"

	"github.com/roach88/syncd/internal/ir"
)

// checkIntegrity rejects candidates whose version vectors cannot be placed
// in the entity's history. stored may be nil for a new entity.
func checkIntegrity(entityID string, stored *ir.Entity, candidates []ir.ChangeRecord) error {
	var storedVec ir.VersionVector
	if stored != nil {
		storedVec = stored.Vector
	}

	// Connectors the entity has seen: the stored vector plus every source
	// contributing in this run.
	known := make(map[string]bool)
	for c, seq := range storedVec {
		if seq > 0 {
			known[c] = true
		}
	}
	for _, c := range candidates {
		known[c.Connector] = true
	}

	type seqKey struct {
		connector string
		seq       int64
	}
	seen := make(map[seqKey]string)

	for _, c := range candidates {
		own := c.Vector.Get(c.Connector)
		if own <= 0 {
			return ir.NewIntegrityViolation(entityID, c.Connector,
				fmt.Sprintf("record %s: vector has no entry for its own connector", c.Ref()))
		}
		for _, conn := range sortedConnectors(c.Vector) {
			seq := c.Vector[conn]
			if seq < 0 {
				return ir.NewIntegrityViolation(entityID, c.Connector,
					fmt.Sprintf("record %s: negative vector entry %s:%d", c.Ref(), conn, seq))
			}
			if seq > 0 && !known[conn] {
				return ir.NewIntegrityViolation(entityID, c.Connector,
					fmt.Sprintf("record %s: vector names connector %s the entity has never seen", c.Ref(), conn))
			}
		}
		if prev := storedVec.Get(c.Connector); own <= prev {
			return ir.NewIntegrityViolation(entityID, c.Connector,
				fmt.Sprintf("record %s: sequence %d does not advance past stored %d", c.Ref(), own, prev))
		}

		k := seqKey{c.Connector, own}
		if other, dup := seen[k]; dup {
			return ir.NewIntegrityViolation(entityID, c.Connector,
				fmt.Sprintf("records %s and %s share sequence %d", other, c.Ref(), own))
		}
		seen[k] = c.Ref().String()
	}
	return nil
}

func sortedConnectors(v ir.VersionVector) []string {
	out := make([]string, 0, len(v))
	for c := range v {
		out = append(out, c)
	}
	sort.Strings(out)
	return out
}
