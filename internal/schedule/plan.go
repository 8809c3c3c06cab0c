// Package schedule partitions outbound change records into batches and
// dispatches them with bounded concurrency and retries.
//
// # Partitioning
//
// Records are grouped by destination connector, then packed into batches of
// at most BatchSize records. All records of one entity for one destination
// stay together and in order. A group larger than BatchSize is split over
// consecutive batches linked by DependsOn; each waits for its predecessor to
// commit.
//
// # Concurrency
//
// Each batch runs on its own goroutine but must take a slot of its
// connector's semaphore (Concurrency) and of the global pool (MaxWorkers)
// before it calls the sink.
//
// # Retries
//
// A failed call is retried per RetryConfig through the Attempt state
// machine. Waits go through an injected Sleeper.
package schedule

import (
	"time"

	"github.com/roach88/syncd/internal/ir"
)

// Config configures planning and dispatch.
type Config struct {
	BatchSize   int           `yaml:"batch_size" json:"batch_size" validate:"gte=0"`
	Concurrency int           `yaml:"concurrency" json:"concurrency" validate:"gte=0"` // In-flight batches per connector
	MaxWorkers  int           `yaml:"max_workers" json:"max_workers" validate:"gte=0"` // In-flight batches overall
	CallTimeout time.Duration `yaml:"call_timeout" json:"call_timeout" validate:"gte=0"`
	Retry       RetryConfig   `yaml:"retry" json:"retry"`
}

// DefaultConfig returns the default scheduler configuration.
func DefaultConfig() Config {
	return Config{
		BatchSize:   100,
		Concurrency: 2,
		MaxWorkers:  8,
		CallTimeout: 30 * time.Second,
		Retry:       DefaultRetryConfig(),
	}
}

// WithDefaults fills zero fields from DefaultConfig.
func (c Config) WithDefaults() Config {
	d := DefaultConfig()
	if c.BatchSize <= 0 {
		c.BatchSize = d.BatchSize
	}
	if c.Concurrency <= 0 {
		c.Concurrency = d.Concurrency
	}
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = d.MaxWorkers
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = d.CallTimeout
	}
	c.Retry = c.Retry.WithDefaults()
	return c
}

// Plan partitions records into pending batches for runID. Destinations are
// planned in order of first appearance; batch ordinals count per
// destination from 0.
func Plan(runID string, records []ir.ChangeRecord, batchSize int) []ir.Batch {
	if batchSize <= 0 {
		batchSize = DefaultConfig().BatchSize
	}

	var dests []string
	groups := make(map[string][][]ir.ChangeRecord) // destination -> entity groups
	index := make(map[string]map[string]int)       // destination -> entity -> group
	for _, r := range records {
		idx, ok := index[r.Connector]
		if !ok {
			dests = append(dests, r.Connector)
			idx = make(map[string]int)
			index[r.Connector] = idx
		}
		g, ok := idx[r.EntityID]
		if !ok {
			g = len(groups[r.Connector])
			idx[r.EntityID] = g
			groups[r.Connector] = append(groups[r.Connector], nil)
		}
		groups[r.Connector][g] = append(groups[r.Connector][g], r)
	}

	var out []ir.Batch
	for _, dest := range dests {
		out = append(out, pack(runID, dest, groups[dest], batchSize)...)
	}
	return out
}

func pack(runID, dest string, groups [][]ir.ChangeRecord, size int) []ir.Batch {
	var (
		out     []ir.Batch
		current []ir.ChangeRecord
	)
	emit := func(records []ir.ChangeRecord, dependsOn string) string {
		ordinal := len(out)
		b := ir.Batch{
			ID:        ir.BatchID(runID, dest, ordinal),
			RunID:     runID,
			Connector: dest,
			Ordinal:   ordinal,
			Records:   records,
			Status:    ir.BatchPending,
			DependsOn: dependsOn,
		}
		out = append(out, b)
		return b.ID
	}
	flush := func() {
		if len(current) > 0 {
			emit(current, "")
			current = nil
		}
	}

	for _, g := range groups {
		if len(g) > size {
			flush()
			prev := ""
			for start := 0; start < len(g); start += size {
				end := min(start+size, len(g))
				chunk := append([]ir.ChangeRecord(nil), g[start:end]...)
				prev = emit(chunk, prev)
			}
			continue
		}
		if len(current)+len(g) > size {
			flush()
		}
		current = append(current, g...)
	}
	flush()
	return out
}
