// Package connector defines the adapter contract between the engine and an
// external system, and the adapters syncd ships with.
//
// An adapter is chosen by the kind named in configuration. The in-process
// "memory" adapter backs tests, the conformance harness and the demo; the
// "websocket" adapter speaks a small JSON request/response protocol to a
// remote bridge. Field renaming between a system's names and the canonical
// schema is handled by Mapping, outside the adapters.
package connector

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/roach88/syncd/internal/ir"
)

// Connector is the capability the engine needs from one external system.
//
// Apply must be idempotent for a repeated source revision: re-sending a
// record that was already applied reports it committed again without
// applying it twice.
type Connector interface {
	// Name is the connector name used in cursors, vectors and batches.
	Name() string

	// Fetch returns the changes after cursor in source order, and the cursor
	// just past the last of them. Each record's Position, when set, is the
	// cursor just past that record.
	Fetch(ctx context.Context, cursor string) ([]ir.ChangeRecord, string, error)

	// Apply delivers a batch and reports a per-record outcome. A returned
	// error fails the whole call; wrap it with ir.NewPersistentError when a
	// retry cannot help.
	Apply(ctx context.Context, batch ir.Batch) ([]ir.Outcome, error)
}

// Closer is implemented by connectors holding a network connection.
type Closer interface {
	Close() error
}

// Config configures one connector.
type Config struct {
	Name string `yaml:"name" json:"name" validate:"required,excludes=@"`
	Kind string `yaml:"kind" json:"kind" validate:"required,oneof=memory websocket"`

	// URL is the bridge endpoint of network adapters.
	URL string `yaml:"url,omitempty" json:"url,omitempty" validate:"required_if=Kind websocket"`

	// Credentials are passed through to the adapter untouched.
	Credentials string `yaml:"credentials,omitempty" json:"-"`

	// FieldMap renames canonical fields (keys) to this system's names (values).
	FieldMap map[string]string `yaml:"field_map,omitempty" json:"field_map,omitempty"`

	// BatchSize overrides the scheduler batch size for this destination.
	BatchSize int `yaml:"batch_size,omitempty" json:"batch_size,omitempty" validate:"gte=0"`
}

// Factory builds a connector from its configuration.
type Factory func(cfg Config) (Connector, error)

// Registry maps connector kinds to factories.
//
// Thread-safety: Registry is safe for concurrent use.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

// NewRegistry returns a registry with the built-in kinds registered.
func NewRegistry() *Registry {
	r := &Registry{factories: make(map[string]Factory)}
	r.Register("memory", func(cfg Config) (Connector, error) {
		return NewMemory(cfg.Name), nil
	})
	r.Register("websocket", func(cfg Config) (Connector, error) {
		return NewWebSocket(cfg.Name, cfg.URL, cfg.Credentials), nil
	})
	return r
}

// Register adds or replaces the factory for kind.
func (r *Registry) Register(kind string, f Factory) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.factories[kind] = f
}

// Kinds returns the registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds the connector for cfg and wraps it with its field mapping.
func (r *Registry) Open(cfg Config) (Connector, error) {
	r.mu.RLock()
	f, ok := r.factories[cfg.Kind]
	r.mu.RUnlock()
	if !ok {
		return nil, ir.NewConfigError(fmt.Sprintf("connector %s: unknown kind %q", cfg.Name, cfg.Kind), nil)
	}

	c, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("connector %s: %w", cfg.Name, err)
	}
	if c.Name() != cfg.Name {
		return nil, ir.NewConfigError(fmt.Sprintf("connector %s: factory returned %q", cfg.Name, c.Name()), nil)
	}

	m, err := NewMapping(cfg.FieldMap)
	if err != nil {
		return nil, ir.NewConfigError(fmt.Sprintf("connector %s", cfg.Name), err)
	}
	return Mapped(c, m), nil
}
