package engine

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/gofrs/flock"

	"github.com/roach88/syncd/internal/ir"
)

// connectorLocks makes runs over overlapping connector sets mutually
// exclusive. Within a process a held set guards each name; across processes
// each name has a lock file under dir.
type connectorLocks struct {
	mu   sync.Mutex
	held map[string]bool
	dir  string // Empty disables file locks
}

func newConnectorLocks(dir string) *connectorLocks {
	return &connectorLocks{held: make(map[string]bool), dir: dir}
}

// acquire takes every lock in names without waiting. On failure nothing is
// held and the error is a RunInProgressError naming the busy connector.
func (l *connectorLocks) acquire(names []string) (release func(), err error) {
	sorted := append([]string(nil), names...)
	sort.Strings(sorted)

	l.mu.Lock()
	for _, name := range sorted {
		if l.held[name] {
			l.mu.Unlock()
			return nil, ir.NewRunInProgressError(name)
		}
	}
	for _, name := range sorted {
		l.held[name] = true
	}
	l.mu.Unlock()

	unhold := func() {
		l.mu.Lock()
		for _, name := range sorted {
			delete(l.held, name)
		}
		l.mu.Unlock()
	}

	if l.dir == "" {
		return unhold, nil
	}

	if err := os.MkdirAll(l.dir, 0o755); err != nil {
		unhold()
		return nil, fmt.Errorf("create lock dir: %w", err)
	}
	var files []*flock.Flock
	unlockFiles := func() {
		for _, f := range files {
			_ = f.Unlock()
		}
	}
	for _, name := range sorted {
		f := flock.New(filepath.Join(l.dir, lockFileName(name)))
		ok, err := f.TryLock()
		if err != nil {
			unlockFiles()
			unhold()
			return nil, fmt.Errorf("lock %s: %w", name, err)
		}
		if !ok {
			unlockFiles()
			unhold()
			return nil, ir.NewRunInProgressError(name)
		}
		files = append(files, f)
	}

	return func() {
		unlockFiles()
		unhold()
	}, nil
}

// lockFileName keeps connector names that contain path separators inside
// the lock directory.
func lockFileName(name string) string {
	safe := make([]rune, 0, len(name))
	for _, r := range name {
		switch r {
		case '/', '\\', ':':
			safe = append(safe, '_')
		default:
			safe = append(safe, r)
		}
	}
	return string(safe) + ".lock"
}
