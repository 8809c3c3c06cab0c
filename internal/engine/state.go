package engine

import (
	"context"
	"sync"

	"github.com/zoobzio/capitan"

	"github.com/roach88/syncd/internal/monitor"
)

// State is a phase of the orchestrator.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateValidating  State = "validating"
	StateResolving   State = "resolving"
	StateScheduling  State = "scheduling"
	StateDispatching State = "dispatching"
	StateCommitting  State = "committing"
	StateAborted     State = "aborted"
)

// stateMachine tracks the current phase and emits every transition.
type stateMachine struct {
	mu    sync.Mutex
	state State
}

func (m *stateMachine) current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == "" {
		return StateIdle
	}
	return m.state
}

// enter moves to next and emits sync.state.changed. Entering the current
// state is a no-op.
func (m *stateMachine) enter(ctx context.Context, runID string, next State) {
	m.mu.Lock()
	prev := m.state
	if prev == "" {
		prev = StateIdle
	}
	if prev == next {
		m.mu.Unlock()
		return
	}
	m.state = next
	m.mu.Unlock()

	capitan.Emit(ctx, monitor.StateChanged,
		monitor.KeyRun.Field(runID),
		monitor.KeyOldState.Field(string(prev)),
		monitor.KeyNewState.Field(string(next)),
	)
}
