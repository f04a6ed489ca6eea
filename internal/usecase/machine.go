package usecase

import (
	"sync"

	"avachat/internal/domain"
)

// Transition records one turn-state change for publication.
type Transition struct {
	From   domain.TurnState
	To     domain.TurnState
	TurnID string
}

// Machine is the per-conversation turn state machine. One turn runs at a
// time: idle -> thinking -> (working)? -> streaming -> idle, with error
// reachable from any non-idle state and cancel returning to idle from
// anywhere. Only the conversation service's event loop drives it; the
// mutex covers reads from the projector goroutine.
type Machine struct {
	mu     sync.RWMutex
	state  domain.TurnState
	turnID string
}

// NewMachine starts in idle with no active turn.
func NewMachine() *Machine {
	return &Machine{state: domain.TurnIdle}
}

// State returns the current turn state.
func (m *Machine) State() domain.TurnState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// TurnID returns the id of the active turn, empty when idle.
func (m *Machine) TurnID() string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.turnID
}

// Begin starts a new turn. Allowed from idle and from error (error
// re-enables input). Returns ErrTurnInFlight otherwise.
func (m *Machine) Begin(turnID string) (Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != domain.TurnIdle && m.state != domain.TurnError {
		return Transition{}, domain.ErrTurnInFlight
	}
	tr := Transition{From: m.state, To: domain.TurnThinking, TurnID: turnID}
	m.state = domain.TurnThinking
	m.turnID = turnID
	return tr, nil
}

// ToWorking moves thinking -> working when a tool task is queued.
// A no-op in any other state (late or duplicate queued events).
func (m *Machine) ToWorking() (Transition, bool) {
	return m.step(domain.TurnWorking, domain.TurnThinking)
}

// ToStreaming moves to streaming on text resumption or tool success.
// Valid from thinking (no tool ran) and working.
func (m *Machine) ToStreaming() (Transition, bool) {
	return m.step(domain.TurnStreaming, domain.TurnThinking, domain.TurnWorking)
}

// Complete ends the turn, returning to idle. Valid from any non-idle
// state: a stream may complete without deltas, and a cancelled backend
// may still send its done frame.
func (m *Machine) Complete() (Transition, bool) {
	tr, ok := m.step(domain.TurnIdle,
		domain.TurnThinking, domain.TurnWorking, domain.TurnStreaming, domain.TurnError)
	if ok {
		m.clearTurn()
	}
	return tr, ok
}

// Fail moves any non-idle state to error. Input is re-enabled; the
// turn id is kept so late events of the failed turn can be recognized.
func (m *Machine) Fail() (Transition, bool) {
	return m.step(domain.TurnError,
		domain.TurnThinking, domain.TurnWorking, domain.TurnStreaming)
}

// Cancel aborts the active turn and returns to idle from any state.
func (m *Machine) Cancel() (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state == domain.TurnIdle {
		return Transition{}, false
	}
	tr := Transition{From: m.state, To: domain.TurnIdle, TurnID: m.turnID}
	m.state = domain.TurnIdle
	m.turnID = ""
	return tr, true
}

func (m *Machine) step(to domain.TurnState, from ...domain.TurnState) (Transition, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, f := range from {
		if m.state == f {
			tr := Transition{From: m.state, To: to, TurnID: m.turnID}
			m.state = to
			return tr, true
		}
	}
	return Transition{}, false
}

func (m *Machine) clearTurn() {
	m.mu.Lock()
	m.turnID = ""
	m.mu.Unlock()
}
