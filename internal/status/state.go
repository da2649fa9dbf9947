package status

import (
	"fmt"
	"slices"
	"sync"
)

// State represents a daemon runtime state.
type State string

const (
	Booting    State = "BOOTING"
	CatchingUp State = "CATCHING_UP"
	Ready      State = "READY"
	Draining   State = "DRAINING"
	Stopped    State = "STOPPED"
	Error      State = "ERROR"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Booting:    {CatchingUp, Error},
	CatchingUp: {Ready, Error},
	Ready:      {Draining, Error},
	Draining:   {Stopped, Error},
	Stopped:    {},
	Error:      {Booting, Draining},
}

// Serving reports whether the daemon accepts requests in state s.
func (s State) Serving() bool {
	return s == Ready
}

// Listener observes a transition. It runs with the machine locked and must
// not call back into the machine.
type Listener func(StatusChange)

// Machine tracks and enforces daemon runtime state transitions.
type Machine struct {
	mu        sync.RWMutex
	current   State
	listeners []Listener
}

// NewMachine creates a new state machine starting in Booting state.
func NewMachine() *Machine {
	return &Machine{current: Booting}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Watch registers fn for every later transition.
func (m *Machine) Watch(fn Listener) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	change := StatusChange{From: m.current, To: to}
	m.current = to
	for _, fn := range m.listeners {
		fn(change)
	}
	return nil
}

// StatusChange describes one transition.
type StatusChange struct {
	From State
	To   State
}
