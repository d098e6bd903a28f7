package conn

import (
	"fmt"
	"slices"
	"sync"

	"github.com/matheus3301/chatsync/internal/bus"
)

// State is the phase of a room's socket connection.
type State string

const (
	Disconnected State = "DISCONNECTED"
	Connecting   State = "CONNECTING"
	Open         State = "OPEN"
	Closing      State = "CLOSING"
	Faulted      State = "FAULTED"
)

// validTransitions defines allowed state transitions.
var validTransitions = map[State][]State{
	Disconnected: {Connecting},
	Connecting:   {Open, Faulted, Closing, Disconnected},
	Open:         {Closing, Faulted, Disconnected},
	Closing:      {Disconnected},
	Faulted:      {Connecting, Disconnected},
}

// Index maps a state to the numeric value exported as a gauge.
func (s State) Index() int {
	switch s {
	case Connecting:
		return 1
	case Open:
		return 2
	case Closing:
		return 3
	case Faulted:
		return 4
	default:
		return 0
	}
}

// Machine tracks and enforces connection state transitions.
type Machine struct {
	mu       sync.RWMutex
	room     string
	current  State
	bus      *bus.Bus
	onChange func(State)
}

// NewMachine creates a new state machine starting in Disconnected state.
func NewMachine(room string, b *bus.Bus, onChange func(State)) *Machine {
	return &Machine{
		room:     room,
		current:  Disconnected,
		bus:      b,
		onChange: onChange,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// Transition attempts to move to a new state. Returns error if transition is invalid.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	allowed := validTransitions[m.current]
	if !slices.Contains(allowed, to) {
		return fmt.Errorf("invalid transition from %s to %s", m.current, to)
	}
	from := m.current
	m.current = to
	if m.onChange != nil {
		m.onChange(to)
	}
	if m.bus != nil {
		m.bus.Publish(bus.NewEvent(bus.KindConnStateChanged, m.room, StateChange{
			Room: m.room,
			From: from,
			To:   to,
		}))
	}
	return nil
}

// StateChange is the payload for state change events.
type StateChange struct {
	Room string `json:"room"`
	From State  `json:"from"`
	To   State  `json:"to"`
}
