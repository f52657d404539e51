package session

import (
	"errors"
	"fmt"
	"sync"
)

var ErrInvalidTransition = errors.New("session: invalid state transition")

// State is the connection lifecycle position.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateAwaitingRegistration
	StateRegistered
	StateBackoff
	// StateHalted follows a permanent registration failure. Only an
	// explicit connect leaves it.
	StateHalted
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateAwaitingRegistration:
		return "awaiting_registration"
	case StateRegistered:
		return "registered"
	case StateBackoff:
		return "backoff"
	case StateHalted:
		return "halted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Connected reports whether a socket is live in s.
func (s State) Connected() bool {
	return s == StateAwaitingRegistration || s == StateRegistered
}

var transitions = map[State][]State{
	StateDisconnected:         {StateConnecting},
	StateConnecting:           {StateAwaitingRegistration, StateBackoff, StateHalted, StateDisconnected},
	StateAwaitingRegistration: {StateRegistered, StateBackoff, StateHalted, StateDisconnected},
	StateRegistered:           {StateBackoff, StateHalted, StateDisconnected},
	StateBackoff:              {StateConnecting, StateHalted, StateDisconnected},
	StateHalted:               {StateConnecting, StateDisconnected},
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Machine holds the current State and only moves along legal edges.
type Machine struct {
	mu      sync.RWMutex
	state   State
	onEnter func(from, to State)
}

func NewMachine(onEnter func(from, to State)) *Machine {
	return &Machine{state: StateDisconnected, onEnter: onEnter}
}

func (m *Machine) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Transition moves to `to` or returns ErrInvalidTransition.
func (m *Machine) Transition(to State) error {
	m.mu.Lock()
	from := m.state
	if !CanTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.state = to
	m.mu.Unlock()
	if m.onEnter != nil {
		m.onEnter(from, to)
	}
	return nil
}
