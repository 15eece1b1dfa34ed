package license

import (
	"fmt"
	"sync"
)

// State is the stage a key request has reached.
type State int32

const (
	StateParsing State = iota
	StateCertificateResolving
	StatePayloadGenerating
	StateLicenseRequesting
	StateFulfilled
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateParsing:
		return "parsing"
	case StateCertificateResolving:
		return "certificate_resolving"
	case StatePayloadGenerating:
		return "payload_generating"
	case StateLicenseRequesting:
		return "license_requesting"
	case StateFulfilled:
		return "fulfilled"
	case StateFailed:
		return "failed"
	}
	return fmt.Sprintf("state(%d)", int32(s))
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateFulfilled || s == StateFailed
}

// Every non-terminal state may also move to StateFailed.
var nextState = map[State]State{
	StateParsing:              StateCertificateResolving,
	StateCertificateResolving: StatePayloadGenerating,
	StatePayloadGenerating:    StateLicenseRequesting,
	StateLicenseRequesting:    StateFulfilled,
}

// canTransition reports whether from -> to is a legal forward step.
func canTransition(from, to State) bool {
	if from.Terminal() {
		return false
	}
	if to == StateFailed {
		return true
	}
	return nextState[from] == to
}

// stateMachine tracks one key request. onChange runs after every accepted
// transition, outside the lock.
type stateMachine struct {
	mu       sync.Mutex
	current  State
	onChange func(from, to State)
}

func newStateMachine(onChange func(from, to State)) *stateMachine {
	return &stateMachine{current: StateParsing, onChange: onChange}
}

func (m *stateMachine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

func (m *stateMachine) transition(to State) error {
	m.mu.Lock()
	from := m.current
	if !canTransition(from, to) {
		m.mu.Unlock()
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	m.current = to
	m.mu.Unlock()

	if m.onChange != nil {
		m.onChange(from, to)
	}
	return nil
}

// fail moves to StateFailed unless the request already finished.
func (m *stateMachine) fail() {
	_ = m.transition(StateFailed)
}
