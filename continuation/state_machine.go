package continuation

import (
	"sync"

	"github.com/meshkit/dsched"
)

// StateType identifies one phase of a continuation.
type StateType int

const (
	StateSourceStart StateType = iota
	StateAbility
	StateSourceWaitEnd
	StateSourceEnd
	StateSinkStart
	StateData
	StateSinkWaitEnd
	StateSinkEnd
)

func (t StateType) String() string {
	switch t {
	case StateSourceStart:
		return "source_start"
	case StateAbility:
		return "ability"
	case StateSourceWaitEnd:
		return "source_wait_end"
	case StateSourceEnd:
		return "source_end"
	case StateSinkStart:
		return "sink_start"
	case StateData:
		return "data"
	case StateSinkWaitEnd:
		return "sink_wait_end"
	case StateSinkEnd:
		return "sink_end"
	default:
		return "unknown"
	}
}

// State is one phase's behavior: it reacts to a single event and reports the
// outcome. An event the current phase does not handle returns
// ErrInvalidState without mutating anything.
type State interface {
	Execute(ev *Event) error
	Type() StateType
}

// StateMachine owns a session's current state. Transitions happen only
// through UpdateState, and only on the session's own event loop; the mutex
// exists so diagnostic readers get a coherent snapshot, not to allow
// concurrent transitions.
type StateMachine struct {
	session *Session

	mu      sync.Mutex
	current State
}

func newStateMachine(s *Session) *StateMachine {
	return &StateMachine{session: s}
}

// UpdateState replaces the current state with a freshly constructed state of
// the given type. States never mutate current directly; they call back here.
func (m *StateMachine) UpdateState(t StateType) {
	var next State
	switch t {
	case StateSourceStart:
		next = &sourceStartState{m: m}
	case StateAbility:
		next = &abilityState{m: m}
	case StateSourceWaitEnd:
		next = &sourceWaitEndState{m: m}
	case StateSourceEnd:
		next = &sourceEndState{}
	case StateSinkStart:
		next = &sinkStartState{m: m}
	case StateData:
		next = &dataState{m: m}
	case StateSinkWaitEnd:
		next = &sinkWaitEndState{m: m}
	case StateSinkEnd:
		next = &sinkEndState{}
	default:
		return
	}

	m.mu.Lock()
	m.current = next
	m.mu.Unlock()
}

// Current returns the current state's type, or -1 before initialization.
func (m *StateMachine) Current() StateType {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return StateType(-1)
	}
	return m.current.Type()
}

// Execute dispatches an event to the current state. A nil event, a missing
// session, or an uninitialized machine fails with ErrInvalidParameters
// rather than dispatching.
func (m *StateMachine) Execute(ev *Event) error {
	if ev == nil || m.session == nil {
		return dsched.ErrInvalidParameters
	}
	m.mu.Lock()
	state := m.current
	m.mu.Unlock()
	if state == nil {
		return dsched.ErrInvalidParameters
	}
	return state.Execute(ev)
}
