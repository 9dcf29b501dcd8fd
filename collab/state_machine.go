package collab

import (
	"sync"

	"github.com/meshkit/dsched"
)

// StateType identifies one phase of a collaboration.
type StateType int

const (
	StateSrcStart StateType = iota
	StateSrcWaitEnd
	StateSrcEnd
	StateSinkStart
	StateSinkWaitEnd
	StateSinkEnd
)

func (t StateType) String() string {
	switch t {
	case StateSrcStart:
		return "src_start"
	case StateSrcWaitEnd:
		return "src_wait_end"
	case StateSrcEnd:
		return "src_end"
	case StateSinkStart:
		return "sink_start"
	case StateSinkWaitEnd:
		return "sink_wait_end"
	case StateSinkEnd:
		return "sink_end"
	default:
		return "unknown"
	}
}

// State is one phase's behavior, same shape as the continuation engine's.
type State interface {
	Execute(ev *Event) error
	Type() StateType
}

// StateMachine owns a session's current state; transitions happen only
// through UpdateState on the session's own loop.
type StateMachine struct {
	session *Session

	mu      sync.Mutex
	current State
}

func newStateMachine(s *Session) *StateMachine {
	return &StateMachine{session: s}
}

func (m *StateMachine) UpdateState(t StateType) {
	var next State
	switch t {
	case StateSrcStart:
		next = &srcStartState{m: m}
	case StateSrcWaitEnd:
		next = &srcWaitEndState{m: m}
	case StateSrcEnd:
		next = &srcEndState{}
	case StateSinkStart:
		next = &sinkStartState{m: m}
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

// Execute dispatches an event to the current state, guarding against a nil
// event, a missing session, or an uninitialized machine.
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
