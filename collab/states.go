package collab

import (
	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/wire"
)

// srcStartState connects to the callee and ships the start command.
type srcStartState struct {
	m *StateMachine
}

func (st *srcStartState) Type() StateType { return StateSrcStart }

func (st *srcStartState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventStart:
		if err := s.ExecuteSrcStart(); err != nil {
			s.finish(err, "")
			return err
		}
		st.m.UpdateState(StateSrcWaitEnd)
		return nil

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// srcWaitEndState waits for the callee's prepare result.
type srcWaitEndState struct {
	m *StateMachine
}

func (st *srcWaitEndState) Type() StateType { return StateSrcWaitEnd }

func (st *srcWaitEndState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventResult:
		cmd, ok := ev.Payload.(*wire.PrepareResultCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		s.finish(wire.ResultError(cmd.Result), cmd.Reason)
		return nil

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// srcEndState is terminal.
type srcEndState struct{}

func (st *srcEndState) Type() StateType { return StateSrcEnd }

func (st *srcEndState) Execute(ev *Event) error {
	return dsched.ErrInvalidState
}

// sinkStartState validates the inbound start command and launches the
// ability.
type sinkStartState struct {
	m *StateMachine
}

func (st *sinkStartState) Type() StateType { return StateSinkStart }

func (st *sinkStartState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventStart:
		cmd, ok := ev.Payload.(*wire.SinkStartCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		if err := s.ExecuteSinkStart(cmd); err != nil {
			return err
		}
		st.m.UpdateState(StateSinkWaitEnd)
		return nil

	case EventReject:
		return s.handleReject(ev)

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// sinkWaitEndState puts the prepare result on the wire and closes out.
type sinkWaitEndState struct {
	m *StateMachine
}

func (st *sinkWaitEndState) Type() StateType { return StateSinkWaitEnd }

func (st *sinkWaitEndState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventPrepareResult:
		cmd, ok := ev.Payload.(*wire.PrepareResultCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		return s.ExecuteSinkPrepareResult(cmd)

	case EventReject:
		return s.handleReject(ev)

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// sinkEndState is terminal.
type sinkEndState struct{}

func (st *sinkEndState) Type() StateType { return StateSinkEnd }

func (st *sinkEndState) Execute(ev *Event) error {
	return dsched.ErrInvalidState
}

var (
	_ State = (*srcStartState)(nil)
	_ State = (*srcWaitEndState)(nil)
	_ State = (*srcEndState)(nil)
	_ State = (*sinkStartState)(nil)
	_ State = (*sinkWaitEndState)(nil)
	_ State = (*sinkEndState)(nil)
)
