package continuation

import (
	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/wire"
)

// sinkStartState validates the inbound start command and answers it.
type sinkStartState struct {
	m *StateMachine
}

func (st *sinkStartState) Type() StateType { return StateSinkStart }

func (st *sinkStartState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventStart:
		cmd, ok := ev.Payload.(*wire.SourceStartCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		if err := s.ExecuteSinkStart(cmd); err != nil {
			return err
		}
		st.m.UpdateState(StateData)
		return nil

	case EventReject:
		return s.handleReject(ev)

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// dataState receives the payload and launches the ability.
type dataState struct {
	m *StateMachine
}

func (st *dataState) Type() StateType { return StateData }

func (st *dataState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventData:
		cmd, ok := ev.Payload.(*wire.DataCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		if err := s.ExecuteData(cmd); err != nil {
			return err
		}
		if err := s.PostEndTask(); err != nil {
			s.finish(err, "")
			return err
		}
		return nil

	case EventEnd:
		st.m.UpdateState(StateSinkWaitEnd)
		if err := s.PostNotifyCompleteTask(nil); err != nil {
			s.finish(err, "")
			return err
		}
		return nil

	case EventReject:
		return s.handleReject(ev)

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// sinkWaitEndState closes out the sink side once the result is on the wire.
type sinkWaitEndState struct {
	m *StateMachine
}

func (st *sinkWaitEndState) Type() StateType { return StateSinkWaitEnd }

func (st *sinkWaitEndState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventNotifyComplete:
		s.finish(nil, "")
		return nil

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
	_ State = (*sinkStartState)(nil)
	_ State = (*dataState)(nil)
	_ State = (*sinkWaitEndState)(nil)
	_ State = (*sinkEndState)(nil)
)
