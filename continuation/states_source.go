package continuation

import (
	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/wire"
)

// sourceStartState sends the start command and waits for the sink's reply.
type sourceStartState struct {
	m *StateMachine
}

func (st *sourceStartState) Type() StateType { return StateSourceStart }

func (st *sourceStartState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventStart:
		if err := s.ExecuteSrcStart(); err != nil {
			s.finish(err, "")
			return err
		}
		return nil

	case EventReply:
		cmd, ok := ev.Payload.(*wire.ReplyCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		if cmd.Result != wire.ResultOK {
			s.finish(wire.ResultError(cmd.Result), cmd.Reason)
			return nil
		}
		st.m.UpdateState(StateAbility)
		if err := s.PostSendDataTask(); err != nil {
			s.finish(err, "")
			return err
		}
		return nil

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// abilityState collects the payload from the running ability and ships it.
type abilityState struct {
	m *StateMachine
}

func (st *abilityState) Type() StateType { return StateAbility }

func (st *abilityState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventSendData:
		if err := s.ExecuteSendData(); err != nil {
			s.finish(err, "")
			return err
		}
		// Enter the wait phase in the same dispatch as the send: the peer's
		// result can be queued right behind it and must find a state that
		// accepts it.
		st.m.UpdateState(StateSourceWaitEnd)
		return nil

	case EventEnd:
		st.m.UpdateState(StateSourceWaitEnd)
		return nil

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// sourceWaitEndState waits for the sink's terminal result.
type sourceWaitEndState struct {
	m *StateMachine
}

func (st *sourceWaitEndState) Type() StateType { return StateSourceWaitEnd }

func (st *sourceWaitEndState) Execute(ev *Event) error {
	s := st.m.session
	switch ev.Type {
	case EventNotifyComplete:
		cmd, ok := ev.Payload.(*wire.NotifyResultCmd)
		if !ok {
			return dsched.ErrInvalidParameters
		}
		s.finish(wire.ResultError(cmd.Result), cmd.RejectReason)
		return nil

	case EventErrEnd:
		return s.handleErrEnd(ev)

	default:
		return dsched.ErrInvalidState
	}
}

// sourceEndState is terminal. No event moves the machine again; this is the
// guarantee that prevents double-completion notifications.
type sourceEndState struct{}

func (st *sourceEndState) Type() StateType { return StateSourceEnd }

func (st *sourceEndState) Execute(ev *Event) error {
	return dsched.ErrInvalidState
}

var (
	_ State = (*sourceStartState)(nil)
	_ State = (*abilityState)(nil)
	_ State = (*sourceWaitEndState)(nil)
	_ State = (*sourceEndState)(nil)
)
