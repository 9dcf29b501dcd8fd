package collab

// EventType tags one kind of collaboration session event.
type EventType int

const (
	// EventStart begins the session: no payload on the caller, the inbound
	// *wire.SinkStartCmd on the callee.
	EventStart EventType = iota

	// EventPrepareResult carries the callee's locally built
	// *wire.PrepareResultCmd, ready to go on the wire.
	EventPrepareResult

	// EventResult carries the peer's *wire.PrepareResultCmd on the caller.
	EventResult

	// EventReject reports that the callee application declined; payload is
	// the reason string.
	EventReject

	// EventErrEnd drives the session to an error end; payload is the error
	// cause.
	EventErrEnd
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventPrepareResult:
		return "prepare_result"
	case EventResult:
		return "result"
	case EventReject:
		return "reject"
	case EventErrEnd:
		return "err_end"
	default:
		return "unknown"
	}
}

// Event is one unit of session input: a kind plus an optional payload.
type Event struct {
	Type    EventType
	Payload any
}
