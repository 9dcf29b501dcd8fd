package continuation

// EventType tags one kind of session event. Events are the only way work
// enters a session; each carries an optional typed payload that the handling
// state validates before acting.
type EventType int

const (
	// EventStart begins the session: no payload on the source, the inbound
	// *wire.SourceStartCmd on the sink.
	EventStart EventType = iota

	// EventReply carries the sink's *wire.ReplyCmd answer to a start command.
	EventReply

	// EventSendData asks the source to collect and transmit the payload.
	EventSendData

	// EventData carries an inbound *wire.DataCmd on the sink.
	EventData

	// EventEnd moves the session from its active phase into its wait-end
	// phase. No payload.
	EventEnd

	// EventErrEnd drives the session to an error end; payload is the error
	// cause. Timeout, peer disconnect, and transport failure all arrive as
	// this one event.
	EventErrEnd

	// EventReject reports that the local application declined the
	// continuation; payload is the human-readable reason string.
	EventReject

	// EventNotifyComplete finishes the session: the peer's
	// *wire.NotifyResultCmd on the source, no payload on the sink.
	EventNotifyComplete
)

func (t EventType) String() string {
	switch t {
	case EventStart:
		return "start"
	case EventReply:
		return "reply"
	case EventSendData:
		return "send_data"
	case EventData:
		return "data"
	case EventEnd:
		return "end"
	case EventErrEnd:
		return "err_end"
	case EventReject:
		return "reject"
	case EventNotifyComplete:
		return "notify_complete"
	default:
		return "unknown"
	}
}

// Event is one unit of session input: a kind plus an optional payload. A
// payload whose runtime type does not match what the handling state expects
// is rejected as invalid parameters, never dispatched on.
type Event struct {
	Type    EventType
	Payload any
}
