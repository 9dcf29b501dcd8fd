// Package dsched defines the shared vocabulary of the distributed ability
// scheduler's continuation/collaboration engine: the error taxonomy every
// public operation reports through, and the session roles.
//
// Sessions and their managers live in the continuation and collab packages;
// the wire protocol lives in wire; device-to-device byte delivery is the
// transport package.
package dsched

import "errors"

// Errors returned by session and manager operations. A nil error is the
// success status; everything else maps onto the engine's failure taxonomy.
var (
	// ErrInvalidParameters covers malformed caller arguments, operations on an
	// uninitialized or torn-down session/manager, and events whose payload
	// does not match what the receiving state expects.
	ErrInvalidParameters = errors.New("invalid parameters")

	// ErrInvalidState is returned when an event is dispatched to a state that
	// does not handle it, including any event delivered to a terminal state.
	ErrInvalidState = errors.New("invalid state for event")

	// ErrSendEventFailed indicates the session's event loop is gone and the
	// event could not be enqueued. The session is effectively dead.
	ErrSendEventFailed = errors.New("send event failed")

	// ErrDecode indicates malformed or truncated inbound command bytes.
	ErrDecode = errors.New("command decode failed")

	// ErrPack indicates an outbound command could not be serialized.
	ErrPack = errors.New("command pack failed")

	// Collaborator lookup failures while packing a start command. The partial
	// command is never sent.
	ErrGetAppID          = errors.New("get caller app id failed")
	ErrGetBundleNameList = errors.New("get bundle name list failed")
	ErrGetAccountInfo    = errors.New("get account info failed")

	// ErrTimeout is the error-end cause injected by the manager's session
	// timer.
	ErrTimeout = errors.New("session timed out")

	// ErrPeerDisconnected is the error-end cause injected when the transport
	// connection bound to a session drops.
	ErrPeerDisconnected = errors.New("peer disconnected")

	// ErrPeerRejected reports that the remote side explicitly declined, with
	// the human-readable reason carried alongside it.
	ErrPeerRejected = errors.New("peer rejected")

	// ErrRemoteFailed reports a generic failure on the remote side, carried
	// back through a NotifyResult command.
	ErrRemoteFailed = errors.New("remote operation failed")

	// ErrMissionInProgress rejects a second mission for a session key that
	// already has a live session.
	ErrMissionInProgress = errors.New("mission already in progress")

	// ErrContinuationLimit rejects a mission that would exceed the cap on
	// concurrent live sessions.
	ErrContinuationLimit = errors.New("continuation limit reached")

	// ErrUntrustedDevice rejects a mission whose source or sink device is not
	// on the trusted-peer allowlist.
	ErrUntrustedDevice = errors.New("untrusted device")
)

// Role identifies which side of a session this process plays. The source
// (collaboration: caller) initiates; the sink (collaboration: callee)
// receives.
type Role int

const (
	RoleSource Role = iota
	RoleSink
)

func (r Role) String() string {
	switch r {
	case RoleSource:
		return "source"
	case RoleSink:
		return "sink"
	default:
		return "unknown"
	}
}
