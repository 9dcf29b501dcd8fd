// Package transport defines the device-to-device byte delivery contract the
// session engines run over. Implementations provide unreliable
// point-to-point delivery of DataBuffers between named devices plus
// connect/shutdown notifications; everything above this interface treats
// the mesh as a black box.
package transport

import (
	"context"

	"github.com/meshkit/dsched/wire"
)

// Listener receives inbound traffic and connection lifecycle events for one
// local device. Managers implement it; implementations must not call it
// while holding locks a re-entrant Send would need.
type Listener interface {
	// OnDataRecv delivers one inbound buffer for the given transport session.
	OnDataRecv(sessionID string, buf *wire.DataBuffer)

	// OnShutdown reports that the transport session dropped. peerInitiated is
	// true when the remote side closed it.
	OnShutdown(sessionID string, peerInitiated bool)
}

// Adapter is one local device's handle onto the mesh.
type Adapter interface {
	// ConnectDevice opens a transport session to the named peer device and
	// returns its transport session ID.
	ConnectDevice(ctx context.Context, deviceID string) (string, error)

	// SendData transmits one buffer on an open transport session. A non-nil
	// error is passed through to the caller unchanged.
	SendData(ctx context.Context, sessionID string, buf *wire.DataBuffer) error

	// CloseSession tears down a transport session. Idempotent.
	CloseSession(sessionID string)

	// SetListener registers the single listener for inbound traffic. Must be
	// called before any traffic can be delivered.
	SetListener(l Listener)
}

// ConnectStatus is a peer device's connection state.
type ConnectStatus int

const (
	Disconnected ConnectStatus = iota
	Connecting
	Connected
)

func (s ConnectStatus) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

// ConnectStatusInfo records one peer device's connection state. Plain
// value, mutated only by its owner.
type ConnectStatusInfo struct {
	DeviceID string
	Status   ConnectStatus
}
