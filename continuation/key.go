package continuation

import (
	"github.com/meshkit/dsched/wire"
)

// SessionKey identifies one logical continuation. At most one live session
// exists per key at any time; the manager enforces this. Equality is
// field-wise, so the key is usable directly as a map key.
type SessionKey struct {
	SourceDeviceID   string
	SourceBundleName string
	SinkDeviceID     string
	SinkBundleName   string
	ContinueType     string
}

func (k SessionKey) String() string {
	s := k.SourceDeviceID + "/" + k.SourceBundleName + "->" + k.SinkDeviceID + "/" + k.SinkBundleName
	if k.ContinueType != "" {
		s += "#" + k.ContinueType
	}
	return s
}

// keyFromStartCmd derives the session key from an inbound start command, so
// both sides of a continuation agree on its identity.
func keyFromStartCmd(cmd *wire.SourceStartCmd) SessionKey {
	return SessionKey{
		SourceDeviceID:   cmd.SrcDeviceID,
		SourceBundleName: cmd.SrcBundleName,
		SinkDeviceID:     cmd.SinkDeviceID,
		SinkBundleName:   cmd.SinkBundleName,
		ContinueType:     cmd.ContinueType,
	}
}
