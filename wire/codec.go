package wire

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/meshkit/dsched"
)

// ProtocolVersion is the supported command envelope version.
const ProtocolVersion = 1

// MinCommandLen is the minimum number of bytes a well-formed envelope can
// occupy. Unpack rejects anything shorter before attempting to parse.
const MinCommandLen = 16

// envelope is the versioned frame every command travels in. Field order is
// fixed; the body is the JSON encoding of the tagged command.
type envelope struct {
	Version int             `json:"v"`
	Service Service         `json:"svc"`
	Cmd     CmdType         `json:"cmd"`
	Body    json.RawMessage `json:"body,omitempty"`
}

// Pack serializes cmd into a fresh DataBuffer. It never fails for a
// well-formed in-memory command; a failure is reported as ErrPack.
func Pack(svc Service, cmd Command) (*DataBuffer, error) {
	if cmd == nil {
		return nil, dsched.ErrInvalidParameters
	}

	body, err := json.Marshal(cmd)
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s body: %v", dsched.ErrPack, cmd.CmdType(), err)
	}

	raw, err := json.Marshal(envelope{
		Version: ProtocolVersion,
		Service: svc,
		Cmd:     cmd.CmdType(),
		Body:    body,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode %s envelope: %v", dsched.ErrPack, cmd.CmdType(), err)
	}

	return BufferFrom(raw), nil
}

// Unpack validates and decodes a received buffer. Truncated or malformed
// bytes fail with ErrDecode; an unrecognized command tag fails with
// ErrInvalidParameters so callers can distinguish corruption from
// versioning. Decode failures are always reported, never dropped: a
// swallowed command would leave the peer's state machine waiting for its
// timeout.
func Unpack(buf *DataBuffer) (Service, Command, error) {
	if buf == nil || buf.Size() < MinCommandLen {
		return "", nil, fmt.Errorf("%w: %d bytes below minimum header length", dsched.ErrDecode, buf.Size())
	}

	var env envelope
	if err := json.Unmarshal(buf.Data(), &env); err != nil {
		return "", nil, fmt.Errorf("%w: envelope: %v", dsched.ErrDecode, err)
	}
	if env.Version != ProtocolVersion {
		return "", nil, fmt.Errorf("%w: unsupported envelope version %d", dsched.ErrDecode, env.Version)
	}
	switch env.Service {
	case ServiceContinue, ServiceCollab:
	default:
		return "", nil, fmt.Errorf("%w: unknown service %q", dsched.ErrInvalidParameters, env.Service)
	}

	cmd, err := newCommand(env.Cmd)
	if err != nil {
		return "", nil, err
	}
	if len(env.Body) > 0 {
		if err := json.Unmarshal(env.Body, cmd); err != nil {
			return "", nil, fmt.Errorf("%w: %s body: %v", dsched.ErrDecode, env.Cmd, err)
		}
	}
	return env.Service, cmd, nil
}

func newCommand(t CmdType) (Command, error) {
	switch t {
	case CmdSourceStart:
		return &SourceStartCmd{}, nil
	case CmdReply:
		return &ReplyCmd{}, nil
	case CmdData:
		return &DataCmd{}, nil
	case CmdSinkStart:
		return &SinkStartCmd{}, nil
	case CmdPrepareResult:
		return &PrepareResultCmd{}, nil
	case CmdNotifyResult:
		return &NotifyResultCmd{}, nil
	case CmdDisconnect:
		return &DisconnectCmd{}, nil
	default:
		return nil, fmt.Errorf("%w: unknown command tag %q", dsched.ErrInvalidParameters, t)
	}
}

// ResultCode maps a session outcome to its fixed-width wire code.
func ResultCode(err error) int32 {
	switch {
	case err == nil:
		return ResultOK
	case errors.Is(err, dsched.ErrTimeout):
		return ResultTimeout
	case errors.Is(err, dsched.ErrPeerRejected):
		return ResultReject
	default:
		return ResultFailed
	}
}

// ResultError maps a wire code back to the session outcome it encodes.
func ResultError(code int32) error {
	switch code {
	case ResultOK:
		return nil
	case ResultTimeout:
		return dsched.ErrTimeout
	case ResultReject:
		return dsched.ErrPeerRejected
	default:
		return dsched.ErrRemoteFailed
	}
}
