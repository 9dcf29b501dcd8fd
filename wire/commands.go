package wire

// Service discriminates which engine a command belongs to. Continuation and
// collaboration sessions never share a transport link, but the discriminant
// keeps a misrouted command from being interpreted by the wrong engine.
type Service string

const (
	ServiceContinue Service = "continue"
	ServiceCollab   Service = "collab"
)

// CmdType tags a command variant. One tag per phase of the protocol.
type CmdType string

const (
	CmdSourceStart   CmdType = "source_start"
	CmdReply         CmdType = "reply"
	CmdData          CmdType = "data"
	CmdSinkStart     CmdType = "sink_start"
	CmdPrepareResult CmdType = "prepare_result"
	CmdNotifyResult  CmdType = "notify_result"
	CmdDisconnect    CmdType = "disconnect"
)

// Result codes carried on the wire. Zero is success; the codes are part of
// the wire contract and fixed-width.
const (
	ResultOK      int32 = 0
	ResultFailed  int32 = 1
	ResultReject  int32 = 2
	ResultTimeout int32 = 3
)

// AccountInfo is the account identity carried by start commands: the account
// type, the device groups the account belongs to, and a signed assertion the
// sink validates before admitting the session.
type AccountInfo struct {
	Type      int32    `json:"type"`
	GroupIDs  []string `json:"groupIds,omitempty"`
	Assertion string   `json:"assertion,omitempty"`
}

// Command is a tagged wire message. Every implementation round-trips
// losslessly through Pack and Unpack.
type Command interface {
	CmdType() CmdType
}

// SourceStartCmd opens a continuation: the source asks the sink to admit a
// migration of one ability. It carries everything the sink needs for its
// bundle and account cross-checks.
type SourceStartCmd struct {
	SrcDeviceID     string      `json:"srcDeviceId"`
	SrcBundleName   string      `json:"srcBundleName"`
	SinkDeviceID    string      `json:"sinkDeviceId"`
	SinkBundleName  string      `json:"sinkBundleName"`
	ContinueType    string      `json:"continueType,omitempty"`
	MissionID       int32       `json:"missionId,omitempty"`
	CallerAppID     string      `json:"callerAppId"`
	SrcBundleNames  []string    `json:"srcBundleNames,omitempty"`
	SinkBundleNames []string    `json:"sinkBundleNames,omitempty"`
	Account         AccountInfo `json:"account"`
	AppVersion      uint32      `json:"appVersion,omitempty"`
	QuickStart      bool        `json:"quickStart,omitempty"`
	Params          WantParams  `json:"params,omitempty"`
}

func (*SourceStartCmd) CmdType() CmdType { return CmdSourceStart }

// ReplyCmd acknowledges a SourceStartCmd. A zero Result is the "push request
// accepted" signal that moves the source into its ability phase.
type ReplyCmd struct {
	Result     int32  `json:"result"`
	AppVersion uint32 `json:"appVersion,omitempty"`
	Reason     string `json:"reason,omitempty"`
}

func (*ReplyCmd) CmdType() CmdType { return CmdReply }

// DataCmd carries the application payload. The payload is a single unit:
// Seq is always 0 today and exists so a receiver can detect (and reject)
// anything else without a protocol bump.
type DataCmd struct {
	Seq    uint32     `json:"seq"`
	Params WantParams `json:"params,omitempty"`
}

func (*DataCmd) CmdType() CmdType { return CmdData }

// SinkStartCmd opens a collaboration: the caller asks the callee to prepare
// one ability for a shared session.
type SinkStartCmd struct {
	SrcDeviceID    string      `json:"srcDeviceId"`
	SinkDeviceID   string      `json:"sinkDeviceId"`
	SrcBundleName  string      `json:"srcBundleName"`
	SinkBundleName string      `json:"sinkBundleName"`
	AbilityName    string      `json:"abilityName"`
	CollabToken    string      `json:"collabToken"`
	CallerAppID    string      `json:"callerAppId"`
	Account        AccountInfo `json:"account"`
	AppVersion     uint32      `json:"appVersion,omitempty"`
	Params         WantParams  `json:"params,omitempty"`
}

func (*SinkStartCmd) CmdType() CmdType { return CmdSinkStart }

// PrepareResultCmd is the callee's answer to SinkStartCmd.
type PrepareResultCmd struct {
	CollabToken string `json:"collabToken"`
	Result      int32  `json:"result"`
	Reason      string `json:"reason,omitempty"`
}

func (*PrepareResultCmd) CmdType() CmdType { return CmdPrepareResult }

// NotifyResultCmd reports the terminal outcome of the remote phase.
// RejectReason is set only when the sink application explicitly declined.
type NotifyResultCmd struct {
	Result       int32  `json:"result"`
	RejectReason string `json:"rejectReason,omitempty"`
}

func (*NotifyResultCmd) CmdType() CmdType { return CmdNotifyResult }

// DisconnectCmd signals orderly peer-initiated teardown. It has no payload
// beyond the tag.
type DisconnectCmd struct{}

func (*DisconnectCmd) CmdType() CmdType { return CmdDisconnect }
