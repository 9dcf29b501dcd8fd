package continuation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/clients"
	"github.com/meshkit/dsched/internal/eventloop"
	"github.com/meshkit/dsched/internal/logctx"
	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/wire"
)

const (
	opTimeout     = 10 * time.Second
	notifyTimeout = 5 * time.Second
)

// Session is one in-flight continuation attempt. All of its state is
// mutated on its own event loop; external triggers (manager, transport,
// timers) enter exclusively through the Post*Task family.
type Session struct {
	mgr  *Manager
	role dsched.Role
	key  SessionKey

	missionID  int32
	quickStart bool
	params     wire.WantParams

	cb      clients.ClientCallback
	adapter transport.Adapter
	bundle  clients.BundleClient
	account clients.AccountClient
	ability clients.AbilityClient

	loop *eventloop.Loop
	sm   *StateMachine

	tsMu               sync.Mutex
	transportSessionID string

	closed   atomic.Bool
	notified atomic.Bool

	log *slog.Logger
}

func newSession(m *Manager, role dsched.Role, key SessionKey, missionID int32, cb clients.ClientCallback, params wire.WantParams) *Session {
	return &Session{
		mgr:        m,
		role:       role,
		key:        key,
		missionID:  missionID,
		quickStart: m.cfg.QuickStart,
		params:     params,
		cb:         cb,
		adapter:    m.cfg.Adapter,
		bundle:     m.cfg.Bundle,
		account:    m.cfg.Account,
		ability:    m.cfg.Ability,
		log: m.log.With(
			slog.String("session", key.String()),
			slog.String("role", role.String()),
		),
	}
}

// Init allocates the session's event loop and state machine at the initial
// state for its role. Calling Init twice fails with ErrInvalidParameters.
func (s *Session) Init() error {
	if s.loop != nil {
		return dsched.ErrInvalidParameters
	}
	s.loop = eventloop.New("continue:"+s.key.String(), eventloop.WithLogger(s.log))
	s.sm = newStateMachine(s)
	if s.role == dsched.RoleSource {
		s.sm.UpdateState(StateSourceStart)
	} else {
		s.sm.UpdateState(StateSinkStart)
	}
	return nil
}

// Key returns the session's identity.
func (s *Session) Key() SessionKey { return s.key }

// Role returns which side of the continuation this session plays.
func (s *Session) Role() dsched.Role { return s.role }

// CurrentState returns the state machine's current phase. Readers outside
// the session's loop get a point-in-time snapshot.
func (s *Session) CurrentState() StateType { return s.sm.Current() }

func (s *Session) setTransportSessionID(id string) {
	s.tsMu.Lock()
	s.transportSessionID = id
	s.tsMu.Unlock()
}

func (s *Session) getTransportSessionID() string {
	s.tsMu.Lock()
	defer s.tsMu.Unlock()
	return s.transportSessionID
}

// opCtx builds the bounded, session-scoped context for one collaborator or
// transport call. Collaborators logging with it pick up the session
// attributes through logctx.Handler.
func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	peer := s.key.SinkDeviceID
	if s.role == dsched.RoleSink {
		peer = s.key.SourceDeviceID
	}
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID:  s.key.String(),
		Role:       s.role.String(),
		PeerDevice: peer,
	})
	if s.missionID != 0 {
		ctx = logctx.WithMissionData(ctx, &logctx.MissionData{
			MissionID:  s.missionID,
			BundleName: s.key.SourceBundleName,
		})
	}
	return context.WithTimeout(ctx, opTimeout)
}

// post enqueues an event onto the session's loop. Effects happen when the
// event executes, never at post time.
func (s *Session) post(ev *Event) error {
	if s.loop == nil {
		return dsched.ErrInvalidParameters
	}
	return s.loop.Post(func() {
		if err := s.sm.Execute(ev); err != nil {
			s.log.Debug("continue.session.event_dropped",
				slog.String("event", ev.Type.String()),
				slog.String("state", s.sm.Current().String()),
				slog.String("err", err.Error()))
		}
	})
}

// PostSrcStartTask begins the source-side flow.
func (s *Session) PostSrcStartTask() error {
	return s.post(&Event{Type: EventStart})
}

// PostSinkStartTask begins the sink-side flow with the inbound start command.
func (s *Session) PostSinkStartTask(cmd *wire.SourceStartCmd) error {
	if cmd == nil {
		return dsched.ErrInvalidParameters
	}
	return s.post(&Event{Type: EventStart, Payload: cmd})
}

// PostSendDataTask asks the source to collect and ship the payload.
func (s *Session) PostSendDataTask() error {
	return s.post(&Event{Type: EventSendData})
}

// PostEndTask moves the session into its wait-end phase.
func (s *Session) PostEndTask() error {
	return s.post(&Event{Type: EventEnd})
}

// PostErrEndTask drives the session to an error end with the given cause.
// Timeout, peer disconnect, and transport failure all converge here.
func (s *Session) PostErrEndTask(cause error) error {
	if cause == nil {
		return dsched.ErrInvalidParameters
	}
	return s.post(&Event{Type: EventErrEnd, Payload: cause})
}

// PostAbilityRejectTask reports that the local application declined the
// continuation; the peer receives the reason verbatim.
func (s *Session) PostAbilityRejectTask(reason string) error {
	return s.post(&Event{Type: EventReject, Payload: reason})
}

// PostNotifyCompleteTask finishes the session. cmd is the peer's result on
// the source side and nil on the sink side.
func (s *Session) PostNotifyCompleteTask(cmd *wire.NotifyResultCmd) error {
	ev := &Event{Type: EventNotifyComplete}
	if cmd != nil {
		ev.Payload = cmd
	}
	return s.post(ev)
}

// OnDataRecv decodes one inbound buffer and posts the matching event. A
// decode failure is surfaced to the caller and posts nothing: the session
// stays in its current state and its timeout bounds the stall.
func (s *Session) OnDataRecv(buf *wire.DataBuffer) error {
	svc, cmd, err := wire.Unpack(buf)
	if err != nil {
		s.log.Warn("continue.session.decode_fail", slog.String("err", err.Error()))
		return err
	}
	if svc != wire.ServiceContinue {
		s.log.Warn("continue.session.wrong_service", slog.String("service", string(svc)))
		return dsched.ErrInvalidParameters
	}

	switch c := cmd.(type) {
	case *wire.SourceStartCmd:
		return s.post(&Event{Type: EventStart, Payload: c})
	case *wire.ReplyCmd:
		return s.post(&Event{Type: EventReply, Payload: c})
	case *wire.DataCmd:
		return s.post(&Event{Type: EventData, Payload: c})
	case *wire.NotifyResultCmd:
		return s.post(&Event{Type: EventNotifyComplete, Payload: c})
	case *wire.DisconnectCmd:
		return s.PostErrEndTask(dsched.ErrPeerDisconnected)
	default:
		s.log.Warn("continue.session.unexpected_command", slog.String("cmd", string(cmd.CmdType())))
		return dsched.ErrInvalidParameters
	}
}

// SendCommand packs a command and puts it on the wire. The transport's own
// error is passed through unchanged.
func (s *Session) SendCommand(cmd wire.Command) error {
	if cmd == nil {
		return dsched.ErrInvalidParameters
	}
	buf, err := wire.Pack(wire.ServiceContinue, cmd)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.adapter.SendData(ctx, s.getTransportSessionID(), buf)
}

// ExecuteSrcStart connects to the sink, gathers local identity, and sends
// the start command. A failed collaborator lookup aborts before anything is
// sent, so the sink never sees a partially populated command.
func (s *Session) ExecuteSrcStart() error {
	ctx, cancel := s.opCtx()
	defer cancel()

	s.mgr.setDeviceStatus(s.key.SinkDeviceID, transport.Connecting)
	tsID, err := s.adapter.ConnectDevice(ctx, s.key.SinkDeviceID)
	if err != nil {
		s.mgr.setDeviceStatus(s.key.SinkDeviceID, transport.Disconnected)
		return fmt.Errorf("connect %s: %w", s.key.SinkDeviceID, err)
	}
	s.setTransportSessionID(tsID)
	s.mgr.bindTransport(tsID, s.key)
	s.mgr.setDeviceStatus(s.key.SinkDeviceID, transport.Connected)

	appID, err := s.bundle.GetCallerAppID(ctx, s.key.SourceBundleName)
	if err != nil {
		return fmt.Errorf("%w: %v", dsched.ErrGetAppID, err)
	}
	bundleNames, err := s.bundle.GetBundleNameList(ctx, s.key.SourceBundleName)
	if err != nil {
		return fmt.Errorf("%w: %v", dsched.ErrGetBundleNameList, err)
	}
	acct, err := s.account.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", dsched.ErrGetAccountInfo, err)
	}

	cmd := &wire.SourceStartCmd{
		SrcDeviceID:     s.key.SourceDeviceID,
		SrcBundleName:   s.key.SourceBundleName,
		SinkDeviceID:    s.key.SinkDeviceID,
		SinkBundleName:  s.key.SinkBundleName,
		ContinueType:    s.key.ContinueType,
		MissionID:       s.missionID,
		CallerAppID:     appID,
		SrcBundleNames:  bundleNames,
		SinkBundleNames: bundleNames,
		Account:         acct,
		QuickStart:      s.quickStart,
	}
	if err := s.SendCommand(cmd); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	s.log.Info("continue.session.start_sent", slog.Int("missionId", int(s.missionID)))
	return nil
}

// ExecuteSendData collects the payload from the running ability and sends it.
func (s *Session) ExecuteSendData() error {
	ctx, cancel := s.opCtx()
	defer cancel()

	payload, err := s.ability.ContinueAbility(ctx, s.missionID, s.params)
	if err != nil {
		return fmt.Errorf("continue ability: %w", err)
	}
	if err := s.SendCommand(&wire.DataCmd{Seq: 0, Params: payload}); err != nil {
		return fmt.Errorf("send data: %w", err)
	}
	s.log.Info("continue.session.data_sent")
	return nil
}

// ExecuteSinkStart validates the inbound start command and answers it. A
// validation failure rejects on the wire and finishes the session; the
// returned error then reports why.
func (s *Session) ExecuteSinkStart(cmd *wire.SourceStartCmd) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if v := s.mgr.cfg.Verifier; v != nil {
		if _, err := v.Verify(cmd.Account.Assertion); err != nil {
			s.rejectStart("account mismatch")
			return fmt.Errorf("%w: %v", dsched.ErrGetAccountInfo, err)
		}
	}

	candidates := cmd.SinkBundleNames
	if len(candidates) == 0 {
		candidates = []string{cmd.SinkBundleName}
	}
	installed, err := s.bundle.IsBundleInstalled(ctx, candidates)
	if err != nil {
		s.rejectStart("bundle check failed")
		return fmt.Errorf("%w: %v", dsched.ErrGetBundleNameList, err)
	}
	if !installed {
		s.rejectStart("bundle not installed")
		return dsched.ErrPeerRejected
	}

	s.missionID = cmd.MissionID
	s.params = cmd.Params

	if err := s.SendCommand(&wire.ReplyCmd{Result: wire.ResultOK}); err != nil {
		s.finish(fmt.Errorf("send reply: %w", err), "")
		return err
	}
	s.log.Info("continue.session.admitted", slog.String("callerAppId", cmd.CallerAppID))
	return nil
}

// rejectStart declines an inbound start on the wire and finishes locally.
func (s *Session) rejectStart(reason string) {
	if err := s.SendCommand(&wire.ReplyCmd{Result: wire.ResultReject, Reason: reason}); err != nil {
		s.log.Warn("continue.session.reject_send_fail", slog.String("err", err.Error()))
	}
	s.finish(dsched.ErrPeerRejected, reason)
}

// ExecuteData launches the ability with the migrated payload and reports
// the outcome to the source.
func (s *Session) ExecuteData(cmd *wire.DataCmd) error {
	if cmd.Seq != 0 {
		s.sendNotifyResult(wire.ResultFailed, "unexpected data sequence")
		s.finish(dsched.ErrInvalidParameters, "")
		return dsched.ErrInvalidParameters
	}

	ctx, cancel := s.opCtx()
	defer cancel()

	if err := s.ability.StartAbility(ctx, s.key.SinkBundleName, "", cmd.Params); err != nil {
		s.sendNotifyResult(wire.ResultFailed, err.Error())
		s.finish(fmt.Errorf("start ability: %w", err), "")
		return err
	}
	s.sendNotifyResult(wire.ResultOK, "")
	s.log.Info("continue.session.ability_started")
	return nil
}

func (s *Session) sendNotifyResult(result int32, reason string) {
	if err := s.SendCommand(&wire.NotifyResultCmd{Result: result, RejectReason: reason}); err != nil {
		s.log.Warn("continue.session.notify_result_send_fail", slog.String("err", err.Error()))
	}
}

// handleErrEnd finishes the session with the error carried by the event.
func (s *Session) handleErrEnd(ev *Event) error {
	cause, ok := ev.Payload.(error)
	if !ok || cause == nil {
		return dsched.ErrInvalidParameters
	}
	s.finish(cause, "")
	return nil
}

// handleReject reports the local application's decline to the peer and
// finishes.
func (s *Session) handleReject(ev *Event) error {
	reason, ok := ev.Payload.(string)
	if !ok {
		return dsched.ErrInvalidParameters
	}
	s.sendNotifyResult(wire.ResultReject, reason)
	s.finish(dsched.ErrPeerRejected, reason)
	return nil
}

func (s *Session) terminalState() StateType {
	if s.role == dsched.RoleSource {
		return StateSourceEnd
	}
	return StateSinkEnd
}

// finish is the single terminal path: notify the client exactly once, enter
// the terminal state, release the transport, and hand the key back to the
// manager. Runs only on the session's loop.
func (s *Session) finish(cause error, reason string) {
	if s.sm.Current() == s.terminalState() {
		return
	}

	if cause == nil {
		s.log.Info("continue.session.finish")
	} else {
		s.log.Info("continue.session.finish",
			slog.String("cause", cause.Error()), slog.String("reason", reason))
	}

	if cause != nil && errors.Is(cause, dsched.ErrTimeout) {
		// Orderly teardown so the peer fails immediately instead of waiting
		// out its own timer.
		if err := s.SendCommand(&wire.DisconnectCmd{}); err != nil {
			s.log.Debug("continue.session.disconnect_send_fail", slog.String("err", err.Error()))
		}
	}

	s.notifyClient(cause, reason)
	s.sm.UpdateState(s.terminalState())
	_ = s.CleanUpSession()
	if err := s.mgr.OnContinueEnd(s.key); err != nil {
		s.log.Debug("continue.session.end_unregistered", slog.String("err", err.Error()))
	}
}

// notifyClient delivers the terminal notification. The CAS guarantees the
// callback sees at most one result even under timeout/disconnect races.
func (s *Session) notifyClient(cause error, reason string) {
	if s.cb == nil {
		return
	}
	if !s.notified.CompareAndSwap(false, true) {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	if cause != nil && errors.Is(cause, dsched.ErrPeerDisconnected) {
		if err := s.cb.NotifyDisconnect(ctx); err != nil {
			s.log.Warn("continue.session.notify_disconnect_fail", slog.String("err", err.Error()))
		}
	}
	if err := s.cb.NotifyResult(ctx, cause, reason); err != nil {
		s.log.Warn("continue.session.notify_result_fail", slog.String("err", err.Error()))
	}
}

// CleanUpSession releases the session's transport connection. Idempotent.
func (s *Session) CleanUpSession() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if id := s.getTransportSessionID(); id != "" {
		s.adapter.CloseSession(id)
	}
	return nil
}
