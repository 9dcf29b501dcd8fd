package collab

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

// Session is one in-flight collaboration attempt, keyed by its token. Like
// a continuation session, all state is mutated on its own event loop.
type Session struct {
	mgr   *Manager
	role  dsched.Role
	token string
	info  Info

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

func newSession(m *Manager, role dsched.Role, token string, info Info) *Session {
	return &Session{
		mgr:     m,
		role:    role,
		token:   token,
		info:    info,
		cb:      info.Callback,
		adapter: m.cfg.Adapter,
		bundle:  m.cfg.Bundle,
		account: m.cfg.Account,
		ability: m.cfg.Ability,
		log: m.log.With(
			slog.String("collabToken", token),
			slog.String("role", role.String()),
		),
	}
}

// Init allocates the session's event loop and state machine at the initial
// state for its role.
func (s *Session) Init() error {
	if s.loop != nil {
		return dsched.ErrInvalidParameters
	}
	s.loop = eventloop.New("collab:"+s.token, eventloop.WithLogger(s.log))
	s.sm = newStateMachine(s)
	if s.role == dsched.RoleSource {
		s.sm.UpdateState(StateSrcStart)
	} else {
		s.sm.UpdateState(StateSinkStart)
	}
	return nil
}

// Token returns the session's identity.
func (s *Session) Token() string { return s.token }

// Role returns which side of the collaboration this session plays.
func (s *Session) Role() dsched.Role { return s.role }

// CurrentState returns the state machine's current phase.
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
// transport call.
func (s *Session) opCtx() (context.Context, context.CancelFunc) {
	peer := s.info.SinkDeviceID
	if s.role == dsched.RoleSink {
		peer = s.info.SrcDeviceID
	}
	ctx := logctx.WithSessionData(context.Background(), &logctx.SessionData{
		SessionID:  s.token,
		Role:       s.role.String(),
		PeerDevice: peer,
	})
	return context.WithTimeout(ctx, opTimeout)
}

func (s *Session) post(ev *Event) error {
	if s.loop == nil {
		return dsched.ErrInvalidParameters
	}
	return s.loop.Post(func() {
		if err := s.sm.Execute(ev); err != nil {
			s.log.Debug("collab.session.event_dropped",
				slog.String("event", ev.Type.String()),
				slog.String("state", s.sm.Current().String()),
				slog.String("err", err.Error()))
		}
	})
}

// PostSrcStartTask begins the caller-side flow.
func (s *Session) PostSrcStartTask() error {
	return s.post(&Event{Type: EventStart})
}

// PostSinkStartTask begins the callee-side flow with the inbound start
// command.
func (s *Session) PostSinkStartTask(cmd *wire.SinkStartCmd) error {
	if cmd == nil {
		return dsched.ErrInvalidParameters
	}
	return s.post(&Event{Type: EventStart, Payload: cmd})
}

// PostSinkPrepareResultTask queues the callee's prepare result for the
// wire. The callee engine posts it once the ability is up; the application
// can post it too when readiness is app-driven.
func (s *Session) PostSinkPrepareResultTask(result int32, reason string) error {
	return s.post(&Event{Type: EventPrepareResult, Payload: &wire.PrepareResultCmd{
		CollabToken: s.token,
		Result:      result,
		Reason:      reason,
	}})
}

// PostSrcResultTask delivers the peer's prepare result to the caller.
func (s *Session) PostSrcResultTask(cmd *wire.PrepareResultCmd) error {
	if cmd == nil {
		return dsched.ErrInvalidParameters
	}
	return s.post(&Event{Type: EventResult, Payload: cmd})
}

// PostErrEndTask drives the session to an error end with the given cause.
func (s *Session) PostErrEndTask(cause error) error {
	if cause == nil {
		return dsched.ErrInvalidParameters
	}
	return s.post(&Event{Type: EventErrEnd, Payload: cause})
}

// PostAbilityRejectTask reports that the callee application declined.
func (s *Session) PostAbilityRejectTask(reason string) error {
	return s.post(&Event{Type: EventReject, Payload: reason})
}

// OnDataRecv decodes one inbound buffer and posts the matching event. A
// decode failure posts nothing and is surfaced to the caller.
func (s *Session) OnDataRecv(buf *wire.DataBuffer) error {
	svc, cmd, err := wire.Unpack(buf)
	if err != nil {
		s.log.Warn("collab.session.decode_fail", slog.String("err", err.Error()))
		return err
	}
	if svc != wire.ServiceCollab {
		s.log.Warn("collab.session.wrong_service", slog.String("service", string(svc)))
		return dsched.ErrInvalidParameters
	}

	switch c := cmd.(type) {
	case *wire.SinkStartCmd:
		return s.post(&Event{Type: EventStart, Payload: c})
	case *wire.PrepareResultCmd:
		return s.PostSrcResultTask(c)
	case *wire.DisconnectCmd:
		return s.PostErrEndTask(dsched.ErrPeerDisconnected)
	default:
		s.log.Warn("collab.session.unexpected_command", slog.String("cmd", string(cmd.CmdType())))
		return dsched.ErrInvalidParameters
	}
}

// SendCommand packs a command and puts it on the wire.
func (s *Session) SendCommand(cmd wire.Command) error {
	if cmd == nil {
		return dsched.ErrInvalidParameters
	}
	buf, err := wire.Pack(wire.ServiceCollab, cmd)
	if err != nil {
		return err
	}
	ctx, cancel := s.opCtx()
	defer cancel()
	return s.adapter.SendData(ctx, s.getTransportSessionID(), buf)
}

// ExecuteSrcStart connects to the callee, gathers local identity, and sends
// the start command carrying the collaboration token.
func (s *Session) ExecuteSrcStart() error {
	ctx, cancel := s.opCtx()
	defer cancel()

	s.mgr.setDeviceStatus(s.info.SinkDeviceID, transport.Connecting)
	tsID, err := s.adapter.ConnectDevice(ctx, s.info.SinkDeviceID)
	if err != nil {
		s.mgr.setDeviceStatus(s.info.SinkDeviceID, transport.Disconnected)
		return fmt.Errorf("connect %s: %w", s.info.SinkDeviceID, err)
	}
	s.setTransportSessionID(tsID)
	s.mgr.bindTransport(tsID, s.token)
	s.mgr.setDeviceStatus(s.info.SinkDeviceID, transport.Connected)

	appID, err := s.bundle.GetCallerAppID(ctx, s.info.SrcBundleName)
	if err != nil {
		return fmt.Errorf("%w: %v", dsched.ErrGetAppID, err)
	}
	acct, err := s.account.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("%w: %v", dsched.ErrGetAccountInfo, err)
	}

	cmd := &wire.SinkStartCmd{
		SrcDeviceID:    s.info.SrcDeviceID,
		SinkDeviceID:   s.info.SinkDeviceID,
		SrcBundleName:  s.info.SrcBundleName,
		SinkBundleName: s.info.SinkBundleName,
		AbilityName:    s.info.AbilityName,
		CollabToken:    s.token,
		CallerAppID:    appID,
		Account:        acct,
		Params:         s.info.Params,
	}
	if err := s.SendCommand(cmd); err != nil {
		return fmt.Errorf("send start: %w", err)
	}
	s.log.Info("collab.session.start_sent", slog.String("ability", s.info.AbilityName))
	return nil
}

// ExecuteSinkStart validates the inbound start command and launches the
// ability. On success it queues the OK prepare result; on failure it
// reports to the peer and finishes.
func (s *Session) ExecuteSinkStart(cmd *wire.SinkStartCmd) error {
	ctx, cancel := s.opCtx()
	defer cancel()

	if v := s.mgr.cfg.Verifier; v != nil {
		if _, err := v.Verify(cmd.Account.Assertion); err != nil {
			s.rejectStart("account mismatch")
			return fmt.Errorf("%w: %v", dsched.ErrGetAccountInfo, err)
		}
	}
	installed, err := s.bundle.IsBundleInstalled(ctx, []string{cmd.SinkBundleName})
	if err != nil {
		s.rejectStart("bundle check failed")
		return fmt.Errorf("%w: %v", dsched.ErrGetBundleNameList, err)
	}
	if !installed {
		s.rejectStart("bundle not installed")
		return dsched.ErrPeerRejected
	}

	if err := s.ability.StartAbility(ctx, cmd.SinkBundleName, cmd.AbilityName, cmd.Params); err != nil {
		s.sendPrepareResult(wire.ResultFailed, err.Error())
		s.finish(fmt.Errorf("start ability: %w", err), "")
		return err
	}

	if err := s.PostSinkPrepareResultTask(wire.ResultOK, ""); err != nil {
		s.finish(err, "")
		return err
	}
	s.log.Info("collab.session.ability_started", slog.String("ability", cmd.AbilityName))
	return nil
}

// ExecuteSinkPrepareResult puts the prepare result on the wire and closes
// out the callee side.
func (s *Session) ExecuteSinkPrepareResult(cmd *wire.PrepareResultCmd) error {
	if err := s.SendCommand(cmd); err != nil {
		s.finish(fmt.Errorf("send prepare result: %w", err), "")
		return err
	}
	s.finish(wire.ResultError(cmd.Result), cmd.Reason)
	return nil
}

func (s *Session) rejectStart(reason string) {
	s.sendPrepareResult(wire.ResultReject, reason)
	s.finish(dsched.ErrPeerRejected, reason)
}

func (s *Session) sendPrepareResult(result int32, reason string) {
	cmd := &wire.PrepareResultCmd{CollabToken: s.token, Result: result, Reason: reason}
	if err := s.SendCommand(cmd); err != nil {
		s.log.Warn("collab.session.prepare_result_send_fail", slog.String("err", err.Error()))
	}
}

func (s *Session) handleErrEnd(ev *Event) error {
	cause, ok := ev.Payload.(error)
	if !ok || cause == nil {
		return dsched.ErrInvalidParameters
	}
	s.finish(cause, "")
	return nil
}

func (s *Session) handleReject(ev *Event) error {
	reason, ok := ev.Payload.(string)
	if !ok {
		return dsched.ErrInvalidParameters
	}
	s.sendPrepareResult(wire.ResultReject, reason)
	s.finish(dsched.ErrPeerRejected, reason)
	return nil
}

func (s *Session) terminalState() StateType {
	if s.role == dsched.RoleSource {
		return StateSrcEnd
	}
	return StateSinkEnd
}

// finish is the single terminal path, mirroring the continuation engine.
func (s *Session) finish(cause error, reason string) {
	if s.sm.Current() == s.terminalState() {
		return
	}

	if cause == nil {
		s.log.Info("collab.session.finish")
	} else {
		s.log.Info("collab.session.finish",
			slog.String("cause", cause.Error()), slog.String("reason", reason))
	}

	if cause != nil && errors.Is(cause, dsched.ErrTimeout) {
		if err := s.SendCommand(&wire.DisconnectCmd{}); err != nil {
			s.log.Debug("collab.session.disconnect_send_fail", slog.String("err", err.Error()))
		}
	}

	s.notifyClient(cause, reason)
	s.sm.UpdateState(s.terminalState())
	_ = s.CleanUpSession()
	if err := s.mgr.OnCollabEnd(s.token); err != nil {
		s.log.Debug("collab.session.end_unregistered", slog.String("err", err.Error()))
	}
}

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
			s.log.Warn("collab.session.notify_disconnect_fail", slog.String("err", err.Error()))
		}
	}
	if err := s.cb.NotifyResult(ctx, cause, reason); err != nil {
		s.log.Warn("collab.session.notify_result_fail", slog.String("err", err.Error()))
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
