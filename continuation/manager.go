// Package continuation implements the source-to-sink ability migration
// engine: per-session state machines driven by single-consumer event loops,
// and the process-wide manager that owns the session registry, enforces
// at-most-one-session-per-key, tracks timeouts, and routes inbound
// transport traffic.
package continuation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/clients"
	"github.com/meshkit/dsched/internal/accountauth"
	"github.com/meshkit/dsched/internal/eventloop"
	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/trust"
	"github.com/meshkit/dsched/wire"
)

const (
	// DefaultSessionTimeout bounds a session that stops making progress.
	DefaultSessionTimeout = 10 * time.Second

	// DefaultMaxSessions caps concurrent live continuations.
	DefaultMaxSessions = 10
)

// Config wires a Manager to its device identity and collaborators.
type Config struct {
	// LocalDeviceID is this device's mesh identity. Required.
	LocalDeviceID string

	// Adapter is the mesh transport. Required.
	Adapter transport.Adapter

	// Bundle, Account, and Ability are the local platform clients. Required.
	Bundle  clients.BundleClient
	Account clients.AccountClient
	Ability clients.AbilityClient

	// Verifier, when set, validates the account assertion on inbound start
	// commands before admitting a session.
	Verifier *accountauth.Verifier

	// Trust, when set, restricts peers to the allowlisted devices. Nil
	// admits every device.
	Trust *trust.Allowlist

	// SessionTimeout defaults to DefaultSessionTimeout.
	SessionTimeout time.Duration

	// MaxSessions defaults to DefaultMaxSessions.
	MaxSessions int

	// QuickStart asks sinks to pre-launch the ability before the payload
	// arrives.
	QuickStart bool

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// ContinueInfo identifies the most recent continuation attempt, for
// diagnostics.
type ContinueInfo struct {
	SrcDeviceID string
	DstDeviceID string
}

// Manager is the process-wide continuation registry. It is the only
// component that creates and destroys sessions; all registry mutation is
// serialized on the manager's own event loop or behind its mutex, never on
// a session's loop.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	inited      bool
	loop        *eventloop.Loop
	sessions    map[SessionKey]*Session
	timers      map[SessionKey]*time.Timer
	byTransport map[string]SessionKey
	status      map[string]transport.ConnectStatus
	last        ContinueInfo
}

// NewManager validates the configuration and returns an uninitialized
// manager. Call Init before use.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.LocalDeviceID == "" {
		return nil, fmt.Errorf("%w: local device id required", dsched.ErrInvalidParameters)
	}
	if cfg.Adapter == nil || cfg.Bundle == nil || cfg.Account == nil || cfg.Ability == nil {
		return nil, fmt.Errorf("%w: adapter and platform clients required", dsched.ErrInvalidParameters)
	}
	if cfg.SessionTimeout <= 0 {
		cfg.SessionTimeout = DefaultSessionTimeout
	}
	if cfg.MaxSessions <= 0 {
		cfg.MaxSessions = DefaultMaxSessions
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Manager{
		cfg: cfg,
		log: cfg.Logger.With(slog.String("device", cfg.LocalDeviceID)),
	}, nil
}

// Init starts the manager's event loop and registers it as the transport
// listener. Fails if already initialized.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inited {
		return dsched.ErrInvalidParameters
	}
	m.loop = eventloop.New("continue-manager:"+m.cfg.LocalDeviceID, eventloop.WithLogger(m.log))
	m.sessions = make(map[SessionKey]*Session)
	m.timers = make(map[SessionKey]*time.Timer)
	m.byTransport = make(map[string]SessionKey)
	m.status = make(map[string]transport.ConnectStatus)
	m.inited = true
	m.cfg.Adapter.SetListener(m)
	m.log.Info("continue.manager.init")
	return nil
}

// UnInit synchronously drains and releases every live session and timer.
// After UnInit the registry is empty and operations that need it fail with
// ErrInvalidParameters.
func (m *Manager) UnInit() {
	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return
	}
	m.inited = false
	sessions := m.sessions
	timers := m.timers
	loop := m.loop
	m.sessions = nil
	m.timers = nil
	m.byTransport = nil
	m.mu.Unlock()

	for _, t := range timers {
		t.Stop()
	}
	for _, sess := range sessions {
		_ = sess.CleanUpSession()
		if sess.loop != nil {
			sess.loop.Close()
		}
	}
	for _, sess := range sessions {
		if sess.loop != nil {
			<-sess.loop.Done()
		}
	}
	loop.Close()
	<-loop.Done()
	m.log.Info("continue.manager.uninit", slog.Int("drained", len(sessions)))
}

// ContinueMission starts a continuation identified by a mission ID. Inputs
// are validated synchronously; the bundle lookup, session creation, and
// first command send run on the manager's loop. A nil return means the
// request was accepted, not that it completed: completion arrives on cb.
func (m *Manager) ContinueMission(srcDeviceID, dstDeviceID string, missionID int32, cb clients.ClientCallback, params wire.WantParams) error {
	if err := m.validateMission(srcDeviceID, dstDeviceID, cb); err != nil {
		return err
	}
	return m.postHandle(func() {
		m.handleContinueMission(missionReq{
			byMission:   true,
			missionID:   missionID,
			srcDeviceID: srcDeviceID,
			dstDeviceID: dstDeviceID,
			cb:          cb,
			params:      params,
		})
	})
}

// ContinueMissionByBundle starts a continuation identified by bundle name
// and continue type.
func (m *Manager) ContinueMissionByBundle(srcDeviceID, dstDeviceID, bundleName, continueType string, cb clients.ClientCallback, params wire.WantParams) error {
	if err := m.validateMission(srcDeviceID, dstDeviceID, cb); err != nil {
		return err
	}
	if bundleName == "" {
		return dsched.ErrInvalidParameters
	}
	return m.postHandle(func() {
		m.handleContinueMission(missionReq{
			key: SessionKey{
				SourceDeviceID:   srcDeviceID,
				SourceBundleName: bundleName,
				SinkDeviceID:     dstDeviceID,
				SinkBundleName:   bundleName,
				ContinueType:     continueType,
			},
			srcDeviceID: srcDeviceID,
			dstDeviceID: dstDeviceID,
			cb:          cb,
			params:      params,
		})
	})
}

func (m *Manager) validateMission(srcDeviceID, dstDeviceID string, cb clients.ClientCallback) error {
	if srcDeviceID == "" || dstDeviceID == "" || cb == nil {
		return dsched.ErrInvalidParameters
	}
	if !m.cfg.Trust.Allowed(srcDeviceID) || !m.cfg.Trust.Allowed(dstDeviceID) {
		return dsched.ErrUntrustedDevice
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return dsched.ErrInvalidParameters
	}
	return nil
}

func (m *Manager) postHandle(task func()) error {
	m.mu.Lock()
	loop := m.loop
	inited := m.inited
	m.mu.Unlock()
	if !inited {
		return dsched.ErrInvalidParameters
	}
	return loop.Post(task)
}

type missionReq struct {
	byMission   bool
	missionID   int32
	key         SessionKey
	srcDeviceID string
	dstDeviceID string
	cb          clients.ClientCallback
	params      wire.WantParams
}

// handleContinueMission runs on the manager's loop: it resolves the session
// key, admits the session against the registry, and kicks off the source
// flow.
func (m *Manager) handleContinueMission(req missionReq) {
	key := req.key
	if req.byMission {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		bundleName, continueType, err := m.cfg.Bundle.GetMissionBundleName(ctx, req.missionID)
		cancel()
		if err != nil {
			m.notifyMissionFailed(req.cb, fmt.Errorf("%w: %v", dsched.ErrInvalidParameters, err))
			return
		}
		key = SessionKey{
			SourceDeviceID:   req.srcDeviceID,
			SourceBundleName: bundleName,
			SinkDeviceID:     req.dstDeviceID,
			SinkBundleName:   bundleName,
			ContinueType:     continueType,
		}
	}

	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return
	}
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		m.log.Warn("continue.manager.mission_in_progress", slog.String("key", key.String()))
		m.notifyMissionFailed(req.cb, dsched.ErrMissionInProgress)
		return
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.notifyMissionFailed(req.cb, dsched.ErrContinuationLimit)
		return
	}
	sess := newSession(m, dsched.RoleSource, key, req.missionID, req.cb, req.params)
	m.sessions[key] = sess
	m.last = ContinueInfo{SrcDeviceID: key.SourceDeviceID, DstDeviceID: key.SinkDeviceID}
	m.mu.Unlock()

	m.SetTimeout(key, m.cfg.SessionTimeout)

	if err := sess.Init(); err != nil {
		m.log.Error("continue.manager.session_init_fail", slog.String("err", err.Error()))
		_ = m.OnContinueEnd(key)
		m.notifyMissionFailed(req.cb, err)
		return
	}
	if err := sess.PostSrcStartTask(); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnContinueEnd(key)
		m.notifyMissionFailed(req.cb, err)
		return
	}
	m.log.Info("continue.manager.mission_started", slog.String("key", key.String()))
}

// notifyMissionFailed reports an admission failure to the caller. No
// session was created, so this is the caller's only notification.
func (m *Manager) notifyMissionFailed(cb clients.ClientCallback, cause error) {
	if cb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := cb.NotifyResult(ctx, cause, ""); err != nil {
		m.log.Warn("continue.manager.notify_fail", slog.String("err", err.Error()))
	}
}

// SetTimeout arms the session timer for a key. Arming a key with no live
// session is a no-op: the session may have completed between scheduling and
// firing.
func (m *Manager) SetTimeout(key SessionKey, d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return
	}
	if _, ok := m.sessions[key]; !ok {
		return
	}
	if t, ok := m.timers[key]; ok {
		t.Stop()
	}
	m.timers[key] = time.AfterFunc(d, func() { m.onTimeout(key) })
}

// RemoveTimeout disarms the session timer for a key.
func (m *Manager) RemoveTimeout(key SessionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
}

func (m *Manager) onTimeout(key SessionKey) {
	m.mu.Lock()
	sess := m.sessions[key]
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.log.Warn("continue.manager.session_timeout", slog.String("key", key.String()))
	if err := sess.PostErrEndTask(dsched.ErrTimeout); err != nil {
		// The session's loop is gone; reclaim the key directly.
		_ = sess.CleanUpSession()
		_ = m.OnContinueEnd(key)
	}
}

// OnContinueEnd removes a finished session's registry entry and timer
// atomically. Sessions call it from their terminal path; calling it for a
// key that is already gone is an idempotent no-op.
func (m *Manager) OnContinueEnd(key SessionKey) error {
	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return dsched.ErrInvalidParameters
	}
	sess, ok := m.sessions[key]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("continue.manager.end_unknown_key", slog.String("key", key.String()))
		return nil
	}
	delete(m.sessions, key)
	if t, ok := m.timers[key]; ok {
		t.Stop()
		delete(m.timers, key)
	}
	for tsID, k := range m.byTransport {
		if k == key {
			delete(m.byTransport, tsID)
			break
		}
	}
	m.mu.Unlock()

	if sess.loop != nil {
		sess.loop.Close()
	}
	m.log.Info("continue.manager.session_end", slog.String("key", key.String()))
	return nil
}

// bindTransport associates a transport session with a session key so
// inbound traffic can be routed.
func (m *Manager) bindTransport(tsID string, key SessionKey) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return
	}
	m.byTransport[tsID] = key
}

func (m *Manager) sessionByTransport(tsID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return nil
	}
	key, ok := m.byTransport[tsID]
	if !ok {
		return nil
	}
	return m.sessions[key]
}

// OnDataRecv implements transport.Listener. Routing runs on the manager's
// loop so inbound session creation and dispatch stay ordered.
func (m *Manager) OnDataRecv(tsID string, buf *wire.DataBuffer) {
	if err := m.postHandle(func() { m.routeDataRecv(tsID, buf) }); err != nil {
		m.log.Warn("continue.manager.recv_drop", slog.String("err", err.Error()))
	}
}

func (m *Manager) routeDataRecv(tsID string, buf *wire.DataBuffer) {
	if sess := m.sessionByTransport(tsID); sess != nil {
		if err := sess.OnDataRecv(buf); err != nil {
			m.log.Warn("continue.manager.recv_fail",
				slog.String("transport", tsID), slog.String("err", err.Error()))
		}
		return
	}

	// Unknown transport session: either a new inbound continuation or a
	// stale peer that was already cleaned up.
	svc, cmd, err := wire.Unpack(buf)
	if err != nil {
		m.log.Warn("continue.manager.recv_decode_fail",
			slog.String("transport", tsID), slog.String("err", err.Error()))
		return
	}
	if svc != wire.ServiceContinue {
		m.log.Debug("continue.manager.recv_wrong_service", slog.String("service", string(svc)))
		return
	}
	start, ok := cmd.(*wire.SourceStartCmd)
	if !ok {
		m.log.Debug("continue.manager.recv_stale",
			slog.String("transport", tsID), slog.String("cmd", string(cmd.CmdType())))
		return
	}
	m.handleInboundStart(tsID, start)
}

// handleInboundStart admits a new sink-side session for an inbound start
// command.
func (m *Manager) handleInboundStart(tsID string, start *wire.SourceStartCmd) {
	if !m.cfg.Trust.Allowed(start.SrcDeviceID) {
		m.log.Warn("continue.manager.untrusted_peer", slog.String("peer", start.SrcDeviceID))
		m.rejectInbound(tsID, "untrusted device")
		return
	}

	key := keyFromStartCmd(start)
	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return
	}
	if _, exists := m.sessions[key]; exists {
		m.mu.Unlock()
		m.rejectInbound(tsID, "session already exists")
		return
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.rejectInbound(tsID, "continuation limit reached")
		return
	}
	sess := newSession(m, dsched.RoleSink, key, start.MissionID, nil, nil)
	sess.setTransportSessionID(tsID)
	m.sessions[key] = sess
	m.byTransport[tsID] = key
	m.last = ContinueInfo{SrcDeviceID: key.SourceDeviceID, DstDeviceID: key.SinkDeviceID}
	m.mu.Unlock()

	m.SetTimeout(key, m.cfg.SessionTimeout)

	if err := sess.Init(); err != nil {
		_ = m.OnContinueEnd(key)
		return
	}
	if err := sess.PostSinkStartTask(start); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnContinueEnd(key)
		return
	}
	m.log.Info("continue.manager.inbound_admitted", slog.String("key", key.String()))
}

// rejectInbound declines an inbound start that never got a session.
func (m *Manager) rejectInbound(tsID, reason string) {
	buf, err := wire.Pack(wire.ServiceContinue, &wire.ReplyCmd{Result: wire.ResultReject, Reason: reason})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := m.cfg.Adapter.SendData(ctx, tsID, buf); err != nil {
			m.log.Debug("continue.manager.reject_send_fail", slog.String("err", err.Error()))
		}
		cancel()
	}
	m.cfg.Adapter.CloseSession(tsID)
}

// OnShutdown implements transport.Listener: a dropped transport session
// drives its owner to an error end immediately instead of waiting for the
// timer.
func (m *Manager) OnShutdown(tsID string, peerInitiated bool) {
	if err := m.postHandle(func() { m.routeShutdown(tsID, peerInitiated) }); err != nil {
		m.log.Warn("continue.manager.shutdown_drop", slog.String("err", err.Error()))
	}
}

func (m *Manager) routeShutdown(tsID string, peerInitiated bool) {
	sess := m.sessionByTransport(tsID)
	if sess == nil {
		m.log.Debug("continue.manager.shutdown_stale", slog.String("transport", tsID))
		return
	}
	peer := sess.key.SinkDeviceID
	if sess.role == dsched.RoleSink {
		peer = sess.key.SourceDeviceID
	}
	m.setDeviceStatus(peer, transport.Disconnected)
	m.log.Warn("continue.manager.peer_shutdown",
		slog.String("key", sess.key.String()), slog.Bool("peerInitiated", peerInitiated))
	if err := sess.PostErrEndTask(dsched.ErrPeerDisconnected); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnContinueEnd(sess.key)
	}
}

// NotifyTransportAvailable tells every live session's client that the
// transport came back, so callers can retry paused work.
func (m *Manager) NotifyTransportAvailable() {
	_ = m.postHandle(func() {
		m.mu.Lock()
		cbs := make([]clients.ClientCallback, 0, len(m.sessions))
		for _, sess := range m.sessions {
			if sess.cb != nil {
				cbs = append(cbs, sess.cb)
			}
		}
		m.mu.Unlock()

		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		defer cancel()
		for _, cb := range cbs {
			if err := cb.NotifyTransportAvailable(ctx); err != nil {
				m.log.Warn("continue.manager.transport_notify_fail", slog.String("err", err.Error()))
			}
		}
	})
}

func (m *Manager) setDeviceStatus(deviceID string, status transport.ConnectStatus) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited || m.status == nil {
		return
	}
	m.status[deviceID] = status
}

// ConnectStatus reports the last known connection state for a peer device.
func (m *Manager) ConnectStatus(deviceID string) transport.ConnectStatusInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	info := transport.ConnectStatusInfo{DeviceID: deviceID, Status: transport.Disconnected}
	if m.inited {
		if s, ok := m.status[deviceID]; ok {
			info.Status = s
		}
	}
	return info
}

// GetSession returns the live session for a key, or nil. Read-only; an
// unknown key never constructs a placeholder.
func (m *Manager) GetSession(key SessionKey) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return nil
	}
	return m.sessions[key]
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

// CheckContinuationLimit reports whether another session can be admitted.
func (m *Manager) CheckContinuationLimit() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return dsched.ErrInvalidParameters
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		return dsched.ErrContinuationLimit
	}
	return nil
}

// GetContinueInfo returns the device pair of the most recent continuation
// attempt.
func (m *Manager) GetContinueInfo() ContinueInfo {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.last
}

var _ transport.Listener = (*Manager)(nil)
