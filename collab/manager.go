// Package collab implements the caller-to-callee ability collaboration
// engine. It shares the continuation engine's shape: per-session state
// machines on single-consumer event loops behind a process-wide manager,
// but sessions are keyed by an opaque generated token and the handshake is
// a single prepare-result exchange.
package collab

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/clients"
	"github.com/meshkit/dsched/internal/accountauth"
	"github.com/meshkit/dsched/internal/eventloop"
	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/trust"
	"github.com/meshkit/dsched/wire"
)

const (
	// DefaultSessionTimeout bounds a collaboration that stops making
	// progress.
	DefaultSessionTimeout = 10 * time.Second

	// DefaultMaxSessions caps concurrent live collaborations.
	DefaultMaxSessions = 10
)

// Info describes one collaboration request.
type Info struct {
	SrcDeviceID    string
	SinkDeviceID   string
	SrcBundleName  string
	SinkBundleName string
	AbilityName    string
	Params         wire.WantParams
	Callback       clients.ClientCallback
}

// identity is the duplicate-detection key: the same caller asking for the
// same ability on the same callee is one logical collaboration even though
// every attempt gets a fresh token.
type identity struct {
	srcDevice  string
	sinkDevice string
	srcBundle  string
	sinkBundle string
	ability    string
}

func identityOf(info Info) identity {
	return identity{
		srcDevice:  info.SrcDeviceID,
		sinkDevice: info.SinkDeviceID,
		srcBundle:  info.SrcBundleName,
		sinkBundle: info.SinkBundleName,
		ability:    info.AbilityName,
	}
}

// Config wires a Manager to its device identity and collaborators. The
// fields mirror the continuation manager's.
type Config struct {
	LocalDeviceID string
	Adapter       transport.Adapter
	Bundle        clients.BundleClient
	Account       clients.AccountClient
	Ability       clients.AbilityClient

	Verifier *accountauth.Verifier
	Trust    *trust.Allowlist

	SessionTimeout time.Duration
	MaxSessions    int
	Logger         *slog.Logger
}

// Manager is the process-wide collaboration registry, keyed by token.
type Manager struct {
	cfg Config
	log *slog.Logger

	mu          sync.Mutex
	inited      bool
	loop        *eventloop.Loop
	sessions    map[string]*Session
	identities  map[identity]string
	timers      map[string]*time.Timer
	byTransport map[string]string
	status      map[string]transport.ConnectStatus
}

// NewManager validates the configuration and returns an uninitialized
// manager.
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

// GenerateCollabToken mints a unique token for one collaboration attempt.
func GenerateCollabToken() string {
	return uuid.NewString()
}

// Init starts the manager's event loop and registers it as the transport
// listener.
func (m *Manager) Init() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.inited {
		return dsched.ErrInvalidParameters
	}
	m.loop = eventloop.New("collab-manager:"+m.cfg.LocalDeviceID, eventloop.WithLogger(m.log))
	m.sessions = make(map[string]*Session)
	m.identities = make(map[identity]string)
	m.timers = make(map[string]*time.Timer)
	m.byTransport = make(map[string]string)
	m.status = make(map[string]transport.ConnectStatus)
	m.inited = true
	m.cfg.Adapter.SetListener(m)
	m.log.Info("collab.manager.init")
	return nil
}

// UnInit synchronously drains and releases every live session and timer.
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
	m.identities = nil
	m.timers = nil
	m.byTransport = nil
	m.status = nil
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
	m.log.Info("collab.manager.uninit", slog.Int("drained", len(sessions)))
}

// CollabMission starts a collaboration. Inputs are validated synchronously;
// token generation, session creation, and the first command send run on the
// manager's loop. Completion arrives on info.Callback.
func (m *Manager) CollabMission(info Info) error {
	if info.SrcDeviceID == "" || info.SinkDeviceID == "" || info.SrcBundleName == "" ||
		info.SinkBundleName == "" || info.AbilityName == "" || info.Callback == nil {
		return dsched.ErrInvalidParameters
	}
	if !m.cfg.Trust.Allowed(info.SrcDeviceID) || !m.cfg.Trust.Allowed(info.SinkDeviceID) {
		return dsched.ErrUntrustedDevice
	}
	return m.postHandle(func() { m.handleCollabMission(info) })
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

// handleCollabMission runs on the manager's loop: it enforces one live
// session per identity, mints the token, and kicks off the caller flow.
func (m *Manager) handleCollabMission(info Info) {
	id := identityOf(info)

	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return
	}
	if _, exists := m.identities[id]; exists {
		m.mu.Unlock()
		m.log.Warn("collab.manager.mission_in_progress", slog.String("ability", info.AbilityName))
		m.notifyMissionFailed(info.Callback, dsched.ErrMissionInProgress)
		return
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.notifyMissionFailed(info.Callback, dsched.ErrContinuationLimit)
		return
	}
	token := GenerateCollabToken()
	sess := newSession(m, dsched.RoleSource, token, info)
	m.sessions[token] = sess
	m.identities[id] = token
	m.mu.Unlock()

	m.SetTimeout(token, m.cfg.SessionTimeout)

	if err := sess.Init(); err != nil {
		_ = m.OnCollabEnd(token)
		m.notifyMissionFailed(info.Callback, err)
		return
	}
	if err := sess.PostSrcStartTask(); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnCollabEnd(token)
		m.notifyMissionFailed(info.Callback, err)
		return
	}
	m.log.Info("collab.manager.mission_started",
		slog.String("collabToken", token), slog.String("ability", info.AbilityName))
}

func (m *Manager) notifyMissionFailed(cb clients.ClientCallback, cause error) {
	if cb == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()
	if err := cb.NotifyResult(ctx, cause, ""); err != nil {
		m.log.Warn("collab.manager.notify_fail", slog.String("err", err.Error()))
	}
}

// SetTimeout arms the session timer for a token; a token with no live
// session is a no-op.
func (m *Manager) SetTimeout(token string, d time.Duration) {
	if d <= 0 {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return
	}
	if _, ok := m.sessions[token]; !ok {
		return
	}
	if t, ok := m.timers[token]; ok {
		t.Stop()
	}
	m.timers[token] = time.AfterFunc(d, func() { m.onTimeout(token) })
}

// RemoveTimeout disarms the session timer for a token.
func (m *Manager) RemoveTimeout(token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if t, ok := m.timers[token]; ok {
		t.Stop()
		delete(m.timers, token)
	}
}

func (m *Manager) onTimeout(token string) {
	m.mu.Lock()
	sess := m.sessions[token]
	m.mu.Unlock()
	if sess == nil {
		return
	}
	m.log.Warn("collab.manager.session_timeout", slog.String("collabToken", token))
	if err := sess.PostErrEndTask(dsched.ErrTimeout); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnCollabEnd(token)
	}
}

// OnCollabEnd removes a finished session's registry entry, identity, and
// timer atomically. Idempotent for an unknown token.
func (m *Manager) OnCollabEnd(token string) error {
	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return dsched.ErrInvalidParameters
	}
	sess, ok := m.sessions[token]
	if !ok {
		m.mu.Unlock()
		m.log.Debug("collab.manager.end_unknown_token", slog.String("collabToken", token))
		return nil
	}
	delete(m.sessions, token)
	if sess.role == dsched.RoleSource {
		delete(m.identities, identityOf(sess.info))
	}
	if t, ok := m.timers[token]; ok {
		t.Stop()
		delete(m.timers, token)
	}
	for tsID, tok := range m.byTransport {
		if tok == token {
			delete(m.byTransport, tsID)
			break
		}
	}
	m.mu.Unlock()

	if sess.loop != nil {
		sess.loop.Close()
	}
	m.log.Info("collab.manager.session_end", slog.String("collabToken", token))
	return nil
}

func (m *Manager) bindTransport(tsID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return
	}
	m.byTransport[tsID] = token
}

func (m *Manager) sessionByTransport(tsID string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return nil
	}
	token, ok := m.byTransport[tsID]
	if !ok {
		return nil
	}
	return m.sessions[token]
}

// OnDataRecv implements transport.Listener.
func (m *Manager) OnDataRecv(tsID string, buf *wire.DataBuffer) {
	if err := m.postHandle(func() { m.routeDataRecv(tsID, buf) }); err != nil {
		m.log.Warn("collab.manager.recv_drop", slog.String("err", err.Error()))
	}
}

func (m *Manager) routeDataRecv(tsID string, buf *wire.DataBuffer) {
	if sess := m.sessionByTransport(tsID); sess != nil {
		if err := sess.OnDataRecv(buf); err != nil {
			m.log.Warn("collab.manager.recv_fail",
				slog.String("transport", tsID), slog.String("err", err.Error()))
		}
		return
	}

	svc, cmd, err := wire.Unpack(buf)
	if err != nil {
		m.log.Warn("collab.manager.recv_decode_fail",
			slog.String("transport", tsID), slog.String("err", err.Error()))
		return
	}
	if svc != wire.ServiceCollab {
		m.log.Debug("collab.manager.recv_wrong_service", slog.String("service", string(svc)))
		return
	}
	start, ok := cmd.(*wire.SinkStartCmd)
	if !ok {
		m.log.Debug("collab.manager.recv_stale",
			slog.String("transport", tsID), slog.String("cmd", string(cmd.CmdType())))
		return
	}
	m.handleInboundStart(tsID, start)
}

// handleInboundStart admits a new callee-side session for an inbound start
// command.
func (m *Manager) handleInboundStart(tsID string, start *wire.SinkStartCmd) {
	if start.CollabToken == "" {
		m.log.Warn("collab.manager.inbound_missing_token")
		m.rejectInbound(tsID, "", "missing collab token")
		return
	}
	if !m.cfg.Trust.Allowed(start.SrcDeviceID) {
		m.log.Warn("collab.manager.untrusted_peer", slog.String("peer", start.SrcDeviceID))
		m.rejectInbound(tsID, start.CollabToken, "untrusted device")
		return
	}

	m.mu.Lock()
	if !m.inited {
		m.mu.Unlock()
		return
	}
	if _, exists := m.sessions[start.CollabToken]; exists {
		m.mu.Unlock()
		m.rejectInbound(tsID, start.CollabToken, "session already exists")
		return
	}
	if len(m.sessions) >= m.cfg.MaxSessions {
		m.mu.Unlock()
		m.rejectInbound(tsID, start.CollabToken, "collaboration limit reached")
		return
	}
	sess := newSession(m, dsched.RoleSink, start.CollabToken, Info{
		SrcDeviceID:    start.SrcDeviceID,
		SinkDeviceID:   start.SinkDeviceID,
		SrcBundleName:  start.SrcBundleName,
		SinkBundleName: start.SinkBundleName,
		AbilityName:    start.AbilityName,
		Params:         start.Params,
	})
	sess.setTransportSessionID(tsID)
	m.sessions[start.CollabToken] = sess
	m.byTransport[tsID] = start.CollabToken
	m.mu.Unlock()

	m.SetTimeout(start.CollabToken, m.cfg.SessionTimeout)

	if err := sess.Init(); err != nil {
		_ = m.OnCollabEnd(start.CollabToken)
		return
	}
	if err := sess.PostSinkStartTask(start); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnCollabEnd(start.CollabToken)
		return
	}
	m.log.Info("collab.manager.inbound_admitted", slog.String("collabToken", start.CollabToken))
}

func (m *Manager) rejectInbound(tsID, token, reason string) {
	buf, err := wire.Pack(wire.ServiceCollab, &wire.PrepareResultCmd{
		CollabToken: token,
		Result:      wire.ResultReject,
		Reason:      reason,
	})
	if err == nil {
		ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
		if err := m.cfg.Adapter.SendData(ctx, tsID, buf); err != nil {
			m.log.Debug("collab.manager.reject_send_fail", slog.String("err", err.Error()))
		}
		cancel()
	}
	m.cfg.Adapter.CloseSession(tsID)
}

// OnShutdown implements transport.Listener.
func (m *Manager) OnShutdown(tsID string, peerInitiated bool) {
	if err := m.postHandle(func() { m.routeShutdown(tsID, peerInitiated) }); err != nil {
		m.log.Warn("collab.manager.shutdown_drop", slog.String("err", err.Error()))
	}
}

func (m *Manager) routeShutdown(tsID string, peerInitiated bool) {
	sess := m.sessionByTransport(tsID)
	if sess == nil {
		m.log.Debug("collab.manager.shutdown_stale", slog.String("transport", tsID))
		return
	}
	peer := sess.info.SinkDeviceID
	if sess.role == dsched.RoleSink {
		peer = sess.info.SrcDeviceID
	}
	m.setDeviceStatus(peer, transport.Disconnected)
	m.log.Warn("collab.manager.peer_shutdown",
		slog.String("collabToken", sess.token), slog.Bool("peerInitiated", peerInitiated))
	if err := sess.PostErrEndTask(dsched.ErrPeerDisconnected); err != nil {
		_ = sess.CleanUpSession()
		_ = m.OnCollabEnd(sess.token)
	}
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

// GetSessionByToken returns the live session for a token, or nil for an
// unknown token.
func (m *Manager) GetSessionByToken(token string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.inited {
		return nil
	}
	return m.sessions[token]
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.sessions)
}

var _ transport.Listener = (*Manager)(nil)
