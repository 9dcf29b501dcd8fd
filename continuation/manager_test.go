package continuation

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/meshkit/dsched"
	"github.com/meshkit/dsched/clients/clientstest"
	"github.com/meshkit/dsched/internal/accountauth"
	"github.com/meshkit/dsched/transport/memorytransport"
	"github.com/meshkit/dsched/transport/transporttest"
	"github.com/meshkit/dsched/trust"
	"github.com/meshkit/dsched/wire"
)

const (
	testBundle  = "com.example.notes"
	waitTimeout = 5 * time.Second
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestManager(t *testing.T, net *memorytransport.Network, deviceID string, mutate func(*Config)) (*Manager, *clientstest.FakeAbility) {
	t.Helper()
	ability := &clientstest.FakeAbility{}
	cfg := Config{
		LocalDeviceID: deviceID,
		Adapter:       net.Endpoint(deviceID),
		Bundle: &clientstest.FakeBundle{
			MissionMap:   map[int32]string{1: testBundle},
			ContinueType: "sync",
			Installed:    true,
		},
		Account:        &clientstest.FakeAccount{Info: wire.AccountInfo{Type: 1}},
		Ability:        ability,
		SessionTimeout: 5 * time.Second,
		Logger:         discardLogger(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	m, err := NewManager(cfg)
	if err != nil {
		t.Fatalf("NewManager(%s): %v", deviceID, err)
	}
	if err := m.Init(); err != nil {
		t.Fatalf("Init(%s): %v", deviceID, err)
	}
	t.Cleanup(m.UnInit)
	return m, ability
}

func testKey(src, dst string) SessionKey {
	return SessionKey{
		SourceDeviceID:   src,
		SourceBundleName: testBundle,
		SinkDeviceID:     dst,
		SinkBundleName:   testBundle,
		ContinueType:     "sync",
	}
}

func waitNotification(t *testing.T, cb *clientstest.RecordingCallback) clientstest.Notification {
	t.Helper()
	select {
	case n := <-cb.Ch:
		return n
	case <-time.After(waitTimeout):
		t.Fatal("timed out waiting for client notification")
		return clientstest.Notification{}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestContinueMissionHappyPath(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", nil)
	sink, sinkAbility := newTestManager(t, net, "devB", nil)

	cb := clientstest.NewRecordingCallback()
	params := wire.WantParams{"doc": wire.StringValue("draft-7")}
	if err := src.ContinueMission("devA", "devB", 1, cb, params); err != nil {
		t.Fatalf("ContinueMission: %v", err)
	}

	n := waitNotification(t, cb)
	if n.Result != nil {
		t.Fatalf("continuation failed: %v (%q)", n.Result, n.Reason)
	}

	waitFor(t, "registries to drain", func() bool {
		return src.SessionCount() == 0 && sink.SessionCount() == 0
	})
	if src.GetSession(testKey("devA", "devB")) != nil {
		t.Fatal("source registry still holds the key")
	}

	started := sinkAbility.Started()
	if len(started) != 1 || started[0] != testBundle {
		t.Fatalf("sink started %v, want [%s]", started, testBundle)
	}
	if got := len(cb.Results()); got != 1 {
		t.Fatalf("client notified %d times, want exactly 1", got)
	}

	info := src.GetContinueInfo()
	if info.SrcDeviceID != "devA" || info.DstDeviceID != "devB" {
		t.Fatalf("continue info = %+v", info)
	}
}

func TestSessionTimeout(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", func(c *Config) {
		c.SessionTimeout = 100 * time.Millisecond
	})
	// devB is reachable but deaf: no manager is listening there.
	net.Endpoint("devB")

	cb := clientstest.NewRecordingCallback()
	if err := src.ContinueMission("devA", "devB", 1, cb, nil); err != nil {
		t.Fatalf("ContinueMission: %v", err)
	}

	n := waitNotification(t, cb)
	if !errors.Is(n.Result, dsched.ErrTimeout) {
		t.Fatalf("result = %v, want timeout", n.Result)
	}
	waitFor(t, "registry to drain", func() bool { return src.SessionCount() == 0 })
	if got := len(cb.Results()); got != 1 {
		t.Fatalf("client notified %d times, want exactly 1", got)
	}
}

func TestSinkRejectsUninstalledBundle(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", nil)
	sink, _ := newTestManager(t, net, "devB", func(c *Config) {
		c.Bundle = &clientstest.FakeBundle{Installed: false}
	})

	cb := clientstest.NewRecordingCallback()
	if err := src.ContinueMission("devA", "devB", 1, cb, nil); err != nil {
		t.Fatalf("ContinueMission: %v", err)
	}

	n := waitNotification(t, cb)
	if !errors.Is(n.Result, dsched.ErrPeerRejected) {
		t.Fatalf("result = %v, want peer rejected", n.Result)
	}
	if n.Reason != "bundle not installed" {
		t.Fatalf("reason = %q", n.Reason)
	}
	waitFor(t, "registries to drain", func() bool {
		return src.SessionCount() == 0 && sink.SessionCount() == 0
	})
}

func TestPostAbilityRejectTask(t *testing.T) {
	net := memorytransport.NewNetwork()
	srcL := transporttest.NewRecordingListener()
	net.Endpoint("devA").SetListener(srcL)
	sinkMgr, _ := newTestManager(t, net, "devB", nil)

	// A sink session already past its start phase, wired by hand.
	key := testKey("devA", "devB")
	sess := newSession(sinkMgr, dsched.RoleSink, key, 1, nil, nil)
	tsID, err := sinkMgr.cfg.Adapter.ConnectDevice(context.Background(), "devA")
	if err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	sess.setTransportSessionID(tsID)
	sinkMgr.mu.Lock()
	sinkMgr.sessions[key] = sess
	sinkMgr.byTransport[tsID] = key
	sinkMgr.mu.Unlock()
	if err := sess.Init(); err != nil {
		t.Fatalf("session Init: %v", err)
	}
	sess.sm.UpdateState(StateData)

	if err := sess.PostAbilityRejectTask("user declined"); err != nil {
		t.Fatalf("PostAbilityRejectTask: %v", err)
	}

	var rec transporttest.Recv
	select {
	case rec = <-srcL.RecvCh:
	case <-time.After(waitTimeout):
		t.Fatal("peer never received the reject")
	}
	_, cmd, err := wire.Unpack(wire.BufferFrom(rec.Data))
	if err != nil {
		t.Fatalf("Unpack: %v", err)
	}
	nr, ok := cmd.(*wire.NotifyResultCmd)
	if !ok {
		t.Fatalf("peer received %T, want NotifyResultCmd", cmd)
	}
	if nr.Result != wire.ResultReject || nr.RejectReason != "user declined" {
		t.Fatalf("notify result = %+v", nr)
	}

	waitFor(t, "session to terminate", func() bool {
		return sess.CurrentState() == StateSinkEnd && sinkMgr.SessionCount() == 0
	})
}

func TestDataSendEntersWaitEnd(t *testing.T) {
	net := memorytransport.NewNetwork()
	sinkL := transporttest.NewRecordingListener()
	net.Endpoint("devB").SetListener(sinkL)
	mgr, _ := newTestManager(t, net, "devA", nil)

	// A source session in its ability phase, wired by hand.
	cb := clientstest.NewRecordingCallback()
	key := testKey("devA", "devB")
	sess := newSession(mgr, dsched.RoleSource, key, 1, cb, nil)
	tsID, err := mgr.cfg.Adapter.ConnectDevice(context.Background(), "devB")
	if err != nil {
		t.Fatalf("ConnectDevice: %v", err)
	}
	sess.setTransportSessionID(tsID)
	mgr.mu.Lock()
	mgr.sessions[key] = sess
	mgr.byTransport[tsID] = key
	mgr.mu.Unlock()
	if err := sess.Init(); err != nil {
		t.Fatalf("session Init: %v", err)
	}
	sess.sm.UpdateState(StateAbility)

	// The transition to the wait phase lands in the same dispatch as the
	// send, so a result queued right behind the data command finds a state
	// that accepts it.
	if err := sess.sm.Execute(&Event{Type: EventSendData}); err != nil {
		t.Fatalf("send-data dispatch: %v", err)
	}
	if got := sess.CurrentState(); got != StateSourceWaitEnd {
		t.Fatalf("state after send = %v, want source_wait_end", got)
	}

	if err := sess.sm.Execute(&Event{Type: EventNotifyComplete, Payload: &wire.NotifyResultCmd{Result: wire.ResultOK}}); err != nil {
		t.Fatalf("notify dispatch: %v", err)
	}
	n := waitNotification(t, cb)
	if n.Result != nil {
		t.Fatalf("result = %v, want success", n.Result)
	}
	if got := len(cb.Results()); got != 1 {
		t.Fatalf("client notified %d times, want exactly 1", got)
	}
}

func TestNotifyTransportAvailable(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", func(c *Config) {
		c.SessionTimeout = 30 * time.Second
	})
	// devB is reachable but deaf, so the session stays parked.
	net.Endpoint("devB")

	cb := clientstest.NewRecordingCallback()
	if err := src.ContinueMission("devA", "devB", 1, cb, nil); err != nil {
		t.Fatalf("ContinueMission: %v", err)
	}
	waitFor(t, "session to register", func() bool { return src.SessionCount() == 1 })

	src.NotifyTransportAvailable()
	waitFor(t, "transport-available notification", func() bool {
		return cb.TransportNotifications() == 1
	})
	if len(cb.Results()) != 0 {
		t.Fatal("transport availability must not terminate the session")
	}
}

func TestDuplicateMissionRejected(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", func(c *Config) {
		c.SessionTimeout = 2 * time.Second
	})
	net.Endpoint("devB")

	cb1 := clientstest.NewRecordingCallback()
	cb2 := clientstest.NewRecordingCallback()
	key := testKey("devA", "devB")

	if err := src.ContinueMissionByBundle("devA", "devB", testBundle, "sync", cb1, nil); err != nil {
		t.Fatalf("first mission: %v", err)
	}
	waitFor(t, "first session to register", func() bool { return src.GetSession(key) != nil })

	if err := src.ContinueMissionByBundle("devA", "devB", testBundle, "sync", cb2, nil); err != nil {
		t.Fatalf("second mission rejected synchronously: %v", err)
	}
	n := waitNotification(t, cb2)
	if !errors.Is(n.Result, dsched.ErrMissionInProgress) {
		t.Fatalf("second mission result = %v, want in-progress rejection", n.Result)
	}
	if src.SessionCount() != 1 {
		t.Fatalf("session count = %d, want 1", src.SessionCount())
	}
	if len(cb1.Results()) != 0 {
		t.Fatal("first mission's callback fired early")
	}
}

func TestTerminalStateRejectsEvents(t *testing.T) {
	net := memorytransport.NewNetwork()
	mgr, _ := newTestManager(t, net, "devA", nil)
	net.Endpoint("devB")

	cb := clientstest.NewRecordingCallback()
	key := testKey("devA", "devB")
	sess := newSession(mgr, dsched.RoleSource, key, 1, cb, nil)
	mgr.mu.Lock()
	mgr.sessions[key] = sess
	mgr.mu.Unlock()
	if err := sess.Init(); err != nil {
		t.Fatalf("session Init: %v", err)
	}

	if err := sess.PostErrEndTask(dsched.ErrRemoteFailed); err != nil {
		t.Fatalf("PostErrEndTask: %v", err)
	}
	n := waitNotification(t, cb)
	if !errors.Is(n.Result, dsched.ErrRemoteFailed) {
		t.Fatalf("result = %v", n.Result)
	}
	waitFor(t, "terminal state", func() bool { return sess.CurrentState() == StateSourceEnd })

	if err := sess.sm.Execute(&Event{Type: EventErrEnd, Payload: dsched.ErrTimeout}); !errors.Is(err, dsched.ErrInvalidState) {
		t.Fatalf("terminal dispatch = %v, want invalid state", err)
	}
	if err := sess.sm.Execute(&Event{Type: EventNotifyComplete, Payload: &wire.NotifyResultCmd{}}); !errors.Is(err, dsched.ErrInvalidState) {
		t.Fatalf("terminal dispatch = %v, want invalid state", err)
	}
	if got := len(cb.Results()); got != 1 {
		t.Fatalf("client notified %d times, want exactly 1", got)
	}
}

func TestDecodeFailureLeavesStateUnchanged(t *testing.T) {
	net := memorytransport.NewNetwork()
	mgr, _ := newTestManager(t, net, "devA", nil)

	cb := clientstest.NewRecordingCallback()
	key := testKey("devA", "devB")
	sess := newSession(mgr, dsched.RoleSource, key, 1, cb, nil)
	if err := sess.Init(); err != nil {
		t.Fatalf("session Init: %v", err)
	}

	if err := sess.OnDataRecv(wire.NewDataBuffer(3)); !errors.Is(err, dsched.ErrDecode) {
		t.Fatalf("OnDataRecv = %v, want decode error", err)
	}
	// No event was posted: the session holds its phase and nobody was
	// notified.
	time.Sleep(20 * time.Millisecond)
	if got := sess.CurrentState(); got != StateSourceStart {
		t.Fatalf("state = %v, want source_start", got)
	}
	if len(cb.Results()) != 0 {
		t.Fatal("decode failure must not notify the client")
	}
}

func TestPeerDisconnectDrivesErrorEnd(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", nil)
	sinkL := transporttest.NewRecordingListener()
	net.Endpoint("devB").SetListener(sinkL)

	cb := clientstest.NewRecordingCallback()
	if err := src.ContinueMissionByBundle("devA", "devB", testBundle, "sync", cb, nil); err != nil {
		t.Fatalf("ContinueMissionByBundle: %v", err)
	}

	var rec transporttest.Recv
	select {
	case rec = <-sinkL.RecvCh:
	case <-time.After(waitTimeout):
		t.Fatal("sink never saw the start command")
	}
	net.Endpoint("devB").CloseSession(rec.SessionID)

	n := waitNotification(t, cb)
	if !errors.Is(n.Result, dsched.ErrPeerDisconnected) {
		t.Fatalf("result = %v, want peer disconnected", n.Result)
	}
	if cb.Disconnects() != 1 {
		t.Fatalf("disconnect notifications = %d, want 1", cb.Disconnects())
	}
	waitFor(t, "registry to drain", func() bool { return src.SessionCount() == 0 })
}

func TestContinuationLimit(t *testing.T) {
	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", func(c *Config) {
		c.MaxSessions = 1
		c.SessionTimeout = 2 * time.Second
	})
	net.Endpoint("devB")

	cb1 := clientstest.NewRecordingCallback()
	if err := src.ContinueMissionByBundle("devA", "devB", "bundle.one", "", cb1, nil); err != nil {
		t.Fatalf("first mission: %v", err)
	}
	waitFor(t, "first session to register", func() bool { return src.SessionCount() == 1 })

	if err := src.CheckContinuationLimit(); !errors.Is(err, dsched.ErrContinuationLimit) {
		t.Fatalf("CheckContinuationLimit = %v, want limit error", err)
	}

	cb2 := clientstest.NewRecordingCallback()
	if err := src.ContinueMissionByBundle("devA", "devB", "bundle.two", "", cb2, nil); err != nil {
		t.Fatalf("second mission: %v", err)
	}
	n := waitNotification(t, cb2)
	if !errors.Is(n.Result, dsched.ErrContinuationLimit) {
		t.Fatalf("second mission result = %v, want limit rejection", n.Result)
	}
}

func TestUntrustedDeviceRejected(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trusted")
	if err := os.WriteFile(path, []byte("devA\ndevB\n"), 0o600); err != nil {
		t.Fatalf("write allowlist: %v", err)
	}
	allow, err := trust.Open(path, discardLogger())
	if err != nil {
		t.Fatalf("trust.Open: %v", err)
	}
	defer allow.Close()

	net := memorytransport.NewNetwork()
	src, _ := newTestManager(t, net, "devA", func(c *Config) { c.Trust = allow })

	cb := clientstest.NewRecordingCallback()
	if err := src.ContinueMission("devA", "devC", 1, cb, nil); !errors.Is(err, dsched.ErrUntrustedDevice) {
		t.Fatalf("ContinueMission to devC = %v, want untrusted rejection", err)
	}
}

func TestAccountAssertionChecked(t *testing.T) {
	hmacKey := []byte("0123456789abcdef0123456789abcdef")
	signer, err := accountauth.NewSigner("mesh.local", hmacKey)
	if err != nil {
		t.Fatalf("NewSigner: %v", err)
	}
	verifier, err := accountauth.NewVerifier(accountauth.VerifierConfig{Issuer: "mesh.local"}, hmacKey)
	if err != nil {
		t.Fatalf("NewVerifier: %v", err)
	}

	t.Run("ValidAssertionAdmitted", func(t *testing.T) {
		assertion, err := signer.Sign(1, nil, time.Minute)
		if err != nil {
			t.Fatalf("Sign: %v", err)
		}

		net := memorytransport.NewNetwork()
		src, _ := newTestManager(t, net, "devA", func(c *Config) {
			c.Account = &clientstest.FakeAccount{
				Info: wire.AccountInfo{Type: 1, Assertion: assertion},
			}
		})
		newTestManager(t, net, "devB", func(c *Config) { c.Verifier = verifier })

		cb := clientstest.NewRecordingCallback()
		if err := src.ContinueMission("devA", "devB", 1, cb, nil); err != nil {
			t.Fatalf("ContinueMission: %v", err)
		}
		if n := waitNotification(t, cb); n.Result != nil {
			t.Fatalf("continuation failed: %v (%q)", n.Result, n.Reason)
		}
	})

	t.Run("MissingAssertionRejected", func(t *testing.T) {
		net := memorytransport.NewNetwork()
		src, _ := newTestManager(t, net, "devA", nil)
		newTestManager(t, net, "devB", func(c *Config) { c.Verifier = verifier })

		cb := clientstest.NewRecordingCallback()
		if err := src.ContinueMission("devA", "devB", 1, cb, nil); err != nil {
			t.Fatalf("ContinueMission: %v", err)
		}
		n := waitNotification(t, cb)
		if !errors.Is(n.Result, dsched.ErrPeerRejected) {
			t.Fatalf("result = %v, want peer rejected", n.Result)
		}
		if n.Reason != "account mismatch" {
			t.Fatalf("reason = %q", n.Reason)
		}
	})
}

func TestUnInitRejectsFurtherUse(t *testing.T) {
	net := memorytransport.NewNetwork()
	mgr, _ := newTestManager(t, net, "devA", nil)
	mgr.UnInit()

	cb := clientstest.NewRecordingCallback()
	if err := mgr.ContinueMission("devA", "devB", 1, cb, nil); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("ContinueMission after UnInit = %v", err)
	}
	if err := mgr.OnContinueEnd(testKey("devA", "devB")); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("OnContinueEnd after UnInit = %v", err)
	}
}

func TestMissionValidation(t *testing.T) {
	net := memorytransport.NewNetwork()
	mgr, _ := newTestManager(t, net, "devA", nil)
	cb := clientstest.NewRecordingCallback()

	if err := mgr.ContinueMission("", "devB", 1, cb, nil); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("empty source device = %v", err)
	}
	if err := mgr.ContinueMission("devA", "", 1, cb, nil); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("empty sink device = %v", err)
	}
	if err := mgr.ContinueMission("devA", "devB", 1, nil, nil); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("nil callback = %v", err)
	}
	if err := mgr.ContinueMissionByBundle("devA", "devB", "", "", cb, nil); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("empty bundle = %v", err)
	}
}

func TestOnContinueEndUnknownKeyIsNoOp(t *testing.T) {
	net := memorytransport.NewNetwork()
	mgr, _ := newTestManager(t, net, "devA", nil)
	if err := mgr.OnContinueEnd(testKey("devA", "devB")); err != nil {
		t.Fatalf("OnContinueEnd for absent key = %v, want nil", err)
	}
}
