// Package transporttest provides a reusable conformance suite for
// transport.Adapter implementations, plus a recording listener for use in
// engine tests.
package transporttest

import (
	"bytes"
	"context"
	"sync"
	"testing"
	"time"

	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/wire"
)

const waitTimeout = 5 * time.Second

// Mesh abstracts how a test obtains connected adapters for named devices.
type Mesh interface {
	// Adapter returns the adapter for the named device, creating it on first
	// use. The adapter must be ready to deliver inbound traffic once a
	// listener is set.
	Adapter(t *testing.T, deviceID string) transport.Adapter
	// Close releases all mesh resources.
	Close()
}

// Recv is one recorded OnDataRecv call.
type Recv struct {
	SessionID string
	Data      []byte
}

// Shutdown is one recorded OnShutdown call.
type Shutdown struct {
	SessionID     string
	PeerInitiated bool
}

// RecordingListener records deliveries and signals each on a channel.
type RecordingListener struct {
	mu        sync.Mutex
	recvs     []Recv
	shutdowns []Shutdown

	RecvCh     chan Recv
	ShutdownCh chan Shutdown
}

func NewRecordingListener() *RecordingListener {
	return &RecordingListener{
		RecvCh:     make(chan Recv, 128),
		ShutdownCh: make(chan Shutdown, 16),
	}
}

func (r *RecordingListener) OnDataRecv(sessionID string, buf *wire.DataBuffer) {
	rec := Recv{SessionID: sessionID, Data: append([]byte(nil), buf.Data()...)}
	r.mu.Lock()
	r.recvs = append(r.recvs, rec)
	r.mu.Unlock()
	r.RecvCh <- rec
}

func (r *RecordingListener) OnShutdown(sessionID string, peerInitiated bool) {
	s := Shutdown{SessionID: sessionID, PeerInitiated: peerInitiated}
	r.mu.Lock()
	r.shutdowns = append(r.shutdowns, s)
	r.mu.Unlock()
	r.ShutdownCh <- s
}

func (r *RecordingListener) Recvs() []Recv {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Recv(nil), r.recvs...)
}

var _ transport.Listener = (*RecordingListener)(nil)

// RunTransportTests runs the conformance suite against a fresh mesh per
// subtest.
func RunTransportTests(t *testing.T, newMesh func(t *testing.T) Mesh) {
	t.Helper()

	t.Run("OrderedDelivery", func(t *testing.T) {
		mesh := newMesh(t)
		defer mesh.Close()

		src := mesh.Adapter(t, "devA")
		sink := mesh.Adapter(t, "devB")
		sinkL := NewRecordingListener()
		sink.SetListener(sinkL)
		src.SetListener(NewRecordingListener())

		ctx := context.Background()
		sessID, err := src.ConnectDevice(ctx, "devB")
		if err != nil {
			t.Fatalf("ConnectDevice: %v", err)
		}

		const n = 20
		for i := 0; i < n; i++ {
			if err := src.SendData(ctx, sessID, wire.BufferFrom([]byte{byte(i)})); err != nil {
				t.Fatalf("SendData(%d): %v", i, err)
			}
		}

		for i := 0; i < n; i++ {
			select {
			case rec := <-sinkL.RecvCh:
				if len(rec.Data) != 1 || rec.Data[0] != byte(i) {
					t.Fatalf("message %d = %v, out of order", i, rec.Data)
				}
			case <-time.After(waitTimeout):
				t.Fatalf("timed out waiting for message %d", i)
			}
		}
	})

	t.Run("ReplyDirection", func(t *testing.T) {
		mesh := newMesh(t)
		defer mesh.Close()

		src := mesh.Adapter(t, "devA")
		sink := mesh.Adapter(t, "devB")
		srcL := NewRecordingListener()
		sinkL := NewRecordingListener()
		src.SetListener(srcL)
		sink.SetListener(sinkL)

		ctx := context.Background()
		sessID, err := src.ConnectDevice(ctx, "devB")
		if err != nil {
			t.Fatalf("ConnectDevice: %v", err)
		}
		if err := src.SendData(ctx, sessID, wire.BufferFrom([]byte("ping"))); err != nil {
			t.Fatalf("SendData: %v", err)
		}

		var inbound Recv
		select {
		case inbound = <-sinkL.RecvCh:
		case <-time.After(waitTimeout):
			t.Fatal("sink never saw the ping")
		}

		if err := sink.SendData(ctx, inbound.SessionID, wire.BufferFrom([]byte("pong"))); err != nil {
			t.Fatalf("reply SendData: %v", err)
		}
		select {
		case rec := <-srcL.RecvCh:
			if !bytes.Equal(rec.Data, []byte("pong")) {
				t.Fatalf("reply = %q, want pong", rec.Data)
			}
			if rec.SessionID != sessID {
				t.Fatalf("reply session = %q, want %q", rec.SessionID, sessID)
			}
		case <-time.After(waitTimeout):
			t.Fatal("source never saw the pong")
		}
	})

	t.Run("CloseNotifiesPeer", func(t *testing.T) {
		mesh := newMesh(t)
		defer mesh.Close()

		src := mesh.Adapter(t, "devA")
		sink := mesh.Adapter(t, "devB")
		sinkL := NewRecordingListener()
		sink.SetListener(sinkL)
		src.SetListener(NewRecordingListener())

		ctx := context.Background()
		sessID, err := src.ConnectDevice(ctx, "devB")
		if err != nil {
			t.Fatalf("ConnectDevice: %v", err)
		}
		// Ensure the sink has observed the session before closing it.
		if err := src.SendData(ctx, sessID, wire.BufferFrom([]byte("hello"))); err != nil {
			t.Fatalf("SendData: %v", err)
		}
		select {
		case <-sinkL.RecvCh:
		case <-time.After(waitTimeout):
			t.Fatal("sink never saw the session")
		}

		src.CloseSession(sessID)

		select {
		case s := <-sinkL.ShutdownCh:
			if !s.PeerInitiated {
				t.Fatal("shutdown not marked peer-initiated")
			}
		case <-time.After(waitTimeout):
			t.Fatal("sink never saw the shutdown")
		}
	})

	t.Run("SendAfterCloseFails", func(t *testing.T) {
		mesh := newMesh(t)
		defer mesh.Close()

		src := mesh.Adapter(t, "devA")
		mesh.Adapter(t, "devB").SetListener(NewRecordingListener())
		src.SetListener(NewRecordingListener())

		ctx := context.Background()
		sessID, err := src.ConnectDevice(ctx, "devB")
		if err != nil {
			t.Fatalf("ConnectDevice: %v", err)
		}
		src.CloseSession(sessID)

		if err := src.SendData(ctx, sessID, wire.BufferFrom([]byte("late"))); err == nil {
			t.Fatal("SendData after close succeeded, want error")
		}
	})
}
