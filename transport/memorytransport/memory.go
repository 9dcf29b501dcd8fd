// Package memorytransport provides an in-process implementation of the
// transport.Adapter interface using Go channels for delivery. Devices join a
// shared Network and get point-to-point sessions with ordered delivery and
// shutdown notification. It is suitable for tests and single-process
// deployments; state is local to the process.
package memorytransport

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/wire"
)

const connBufferDepth = 100

// Network is a process-local mesh. Every Endpoint created from the same
// Network can connect to every other by device ID.
type Network struct {
	mu        sync.Mutex
	endpoints map[string]*Endpoint
	connSeq   atomic.Int64
}

// NewNetwork creates an empty mesh.
func NewNetwork() *Network {
	return &Network{endpoints: make(map[string]*Endpoint)}
}

// Endpoint returns the adapter for the named device, creating it on first
// use.
func (n *Network) Endpoint(deviceID string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	ep, ok := n.endpoints[deviceID]
	if !ok {
		ep = &Endpoint{
			network:  n,
			deviceID: deviceID,
			conns:    make(map[string]*conn),
		}
		n.endpoints[deviceID] = ep
	}
	return ep
}

func (n *Network) lookup(deviceID string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.endpoints[deviceID]
}

// Endpoint is one device's handle onto the Network.
type Endpoint struct {
	network  *Network
	deviceID string

	mu       sync.Mutex
	listener transport.Listener
	conns    map[string]*conn
}

// conn is one half of a point-to-point session. Each half pumps inbound
// buffers to its endpoint's listener on a dedicated goroutine, preserving
// per-session ordering.
type conn struct {
	id        string
	ep        *Endpoint
	peer      *conn
	initiated atomic.Bool

	// sendMu orders deliveries against shutdown: deliver holds it shared
	// while putting a buffer on ch, shutdown holds it exclusively while
	// closing ch. A send can therefore never hit a closed channel.
	sendMu sync.RWMutex
	closed bool
	ch     chan *wire.DataBuffer
}

// deliver hands buf to this half's pump, failing once the half has shut
// down.
func (c *conn) deliver(buf *wire.DataBuffer) error {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	if c.closed {
		return fmt.Errorf("transport session %q closed", c.id)
	}
	select {
	case c.ch <- buf:
		return nil
	default:
		return fmt.Errorf("transport session %q backlogged", c.id)
	}
}

func (c *conn) isClosed() bool {
	c.sendMu.RLock()
	defer c.sendMu.RUnlock()
	return c.closed
}

// SetListener implements transport.Adapter.
func (e *Endpoint) SetListener(l transport.Listener) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listener = l
}

func (e *Endpoint) getListener() transport.Listener {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.listener
}

// ConnectDevice implements transport.Adapter.
func (e *Endpoint) ConnectDevice(ctx context.Context, deviceID string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	peer := e.network.lookup(deviceID)
	if peer == nil {
		return "", fmt.Errorf("device %q not reachable", deviceID)
	}

	seq := e.network.connSeq.Add(1)
	local := &conn{
		id: "mc-" + strconv.FormatInt(seq, 10) + "-a",
		ep: e,
		ch: make(chan *wire.DataBuffer, connBufferDepth),
	}
	remote := &conn{
		id: "mc-" + strconv.FormatInt(seq, 10) + "-b",
		ep: peer,
		ch: make(chan *wire.DataBuffer, connBufferDepth),
	}
	local.peer, remote.peer = remote, local

	e.mu.Lock()
	e.conns[local.id] = local
	e.mu.Unlock()
	peer.mu.Lock()
	peer.conns[remote.id] = remote
	peer.mu.Unlock()

	go local.pump()
	go remote.pump()

	return local.id, nil
}

// SendData implements transport.Adapter.
func (e *Endpoint) SendData(ctx context.Context, sessionID string, buf *wire.DataBuffer) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	e.mu.Lock()
	c, ok := e.conns[sessionID]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport session %q not open", sessionID)
	}
	if c.isClosed() {
		return fmt.Errorf("transport session %q closed", sessionID)
	}
	return c.peer.deliver(buf)
}

// CloseSession implements transport.Adapter. The remote side observes a
// peer-initiated shutdown; the closing side gets no notification.
func (e *Endpoint) CloseSession(sessionID string) {
	e.mu.Lock()
	c, ok := e.conns[sessionID]
	e.mu.Unlock()
	if !ok {
		return
	}
	c.initiated.Store(true)
	c.shutdown()
	c.peer.shutdown()
}

func (c *conn) shutdown() {
	c.sendMu.Lock()
	if c.closed {
		c.sendMu.Unlock()
		return
	}
	c.closed = true
	close(c.ch)
	c.sendMu.Unlock()

	c.ep.mu.Lock()
	delete(c.ep.conns, c.id)
	c.ep.mu.Unlock()
}

// pump delivers inbound buffers in order, then reports shutdown once the
// channel drains after a close.
func (c *conn) pump() {
	for buf := range c.ch {
		if l := c.ep.getListener(); l != nil {
			l.OnDataRecv(c.id, buf)
		}
	}
	if c.initiated.Load() {
		return
	}
	if l := c.ep.getListener(); l != nil {
		l.OnShutdown(c.id, true)
	}
}

var _ transport.Adapter = (*Endpoint)(nil)
