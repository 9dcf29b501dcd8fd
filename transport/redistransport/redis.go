// Package redistransport implements transport.Adapter over Redis Streams.
// Each device owns one inbound stream; sessions are logical pairings of
// stream entries tagged with session IDs. It provides ordered delivery and
// close notification across processes, standing in for a real mesh link
// layer in multi-process deployments and integration tests.
package redistransport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/meshkit/dsched/transport"
	"github.com/meshkit/dsched/wire"
)

const (
	kindOpen  = "open"
	kindData  = "data"
	kindClose = "close"
)

// Config contains configuration options for the Redis transport.
type Config struct {
	// Client is the Redis client to use. If nil, a default localhost client
	// is created.
	Client redis.UniversalClient
	// KeyPrefix is prepended to all stream keys. Defaults to
	// "dsched:transport:" if empty.
	KeyPrefix string
	// DeviceID is the local device identity. Required.
	DeviceID string
	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Adapter is one device's Redis-backed mesh endpoint. Run must be started
// before inbound traffic can be delivered.
type Adapter struct {
	client    redis.UniversalClient
	keyPrefix string
	deviceID  string
	log       *slog.Logger

	mu       sync.Mutex
	listener transport.Listener
	// outbound: local session ID -> remote addressing
	outbound map[string]remoteHalf
	// inbound: "<srcDevice>/<srcSession>" -> local session ID
	inbound map[string]string
}

type remoteHalf struct {
	device string
	// remoteSess is the peer's own session ID for this pairing, learned from
	// its open entry. Empty on the initiating side, where the peer addresses
	// us by our session ID instead.
	remoteSess string
}

// New creates a Redis-backed adapter for one device.
func New(cfg Config) (*Adapter, error) {
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("device id required")
	}
	client := cfg.Client
	if client == nil {
		client = redis.NewClient(&redis.Options{Addr: "localhost:6379"})
	}
	keyPrefix := cfg.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "dsched:transport:"
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Adapter{
		client:    client,
		keyPrefix: keyPrefix,
		deviceID:  cfg.DeviceID,
		log:       log,
		outbound:  make(map[string]remoteHalf),
		inbound:   make(map[string]string),
	}, nil
}

// Close closes the Redis connection.
func (a *Adapter) Close() error {
	return a.client.Close()
}

// SetListener implements transport.Adapter.
func (a *Adapter) SetListener(l transport.Listener) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.listener = l
}

func (a *Adapter) getListener() transport.Listener {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.listener
}

// ConnectDevice implements transport.Adapter. The session becomes visible to
// the peer once its reader observes the open entry.
func (a *Adapter) ConnectDevice(ctx context.Context, deviceID string) (string, error) {
	sessionID := uuid.NewString()

	if err := a.post(ctx, deviceID, map[string]any{
		"kind":    kindOpen,
		"src":     a.deviceID,
		"srcSess": sessionID,
	}); err != nil {
		return "", fmt.Errorf("open session to %s: %w", deviceID, err)
	}

	a.mu.Lock()
	a.outbound[sessionID] = remoteHalf{device: deviceID}
	a.mu.Unlock()
	return sessionID, nil
}

// SendData implements transport.Adapter.
func (a *Adapter) SendData(ctx context.Context, sessionID string, buf *wire.DataBuffer) error {
	a.mu.Lock()
	remote, ok := a.outbound[sessionID]
	a.mu.Unlock()
	if !ok {
		return fmt.Errorf("transport session %q not open", sessionID)
	}

	return a.post(ctx, remote.device, map[string]any{
		"kind":    kindData,
		"src":     a.deviceID,
		"srcSess": sessionID,
		"dstSess": remote.remoteSess,
		"data":    buf.Data(),
	})
}

// CloseSession implements transport.Adapter.
func (a *Adapter) CloseSession(sessionID string) {
	a.mu.Lock()
	remote, ok := a.outbound[sessionID]
	if ok {
		delete(a.outbound, sessionID)
	}
	a.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.post(ctx, remote.device, map[string]any{
		"kind":    kindClose,
		"src":     a.deviceID,
		"srcSess": sessionID,
		"dstSess": remote.remoteSess,
	}); err != nil {
		a.log.Warn("redistransport.close.notify_fail",
			slog.String("session", sessionID), slog.String("err", err.Error()))
	}
}

func (a *Adapter) post(ctx context.Context, deviceID string, values map[string]any) error {
	if err := a.client.XAdd(ctx, &redis.XAddArgs{
		Stream: a.streamKey(deviceID),
		Values: values,
	}).Err(); err != nil {
		return fmt.Errorf("xadd to %s: %w", deviceID, err)
	}
	return nil
}

// Run consumes the local device's inbound stream until ctx is canceled,
// dispatching entries to the registered listener. The stream is consumed
// from the beginning: a device's stream is dedicated to one adapter
// lifetime, so peers may open sessions before the reader comes up without
// losing the open entry.
func (a *Adapter) Run(ctx context.Context) error {
	streamKey := a.streamKey(a.deviceID)
	startID := "0"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		streams, err := a.client.XRead(ctx, &redis.XReadArgs{
			Streams: []string{streamKey, startID},
			Count:   16,
			Block:   time.Second,
		}).Result()
		if err != nil {
			if err == redis.Nil {
				continue
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("xread %s: %w", streamKey, err)
		}

		for _, stream := range streams {
			for _, msg := range stream.Messages {
				a.dispatch(msg)
				startID = msg.ID
			}
		}
	}
}

func (a *Adapter) dispatch(msg redis.XMessage) {
	kind, _ := msg.Values["kind"].(string)
	src, _ := msg.Values["src"].(string)
	srcSess, _ := msg.Values["srcSess"].(string)
	dstSess, _ := msg.Values["dstSess"].(string)
	if kind == "" || src == "" || srcSess == "" {
		a.log.Warn("redistransport.recv.malformed", slog.String("id", msg.ID))
		return
	}
	remoteKey := src + "/" + srcSess

	switch kind {
	case kindOpen:
		localID := uuid.NewString()
		a.mu.Lock()
		a.inbound[remoteKey] = localID
		// Inbound sessions are sendable too: replies route back over the
		// peer's own stream, addressed by the peer's session ID.
		a.outbound[localID] = remoteHalf{device: src, remoteSess: srcSess}
		a.mu.Unlock()

	case kindData:
		a.mu.Lock()
		localID, ok := a.resolveLocked(remoteKey, dstSess)
		a.mu.Unlock()
		if !ok {
			a.log.Debug("redistransport.recv.unknown_session", slog.String("peer", remoteKey))
			return
		}
		data, _ := msg.Values["data"].(string)
		if l := a.getListener(); l != nil {
			l.OnDataRecv(localID, wire.BufferFrom([]byte(data)))
		}

	case kindClose:
		a.mu.Lock()
		localID, ok := a.resolveLocked(remoteKey, dstSess)
		if ok {
			delete(a.inbound, remoteKey)
			delete(a.outbound, localID)
		}
		a.mu.Unlock()
		if !ok {
			return
		}
		if l := a.getListener(); l != nil {
			l.OnShutdown(localID, true)
		}

	default:
		a.log.Warn("redistransport.recv.unknown_kind", slog.String("kind", kind))
	}
}

// resolveLocked maps an inbound entry to the local session ID it belongs
// to: by explicit destination when the peer knows our ID, otherwise via the
// pairing learned from the peer's open entry.
func (a *Adapter) resolveLocked(remoteKey, dstSess string) (string, bool) {
	if dstSess != "" {
		if _, ok := a.outbound[dstSess]; ok {
			return dstSess, true
		}
	}
	if localID, ok := a.inbound[remoteKey]; ok {
		return localID, true
	}
	return "", false
}

func (a *Adapter) streamKey(deviceID string) string {
	return a.keyPrefix + "dev:" + deviceID
}

var _ transport.Adapter = (*Adapter)(nil)
