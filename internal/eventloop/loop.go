// Package eventloop provides the single-consumer task queue that serializes
// all work for one owner: each session runs one loop, and each manager runs
// one for its own registry work. Cross-context interaction is always an
// enqueue onto the owner's loop, never a direct call into its state.
package eventloop

import (
	"log/slog"
	"sync"

	"github.com/meshkit/dsched"
)

const defaultQueueDepth = 64

// Task is one unit of work executed on the loop's goroutine.
type Task func()

// Loop is a single-goroutine task queue. Tasks run strictly in post order.
// Posting to a closed loop fails with ErrSendEventFailed; it never panics
// and never blocks the poster.
type Loop struct {
	name string
	log  *slog.Logger

	mu     sync.RWMutex
	ch     chan Task
	closed bool

	done chan struct{}
}

// Option customizes a Loop.
type Option func(*Loop)

// WithLogger overrides the logger.
func WithLogger(l *slog.Logger) Option {
	return func(lp *Loop) {
		if l != nil {
			lp.log = l
		}
	}
}

// WithQueueDepth overrides the queue capacity.
func WithQueueDepth(n int) Option {
	return func(lp *Loop) {
		if n > 0 {
			lp.ch = make(chan Task, n)
		}
	}
}

// New starts a loop named for diagnostics and returns it running.
func New(name string, opts ...Option) *Loop {
	l := &Loop{
		name: name,
		log:  slog.Default(),
		ch:   make(chan Task, defaultQueueDepth),
		done: make(chan struct{}),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(l)
		}
	}
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for task := range l.ch {
		task()
	}
}

// Post enqueues a task. It fails with ErrSendEventFailed when the loop has
// been closed or its queue is full; the loop is then effectively dead from
// the caller's point of view and the caller must treat the owner as
// unreachable.
func (l *Loop) Post(task Task) error {
	if task == nil {
		return dsched.ErrInvalidParameters
	}

	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return dsched.ErrSendEventFailed
	}
	select {
	case l.ch <- task:
		return nil
	default:
		l.log.Warn("eventloop.post.queue_full", slog.String("loop", l.name))
		return dsched.ErrSendEventFailed
	}
}

// Close stops intake. Tasks already queued still run; the loop's goroutine
// exits once they drain. Close is idempotent and safe to call from a task
// running on the loop itself.
func (l *Loop) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return
	}
	l.closed = true
	close(l.ch)
}

// Done is closed once the loop's goroutine has drained and exited.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}
