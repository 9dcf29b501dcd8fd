package eventloop

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/meshkit/dsched"
)

func TestPostOrderPreserved(t *testing.T) {
	l := New("test")
	defer l.Close()

	var mu sync.Mutex
	var got []int
	for i := 0; i < 50; i++ {
		i := i
		if err := l.Post(func() {
			mu.Lock()
			got = append(got, i)
			mu.Unlock()
		}); err != nil {
			t.Fatalf("Post(%d): %v", i, err)
		}
	}

	l.Close()
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not drain")
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 50 {
		t.Fatalf("ran %d tasks, want 50", len(got))
	}
	for i, v := range got {
		if v != i {
			t.Fatalf("task %d ran out of order (got %d)", i, v)
		}
	}
}

func TestPostAfterCloseFails(t *testing.T) {
	l := New("test")
	l.Close()

	if err := l.Post(func() {}); !errors.Is(err, dsched.ErrSendEventFailed) {
		t.Fatalf("err = %v, want ErrSendEventFailed", err)
	}
}

func TestPostNilTaskFails(t *testing.T) {
	l := New("test")
	defer l.Close()

	if err := l.Post(nil); !errors.Is(err, dsched.ErrInvalidParameters) {
		t.Fatalf("err = %v, want ErrInvalidParameters", err)
	}
}

func TestCloseFromOwnTask(t *testing.T) {
	l := New("test")
	closed := make(chan struct{})
	if err := l.Post(func() {
		l.Close()
		close(closed)
	}); err != nil {
		t.Fatalf("Post: %v", err)
	}

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("close from own task deadlocked")
	}
	select {
	case <-l.Done():
	case <-time.After(time.Second):
		t.Fatal("loop did not exit after self-close")
	}
}

func TestCloseIdempotent(t *testing.T) {
	l := New("test")
	l.Close()
	l.Close()
}
