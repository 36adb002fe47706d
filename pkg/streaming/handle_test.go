package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"
)

func TestHandle_FanOutPreservesOrder(t *testing.T) {
	h := NewHandle(nil)
	a := h.AddListener()
	b := h.AddListener()

	go func() {
		for i := 0; i < 10; i++ {
			h.Broadcast([]byte(fmt.Sprintf("chunk-%d", i)))
		}
		h.Finish(nil)
	}()

	for _, l := range []*Listener{a, b} {
		for i := 0; i < 10; i++ {
			chunk, err := l.Next(context.Background())
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if want := fmt.Sprintf("chunk-%d", i); string(chunk) != want {
				t.Fatalf("out of order: got %q, want %q", chunk, want)
			}
		}
		if _, err := l.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
			t.Fatalf("expected ErrStreamClosed, got %v", err)
		}
	}
}

func TestHandle_LastListenerDetachInterrupts(t *testing.T) {
	var interrupted atomic.Bool
	h := NewHandle(InterrupterFunc(func(ctx context.Context) error {
		interrupted.Store(true)
		return nil
	}))

	a := h.AddListener()
	b := h.AddListener()

	h.RemoveListener(a)
	if interrupted.Load() {
		t.Fatal("interrupted while a listener remained")
	}

	h.RemoveListener(b)
	if !interrupted.Load() {
		t.Fatal("last listener detach did not interrupt upstream")
	}
}

func TestHandle_NoInterruptAfterFinish(t *testing.T) {
	var interrupted atomic.Bool
	h := NewHandle(InterrupterFunc(func(ctx context.Context) error {
		interrupted.Store(true)
		return nil
	}))

	l := h.AddListener()
	h.Finish(nil)
	h.RemoveListener(l)

	if interrupted.Load() {
		t.Error("finished source must not be interrupted")
	}
}

func TestHandle_ProducerErrorReachesListeners(t *testing.T) {
	h := NewHandle(nil)
	l := h.AddListener()

	wantErr := errors.New("upstream died")
	h.Broadcast([]byte("one"))
	h.Finish(wantErr)

	if chunk, err := l.Next(context.Background()); err != nil || string(chunk) != "one" {
		t.Fatalf("buffered chunk lost: %q, %v", chunk, err)
	}
	if _, err := l.Next(context.Background()); !errors.Is(err, wantErr) {
		t.Fatalf("expected producer error, got %v", err)
	}
}

func TestHandle_AddListenerAfterFinish(t *testing.T) {
	h := NewHandle(nil)
	h.Finish(nil)

	l := h.AddListener()
	if _, err := l.Next(context.Background()); !errors.Is(err, ErrStreamClosed) {
		t.Fatalf("expected immediate close, got %v", err)
	}
}

func TestListener_NextHonorsContext(t *testing.T) {
	h := NewHandle(nil)
	l := h.AddListener()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if _, err := l.Next(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline, got %v", err)
	}
}
