package streaming

import (
	"context"
	"errors"
	"sync"
	"time"

	"ccproxy-hq/ccproxy/pkg/config"
)

// ErrStreamClosed is returned by Listener.Next after the source finished and
// all buffered chunks were consumed.
var ErrStreamClosed = errors.New("stream closed")

// listenerBuffer bounds each listener queue; a listener that stops reading
// stalls only itself once its buffer fills.
const listenerBuffer = 64

// Interrupter aborts the upstream session feeding a handle.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// InterrupterFunc adapts a function to Interrupter.
type InterrupterFunc func(ctx context.Context) error

func (f InterrupterFunc) Interrupt(ctx context.Context) error { return f(ctx) }

// Listener is one consumer of a broadcast stream.
type Listener struct {
	ch chan []byte

	mu   sync.Mutex
	err  error
	done bool
}

// Next returns the next chunk. It blocks until a chunk arrives, the source
// ends (ErrStreamClosed), the producer fails (its error), or ctx is done.
func (l *Listener) Next(ctx context.Context) ([]byte, error) {
	select {
	case chunk, ok := <-l.ch:
		if !ok || chunk == nil {
			return nil, l.terminalError()
		}
		return chunk, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) terminalError() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.err != nil {
		return l.err
	}
	return ErrStreamClosed
}

// Handle fans one upstream stream out to N listeners. Chunks reach each
// listener in source order. When the last listener detaches while the source
// is still live, the upstream session is interrupted.
type Handle struct {
	interrupter Interrupter
	timeout     time.Duration

	mu        sync.Mutex
	listeners map[*Listener]struct{}
	sourceErr error
	finished  bool
}

// NewHandle creates a handle over an upstream session. interrupter may be
// nil when the upstream cannot be aborted.
func NewHandle(interrupter Interrupter) *Handle {
	return &Handle{
		interrupter: interrupter,
		timeout:     config.StreamInterruptTimeout,
		listeners:   make(map[*Listener]struct{}),
	}
}

// AddListener attaches a new listener queue.
func (h *Handle) AddListener() *Listener {
	h.mu.Lock()
	defer h.mu.Unlock()

	l := &Listener{ch: make(chan []byte, listenerBuffer)}
	if h.finished {
		l.err = h.sourceErr
		close(l.ch)
		return l
	}
	h.listeners[l] = struct{}{}
	return l
}

// RemoveListener detaches a listener. When it was the last one and the
// source is still live, the upstream session is interrupted, bounded by the
// interrupt timeout.
func (h *Handle) RemoveListener(l *Listener) {
	h.mu.Lock()
	_, present := h.listeners[l]
	if present {
		delete(h.listeners, l)
	}
	last := present && len(h.listeners) == 0 && !h.finished
	h.mu.Unlock()

	if !last || h.interrupter == nil {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()
	_ = h.interrupter.Interrupt(ctx)
}

// Broadcast enqueues one chunk into every listener queue, in a consistent
// order. A full listener queue blocks the producer; bounded buffers apply
// backpressure rather than dropping chunks.
func (h *Handle) Broadcast(chunk []byte) {
	h.mu.Lock()
	targets := make([]*Listener, 0, len(h.listeners))
	for l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.Unlock()

	for _, l := range targets {
		l.ch <- chunk
	}
}

// Finish marks the source exhausted. err is nil on clean EOF; otherwise it
// is re-raised to every remaining listener on its next read.
func (h *Handle) Finish(err error) {
	h.mu.Lock()
	if h.finished {
		h.mu.Unlock()
		return
	}
	h.finished = true
	h.sourceErr = err
	targets := make([]*Listener, 0, len(h.listeners))
	for l := range h.listeners {
		targets = append(targets, l)
	}
	h.mu.Unlock()

	for _, l := range targets {
		l.mu.Lock()
		l.err = err
		l.done = true
		l.mu.Unlock()
		close(l.ch)
	}
}

// Live reports whether the source is still producing.
func (h *Handle) Live() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.finished
}
