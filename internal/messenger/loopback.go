// ABOUTME: In-process adapter for development and tests
// ABOUTME: Records outbound texts and lets callers inject agent messages

package messenger

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Outbound is a text the loopback adapter was asked to send.
type Outbound struct {
	Handle string
	Text   string
}

// LoopbackAdapter keeps everything in memory.
type LoopbackAdapter struct {
	mu       sync.Mutex
	ctx      context.Context
	sink     chan<- Inbound
	started  bool
	closed   bool
	down     error
	failures map[string]error
	sent     []Outbound
}

// NewLoopbackAdapter creates an unstarted loopback adapter.
func NewLoopbackAdapter() *LoopbackAdapter {
	return &LoopbackAdapter{failures: make(map[string]error)}
}

func (l *LoopbackAdapter) Name() string { return ProviderLoopback }

// Start records the sink. Deliver fails until Start is called.
func (l *LoopbackAdapter) Start(ctx context.Context, sink chan<- Inbound) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return errors.New("loopback adapter closed")
	}
	l.ctx = ctx
	l.sink = sink
	l.started = true
	return nil
}

// Ready fails before Start, after Close, or while SetDown holds an error.
func (l *LoopbackAdapter) Ready() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	switch {
	case l.closed:
		return errors.New("loopback adapter closed")
	case !l.started:
		return errors.New("loopback adapter not started")
	default:
		return l.down
	}
}

// SendText records the text, or returns the failure registered for the handle.
func (l *LoopbackAdapter) SendText(ctx context.Context, handle, text string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.failures[handle]; err != nil {
		return err
	}
	if l.down != nil {
		return l.down
	}
	l.sent = append(l.sent, Outbound{Handle: handle, Text: text})
	return nil
}

// Deliver injects a message as if the agent had typed it.
func (l *LoopbackAdapter) Deliver(handle, text string) error {
	l.mu.Lock()
	sink, ctx, started := l.sink, l.ctx, l.started && !l.closed
	l.mu.Unlock()

	if !started {
		return errors.New("loopback adapter not running")
	}

	in := Inbound{
		SenderHandle: handle,
		Text:         text,
		EventID:      uuid.NewString(),
		ReceivedAt:   time.Now(),
	}
	select {
	case sink <- in:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetDown makes Ready and SendText fail with err; nil restores service.
func (l *LoopbackAdapter) SetDown(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.down = err
}

// FailSendsTo makes SendText to handle fail with err; nil clears it.
func (l *LoopbackAdapter) FailSendsTo(handle string, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err == nil {
		delete(l.failures, handle)
		return
	}
	l.failures[handle] = err
}

// Sent returns a copy of everything sent so far.
func (l *LoopbackAdapter) Sent() []Outbound {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Outbound, len(l.sent))
	copy(out, l.sent)
	return out
}

// SentTo returns the texts sent to one handle, in order.
func (l *LoopbackAdapter) SentTo(handle string) []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []string
	for _, o := range l.sent {
		if o.Handle == handle {
			out = append(out, o.Text)
		}
	}
	return out
}

func (l *LoopbackAdapter) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.closed = true
	return nil
}
