// ABOUTME: Tests for notification dispatchers
// ABOUTME: Covers per-user fan-out, unsubscribe on cancel, slow subscribers and error joining

package notify

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroadcaster_DeliversToUserOnly(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	mine, _ := b.Subscribe(t.Context(), "u1")
	theirs, _ := b.Subscribe(t.Context(), "u2")

	require.NoError(t, b.Notify(context.Background(), Notification{UserID: "u1", Kind: KindAgentUnavailable, Text: "no agents"}))

	select {
	case n := <-mine:
		assert.Equal(t, KindAgentUnavailable, n.Kind)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for notification")
	}

	select {
	case n := <-theirs:
		t.Fatalf("unexpected notification for u2: %+v", n)
	default:
	}
}

func TestBroadcaster_UnsubscribesOnCancel(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ctx, cancel := context.WithCancel(context.Background())
	ch, _ := b.Subscribe(ctx, "u1")
	assert.Equal(t, 1, b.Subscribers("u1"))

	cancel()
	select {
	case _, ok := <-ch:
		assert.False(t, ok, "channel closed")
	case <-time.After(time.Second):
		t.Fatal("subscription not closed")
	}
	assert.Zero(t, b.Subscribers("u1"))
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	ch, _ := b.Subscribe(t.Context(), "u1")
	for i := 0; i < subscriberBufferSize+5; i++ {
		require.NoError(t, b.Notify(context.Background(), Notification{UserID: "u1"}))
	}
	assert.Len(t, ch, subscriberBufferSize)
}

func TestBroadcaster_UnsubscribeTwice(t *testing.T) {
	b := NewBroadcaster(nil)
	defer b.Close()

	_, id := b.Subscribe(t.Context(), "u1")
	b.Unsubscribe("u1", id)
	b.Unsubscribe("u1", id)
	b.Unsubscribe("nobody", "nothing")
	assert.Zero(t, b.Subscribers("u1"))
}

func TestLogDispatcher(t *testing.T) {
	var buf bytes.Buffer
	d := NewLogDispatcher(slog.New(slog.NewTextHandler(&buf, nil)))

	err := d.Notify(context.Background(), Notification{
		UserID:  "u1",
		Kind:    KindAgentUnavailable,
		Text:    "All agents are busy.",
		Context: map[string]string{"fallback": "ticket"},
	})
	require.NoError(t, err)
	assert.Contains(t, buf.String(), "user_id=u1")
	assert.Contains(t, buf.String(), "kind=agent_unavailable")
	assert.Contains(t, buf.String(), "fallback=ticket")
}

type failing struct{ err error }

func (f failing) Notify(ctx context.Context, n Notification) error { return f.err }

type capture struct{ got []Notification }

func (c *capture) Notify(ctx context.Context, n Notification) error {
	c.got = append(c.got, n)
	return nil
}

func TestFanout(t *testing.T) {
	boom := errors.New("boom")
	c := &capture{}
	f := Fanout{failing{boom}, c}

	err := f.Notify(context.Background(), Notification{UserID: "u1"})
	assert.ErrorIs(t, err, boom)
	require.Len(t, c.got, 1, "later dispatchers still run")
	assert.False(t, c.got[0].At.IsZero())

	assert.NoError(t, Fanout{}.Notify(context.Background(), Notification{}))
}
