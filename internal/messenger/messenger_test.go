// ABOUTME: Tests for the gateway Handle and the loopback adapter
// ABOUTME: Covers reconfiguration, readiness, inbound delivery, and send failures

package messenger

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// loopbackFactory hands out pre-built adapters so tests can reach them.
func loopbackFactory(adapters ...*LoopbackAdapter) Factory {
	i := 0
	return func(cfg Config, logger *slog.Logger) (Adapter, error) {
		if cfg.Provider != ProviderLoopback {
			return nil, errors.New("unsupported")
		}
		a := adapters[i]
		i++
		return a, nil
	}
}

func TestHandle_UnavailableUntilConfigured(t *testing.T) {
	h := NewHandle(nil, 0, nil)

	assert.ErrorIs(t, h.Ready(), ErrUnavailable)
	assert.ErrorIs(t, h.SendText(context.Background(), "@a:example.org", "hi"), ErrUnavailable)
	_, err := h.Current()
	assert.ErrorIs(t, err, ErrUnavailable)
	assert.NoError(t, h.Close())
}

func TestHandle_ReconfigureSwapsAdapters(t *testing.T) {
	first := NewLoopbackAdapter()
	second := NewLoopbackAdapter()
	h := NewHandle(loopbackFactory(first, second), 4, nil)
	ctx := context.Background()

	a, err := h.Reconfigure(ctx, Config{Provider: ProviderLoopback})
	require.NoError(t, err)
	assert.Same(t, first, a)
	require.NoError(t, h.SendText(ctx, "@a:example.org", "one"))

	_, err = h.Reconfigure(ctx, Config{Provider: ProviderLoopback})
	require.NoError(t, err)
	require.NoError(t, h.SendText(ctx, "@a:example.org", "two"))

	assert.Equal(t, []string{"one"}, first.SentTo("@a:example.org"))
	assert.Equal(t, []string{"two"}, second.SentTo("@a:example.org"))
	assert.Error(t, first.Ready(), "old adapter is closed")
}

func TestHandle_FailedReconfigureKeepsCurrent(t *testing.T) {
	first := NewLoopbackAdapter()
	h := NewHandle(loopbackFactory(first), 4, nil)
	ctx := context.Background()

	_, err := h.Reconfigure(ctx, Config{Provider: ProviderLoopback})
	require.NoError(t, err)

	_, err = h.Reconfigure(ctx, Config{Provider: "carrier-pigeon"})
	require.Error(t, err)

	current, err := h.Current()
	require.NoError(t, err)
	assert.Same(t, first, current)
}

func TestHandle_NotReadyIsUnavailable(t *testing.T) {
	lb := NewLoopbackAdapter()
	h := NewHandle(loopbackFactory(lb), 4, nil)
	_, err := h.Reconfigure(context.Background(), Config{Provider: ProviderLoopback})
	require.NoError(t, err)

	lb.SetDown(errors.New("homeserver unreachable"))
	assert.ErrorIs(t, h.Ready(), ErrUnavailable)

	lb.SetDown(nil)
	assert.NoError(t, h.Ready())
}

func TestHandle_InboundFromAdapter(t *testing.T) {
	lb := NewLoopbackAdapter()
	h := NewHandle(loopbackFactory(lb), 4, nil)
	_, err := h.Reconfigure(context.Background(), Config{Provider: ProviderLoopback})
	require.NoError(t, err)

	require.NoError(t, lb.Deliver("@a:example.org", "/status"))

	select {
	case in := <-h.Inbound():
		assert.Equal(t, "@a:example.org", in.SenderHandle)
		assert.Equal(t, "/status", in.Text)
		assert.NotEmpty(t, in.EventID)
	case <-time.After(time.Second):
		t.Fatal("no inbound event")
	}
}

func TestLoopbackAdapter_FailSendsTo(t *testing.T) {
	lb := NewLoopbackAdapter()
	require.NoError(t, lb.Start(context.Background(), make(chan Inbound, 1)))

	boom := errors.New("boom")
	lb.FailSendsTo("@a:example.org", boom)
	assert.ErrorIs(t, lb.SendText(context.Background(), "@a:example.org", "x"), boom)
	assert.NoError(t, lb.SendText(context.Background(), "@b:example.org", "y"))

	lb.FailSendsTo("@a:example.org", nil)
	assert.NoError(t, lb.SendText(context.Background(), "@a:example.org", "z"))

	assert.Equal(t, []Outbound{
		{Handle: "@b:example.org", Text: "y"},
		{Handle: "@a:example.org", Text: "z"},
	}, lb.Sent())
}

func TestLoopbackAdapter_DeliverBeforeStart(t *testing.T) {
	lb := NewLoopbackAdapter()
	assert.Error(t, lb.Deliver("@a:example.org", "hi"))
	assert.Error(t, lb.Ready())
}

func TestDefaultFactory(t *testing.T) {
	a, err := DefaultFactory(Config{Provider: ProviderLoopback}, nil)
	require.NoError(t, err)
	assert.Equal(t, ProviderLoopback, a.Name())

	_, err = DefaultFactory(Config{Provider: "irc"}, nil)
	assert.Error(t, err)

	_, err = DefaultFactory(Config{Provider: ProviderMatrix}, nil)
	assert.Error(t, err, "matrix without homeserver is rejected")
}
