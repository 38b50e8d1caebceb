// ABOUTME: Messaging gateway boundary: the Adapter interface and the Handle that owns it
// ABOUTME: Handle swaps adapters on Reconfigure and funnels inbound events into one channel

package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// ErrUnavailable is returned when no adapter is configured or the current one is not ready.
var ErrUnavailable = errors.New("messaging gateway unavailable")

// Supported providers.
const (
	ProviderMatrix   = "matrix"
	ProviderLoopback = "loopback"
)

// Inbound is one text message received from an agent-facing channel.
type Inbound struct {
	SenderHandle string
	Text         string
	EventID      string
	ReceivedAt   time.Time
}

// Adapter sends text to agents and reports what they send back.
type Adapter interface {
	// Name identifies the provider in logs.
	Name() string
	// Start connects and begins delivering inbound events to sink until ctx ends or Close is called.
	Start(ctx context.Context, sink chan<- Inbound) error
	// Ready returns nil when the adapter can send.
	Ready() error
	// SendText delivers text (Markdown) to the agent with the given handle.
	SendText(ctx context.Context, handle, text string) error
	Close() error
}

// MatrixConfig holds Matrix connection settings.
type MatrixConfig struct {
	Homeserver  string
	UserID      string
	AccessToken string
	Username    string
	Password    string
	RecoveryKey string
	DataDir     string
}

// Config selects and configures an adapter.
type Config struct {
	Provider string
	Matrix   MatrixConfig
}

// Factory builds an adapter for a config.
type Factory func(cfg Config, logger *slog.Logger) (Adapter, error)

// DefaultFactory builds the adapters shipped with coven-desk.
func DefaultFactory(cfg Config, logger *slog.Logger) (Adapter, error) {
	switch cfg.Provider {
	case ProviderMatrix:
		return NewMatrixAdapter(cfg.Matrix, logger)
	case ProviderLoopback:
		return NewLoopbackAdapter(), nil
	default:
		return nil, fmt.Errorf("unknown gateway provider %q", cfg.Provider)
	}
}

// Handle owns the current adapter. Services hold the Handle, never an adapter,
// so a reconfiguration is visible to them without any global state.
type Handle struct {
	mu      sync.RWMutex
	current Adapter
	factory Factory
	inbound chan Inbound
	logger  *slog.Logger
}

// NewHandle creates a Handle with no adapter. Until Reconfigure succeeds,
// Ready and SendText return ErrUnavailable.
func NewHandle(factory Factory, buffer int, logger *slog.Logger) *Handle {
	if factory == nil {
		factory = DefaultFactory
	}
	if logger == nil {
		logger = slog.Default()
	}
	if buffer <= 0 {
		buffer = 64
	}
	return &Handle{
		factory: factory,
		inbound: make(chan Inbound, buffer),
		logger:  logger.With("component", "messenger"),
	}
}

// Inbound returns the channel every adapter delivers into. It is never closed.
func (h *Handle) Inbound() <-chan Inbound {
	return h.inbound
}

// Reconfigure builds and starts a new adapter, then retires the old one.
// If the new adapter fails to start, the old one stays in place.
// ctx bounds the lifetime of the new adapter's receive loop.
func (h *Handle) Reconfigure(ctx context.Context, cfg Config) (Adapter, error) {
	next, err := h.factory(cfg, h.logger)
	if err != nil {
		return nil, fmt.Errorf("building %s adapter: %w", cfg.Provider, err)
	}
	if err := next.Start(ctx, h.inbound); err != nil {
		_ = next.Close()
		return nil, fmt.Errorf("starting %s adapter: %w", cfg.Provider, err)
	}

	h.mu.Lock()
	prev := h.current
	h.current = next
	h.mu.Unlock()

	if prev != nil {
		if err := prev.Close(); err != nil {
			h.logger.Warn("closing previous adapter", "adapter", prev.Name(), "error", err)
		}
	}

	h.logger.Info("gateway adapter configured", "adapter", next.Name())
	return next, nil
}

// Current returns the configured adapter if it is ready to send.
func (h *Handle) Current() (Adapter, error) {
	h.mu.RLock()
	a := h.current
	h.mu.RUnlock()

	if a == nil {
		return nil, ErrUnavailable
	}
	if err := a.Ready(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return a, nil
}

// Ready returns nil when a configured adapter is ready to send.
func (h *Handle) Ready() error {
	_, err := h.Current()
	return err
}

// SendText sends through the current adapter.
func (h *Handle) SendText(ctx context.Context, handle, text string) error {
	a, err := h.Current()
	if err != nil {
		return err
	}
	return a.SendText(ctx, handle, text)
}

// Close shuts down the current adapter.
func (h *Handle) Close() error {
	h.mu.Lock()
	a := h.current
	h.current = nil
	h.mu.Unlock()

	if a == nil {
		return nil
	}
	return a.Close()
}
