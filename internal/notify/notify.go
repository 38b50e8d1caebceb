// ABOUTME: Contract for telling end users about engine outcomes out of band
// ABOUTME: LogDispatcher records notifications; Fanout sends one to several dispatchers

package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Kinds of notification sent by this service.
const (
	KindAgentUnavailable = "agent_unavailable"
)

// Notification is one message for one user.
type Notification struct {
	UserID  string            `json:"user_id"`
	Kind    string            `json:"kind"`
	Text    string            `json:"text"`
	Context map[string]string `json:"context,omitempty"`
	At      time.Time         `json:"at"`
}

// Dispatcher delivers notifications. Delivery is best-effort.
type Dispatcher interface {
	Notify(ctx context.Context, n Notification) error
}

// LogDispatcher writes notifications to the log and never fails.
type LogDispatcher struct {
	logger *slog.Logger
}

// NewLogDispatcher creates a LogDispatcher. Pass nil logger for default.
func NewLogDispatcher(logger *slog.Logger) *LogDispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogDispatcher{logger: logger.With("component", "notify")}
}

func (d *LogDispatcher) Notify(ctx context.Context, n Notification) error {
	attrs := []any{"user_id", n.UserID, "kind", n.Kind, "text", n.Text}
	for k, v := range n.Context {
		attrs = append(attrs, k, v)
	}
	d.logger.InfoContext(ctx, "user notification", attrs...)
	return nil
}

// Fanout delivers to every dispatcher and joins their errors.
type Fanout []Dispatcher

func (f Fanout) Notify(ctx context.Context, n Notification) error {
	if n.At.IsZero() {
		n.At = time.Now()
	}
	var errs []error
	for _, d := range f {
		if err := d.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
