// ABOUTME: Terminal transitions of a chat session (connected -> ended | timeout)
// ABOUTME: Store-level check-and-set makes every close idempotent; the agent is told afterwards

package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/coven-desk/internal/store"
)

// Lifecycle closes sessions. It is shared by the relay, the command handler and the sweeper.
type Lifecycle struct {
	store   store.Store
	gateway Gateway
	logger  *slog.Logger
	now     func() time.Time
}

// NewLifecycle creates a Lifecycle.
func NewLifecycle(s store.Store, gw Gateway, logger *slog.Logger) *Lifecycle {
	if logger == nil {
		logger = slog.Default()
	}
	return &Lifecycle{
		store:   s,
		gateway: gw,
		logger:  logger.With("component", "session"),
		now:     time.Now,
	}
}

// Result describes the outcome of a close request.
type Result struct {
	Session *store.Session
	// Transitioned is false when the session was already terminal and nothing changed.
	Transitioned bool
}

// End moves a connected session to ended. Ending an already closed session is a no-op.
func (l *Lifecycle) End(ctx context.Context, id string, by store.EndedBy) (*Result, error) {
	if by == store.EndedByTimeout {
		return nil, fmt.Errorf("%w: timeouts go through Timeout", ErrBadRequest)
	}
	return l.close(ctx, id, store.StatusEnded, by, time.Time{})
}

// Timeout moves a connected session to timeout and flags it as an inactivity close.
// A non-zero idleBefore leaves the session open when it saw a message at or after that instant.
func (l *Lifecycle) Timeout(ctx context.Context, id string, idleBefore time.Time) (*Result, error) {
	return l.close(ctx, id, store.StatusTimeout, store.EndedByTimeout, idleBefore)
}

func (l *Lifecycle) close(ctx context.Context, id string, status store.SessionStatus, by store.EndedBy, idleBefore time.Time) (*Result, error) {
	transitioned, err := l.store.CloseSession(ctx, &store.CloseRequest{
		SessionID:  id,
		Status:     status,
		EndedBy:    by,
		Notice:     ClosingEntry(by),
		At:         l.now(),
		IdleBefore: idleBefore,
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("closing session: %w", err)
	}

	sess, err := l.store.GetSession(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("reading closed session: %w", err)
	}

	if !transitioned {
		l.logger.Debug("session not closed", "session_id", id, "status", sess.Status, "requested_by", by)
		return &Result{Session: sess}, nil
	}

	l.logger.Info("session closed",
		"session_id", id,
		"status", status,
		"ended_by", by,
		"agent", sess.AgentHandle,
	)

	// State is committed; the agent heads-up is best-effort
	_ = Notify(ctx, l.gateway, l.logger, sess.AgentHandle, AgentClosingNotice(sess))
	return &Result{Session: sess, Transitioned: true}, nil
}
