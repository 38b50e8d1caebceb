// ABOUTME: Relay service: carries chat text between users (HTTP API) and agents (gateway)
// ABOUTME: Owns user-side session operations and the single inbound dispatcher loop

package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/messenger"
	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
)

// DefaultCommandPrefix marks inbound agent text as a command.
const DefaultCommandPrefix = "/"

// Transcript is a session header plus its ordered log.
type Transcript struct {
	Session  *store.Session
	Messages []*store.Message
}

// Service relays messages and handles agent commands.
type Service struct {
	store     store.Store
	registry  *agent.Registry
	lifecycle *session.Lifecycle
	gateway   session.Gateway
	prefix    string
	logger    *slog.Logger
	now       func() time.Time
}

// New creates a relay Service. An empty prefix falls back to DefaultCommandPrefix.
func New(s store.Store, registry *agent.Registry, lifecycle *session.Lifecycle, gw session.Gateway, prefix string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if prefix == "" {
		prefix = DefaultCommandPrefix
	}
	return &Service{
		store:     s,
		registry:  registry,
		lifecycle: lifecycle,
		gateway:   gw,
		prefix:    prefix,
		logger:    logger.With("component", "relay"),
		now:       time.Now,
	}
}

// CommandPrefix returns the prefix that marks agent commands.
func (s *Service) CommandPrefix() string {
	return s.prefix
}

// ownedSession loads a session and checks the requester may act on it.
func (s *Service) ownedSession(ctx context.Context, id, requesterID string, isAdmin bool) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return nil, session.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("loading session: %w", err)
	}
	if sess.UserID != requesterID && !isAdmin {
		return nil, session.ErrForbidden
	}
	return sess, nil
}

// RelayUserMessage stores a user message and forwards it to the agent.
//
// Validation failures (ErrNotFound, ErrForbidden, ErrNotActive) change nothing.
// ErrDeliveryFailed is returned alongside the stored message when the agent
// could not be reached; the log still holds the message.
func (s *Service) RelayUserMessage(ctx context.Context, sessionID, requesterID, text string) (*store.Message, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: message text is required", session.ErrBadRequest)
	}

	sess, err := s.ownedSession(ctx, sessionID, requesterID, false)
	if err != nil {
		return nil, err
	}
	if sess.Status != store.StatusConnected {
		return nil, session.ErrNotActive
	}

	msg, err := s.store.AppendMessage(ctx, &store.Message{
		SessionID:  sess.ID,
		Sender:     store.SenderUser,
		SenderName: sess.UserName,
		Text:       text,
		CreatedAt:  s.now(),
	})
	switch {
	case errors.Is(err, store.ErrSessionNotActive):
		// Closed between the read and the append
		return nil, session.ErrNotActive
	case errors.Is(err, store.ErrNotFound):
		return nil, session.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("appending message: %w", err)
	}

	if err := session.Notify(ctx, s.gateway, s.logger, sess.AgentHandle, session.AgentUserMessage(sess, text)); err != nil {
		return msg, fmt.Errorf("%w: %v", session.ErrDeliveryFailed, err)
	}
	return msg, nil
}

// EndSession closes a session on behalf of its user, or an admin.
// Ending a session that is already closed returns it unchanged.
func (s *Service) EndSession(ctx context.Context, sessionID, requesterID string, isAdmin bool) (*store.Session, error) {
	sess, err := s.ownedSession(ctx, sessionID, requesterID, isAdmin)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() {
		return sess, nil
	}

	by := store.EndedByUser
	if sess.UserID != requesterID {
		by = store.EndedBySystem
	}
	res, err := s.lifecycle.End(ctx, sessionID, by)
	if err != nil {
		return nil, err
	}
	return res.Session, nil
}

// GetSession returns the session and its log to the owner or an admin.
func (s *Service) GetSession(ctx context.Context, sessionID, requesterID string, isAdmin bool) (*Transcript, error) {
	sess, err := s.ownedSession(ctx, sessionID, requesterID, isAdmin)
	if err != nil {
		return nil, err
	}
	msgs, err := s.store.ListMessages(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("loading messages: %w", err)
	}
	return &Transcript{Session: sess, Messages: msgs}, nil
}

// ListSessions returns the user's sessions, most recent first.
func (s *Service) ListSessions(ctx context.Context, userID string, limit int) ([]*store.Session, error) {
	return s.store.ListSessionsByUser(ctx, userID, limit)
}

// RateSession records the user's 1-5 rating once the session is over.
func (s *Service) RateSession(ctx context.Context, sessionID, requesterID string, rating int, feedback string) (*store.Session, error) {
	if rating < 1 || rating > 5 {
		return nil, fmt.Errorf("%w: rating must be between 1 and 5", session.ErrBadRequest)
	}
	if _, err := s.ownedSession(ctx, sessionID, requesterID, false); err != nil {
		return nil, err
	}

	err := s.store.RateSession(ctx, sessionID, rating, strings.TrimSpace(feedback))
	switch {
	case errors.Is(err, store.ErrSessionStillOpen):
		return nil, session.ErrStillConnected
	case errors.Is(err, store.ErrAlreadyRated):
		return nil, session.ErrAlreadyRated
	case errors.Is(err, store.ErrNotFound):
		return nil, session.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("rating session: %w", err)
	}
	return s.store.GetSession(ctx, sessionID)
}

// Run dispatches inbound gateway events until ctx is done.
// It is the only consumer of the inbound channel, so events from one agent
// are handled in arrival order.
func (s *Service) Run(ctx context.Context, inbound <-chan messenger.Inbound) {
	s.logger.Info("inbound dispatcher started")
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("inbound dispatcher stopped")
			return
		case in := <-inbound:
			s.HandleInbound(ctx, in)
		}
	}
}

// HandleInbound processes one message from an agent-facing channel.
func (s *Service) HandleInbound(ctx context.Context, in messenger.Inbound) {
	text := strings.TrimSpace(in.Text)
	if text == "" {
		return
	}

	if strings.HasPrefix(text, s.prefix) {
		s.handleCommand(ctx, in.SenderHandle, strings.TrimPrefix(text, s.prefix))
		return
	}

	if err := s.RelayAgentMessage(ctx, in.SenderHandle, text); err != nil {
		s.logger.Error("relaying agent message", "agent", in.SenderHandle, "error", err)
	}
}

// RelayAgentMessage appends an agent's chat text to their current session.
// Text from unknown agents, or agents without a session, is dropped silently.
func (s *Service) RelayAgentMessage(ctx context.Context, handle, text string) error {
	a, err := s.registry.Get(ctx, handle)
	if errors.Is(err, agent.ErrAgentNotFound) {
		s.logger.Debug("dropping message from unknown sender", "sender", handle)
		return nil
	}
	if err != nil {
		return err
	}
	s.touch(ctx, handle)

	if a.CurrentSession == "" {
		s.logger.Debug("dropping message from agent without session", "agent", handle)
		return nil
	}

	sess, err := s.store.GetSession(ctx, a.CurrentSession)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading session: %w", err)
	}
	if sess == nil || sess.Status != store.StatusConnected {
		s.reply(ctx, handle, fmt.Sprintf("Session `%s` is no longer active. Your message was not delivered.", a.CurrentSession))
		return nil
	}

	_, err = s.store.AppendMessage(ctx, &store.Message{
		SessionID:  sess.ID,
		Sender:     store.SenderAgent,
		SenderName: a.DisplayName,
		Text:       text,
		CreatedAt:  s.now(),
	})
	if errors.Is(err, store.ErrSessionNotActive) {
		s.reply(ctx, handle, fmt.Sprintf("Session `%s` is no longer active. Your message was not delivered.", sess.ID))
		return nil
	}
	if err != nil {
		return fmt.Errorf("appending agent message: %w", err)
	}
	return nil
}

func (s *Service) touch(ctx context.Context, handle string) {
	if err := s.registry.Touch(ctx, handle); err != nil {
		s.logger.Debug("failed to touch agent", "agent", handle, "error", err)
	}
}

// reply sends a best-effort answer to an agent.
func (s *Service) reply(ctx context.Context, handle, text string) {
	_ = session.Notify(ctx, s.gateway, s.logger, handle, text)
}
