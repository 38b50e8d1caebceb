// ABOUTME: Routing service: matches a user to the least-busy free agent and opens a session
// ABOUTME: State is committed before the agent is notified; a failed notice never rolls back

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
)

// maxAttempts bounds retries when another request reserves the selected agent first.
const maxAttempts = 3

// ConnectRequest carries the requesting user's identity as verified upstream.
type ConnectRequest struct {
	UserID    string
	UserName  string
	UserEmail string
}

// Assignment is the successful outcome of a connection request.
type Assignment struct {
	SessionID   string
	AgentName   string
	AgentHandle string
	Session     *store.Session
}

// Service routes connection requests.
type Service struct {
	registry      *agent.Registry
	store         store.Store
	gateway       session.Gateway
	commandPrefix string
	logger        *slog.Logger
	now           func() time.Time
	newID         func() string
}

// New creates a routing Service. commandPrefix is quoted in the agent heads-up.
func New(registry *agent.Registry, s store.Store, gw session.Gateway, commandPrefix string, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		registry:      registry,
		store:         s,
		gateway:       gw,
		commandPrefix: commandPrefix,
		logger:        logger.With("component", "routing"),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// RequestConnection opens a session with the least-busy eligible agent.
//
// Returns session.ErrNoAgentAvailable when nobody is free (nothing is written),
// and session.ErrGatewayUnavailable when an agent is free but the gateway is
// down (nothing is written either).
func (s *Service) RequestConnection(ctx context.Context, req ConnectRequest) (*Assignment, error) {
	req.UserID = strings.TrimSpace(req.UserID)
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", session.ErrBadRequest)
	}

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		candidate, err := s.registry.LeastBusy(ctx)
		if errors.Is(err, agent.ErrNoAgentsAvailable) {
			s.logger.Debug("no agent available", "user_id", req.UserID)
			return nil, session.ErrNoAgentAvailable
		}
		if err != nil {
			return nil, fmt.Errorf("selecting agent: %w", err)
		}

		if err := s.gateway.Ready(); err != nil {
			s.logger.Warn("gateway unavailable, refusing assignment", "agent", candidate.Handle, "error", err)
			return nil, fmt.Errorf("%w: %v", session.ErrGatewayUnavailable, err)
		}

		sess, err := s.store.AssignSession(ctx, &store.AssignRequest{
			SessionID:   s.newID(),
			UserID:      req.UserID,
			UserName:    req.UserName,
			UserEmail:   req.UserEmail,
			AgentHandle: candidate.Handle,
			Greeting:    session.ConnectedEntry(candidate.DisplayName),
			At:          s.now(),
		})
		if errors.Is(err, store.ErrAgentUnavailable) {
			s.logger.Debug("agent taken before commit, retrying", "agent", candidate.Handle, "attempt", attempt)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("assigning session: %w", err)
		}

		s.logger.Info("=== SESSION ASSIGNED ===",
			"session_id", sess.ID,
			"user_id", sess.UserID,
			"agent", sess.AgentHandle,
			"total_handled", candidate.TotalHandled+1,
		)

		_ = session.Notify(ctx, s.gateway, s.logger, sess.AgentHandle, session.AgentAssignmentNotice(sess, s.commandPrefix))

		return &Assignment{
			SessionID:   sess.ID,
			AgentName:   sess.AgentName,
			AgentHandle: sess.AgentHandle,
			Session:     sess,
		}, nil
	}

	s.logger.Debug("gave up after contention", "user_id", req.UserID, "attempts", maxAttempts)
	return nil, session.ErrNoAgentAvailable
}
