// ABOUTME: Shared vocabulary of the routing engine: error taxonomy and the gateway contract
// ABOUTME: Routing, relay and the sweeper all report outcomes with these errors

package session

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// Validation outcomes. Returned to the caller, never logged as faults.
var (
	ErrNotFound   = errors.New("session not found")
	ErrForbidden  = errors.New("session belongs to another user")
	ErrNotActive  = errors.New("session is not active")
	ErrBadRequest = errors.New("invalid request")
)

// ErrNoAgentAvailable is an expected capacity outcome; callers should offer a fallback.
var ErrNoAgentAvailable = errors.New("no agent available")

// ErrGatewayUnavailable aborts an assignment before anything is written.
var ErrGatewayUnavailable = errors.New("messaging gateway unavailable")

// ErrDeliveryFailed means the message was stored but the agent was not reached in real time.
var ErrDeliveryFailed = errors.New("message stored but not delivered")

// Rating outcomes.
var (
	ErrStillConnected = errors.New("session is still connected")
	ErrAlreadyRated   = errors.New("session already rated")
)

// Gateway is the part of the messaging gateway the engine needs.
type Gateway interface {
	Ready() error
	SendText(ctx context.Context, handle, text string) error
}

// sendTimeout bounds a single best-effort send.
const sendTimeout = 15 * time.Second

// Notify sends text to an agent and swallows the failure into a warning.
// It returns the send error so callers that must report delivery can.
func Notify(ctx context.Context, gw Gateway, logger *slog.Logger, handle, text string) error {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	if err := gw.SendText(sendCtx, handle, text); err != nil {
		logger.Warn("failed to send to agent", "agent", handle, "error", err)
		return err
	}
	return nil
}
