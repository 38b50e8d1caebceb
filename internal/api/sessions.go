// ABOUTME: Session endpoints: connect, relay a message, end, rate, read and list
// ABOUTME: The caller is always the identity established by the auth middleware

package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/2389/coven-desk/internal/notify"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

// SessionResponse is the JSON form of a session.
type SessionResponse struct {
	ID                string     `json:"id"`
	UserID            string     `json:"user_id"`
	UserName          string     `json:"user_name,omitempty"`
	AgentName         string     `json:"agent_name"`
	Status            string     `json:"status"`
	StartedAt         time.Time  `json:"started_at"`
	ConnectedAt       *time.Time `json:"connected_at,omitempty"`
	EndedAt           *time.Time `json:"ended_at,omitempty"`
	LastMessageAt     time.Time  `json:"last_message_at"`
	EndedBy           string     `json:"ended_by,omitempty"`
	InactivityTimeout bool       `json:"inactivity_timeout"`
	Rating            *int       `json:"rating,omitempty"`
	Feedback          string     `json:"feedback,omitempty"`
}

// MessageResponse is the JSON form of one log entry.
type MessageResponse struct {
	Seq        int64     `json:"seq"`
	Sender     string    `json:"sender"`
	SenderName string    `json:"sender_name,omitempty"`
	Text       string    `json:"text"`
	CreatedAt  time.Time `json:"created_at"`
}

// TranscriptResponse is returned by GET /api/sessions/{id}.
type TranscriptResponse struct {
	Session  SessionResponse   `json:"session"`
	Messages []MessageResponse `json:"messages"`
}

// ConnectResponse is returned by POST /api/connect.
type ConnectResponse struct {
	SessionID string `json:"session_id"`
	AgentName string `json:"agent_name"`
	Status    string `json:"status"`
}

// SendMessageResponse is returned by POST /api/sessions/{id}/messages.
type SendMessageResponse struct {
	Message   MessageResponse `json:"message"`
	Delivered bool            `json:"delivered"`
	Code      string          `json:"code,omitempty"`
	Warning   string          `json:"warning,omitempty"`
}

func toSessionResponse(s *store.Session) SessionResponse {
	return SessionResponse{
		ID:                s.ID,
		UserID:            s.UserID,
		UserName:          s.UserName,
		AgentName:         s.AgentName,
		Status:            string(s.Status),
		StartedAt:         s.StartedAt,
		ConnectedAt:       s.ConnectedAt,
		EndedAt:           s.EndedAt,
		LastMessageAt:     s.LastMessageAt,
		EndedBy:           string(s.EndedBy),
		InactivityTimeout: s.InactivityTimeout,
		Rating:            s.Rating,
		Feedback:          s.Feedback,
	}
}

func toMessageResponse(m *store.Message) MessageResponse {
	return MessageResponse{
		Seq:        m.Seq,
		Sender:     string(m.Sender),
		SenderName: m.SenderName,
		Text:       m.Text,
		CreatedAt:  m.CreatedAt,
	}
}

// handleConnect handles POST /api/connect.
func (a *API) handleConnect(w http.ResponseWriter, r *http.Request) {
	id := identity(r)

	got, err := a.routing.RequestConnection(r.Context(), routing.ConnectRequest{
		UserID:    id.UserID,
		UserName:  id.Name,
		UserEmail: id.Email,
	})
	if errors.Is(err, session.ErrNoAgentAvailable) {
		a.offerFallback(r.Context(), id.UserID)
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, ConnectResponse{
		SessionID: got.SessionID,
		AgentName: got.AgentName,
		Status:    string(got.Session.Status),
	})
}

// offerFallback tells the user no agent is free so the host app can offer a ticket.
func (a *API) offerFallback(ctx context.Context, userID string) {
	err := a.notifier.Notify(ctx, notify.Notification{
		UserID:  userID,
		Kind:    notify.KindAgentUnavailable,
		Text:    "All support agents are busy right now. Leave us a ticket and we will get back to you.",
		Context: map[string]string{"fallback": "ticket"},
		At:      time.Now(),
	})
	if err != nil {
		a.logger.Warn("failed to notify user", "user_id", userID, "error", err)
	}
}

// handleSendMessage handles POST /api/sessions/{id}/messages.
func (a *API) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Text string `json:"text"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	msg, err := a.relay.RelayUserMessage(r.Context(), pathParam(r, "id"), identity(r).UserID, body.Text)
	if errors.Is(err, session.ErrDeliveryFailed) && msg != nil {
		writeJSON(w, http.StatusAccepted, SendMessageResponse{
			Message: toMessageResponse(msg),
			Code:    "delivery_failed",
			Warning: "message saved but the agent could not be reached right now",
		})
		return
	}
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, SendMessageResponse{
		Message:   toMessageResponse(msg),
		Delivered: true,
	})
}

// handleEndSession handles POST /api/sessions/{id}/end. Ending twice returns the closed session.
func (a *API) handleEndSession(w http.ResponseWriter, r *http.Request) {
	id := identity(r)
	sess, err := a.relay.EndSession(r.Context(), pathParam(r, "id"), id.UserID, id.IsAdmin())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}

// handleGetSession handles GET /api/sessions/{id}[?after=seq].
func (a *API) handleGetSession(w http.ResponseWriter, r *http.Request) {
	var after int64
	if v := r.URL.Query().Get("after"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "after must be a non-negative integer")
			return
		}
		after = n
	}

	id := identity(r)
	tr, err := a.relay.GetSession(r.Context(), pathParam(r, "id"), id.UserID, id.IsAdmin())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	resp := TranscriptResponse{
		Session:  toSessionResponse(tr.Session),
		Messages: make([]MessageResponse, 0, len(tr.Messages)),
	}
	for _, m := range tr.Messages {
		if m.Seq > after {
			resp.Messages = append(resp.Messages, toMessageResponse(m))
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleListSessions handles GET /api/sessions[?limit=n].
func (a *API) handleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := defaultListLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "bad_request", "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}

	sessions, err := a.relay.ListSessions(r.Context(), identity(r).UserID, limit)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	resp := make([]SessionResponse, 0, len(sessions))
	for _, s := range sessions {
		resp = append(resp, toSessionResponse(s))
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": resp})
}

// handleRateSession handles POST /api/sessions/{id}/rating.
func (a *API) handleRateSession(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Rating   int    `json:"rating"`
		Feedback string `json:"feedback"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	sess, err := a.relay.RateSession(r.Context(), pathParam(r, "id"), identity(r).UserID, body.Rating, body.Feedback)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toSessionResponse(sess))
}
