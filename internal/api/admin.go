// ABOUTME: Admin endpoints: agent roster management and the runtime idle threshold
// ABOUTME: Mounted behind auth.RequireAdmin

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
)

// AgentResponse is the JSON form of an agent.
type AgentResponse struct {
	Handle         string     `json:"handle"`
	DisplayName    string     `json:"display_name"`
	Username       string     `json:"username,omitempty"`
	Active         bool       `json:"active"`
	Available      bool       `json:"available"`
	CurrentSession string     `json:"current_session,omitempty"`
	TotalHandled   int64      `json:"total_handled"`
	Rating         float64    `json:"rating"`
	LastActiveAt   *time.Time `json:"last_active_at,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
}

func toAgentResponse(a *store.Agent) AgentResponse {
	return AgentResponse{
		Handle:         a.Handle,
		DisplayName:    a.DisplayName,
		Username:       a.Username,
		Active:         a.Active,
		Available:      a.Available,
		CurrentSession: a.CurrentSession,
		TotalHandled:   a.TotalHandled,
		Rating:         a.Rating,
		LastActiveAt:   a.LastActiveAt,
		CreatedAt:      a.CreatedAt,
	}
}

// handleListAgents handles GET /api/agents.
func (a *API) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := a.registry.List(r.Context())
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	resp := make([]AgentResponse, 0, len(agents))
	for _, ag := range agents {
		resp = append(resp, toAgentResponse(ag))
	}
	writeJSON(w, http.StatusOK, map[string]any{"agents": resp})
}

// handleRegisterAgent handles POST /api/agents.
func (a *API) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Handle    string `json:"handle"`
		Name      string `json:"name"`
		Username  string `json:"username"`
		Available bool   `json:"available"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if strings.TrimSpace(body.Handle) == "" {
		writeError(w, http.StatusBadRequest, "bad_request", "handle is required")
		return
	}

	ag, err := a.registry.Register(r.Context(), agent.Profile{
		Handle:      body.Handle,
		DisplayName: body.Name,
		Username:    body.Username,
		Available:   body.Available,
	})
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}

	a.logger.Info("agent registered via api", "handle", ag.Handle, "by", identity(r).UserID)
	writeJSON(w, http.StatusCreated, toAgentResponse(ag))
}

// handleUpdateAgent handles PATCH /api/agents/{handle}.
func (a *API) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Active    *bool `json:"active"`
		Available *bool `json:"available"`
	}
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	if body.Active == nil && body.Available == nil {
		writeError(w, http.StatusBadRequest, "bad_request", "nothing to update")
		return
	}

	ctx := r.Context()
	handle := pathParam(r, "handle")

	// Availability is written first; when it is refused nothing has changed.
	if body.Available != nil {
		if err := a.registry.SetAvailable(ctx, handle, *body.Available); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
	}
	if body.Active != nil {
		if err := a.registry.SetActive(ctx, handle, *body.Active); err != nil {
			a.writeServiceError(w, r, err)
			return
		}
	}

	ag, err := a.registry.Get(ctx, handle)
	if err != nil {
		a.writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toAgentResponse(ag))
}

type idleTimeoutBody struct {
	IdleTimeout string `json:"idle_timeout"`
}

// handleGetIdleTimeout handles GET /api/admin/idle-timeout.
func (a *API) handleGetIdleTimeout(w http.ResponseWriter, r *http.Request) {
	if a.sweeper == nil {
		writeError(w, http.StatusNotFound, "not_found", "sweeper not running")
		return
	}
	writeJSON(w, http.StatusOK, idleTimeoutBody{IdleTimeout: a.sweeper.IdleTimeout().String()})
}

// handleSetIdleTimeout handles PUT /api/admin/idle-timeout. Takes effect on the next sweep.
func (a *API) handleSetIdleTimeout(w http.ResponseWriter, r *http.Request) {
	if a.sweeper == nil {
		writeError(w, http.StatusNotFound, "not_found", "sweeper not running")
		return
	}

	var body idleTimeoutBody
	if err := decode(w, r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	d, err := time.ParseDuration(body.IdleTimeout)
	if err != nil || d < time.Minute {
		a.writeServiceError(w, r, fmt.Errorf("%w: idle_timeout must be a duration of at least 1m", session.ErrBadRequest))
		return
	}

	a.sweeper.SetIdleTimeout(d)
	a.logger.Info("idle timeout changed", "idle_timeout", d, "by", identity(r).UserID)
	writeJSON(w, http.StatusOK, idleTimeoutBody{IdleTimeout: d.String()})
}
