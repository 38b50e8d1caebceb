// ABOUTME: User-facing HTTP API: chi router, middleware stack and JSON helpers
// ABOUTME: Maps engine errors to status codes with a stable machine-readable code

package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/notify"
	"github.com/2389/coven-desk/internal/relay"
	"github.com/2389/coven-desk/internal/routing"
	"github.com/2389/coven-desk/internal/session"
)

// ReadinessChecker reports whether the messaging gateway can send.
type ReadinessChecker interface {
	Ready() error
}

// IdleTimeoutSetter adjusts the sweeper's threshold at runtime.
type IdleTimeoutSetter interface {
	SetIdleTimeout(d time.Duration)
	IdleTimeout() time.Duration
}

// Options wires the API to the engine.
type Options struct {
	Routing  *routing.Service
	Relay    *relay.Service
	Registry *agent.Registry
	Gateway  ReadinessChecker
	Sweeper  IdleTimeoutSetter
	Notifier notify.Dispatcher
	Streams  *notify.Broadcaster

	// Verifier checks bearer tokens; nil enables development header identity.
	Verifier    auth.TokenVerifier
	CORSOrigins []string
	Logger      *slog.Logger
}

// API serves the HTTP endpoints.
type API struct {
	routing   *routing.Service
	relay     *relay.Service
	registry  *agent.Registry
	gateway   ReadinessChecker
	sweeper   IdleTimeoutSetter
	notifier  notify.Dispatcher
	streams   *notify.Broadcaster
	verifier  auth.TokenVerifier
	origins   []string
	logger    *slog.Logger
	heartbeat time.Duration
}

// New creates the API.
func New(opts Options) *API {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = notify.NewLogDispatcher(logger)
	}
	return &API{
		routing:   opts.Routing,
		relay:     opts.Relay,
		registry:  opts.Registry,
		gateway:   opts.Gateway,
		sweeper:   opts.Sweeper,
		notifier:  notifier,
		streams:   opts.Streams,
		verifier:  opts.Verifier,
		origins:   opts.CORSOrigins,
		logger:    logger.With("component", "api"),
		heartbeat: 30 * time.Second,
	}
}

// Handler builds the router.
func (a *API) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(a.origins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins:   a.origins,
			AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "OPTIONS"},
			AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", auth.HeaderUserID, auth.HeaderUserName, auth.HeaderUserEmail, auth.HeaderUserRoles},
			AllowCredentials: true,
			MaxAge:           300,
		}))
	}

	r.Get("/health", a.handleHealth)
	r.Get("/health/ready", a.handleReady)

	r.Route("/api", func(r chi.Router) {
		r.Use(auth.Middleware(a.verifier, a.logger))

		r.Post("/connect", a.handleConnect)
		r.Get("/sessions", a.handleListSessions)
		r.Route("/sessions/{id}", func(r chi.Router) {
			r.Get("/", a.handleGetSession)
			r.Post("/messages", a.handleSendMessage)
			r.Post("/end", a.handleEndSession)
			r.Post("/rating", a.handleRateSession)
		})
		if a.streams != nil {
			r.Get("/notifications/stream", a.handleNotificationStream)
		}

		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAdmin())
			r.Get("/agents", a.handleListAgents)
			r.Post("/agents", a.handleRegisterAgent)
			r.Patch("/agents/{handle}", a.handleUpdateAgent)
			r.Get("/admin/idle-timeout", a.handleGetIdleTimeout)
			r.Put("/admin/idle-timeout", a.handleSetIdleTimeout)
		})
	})

	return r
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// errorBody is the shape of every error response.
type errorBody struct {
	Error    string `json:"error"`
	Code     string `json:"code"`
	Fallback string `json:"fallback,omitempty"`
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, errorBody{Error: msg, Code: code})
}

// writeServiceError maps engine errors onto HTTP. Expected outcomes are not logged.
func (a *API) writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, session.ErrNotFound), errors.Is(err, agent.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, session.ErrForbidden):
		writeError(w, http.StatusForbidden, "forbidden", err.Error())
	case errors.Is(err, session.ErrNotActive):
		writeError(w, http.StatusConflict, "not_active", err.Error())
	case errors.Is(err, session.ErrBadRequest):
		writeError(w, http.StatusBadRequest, "bad_request", err.Error())
	case errors.Is(err, session.ErrStillConnected):
		writeError(w, http.StatusConflict, "still_connected", err.Error())
	case errors.Is(err, session.ErrAlreadyRated):
		writeError(w, http.StatusConflict, "already_rated", err.Error())
	case errors.Is(err, session.ErrNoAgentAvailable):
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: err.Error(), Code: "no_agent_available", Fallback: "ticket"})
	case errors.Is(err, session.ErrGatewayUnavailable):
		a.logger.Warn("request refused, gateway down", "path", r.URL.Path, "error", err)
		writeError(w, http.StatusBadGateway, "gateway_unavailable", "messaging gateway unavailable, try again shortly")
	case errors.Is(err, agent.ErrAgentAlreadyRegistered):
		writeError(w, http.StatusConflict, "conflict", err.Error())
	case errors.Is(err, agent.ErrAgentBusy):
		writeError(w, http.StatusConflict, "agent_busy", err.Error())
	default:
		a.logger.Error("request failed",
			"path", r.URL.Path,
			"request_id", middleware.GetReqID(r.Context()),
			"error", err,
		)
		writeError(w, http.StatusInternalServerError, "internal", "internal error")
	}
}

// decode reads a JSON body into v.
func decode(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 64<<10))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid JSON body")
	}
	return nil
}

// pathParam returns an unescaped chi URL parameter.
func pathParam(r *http.Request, name string) string {
	raw := chi.URLParam(r, name)
	if v, err := url.PathUnescape(raw); err == nil {
		return v
	}
	return raw
}

// identity returns the caller; the auth middleware guarantees it is set.
func identity(r *http.Request) *auth.Identity {
	return auth.FromContext(r.Context())
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (a *API) handleReady(w http.ResponseWriter, r *http.Request) {
	if a.gateway == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": "no gateway configured"})
		return
	}
	if err := a.gateway.Ready(); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}
