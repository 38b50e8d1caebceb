// ABOUTME: Agent registry backed by the session store.
// ABOUTME: Registers agents, flips availability, and answers routing queries.

package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/2389/coven-desk/internal/store"
)

// ErrAgentAlreadyRegistered indicates an agent with the same handle exists.
var ErrAgentAlreadyRegistered = errors.New("agent already registered")

// ErrAgentNotFound indicates the specified agent was not found.
var ErrAgentNotFound = errors.New("agent not found")

// ErrAgentBusy indicates the agent must end its open session first.
var ErrAgentBusy = errors.New("agent has an open session")

// Profile is the identity part of an agent, as configured or registered by an admin.
type Profile struct {
	Handle      string
	DisplayName string
	Username    string
	Available   bool // initial availability for newly registered agents
}

// Registry owns agent identity and live availability.
// All state lives in the store; the registry adds validation and logging.
type Registry struct {
	store  store.Store
	logger *slog.Logger
	now    func() time.Time
}

// NewRegistry creates a new Registry instance.
func NewRegistry(s store.Store, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		store:  s,
		logger: logger.With("component", "agent"),
		now:    time.Now,
	}
}

func (p Profile) normalize() (Profile, error) {
	p.Handle = strings.TrimSpace(p.Handle)
	p.DisplayName = strings.TrimSpace(p.DisplayName)
	if p.Handle == "" {
		return p, fmt.Errorf("agent handle is required")
	}
	if p.DisplayName == "" {
		p.DisplayName = p.Handle
	}
	return p, nil
}

func (p Profile) toAgent(at time.Time) *store.Agent {
	return &store.Agent{
		Handle:      p.Handle,
		DisplayName: p.DisplayName,
		Username:    p.Username,
		Active:      true,
		Available:   p.Available,
		CreatedAt:   at,
	}
}

// Register adds a new active agent.
// Returns ErrAgentAlreadyRegistered if the handle is taken.
func (r *Registry) Register(ctx context.Context, p Profile) (*store.Agent, error) {
	p, err := p.normalize()
	if err != nil {
		return nil, err
	}

	if err := r.store.CreateAgent(ctx, p.toAgent(r.now())); err != nil {
		if errors.Is(err, store.ErrDuplicateAgent) {
			return nil, ErrAgentAlreadyRegistered
		}
		return nil, fmt.Errorf("registering agent: %w", err)
	}

	r.logger.Info("=== AGENT REGISTERED ===",
		"handle", p.Handle,
		"name", p.DisplayName,
		"available", p.Available,
	)
	return r.Get(ctx, p.Handle)
}

// Seed makes sure every configured agent exists, refreshing names of known ones.
func (r *Registry) Seed(ctx context.Context, profiles []Profile) error {
	for _, p := range profiles {
		p, err := p.normalize()
		if err != nil {
			return err
		}
		if err := r.store.UpsertAgent(ctx, p.toAgent(r.now())); err != nil {
			return fmt.Errorf("seeding agent %s: %w", p.Handle, err)
		}
	}
	if len(profiles) > 0 {
		r.logger.Info("seeded agents", "count", len(profiles))
	}
	return nil
}

// Get returns the agent with the given handle.
func (r *Registry) Get(ctx context.Context, handle string) (*store.Agent, error) {
	a, err := r.store.GetAgent(ctx, handle)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	return a, nil
}

// List returns all agents in registration order.
func (r *Registry) List(ctx context.Context) ([]*store.Agent, error) {
	return r.store.ListAgents(ctx)
}

// SetAvailable marks the agent available or busy.
// Becoming available fails with ErrAgentBusy while a session is open.
func (r *Registry) SetAvailable(ctx context.Context, handle string, available bool) error {
	err := r.store.SetAgentAvailable(ctx, handle, available)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return ErrAgentNotFound
	case errors.Is(err, store.ErrAgentBusy):
		return ErrAgentBusy
	case err != nil:
		return err
	}

	r.logger.Info("agent availability changed", "handle", handle, "available", available)
	return nil
}

// SetActive enables or disables an agent for routing.
func (r *Registry) SetActive(ctx context.Context, handle string, active bool) error {
	err := r.store.SetAgentActive(ctx, handle, active)
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	if err != nil {
		return err
	}

	r.logger.Info("agent active flag changed", "handle", handle, "active", active)
	return nil
}

// Touch records that the agent was just heard from.
func (r *Registry) Touch(ctx context.Context, handle string) error {
	err := r.store.TouchAgent(ctx, handle, r.now())
	if errors.Is(err, store.ErrNotFound) {
		return ErrAgentNotFound
	}
	return err
}

// LeastBusy returns the eligible agent with the fewest lifetime assignments.
func (r *Registry) LeastBusy(ctx context.Context) (*store.Agent, error) {
	agents, err := r.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	return SelectAgent(agents)
}
