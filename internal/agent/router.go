// ABOUTME: Least-busy router for selecting the agent that takes a new chat.
// ABOUTME: Picks the eligible agent with the fewest lifetime assignments.

package agent

import (
	"errors"

	"github.com/2389/coven-desk/internal/store"
)

// ErrNoAgentsAvailable indicates no agent can take a new session right now.
var ErrNoAgentsAvailable = errors.New("no agents available")

// Eligible reports whether the agent may be offered a new session.
// The current session is checked explicitly; the available flag alone is not trusted.
func Eligible(a *store.Agent) bool {
	return a.Active && a.Available && a.CurrentSession == ""
}

// SelectAgent picks the eligible agent with the smallest TotalHandled.
// Ties go to the first agent encountered, so callers should pass agents in
// registration order. Returns ErrNoAgentsAvailable if none is eligible.
func SelectAgent(agents []*store.Agent) (*store.Agent, error) {
	var selected *store.Agent
	for _, a := range agents {
		if !Eligible(a) {
			continue
		}
		if selected == nil || a.TotalHandled < selected.TotalHandled {
			selected = a
		}
	}
	if selected == nil {
		return nil, ErrNoAgentsAvailable
	}
	return selected, nil
}
