// ABOUTME: In-memory Store implementation used by tests and the "memory" database driver
// ABOUTME: One mutex guards all state so each operation is atomic, matching the SQL store

package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MockStore is an in-memory Store implementation.
type MockStore struct {
	mu         sync.RWMutex
	agents     map[string]*Agent // keyed by handle
	agentOrder []string          // registration order
	sessions   map[string]*Session
	messages   map[string][]*Message // keyed by session ID
}

// NewMockStore creates a new MockStore.
func NewMockStore() *MockStore {
	return &MockStore{
		agents:   make(map[string]*Agent),
		sessions: make(map[string]*Session),
		messages: make(map[string][]*Message),
	}
}

func copyAgent(a *Agent) *Agent {
	c := *a
	if a.LastActiveAt != nil {
		t := *a.LastActiveAt
		c.LastActiveAt = &t
	}
	return &c
}

func copySession(s *Session) *Session {
	c := *s
	if s.ConnectedAt != nil {
		t := *s.ConnectedAt
		c.ConnectedAt = &t
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	if s.Rating != nil {
		r := *s.Rating
		c.Rating = &r
	}
	return &c
}

func (m *MockStore) insertAgentLocked(agent *Agent) {
	a := copyAgent(agent)
	a.CurrentSession = ""
	a.TotalHandled = 0
	a.Rating = 0
	if a.CreatedAt.IsZero() {
		a.CreatedAt = time.Now()
	}
	m.agents[a.Handle] = a
	m.agentOrder = append(m.agentOrder, a.Handle)
}

// CreateAgent registers a new agent.
func (m *MockStore) CreateAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.agents[agent.Handle]; exists {
		return ErrDuplicateAgent
	}
	m.insertAgentLocked(agent)
	return nil
}

// UpsertAgent registers the agent or refreshes an existing agent's profile fields.
func (m *MockStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if existing, ok := m.agents[agent.Handle]; ok {
		existing.DisplayName = agent.DisplayName
		existing.Username = agent.Username
		return nil
	}
	m.insertAgentLocked(agent)
	return nil
}

// GetAgent retrieves an agent by handle.
func (m *MockStore) GetAgent(ctx context.Context, handle string) (*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	a, ok := m.agents[handle]
	if !ok {
		return nil, ErrNotFound
	}
	return copyAgent(a), nil
}

// ListAgents returns all agents in registration order.
func (m *MockStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	agents := make([]*Agent, 0, len(m.agentOrder))
	for _, handle := range m.agentOrder {
		agents = append(agents, copyAgent(m.agents[handle]))
	}
	return agents, nil
}

// SetAgentAvailable flips the availability flag.
func (m *MockStore) SetAgentAvailable(ctx context.Context, handle string, available bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[handle]
	if !ok {
		return ErrNotFound
	}
	if available && a.CurrentSession != "" {
		return ErrAgentBusy
	}
	a.Available = available
	return nil
}

// SetAgentActive marks an agent usable or unusable for routing.
func (m *MockStore) SetAgentActive(ctx context.Context, handle string, active bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[handle]
	if !ok {
		return ErrNotFound
	}
	a.Active = active
	return nil
}

// TouchAgent records agent activity.
func (m *MockStore) TouchAgent(ctx context.Context, handle string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[handle]
	if !ok {
		return ErrNotFound
	}
	t := at.UTC()
	a.LastActiveAt = &t
	return nil
}

// AssignSession reserves the agent and opens a connected session.
func (m *MockStore) AssignSession(ctx context.Context, req *AssignRequest) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	a, ok := m.agents[req.AgentHandle]
	if !ok || !a.Active || !a.Available || a.CurrentSession != "" {
		return nil, ErrAgentUnavailable
	}
	if _, exists := m.sessions[req.SessionID]; exists {
		return nil, fmt.Errorf("session %s already exists", req.SessionID)
	}

	at := req.At.UTC()
	a.CurrentSession = req.SessionID
	a.TotalHandled++
	a.LastActiveAt = &at

	connectedAt := at
	sess := &Session{
		ID:            req.SessionID,
		UserID:        req.UserID,
		UserName:      req.UserName,
		UserEmail:     req.UserEmail,
		AgentHandle:   a.Handle,
		AgentName:     a.DisplayName,
		Status:        StatusConnected,
		StartedAt:     at,
		ConnectedAt:   &connectedAt,
		LastMessageAt: at,
	}
	m.sessions[sess.ID] = sess
	m.messages[sess.ID] = []*Message{{
		SessionID: sess.ID,
		Seq:       1,
		Sender:    SenderSystem,
		Text:      req.Greeting,
		CreatedAt: at,
	}}
	return copySession(sess), nil
}

// GetSession retrieves a session header by ID.
func (m *MockStore) GetSession(ctx context.Context, id string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return copySession(s), nil
}

// ListSessionsByUser returns a user's sessions, most recent first.
func (m *MockStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if limit <= 0 {
		limit = 50
	}

	var result []*Session
	for _, s := range m.sessions {
		if s.UserID == userID {
			result = append(result, copySession(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.After(result[j].StartedAt)
	})
	if len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// ListIdleSessions returns connected sessions whose last message is older than cutoff.
func (m *MockStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var result []*Session
	for _, s := range m.sessions {
		if s.Status == StatusConnected && s.LastMessageAt.Before(cutoff) {
			result = append(result, copySession(s))
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].LastMessageAt.Before(result[j].LastMessageAt)
	})
	return result, nil
}

// CountSessionsByAgent returns the number of sessions per status for one agent.
func (m *MockStore) CountSessionsByAgent(ctx context.Context, handle string) (map[SessionStatus]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	counts := make(map[SessionStatus]int)
	for _, s := range m.sessions {
		if s.AgentHandle == handle {
			counts[s.Status]++
		}
	}
	return counts, nil
}

// AppendMessage appends an entry to a connected session's log.
func (m *MockStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[msg.SessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if s.Status != StatusConnected {
		return nil, ErrSessionNotActive
	}

	out := *msg
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	out.CreatedAt = out.CreatedAt.UTC()
	// A stamp taken before a concurrent append committed never moves activity backwards
	if out.CreatedAt.Before(s.LastMessageAt) {
		out.CreatedAt = s.LastMessageAt
	}
	out.Seq = int64(len(m.messages[s.ID]) + 1)

	stored := out
	m.messages[s.ID] = append(m.messages[s.ID], &stored)
	s.LastMessageAt = out.CreatedAt
	return &out, nil
}

// ListMessages returns a session's log in append order.
func (m *MockStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[sessionID]
	result := make([]*Message, len(msgs))
	for i, msg := range msgs {
		c := *msg
		result[i] = &c
	}
	return result, nil
}

// CloseSession moves a connected session to a terminal status and releases its agent.
func (m *MockStore) CloseSession(ctx context.Context, req *CloseRequest) (bool, error) {
	if !req.Status.Terminal() {
		return false, fmt.Errorf("closing session with non-terminal status %q", req.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[req.SessionID]
	if !ok {
		return false, ErrNotFound
	}
	if s.Status != StatusConnected {
		return false, nil
	}
	if !req.IdleBefore.IsZero() && !s.LastMessageAt.Before(req.IdleBefore) {
		return false, nil
	}

	at := req.At.UTC()
	s.Status = req.Status
	s.EndedAt = &at
	s.EndedBy = req.EndedBy
	s.InactivityTimeout = req.Status == StatusTimeout

	m.messages[s.ID] = append(m.messages[s.ID], &Message{
		SessionID: s.ID,
		Seq:       int64(len(m.messages[s.ID]) + 1),
		Sender:    SenderSystem,
		Text:      req.Notice,
		CreatedAt: at,
	})

	for _, a := range m.agents {
		if a.CurrentSession == s.ID {
			a.CurrentSession = ""
			a.Available = true
		}
	}
	return true, nil
}

// RateSession stores the rating on a terminal session and refreshes the agent's average.
func (m *MockStore) RateSession(ctx context.Context, id string, rating int, feedback string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return ErrNotFound
	}
	if !s.Status.Terminal() {
		return ErrSessionStillOpen
	}
	if s.Rating != nil {
		return ErrAlreadyRated
	}
	r := rating
	s.Rating = &r
	s.Feedback = feedback

	if a, ok := m.agents[s.AgentHandle]; ok {
		var sum, n int
		for _, other := range m.sessions {
			if other.AgentHandle == a.Handle && other.Rating != nil {
				sum += *other.Rating
				n++
			}
		}
		if n > 0 {
			a.Rating = float64(sum) / float64(n)
		}
	}
	return nil
}

// Close is a no-op for the in-memory store.
func (m *MockStore) Close() error {
	return nil
}

// Ensure MockStore implements Store interface
var _ Store = (*MockStore)(nil)
