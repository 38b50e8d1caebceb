// ABOUTME: Store interface and data types for coven-desk persistence
// ABOUTME: Defines Agent, Session, Message and the atomic operations the routing engine relies on

package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested entity does not exist
var ErrNotFound = errors.New("not found")

// ErrDuplicateAgent is returned when registering a handle that already exists
var ErrDuplicateAgent = errors.New("agent already registered")

// ErrAgentUnavailable is returned by AssignSession when the agent was taken,
// deactivated, or marked busy between selection and commit.
var ErrAgentUnavailable = errors.New("agent not available for assignment")

// ErrAgentBusy is returned when an agent with an open session asks to become available
var ErrAgentBusy = errors.New("agent has an open session")

// ErrSessionNotActive is returned when appending to a session that is not connected
var ErrSessionNotActive = errors.New("session not active")

// ErrSessionStillOpen is returned when rating a session that has not ended
var ErrSessionStillOpen = errors.New("session still connected")

// ErrAlreadyRated is returned when a session already carries a rating
var ErrAlreadyRated = errors.New("session already rated")

// SessionStatus is the lifecycle state of a chat session.
type SessionStatus string

const (
	// StatusWaiting is reserved for pre-assignment queuing; nothing in this module produces it.
	StatusWaiting   SessionStatus = "waiting"
	StatusConnected SessionStatus = "connected"
	StatusEnded     SessionStatus = "ended"
	StatusTimeout   SessionStatus = "timeout"
)

// Terminal reports whether no further transition can leave this status.
func (s SessionStatus) Terminal() bool {
	return s == StatusEnded || s == StatusTimeout
}

// EndedBy records who closed a session
type EndedBy string

const (
	EndedByUser    EndedBy = "user"
	EndedByAgent   EndedBy = "agent"
	EndedBySystem  EndedBy = "system"
	EndedByTimeout EndedBy = "timeout"
)

// Sender identifies the author of a session log entry
type Sender string

const (
	SenderUser   Sender = "user"
	SenderAgent  Sender = "agent"
	SenderSystem Sender = "system"
)

// Agent is a human support representative reachable through the messaging gateway.
// Handle is the stable external-channel identity (a Matrix user ID for the matrix gateway).
type Agent struct {
	Handle         string
	DisplayName    string
	Username       string
	Active         bool
	Available      bool
	CurrentSession string // empty when the agent holds no session
	TotalHandled   int64
	Rating         float64
	LastActiveAt   *time.Time
	CreatedAt      time.Time
}

// Session is one routed conversation between a user and an agent.
// The message log is read separately with ListMessages.
type Session struct {
	ID                string
	UserID            string
	UserName          string
	UserEmail         string
	AgentHandle       string
	AgentName         string
	Status            SessionStatus
	StartedAt         time.Time
	ConnectedAt       *time.Time
	EndedAt           *time.Time
	LastMessageAt     time.Time
	EndedBy           EndedBy // empty until the terminal transition
	InactivityTimeout bool
	Rating            *int
	Feedback          string
}

// Message is one entry of a session's append-only log.
// Seq is assigned by the store and defines replay order.
type Message struct {
	SessionID  string
	Seq        int64
	Sender     Sender
	SenderName string
	Text       string
	CreatedAt  time.Time
}

// AssignRequest describes a session to open for an already selected agent.
type AssignRequest struct {
	SessionID   string
	UserID      string
	UserName    string
	UserEmail   string
	AgentHandle string
	Greeting    string // text of the system entry that opens the log
	At          time.Time
}

// CloseRequest describes a terminal transition.
type CloseRequest struct {
	SessionID string
	Status    SessionStatus // StatusEnded or StatusTimeout
	EndedBy   EndedBy
	Notice    string // text of the closing system entry
	At        time.Time

	// IdleBefore, when set, only closes a session whose last message is older than it.
	IdleBefore time.Time
}

// Store defines the persistence operations for agents and chat sessions.
// Every mutating method is a single atomic read-modify-write.
type Store interface {
	// Agents
	CreateAgent(ctx context.Context, agent *Agent) error
	UpsertAgent(ctx context.Context, agent *Agent) error
	GetAgent(ctx context.Context, handle string) (*Agent, error)
	ListAgents(ctx context.Context) ([]*Agent, error)
	SetAgentAvailable(ctx context.Context, handle string, available bool) error
	SetAgentActive(ctx context.Context, handle string, active bool) error
	TouchAgent(ctx context.Context, handle string, at time.Time) error

	// Sessions
	AssignSession(ctx context.Context, req *AssignRequest) (*Session, error)
	GetSession(ctx context.Context, id string) (*Session, error)
	ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error)
	ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error)
	CountSessionsByAgent(ctx context.Context, handle string) (map[SessionStatus]int, error)
	AppendMessage(ctx context.Context, msg *Message) (*Message, error)
	ListMessages(ctx context.Context, sessionID string) ([]*Message, error)
	CloseSession(ctx context.Context, req *CloseRequest) (bool, error)
	RateSession(ctx context.Context, id string, rating int, feedback string) error

	Close() error
}
