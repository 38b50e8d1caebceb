// ABOUTME: SQL implementation of the Store interface, backed by modernc.org/sqlite or lib/pq
// ABOUTME: Every mutation runs as one transaction guarded by a conditional UPDATE on the row it changes

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// timeLayout is fixed width so lexical order of stored timestamps is time order.
const timeLayout = "2006-01-02T15:04:05.000000Z"

// dialect captures the differences between the supported SQL engines.
type dialect struct {
	name            string
	schema          string
	rebind          func(query string) string
	uniqueViolation func(err error) bool
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// rowScanner is satisfied by both *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

// SQLStore implements the Store interface on top of database/sql.
type SQLStore struct {
	db      *sql.DB
	dialect dialect
	logger  *slog.Logger
}

var sqliteDialect = dialect{
	name: "sqlite",
	schema: `
		CREATE TABLE IF NOT EXISTS agents (
			handle          TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL,
			username        TEXT,
			active          INTEGER NOT NULL DEFAULT 1,
			available       INTEGER NOT NULL DEFAULT 0,
			current_session TEXT,
			total_handled   INTEGER NOT NULL DEFAULT 0,
			rating          REAL NOT NULL DEFAULT 0,
			last_active_at  TEXT,
			created_at      TEXT NOT NULL,
			position        INTEGER NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			user_name          TEXT NOT NULL DEFAULT '',
			user_email         TEXT NOT NULL DEFAULT '',
			agent_handle       TEXT NOT NULL,
			agent_name         TEXT NOT NULL,
			status             TEXT NOT NULL,
			started_at         TEXT NOT NULL,
			connected_at       TEXT,
			ended_at           TEXT,
			last_message_at    TEXT NOT NULL,
			ended_by           TEXT,
			inactivity_timeout INTEGER NOT NULL DEFAULT 0,
			rating             INTEGER,
			feedback           TEXT,

			FOREIGN KEY (agent_handle) REFERENCES agents(handle),
			CHECK (status IN ('waiting', 'connected', 'ended', 'timeout')),
			CHECK (ended_by IS NULL OR ended_by IN ('user', 'agent', 'system', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, last_message_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_handle);

		CREATE TABLE IF NOT EXISTS messages (
			session_id  TEXT NOT NULL,
			seq         INTEGER NOT NULL,
			sender      TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			PRIMARY KEY (session_id, seq),
			FOREIGN KEY (session_id) REFERENCES sessions(id),
			CHECK (sender IN ('user', 'agent', 'system'))
		);
	`,
	rebind: func(query string) string { return query },
	uniqueViolation: func(err error) bool {
		return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
	},
}

// NewSQLiteStore creates a new SQLite store at the given path.
// The schema is automatically created if it doesn't exist.
// Parent directories are created if needed.
func NewSQLiteStore(path string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	// Ensure parent directory exists
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	// One connection serializes writers; transactions never see SQLITE_BUSY
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling foreign keys: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: sqliteDialect,
		logger:  logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("SQLite store initialized", "path", path)
	return s, nil
}

// createSchema creates the database tables if they don't exist
func (s *SQLStore) createSchema() error {
	_, err := s.db.Exec(s.dialect.schema)
	return err
}

// Close closes the database connection
func (s *SQLStore) Close() error {
	return s.db.Close()
}

// Dialect returns the name of the SQL engine backing this store.
func (s *SQLStore) Dialect() string {
	return s.dialect.name
}

func (s *SQLStore) q(query string) string {
	return s.dialect.rebind(query)
}

// withTx runs fn inside a transaction, committing when fn returns nil.
func (s *SQLStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeLayout, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

// nullString returns nil for empty strings, otherwise the string
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// =============================================================================
// Agents
// =============================================================================

const agentColumns = `handle, display_name, username, active, available, current_session,
	total_handled, rating, last_active_at, created_at`

func scanAgent(row rowScanner) (*Agent, error) {
	var a Agent
	var username, currentSession, lastActiveAt sql.NullString
	var createdAt string

	if err := row.Scan(
		&a.Handle,
		&a.DisplayName,
		&username,
		&a.Active,
		&a.Available,
		&currentSession,
		&a.TotalHandled,
		&a.Rating,
		&lastActiveAt,
		&createdAt,
	); err != nil {
		return nil, err
	}

	a.Username = username.String
	a.CurrentSession = currentSession.String

	var err error
	a.LastActiveAt, err = parseNullTime(lastActiveAt)
	if err != nil {
		return nil, fmt.Errorf("parsing last_active_at: %w", err)
	}
	a.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, fmt.Errorf("parsing created_at: %w", err)
	}
	return &a, nil
}

// insertAgent appends the agent at the end of the registration order.
func (s *SQLStore) insertAgent(ctx context.Context, tx querier, agent *Agent) error {
	var position int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(position), 0) + 1 FROM agents`).Scan(&position); err != nil {
		return fmt.Errorf("reading agent position: %w", err)
	}

	createdAt := agent.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}

	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO agents (handle, display_name, username, active, available,
			total_handled, rating, created_at, position)
		VALUES (?, ?, ?, ?, ?, 0, 0, ?, ?)
	`),
		agent.Handle,
		agent.DisplayName,
		nullString(agent.Username),
		agent.Active,
		agent.Available,
		formatTime(createdAt),
		position,
	)
	if s.dialect.uniqueViolation(err) {
		return ErrDuplicateAgent
	}
	if err != nil {
		return fmt.Errorf("inserting agent: %w", err)
	}
	return nil
}

// CreateAgent registers a new agent.
// Returns ErrDuplicateAgent if the handle is already registered.
func (s *SQLStore) CreateAgent(ctx context.Context, agent *Agent) error {
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		return s.insertAgent(ctx, tx, agent)
	})
	if err != nil {
		return err
	}
	s.logger.Debug("created agent", "handle", agent.Handle)
	return nil
}

// UpsertAgent registers the agent, or refreshes the profile fields of an existing one.
// Live state (active, available, current session, counters) of an existing agent is left alone.
func (s *SQLStore) UpsertAgent(ctx context.Context, agent *Agent) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE agents SET display_name = ?, username = ? WHERE handle = ?
		`), agent.DisplayName, nullString(agent.Username), agent.Handle)
		if err != nil {
			return fmt.Errorf("updating agent: %w", err)
		}
		if n, _ := result.RowsAffected(); n > 0 {
			return nil
		}
		return s.insertAgent(ctx, tx, agent)
	})
}

// GetAgent retrieves an agent by handle.
// Returns ErrNotFound if the agent doesn't exist.
func (s *SQLStore) GetAgent(ctx context.Context, handle string) (*Agent, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+agentColumns+` FROM agents WHERE handle = ?`), handle)
	agent, err := scanAgent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying agent: %w", err)
	}
	return agent, nil
}

// ListAgents returns all agents in registration order.
func (s *SQLStore) ListAgents(ctx context.Context) ([]*Agent, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY position`)
	if err != nil {
		return nil, fmt.Errorf("querying agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		agent, err := scanAgent(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, agent)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agent rows: %w", err)
	}
	return agents, nil
}

// SetAgentAvailable flips the availability flag.
// Turning availability on fails with ErrAgentBusy while the agent holds a session.
func (s *SQLStore) SetAgentAvailable(ctx context.Context, handle string, available bool) error {
	query := `UPDATE agents SET available = ? WHERE handle = ?`
	if available {
		query += ` AND current_session IS NULL`
	}

	result, err := s.db.ExecContext(ctx, s.q(query), available, handle)
	if err != nil {
		return fmt.Errorf("updating agent availability: %w", err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		return nil
	}

	if _, err := s.GetAgent(ctx, handle); err != nil {
		return err
	}
	return ErrAgentBusy
}

// SetAgentActive marks an agent usable or unusable for routing.
func (s *SQLStore) SetAgentActive(ctx context.Context, handle string, active bool) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE agents SET active = ? WHERE handle = ?`), active, handle)
	if err != nil {
		return fmt.Errorf("updating agent active flag: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchAgent records agent activity.
func (s *SQLStore) TouchAgent(ctx context.Context, handle string, at time.Time) error {
	result, err := s.db.ExecContext(ctx, s.q(`UPDATE agents SET last_active_at = ? WHERE handle = ?`), formatTime(at), handle)
	if err != nil {
		return fmt.Errorf("touching agent: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// =============================================================================
// Sessions
// =============================================================================

const sessionColumns = `id, user_id, user_name, user_email, agent_handle, agent_name, status,
	started_at, connected_at, ended_at, last_message_at, ended_by, inactivity_timeout, rating, feedback`

func scanSession(row rowScanner) (*Session, error) {
	var sess Session
	var status string
	var startedAt, lastMessageAt string
	var connectedAt, endedAt, endedBy, feedback sql.NullString
	var rating sql.NullInt64

	if err := row.Scan(
		&sess.ID,
		&sess.UserID,
		&sess.UserName,
		&sess.UserEmail,
		&sess.AgentHandle,
		&sess.AgentName,
		&status,
		&startedAt,
		&connectedAt,
		&endedAt,
		&lastMessageAt,
		&endedBy,
		&sess.InactivityTimeout,
		&rating,
		&feedback,
	); err != nil {
		return nil, err
	}

	sess.Status = SessionStatus(status)
	sess.EndedBy = EndedBy(endedBy.String)
	sess.Feedback = feedback.String
	if rating.Valid {
		r := int(rating.Int64)
		sess.Rating = &r
	}

	var err error
	if sess.StartedAt, err = parseTime(startedAt); err != nil {
		return nil, fmt.Errorf("parsing started_at: %w", err)
	}
	if sess.LastMessageAt, err = parseTime(lastMessageAt); err != nil {
		return nil, fmt.Errorf("parsing last_message_at: %w", err)
	}
	if sess.ConnectedAt, err = parseNullTime(connectedAt); err != nil {
		return nil, fmt.Errorf("parsing connected_at: %w", err)
	}
	if sess.EndedAt, err = parseNullTime(endedAt); err != nil {
		return nil, fmt.Errorf("parsing ended_at: %w", err)
	}
	return &sess, nil
}

// AssignSession reserves the agent and opens a connected session in one transaction.
// The reservation succeeds only if the agent is still active, available, and free;
// otherwise ErrAgentUnavailable is returned and nothing is written.
func (s *SQLStore) AssignSession(ctx context.Context, req *AssignRequest) (*Session, error) {
	now := formatTime(req.At)

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE agents
			SET current_session = ?, total_handled = total_handled + 1, last_active_at = ?
			WHERE handle = ? AND active = ? AND available = ? AND current_session IS NULL
		`), req.SessionID, now, req.AgentHandle, true, true)
		if err != nil {
			return fmt.Errorf("reserving agent: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			return ErrAgentUnavailable
		}

		var agentName string
		if err := tx.QueryRowContext(ctx, s.q(`SELECT display_name FROM agents WHERE handle = ?`), req.AgentHandle).Scan(&agentName); err != nil {
			return fmt.Errorf("reading agent name: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO sessions (id, user_id, user_name, user_email, agent_handle, agent_name,
				status, started_at, connected_at, last_message_at, inactivity_timeout)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`),
			req.SessionID,
			req.UserID,
			req.UserName,
			req.UserEmail,
			req.AgentHandle,
			agentName,
			string(StatusConnected),
			now,
			now,
			now,
			false,
		); err != nil {
			return fmt.Errorf("inserting session: %w", err)
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO messages (session_id, seq, sender, sender_name, text, created_at)
			VALUES (?, 1, ?, '', ?, ?)
		`), req.SessionID, string(SenderSystem), req.Greeting, now); err != nil {
			return fmt.Errorf("inserting greeting: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("assigned session", "session_id", req.SessionID, "agent", req.AgentHandle)
	return s.GetSession(ctx, req.SessionID)
}

// GetSession retrieves a session header by ID.
// Returns ErrNotFound if the session doesn't exist.
func (s *SQLStore) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+sessionColumns+` FROM sessions WHERE id = ?`), id)
	sess, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying session: %w", err)
	}
	return sess, nil
}

func (s *SQLStore) listSessions(ctx context.Context, query string, args ...any) ([]*Session, error) {
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("querying sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning session row: %w", err)
		}
		sessions = append(sessions, sess)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating session rows: %w", err)
	}
	return sessions, nil
}

// ListSessionsByUser returns a user's sessions, most recent first.
// If limit is 0 or negative, a default limit of 50 is used.
func (s *SQLStore) ListSessionsByUser(ctx context.Context, userID string, limit int) ([]*Session, error) {
	if limit <= 0 {
		limit = 50
	}
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE user_id = ?
		ORDER BY started_at DESC
		LIMIT ?
	`, userID, limit)
}

// ListIdleSessions returns connected sessions whose last message is older than cutoff.
func (s *SQLStore) ListIdleSessions(ctx context.Context, cutoff time.Time) ([]*Session, error) {
	return s.listSessions(ctx, `
		SELECT `+sessionColumns+` FROM sessions
		WHERE status = ? AND last_message_at < ?
		ORDER BY last_message_at
	`, string(StatusConnected), formatTime(cutoff))
}

// CountSessionsByAgent returns the number of sessions per status for one agent.
func (s *SQLStore) CountSessionsByAgent(ctx context.Context, handle string) (map[SessionStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT status, COUNT(*) FROM sessions WHERE agent_handle = ? GROUP BY status
	`), handle)
	if err != nil {
		return nil, fmt.Errorf("counting sessions: %w", err)
	}
	defer rows.Close()

	counts := make(map[SessionStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scanning session count: %w", err)
		}
		counts[SessionStatus(status)] = n
	}
	return counts, rows.Err()
}

// sessionStatus reads the current status inside a transaction.
func (s *SQLStore) sessionStatus(ctx context.Context, tx querier, id string) (SessionStatus, error) {
	var status string
	err := tx.QueryRowContext(ctx, s.q(`SELECT status FROM sessions WHERE id = ?`), id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("querying session status: %w", err)
	}
	return SessionStatus(status), nil
}

func (s *SQLStore) nextSeq(ctx context.Context, tx querier, sessionID string) (int64, error) {
	var seq int64
	err := tx.QueryRowContext(ctx, s.q(`SELECT COALESCE(MAX(seq), 0) + 1 FROM messages WHERE session_id = ?`), sessionID).Scan(&seq)
	if err != nil {
		return 0, fmt.Errorf("reading next seq: %w", err)
	}
	return seq, nil
}

func (s *SQLStore) insertMessage(ctx context.Context, tx querier, msg *Message) error {
	_, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO messages (session_id, seq, sender, sender_name, text, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), msg.SessionID, msg.Seq, string(msg.Sender), msg.SenderName, msg.Text, formatTime(msg.CreatedAt))
	if err != nil {
		return fmt.Errorf("inserting message: %w", err)
	}
	return nil
}

// AppendMessage appends an entry to a connected session's log and bumps last_message_at.
// Returns ErrNotFound for an unknown session and ErrSessionNotActive once it has ended.
func (s *SQLStore) AppendMessage(ctx context.Context, msg *Message) (*Message, error) {
	out := *msg
	if out.CreatedAt.IsZero() {
		out.CreatedAt = time.Now()
	}
	out.CreatedAt = out.CreatedAt.UTC()

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		// The conditional update claims the session row before seq is read.
		// last_message_at only moves forward; the layout is fixed width so text order is time order.
		stamp := formatTime(out.CreatedAt)
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE sessions
			SET last_message_at = CASE WHEN last_message_at < ? THEN ? ELSE last_message_at END
			WHERE id = ? AND status = ?
		`), stamp, stamp, out.SessionID, string(StatusConnected))
		if err != nil {
			return fmt.Errorf("updating last_message_at: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			if _, err := s.sessionStatus(ctx, tx, out.SessionID); err != nil {
				return err
			}
			return ErrSessionNotActive
		}

		var last string
		if err := tx.QueryRowContext(ctx, s.q(`SELECT last_message_at FROM sessions WHERE id = ?`), out.SessionID).Scan(&last); err != nil {
			return fmt.Errorf("reading last_message_at: %w", err)
		}
		lastAt, err := parseTime(last)
		if err != nil {
			return fmt.Errorf("parsing last_message_at: %w", err)
		}
		if lastAt.After(out.CreatedAt) {
			out.CreatedAt = lastAt
		}

		out.Seq, err = s.nextSeq(ctx, tx, out.SessionID)
		if err != nil {
			return err
		}
		return s.insertMessage(ctx, tx, &out)
	})
	if err != nil {
		return nil, err
	}

	s.logger.Debug("appended message", "session_id", out.SessionID, "seq", out.Seq, "sender", out.Sender)
	return &out, nil
}

// ListMessages returns a session's log in append order.
func (s *SQLStore) ListMessages(ctx context.Context, sessionID string) ([]*Message, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT session_id, seq, sender, sender_name, text, created_at
		FROM messages
		WHERE session_id = ?
		ORDER BY seq ASC
	`), sessionID)
	if err != nil {
		return nil, fmt.Errorf("querying messages: %w", err)
	}
	defer rows.Close()

	var messages []*Message
	for rows.Next() {
		var msg Message
		var sender, createdAt string
		if err := rows.Scan(&msg.SessionID, &msg.Seq, &sender, &msg.SenderName, &msg.Text, &createdAt); err != nil {
			return nil, fmt.Errorf("scanning message row: %w", err)
		}
		msg.Sender = Sender(sender)
		if msg.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, fmt.Errorf("parsing message created_at: %w", err)
		}
		messages = append(messages, &msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating message rows: %w", err)
	}
	return messages, nil
}

// CloseSession moves a connected session to a terminal status, appends the closing
// system entry and releases the agent if it still points at this session.
// It reports false without error when the session was already terminal.
func (s *SQLStore) CloseSession(ctx context.Context, req *CloseRequest) (bool, error) {
	if !req.Status.Terminal() {
		return false, fmt.Errorf("closing session with non-terminal status %q", req.Status)
	}
	at := req.At.UTC()
	transitioned := false

	query := `
		UPDATE sessions
		SET status = ?, ended_at = ?, ended_by = ?, inactivity_timeout = ?
		WHERE id = ? AND status = ?`
	args := []any{
		string(req.Status),
		formatTime(at),
		string(req.EndedBy),
		req.Status == StatusTimeout,
		req.SessionID,
		string(StatusConnected),
	}
	if !req.IdleBefore.IsZero() {
		query += ` AND last_message_at < ?`
		args = append(args, formatTime(req.IdleBefore))
	}

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(query), args...)
		if err != nil {
			return fmt.Errorf("closing session: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			// Lost the race, already closed or active again; only absence is an error
			_, err := s.sessionStatus(ctx, tx, req.SessionID)
			return err
		}

		seq, err := s.nextSeq(ctx, tx, req.SessionID)
		if err != nil {
			return err
		}
		if err := s.insertMessage(ctx, tx, &Message{
			SessionID: req.SessionID,
			Seq:       seq,
			Sender:    SenderSystem,
			Text:      req.Notice,
			CreatedAt: at,
		}); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE agents SET current_session = NULL, available = ?
			WHERE current_session = ?
		`), true, req.SessionID); err != nil {
			return fmt.Errorf("releasing agent: %w", err)
		}

		transitioned = true
		return nil
	})
	if err != nil {
		return false, err
	}

	if transitioned {
		s.logger.Debug("closed session", "session_id", req.SessionID, "status", req.Status, "ended_by", req.EndedBy)
	}
	return transitioned, nil
}

// RateSession stores the user's rating and feedback on a terminal session and
// refreshes the agent's average rating.
func (s *SQLStore) RateSession(ctx context.Context, id string, rating int, feedback string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, s.q(`
			UPDATE sessions SET rating = ?, feedback = ?
			WHERE id = ? AND status IN (?, ?) AND rating IS NULL
		`), rating, nullString(feedback), id, string(StatusEnded), string(StatusTimeout))
		if err != nil {
			return fmt.Errorf("rating session: %w", err)
		}
		if n, _ := result.RowsAffected(); n == 0 {
			status, err := s.sessionStatus(ctx, tx, id)
			if err != nil {
				return err
			}
			if !status.Terminal() {
				return ErrSessionStillOpen
			}
			return ErrAlreadyRated
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			UPDATE agents SET rating = (
				SELECT COALESCE(AVG(rating), 0) FROM sessions
				WHERE agent_handle = agents.handle AND rating IS NOT NULL
			)
			WHERE handle = (SELECT agent_handle FROM sessions WHERE id = ?)
		`), id); err != nil {
			return fmt.Errorf("updating agent rating: %w", err)
		}
		return nil
	})
}

// Ensure SQLStore implements Store interface
var _ Store = (*SQLStore)(nil)
