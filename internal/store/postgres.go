// ABOUTME: PostgreSQL flavour of SQLStore using github.com/lib/pq
// ABOUTME: Shares every query with the SQLite store; only schema types and placeholders differ

package store

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"

	"github.com/lib/pq"
)

var postgresDialect = dialect{
	name: "postgres",
	schema: `
		CREATE TABLE IF NOT EXISTS agents (
			handle          TEXT PRIMARY KEY,
			display_name    TEXT NOT NULL,
			username        TEXT,
			active          BOOLEAN NOT NULL DEFAULT TRUE,
			available       BOOLEAN NOT NULL DEFAULT FALSE,
			current_session TEXT,
			total_handled   BIGINT NOT NULL DEFAULT 0,
			rating          DOUBLE PRECISION NOT NULL DEFAULT 0,
			last_active_at  TEXT,
			created_at      TEXT NOT NULL,
			position        BIGINT NOT NULL
		);

		CREATE TABLE IF NOT EXISTS sessions (
			id                 TEXT PRIMARY KEY,
			user_id            TEXT NOT NULL,
			user_name          TEXT NOT NULL DEFAULT '',
			user_email         TEXT NOT NULL DEFAULT '',
			agent_handle       TEXT NOT NULL REFERENCES agents(handle),
			agent_name         TEXT NOT NULL,
			status             TEXT NOT NULL,
			started_at         TEXT NOT NULL,
			connected_at       TEXT,
			ended_at           TEXT,
			last_message_at    TEXT NOT NULL,
			ended_by           TEXT,
			inactivity_timeout BOOLEAN NOT NULL DEFAULT FALSE,
			rating             INTEGER,
			feedback           TEXT,

			CHECK (status IN ('waiting', 'connected', 'ended', 'timeout')),
			CHECK (ended_by IS NULL OR ended_by IN ('user', 'agent', 'system', 'timeout'))
		);

		CREATE INDEX IF NOT EXISTS idx_sessions_idle ON sessions(status, last_message_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_user ON sessions(user_id, started_at);
		CREATE INDEX IF NOT EXISTS idx_sessions_agent ON sessions(agent_handle);

		CREATE TABLE IF NOT EXISTS messages (
			session_id  TEXT NOT NULL REFERENCES sessions(id),
			seq         BIGINT NOT NULL,
			sender      TEXT NOT NULL,
			sender_name TEXT NOT NULL DEFAULT '',
			text        TEXT NOT NULL,
			created_at  TEXT NOT NULL,

			PRIMARY KEY (session_id, seq),
			CHECK (sender IN ('user', 'agent', 'system'))
		);
	`,
	rebind: rebindDollar,
	uniqueViolation: func(err error) bool {
		var pqErr *pq.Error
		return errors.As(err, &pqErr) && pqErr.Code == "23505"
	},
}

// rebindDollar rewrites ? placeholders to $1, $2, ...
// None of the store's queries carry a literal question mark.
func rebindDollar(query string) string {
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// NewPostgresStore connects to PostgreSQL using a lib/pq DSN and creates the schema.
func NewPostgresStore(dsn string) (*SQLStore, error) {
	logger := slog.Default().With("component", "store")

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("connecting to postgres: %w", err)
	}

	s := &SQLStore{
		db:      db,
		dialect: postgresDialect,
		logger:  logger,
	}

	if err := s.createSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("creating schema: %w", err)
	}

	logger.Info("Postgres store initialized")
	return s, nil
}
