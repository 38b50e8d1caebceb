// Package store persists agents and chat sessions for coven-desk.
//
// # Architecture
//
// Store is the single interface the routing engine talks to. Three
// implementations exist:
//
//   - SQLStore via NewSQLiteStore: modernc.org/sqlite, the default
//   - SQLStore via NewPostgresStore: github.com/lib/pq, same queries with $n placeholders
//   - MockStore: in-memory, used by tests and the "memory" database driver
//
// # Data Models
//
//   - Agent: a support representative keyed by messaging handle
//   - Session: one user/agent conversation and its lifecycle fields
//   - Message: one entry of a session's append-only log, ordered by Seq
//
// # Atomicity
//
// The store is the synchronization point for the user API, the gateway
// dispatcher and the inactivity sweeper. Each mutating method is one
// transaction whose first statement is a conditional UPDATE:
//
//	AssignSession   agent must be active, available and free
//	AppendMessage   session must be connected
//	CloseSession    session must be connected; the loser of a race gets (false, nil)
//	RateSession     session must be terminal and unrated
//
// CloseSession releases the agent (current_session NULL, available true) in
// the same transaction, only when the agent still points at that session.
//
// # SQLite Configuration
//
//	PRAGMA journal_mode=WAL;
//	PRAGMA foreign_keys=ON;
//
// The pool is capped at one connection so transactions serialize.
//
// # Timestamps
//
// Times are stored as fixed-width UTC text (microsecond precision) so that
// ListIdleSessions can compare them lexically on both engines.
package store
