// ABOUTME: Tests for SQLite store construction and persistence across reopen
// ABOUTME: Also covers placeholder rebinding used by the Postgres dialect

package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSQLiteStore(t *testing.T) {
	tmpDir := t.TempDir()
	dbPath := filepath.Join(tmpDir, "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist")
	assert.Equal(t, "sqlite", store.Dialect())
}

func TestNewSQLiteStore_CreatesDirectory(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "subdir", "nested", "test.db")

	store, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer store.Close()

	_, err = os.Stat(dbPath)
	assert.NoError(t, err, "database file should exist in nested directory")
}

func TestSQLiteStore_PersistsAcrossReopen(t *testing.T) {
	dbPath := filepath.Join(t.TempDir(), "desk.db")
	ctx := context.Background()

	first, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	seedAgent(t, first, "@a:example.org", true)
	assign(t, first, "s1", "u1", "@a:example.org", baseTime)
	require.NoError(t, first.Close())

	second, err := NewSQLiteStore(dbPath)
	require.NoError(t, err)
	defer second.Close()

	agent, err := second.GetAgent(ctx, "@a:example.org")
	require.NoError(t, err)
	assert.Equal(t, "s1", agent.CurrentSession)

	sess, err := second.GetSession(ctx, "s1")
	require.NoError(t, err)
	assert.Equal(t, StatusConnected, sess.Status)
	assert.True(t, sess.StartedAt.Equal(baseTime))
}

func TestRebindDollar(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"SELECT 1", "SELECT 1"},
		{"SELECT * FROM agents WHERE handle = ?", "SELECT * FROM agents WHERE handle = $1"},
		{"UPDATE x SET a = ?, b = ? WHERE c IN (?, ?)", "UPDATE x SET a = $1, b = $2 WHERE c IN ($3, $4)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, rebindDollar(tt.in))
	}
}

func TestFormatTime_FixedWidth(t *testing.T) {
	a := formatTime(baseTime)
	b := formatTime(baseTime.Add(1500))
	assert.Len(t, b, len(a))
	assert.Less(t, a, b)

	parsed, err := parseTime(a)
	require.NoError(t, err)
	assert.True(t, parsed.Equal(baseTime))
}
