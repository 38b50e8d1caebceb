// ABOUTME: Tests for CLI helpers: config path resolution, token minting and output
// ABOUTME: Network subcommands are covered by the server package tests

package main

import (
	"bytes"
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/auth"
	"github.com/2389/coven-desk/internal/config"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func TestGetConfigPath(t *testing.T) {
	t.Setenv("COVEN_DESK_CONFIG", "/etc/desk.yaml")
	assert.Equal(t, "/etc/desk.yaml", getConfigPath())

	t.Setenv("COVEN_DESK_CONFIG", "")
	t.Setenv("XDG_CONFIG_HOME", "/xdg")
	assert.Equal(t, filepath.Join("/xdg", "coven", "desk.yaml"), getConfigPath())
}

func TestParseTokenFlags(t *testing.T) {
	opts, err := parseTokenFlags([]string{"--user", "u-42", "--name", "Uma", "--admin", "--ttl", "1h"})
	require.NoError(t, err)
	assert.Equal(t, "u-42", opts.user)
	assert.Equal(t, "Uma", opts.name)
	assert.True(t, opts.admin)
	assert.Equal(t, time.Hour, opts.ttl)

	_, err = parseTokenFlags([]string{"--name", "Uma"})
	assert.ErrorContains(t, err, "--user is required")

	_, err = parseTokenFlags([]string{"--user", "u-42", "--ttl", "-1h"})
	assert.Error(t, err)
}

func TestMintToken_RoundTrips(t *testing.T) {
	token, err := mintToken(testSecret, tokenOptions{user: "u-42", name: "Uma", email: "uma@example.org", admin: true, ttl: time.Hour})
	require.NoError(t, err)

	v, err := auth.NewJWTVerifier([]byte(testSecret))
	require.NoError(t, err)
	id, err := v.Verify(token)
	require.NoError(t, err)

	assert.Equal(t, "u-42", id.UserID)
	assert.Equal(t, "uma@example.org", id.Email)
	assert.True(t, id.IsAdmin())
}

func TestMintToken_WeakSecret(t *testing.T) {
	_, err := mintToken("short", tokenOptions{user: "u", ttl: time.Hour})
	assert.ErrorIs(t, err, auth.ErrWeakSecret)
}

func TestStarterConfig_HasSecret(t *testing.T) {
	t.Setenv("HOME", "/home/desk")

	content, err := starterConfig()
	require.NoError(t, err)
	assert.NotContains(t, content, "${COVEN_DESK_JWT_SECRET}")

	cfg, err := config.Parse([]byte(content), false)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, len(cfg.Auth.JWTSecret), auth.MinSecretLength)
}

func TestPrintAgents(t *testing.T) {
	var buf bytes.Buffer
	err := printAgents(&buf, []agentRow{
		{Handle: "@ana:example.org", DisplayName: "Ana", Active: true, Available: true, TotalHandled: 3, Rating: 4.5},
		{Handle: "@bo:example.org", DisplayName: "Bo", Active: true, CurrentSession: "s1"},
		{Handle: "@cy:example.org", DisplayName: "Cy"},
	})
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 4)
	assert.Contains(t, lines[1], "available")
	assert.Contains(t, lines[1], "4.5")
	assert.Contains(t, lines[2], "busy")
	assert.Contains(t, lines[2], "s1")
	assert.Contains(t, lines[3], "inactive")
}

func TestColorHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "warn"}, &buf)

	logger.Info("hidden")
	logger.With("component", "relay").Warn("send failed", "agent", "@ana:example.org")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "send failed")
	assert.Contains(t, out, "@ana:example.org")
	assert.Contains(t, out, "relay")
	assert.True(t, logger.Enabled(context.Background(), slog.LevelError))
}

func TestColorHandler_Groups(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(config.LoggingConfig{Level: "debug"}, &buf)

	logger.With("component", "api").WithGroup("req").Debug("handled", "status", 200)
	logger.WithGroup("req").With("method", "GET").Info("served")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "component=")
	assert.NotContains(t, lines[0], "req.component=")
	assert.Contains(t, lines[0], "req.status=")
	assert.Contains(t, lines[0], "200")
	assert.Contains(t, lines[1], "req.method=")
}
