// ABOUTME: Tests for Matrix adapter construction and its offline helpers
// ABOUTME: Nothing here talks to a homeserver

package messenger

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewMatrixAdapter_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     MatrixConfig
		wantErr string
	}{
		{"missing homeserver", MatrixConfig{UserID: "@desk:example.org", AccessToken: "t"}, "homeserver"},
		{"missing user", MatrixConfig{Homeserver: "https://example.org", AccessToken: "t"}, "user_id"},
		{"missing credentials", MatrixConfig{Homeserver: "https://example.org", UserID: "@desk:example.org", Username: "desk"}, "access_token"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewMatrixAdapter(tt.cfg, nil)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestNewMatrixAdapter_NotReadyBeforeStart(t *testing.T) {
	m, err := NewMatrixAdapter(MatrixConfig{
		Homeserver:  "https://matrix.example.org",
		UserID:      "@desk:example.org",
		AccessToken: "syt_token",
	}, nil)
	require.NoError(t, err)

	assert.Equal(t, ProviderMatrix, m.Name())
	assert.Error(t, m.Ready())
	assert.Error(t, m.SendText(context.Background(), "@a:example.org", "hi"))
	assert.NoError(t, m.Close())
}

func TestSlugify(t *testing.T) {
	assert.Equal(t, "desk_matrix.org", slugify("@desk:matrix.org"))
	assert.Equal(t, "weird-name_host", slugify("@we/ird-name:host"))
}

func TestStoreKey_PerUser(t *testing.T) {
	a := storeKey("@a:example.org")
	assert.Len(t, a, 32)
	assert.Equal(t, a, storeKey("@a:example.org"))
	assert.NotEqual(t, a, storeKey("@b:example.org"))
}

func TestDeviceIDMismatch_NoDatabase(t *testing.T) {
	mismatch, err := deviceIDMismatch(t.TempDir()+"/absent.db", "DEVICE")
	require.NoError(t, err)
	assert.False(t, mismatch)
}

func TestRenderMarkdown(t *testing.T) {
	html, err := renderMarkdown("plain words")
	require.NoError(t, err)
	assert.Empty(t, html)

	html, err = renderMarkdown("**New chat** from `u1`")
	require.NoError(t, err)
	assert.Contains(t, html, "<strong>New chat</strong>")
	assert.Contains(t, html, "<code>u1</code>")
}

func TestTruncate(t *testing.T) {
	assert.Equal(t, "hello", truncate("hello", 10))
	assert.Equal(t, "hel...", truncate("hello", 3))
}

func TestSeenSet(t *testing.T) {
	s := newSeenSet(time.Hour, 2)
	defer s.close()

	assert.True(t, s.firstSeen("a"))
	assert.False(t, s.firstSeen("a"))
	assert.True(t, s.firstSeen("b"))
	assert.True(t, s.firstSeen("c"), "evicts the oldest at capacity")
	assert.Equal(t, 2, s.len())
	assert.True(t, s.firstSeen("a"), "a was evicted")

	s.sweep(time.Now().Add(2 * time.Hour))
	assert.Equal(t, 0, s.len())

	s.close()
	s.close()
}
