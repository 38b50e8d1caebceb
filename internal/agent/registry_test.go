// ABOUTME: Tests for the agent Registry.
// ABOUTME: Validates registration, seeding, availability rules, and selection via the store.

package agent

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/store"
)

func newTestRegistry(t *testing.T) (*Registry, *store.MockStore) {
	t.Helper()
	s := store.NewMockStore()
	return NewRegistry(s, nil), s
}

func TestRegistry_Register(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	a, err := reg.Register(ctx, Profile{Handle: " @ana:example.org ", DisplayName: "Ana", Available: true})
	require.NoError(t, err)
	assert.Equal(t, "@ana:example.org", a.Handle)
	assert.True(t, a.Active)
	assert.True(t, a.Available)

	_, err = reg.Register(ctx, Profile{Handle: "@ana:example.org"})
	assert.ErrorIs(t, err, ErrAgentAlreadyRegistered)

	_, err = reg.Register(ctx, Profile{Handle: "  "})
	assert.Error(t, err)

	// Display name falls back to the handle
	b, err := reg.Register(ctx, Profile{Handle: "@bo:example.org"})
	require.NoError(t, err)
	assert.Equal(t, "@bo:example.org", b.DisplayName)
}

func TestRegistry_Seed(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	require.NoError(t, reg.Seed(ctx, []Profile{
		{Handle: "@a:example.org", DisplayName: "A", Available: true},
		{Handle: "@b:example.org", DisplayName: "B"},
	}))
	require.NoError(t, reg.SetAvailable(ctx, "@a:example.org", false))

	// Reseeding renames but does not reset availability
	require.NoError(t, reg.Seed(ctx, []Profile{{Handle: "@a:example.org", DisplayName: "Alpha", Available: true}}))

	a, err := reg.Get(ctx, "@a:example.org")
	require.NoError(t, err)
	assert.Equal(t, "Alpha", a.DisplayName)
	assert.False(t, a.Available)

	agents, err := reg.List(ctx)
	require.NoError(t, err)
	assert.Len(t, agents, 2)
}

func TestRegistry_SetAvailable(t *testing.T) {
	reg, s := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Profile{Handle: "@a:example.org", Available: true})
	require.NoError(t, err)

	assert.ErrorIs(t, reg.SetAvailable(ctx, "@nobody:example.org", true), ErrAgentNotFound)

	_, err = s.AssignSession(ctx, &store.AssignRequest{SessionID: "s1", UserID: "u1", AgentHandle: "@a:example.org"})
	require.NoError(t, err)

	assert.ErrorIs(t, reg.SetAvailable(ctx, "@a:example.org", true), ErrAgentBusy)
	assert.NoError(t, reg.SetAvailable(ctx, "@a:example.org", false))
}

func TestRegistry_SetActive(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Profile{Handle: "@a:example.org", Available: true})
	require.NoError(t, err)

	require.NoError(t, reg.SetActive(ctx, "@a:example.org", false))
	_, err = reg.LeastBusy(ctx)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)

	require.NoError(t, reg.SetActive(ctx, "@a:example.org", true))
	selected, err := reg.LeastBusy(ctx)
	require.NoError(t, err)
	assert.Equal(t, "@a:example.org", selected.Handle)

	assert.ErrorIs(t, reg.SetActive(ctx, "@nobody:example.org", true), ErrAgentNotFound)
}

func TestRegistry_Touch(t *testing.T) {
	reg, _ := newTestRegistry(t)
	ctx := context.Background()

	_, err := reg.Register(ctx, Profile{Handle: "@a:example.org"})
	require.NoError(t, err)

	require.NoError(t, reg.Touch(ctx, "@a:example.org"))
	a, err := reg.Get(ctx, "@a:example.org")
	require.NoError(t, err)
	assert.NotNil(t, a.LastActiveAt)

	assert.ErrorIs(t, reg.Touch(ctx, "@nobody:example.org"), ErrAgentNotFound)
	_, err = reg.Get(ctx, "@nobody:example.org")
	assert.ErrorIs(t, err, ErrAgentNotFound)
}
