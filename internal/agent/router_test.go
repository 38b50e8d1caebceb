// ABOUTME: Tests for least-busy agent selection.
// ABOUTME: Covers eligibility filtering and first-encountered tie breaking.

package agent

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/store"
)

func mkAgent(handle string, handled int64) *store.Agent {
	return &store.Agent{Handle: handle, DisplayName: handle, Active: true, Available: true, TotalHandled: handled}
}

func TestSelectAgent_LeastBusy(t *testing.T) {
	a := mkAgent("a", 3)
	b := mkAgent("b", 1)

	selected, err := SelectAgent([]*store.Agent{a, b})
	require.NoError(t, err)
	assert.Equal(t, "b", selected.Handle)
}

func TestSelectAgent_TieGoesToFirst(t *testing.T) {
	selected, err := SelectAgent([]*store.Agent{mkAgent("x", 2), mkAgent("y", 2), mkAgent("z", 2)})
	require.NoError(t, err)
	assert.Equal(t, "x", selected.Handle)
}

func TestSelectAgent_SkipsIneligible(t *testing.T) {
	inactive := mkAgent("inactive", 0)
	inactive.Active = false

	busy := mkAgent("busy", 0)
	busy.Available = false

	// Available flag set but holding a session: must still be skipped
	holding := mkAgent("holding", 0)
	holding.CurrentSession = "s1"

	free := mkAgent("free", 10)

	selected, err := SelectAgent([]*store.Agent{inactive, busy, holding, free})
	require.NoError(t, err)
	assert.Equal(t, "free", selected.Handle)
}

func TestSelectAgent_NoneEligible(t *testing.T) {
	_, err := SelectAgent(nil)
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)

	busy := mkAgent("busy", 0)
	busy.Available = false
	_, err = SelectAgent([]*store.Agent{busy})
	assert.ErrorIs(t, err, ErrNoAgentsAvailable)
}
