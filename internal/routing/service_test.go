// ABOUTME: Tests for the routing service
// ABOUTME: Covers least-busy selection, no-capacity and gateway-down outcomes, and contention

package routing

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/2389/coven-desk/internal/agent"
	"github.com/2389/coven-desk/internal/messenger"
	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
)

type fixture struct {
	svc      *Service
	store    store.Store
	registry *agent.Registry
	loopback *messenger.LoopbackAdapter
}

func newFixture(t *testing.T, s store.Store, handles ...string) *fixture {
	t.Helper()
	ctx := context.Background()

	lb := messenger.NewLoopbackAdapter()
	h := messenger.NewHandle(func(cfg messenger.Config, logger *slog.Logger) (messenger.Adapter, error) {
		return lb, nil
	}, 8, nil)
	_, err := h.Reconfigure(ctx, messenger.Config{Provider: messenger.ProviderLoopback})
	require.NoError(t, err)
	t.Cleanup(func() { h.Close() })

	reg := agent.NewRegistry(s, nil)
	for _, handle := range handles {
		_, err := reg.Register(ctx, agent.Profile{Handle: handle, DisplayName: "Agent " + handle, Available: true})
		require.NoError(t, err)
	}

	return &fixture{
		svc:      New(reg, s, h, "/", nil),
		store:    s,
		registry: reg,
		loopback: lb,
	}
}

// handled gives an agent n finished sessions.
func handled(t *testing.T, s store.Store, handle string, n int) {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < n; i++ {
		id := fmt.Sprintf("%s-past-%d", handle, i)
		_, err := s.AssignSession(ctx, &store.AssignRequest{SessionID: id, UserID: "past", AgentHandle: handle, At: time.Now()})
		require.NoError(t, err)
		_, err = s.CloseSession(ctx, &store.CloseRequest{SessionID: id, Status: store.StatusEnded, EndedBy: store.EndedByUser, At: time.Now()})
		require.NoError(t, err)
	}
}

func TestRequestConnection_PicksLeastBusy(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org", "@b:example.org")
	handled(t, f.store, "@a:example.org", 3)
	handled(t, f.store, "@b:example.org", 1)

	got, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u1", UserName: "Uma"})
	require.NoError(t, err)
	assert.Equal(t, "@b:example.org", got.AgentHandle)
	assert.Equal(t, "Agent @b:example.org", got.AgentName)
	assert.NotEmpty(t, got.SessionID)

	b, err := f.registry.Get(context.Background(), "@b:example.org")
	require.NoError(t, err)
	assert.Equal(t, int64(2), b.TotalHandled)
	assert.Equal(t, got.SessionID, b.CurrentSession)
	assert.True(t, b.Available, "available flag is left alone")
}

func TestRequestConnection_TieGoesToFirstRegistered(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@first:example.org", "@second:example.org")

	got, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "@first:example.org", got.AgentHandle)

	// The first agent is now holding a session
	got, err = f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u2"})
	require.NoError(t, err)
	assert.Equal(t, "@second:example.org", got.AgentHandle)
}

func TestRequestConnection_SessionShape(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org")
	ctx := context.Background()

	got, err := f.svc.RequestConnection(ctx, ConnectRequest{UserID: "u1", UserName: "Uma", UserEmail: "uma@example.org"})
	require.NoError(t, err)

	sess, err := f.store.GetSession(ctx, got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, sess.Status)
	assert.NotNil(t, sess.ConnectedAt)
	assert.Equal(t, "u1", sess.UserID)
	assert.Equal(t, "uma@example.org", sess.UserEmail)

	msgs, err := f.store.ListMessages(ctx, got.SessionID)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, store.SenderSystem, msgs[0].Sender)
	assert.Contains(t, msgs[0].Text, "Agent @a:example.org")

	notices := f.loopback.SentTo("@a:example.org")
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], got.SessionID)
	assert.Contains(t, notices[0], "uma@example.org")
}

func TestRequestConnection_NoAgentAvailable(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org")
	ctx := context.Background()
	require.NoError(t, f.registry.SetAvailable(ctx, "@a:example.org", false))

	_, err := f.svc.RequestConnection(ctx, ConnectRequest{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrNoAgentAvailable)

	sessions, err := f.store.ListSessionsByUser(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, sessions)

	a, err := f.registry.Get(ctx, "@a:example.org")
	require.NoError(t, err)
	assert.Zero(t, a.TotalHandled)
	assert.Empty(t, a.CurrentSession)
	assert.Empty(t, f.loopback.Sent())
}

func TestRequestConnection_NoAgentsAtAll(t *testing.T) {
	f := newFixture(t, store.NewMockStore())
	_, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrNoAgentAvailable)
}

func TestRequestConnection_GatewayUnavailable(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org")
	ctx := context.Background()
	f.loopback.SetDown(errors.New("homeserver unreachable"))

	_, err := f.svc.RequestConnection(ctx, ConnectRequest{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrGatewayUnavailable)

	sessions, err := f.store.ListSessionsByUser(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Empty(t, sessions, "no session is created")

	a, err := f.registry.Get(ctx, "@a:example.org")
	require.NoError(t, err)
	assert.Empty(t, a.CurrentSession, "agent is not reserved")
	assert.Zero(t, a.TotalHandled)
}

func TestRequestConnection_NoticeFailureKeepsAssignment(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org")
	f.loopback.FailSendsTo("@a:example.org", errors.New("room gone"))

	got, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u1"})
	require.NoError(t, err)

	sess, err := f.store.GetSession(context.Background(), got.SessionID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusConnected, sess.Status)
}

func TestRequestConnection_RequiresUser(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org")
	_, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "  "})
	assert.ErrorIs(t, err, session.ErrBadRequest)
}

func TestRequestConnection_Concurrent(t *testing.T) {
	f := newFixture(t, store.NewMockStore(), "@a:example.org", "@b:example.org", "@c:example.org")
	ctx := context.Background()

	const users = 10
	var wg sync.WaitGroup
	var mu sync.Mutex
	agents := make(map[string]int)
	noAgent := 0

	for i := 0; i < users; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			got, err := f.svc.RequestConnection(ctx, ConnectRequest{UserID: fmt.Sprintf("u%d", i)})
			mu.Lock()
			defer mu.Unlock()
			if errors.Is(err, session.ErrNoAgentAvailable) {
				noAgent++
				return
			}
			if assert.NoError(t, err) {
				agents[got.AgentHandle]++
			}
		}(i)
	}
	wg.Wait()

	assert.Len(t, agents, 3)
	for handle, n := range agents {
		assert.Equal(t, 1, n, "agent %s assigned more than once", handle)
	}
	assert.Equal(t, users-3, noAgent)
}

// contendedStore loses the first few reservations as if another request won them.
type contendedStore struct {
	*store.MockStore
	mu    sync.Mutex
	loses int
}

func (c *contendedStore) AssignSession(ctx context.Context, req *store.AssignRequest) (*store.Session, error) {
	c.mu.Lock()
	if c.loses > 0 {
		c.loses--
		c.mu.Unlock()
		return nil, store.ErrAgentUnavailable
	}
	c.mu.Unlock()
	return c.MockStore.AssignSession(ctx, req)
}

func TestRequestConnection_RetriesAfterLostRace(t *testing.T) {
	cs := &contendedStore{MockStore: store.NewMockStore(), loses: 2}
	f := newFixture(t, cs, "@a:example.org")

	got, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u1"})
	require.NoError(t, err)
	assert.Equal(t, "@a:example.org", got.AgentHandle)
}

func TestRequestConnection_GivesUpUnderContention(t *testing.T) {
	cs := &contendedStore{MockStore: store.NewMockStore(), loses: maxAttempts}
	f := newFixture(t, cs, "@a:example.org")

	_, err := f.svc.RequestConnection(context.Background(), ConnectRequest{UserID: "u1"})
	assert.ErrorIs(t, err, session.ErrNoAgentAvailable)
}
