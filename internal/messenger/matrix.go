// ABOUTME: Matrix adapter: agents are Matrix users talking to the desk bot in direct rooms
// ABOUTME: Runs the mautrix sync loop, learns DM rooms per agent, and sends Markdown as HTML

package messenger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/crypto/cryptohelper"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

// networkTimeout is the timeout for Matrix API calls made outside a caller's context.
const networkTimeout = 10 * time.Second

// MatrixAdapter talks to agents through a Matrix bot account.
type MatrixAdapter struct {
	cfg    MatrixConfig
	client *mautrix.Client
	logger *slog.Logger
	seen   *seenSet
	crypto *cryptohelper.CryptoHelper

	mu      sync.RWMutex
	rooms   map[string]id.RoomID // agent handle -> direct room
	started bool
	syncErr error
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewMatrixAdapter validates the config and creates the Matrix client.
// Nothing touches the network until Start.
func NewMatrixAdapter(cfg MatrixConfig, logger *slog.Logger) (*MatrixAdapter, error) {
	if cfg.Homeserver == "" {
		return nil, errors.New("matrix homeserver is required")
	}
	if cfg.UserID == "" {
		return nil, errors.New("matrix user_id is required")
	}
	if cfg.AccessToken == "" && (cfg.Username == "" || cfg.Password == "") {
		return nil, errors.New("matrix access_token or username/password is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	client, err := mautrix.NewClient(cfg.Homeserver, id.UserID(cfg.UserID), cfg.AccessToken)
	if err != nil {
		return nil, fmt.Errorf("creating matrix client: %w", err)
	}

	return &MatrixAdapter{
		cfg:    cfg,
		client: client,
		logger: logger.With("adapter", ProviderMatrix),
		seen:   newSeenSet(time.Hour, 10000),
		rooms:  make(map[string]id.RoomID),
		done:   make(chan struct{}),
	}, nil
}

func (m *MatrixAdapter) Name() string { return ProviderMatrix }

// Start logs in if needed, enables encryption when a recovery key is set,
// and runs the sync loop in the background.
func (m *MatrixAdapter) Start(ctx context.Context, sink chan<- Inbound) error {
	m.logger.Info("starting matrix adapter",
		"homeserver", m.cfg.Homeserver,
		"user_id", m.cfg.UserID,
	)

	if m.cfg.AccessToken == "" {
		if err := m.login(ctx); err != nil {
			return err
		}
	}

	whoami, err := m.client.Whoami(ctx)
	if err != nil {
		return fmt.Errorf("matrix whoami: %w", err)
	}
	if whoami.UserID != m.client.UserID {
		return fmt.Errorf("access token belongs to %s, not %s", whoami.UserID, m.client.UserID)
	}
	m.client.DeviceID = whoami.DeviceID

	if m.cfg.RecoveryKey != "" {
		helper, err := setupCrypto(ctx, m.client, m.cfg, m.logger)
		if err != nil {
			return err
		}
		m.crypto = helper
	}

	syncer, ok := m.client.Syncer.(*mautrix.DefaultSyncer)
	if !ok {
		return fmt.Errorf("unexpected syncer type: %T", m.client.Syncer)
	}
	syncer.OnSync(m.client.DontProcessOldEvents)
	syncer.OnEventType(event.StateMember, m.handleMemberEvent)
	syncer.OnEventType(event.EventMessage, func(ctx context.Context, evt *event.Event) {
		m.handleMessageEvent(ctx, evt, sink)
	})

	runCtx, cancel := context.WithCancel(ctx)
	m.mu.Lock()
	m.cancel = cancel
	m.started = true
	m.mu.Unlock()

	go func() {
		defer close(m.done)
		err := m.client.SyncWithContext(runCtx)
		if err != nil && runCtx.Err() == nil {
			m.logger.Error("matrix sync failed", "error", err)
			m.mu.Lock()
			m.syncErr = err
			m.mu.Unlock()
		}
	}()

	m.logger.Info("matrix adapter running")
	return nil
}

func (m *MatrixAdapter) login(ctx context.Context) error {
	resp, err := m.client.Login(ctx, &mautrix.ReqLogin{
		Type: mautrix.AuthTypePassword,
		Identifier: mautrix.UserIdentifier{
			Type: mautrix.IdentifierTypeUser,
			User: m.cfg.Username,
		},
		Password:                 m.cfg.Password,
		InitialDeviceDisplayName: "coven-desk",
		StoreCredentials:         true,
	})
	if err != nil {
		return fmt.Errorf("matrix login: %w", err)
	}
	m.logger.Info("logged in to matrix", "user_id", resp.UserID, "device_id", resp.DeviceID)
	return nil
}

// Ready reports whether the sync loop is running.
func (m *MatrixAdapter) Ready() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if !m.started {
		return errors.New("matrix adapter not started")
	}
	if m.syncErr != nil {
		return fmt.Errorf("matrix sync stopped: %w", m.syncErr)
	}
	return nil
}

// handleMemberEvent joins rooms the bot is invited to and remembers direct rooms.
func (m *MatrixAdapter) handleMemberEvent(ctx context.Context, evt *event.Event) {
	if evt.GetStateKey() != m.client.UserID.String() {
		return
	}
	member := evt.Content.AsMember()
	if member.Membership != event.MembershipInvite {
		return
	}

	joinCtx, cancel := context.WithTimeout(ctx, networkTimeout)
	defer cancel()
	if _, err := m.client.JoinRoomByID(joinCtx, evt.RoomID); err != nil {
		m.logger.Warn("failed to join room", "room", evt.RoomID.String(), "inviter", evt.Sender.String(), "error", err)
		return
	}

	if member.IsDirect {
		m.rememberRoom(evt.Sender.String(), evt.RoomID)
	}
	m.logger.Info("joined room", "room", evt.RoomID.String(), "inviter", evt.Sender.String())
}

// handleMessageEvent forwards agent text messages to the sink.
func (m *MatrixAdapter) handleMessageEvent(ctx context.Context, evt *event.Event, sink chan<- Inbound) {
	// Ignore our own messages
	if evt.Sender == m.client.UserID {
		return
	}

	content, ok := evt.Content.Parsed.(*event.MessageEventContent)
	if !ok {
		return
	}
	if content.MsgType != event.MsgText {
		return
	}

	if !m.seen.firstSeen(evt.ID.String()) {
		m.logger.Debug("dropping redelivered event", "event_id", evt.ID.String())
		return
	}

	sender := evt.Sender.String()
	m.rememberRoom(sender, evt.RoomID)

	text := strings.TrimSpace(content.Body)
	if text == "" {
		return
	}

	m.logger.Debug("received message",
		"room", evt.RoomID.String(),
		"sender", sender,
		"content", truncate(text, 50),
	)

	in := Inbound{
		SenderHandle: sender,
		Text:         text,
		EventID:      evt.ID.String(),
		ReceivedAt:   time.UnixMilli(evt.Timestamp),
	}
	select {
	case sink <- in:
	case <-ctx.Done():
	}
}

func (m *MatrixAdapter) rememberRoom(handle string, room id.RoomID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rooms[handle] = room
}

// roomFor returns the direct room for an agent, creating one on first contact.
func (m *MatrixAdapter) roomFor(ctx context.Context, handle string) (id.RoomID, error) {
	m.mu.RLock()
	room, ok := m.rooms[handle]
	m.mu.RUnlock()
	if ok {
		return room, nil
	}

	resp, err := m.client.CreateRoom(ctx, &mautrix.ReqCreateRoom{
		Preset:   "trusted_private_chat",
		IsDirect: true,
		Invite:   []id.UserID{id.UserID(handle)},
	})
	if err != nil {
		return "", fmt.Errorf("creating direct room for %s: %w", handle, err)
	}

	m.rememberRoom(handle, resp.RoomID)
	m.logger.Info("created direct room", "agent", handle, "room", resp.RoomID.String())
	return resp.RoomID, nil
}

// SendText delivers Markdown text to the agent's direct room.
func (m *MatrixAdapter) SendText(ctx context.Context, handle, text string) error {
	if err := m.Ready(); err != nil {
		return err
	}

	room, err := m.roomFor(ctx, handle)
	if err != nil {
		return err
	}

	content := &event.MessageEventContent{
		MsgType: event.MsgText,
		Body:    text,
	}
	if html, err := renderMarkdown(text); err != nil {
		m.logger.Debug("failed to render markdown", "error", err)
	} else if html != "" {
		content.Format = event.FormatHTML
		content.FormattedBody = html
	}

	if _, err := m.client.SendMessageEvent(ctx, room, event.EventMessage, content); err != nil {
		return fmt.Errorf("sending to %s: %w", handle, err)
	}
	return nil
}

// Close stops the sync loop and releases the crypto store.
func (m *MatrixAdapter) Close() error {
	m.mu.Lock()
	cancel, started := m.cancel, m.started
	m.started = false
	m.mu.Unlock()

	if cancel != nil {
		cancel()
		m.client.StopSync()
	}
	if started {
		select {
		case <-m.done:
		case <-time.After(networkTimeout):
			m.logger.Warn("matrix sync did not stop in time")
		}
	}
	m.seen.close()

	if m.crypto != nil {
		return m.crypto.Close()
	}
	return nil
}

// truncate shortens a string to the given max rune count, adding "..." if truncated.
func truncate(s string, maxLen int) string {
	runes := []rune(s)
	if len(runes) <= maxLen {
		return s
	}
	return string(runes[:maxLen]) + "..."
}
