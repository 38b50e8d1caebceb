// ABOUTME: In-memory fan-out of notifications to a user's live subscribers
// ABOUTME: Backs the notification stream of the HTTP API; slow subscribers lose events

package notify

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"
)

// subscriberBufferSize is the channel buffer for each subscriber.
const subscriberBufferSize = 16

// Broadcaster delivers notifications to every open subscription of the target user.
// A user with no subscribers simply misses the notification.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Notification // userID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Notification),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for the user's notifications until ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, userID string) (<-chan Notification, string) {
	subID := uuid.NewString()
	ch := make(chan Notification, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[userID]; !ok {
		b.subscribers[userID] = make(map[string]chan Notification)
	}
	b.subscribers[userID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "user_id", userID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(userID, subID)
	}()

	return ch, subID
}

// Notify implements Dispatcher. It never blocks and never fails.
func (b *Broadcaster) Notify(ctx context.Context, n Notification) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for subID, ch := range b.subscribers[n.UserID] {
		select {
		case ch <- n:
		default:
			b.logger.Debug("dropped notification for slow subscriber", "user_id", n.UserID, "sub_id", subID)
		}
	}
	return nil
}

// Subscribers returns how many subscriptions the user has open.
func (b *Broadcaster) Subscribers(userID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers[userID])
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(userID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[userID]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, userID)
	}

	b.logger.Debug("subscriber removed", "user_id", userID, "sub_id", subID)
}

// Close closes every subscription.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for userID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, userID)
	}
}
