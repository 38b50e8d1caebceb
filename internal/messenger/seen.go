// ABOUTME: Thread-safe TTL set of event IDs already delivered.
// ABOUTME: Guards against homeserver redelivery after reconnects.

package messenger

import (
	"container/list"
	"sync"
	"time"
)

type seenEntry struct {
	at      time.Time
	element *list.Element
}

// seenSet remembers keys for ttl, holding at most maxSize of them.
// Oldest keys are evicted first.
type seenSet struct {
	mu      sync.Mutex
	entries map[string]*seenEntry
	order   *list.List // oldest at front
	ttl     time.Duration
	maxSize int
	done    chan struct{}
	closed  bool
}

func newSeenSet(ttl time.Duration, maxSize int) *seenSet {
	s := &seenSet{
		entries: make(map[string]*seenEntry),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		done:    make(chan struct{}),
	}
	go s.sweepLoop()
	return s
}

// firstSeen marks key and reports whether this is its first sighting within ttl.
func (s *seenSet) firstSeen(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now()
	if e, ok := s.entries[key]; ok {
		fresh := now.Sub(e.at) < s.ttl
		e.at = now
		s.order.MoveToBack(e.element)
		return !fresh
	}

	if len(s.entries) >= s.maxSize {
		if front := s.order.Front(); front != nil {
			s.order.Remove(front)
			delete(s.entries, front.Value.(string))
		}
	}
	s.entries[key] = &seenEntry{at: now, element: s.order.PushBack(key)}
	return true
}

func (s *seenSet) sweepLoop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.sweep(time.Now())
		case <-s.done:
			return
		}
	}
}

// sweep drops expired keys. Entries are in touch order so it stops at the first fresh one.
func (s *seenSet) sweep(now time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for e := s.order.Front(); e != nil; {
		key := e.Value.(string)
		if now.Sub(s.entries[key].at) < s.ttl {
			return
		}
		next := e.Next()
		s.order.Remove(e)
		delete(s.entries, key)
		e = next
	}
}

func (s *seenSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// close stops the sweep goroutine. Safe to call more than once.
func (s *seenSet) close() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.closed {
		close(s.done)
		s.closed = true
	}
}
