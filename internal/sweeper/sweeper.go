// ABOUTME: Periodic task that times out sessions with no recent messages
// ABOUTME: Each session closes through the shared lifecycle, so racing a manual end is harmless

package sweeper

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/2389/coven-desk/internal/session"
	"github.com/2389/coven-desk/internal/store"
)

const (
	DefaultInterval    = time.Minute
	DefaultIdleTimeout = 5 * time.Minute
)

// Closer performs the connected -> timeout transition.
type Closer interface {
	Timeout(ctx context.Context, id string, idleBefore time.Time) (*session.Result, error)
}

// Result summarizes one sweep.
type Result struct {
	Scanned  int
	TimedOut int
	Failed   int
}

// Sweeper scans for idle sessions on a fixed interval.
type Sweeper struct {
	store    store.Store
	closer   Closer
	interval time.Duration
	idle     atomic.Int64 // nanoseconds
	logger   *slog.Logger
	now      func() time.Time
}

// New creates a Sweeper. Non-positive durations fall back to the defaults.
func New(s store.Store, closer Closer, interval, idleTimeout time.Duration, logger *slog.Logger) *Sweeper {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = DefaultInterval
	}
	sw := &Sweeper{
		store:    s,
		closer:   closer,
		interval: interval,
		logger:   logger.With("component", "sweeper"),
		now:      time.Now,
	}
	sw.SetIdleTimeout(idleTimeout)
	return sw
}

// SetIdleTimeout changes the idle threshold; the next sweep uses it.
func (sw *Sweeper) SetIdleTimeout(d time.Duration) {
	if d <= 0 {
		d = DefaultIdleTimeout
	}
	sw.idle.Store(int64(d))
}

// IdleTimeout returns the current idle threshold.
func (sw *Sweeper) IdleTimeout() time.Duration {
	return time.Duration(sw.idle.Load())
}

// Interval returns the time between sweeps.
func (sw *Sweeper) Interval() time.Duration {
	return sw.interval
}

// Start runs sweeps until ctx is cancelled.
func (sw *Sweeper) Start(ctx context.Context) {
	sw.logger.Info("sweeper started", "interval", sw.interval, "idle_timeout", sw.IdleTimeout())

	ticker := time.NewTicker(sw.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			sw.logger.Info("sweeper stopped")
			return
		case <-ticker.C:
			if _, err := sw.Sweep(ctx); err != nil {
				sw.logger.Error("sweep failed", "error", err)
			}
		}
	}
}

// Sweep times out every connected session idle past the threshold.
// A failure on one session is logged and the rest are still processed;
// only a failed scan is returned as an error.
func (sw *Sweeper) Sweep(ctx context.Context) (Result, error) {
	var res Result

	cutoff := sw.now().Add(-sw.IdleTimeout())
	idle, err := sw.store.ListIdleSessions(ctx, cutoff)
	if err != nil {
		return res, fmt.Errorf("listing idle sessions: %w", err)
	}
	res.Scanned = len(idle)

	for _, sess := range idle {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		// A message accepted after the scan keeps the session open
		out, err := sw.closer.Timeout(ctx, sess.ID, cutoff)
		if err != nil {
			res.Failed++
			sw.logger.Error("failed to time out session",
				"session_id", sess.ID,
				"agent", sess.AgentHandle,
				"error", err,
			)
			continue
		}
		if out.Transitioned {
			res.TimedOut++
		}
	}

	if res.TimedOut > 0 || res.Failed > 0 {
		sw.logger.Info("sweep finished",
			"scanned", res.Scanned,
			"timed_out", res.TimedOut,
			"failed", res.Failed,
		)
	}
	return res, nil
}
