// Package batch coalesces per-user status updates and trade records and
// flushes them to the persistent store on an interval or under size pressure.
package batch

import (
	"context"
	"fmt"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/ports"
)

const (
	defaultFlushInterval    = 180 * time.Second
	defaultMaxPendingUsers  = 100
	defaultMaxPendingTrades = 50
)

// Queue buffers pending writes. Flushes are at-least-once: a failed flush
// retains all pending data for the next attempt, which is safe because field
// updates are idempotent overwrites and trade records are append-only.
type Queue struct {
	store  ports.Store
	logger ports.Logger

	flushInterval time.Duration
	maxUsers      int
	maxTrades     int
	now           func() time.Time

	mu          sync.Mutex
	userUpdates map[string]map[string]any
	trades      []domain.Trade
	lastFlush   time.Time
}

// Config holds the queue dependencies and tuning.
type Config struct {
	Store  ports.Store
	Logger ports.Logger

	FlushInterval         time.Duration // default 180s
	MaxPendingUserUpdates int           // emergency flush threshold, default 100
	MaxPendingTrades      int           // emergency flush threshold, default 50
}

// New creates a batch queue.
func New(cfg Config) (*Queue, error) {
	if cfg.Store == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("store and logger are required")
	}
	q := &Queue{
		store:         cfg.Store,
		logger:        cfg.Logger,
		flushInterval: cfg.FlushInterval,
		maxUsers:      cfg.MaxPendingUserUpdates,
		maxTrades:     cfg.MaxPendingTrades,
		now:           time.Now,
		userUpdates:   make(map[string]map[string]any),
	}
	if q.flushInterval <= 0 {
		q.flushInterval = defaultFlushInterval
	}
	if q.maxUsers <= 0 {
		q.maxUsers = defaultMaxPendingUsers
	}
	if q.maxTrades <= 0 {
		q.maxTrades = defaultMaxPendingTrades
	}
	q.lastFlush = q.now()
	return q, nil
}

// QueueUserUpdate merges fields into the user's pending update. The last
// write per field wins.
func (q *Queue) QueueUserUpdate(userID string, fields map[string]any) {
	q.mu.Lock()
	defer q.mu.Unlock()
	pending, ok := q.userUpdates[userID]
	if !ok {
		pending = make(map[string]any, len(fields))
		q.userUpdates[userID] = pending
	}
	for k, v := range fields {
		pending[k] = v
	}
}

// QueueTrade appends a trade record to the pending list.
func (q *Queue) QueueTrade(trade domain.Trade) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.trades = append(q.trades, trade)
}

// ShouldFlush reports whether the flush interval elapsed or an emergency size
// threshold was reached.
func (q *Queue) ShouldFlush() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.userUpdates) >= q.maxUsers || len(q.trades) >= q.maxTrades {
		return true
	}
	return q.now().Sub(q.lastFlush) >= q.flushInterval
}

// Pending returns the number of buffered user updates and trades.
func (q *Queue) Pending() (users, trades int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.userUpdates), len(q.trades)
}

// Flush writes all pending user updates as one multi-path store update and
// pushes every pending trade. On failure the unflushed data is kept so the
// next flush retries it. The queue lock is held for the whole flush; the
// store is local, so queueing callers stall at most briefly.
func (q *Queue) Flush(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.userUpdates) == 0 && len(q.trades) == 0 {
		q.lastFlush = q.now()
		return nil
	}
	flushedUsers, flushedTrades := len(q.userUpdates), len(q.trades)

	if len(q.userUpdates) > 0 {
		fields := make(map[string]any)
		for userID, pending := range q.userUpdates {
			for field, value := range pending {
				fields["users/"+userID+"/"+field] = value
			}
		}
		if err := q.store.Update(ctx, "", fields); err != nil {
			q.logger.Error(ctx, err, "batch user update failed, retaining pending data",
				map[string]interface{}{"users": len(q.userUpdates), "trades": len(q.trades)})
			return fmt.Errorf("batch user update: %w: %w", ports.ErrUpdateFailed, err)
		}
		q.userUpdates = make(map[string]map[string]any)
	}

	for len(q.trades) > 0 {
		if _, err := q.store.Push(ctx, "trades", q.trades[0]); err != nil {
			q.logger.Error(ctx, err, "trade push failed, retaining remaining trades",
				map[string]interface{}{"remaining": len(q.trades)})
			return fmt.Errorf("trade push: %w: %w", ports.ErrUpdateFailed, err)
		}
		q.trades = q.trades[1:]
	}

	q.lastFlush = q.now()
	q.logger.Debug(ctx, "batch flush complete", map[string]interface{}{
		"flushedUsers": flushedUsers, "flushedTrades": flushedTrades,
	})
	return nil
}
