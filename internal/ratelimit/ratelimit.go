package ratelimit

import (
	"context"
	"sync"
	"time"
)

// Class identifies a venue endpoint group with its own request budget.
type Class string

const (
	ClassDefault  Class = "default"
	ClassOrder    Class = "order"
	ClassAccount  Class = "account"
	ClassPosition Class = "position"
	ClassBalance  Class = "balance"
)

// budget describes the limits applied to one class.
type budget struct {
	weightPerMinute int // total request weight allowed inside the sliding window
	perSecond       int // hard cap on requests in any one second
	weight          int // weight cost of a single request
}

var budgets = map[Class]budget{
	ClassDefault:  {weightPerMinute: 1200, perSecond: 10, weight: 1},
	ClassOrder:    {weightPerMinute: 50, perSecond: 5, weight: 5},
	ClassAccount:  {weightPerMinute: 600, perSecond: 5, weight: 5},
	ClassPosition: {weightPerMinute: 300, perSecond: 3, weight: 2},
	ClassBalance:  {weightPerMinute: 300, perSecond: 3, weight: 2},
}

const (
	window       = time.Minute
	perSecPause  = 1100 * time.Millisecond
	perSecWindow = time.Second
)

// window state for one (key, class) pair.
type requestWindow struct {
	mu      sync.Mutex
	entries []time.Time // request timestamps, oldest first
	weights []int       // parallel to entries
	sum     int         // total weight of entries
}

// Limiter enforces per-key sliding-window request budgets. Keys are typically
// user identifiers so each user's credentials consume an independent budget.
// The zero value is not usable; construct with New.
type Limiter struct {
	mu      sync.Mutex
	windows map[string]*requestWindow
	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
}

// New returns a Limiter with empty windows.
func New() *Limiter {
	return &Limiter{
		windows: make(map[string]*requestWindow),
		now:     time.Now,
		sleep:   sleepCtx,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (l *Limiter) window(key string, class Class) *requestWindow {
	l.mu.Lock()
	defer l.mu.Unlock()
	k := key + "|" + string(class)
	w, ok := l.windows[k]
	if !ok {
		w = &requestWindow{}
		l.windows[k] = w
	}
	return w
}

// Wait blocks until a request of the given class may proceed for key, then
// records it. Returns the context error if ctx is canceled while waiting.
func (l *Limiter) Wait(ctx context.Context, key string, class Class) error {
	b, ok := budgets[class]
	if !ok {
		b = budgets[ClassDefault]
	}
	w := l.window(key, class)

	for {
		w.mu.Lock()
		now := l.now()
		w.prune(now)

		// Weight budget over the sliding minute.
		if w.sum+b.weight > b.weightPerMinute && len(w.entries) > 0 {
			wait := window - now.Sub(w.entries[0])
			w.mu.Unlock()
			if wait <= 0 {
				continue
			}
			if err := l.sleep(ctx, wait); err != nil {
				return err
			}
			continue
		}

		// Per-second burst cap.
		if w.countSince(now.Add(-perSecWindow)) >= b.perSecond {
			w.mu.Unlock()
			if err := l.sleep(ctx, perSecPause); err != nil {
				return err
			}
			continue
		}

		w.entries = append(w.entries, now)
		w.weights = append(w.weights, b.weight)
		w.sum += b.weight
		w.mu.Unlock()
		return nil
	}
}

// prune drops entries a full window or older, so an entry at the exact
// boundary frees its weight immediately. Caller holds w.mu.
func (w *requestWindow) prune(now time.Time) {
	cutoff := now.Add(-window)
	i := 0
	for i < len(w.entries) && !w.entries[i].After(cutoff) {
		w.sum -= w.weights[i]
		i++
	}
	if i > 0 {
		w.entries = append(w.entries[:0], w.entries[i:]...)
		w.weights = append(w.weights[:0], w.weights[i:]...)
	}
}

// countSince counts entries at or after t. Caller holds w.mu.
func (w *requestWindow) countSince(t time.Time) int {
	n := 0
	for i := len(w.entries) - 1; i >= 0; i-- {
		if w.entries[i].Before(t) {
			break
		}
		n++
	}
	return n
}
