// Package marketdata maintains one live price stream per symbol shared by
// every agent in the process.
package marketdata

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"

	"botfleet/internal/ports"
)

const (
	// priceTTL bounds how old a cached price may be before GetPrice refuses it.
	priceTTL = 60 * time.Second
	// readTimeout is the deadline applied to each stream read. A single
	// timeout is tolerated as long as data arrived within silenceLimit.
	readTimeout = 60 * time.Second
	// silenceLimit forces a reconnect when no data arrived for this long.
	silenceLimit = 120 * time.Second

	maxConnectAttempts = 10
	maxBackoff         = 60 * time.Second
)

// Stream delivers live prices for one symbol.
type Stream interface {
	// ReadPrice blocks for the next price or until deadline. Deadline expiry
	// must surface as an error satisfying net.Error.Timeout().
	ReadPrice(deadline time.Time) (float64, error)
	Close() error
}

// Dialer opens a Stream for a symbol.
type Dialer interface {
	Dial(ctx context.Context, symbol string) (Stream, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context, symbol string) (Stream, error)

func (f DialerFunc) Dial(ctx context.Context, symbol string) (Stream, error) {
	return f(ctx, symbol)
}

type pricePoint struct {
	price float64
	at    time.Time
}

// Hub owns the process-wide price cache. Subscribing the same symbol twice is
// a no-op; the first subscription starts a stream goroutine that lives until
// Close or until the stream is abandoned after repeated connect failures.
type Hub struct {
	dialer Dialer
	logger ports.Logger

	mu         sync.Mutex
	prices     map[string]pricePoint
	subscribed map[string]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns a started Hub with no subscriptions.
func New(dialer Dialer, logger ports.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		dialer:     dialer,
		logger:     logger,
		prices:     make(map[string]pricePoint),
		subscribed: make(map[string]struct{}),
		ctx:        ctx,
		cancel:     cancel,
		now:        time.Now,
		sleep:      sleepCtx,
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

// Subscribe ensures a stream goroutine is running for symbol.
func (h *Hub) Subscribe(symbol string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.subscribed[symbol]; ok {
		return
	}
	h.subscribed[symbol] = struct{}{}
	h.wg.Add(1)
	go h.streamLoop(symbol)
}

// GetPrice returns the cached price for symbol. ok is false when no price was
// ever received or the cached one is older than a minute.
func (h *Hub) GetPrice(symbol string) (float64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	p, ok := h.prices[symbol]
	if !ok || h.now().Sub(p.at) > priceTTL {
		return 0, false
	}
	return p.price, true
}

// Close stops every stream goroutine and waits for them to exit.
func (h *Hub) Close() {
	h.cancel()
	h.wg.Wait()
}

func (h *Hub) setPrice(symbol string, price float64) {
	h.mu.Lock()
	h.prices[symbol] = pricePoint{price: price, at: h.now()}
	h.mu.Unlock()
}

// forget drops the subscription mark so a later Subscribe can retry an
// abandoned symbol.
func (h *Hub) forget(symbol string) {
	h.mu.Lock()
	delete(h.subscribed, symbol)
	h.mu.Unlock()
}

func (h *Hub) streamLoop(symbol string) {
	defer h.wg.Done()

	attempt := 0
	for {
		if h.ctx.Err() != nil {
			return
		}

		stream, err := h.dialer.Dial(h.ctx, symbol)
		if err != nil {
			attempt++
			if attempt >= maxConnectAttempts {
				h.logger.Error(h.ctx, err, "price stream abandoned after repeated connect failures",
					map[string]interface{}{"symbol": symbol, "attempts": attempt})
				h.forget(symbol)
				return
			}
			backoff := time.Duration(1<<uint(attempt)) * time.Second
			if backoff > maxBackoff {
				backoff = maxBackoff
			}
			h.logger.Warn(h.ctx, "price stream connect failed, retrying",
				map[string]interface{}{"symbol": symbol, "attempt": attempt, "backoff": backoff.String()})
			if h.sleep(h.ctx, backoff) != nil {
				return
			}
			continue
		}

		attempt = 0
		h.logger.Info(h.ctx, "price stream connected", map[string]interface{}{"symbol": symbol})
		h.readLoop(symbol, stream)

		if h.ctx.Err() != nil {
			return
		}
		h.logger.Warn(h.ctx, "price stream lost, reconnecting", map[string]interface{}{"symbol": symbol})
	}
}

// readLoop consumes stream until it fails or the hub closes.
func (h *Hub) readLoop(symbol string, stream Stream) {
	// Unblock a pending read when the hub shuts down.
	connCtx, connCancel := context.WithCancel(h.ctx)
	defer connCancel()
	go func() {
		<-connCtx.Done()
		_ = stream.Close()
	}()

	lastData := h.now()
	for {
		if h.ctx.Err() != nil {
			return
		}
		price, err := stream.ReadPrice(h.now().Add(readTimeout))
		if err != nil {
			if isTimeout(err) && h.now().Sub(lastData) <= silenceLimit {
				// Quiet market, the connection may still be healthy.
				continue
			}
			return
		}
		lastData = h.now()
		h.setPrice(symbol, price)
	}
}

func isTimeout(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) {
		return ne.Timeout()
	}
	return errors.Is(err, context.DeadlineExceeded)
}
