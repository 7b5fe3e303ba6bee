// Package connector provides the per-user trading façade: cached account
// state, market prices and order workflows on top of the exchange client.
package connector

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/ports"
)

const (
	balanceTTL   = 120 * time.Second
	positionsTTL = 30 * time.Second

	// maxClockDrift matches the venue's default recvWindow. Signed requests
	// start failing once the local clock drifts further than this.
	maxClockDrift = 5 * time.Second
)

// PriceSource serves cached live prices. Implemented by marketdata.Hub.
type PriceSource interface {
	GetPrice(symbol string) (float64, bool)
}

// Connector wraps one user's exchange client with caching and the order
// workflows agents need. Safe for concurrent use.
type Connector struct {
	userID   string
	exchange ports.ExchangeClient
	prices   PriceSource
	logger   ports.Logger
	asset    string

	mu          sync.Mutex
	balance     float64
	balanceAt   time.Time
	balanceWait chan struct{} // non-nil while a refresh is in flight

	positions map[string]positionsEntry
	filters   map[string]domain.SymbolFilters
	now       func() time.Time
}

type positionsEntry struct {
	infos []ports.PositionInfo
	at    time.Time
}

// Config holds the connector dependencies.
type Config struct {
	UserID   string
	Exchange ports.ExchangeClient
	Prices   PriceSource
	Logger   ports.Logger
	Asset    string // quote asset for balances, defaults to USDT
}

// New creates a connector for one user.
func New(cfg Config) (*Connector, error) {
	if cfg.Exchange == nil || cfg.Prices == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("exchange, price source and logger are required")
	}
	asset := cfg.Asset
	if asset == "" {
		asset = "USDT"
	}
	return &Connector{
		userID:    cfg.UserID,
		exchange:  cfg.Exchange,
		prices:    cfg.Prices,
		logger:    cfg.Logger,
		asset:     asset,
		positions: make(map[string]positionsEntry),
		filters:   make(map[string]domain.SymbolFilters),
		now:       time.Now,
	}, nil
}

// VerifyConnectivity pings the venue and compares clocks. A drift beyond the
// venue's receive window is only logged here; the venue itself rejects the
// signed requests it can no longer verify.
func (c *Connector) VerifyConnectivity(ctx context.Context) error {
	if err := c.exchange.Ping(ctx); err != nil {
		return fmt.Errorf("venue ping: %w", err)
	}
	serverTime, err := c.exchange.GetServerTime(ctx)
	if err != nil {
		return fmt.Errorf("venue server time: %w", err)
	}
	drift := c.now().Sub(serverTime)
	if drift < 0 {
		drift = -drift
	}
	if drift > maxClockDrift {
		c.logger.Warn(ctx, "local clock drifts from venue server time",
			map[string]interface{}{"userID": c.userID, "drift": drift.String()})
	}
	return nil
}

// Balance returns the user's available quote balance, cached for two
// minutes. Concurrent callers share a single refresh request.
func (c *Connector) Balance(ctx context.Context) (float64, error) {
	for {
		c.mu.Lock()
		if !c.balanceAt.IsZero() && c.now().Sub(c.balanceAt) <= balanceTTL {
			bal := c.balance
			c.mu.Unlock()
			return bal, nil
		}
		if c.balanceWait != nil {
			wait := c.balanceWait
			c.mu.Unlock()
			select {
			case <-ctx.Done():
				return 0, ctx.Err()
			case <-wait:
			}
			continue
		}
		c.balanceWait = make(chan struct{})
		c.mu.Unlock()

		bal, err := c.exchange.GetAccountBalance(ctx, c.asset)

		c.mu.Lock()
		close(c.balanceWait)
		c.balanceWait = nil
		if err == nil {
			c.balance = bal
			c.balanceAt = c.now()
		}
		c.mu.Unlock()
		return bal, err
	}
}

// InvalidateBalance forces the next Balance call to refetch.
func (c *Connector) InvalidateBalance() {
	c.mu.Lock()
	c.balanceAt = time.Time{}
	c.mu.Unlock()
}

// OpenPositions returns the user's open positions for symbol, cached for 30
// seconds. When the venue rate-limits the refresh, the previous snapshot is
// served even if stale.
func (c *Connector) OpenPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error) {
	c.mu.Lock()
	entry, cached := c.positions[symbol]
	if cached && c.now().Sub(entry.at) <= positionsTTL {
		c.mu.Unlock()
		return entry.infos, nil
	}
	c.mu.Unlock()

	infos, err := c.exchange.GetOpenPositions(ctx, symbol)
	if err != nil {
		if cached && errors.Is(err, ports.ErrRateLimited) {
			c.logger.Warn(ctx, "position refresh rate limited, serving cached snapshot",
				map[string]interface{}{"userID": c.userID, "symbol": symbol, "age": c.now().Sub(entry.at).String()})
			return entry.infos, nil
		}
		return nil, err
	}

	c.mu.Lock()
	c.positions[symbol] = positionsEntry{infos: infos, at: c.now()}
	c.mu.Unlock()
	return infos, nil
}

func (c *Connector) invalidatePositions(symbol string) {
	c.mu.Lock()
	delete(c.positions, symbol)
	c.mu.Unlock()
}

// MarketPrice returns the current price for symbol, preferring the shared
// live cache and falling back to a REST lookup.
func (c *Connector) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	if price, ok := c.prices.GetPrice(symbol); ok {
		return price, nil
	}
	price, err := c.exchange.GetTickerPrice(ctx, symbol)
	if err != nil {
		return 0, fmt.Errorf("market price for %s: %w", symbol, err)
	}
	return price, nil
}

// SymbolFilters returns the trading rules for symbol, fetched once.
func (c *Connector) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	c.mu.Lock()
	if f, ok := c.filters[symbol]; ok {
		c.mu.Unlock()
		return f, nil
	}
	c.mu.Unlock()

	f, err := c.exchange.GetSymbolFilters(ctx, symbol)
	if err != nil {
		return domain.SymbolFilters{}, err
	}
	c.mu.Lock()
	c.filters[symbol] = f
	c.mu.Unlock()
	return f, nil
}

// SetLeverage changes the leverage for symbol. Refused while a position is
// open, since the venue would re-margin it.
func (c *Connector) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	positions, err := c.OpenPositions(ctx, symbol)
	if err != nil {
		return fmt.Errorf("leverage pre-check: %w", err)
	}
	if len(positions) > 0 {
		return fmt.Errorf("leverage change for %s: %w", symbol, ports.ErrOpenPositionExists)
	}
	return c.exchange.SetLeverage(ctx, symbol, leverage)
}

// OpenPosition opens a market position in the signal's direction and places
// best-effort stop-loss and take-profit brackets. A failed bracket does not
// undo the filled position; the returned Position carries a zero order ID for
// the missing bracket. A failed entry order triggers a cancel-all cleanup.
func (c *Connector) OpenPosition(ctx context.Context, symbol string, signal domain.Signal, quantity float64, leverage int, stopLossPct, takeProfitPct float64) (*domain.Position, error) {
	filters, err := c.SymbolFilters(ctx, symbol)
	if err != nil {
		return nil, err
	}
	qty := filters.FloorQuantity(quantity)
	if qty <= 0 {
		return nil, fmt.Errorf("open %s: quantity %v floors to zero: %w", symbol, quantity, ports.ErrInvalidRequest)
	}
	qtyStr := strconv.FormatFloat(qty, 'f', filters.QuantityPrecision, 64)

	order, err := c.exchange.PlaceMarketOrder(ctx, symbol, signal.EntrySide(), qtyStr, false)
	if err != nil {
		// The entry may have partially gone through on the venue side.
		if cancelErr := c.exchange.CancelAllOpenOrders(ctx, symbol); cancelErr != nil {
			c.logger.Warn(ctx, "cleanup cancel after failed entry also failed",
				map[string]interface{}{"userID": c.userID, "symbol": symbol, "error": cancelErr.Error()})
		}
		return nil, err
	}

	entryPrice := order.AvgPrice
	if entryPrice <= 0 {
		if p, perr := c.MarketPrice(ctx, symbol); perr == nil {
			entryPrice = p
		}
	}

	pos := &domain.Position{
		Symbol:     symbol,
		Side:       signal.PositionSide(),
		EntryPrice: entryPrice,
		Quantity:   qty,
		Leverage:   leverage,
		EntryTime:  c.now(),
	}

	c.placeBrackets(ctx, pos, filters, stopLossPct, takeProfitPct)

	c.invalidatePositions(symbol)
	c.InvalidateBalance()
	return pos, nil
}

// placeBrackets attaches SL/TP close orders to an open position. Failures are
// logged and leave the corresponding order ID zero.
func (c *Connector) placeBrackets(ctx context.Context, pos *domain.Position, filters domain.SymbolFilters, stopLossPct, takeProfitPct float64) {
	if pos.EntryPrice <= 0 {
		c.logger.Warn(ctx, "skipping bracket orders, no usable entry price",
			map[string]interface{}{"userID": c.userID, "symbol": pos.Symbol})
		return
	}

	closeSide := pos.CloseSide()
	qtyStr := strconv.FormatFloat(pos.Quantity, 'f', filters.QuantityPrecision, 64)

	slFactor := 1 - stopLossPct/100
	tpFactor := 1 + takeProfitPct/100
	if pos.Side == domain.SideShort {
		slFactor = 1 + stopLossPct/100
		tpFactor = 1 - takeProfitPct/100
	}

	slPrice := strconv.FormatFloat(filters.RoundPrice(pos.EntryPrice*slFactor), 'f', filters.PricePrecision, 64)
	if resp, err := c.exchange.PlaceStopMarketOrder(ctx, pos.Symbol, closeSide, qtyStr, slPrice); err != nil {
		c.logger.Warn(ctx, "stop loss order failed, position left unprotected",
			map[string]interface{}{"userID": c.userID, "symbol": pos.Symbol, "stopPrice": slPrice, "error": err.Error()})
	} else {
		pos.StopLossOrderID = resp.OrderID
	}

	tpPrice := strconv.FormatFloat(filters.RoundPrice(pos.EntryPrice*tpFactor), 'f', filters.PricePrecision, 64)
	if resp, err := c.exchange.PlaceTakeProfitMarketOrder(ctx, pos.Symbol, closeSide, qtyStr, tpPrice); err != nil {
		c.logger.Warn(ctx, "take profit order failed",
			map[string]interface{}{"userID": c.userID, "symbol": pos.Symbol, "stopPrice": tpPrice, "error": err.Error()})
	} else {
		pos.TakeProfitOrderID = resp.OrderID
	}
}

// ClosePosition cancels any resting brackets and closes pos with a
// reduce-only market order. Returns the exit price and the realized PnL
// reported by the venue; when the venue lookup fails, the PnL falls back to a
// mark-to-market estimate.
func (c *Connector) ClosePosition(ctx context.Context, pos *domain.Position) (exitPrice, pnl float64, err error) {
	if !pos.IsOpen() {
		return 0, 0, fmt.Errorf("close %s: %w", pos.Symbol, ports.ErrPositionNotFound)
	}

	if cancelErr := c.exchange.CancelAllOpenOrders(ctx, pos.Symbol); cancelErr != nil {
		c.logger.Warn(ctx, "cancel of bracket orders before close failed",
			map[string]interface{}{"userID": c.userID, "symbol": pos.Symbol, "error": cancelErr.Error()})
	}

	filters, err := c.SymbolFilters(ctx, pos.Symbol)
	if err != nil {
		return 0, 0, err
	}
	qtyStr := strconv.FormatFloat(pos.Quantity, 'f', filters.QuantityPrecision, 64)

	order, err := c.exchange.PlaceMarketOrder(ctx, pos.Symbol, pos.CloseSide(), qtyStr, true)
	if err != nil {
		return 0, 0, err
	}

	exitPrice = order.AvgPrice
	if exitPrice <= 0 {
		if p, perr := c.MarketPrice(ctx, pos.Symbol); perr == nil {
			exitPrice = p
		}
	}

	pnl, pnlErr := c.exchange.GetLastTradePNL(ctx, pos.Symbol)
	if pnlErr != nil {
		pnl = pos.UnrealizedPNL(exitPrice)
		c.logger.Warn(ctx, "realized pnl lookup failed, using mark-to-market estimate",
			map[string]interface{}{"userID": c.userID, "symbol": pos.Symbol, "estimate": pnl, "error": pnlErr.Error()})
	}

	c.invalidatePositions(pos.Symbol)
	c.InvalidateBalance()
	return exitPrice, pnl, nil
}

// Klines fetches the most recent candle history for symbol.
func (c *Connector) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Candle, error) {
	return c.exchange.GetKlines(ctx, symbol, timeframe, limit)
}

// CancelAllOrders cancels every resting order for symbol.
func (c *Connector) CancelAllOrders(ctx context.Context, symbol string) error {
	return c.exchange.CancelAllOpenOrders(ctx, symbol)
}

// UserID returns the owner of this connector.
func (c *Connector) UserID() string {
	return c.userID
}
