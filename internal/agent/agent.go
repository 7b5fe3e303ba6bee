// Package agent implements the per-user trading state machine. An agent
// consumes shared prices and periodic candle data, derives signals and drives
// its venue connector to open, flip and close positions.
package agent

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/ports"
	"botfleet/internal/risk"
)

const (
	minBalanceUSDT       = 20.0
	balancePercentage    = 0.90
	maxBalanceStrikes    = 3
	maxConsecutiveLosses = 5
	candleWindowCap      = 50

	minTradeInterval     = 60 * time.Second
	balanceCheckInterval = 120 * time.Second
	flipPause            = 1 * time.Second
	minCandleSleep       = 10 * time.Second
	maxCandleSleep       = 1800 * time.Second

	defaultPriceInterval   = 10 * time.Second
	defaultMonitorInterval = 60 * time.Second
)

// Venue is the per-user trading surface the agent drives. Implemented by
// connector.Connector.
type Venue interface {
	VerifyConnectivity(ctx context.Context) error
	Balance(ctx context.Context) (float64, error)
	InvalidateBalance()
	OpenPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error)
	MarketPrice(ctx context.Context, symbol string) (float64, error)
	SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error)
	SetLeverage(ctx context.Context, symbol string, leverage int) error
	Klines(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Candle, error)
	CancelAllOrders(ctx context.Context, symbol string) error
	OpenPosition(ctx context.Context, symbol string, signal domain.Signal, quantity float64, leverage int, stopLossPct, takeProfitPct float64) (*domain.Position, error)
	ClosePosition(ctx context.Context, pos *domain.Position) (exitPrice, pnl float64, err error)
}

// Prices serves the shared live price cache. Implemented by marketdata.Hub.
type Prices interface {
	Subscribe(symbol string)
	GetPrice(symbol string) (float64, bool)
}

// Config holds the agent dependencies.
type Config struct {
	UserID   string
	Bot      domain.BotConfig
	Venue    Venue
	Prices   Prices
	Strategy ports.Strategy
	Logger   ports.Logger
	OnTrade  func(domain.Trade) // optional, invoked after every closed trade
}

// Agent runs one user's trading bot. Start launches three loops: a price
// observer, a candle fetcher and a monitor. Position-mutating operations are
// serialized through tradeMu so concurrent exit checks and signal actions
// cannot double-open or double-close.
type Agent struct {
	userID   string
	cfg      domain.BotConfig
	venue    Venue
	prices   Prices
	strategy ports.Strategy
	logger   ports.Logger
	onTrade  func(domain.Trade)
	guard    *risk.Guard

	priceInterval   time.Duration
	monitorInterval time.Duration
	now             func() time.Time
	sleep           func(ctx context.Context, d time.Duration)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	tradeMu sync.Mutex // serializes open/flip/close

	mu                sync.Mutex // guards all state below
	running           bool
	position          *domain.Position
	candles           []*domain.Candle
	filters           domain.SymbolFilters
	lastSignal        domain.Signal
	balance           float64
	balanceOK         bool
	balanceStrikes    int
	lastBalanceCheck  time.Time
	lastTradeAt       time.Time
	consecutiveLosses int
	totalTrades       int
	totalPNL          float64
	currentPrice      float64
	statusMsg         string
	lastCheck         time.Time
}

// New creates a trading agent for one user. The bot config must already be
// valid; it is re-checked here to fail fast on programming errors.
func New(cfg Config) (*Agent, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("user id is required")
	}
	if cfg.Venue == nil || cfg.Prices == nil || cfg.Strategy == nil || cfg.Logger == nil {
		return nil, fmt.Errorf("venue, prices, strategy and logger are required")
	}
	if err := cfg.Bot.Validate(); err != nil {
		return nil, err
	}
	return &Agent{
		userID:          cfg.UserID,
		cfg:             cfg.Bot,
		venue:           cfg.Venue,
		prices:          cfg.Prices,
		strategy:        cfg.Strategy,
		logger:          cfg.Logger,
		onTrade:         cfg.OnTrade,
		guard: risk.NewGuard(risk.Config{
			StopLossPct:          cfg.Bot.StopLossPct,
			TakeProfitPct:        cfg.Bot.TakeProfitPct,
			MinTradeInterval:     minTradeInterval,
			MaxConsecutiveLosses: maxConsecutiveLosses,
		}),
		priceInterval:   defaultPriceInterval,
		monitorInterval: defaultMonitorInterval,
		now:             time.Now,
		sleep:           sleepCtx,
		lastSignal:      domain.SignalHold,
		statusMsg:       "idle",
	}, nil
}

// Start runs the startup sequence and launches the agent loops. It fails the
// whole start when the balance is below the minimum, the venue is unreachable
// or candle history cannot be seeded.
func (a *Agent) Start(ctx context.Context) error {
	a.mu.Lock()
	if a.running {
		a.mu.Unlock()
		return fmt.Errorf("agent for user %s already running", a.userID)
	}
	a.mu.Unlock()

	if err := a.venue.VerifyConnectivity(ctx); err != nil {
		return fmt.Errorf("venue connectivity check failed: %w", err)
	}

	bal, err := a.venue.Balance(ctx)
	if err != nil {
		return fmt.Errorf("startup balance check failed: %w", err)
	}
	if bal < minBalanceUSDT {
		return fmt.Errorf("balance %.2f USDT below required minimum %.0f: %w",
			bal, minBalanceUSDT, ports.ErrInsufficientFunds)
	}

	a.prices.Subscribe(a.cfg.Symbol)

	filters, err := a.venue.SymbolFilters(ctx, a.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("symbol filters for %s: %w", a.cfg.Symbol, err)
	}

	if err := a.venue.SetLeverage(ctx, a.cfg.Symbol, a.cfg.Leverage); err != nil {
		if !errors.Is(err, ports.ErrOpenPositionExists) {
			return fmt.Errorf("set leverage: %w", err)
		}
		a.logger.Warn(ctx, "leverage unchanged, position already open",
			map[string]interface{}{"userID": a.userID, "symbol": a.cfg.Symbol})
	}

	if err := a.venue.CancelAllOrders(ctx, a.cfg.Symbol); err != nil {
		a.logger.Warn(ctx, "cancel of stale orders at startup failed",
			map[string]interface{}{"userID": a.userID, "symbol": a.cfg.Symbol, "error": err.Error()})
	}

	pos, err := a.reconcilePosition(ctx)
	if err != nil {
		return fmt.Errorf("position reconciliation: %w", err)
	}

	limit := a.strategy.RequiredCandles() + 5
	if limit > candleWindowCap {
		limit = candleWindowCap
	}
	candles, err := a.venue.Klines(ctx, a.cfg.Symbol, a.cfg.Timeframe, limit)
	if err != nil {
		return fmt.Errorf("seed candle history: %w", err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	a.mu.Lock()
	a.ctx, a.cancel = runCtx, cancel
	a.running = true
	a.position = pos
	a.candles = candles
	a.filters = filters
	a.balance = bal
	a.balanceOK = true
	a.balanceStrikes = 0
	a.lastBalanceCheck = a.now()
	a.lastCheck = a.now()
	a.statusMsg = "running"
	a.mu.Unlock()

	a.wg.Add(3)
	go a.priceLoop()
	go a.candleLoop()
	go a.monitorLoop()

	a.logger.Info(ctx, "trading agent started", map[string]interface{}{
		"userID":    a.userID,
		"symbol":    a.cfg.Symbol,
		"timeframe": a.cfg.Timeframe,
		"leverage":  a.cfg.Leverage,
		"sizeMode":  string(a.cfg.SizeMode()),
		"candles":   len(candles),
	})
	return nil
}

// reconcilePosition adopts a pre-existing open position on the venue so a
// restart does not leave it unmanaged.
func (a *Agent) reconcilePosition(ctx context.Context) (*domain.Position, error) {
	infos, err := a.venue.OpenPositions(ctx, a.cfg.Symbol)
	if err != nil {
		return nil, err
	}
	if len(infos) == 0 {
		return nil, nil
	}
	info := infos[0]
	qty := info.PositionAmt
	if qty < 0 {
		qty = -qty
	}
	a.logger.Info(ctx, "adopting pre-existing position", map[string]interface{}{
		"userID": a.userID, "symbol": info.Symbol, "side": string(info.Side()), "quantity": qty,
	})
	return &domain.Position{
		Symbol:     info.Symbol,
		Side:       info.Side(),
		EntryPrice: info.EntryPrice,
		Quantity:   qty,
		Leverage:   a.cfg.Leverage,
		EntryTime:  a.now(),
	}, nil
}

// Stop cancels the agent loops, waits for them and best-effort cancels
// resting orders. Stopping an already stopped agent is a no-op.
func (a *Agent) Stop(ctx context.Context) error {
	a.mu.Lock()
	running := a.running
	cancel := a.cancel
	a.running = false
	if running {
		a.statusMsg = "stopped"
	}
	a.mu.Unlock()
	if !running {
		return nil
	}

	cancel()
	a.wg.Wait()

	if err := a.venue.CancelAllOrders(ctx, a.cfg.Symbol); err != nil {
		a.logger.Warn(ctx, "cancel of resting orders at stop failed",
			map[string]interface{}{"userID": a.userID, "symbol": a.cfg.Symbol, "error": err.Error()})
	}
	a.logger.Info(ctx, "trading agent stopped", map[string]interface{}{"userID": a.userID})
	return nil
}

// shutdown flags the agent stopped from inside one of its own loops. It must
// not wait on the loop group; the loops exit on the cancelled context.
func (a *Agent) shutdown(msg string) {
	a.mu.Lock()
	a.running = false
	a.statusMsg = msg
	cancel := a.cancel
	a.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// IsRunning reports whether the agent loops are live.
func (a *Agent) IsRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.running
}

// UserID returns the owner of this agent.
func (a *Agent) UserID() string {
	return a.userID
}

// Status returns a point-in-time snapshot of the agent state.
func (a *Agent) Status() domain.AgentStatus {
	a.mu.Lock()
	defer a.mu.Unlock()

	s := domain.AgentStatus{
		UserID:            a.userID,
		IsRunning:         a.running,
		Symbol:            a.cfg.Symbol,
		Timeframe:         a.cfg.Timeframe,
		Leverage:          a.cfg.Leverage,
		OrderSize:         a.cfg.OrderSize,
		OrderSizeMode:     a.cfg.SizeMode(),
		StopLossPct:       a.cfg.StopLossPct,
		TakeProfitPct:     a.cfg.TakeProfitPct,
		PositionSide:      domain.SideNone,
		CurrentPrice:      a.currentPrice,
		TotalTrades:       a.totalTrades,
		TotalPNL:          a.totalPNL,
		LastSignal:        a.lastSignal,
		Balance:           a.balance,
		BalanceSufficient: a.balanceOK,
		ConsecutiveLosses: a.consecutiveLosses,
		CandleCount:       len(a.candles),
		StatusMessage:     a.statusMsg,
		LastCheckTime:     a.lastCheck,
	}
	if a.position != nil {
		s.PositionSide = a.position.Side
		s.EntryPrice = a.position.EntryPrice
		if a.currentPrice > 0 {
			s.UnrealizedPNL = a.position.UnrealizedPNL(a.currentPrice)
		}
	}
	return s
}

// --- price loop ---

func (a *Agent) priceLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.priceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.observePrice(a.ctx)
		}
	}
}

// observePrice records the latest shared price and closes the position when a
// stop-loss or take-profit distance is breached.
func (a *Agent) observePrice(ctx context.Context) {
	price, ok := a.prices.GetPrice(a.cfg.Symbol)
	if !ok {
		return
	}

	a.mu.Lock()
	changed := price != a.currentPrice
	a.currentPrice = price
	pos := a.position
	a.mu.Unlock()

	if !changed || pos == nil {
		return
	}
	if reason, breached := a.guard.ExitReason(pos, price); breached {
		a.logger.Info(ctx, "exit threshold breached", map[string]interface{}{
			"userID": a.userID, "symbol": pos.Symbol, "price": price,
			"entryPrice": pos.EntryPrice, "reason": string(reason),
		})
		a.tradeMu.Lock()
		a.close(ctx, reason)
		a.tradeMu.Unlock()
	}
}

// --- candle loop ---

func (a *Agent) candleLoop() {
	defer a.wg.Done()
	tf, _ := domain.TimeframeDuration(a.cfg.Timeframe)
	for {
		a.sleep(a.ctx, a.untilNextCandle(tf))
		if a.ctx.Err() != nil {
			return
		}
		a.refreshCandles(a.ctx)
	}
}

// untilNextCandle returns the wait until the next candle-close boundary,
// clamped so the loop neither spins nor sleeps past tolerable staleness.
func (a *Agent) untilNextCandle(tf time.Duration) time.Duration {
	now := a.now()
	wait := now.Truncate(tf).Add(tf).Sub(now)
	if wait < minCandleSleep {
		wait = minCandleSleep
	}
	if wait > maxCandleSleep {
		wait = maxCandleSleep
	}
	return wait
}

// refreshCandles fetches the two most recent candles, merges them into the
// rolling window and re-evaluates the strategy when a genuinely new candle
// arrived. An unchanged candle only refreshes the last entry in place.
func (a *Agent) refreshCandles(ctx context.Context) {
	fetched, err := a.venue.Klines(ctx, a.cfg.Symbol, a.cfg.Timeframe, 2)
	if err != nil {
		a.logger.Warn(ctx, "candle fetch failed",
			map[string]interface{}{"userID": a.userID, "symbol": a.cfg.Symbol, "error": err.Error()})
		return
	}

	fresh := false
	a.mu.Lock()
	for _, c := range fetched {
		n := len(a.candles)
		switch {
		case n == 0 || c.OpenTime.After(a.candles[n-1].OpenTime):
			a.candles = append(a.candles, c)
			if len(a.candles) > candleWindowCap {
				a.candles = a.candles[len(a.candles)-candleWindowCap:]
			}
			fresh = true
		case c.OpenTime.Equal(a.candles[n-1].OpenTime):
			a.candles[n-1] = c
		}
	}
	evaluate := fresh && len(a.candles) >= a.strategy.RequiredCandles()
	var signal domain.Signal
	if evaluate {
		signal = a.strategy.Evaluate(ctx, a.candles)
		a.lastSignal = signal
	}
	a.mu.Unlock()

	if evaluate {
		a.actOnSignal(ctx, signal)
	}
}

// actOnSignal applies one signal to the current position: Hold closes, a new
// direction opens, an opposite direction flips. An insufficient balance skips
// the whole signal action; new entries are additionally gated by the minimum
// inter-trade interval and the consecutive-loss circuit breaker.
func (a *Agent) actOnSignal(ctx context.Context, signal domain.Signal) {
	a.tradeMu.Lock()
	defer a.tradeMu.Unlock()

	a.mu.Lock()
	pos := a.position
	balanceOK := a.balanceOK
	lastTrade := a.lastTradeAt
	losses := a.consecutiveLosses
	a.mu.Unlock()

	if !balanceOK {
		a.logger.Warn(ctx, "signal skipped, balance insufficient",
			map[string]interface{}{"userID": a.userID, "signal": string(signal)})
		return
	}

	if signal == domain.SignalHold {
		if pos != nil {
			a.close(ctx, domain.CloseReasonSignalHold)
		}
		return
	}

	want := signal.PositionSide()
	if pos != nil && pos.Side == want {
		return
	}

	if err := a.guard.CheckEntry(a.now(), lastTrade, losses); err != nil {
		if errors.Is(err, risk.ErrLossStreakStop) {
			a.setStatusMsg(fmt.Sprintf("paused after %d consecutive losses", losses))
			a.logger.Warn(ctx, "signal skipped, consecutive-loss pause active",
				map[string]interface{}{"userID": a.userID, "losses": losses})
		} else {
			a.logger.Debug(ctx, "signal skipped, entry gate not passed",
				map[string]interface{}{"userID": a.userID, "signal": string(signal), "reason": err.Error()})
		}
		return
	}

	if pos == nil {
		a.open(ctx, signal)
		return
	}

	// opposite direction: close, pause briefly, reopen. A failed close keeps
	// the old position on the venue, so reopening would double up.
	if !a.close(ctx, domain.CloseReasonSignalFlip) {
		return
	}
	a.sleep(ctx, flipPause)
	if ctx.Err() != nil {
		return
	}
	a.open(ctx, signal)
}

// open sizes and places a new position. Caller must hold tradeMu.
func (a *Agent) open(ctx context.Context, signal domain.Signal) {
	a.mu.Lock()
	price := a.currentPrice
	filters := a.filters
	a.mu.Unlock()

	if price <= 0 {
		p, err := a.venue.MarketPrice(ctx, a.cfg.Symbol)
		if err != nil {
			a.logger.Error(ctx, err, "entry skipped, no usable price",
				map[string]interface{}{"userID": a.userID, "symbol": a.cfg.Symbol})
			return
		}
		price = p
	}

	var notional float64
	if a.cfg.SizeMode() == domain.ModePercentage {
		bal, err := a.venue.Balance(ctx)
		if err != nil {
			a.logger.Error(ctx, err, "entry skipped, balance lookup failed",
				map[string]interface{}{"userID": a.userID})
			return
		}
		notional = bal * balancePercentage
	} else {
		notional = a.cfg.OrderSize
	}

	quantity := notional * float64(a.cfg.Leverage) / price
	if err := a.guard.ValidateOrder(quantity, price, filters); err != nil {
		a.setStatusMsg("entry rejected: order below minimum notional")
		a.logger.Warn(ctx, "entry rejected", map[string]interface{}{
			"userID": a.userID, "symbol": a.cfg.Symbol, "quantity": quantity,
			"price": price, "minNotional": filters.MinNotional,
			"error": err.Error(),
		})
		return
	}

	pos, err := a.venue.OpenPosition(ctx, a.cfg.Symbol, signal, quantity, a.cfg.Leverage, a.cfg.StopLossPct, a.cfg.TakeProfitPct)
	if err != nil {
		a.setStatusMsg("entry failed: " + err.Error())
		a.logger.Error(ctx, err, "open position failed",
			map[string]interface{}{"userID": a.userID, "symbol": a.cfg.Symbol, "signal": string(signal)})
		return
	}

	msg := fmt.Sprintf("opened %s position at %.4f", pos.Side, pos.EntryPrice)
	if pos.StopLossOrderID == 0 || pos.TakeProfitOrderID == 0 {
		msg += " (bracket orders incomplete)"
	}

	a.mu.Lock()
	a.position = pos
	a.lastTradeAt = a.now()
	a.statusMsg = msg
	a.mu.Unlock()

	a.logger.Info(ctx, "position opened", map[string]interface{}{
		"userID": a.userID, "symbol": pos.Symbol, "side": string(pos.Side),
		"entryPrice": pos.EntryPrice, "quantity": pos.Quantity,
	})
}

// close exits the current position and records the trade. It reports whether
// the agent is flat afterwards. Caller must hold tradeMu. A failed close keeps
// the position so a later cycle can retry.
func (a *Agent) close(ctx context.Context, reason domain.CloseReason) bool {
	a.mu.Lock()
	pos := a.position
	a.mu.Unlock()
	if pos == nil {
		return true
	}

	exitPrice, pnl, err := a.venue.ClosePosition(ctx, pos)
	if err != nil {
		a.setStatusMsg("close failed: " + err.Error())
		a.logger.Error(ctx, err, "close position failed",
			map[string]interface{}{"userID": a.userID, "symbol": pos.Symbol, "reason": string(reason)})
		return false
	}

	trade := domain.Trade{
		UserID:      a.userID,
		Symbol:      pos.Symbol,
		Timeframe:   a.cfg.Timeframe,
		Side:        string(pos.Side),
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   exitPrice,
		Quantity:    pos.Quantity,
		Leverage:    pos.Leverage,
		PNL:         pnl,
		EntryTime:   pos.EntryTime,
		ExitTime:    a.now(),
		CloseReason: reason,
	}

	a.mu.Lock()
	a.position = nil
	a.totalTrades++
	a.totalPNL += pnl
	if pnl < 0 {
		a.consecutiveLosses++
	} else {
		a.consecutiveLosses = 0
	}
	a.statusMsg = fmt.Sprintf("closed %s position (%s), pnl %.2f", trade.Side, reason, pnl)
	a.mu.Unlock()

	a.logger.Info(ctx, "position closed", map[string]interface{}{
		"userID": a.userID, "symbol": trade.Symbol, "side": trade.Side,
		"exitPrice": exitPrice, "pnl": pnl, "reason": string(reason),
	})
	if a.onTrade != nil {
		a.onTrade(trade)
	}
	return true
}

// --- monitor loop ---

func (a *Agent) monitorLoop() {
	defer a.wg.Done()
	ticker := time.NewTicker(a.monitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-ticker.C:
			a.monitorTick(a.ctx)
		}
	}
}

// monitorTick refreshes the balance on its own slower cadence and enforces
// the three-strike insufficient-balance shutdown.
func (a *Agent) monitorTick(ctx context.Context) {
	a.mu.Lock()
	a.lastCheck = a.now()
	due := a.now().Sub(a.lastBalanceCheck) >= balanceCheckInterval
	a.mu.Unlock()
	if !due {
		return
	}

	a.venue.InvalidateBalance()
	bal, err := a.venue.Balance(ctx)
	if err != nil {
		a.logger.Warn(ctx, "balance check failed",
			map[string]interface{}{"userID": a.userID, "error": err.Error()})
		return
	}

	a.mu.Lock()
	a.balance = bal
	a.lastBalanceCheck = a.now()
	a.balanceOK = bal >= minBalanceUSDT
	if a.balanceOK {
		a.balanceStrikes = 0
	} else {
		a.balanceStrikes++
	}
	strikes := a.balanceStrikes
	a.mu.Unlock()

	if strikes == 0 {
		return
	}
	a.logger.Warn(ctx, "balance below required minimum", map[string]interface{}{
		"userID": a.userID, "balance": bal, "minimum": minBalanceUSDT, "strikes": strikes,
	})
	if strikes >= maxBalanceStrikes {
		a.logger.Warn(ctx, "insufficient balance persisted, shutting agent down",
			map[string]interface{}{"userID": a.userID, "strikes": strikes})
		a.tradeMu.Lock()
		a.close(ctx, domain.CloseReasonInsufficientBalance)
		a.tradeMu.Unlock()
		a.shutdown("stopped: insufficient balance")
	}
}

func (a *Agent) setStatusMsg(msg string) {
	a.mu.Lock()
	a.statusMsg = msg
	a.mu.Unlock()
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
