package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"botfleet/internal/domain"
	"botfleet/internal/ports"
)

// --- Mocks ---

type mockLogger struct{}

func (m *mockLogger) Debug(ctx context.Context, msg string, fields ...map[string]interface{}) {}
func (m *mockLogger) Info(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Warn(ctx context.Context, msg string, fields ...map[string]interface{})  {}
func (m *mockLogger) Error(ctx context.Context, err error, msg string, fields ...map[string]interface{}) {
}

type mockPrices struct {
	mu    sync.Mutex
	price float64
	ok    bool
	subs  []string
}

func (m *mockPrices) Subscribe(symbol string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = append(m.subs, symbol)
}

func (m *mockPrices) GetPrice(symbol string) (float64, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.price, m.ok
}

type mockStrategy struct {
	mu       sync.Mutex
	required int
	signal   domain.Signal
	evals    int
}

func (m *mockStrategy) RequiredCandles() int { return m.required }

func (m *mockStrategy) Evaluate(ctx context.Context, candles []*domain.Candle) domain.Signal {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.evals++
	return m.signal
}

func (m *mockStrategy) evalCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.evals
}

type openCall struct {
	signal   domain.Signal
	quantity float64
	leverage int
}

type mockVenue struct {
	mu sync.Mutex

	pingErr   error
	pingCalls int

	balance      float64
	balanceErr   error
	balanceCalls int
	invalidated  int

	positions []ports.PositionInfo

	marketPrice float64

	klines      []*domain.Candle
	klinesErr   error
	klinesCalls int

	leverageErr error
	cancelCalls int

	opened  []openCall
	openErr error

	closed    []*domain.Position
	closeExit float64
	closePNL  float64
	closeErr  error
}

func (m *mockVenue) VerifyConnectivity(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pingCalls++
	return m.pingErr
}

func (m *mockVenue) Balance(ctx context.Context) (float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.balanceCalls++
	return m.balance, m.balanceErr
}

func (m *mockVenue) InvalidateBalance() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.invalidated++
}

func (m *mockVenue) OpenPositions(ctx context.Context, symbol string) ([]ports.PositionInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positions, nil
}

func (m *mockVenue) MarketPrice(ctx context.Context, symbol string) (float64, error) {
	return m.marketPrice, nil
}

func (m *mockVenue) SymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error) {
	return testFilters, nil
}

func (m *mockVenue) SetLeverage(ctx context.Context, symbol string, leverage int) error {
	return m.leverageErr
}

func (m *mockVenue) Klines(ctx context.Context, symbol, timeframe string, limit int) ([]*domain.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.klinesCalls++
	return m.klines, m.klinesErr
}

func (m *mockVenue) CancelAllOrders(ctx context.Context, symbol string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cancelCalls++
	return nil
}

func (m *mockVenue) OpenPosition(ctx context.Context, symbol string, signal domain.Signal, quantity float64, leverage int, stopLossPct, takeProfitPct float64) (*domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.opened = append(m.opened, openCall{signal: signal, quantity: quantity, leverage: leverage})
	if m.openErr != nil {
		return nil, m.openErr
	}
	return &domain.Position{
		Symbol:            symbol,
		Side:              signal.PositionSide(),
		EntryPrice:        2000,
		Quantity:          testFilters.FloorQuantity(quantity),
		Leverage:          leverage,
		EntryTime:         time.Now(),
		StopLossOrderID:   101,
		TakeProfitOrderID: 102,
	}, nil
}

func (m *mockVenue) ClosePosition(ctx context.Context, pos *domain.Position) (float64, float64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, pos)
	return m.closeExit, m.closePNL, m.closeErr
}

var testFilters = domain.SymbolFilters{
	Symbol:            "ETHUSDT",
	QuantityPrecision: 3,
	PricePrecision:    2,
	MinNotional:       20,
}

func testBotConfig() domain.BotConfig {
	return domain.BotConfig{
		Symbol:        "ETHUSDT",
		Timeframe:     "1m",
		Leverage:      10,
		OrderSize:     0, // percentage mode
		StopLossPct:   2,
		TakeProfitPct: 5,
	}
}

func makeCandles(n int) []*domain.Candle {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	candles := make([]*domain.Candle, n)
	for i := range candles {
		candles[i] = &domain.Candle{
			OpenTime:  base.Add(time.Duration(i) * time.Minute),
			CloseTime: base.Add(time.Duration(i+1) * time.Minute),
			Symbol:    "ETHUSDT",
			Timeframe: "1m",
			Open:      2000,
			High:      2010,
			Low:       1990,
			Close:     2000,
			IsFinal:   true,
		}
	}
	return candles
}

func newAgent(t *testing.T, bot domain.BotConfig, venue *mockVenue, prices *mockPrices, strat *mockStrategy) (*Agent, *[]domain.Trade) {
	t.Helper()
	trades := &[]domain.Trade{}
	a, err := New(Config{
		UserID:   "u1",
		Bot:      bot,
		Venue:    venue,
		Prices:   prices,
		Strategy: strat,
		Logger:   &mockLogger{},
		OnTrade:  func(tr domain.Trade) { *trades = append(*trades, tr) },
	})
	require.NoError(t, err)
	return a, trades
}

// newRunningAgent builds an agent in the running state without launching its
// loops so tests can drive the internal steps deterministically.
func newRunningAgent(t *testing.T, bot domain.BotConfig, venue *mockVenue, prices *mockPrices, strat *mockStrategy) (*Agent, *[]domain.Trade) {
	t.Helper()
	a, trades := newAgent(t, bot, venue, prices, strat)

	a.sleep = func(ctx context.Context, d time.Duration) {}
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	a.ctx, a.cancel = ctx, cancel
	a.running = true
	a.filters = testFilters
	a.balanceOK = true
	return a, trades
}

// --- Lifecycle ---

func TestStartFailsWhenBalanceBelowMinimum(t *testing.T) {
	venue := &mockVenue{balance: 10}
	a, _ := newAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrInsufficientFunds)
	assert.False(t, a.IsRunning())
}

func TestStartFailsWhenVenueUnreachable(t *testing.T) {
	venue := &mockVenue{balance: 100, klines: makeCandles(25), pingErr: ports.ErrConnectionFailed}
	a, _ := newAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})

	err := a.Start(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, ports.ErrConnectionFailed)
	assert.False(t, a.IsRunning())
	assert.Equal(t, 0, venue.balanceCalls, "no signed requests before the connectivity check passes")
}

func TestStartAndStop(t *testing.T) {
	venue := &mockVenue{balance: 100, klines: makeCandles(25)}
	prices := &mockPrices{}
	a, _ := newAgent(t, testBotConfig(), venue, prices, &mockStrategy{required: 25})

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })

	assert.True(t, a.IsRunning())
	assert.Equal(t, 1, venue.pingCalls, "startup must verify venue connectivity")
	assert.Equal(t, []string{"ETHUSDT"}, prices.subs)

	status := a.Status()
	assert.True(t, status.IsRunning)
	assert.Equal(t, 25, status.CandleCount)
	assert.Equal(t, 100.0, status.Balance)
	assert.True(t, status.BalanceSufficient)
	assert.Equal(t, domain.SideNone, status.PositionSide)
	assert.Equal(t, domain.ModePercentage, status.OrderSizeMode)

	require.NoError(t, a.Stop(context.Background()))
	assert.False(t, a.IsRunning())
	// stale-order cancel at start plus resting-order cancel at stop
	assert.Equal(t, 2, venue.cancelCalls)

	// idempotent
	require.NoError(t, a.Stop(context.Background()))
}

func TestStartAdoptsExistingPosition(t *testing.T) {
	venue := &mockVenue{
		balance: 100,
		klines:  makeCandles(25),
		positions: []ports.PositionInfo{
			{Symbol: "ETHUSDT", PositionAmt: -0.4, EntryPrice: 2500},
		},
	}
	a, _ := newAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})

	require.NoError(t, a.Start(context.Background()))
	t.Cleanup(func() { a.Stop(context.Background()) })

	status := a.Status()
	assert.Equal(t, domain.SideShort, status.PositionSide)
	assert.Equal(t, 2500.0, status.EntryPrice)
}

// --- Candle window ---

func TestCandleDedupeAndSignalEvaluation(t *testing.T) {
	venue := &mockVenue{}
	strat := &mockStrategy{required: 25, signal: domain.SignalHold}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, strat)

	seed := makeCandles(25)
	a.candles = append([]*domain.Candle{}, seed...)

	// same close time again: refresh in place, no evaluation
	venue.klines = []*domain.Candle{seed[24]}
	a.refreshCandles(context.Background())
	assert.Equal(t, 0, strat.evalCount())
	assert.Equal(t, 25, a.Status().CandleCount)

	// a genuinely new candle appends and triggers exactly one evaluation
	next := makeCandles(26)[25]
	venue.klines = []*domain.Candle{seed[24], next}
	a.refreshCandles(context.Background())
	assert.Equal(t, 1, strat.evalCount())
	assert.Equal(t, 26, a.Status().CandleCount)
}

func TestCandleWindowIsBounded(t *testing.T) {
	venue := &mockVenue{}
	strat := &mockStrategy{required: 25, signal: domain.SignalHold}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, strat)

	a.candles = makeCandles(candleWindowCap)
	next := &domain.Candle{
		OpenTime:  a.candles[candleWindowCap-1].OpenTime.Add(time.Minute),
		CloseTime: a.candles[candleWindowCap-1].CloseTime.Add(time.Minute),
		Symbol:    "ETHUSDT", Timeframe: "1m", Close: 2000, IsFinal: true,
	}
	venue.klines = []*domain.Candle{next}
	a.refreshCandles(context.Background())

	assert.Equal(t, candleWindowCap, a.Status().CandleCount)
}

// --- Signal actions and sizing ---

func TestPercentageSizing(t *testing.T) {
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000

	a.actOnSignal(context.Background(), domain.SignalLong)

	require.Len(t, venue.opened, 1)
	// 90% of 1000 balance, levered 10x, at price 2000
	assert.InDelta(t, 4.5, venue.opened[0].quantity, 1e-9)
	assert.Equal(t, domain.SignalLong, venue.opened[0].signal)
	assert.Equal(t, 10, venue.opened[0].leverage)
	assert.Equal(t, domain.SideLong, a.Status().PositionSide)
}

func TestFixedSizingIgnoresBalance(t *testing.T) {
	bot := testBotConfig()
	bot.OrderSize = 35
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, bot, venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000

	a.actOnSignal(context.Background(), domain.SignalShort)

	require.Len(t, venue.opened, 1)
	assert.InDelta(t, 0.175, venue.opened[0].quantity, 1e-9) // 35 * 10 / 2000
	assert.Equal(t, 0, venue.balanceCalls, "fixed sizing must not consult the balance")
}

func TestEntryBelowMinNotionalRejected(t *testing.T) {
	bot := testBotConfig()
	bot.Leverage = 1
	venue := &mockVenue{balance: 20} // 90% usable = 18 < 20 min notional
	a, _ := newRunningAgent(t, bot, venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000

	a.actOnSignal(context.Background(), domain.SignalLong)

	assert.Empty(t, venue.opened)
	assert.Contains(t, a.Status().StatusMessage, "minimum notional")
}

func TestHoldSignalClosesPosition(t *testing.T) {
	venue := &mockVenue{closeExit: 1980, closePNL: -10}
	a, trades := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	a.actOnSignal(context.Background(), domain.SignalHold)

	require.Len(t, venue.closed, 1)
	require.Len(t, *trades, 1)
	tr := (*trades)[0]
	assert.Equal(t, domain.CloseReasonSignalHold, tr.CloseReason)
	assert.Equal(t, -10.0, tr.PNL)

	status := a.Status()
	assert.Equal(t, domain.SideNone, status.PositionSide)
	assert.Equal(t, 1, status.TotalTrades)
	assert.Equal(t, 1, status.ConsecutiveLosses)
}

func TestOppositeSignalFlipsPosition(t *testing.T) {
	venue := &mockVenue{balance: 1000, closeExit: 2020, closePNL: 10}
	a, trades := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 1990, Quantity: 0.5, Leverage: 10}

	a.actOnSignal(context.Background(), domain.SignalShort)

	require.Len(t, venue.closed, 1)
	require.Len(t, venue.opened, 1)
	assert.Equal(t, domain.SignalShort, venue.opened[0].signal)
	require.Len(t, *trades, 1)
	assert.Equal(t, domain.CloseReasonSignalFlip, (*trades)[0].CloseReason)
	assert.Equal(t, domain.SideShort, a.Status().PositionSide)
}

func TestFlipDoesNotReopenWhenCloseFails(t *testing.T) {
	venue := &mockVenue{balance: 1000, closeErr: ports.ErrConnectionFailed}
	a, trades := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 1990, Quantity: 0.5, Leverage: 10}

	a.actOnSignal(context.Background(), domain.SignalShort)

	// the venue still holds the long, so opening the short would leave two
	// live positions with only one tracked
	require.Len(t, venue.closed, 1)
	assert.Empty(t, venue.opened)
	assert.Empty(t, *trades)

	status := a.Status()
	assert.Equal(t, domain.SideLong, status.PositionSide)
	assert.Contains(t, status.StatusMessage, "close failed")
}

func TestSameDirectionSignalIsNoop(t *testing.T) {
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	a.actOnSignal(context.Background(), domain.SignalLong)

	assert.Empty(t, venue.closed)
	assert.Empty(t, venue.opened)
}

func TestMinTradeIntervalGatesEntries(t *testing.T) {
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000
	a.lastTradeAt = time.Now().Add(-30 * time.Second)

	a.actOnSignal(context.Background(), domain.SignalLong)
	assert.Empty(t, venue.opened)

	a.lastTradeAt = time.Now().Add(-61 * time.Second)
	a.actOnSignal(context.Background(), domain.SignalLong)
	assert.Len(t, venue.opened, 1)
}

func TestConsecutiveLossPauseGatesEntries(t *testing.T) {
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000
	a.consecutiveLosses = maxConsecutiveLosses

	a.actOnSignal(context.Background(), domain.SignalLong)

	assert.Empty(t, venue.opened)
	assert.Contains(t, a.Status().StatusMessage, "consecutive losses")
}

func TestInsufficientBalanceSkipsSignal(t *testing.T) {
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.currentPrice = 2000
	a.balanceOK = false

	a.actOnSignal(context.Background(), domain.SignalLong)

	assert.Empty(t, venue.opened)
}

func TestInsufficientBalanceSkipsHoldClose(t *testing.T) {
	venue := &mockVenue{balance: 1000}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.balanceOK = false
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	a.actOnSignal(context.Background(), domain.SignalHold)

	// an insufficient balance suspends all signal actions, not just entries;
	// the monitor loop owns forced liquidation
	assert.Empty(t, venue.closed)
	assert.Equal(t, domain.SideLong, a.Status().PositionSide)
}

// --- Price-driven exits ---

func TestStopLossBreachClosesLong(t *testing.T) {
	venue := &mockVenue{closeExit: 1959, closePNL: -20}
	prices := &mockPrices{price: 1959, ok: true} // 2000 * (1 - 2%) = 1960
	a, trades := newRunningAgent(t, testBotConfig(), venue, prices, &mockStrategy{required: 25})
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	a.observePrice(context.Background())

	require.Len(t, venue.closed, 1)
	require.Len(t, *trades, 1)
	assert.Equal(t, domain.CloseReasonStopLoss, (*trades)[0].CloseReason)
}

func TestTakeProfitBreachClosesShort(t *testing.T) {
	venue := &mockVenue{closeExit: 1899, closePNL: 50}
	prices := &mockPrices{price: 1899, ok: true} // 2000 * (1 - 5%) = 1900
	a, trades := newRunningAgent(t, testBotConfig(), venue, prices, &mockStrategy{required: 25})
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideShort, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	a.observePrice(context.Background())

	require.Len(t, venue.closed, 1)
	assert.Equal(t, domain.CloseReasonTakeProfit, (*trades)[0].CloseReason)
}

func TestUnchangedPriceSkipsExitCheck(t *testing.T) {
	venue := &mockVenue{}
	prices := &mockPrices{price: 1959, ok: true}
	a, _ := newRunningAgent(t, testBotConfig(), venue, prices, &mockStrategy{required: 25})
	a.currentPrice = 1959
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	a.observePrice(context.Background())

	assert.Empty(t, venue.closed)
}

// --- Balance circuit breaker ---

func TestBalanceCircuitBreaker(t *testing.T) {
	venue := &mockVenue{balance: 5, closeExit: 2000, closePNL: 0}
	a, trades := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})
	a.position = &domain.Position{Symbol: "ETHUSDT", Side: domain.SideLong, EntryPrice: 2000, Quantity: 0.5, Leverage: 10}

	tick := func() {
		a.mu.Lock()
		a.lastBalanceCheck = time.Now().Add(-121 * time.Second)
		a.mu.Unlock()
		a.monitorTick(context.Background())
	}

	tick()
	assert.True(t, a.IsRunning())
	assert.False(t, a.Status().BalanceSufficient)

	tick()
	assert.True(t, a.IsRunning())

	tick()
	assert.False(t, a.IsRunning(), "third strike must shut the agent down")
	require.Len(t, venue.closed, 1)
	require.Len(t, *trades, 1)
	assert.Equal(t, domain.CloseReasonInsufficientBalance, (*trades)[0].CloseReason)
	assert.Contains(t, a.Status().StatusMessage, "insufficient balance")
}

func TestBalanceRecoveryResetsStrikes(t *testing.T) {
	venue := &mockVenue{balance: 5}
	a, _ := newRunningAgent(t, testBotConfig(), venue, &mockPrices{}, &mockStrategy{required: 25})

	tick := func() {
		a.mu.Lock()
		a.lastBalanceCheck = time.Now().Add(-121 * time.Second)
		a.mu.Unlock()
		a.monitorTick(context.Background())
	}

	tick()
	tick()
	assert.True(t, a.IsRunning())

	venue.mu.Lock()
	venue.balance = 100
	venue.mu.Unlock()
	tick()
	assert.True(t, a.Status().BalanceSufficient)

	// two more low readings must not trip the breaker after the reset
	venue.mu.Lock()
	venue.balance = 5
	venue.mu.Unlock()
	tick()
	tick()
	assert.True(t, a.IsRunning())
}
