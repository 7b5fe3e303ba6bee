package ports

import (
	"context"
	"time"

	"botfleet/internal/domain"
)

// OrderResponse represents the essential details returned after placing an order.
type OrderResponse struct {
	OrderID       int64     // Exchange's order ID
	Symbol        string    // Symbol for the order
	ClientOrderID string    // User-defined order ID
	AvgPrice      float64   // Average filled price
	OrigQuantity  float64   // Original quantity requested
	ExecutedQty   float64   // Quantity filled
	Status        string    // Order status (e.g., NEW, FILLED, CANCELED)
	Type          string    // Order type (e.g., MARKET, STOP_MARKET)
	Side          string    // Order side (BUY, SELL)
	Timestamp     time.Time // Time the order response was generated
}

// PositionInfo mirrors a single entry of the venue's position risk endpoint.
type PositionInfo struct {
	Symbol           string
	PositionAmt      float64 // positive for long, negative for short
	EntryPrice       float64
	MarkPrice        float64
	UnRealizedProfit float64
	Leverage         int
}

// Side derives the position direction from the signed amount.
func (p PositionInfo) Side() domain.PositionSide {
	switch {
	case p.PositionAmt > 0:
		return domain.SideLong
	case p.PositionAmt < 0:
		return domain.SideShort
	default:
		return domain.SideNone
	}
}

// ExchangeClient defines the interface for interacting with a derivatives exchange
// on behalf of a single authenticated user. Implementations are expected to apply
// request rate limiting internally.
type ExchangeClient interface {
	// Ping checks the connectivity to the exchange API.
	Ping(ctx context.Context) error

	// GetServerTime retrieves the current server time from the exchange.
	GetServerTime(ctx context.Context) (time.Time, error)

	// GetTickerPrice retrieves the last ticker price for a given symbol.
	GetTickerPrice(ctx context.Context, symbol string) (float64, error)

	// GetAccountBalance retrieves the available balance for a specific asset (e.g., "USDT").
	GetAccountBalance(ctx context.Context, asset string) (float64, error)

	// GetOpenPositions retrieves the open positions for a symbol.
	// Entries with a zero amount are filtered out; the slice may be empty.
	GetOpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error)

	// GetSymbolFilters retrieves the trading rules for a symbol.
	GetSymbolFilters(ctx context.Context, symbol string) (domain.SymbolFilters, error)

	// SetLeverage sets the leverage for a specific symbol.
	SetLeverage(ctx context.Context, symbol string, leverage int) error

	// PlaceMarketOrder places a market order. reduceOnly orders only ever
	// decrease an existing position.
	PlaceMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, reduceOnly bool) (*OrderResponse, error)

	// PlaceStopMarketOrder places a stop-market order that closes the position
	// when the stop price is reached.
	PlaceStopMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*OrderResponse, error)

	// PlaceTakeProfitMarketOrder places a take-profit-market order that closes
	// the position when the target price is reached.
	PlaceTakeProfitMarketOrder(ctx context.Context, symbol string, side domain.OrderSide, quantity string, stopPrice string) (*OrderResponse, error)

	// CancelAllOpenOrders cancels every open order for a symbol.
	CancelAllOpenOrders(ctx context.Context, symbol string) error

	// GetKlines retrieves historical candlestick data for the given symbol,
	// most recent last.
	GetKlines(ctx context.Context, symbol string, interval string, limit int) ([]*domain.Candle, error)

	// GetLastTradePNL retrieves the realized profit of the most recent trade
	// for a symbol, as reported by the venue.
	GetLastTradePNL(ctx context.Context, symbol string) (float64, error)
}
