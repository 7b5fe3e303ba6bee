package domain

import "time"

// Position represents an open futures position held by an agent.
type Position struct {
	Symbol     string       // Trading symbol (e.g., "ETHUSDT")
	Side       PositionSide // Direction of the position
	EntryPrice float64      // Price at which the position was entered
	Quantity   float64      // Size of the position in base asset
	Leverage   int          // Leverage used for the position
	EntryTime  time.Time    // Timestamp when the position was entered

	// Bracket order IDs, zero when the corresponding order was not placed.
	StopLossOrderID   int64
	TakeProfitOrderID int64
}

// IsOpen reports whether the position holds a non-zero quantity.
func (p *Position) IsOpen() bool {
	return p != nil && p.Side != SideNone && p.Quantity > 0
}

// CloseSide returns the order side that closes the position.
func (p *Position) CloseSide() OrderSide {
	if p.Side == SideLong {
		return Sell
	}
	return Buy
}

// UnrealizedPNL computes the mark-to-market profit of the position at price.
func (p *Position) UnrealizedPNL(price float64) float64 {
	if !p.IsOpen() || price <= 0 {
		return 0
	}
	if p.Side == SideLong {
		return (price - p.EntryPrice) * p.Quantity
	}
	return (p.EntryPrice - price) * p.Quantity
}
