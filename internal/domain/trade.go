package domain

import "time"

// Trade represents a completed round trip, recorded when a position closes.
type Trade struct {
	UserID      string      `json:"user_id"`
	Symbol      string      `json:"symbol"`
	Timeframe   string      `json:"timeframe"`
	Side        string      `json:"side"` // position side at entry (LONG/SHORT)
	EntryPrice  float64     `json:"entry_price"`
	ExitPrice   float64     `json:"exit_price"`
	Quantity    float64     `json:"quantity"`
	Leverage    int         `json:"leverage"`
	PNL         float64     `json:"pnl"` // realized PnL reported by the venue
	EntryTime   time.Time   `json:"entry_time"`
	ExitTime    time.Time   `json:"exit_time"`
	CloseReason CloseReason `json:"close_reason"`
}
