package domain

import "time"

// AgentStatus is a point-in-time snapshot of a trading agent's state. All
// fields are plain values so a snapshot can be copied and serialized freely.
type AgentStatus struct {
	UserID            string        `json:"user_id"`
	IsRunning         bool          `json:"is_running"`
	Symbol            string        `json:"symbol"`
	Timeframe         string        `json:"timeframe"`
	Leverage          int           `json:"leverage"`
	OrderSize         float64       `json:"order_size"`
	OrderSizeMode     OrderSizeMode `json:"order_size_mode"`
	StopLossPct       float64       `json:"stop_loss_pct"`
	TakeProfitPct     float64       `json:"take_profit_pct"`
	PositionSide      PositionSide  `json:"position_side"`
	EntryPrice        float64       `json:"entry_price"`
	CurrentPrice      float64       `json:"current_price"`
	UnrealizedPNL     float64       `json:"unrealized_pnl"`
	TotalTrades       int           `json:"total_trades"`
	TotalPNL          float64       `json:"total_pnl"`
	LastSignal        Signal        `json:"last_signal"`
	Balance           float64       `json:"balance"`
	BalanceSufficient bool          `json:"balance_sufficient"`
	ConsecutiveLosses int           `json:"consecutive_losses"`
	CandleCount       int           `json:"candle_count"`
	StatusMessage     string        `json:"status_message"`
	LastCheckTime     time.Time     `json:"last_check_time"`
}
