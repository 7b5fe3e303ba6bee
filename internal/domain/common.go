package domain

import "time"

// OrderSide represents the side of an order (BUY or SELL).
type OrderSide string

const (
	Buy  OrderSide = "BUY"
	Sell OrderSide = "SELL"
)

// PositionSide is the direction of an open position. An agent that holds no
// position carries SideNone.
type PositionSide string

const (
	SideNone  PositionSide = "NONE"
	SideLong  PositionSide = "LONG"
	SideShort PositionSide = "SHORT"
)

// Signal is the output of a strategy evaluation.
type Signal string

const (
	SignalLong  Signal = "LONG"
	SignalShort Signal = "SHORT"
	SignalHold  Signal = "HOLD"
)

// EntrySide maps a directional signal to the order side that opens it.
func (s Signal) EntrySide() OrderSide {
	if s == SignalShort {
		return Sell
	}
	return Buy
}

// PositionSide maps a directional signal to the position side it creates.
func (s Signal) PositionSide() PositionSide {
	switch s {
	case SignalLong:
		return SideLong
	case SignalShort:
		return SideShort
	default:
		return SideNone
	}
}

// CloseReason indicates why a position was closed.
type CloseReason string

const (
	CloseReasonSignalHold          CloseReason = "SIGNAL_HOLD"
	CloseReasonSignalFlip          CloseReason = "SIGNAL_FLIP"
	CloseReasonStopLoss            CloseReason = "STOP_LOSS"
	CloseReasonTakeProfit          CloseReason = "TAKE_PROFIT"
	CloseReasonInsufficientBalance CloseReason = "INSUFFICIENT_BALANCE"
	CloseReasonShutdown            CloseReason = "SHUTDOWN"
	CloseReasonManual              CloseReason = "MANUAL"
)

// OrderSizeMode selects how an agent computes the notional of a new position.
type OrderSizeMode string

const (
	// ModePercentage sizes each trade as a percentage of the current balance.
	ModePercentage OrderSizeMode = "percentage"
	// ModeFixed sizes each trade as a fixed USDT amount.
	ModeFixed OrderSizeMode = "fixed"
)

// timeframeSeconds maps the supported candle timeframes to their length in seconds.
var timeframeSeconds = map[string]int64{
	"1m":  60,
	"3m":  180,
	"5m":  300,
	"15m": 900,
	"30m": 1800,
	"1h":  3600,
	"2h":  7200,
	"4h":  14400,
	"6h":  21600,
	"8h":  28800,
	"12h": 43200,
	"1d":  86400,
}

// TimeframeDuration returns the length of a candle timeframe, or ok=false for
// an unsupported value.
func TimeframeDuration(timeframe string) (time.Duration, bool) {
	secs, ok := timeframeSeconds[timeframe]
	if !ok {
		return 0, false
	}
	return time.Duration(secs) * time.Second, true
}

// IsValidTimeframe reports whether timeframe is one of the supported values.
func IsValidTimeframe(timeframe string) bool {
	_, ok := timeframeSeconds[timeframe]
	return ok
}
