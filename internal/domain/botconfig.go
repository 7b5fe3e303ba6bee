package domain

import (
	"fmt"
	"strings"
)

// Order sizing bounds, in USDT.
const (
	MinOrderSizeUSDT = 10.0
	MaxOrderSizeUSDT = 10000.0
)

// BotConfig holds the per-user trading parameters supplied with a start
// request. A zero OrderSize selects percentage sizing.
type BotConfig struct {
	Symbol        string  `json:"symbol"`
	Timeframe     string  `json:"timeframe"`
	Leverage      int     `json:"leverage"`
	OrderSize     float64 `json:"order_size"`      // fixed USDT amount, 0 => percentage mode
	StopLossPct   float64 `json:"stop_loss_pct"`   // percent distance from entry
	TakeProfitPct float64 `json:"take_profit_pct"` // percent distance from entry
}

// SizeMode returns the order sizing mode implied by OrderSize.
func (c BotConfig) SizeMode() OrderSizeMode {
	if c.OrderSize > 0 {
		return ModeFixed
	}
	return ModePercentage
}

// Validate checks all parameters and returns a single error listing every
// violation found.
func (c BotConfig) Validate() error {
	var errs []string

	sym := strings.TrimSpace(c.Symbol)
	if l := len(sym); l < 6 || l > 12 {
		errs = append(errs, fmt.Sprintf("symbol must be 6-12 characters, got %q", c.Symbol))
	}
	if sym != strings.ToUpper(sym) {
		errs = append(errs, fmt.Sprintf("symbol must be uppercase, got %q", c.Symbol))
	}
	if !IsValidTimeframe(c.Timeframe) {
		errs = append(errs, fmt.Sprintf("unsupported timeframe %q", c.Timeframe))
	}
	if c.Leverage < 1 || c.Leverage > 125 {
		errs = append(errs, fmt.Sprintf("leverage must be between 1 and 125, got %d", c.Leverage))
	}
	if c.OrderSize != 0 && (c.OrderSize < MinOrderSizeUSDT || c.OrderSize > MaxOrderSizeUSDT) {
		errs = append(errs, fmt.Sprintf("order size must be 0 or between %.0f and %.0f USDT, got %.2f",
			MinOrderSizeUSDT, MaxOrderSizeUSDT, c.OrderSize))
	}
	if c.StopLossPct < 0.01 || c.StopLossPct > 50 {
		errs = append(errs, fmt.Sprintf("stop loss must be between 0.01%% and 50%%, got %.2f", c.StopLossPct))
	}
	if c.TakeProfitPct < 0.01 || c.TakeProfitPct > 100 {
		errs = append(errs, fmt.Sprintf("take profit must be between 0.01%% and 100%%, got %.2f", c.TakeProfitPct))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid bot config: %s", strings.Join(errs, "; "))
	}
	return nil
}
