// Package risk enforces the per-agent trading constraints: entry gating,
// minimum order value and stop-loss/take-profit exit thresholds.
package risk

import (
	"errors"
	"fmt"
	"time"

	"botfleet/internal/domain"
	"botfleet/internal/ports"
)

// Entry gate violations.
var (
	ErrTradeTooSoon   = errors.New("minimum trade interval has not elapsed")
	ErrLossStreakStop = errors.New("paused after too many consecutive losses")
)

// Config holds the guard parameters. Percent distances are relative to the
// entry price, e.g. 2 means 2%.
type Config struct {
	StopLossPct          float64
	TakeProfitPct        float64
	MinTradeInterval     time.Duration
	MaxConsecutiveLosses int
}

// Guard evaluates the risk constraints for one agent. It is stateless; the
// agent owns the counters and timestamps it is judged against.
type Guard struct {
	cfg Config
}

// NewGuard creates a guard.
func NewGuard(cfg Config) *Guard {
	return &Guard{cfg: cfg}
}

// CheckEntry gates a new position entry against the inter-trade interval and
// the consecutive-loss circuit breaker.
func (g *Guard) CheckEntry(now, lastTrade time.Time, consecutiveLosses int) error {
	if consecutiveLosses >= g.cfg.MaxConsecutiveLosses {
		return fmt.Errorf("%d consecutive losses: %w", consecutiveLosses, ErrLossStreakStop)
	}
	if !lastTrade.IsZero() {
		if since := now.Sub(lastTrade); since < g.cfg.MinTradeInterval {
			return fmt.Errorf("last trade %s ago: %w", since.Round(time.Second), ErrTradeTooSoon)
		}
	}
	return nil
}

// ValidateOrder rejects orders whose floored value is below the venue's
// minimum notional.
func (g *Guard) ValidateOrder(quantity, price float64, filters domain.SymbolFilters) error {
	floored := filters.FloorQuantity(quantity)
	if value := floored * price; value < filters.MinNotional {
		return fmt.Errorf("order value %.2f below minimum %.2f: %w",
			value, filters.MinNotional, ports.ErrBelowMinNotional)
	}
	return nil
}

// ExitReason reports whether price breaches the stop-loss or take-profit
// distance for the position, direction-aware.
func (g *Guard) ExitReason(pos *domain.Position, price float64) (domain.CloseReason, bool) {
	sl := g.cfg.StopLossPct / 100
	tp := g.cfg.TakeProfitPct / 100
	switch pos.Side {
	case domain.SideLong:
		if price <= pos.EntryPrice*(1-sl) {
			return domain.CloseReasonStopLoss, true
		}
		if price >= pos.EntryPrice*(1+tp) {
			return domain.CloseReasonTakeProfit, true
		}
	case domain.SideShort:
		if price >= pos.EntryPrice*(1+sl) {
			return domain.CloseReasonStopLoss, true
		}
		if price <= pos.EntryPrice*(1-tp) {
			return domain.CloseReasonTakeProfit, true
		}
	}
	return "", false
}
