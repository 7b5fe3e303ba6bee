// Package strategy implements trading signal generation from candle history.
package strategy

import (
	"context"
	"fmt"

	"botfleet/internal/domain"
	"botfleet/internal/ports"
)

// EMACrossConfig holds configuration for the EMA crossover strategy.
type EMACrossConfig struct {
	FastPeriod int // e.g. 9
	SlowPeriod int // e.g. 21
	Logger     ports.Logger
}

// EMACross detects crossovers of a fast EMA over a slow EMA on the most
// recent candle. A fresh cross above yields a long signal, a cross below a
// short signal, anything else holds.
type EMACross struct {
	cfg EMACrossConfig
}

// NewEMACross creates a new EMA crossover strategy instance.
func NewEMACross(cfg EMACrossConfig) (*EMACross, error) {
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger is required for strategy")
	}
	if cfg.FastPeriod <= 0 || cfg.SlowPeriod <= 0 {
		return nil, fmt.Errorf("strategy periods must be positive")
	}
	if cfg.FastPeriod >= cfg.SlowPeriod {
		return nil, fmt.Errorf("fast period must be less than slow period")
	}
	return &EMACross{cfg: cfg}, nil
}

// RequiredCandles returns the minimum history length for a stable signal.
func (s *EMACross) RequiredCandles() int {
	return s.cfg.SlowPeriod + 4
}

// Evaluate derives a signal from the candle history, most recent last.
func (s *EMACross) Evaluate(ctx context.Context, candles []*domain.Candle) domain.Signal {
	if len(candles) < s.RequiredCandles() {
		s.cfg.Logger.Debug(ctx, "not enough candles for strategy evaluation",
			map[string]interface{}{"have": len(candles), "need": s.RequiredCandles()})
		return domain.SignalHold
	}

	fast := emaSeries(candles, s.cfg.FastPeriod)
	slow := emaSeries(candles, s.cfg.SlowPeriod)
	if len(fast) < 2 || len(slow) < 2 {
		return domain.SignalHold
	}

	curFast, prevFast := fast[len(fast)-1], fast[len(fast)-2]
	curSlow, prevSlow := slow[len(slow)-1], slow[len(slow)-2]

	var signal domain.Signal
	switch {
	case prevFast <= prevSlow && curFast > curSlow:
		signal = domain.SignalLong
	case prevFast >= prevSlow && curFast < curSlow:
		signal = domain.SignalShort
	default:
		signal = domain.SignalHold
	}

	if signal != domain.SignalHold {
		s.cfg.Logger.Info(ctx, "EMA crossover detected", map[string]interface{}{
			"signal": string(signal), "fastEMA": curFast, "slowEMA": curSlow,
			"prevFastEMA": prevFast, "prevSlowEMA": prevSlow,
		})
	} else {
		s.cfg.Logger.Debug(ctx, "no fresh crossover", map[string]interface{}{
			"fastEMA": curFast, "slowEMA": curSlow,
		})
	}
	return signal
}

// emaSeries computes the EMA of closing prices. The series starts with the
// SMA of the initial period and adds one EMA point per later candle.
func emaSeries(candles []*domain.Candle, period int) []float64 {
	if len(candles) < period {
		return nil
	}

	var sum float64
	for i := 0; i < period; i++ {
		sum += candles[i].Close
	}
	ema := sum / float64(period)

	series := make([]float64, 0, len(candles)-period+1)
	series = append(series, ema)

	multiplier := 2.0 / float64(period+1)
	for i := period; i < len(candles); i++ {
		ema = (candles[i].Close-ema)*multiplier + ema
		series = append(series, ema)
	}
	return series
}
