package ports

import (
	"context"

	"botfleet/internal/domain"
)

// Strategy defines the interface for trading signal generation.
type Strategy interface {
	// RequiredCandles returns the minimum number of candles needed for the
	// strategy calculations.
	RequiredCandles() int

	// Evaluate derives a directional signal from the candle history,
	// most recent last. Returns SignalHold when candles are insufficient
	// or no entry condition is met.
	Evaluate(ctx context.Context, candles []*domain.Candle) domain.Signal
}
