package domain

import "math"

// SymbolFilters holds the venue trading rules relevant to order sizing.
type SymbolFilters struct {
	Symbol            string
	QuantityPrecision int     // decimal places allowed in order quantity
	PricePrecision    int     // decimal places allowed in order price
	MinNotional       float64 // minimum order value in quote asset
}

// FloorQuantity truncates q down to the symbol's quantity precision.
func (f SymbolFilters) FloorQuantity(q float64) float64 {
	factor := math.Pow10(f.QuantityPrecision)
	return math.Floor(q*factor) / factor
}

// RoundPrice rounds p to the symbol's price precision.
func (f SymbolFilters) RoundPrice(p float64) float64 {
	factor := math.Pow10(f.PricePrecision)
	return math.Round(p*factor) / factor
}
