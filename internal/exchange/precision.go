package exchange

import "math"

// CeilToPrecision rounds value up to the given number of decimal places.
// Order sizing must ceil, never truncate: a $10.03 notional truncated at
// the exchange's amount precision can fall below a $10 exchange minimum.
func CeilToPrecision(value float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	factor := math.Pow(10, float64(decimals))
	return math.Ceil(value*factor-1e-9) / factor
}

// FloorToPrecision rounds value down to the given number of decimal places.
func FloorToPrecision(value float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	factor := math.Pow(10, float64(decimals))
	return math.Floor(value*factor+1e-9) / factor
}

// RoundToPrecision rounds value half-away-from-zero to decimals places.
func RoundToPrecision(value float64, decimals int) float64 {
	if decimals < 0 {
		decimals = 0
	}
	factor := math.Pow(10, float64(decimals))
	return math.Round(value*factor) / factor
}

// AmountFromNotional converts a USD notional into a base-asset amount at
// the given price, ceiling-rounded to the symbol's amount precision.
func AmountFromNotional(notionalUSD, price float64, decimals int) float64 {
	if price <= 0 {
		return 0
	}
	return CeilToPrecision(notionalUSD/price, decimals)
}
