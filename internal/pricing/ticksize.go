// Package pricing holds the tick-size rule and the alternating-touch pricing
// strategy. Both are pure functions.
package pricing

import "github.com/shopspring/decimal"

var (
	one       = decimal.NewFromInt(1)
	centTick  = decimal.New(1, -2)
	subPenny  = decimal.New(1, -4)
	priceDigs = int32(4)
)

// TickSize returns the minimum price increment at price: 0.01 at or above
// 1.00, 0.0001 below.
func TickSize(price float64) float64 {
	return tickSize(decimal.NewFromFloat(price)).InexactFloat64()
}

func tickSize(price decimal.Decimal) decimal.Decimal {
	if price.GreaterThanOrEqual(one) {
		return centTick
	}
	return subPenny
}

// Round rounds price to the four decimal places venues accept.
func Round(price float64) float64 {
	return decimal.NewFromFloat(price).Round(priceDigs).InexactFloat64()
}

// FormatPrice renders price with at most four decimals for order payloads.
func FormatPrice(price float64) string {
	return decimal.NewFromFloat(price).Round(priceDigs).String()
}
