package pricing

import (
	"github.com/alanyoungcy/touchexec/internal/domain"
	"github.com/shopspring/decimal"
)

// NextPrice returns the limit price for side in state and the state the
// following order should use.
//
//	BUY  AT_TOUCH  -> bid          OFF_TOUCH -> bid - tick
//	SELL AT_TOUCH  -> ask          OFF_TOUCH -> ask + tick
//
// The tick is derived from the touch price on every call, so a touch that
// crosses 1.00 changes the increment immediately. The result is rounded to
// four decimals.
func NextPrice(side domain.Side, state domain.Alternation, snap domain.BookSnapshot) (float64, domain.Alternation) {
	touch := decimal.NewFromFloat(snap.Bid)
	if side == domain.SideSell {
		touch = decimal.NewFromFloat(snap.Ask)
	}

	tick := tickSize(touch)
	price := touch
	if state == domain.OffTouch {
		if side == domain.SideBuy {
			price = touch.Sub(tick)
		} else {
			price = touch.Add(tick)
		}
	}

	return price.Round(priceDigs).InexactFloat64(), state.Next()
}
