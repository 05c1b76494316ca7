package evaluator

import (
	"coalarm-dispatch/internal/types"
)

// IsPriceReached reports whether any of the alert's kinds holds against the ticker.
// A target-price alert with a non-negative percentage waits for the price to
// rise to the target, a negative percentage waits for it to fall to the target.
func IsPriceReached(alert types.Alert, ticker types.Ticker) bool {
	if alert.IsTargetPrice && targetPriceReached(alert, ticker) {
		return true
	}
	if alert.IsGoldenCross && goldenCross(ticker) {
		return true
	}
	return false
}

func targetPriceReached(alert types.Alert, ticker types.Ticker) bool {
	if !alert.TargetPrice.IsPositive() || !ticker.Price.IsPositive() {
		return false
	}
	if alert.TargetPercentage.IsNegative() {
		return ticker.Price.LessThanOrEqual(alert.TargetPrice)
	}
	return ticker.Price.GreaterThanOrEqual(alert.TargetPrice)
}

func goldenCross(ticker types.Ticker) bool {
	if !ticker.ShortMA.IsPositive() || !ticker.LongMA.IsPositive() {
		return false
	}
	return ticker.ShortMA.GreaterThan(ticker.LongMA)
}

// IsPriceStillValid reports whether the alert is outside the cooldown window,
// i.e. it was not delivered recently
func IsPriceStillValid(alert types.Alert, recent map[int64]struct{}) bool {
	_, delivered := recent[alert.ID]
	return !delivered
}
