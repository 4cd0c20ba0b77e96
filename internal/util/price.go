// Package util provides common utility functions for price calculations.
package util

import (
	"github.com/shopspring/decimal"

	"github.com/eddiefleurent/rollchain/internal/models"
)

// PennyTick is the minimum premium increment for most listed options.
var PennyTick = decimal.RequireFromString("0.01")

var multiplier = decimal.NewFromInt(models.ContractMultiplier)

// RoundToTick rounds x to the nearest tick increment, ties away from zero.
// For example, with tick=0.01, 1.2345 becomes 1.23 and 1.235 becomes 1.24.
func RoundToTick(x, tick decimal.Decimal) decimal.Decimal {
	if !tick.IsPositive() {
		return x
	}
	return x.Div(tick).Round(0).Mul(tick)
}

// ContractPremium converts a per-share option price into dollars for qty contracts.
func ContractPremium(price, qty decimal.Decimal) decimal.Decimal {
	return price.Mul(qty).Mul(multiplier)
}
