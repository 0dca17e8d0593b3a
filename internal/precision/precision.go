// Package precision rounds and validates order quantities and prices
// against per-symbol trading rules before anything is sent to a venue.
//
// Rounding is always toward zero: an order is only ever shrunk to fit the
// venue's step/tick grid, never grown past what the strategy asked for.
// Step and tick sizes, when non-zero, take precedence over decimal-place
// precision. All failures are *types.InvalidOrderError naming the offending
// field together with the offered and required values.
package precision

import (
	"github.com/shopspring/decimal"

	"tradecore/pkg/types"
)

// RoundQuantity rounds q down onto the symbol's quantity grid.
// A non-zero stepSize wins over qtyPrecision.
func RoundQuantity(q, stepSize decimal.Decimal, qtyPrecision int32) decimal.Decimal {
	return roundToward(q, stepSize, qtyPrecision)
}

// RoundPrice rounds p down onto the symbol's price grid.
// A non-zero tickSize wins over pricePrecision.
func RoundPrice(p, tickSize decimal.Decimal, pricePrecision int32) decimal.Decimal {
	return roundToward(p, tickSize, pricePrecision)
}

// roundToward truncates v toward zero onto a grid of the given step, or to
// the given number of decimal places when step is zero. QuoRem keeps the
// step arithmetic exact; RoundDown is shopspring's toward-zero rounding.
func roundToward(v, step decimal.Decimal, places int32) decimal.Decimal {
	if !step.IsZero() {
		quo, _ := v.QuoRem(step, 0)
		return quo.Mul(step)
	}
	return v.RoundDown(places)
}

// ValidateQuantity checks that q is a non-negative exact multiple of the
// step size and lies within [MinQuantity, MaxQuantity].
func ValidateQuantity(q decimal.Decimal, info types.SymbolInfo) error {
	if q.IsNegative() {
		return &types.InvalidOrderError{
			Field: "quantity", Reason: "must not be negative",
			Offered: q, Required: decimal.Zero,
		}
	}
	if !info.StepSize.IsZero() && !q.Mod(info.StepSize).IsZero() {
		return &types.InvalidOrderError{
			Field: "quantity", Reason: "not a multiple of step size",
			Offered: q, Required: info.StepSize,
		}
	}
	if q.LessThan(info.MinQuantity) {
		return &types.InvalidOrderError{
			Field: "quantity", Reason: "below minimum",
			Offered: q, Required: info.MinQuantity,
		}
	}
	if !info.MaxQuantity.IsZero() && q.GreaterThan(info.MaxQuantity) {
		return &types.InvalidOrderError{
			Field: "quantity", Reason: "above maximum",
			Offered: q, Required: info.MaxQuantity,
		}
	}
	return nil
}

// ValidatePrice checks that p is strictly positive and an exact multiple of
// the tick size.
func ValidatePrice(p decimal.Decimal, info types.SymbolInfo) error {
	if !p.IsPositive() {
		return &types.InvalidOrderError{
			Field: "price", Reason: "must be positive",
			Offered: p, Required: decimal.Zero,
		}
	}
	if !info.TickSize.IsZero() && !p.Mod(info.TickSize).IsZero() {
		return &types.InvalidOrderError{
			Field: "price", Reason: "not a multiple of tick size",
			Offered: p, Required: info.TickSize,
		}
	}
	return nil
}

// ValidateNotional checks that quantity × price meets the venue's minimum
// order value.
func ValidateNotional(q, p, minNotional decimal.Decimal) error {
	notional := q.Mul(p)
	if notional.LessThan(minNotional) {
		return &types.InvalidOrderError{
			Field: "notional", Reason: "below minimum",
			Offered: notional, Required: minNotional,
		}
	}
	return nil
}

// Adjust rounds the order's quantity (and price, when present) onto the
// symbol's grid and validates the result. The order is mutated in place.
// This is the single entry point the order pipeline uses.
func Adjust(order *types.Order, info types.SymbolInfo) error {
	order.Quantity = RoundQuantity(order.Quantity, info.StepSize, info.QuantityPrecision)
	if err := ValidateQuantity(order.Quantity, info); err != nil {
		return err
	}

	if !order.Price.IsZero() {
		order.Price = RoundPrice(order.Price, info.TickSize, info.PricePrecision)
		if err := ValidatePrice(order.Price, info); err != nil {
			return err
		}
		if err := ValidateNotional(order.Quantity, order.Price, info.MinNotional); err != nil {
			return err
		}
	}
	return nil
}
