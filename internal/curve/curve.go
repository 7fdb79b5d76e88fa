// Package curve implements the square-root bonding curve used to price
// shares against total outstanding supply.
//
// The curve gives:
//   - Deterministic pricing with no counterparty order book
//   - A built-in spread: buying costs at least a flat-price valuation,
//     selling returns at most one, whenever a ≥ 0
//   - Closed-form cost/payout as the integral of price over the traded range
//
// All monetary values use shopspring/decimal — never float64 for money.
// Internal root/power math uses float64, with results rounded half-even to
// Scale exactly once before being returned, so drift cannot compound across
// many trades.
package curve

import (
	"errors"
	"math"

	"github.com/shopspring/decimal"
)

var (
	// ErrNegativeSupply is returned when supply s < 0.
	ErrNegativeSupply = errors.New("curve: supply cannot be negative")

	// ErrNonPositiveQuantity is returned when a trade quantity Δs ≤ 0.
	ErrNonPositiveQuantity = errors.New("curve: quantity must be positive")

	// ErrOversell is returned when a sell quantity exceeds outstanding supply.
	ErrOversell = errors.New("curve: cannot sell more shares than outstanding supply")
)

// Scale is the number of fractional digits every monetary result carries.
const Scale int32 = 8

// Price returns the instantaneous price at supply s:
//
//	P(s) = a·√s + b
//
// At s = 0 the price is exactly the baseline b.
func Price(s, a, b decimal.Decimal) (decimal.Decimal, error) {
	if s.IsNegative() {
		return decimal.Decimal{}, ErrNegativeSupply
	}
	if s.IsZero() {
		return b, nil
	}
	sqrtS := decimal.NewFromFloat(math.Sqrt(s.InexactFloat64()))
	return a.Mul(sqrtS).Add(b).RoundBank(Scale), nil
}

// BuyCost returns the cost to buy deltaS shares from supply s:
//
//	cost = (2a/3)·[(s+Δs)^1.5 − s^1.5] + b·Δs
//
// the integral of the price function over [s, s+Δs].
func BuyCost(s, deltaS, a, b decimal.Decimal) (decimal.Decimal, error) {
	if deltaS.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrNonPositiveQuantity
	}
	if s.IsNegative() {
		return decimal.Decimal{}, ErrNegativeSupply
	}
	integral := integralPart(a, s.InexactFloat64(), s.Add(deltaS).InexactFloat64())
	return integral.Add(b.Mul(deltaS)).RoundBank(Scale), nil
}

// SellPayout returns the payout for selling deltaS shares from supply s:
//
//	payout = (2a/3)·[s^1.5 − (s−Δs)^1.5] + b·Δs
//
// the integral of the price function over [s−Δs, s].
func SellPayout(s, deltaS, a, b decimal.Decimal) (decimal.Decimal, error) {
	if deltaS.LessThanOrEqual(decimal.Zero) {
		return decimal.Decimal{}, ErrNonPositiveQuantity
	}
	if s.IsNegative() {
		return decimal.Decimal{}, ErrNegativeSupply
	}
	if deltaS.GreaterThan(s) {
		return decimal.Decimal{}, ErrOversell
	}
	integral := integralPart(a, s.Sub(deltaS).InexactFloat64(), s.InexactFloat64())
	return integral.Add(b.Mul(deltaS)).RoundBank(Scale), nil
}

// integralPart computes (2a/3)·(hi^1.5 − lo^1.5) in float64 and converts
// back to decimal. The baseline term stays in decimal at the call sites so
// the float excursion is limited to the power sub-expression.
func integralPart(a decimal.Decimal, lo, hi float64) decimal.Decimal {
	v := 2 * a.InexactFloat64() / 3 * (math.Pow(hi, 1.5) - math.Pow(lo, 1.5))
	return decimal.NewFromFloat(v)
}
