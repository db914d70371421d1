// Package pnl holds the money and price arithmetic shared by order
// execution, position closing and portfolio aggregation.
package pnl

import (
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/shopspring/decimal"
)

// PercentPlaces is the rounding applied to every percentage we persist or return.
const PercentPlaces = 4

// MoneyPlaces is the ledger scale: quantities, prices and every amount
// debited or credited carry at most this many decimal places.
const MoneyPlaces = 8

var hundred = decimal.NewFromInt(100)

// Notional is the cash value of a trade at ledger scale.
func Notional(price, quantity decimal.Decimal) decimal.Decimal {
	return price.Mul(quantity).Round(MoneyPlaces)
}

// WithinScale reports whether v needs no rounding to fit the ledger scale.
func WithinScale(v decimal.Decimal) bool {
	return v.Equal(v.Round(MoneyPlaces))
}

// Realized returns the profit/loss of closing quantity at exit for a position
// opened on side at entry, and that amount as a percentage of the entry notional.
func Realized(side types.OrderSide, entry, exit, quantity decimal.Decimal) (amount, percent decimal.Decimal) {
	diff := exit.Sub(entry)
	if side == types.OrderSideSell {
		diff = entry.Sub(exit)
	}
	amount = diff.Mul(quantity).Round(MoneyPlaces)
	percent = Percent(amount, Notional(entry, quantity))
	return amount, percent
}

// Unrealized is the paper profit/loss of a long position marked at current.
func Unrealized(entry, current, quantity decimal.Decimal) decimal.Decimal {
	return current.Sub(entry).Mul(quantity).Round(MoneyPlaces)
}

// Percent returns amount/basis*100, or zero when basis is zero.
func Percent(amount, basis decimal.Decimal) decimal.Decimal {
	if basis.IsZero() {
		return decimal.Zero
	}
	return amount.Div(basis).Mul(hundred).Round(PercentPlaces)
}

// PercentOfBasis is Percent for portfolio-level figures where the basis can
// be zero or negative: the result is then +100, -100 or 0 following the sign
// of amount.
func PercentOfBasis(amount, basis decimal.Decimal) decimal.Decimal {
	if basis.IsPositive() {
		return Percent(amount, basis)
	}
	switch amount.Sign() {
	case 1:
		return hundred
	case -1:
		return hundred.Neg()
	default:
		return decimal.Zero
	}
}
