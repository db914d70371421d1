package pnl

import (
	"testing"

	"github.com/ksred/papertrade-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
)

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestRealized_Buy(t *testing.T) {
	tests := []struct {
		name        string
		entry, exit string
		qty         string
		wantAmount  string
		wantPercent string
	}{
		{"gain", "100", "110", "2", "20", "10"},
		{"loss", "100", "90", "2", "-20", "-10"},
		{"flat", "100", "100", "3", "0", "0"},
		{"scenario", "20", "25", "5", "25", "25"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amount, percent := Realized(types.OrderSideBuy, d(tt.entry), d(tt.exit), d(tt.qty))
			assert.True(t, amount.Equal(d(tt.wantAmount)), "amount = %s", amount)
			assert.True(t, percent.Equal(d(tt.wantPercent)), "percent = %s", percent)
		})
	}
}

func TestRealized_SellSideInvertsSign(t *testing.T) {
	amount, percent := Realized(types.OrderSideSell, d("100"), d("90"), d("2"))
	assert.True(t, amount.Equal(d("20")))
	assert.True(t, percent.Equal(d("10")))

	amount, percent = Realized(types.OrderSideSell, d("100"), d("110"), d("2"))
	assert.True(t, amount.Equal(d("-20")))
	assert.True(t, percent.Equal(d("-10")))
}

func TestRealized_ZeroEntryHasZeroPercent(t *testing.T) {
	amount, percent := Realized(types.OrderSideBuy, decimal.Zero, d("5"), d("2"))
	assert.True(t, amount.Equal(d("10")))
	assert.True(t, percent.IsZero())
}

func TestPercent_Rounds(t *testing.T) {
	assert.Equal(t, "33.3333", Percent(d("1"), d("3")).String())
}

func TestPercentOfBasis(t *testing.T) {
	assert.True(t, PercentOfBasis(d("25"), d("1000")).Equal(d("2.5")))
	assert.True(t, PercentOfBasis(d("25"), decimal.Zero).Equal(d("100")))
	assert.True(t, PercentOfBasis(d("-25"), d("-10")).Equal(d("-100")))
	assert.True(t, PercentOfBasis(decimal.Zero, decimal.Zero).IsZero())
}

func TestUnrealized(t *testing.T) {
	assert.True(t, Unrealized(d("20"), d("18.5"), d("4")).Equal(d("-6")))
}

func TestNotional_RoundsToLedgerScale(t *testing.T) {
	cost := Notional(d("20.12345678"), d("0.12345678"))
	assert.True(t, cost.Equal(d("2.48437718")), cost.String())
	assert.True(t, WithinScale(cost))

	amount, _ := Realized(types.OrderSideBuy, d("20.12345678"), d("21.87654321"), d("0.12345678"))
	assert.True(t, WithinScale(amount), amount.String())
}

func TestWithinScale(t *testing.T) {
	assert.True(t, WithinScale(d("1")))
	assert.True(t, WithinScale(d("0.12345678")))
	assert.True(t, WithinScale(d("1.500000000000")))
	assert.False(t, WithinScale(d("0.123456789")))
}
