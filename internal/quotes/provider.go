// Package quotes supplies current prices to the trading engine and the
// portfolio aggregator.
package quotes

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnknownSymbol is a permanent failure: retrying cannot help.
var ErrUnknownSymbol = errors.New("unknown symbol")

// Provider returns the current price of a symbol
type Provider interface {
	GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

// Quote is the published form of a price observation
type Quote struct {
	Symbol string          `json:"symbol"`
	Price  decimal.Decimal `json:"price"`
	Source string          `json:"source"`
	Time   time.Time       `json:"time"`
}

// NormalizeSymbol trims and upper-cases a symbol
func NormalizeSymbol(symbol string) string {
	return strings.ToUpper(strings.TrimSpace(symbol))
}

// IsCryptoSymbol reports pair symbols such as BTC/USD
func IsCryptoSymbol(symbol string) bool {
	return strings.Contains(symbol, "/")
}
