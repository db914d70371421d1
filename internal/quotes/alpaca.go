package quotes

import (
	"context"
	"fmt"

	"github.com/alpacahq/alpaca-trade-api-go/v3/marketdata"
	"github.com/shopspring/decimal"
)

// latestTrader is the part of the Alpaca market data client we call
type latestTrader interface {
	GetLatestTrade(symbol string, req marketdata.GetLatestTradeRequest) (*marketdata.Trade, error)
	GetLatestCryptoTrade(symbol string, req marketdata.GetLatestCryptoTradeRequest) (*marketdata.CryptoTrade, error)
}

// AlpacaProvider prices symbols from the latest Alpaca trade. Pair symbols
// such as BTC/USD use the crypto endpoint.
type AlpacaProvider struct {
	client latestTrader
}

func NewAlpacaProvider(apiKey, apiSecret, dataURL string) *AlpacaProvider {
	opts := marketdata.ClientOpts{
		APIKey:    apiKey,
		APISecret: apiSecret,
	}
	if dataURL != "" {
		opts.BaseURL = dataURL
	}
	return &AlpacaProvider{client: marketdata.NewClient(opts)}
}

type alpacaResult struct {
	price float64
	err   error
}

// GetCurrentPrice runs the blocking client call in its own goroutine so ctx
// bounds the wait.
func (p *AlpacaProvider) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	symbol = NormalizeSymbol(symbol)
	done := make(chan alpacaResult, 1)

	go func() {
		if IsCryptoSymbol(symbol) {
			trade, err := p.client.GetLatestCryptoTrade(symbol, marketdata.GetLatestCryptoTradeRequest{})
			if err != nil || trade == nil {
				done <- alpacaResult{err: orMissing(err, symbol)}
				return
			}
			done <- alpacaResult{price: trade.Price}
			return
		}
		trade, err := p.client.GetLatestTrade(symbol, marketdata.GetLatestTradeRequest{})
		if err != nil || trade == nil {
			done <- alpacaResult{err: orMissing(err, symbol)}
			return
		}
		done <- alpacaResult{price: trade.Price}
	}()

	select {
	case <-ctx.Done():
		return decimal.Zero, ctx.Err()
	case res := <-done:
		if res.err != nil {
			return decimal.Zero, fmt.Errorf("alpaca latest trade %s: %w", symbol, res.err)
		}
		if res.price <= 0 {
			return decimal.Zero, fmt.Errorf("alpaca returned non-positive price for %s", symbol)
		}
		return decimal.NewFromFloat(res.price), nil
	}
}

func orMissing(err error, symbol string) error {
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: no trade for %s", ErrUnknownSymbol, symbol)
}
