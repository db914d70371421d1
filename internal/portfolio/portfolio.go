// Package portfolio aggregates a user's wallet and orders into read-only
// views: the P&L summary, the open positions and per-symbol holdings.
package portfolio

import (
	"context"
	"sort"
	"time"

	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/pnl"
	"github.com/ksred/papertrade-api/internal/quotes"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

const defaultQuoteConcurrency = 8

// PriceFallback prices an open position whose symbol could not be quoted
type PriceFallback func(position *types.Order) decimal.Decimal

// EntryPriceFallback marks a position at its own entry price, so it adds no
// unrealized P&L.
func EntryPriceFallback(position *types.Order) decimal.Decimal {
	return position.EntryPrice()
}

// Service computes portfolio views. It never writes.
type Service struct {
	store       *ledger.Store
	quotes      quotes.Provider
	fallback    PriceFallback
	concurrency int
	now         func() time.Time
	logger      zerolog.Logger
}

func NewService(store *ledger.Store, provider quotes.Provider) *Service {
	return &Service{
		store:       store,
		quotes:      provider,
		fallback:    EntryPriceFallback,
		concurrency: defaultQuoteConcurrency,
		now:         time.Now,
		logger:      log.With().Str("service", "portfolio").Logger(),
	}
}

func (s *Service) WithFallback(fallback PriceFallback) *Service {
	s.fallback = fallback
	return s
}

func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

func (s *Service) WithQuoteConcurrency(n int) *Service {
	if n > 0 {
		s.concurrency = n
	}
	return s
}

// Summary returns the P&L aggregate of userID. Today's P&L uses the calendar
// day of loc; nil means UTC. Symbols that cannot be quoted are priced by the
// fallback and reported in StaleSymbols instead of failing the summary.
func (s *Service) Summary(ctx context.Context, userID string, loc *time.Location) (*types.PortfolioSummary, error) {
	if loc == nil {
		loc = time.UTC
	}
	logger := s.logger.With().Str("user_id", userID).Logger()

	reader := s.store.Reader(ctx)
	wallet, err := reader.GetWallet(userID)
	if err != nil {
		return nil, types.AsPersistence("failed to load wallet", err)
	}
	policy := s.store.Policy()
	cash, currency := policy.StartingBalance, policy.Currency
	if wallet != nil {
		cash, currency = wallet.Balance, wallet.Currency
	}

	open, err := reader.OpenPositions(userID, "")
	if err != nil {
		return nil, types.AsPersistence("failed to load open positions", err)
	}
	closed, err := reader.ClosedOrders(userID, time.Time{})
	if err != nil {
		return nil, types.AsPersistence("failed to load closed orders", err)
	}

	now := s.now().In(loc)
	startOfDay := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, loc)

	realized, realizedToday := decimal.Zero, decimal.Zero
	for i := range closed {
		order := &closed[i]
		if !order.RealizedPnL.Valid {
			continue
		}
		realized = realized.Add(order.RealizedPnL.Decimal)
		if order.ClosedAt != nil && !order.ClosedAt.Before(startOfDay) {
			realizedToday = realizedToday.Add(order.RealizedPnL.Decimal)
		}
	}

	prices, stale := s.markPrices(ctx, open)

	marketValue, unrealized := decimal.Zero, decimal.Zero
	profitable := 0
	for i := range open {
		position := &open[i]
		price, ok := prices[position.Symbol]
		if !ok {
			price = s.fallback(position)
		}
		value := pnl.Notional(price, position.Quantity)
		gain := pnl.Unrealized(position.EntryPrice(), price, position.Quantity)

		marketValue = marketValue.Add(value)
		unrealized = unrealized.Add(gain)
		if gain.IsPositive() {
			profitable++
		}
	}

	totalBalance := cash.Add(marketValue)
	totalPnL := realized.Add(unrealized)
	todaysPnL := realizedToday.Add(unrealized)
	costBasis := totalBalance.Sub(totalPnL)

	if len(stale) > 0 {
		logger.Warn().Strs("symbols", stale).Msg("Summary used fallback prices")
	}

	return &types.PortfolioSummary{
		UserID:              userID,
		Currency:            currency,
		TotalBalance:        totalBalance,
		CashBalance:         cash,
		MarketValue:         marketValue,
		TotalPnL:            totalPnL,
		TotalPnLPercent:     pnl.PercentOfBasis(totalPnL, costBasis),
		TodaysPnL:           todaysPnL,
		TodaysPnLPercent:    pnl.PercentOfBasis(todaysPnL, costBasis),
		RealizedPnL:         realized,
		UnrealizedPnL:       unrealized,
		OpenPositions:       len(open),
		ProfitablePositions: profitable,
		StaleSymbols:        stale,
		Timestamp:           s.now().UTC(),
	}, nil
}

// markPrices quotes every distinct symbol in positions once. Failed symbols
// are returned sorted and left out of the price map.
func (s *Service) markPrices(ctx context.Context, positions []types.Order) (map[string]decimal.Decimal, []string) {
	var symbols []string
	seen := make(map[string]bool)
	for i := range positions {
		if !seen[positions[i].Symbol] {
			seen[positions[i].Symbol] = true
			symbols = append(symbols, positions[i].Symbol)
		}
	}

	type result struct {
		price decimal.Decimal
		ok    bool
	}
	results := make([]result, len(symbols))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.concurrency)
	for i, symbol := range symbols {
		i, symbol := i, symbol
		g.Go(func() error {
			price, err := s.quotes.GetCurrentPrice(gctx, symbol)
			if err != nil || !price.IsPositive() {
				s.logger.Debug().Err(err).Str("symbol", symbol).Msg("No mark price")
				return nil
			}
			results[i] = result{price: price, ok: true}
			return nil
		})
	}
	_ = g.Wait()

	prices := make(map[string]decimal.Decimal, len(symbols))
	var stale []string
	for i, symbol := range symbols {
		if results[i].ok {
			prices[symbol] = results[i].price
		} else {
			stale = append(stale, symbol)
		}
	}
	sort.Strings(stale)
	return prices, stale
}

// OpenPositions returns the user's filled, unclosed buys oldest first
func (s *Service) OpenPositions(ctx context.Context, userID string) ([]types.Order, error) {
	positions, err := s.store.Reader(ctx).OpenPositions(userID, "")
	if err != nil {
		return nil, types.AsPersistence("failed to load open positions", err)
	}
	return positions, nil
}

// Holdings groups open positions by symbol with the average buy price and
// cost basis of each.
func (s *Service) Holdings(ctx context.Context, userID string) ([]types.Holding, error) {
	positions, err := s.OpenPositions(ctx, userID)
	if err != nil {
		return nil, err
	}
	return groupHoldings(positions), nil
}

func groupHoldings(positions []types.Order) []types.Holding {
	bySymbol := make(map[string]*types.Holding)
	for i := range positions {
		position := &positions[i]
		h, ok := bySymbol[position.Symbol]
		if !ok {
			h = &types.Holding{
				Symbol:    position.Symbol,
				AssetType: position.AssetType,
				Quantity:  decimal.Zero,
				CostBasis: decimal.Zero,
			}
			bySymbol[position.Symbol] = h
		}
		h.Quantity = h.Quantity.Add(position.Quantity)
		h.CostBasis = h.CostBasis.Add(pnl.Notional(position.EntryPrice(), position.Quantity))
		h.Positions++
	}

	holdings := make([]types.Holding, 0, len(bySymbol))
	for _, h := range bySymbol {
		if h.Quantity.IsPositive() {
			h.AverageBuyPrice = h.CostBasis.Div(h.Quantity)
		}
		holdings = append(holdings, *h)
	}
	sort.Slice(holdings, func(i, j int) bool {
		return holdings[i].Symbol < holdings[j].Symbol
	})
	return holdings
}
