package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const sweepBatchSize = 500

// Trigger reports whether a pending order should fill at quote and the price
// it fills at. Limit orders fill at their limit, stop orders at the quote.
func Trigger(order *types.Order, quote decimal.Decimal) (decimal.Decimal, bool) {
	if order.Status != types.OrderStatusPending || !order.RequestedPrice.Valid {
		return decimal.Zero, false
	}
	target := order.RequestedPrice.Decimal

	switch order.OrderKind {
	case types.OrderKindLimit:
		if order.Side == types.OrderSideBuy && quote.LessThanOrEqual(target) {
			return target, true
		}
		if order.Side == types.OrderSideSell && quote.GreaterThanOrEqual(target) {
			return target, true
		}
	case types.OrderKindStop:
		if order.Side == types.OrderSideBuy && quote.GreaterThanOrEqual(target) {
			return quote, true
		}
		if order.Side == types.OrderSideSell && quote.LessThanOrEqual(target) {
			return quote, true
		}
	}
	return decimal.Zero, false
}

// PendingOrderSweep fills pending limit and stop orders whose trigger has
// been reached.
type PendingOrderSweep struct {
	service *Service
	logger  zerolog.Logger
}

func NewPendingOrderSweep(service *Service) *PendingOrderSweep {
	return &PendingOrderSweep{
		service: service,
		logger:  log.With().Str("component", "order_processor").Logger(),
	}
}

func (p *PendingOrderSweep) Name() string { return "pending-order-sweep" }

func (p *PendingOrderSweep) Run(ctx context.Context) error {
	orders, err := p.service.store.Reader(ctx).PendingOrders(sweepBatchSize)
	if err != nil {
		return fmt.Errorf("failed to load pending orders: %w", err)
	}
	if len(orders) == 0 {
		return nil
	}

	p.logger.Debug().Int("pending_count", len(orders)).Msg("Processing pending orders")

	// One quote per symbol per sweep
	prices := make(map[string]decimal.Decimal)
	failed := make(map[string]bool)
	filled, rejected := 0, 0

	for i := range orders {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		order := &orders[i]

		if failed[order.Symbol] {
			continue
		}
		quote, ok := prices[order.Symbol]
		if !ok {
			quote, err = p.service.quote(ctx, order.Symbol)
			if err != nil {
				failed[order.Symbol] = true
				p.logger.Warn().Err(err).Str("symbol", order.Symbol).Msg("Skipping symbol, no quote")
				continue
			}
			prices[order.Symbol] = quote
		}

		fillPrice, triggered := Trigger(order, quote)
		if !triggered {
			continue
		}

		result, err := p.service.FillOrder(ctx, order.OrderID, fillPrice)
		if err != nil {
			// Cancelled between listing and filling
			if errors.Is(err, types.ErrOrderNotClosable) {
				continue
			}
			p.logger.Error().
				Err(err).
				Str("order_id", order.OrderID).
				Str("user_id", order.UserID).
				Msg("Failed to fill triggered order")
			continue
		}
		if result.Status == types.OrderStatusRejected {
			rejected++
		} else {
			filled++
		}
	}

	if filled > 0 || rejected > 0 {
		p.logger.Info().
			Int("filled", filled).
			Int("rejected", rejected).
			Msg("Pending order sweep completed")
	}
	return nil
}

// IdempotencyPurge deletes expired idempotency records
type IdempotencyPurge struct {
	store *ledger.Store
	now   func() time.Time
}

func NewIdempotencyPurge(store *ledger.Store) *IdempotencyPurge {
	return &IdempotencyPurge{store: store, now: time.Now}
}

func (p *IdempotencyPurge) Name() string { return "idempotency-purge" }

func (p *IdempotencyPurge) Run(ctx context.Context) error {
	purged, err := p.store.Reader(ctx).PurgeIdempotencyRecords(p.now().UTC())
	if err != nil {
		return fmt.Errorf("failed to purge idempotency records: %w", err)
	}
	if purged > 0 {
		log.Info().Int64("purged", purged).Msg("Expired idempotency records removed")
	}
	return nil
}
