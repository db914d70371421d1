package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/papertrade-api/internal/events"
	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/pnl"
	"github.com/ksred/papertrade-api/internal/quotes"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	idempotencyTTL      = 24 * time.Hour
	idempotencyResource = "order"
)

// Service handles order placement, fills, cancellation and closing
type Service struct {
	store     *ledger.Store
	quotes    quotes.Provider
	publisher events.Publisher
	now       func() time.Time
	logger    zerolog.Logger
}

// NewService creates a trading service. provider should already carry
// timeouts and retries (see quotes.Resilient).
func NewService(store *ledger.Store, provider quotes.Provider, publisher events.Publisher) *Service {
	if publisher == nil {
		publisher = events.Discard{}
	}
	return &Service{
		store:     store,
		quotes:    provider,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
		logger:    log.With().Str("service", "trading").Logger(),
	}
}

// WithClock replaces the service clock, used by tests
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = func() time.Time { return now().UTC() }
	return s
}

// PlaceOrder validates and places an order for userID. Market orders execute
// immediately at the current quote; limit and stop orders are stored pending.
// A non-empty idempotencyKey returns the order first placed under that key.
func (s *Service) PlaceOrder(ctx context.Context, userID string, req PlaceOrderRequest, idempotencyKey string) (*types.Order, error) {
	logger := s.logger.With().
		Str("user_id", userID).
		Str("symbol", req.Symbol).
		Str("side", string(req.Side)).
		Str("order_kind", string(req.OrderKind)).
		Logger()

	if err := req.Validate(); err != nil {
		return nil, err
	}

	if idempotencyKey != "" {
		existing, err := s.replay(s.store.Reader(ctx), userID, idempotencyKey)
		if err != nil {
			return nil, types.AsPersistence("failed to check idempotency key", err)
		}
		if existing != nil {
			logger.Info().
				Str("order_id", existing.OrderID).
				Str("idempotency_key", idempotencyKey).
				Msg("Returning order for repeated idempotency key")
			return existing, nil
		}
	}

	// The quote is fetched before the wallet unit so no lock is held across
	// the provider call.
	var price decimal.Decimal
	if req.OrderKind == types.OrderKindMarket {
		var err error
		price, err = s.quote(ctx, req.Symbol)
		if err != nil {
			return nil, err
		}
	}

	var order *types.Order
	var replayed bool
	err := s.store.Atomic(ctx, userID, func(tx *ledger.Tx) error {
		if idempotencyKey != "" {
			existing, err := s.replay(tx, userID, idempotencyKey)
			if err != nil {
				return err
			}
			if existing != nil {
				order, replayed = existing, true
				return nil
			}
		}

		order = &types.Order{
			OrderID:        uuid.New().String(),
			UserID:         userID,
			Symbol:         req.Symbol,
			AssetType:      req.AssetType,
			OrderKind:      req.OrderKind,
			Side:           req.Side,
			Quantity:       req.Quantity,
			FilledQuantity: decimal.Zero,
			RequestedPrice: req.Price,
			Status:         types.OrderStatusPending,
			CreatedAt:      s.now(),
		}

		if req.OrderKind == types.OrderKindMarket {
			if err := s.fill(tx, order, price); err != nil {
				return err
			}
		}

		if err := tx.InsertOrder(order); err != nil {
			return fmt.Errorf("failed to insert order: %w", err)
		}

		if idempotencyKey != "" {
			return tx.SaveIdempotencyRecord(&types.IdempotencyRecord{
				UserID:         userID,
				IdempotencyKey: idempotencyKey,
				ResourceID:     order.OrderID,
				ResourceType:   idempotencyResource,
				ExpiresAt:      s.now().Add(idempotencyTTL),
			})
		}
		return nil
	})
	if err != nil {
		if _, typed := types.KindOf(err); typed {
			logger.Info().Err(err).Msg("Order rejected")
		} else {
			logger.Error().Err(err).Msg("Failed to place order")
		}
		return nil, types.AsPersistence("failed to place order", err)
	}

	if !replayed {
		logger.Info().
			Str("order_id", order.OrderID).
			Str("status", string(order.Status)).
			Str("quantity", order.Quantity.String()).
			Str("execution_price", order.EntryPrice().String()).
			Msg("Order placed")
		s.publishOrder(order)
	}

	return order, nil
}

// FillOrder executes a pending order at price. When the wallet or the open
// position cannot cover it the order is marked rejected and returned
// without an error.
func (s *Service) FillOrder(ctx context.Context, orderID string, price decimal.Decimal) (*types.Order, error) {
	if !price.IsPositive() {
		return nil, invalid("fill price must be greater than zero")
	}
	if !pnl.WithinScale(price) {
		return nil, invalid(fmt.Sprintf("fill price allows at most %d decimal places", pnl.MoneyPlaces))
	}

	current, err := s.store.Reader(ctx).GetOrder(orderID)
	if err != nil {
		return nil, types.AsPersistence("failed to load order", err)
	}
	if current == nil {
		return nil, types.ErrOrderNotFound
	}

	logger := s.logger.With().
		Str("user_id", current.UserID).
		Str("order_id", orderID).
		Str("symbol", current.Symbol).
		Logger()

	var order *types.Order
	err = s.store.Atomic(ctx, current.UserID, func(tx *ledger.Tx) error {
		o, err := tx.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o == nil {
			return types.ErrOrderNotFound
		}
		if o.Status != types.OrderStatusPending {
			return types.NewError(types.KindOrderNotClosable, fmt.Sprintf("order is %s, not pending", o.Status))
		}

		if err := s.fill(tx, o, price); err != nil {
			if !isRejection(err) {
				return err
			}
			// Nothing has been written yet; record the rejection instead
			o.Status = types.OrderStatusRejected
			o.RejectReason = err.Error()
			order = o
			return tx.UpdateOrder(o.OrderID, types.OrderStatusPending, map[string]interface{}{
				"status":        types.OrderStatusRejected,
				"reject_reason": o.RejectReason,
			})
		}

		order = o
		return tx.UpdateOrder(o.OrderID, types.OrderStatusPending, map[string]interface{}{
			"status":          o.Status,
			"execution_price": o.ExecutionPrice,
			"filled_quantity": o.FilledQuantity,
			"executed_at":     o.ExecutedAt,
		})
	})
	if err != nil {
		if errors.Is(err, ledger.ErrStatusChanged) {
			return nil, types.NewError(types.KindOrderNotClosable, "order is no longer pending")
		}
		logger.Error().Err(err).Msg("Failed to fill order")
		return nil, types.AsPersistence("failed to fill order", err)
	}

	if order.Status == types.OrderStatusRejected {
		logger.Warn().Str("reason", order.RejectReason).Msg("Pending order rejected")
	} else {
		logger.Info().
			Str("execution_price", price.String()).
			Msg("Pending order filled")
	}
	s.publishOrder(order)

	return order, nil
}

// CancelOrder moves a pending order owned by userID to cancelled
func (s *Service) CancelOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	current, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if current.Status != types.OrderStatusPending {
		return nil, types.NewError(types.KindOrderNotClosable, fmt.Sprintf("order is %s and cannot be cancelled", current.Status))
	}

	err = s.store.Atomic(ctx, userID, func(tx *ledger.Tx) error {
		return tx.UpdateOrder(orderID, types.OrderStatusPending, map[string]interface{}{
			"status": types.OrderStatusCancelled,
		})
	})
	if errors.Is(err, ledger.ErrStatusChanged) {
		return nil, types.NewError(types.KindOrderNotClosable, "order is no longer pending")
	}
	if err != nil {
		return nil, types.AsPersistence("failed to cancel order", err)
	}

	current.Status = types.OrderStatusCancelled
	current.UpdatedAt = s.now()

	s.logger.Info().
		Str("user_id", userID).
		Str("order_id", orderID).
		Msg("Order cancelled")
	s.publishOrder(current)

	return current, nil
}

// GetOrder returns an order owned by userID. Orders of other users are
// reported as not found.
func (s *Service) GetOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	order, err := s.store.Reader(ctx).GetOrder(orderID)
	if err != nil {
		return nil, types.AsPersistence("failed to load order", err)
	}
	if order == nil || order.UserID != userID {
		return nil, types.ErrOrderNotFound
	}
	return order, nil
}

func (s *Service) ListOrders(ctx context.Context, userID string, filter ledger.OrderFilter) ([]types.Order, error) {
	orders, err := s.store.Reader(ctx).GetOrdersByUser(userID, filter)
	if err != nil {
		return nil, types.AsPersistence("failed to list orders", err)
	}
	return orders, nil
}

// fill moves money and positions for order at price and marks the order
// filled in memory. Rejections are returned before anything is written.
func (s *Service) fill(tx *ledger.Tx, order *types.Order, price decimal.Decimal) error {
	if order.Side == types.OrderSideSell {
		if err := s.sellToClose(tx, order, price); err != nil {
			return err
		}
	} else {
		cost := pnl.Notional(price, order.Quantity)
		wallet, err := tx.AdjustBalance(order.UserID, cost.Neg(), ledger.AtLeast(cost))
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(&types.Transaction{
			WalletID: wallet.WalletID,
			OrderID:  order.OrderID,
			Type:     types.TransactionTypeTradeDebit,
			Amount:   cost,
			Method:   types.TransactionMethodTrade,
			Status:   types.TransactionStatusCompleted,
		}); err != nil {
			return fmt.Errorf("failed to record trade debit: %w", err)
		}
	}

	executedAt := s.now()
	order.Status = types.OrderStatusFilled
	order.ExecutionPrice = decimal.NewNullDecimal(price)
	order.FilledQuantity = order.Quantity
	order.ExecutedAt = &executedAt
	return nil
}

// sellToClose consumes the user's open buy lots for the symbol oldest
// first. A lot that is only partly consumed is split: the lot keeps the
// remaining quantity and a closed child order records the realized part.
func (s *Service) sellToClose(tx *ledger.Tx, order *types.Order, price decimal.Decimal) error {
	// The wallet row lock orders concurrent sells of the same user
	if _, err := tx.EnsureWallet(order.UserID); err != nil {
		return err
	}

	lots, err := tx.OpenPositions(order.UserID, order.Symbol)
	if err != nil {
		return fmt.Errorf("failed to load open positions: %w", err)
	}

	held := decimal.Zero
	for _, lot := range lots {
		held = held.Add(lot.Quantity)
	}
	if held.LessThan(order.Quantity) {
		return invalid(fmt.Sprintf("sell quantity %s exceeds open position %s in %s",
			order.Quantity.String(), held.String(), order.Symbol))
	}

	closedAt := s.now()
	remaining := order.Quantity
	for i := range lots {
		if !remaining.IsPositive() {
			break
		}
		lot := &lots[i]
		take := decimal.Min(lot.Quantity, remaining)
		realized, percent := pnl.Realized(lot.Side, lot.EntryPrice(), price, take)

		if take.Equal(lot.Quantity) {
			if err := tx.UpdateOrder(lot.OrderID, types.OrderStatusFilled, closeFields(price, realized, percent, closedAt)); err != nil {
				return fmt.Errorf("failed to close lot %s: %w", lot.OrderID, err)
			}
		} else {
			left := lot.Quantity.Sub(take)
			if err := tx.ReduceLot(lot.OrderID, lot.Quantity, left); err != nil {
				return fmt.Errorf("failed to reduce lot %s: %w", lot.OrderID, err)
			}
			child := &types.Order{
				OrderID:            uuid.New().String(),
				UserID:             lot.UserID,
				Symbol:             lot.Symbol,
				AssetType:          lot.AssetType,
				OrderKind:          lot.OrderKind,
				Side:               lot.Side,
				Quantity:           take,
				FilledQuantity:     take,
				RequestedPrice:     lot.RequestedPrice,
				ExecutionPrice:     lot.ExecutionPrice,
				Status:             types.OrderStatusClosed,
				ClosePrice:         decimal.NewNullDecimal(price),
				RealizedPnL:        decimal.NewNullDecimal(realized),
				RealizedPnLPercent: decimal.NewNullDecimal(percent),
				ParentOrderID:      lot.OrderID,
				CreatedAt:          lot.CreatedAt,
				ExecutedAt:         lot.ExecutedAt,
				ClosedAt:           &closedAt,
			}
			if err := tx.InsertOrder(child); err != nil {
				return fmt.Errorf("failed to record split of lot %s: %w", lot.OrderID, err)
			}
		}
		remaining = remaining.Sub(take)
	}

	proceeds := pnl.Notional(price, order.Quantity)
	wallet, err := tx.AdjustBalance(order.UserID, proceeds, nil)
	if err != nil {
		return err
	}
	if err := tx.InsertTransaction(&types.Transaction{
		WalletID: wallet.WalletID,
		OrderID:  order.OrderID,
		Type:     types.TransactionTypeTradeCredit,
		Amount:   proceeds,
		Method:   types.TransactionMethodTrade,
		Status:   types.TransactionStatusCompleted,
	}); err != nil {
		return fmt.Errorf("failed to record trade credit: %w", err)
	}
	return nil
}

func closeFields(price, realized, percent decimal.Decimal, closedAt time.Time) map[string]interface{} {
	return map[string]interface{}{
		"status":               types.OrderStatusClosed,
		"close_price":          decimal.NewNullDecimal(price),
		"realized_pnl":         decimal.NewNullDecimal(realized),
		"realized_pnl_percent": decimal.NewNullDecimal(percent),
		"closed_at":            closedAt,
	}
}

// replay returns the order stored under an unexpired idempotency key
func (s *Service) replay(tx *ledger.Tx, userID, key string) (*types.Order, error) {
	record, err := tx.GetIdempotencyRecord(userID, key)
	if err != nil || record == nil || !record.ExpiresAt.After(s.now()) {
		return nil, err
	}
	order, err := tx.GetOrder(record.ResourceID)
	if err != nil {
		return nil, err
	}
	if order == nil || order.UserID != userID {
		return nil, nil
	}
	return order, nil
}

// quote fetches a price and guarantees the failure kind
func (s *Service) quote(ctx context.Context, symbol string) (decimal.Decimal, error) {
	price, err := s.quotes.GetCurrentPrice(ctx, symbol)
	if err != nil {
		if kind, ok := types.KindOf(err); ok && kind == types.KindQuoteUnavailable {
			return decimal.Zero, err
		}
		return decimal.Zero, types.WrapError(types.KindQuoteUnavailable, fmt.Sprintf("quote unavailable for %s", symbol), err)
	}
	// Feeds deliver float-derived prices; executions happen at ledger scale
	price = price.Round(pnl.MoneyPlaces)
	if !price.IsPositive() {
		return decimal.Zero, types.NewError(types.KindQuoteUnavailable, fmt.Sprintf("invalid quote for %s", symbol))
	}
	return price, nil
}

func (s *Service) publishOrder(order *types.Order) {
	s.publisher.Publish(events.Event{
		Type:   events.TypeOrder,
		UserID: order.UserID,
		Data:   order,
	})
}

func isRejection(err error) bool {
	kind, ok := types.KindOf(err)
	return ok && (kind == types.KindInsufficientBalance || kind == types.KindInvalidOrderRequest)
}
