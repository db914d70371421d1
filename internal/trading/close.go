package trading

import (
	"context"
	"errors"
	"fmt"

	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/pnl"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/shopspring/decimal"
)

// CloseOrder closes an open position owned by userID at the current quote,
// realizes its P&L and credits the proceeds. Closing an already closed order
// returns the stored result and moves no money.
func (s *Service) CloseOrder(ctx context.Context, userID, orderID string) (*types.Order, error) {
	logger := s.logger.With().
		Str("user_id", userID).
		Str("order_id", orderID).
		Logger()

	order, err := s.GetOrder(ctx, userID, orderID)
	if err != nil {
		return nil, err
	}
	if order.Status == types.OrderStatusClosed {
		return order, nil
	}
	if !order.IsOpenPosition() {
		return nil, types.NewError(types.KindOrderNotClosable, fmt.Sprintf("order is %s and not an open position", order.Status))
	}

	price, err := s.quote(ctx, order.Symbol)
	if err != nil {
		logger.Warn().Err(err).Str("symbol", order.Symbol).Msg("Close aborted, no quote")
		return nil, err
	}

	var closed *types.Order
	credited := false
	err = s.store.Atomic(ctx, userID, func(tx *ledger.Tx) error {
		o, err := tx.GetOrder(orderID)
		if err != nil {
			return err
		}
		if o == nil || o.UserID != userID {
			return types.ErrOrderNotFound
		}
		if o.Status == types.OrderStatusClosed {
			// A concurrent close won; hand back its result
			closed = o
			return nil
		}
		if !o.IsOpenPosition() {
			return types.NewError(types.KindOrderNotClosable, fmt.Sprintf("order is %s and not an open position", o.Status))
		}

		realized, percent := pnl.Realized(o.Side, o.EntryPrice(), price, o.Quantity)
		closedAt := s.now()
		if err := tx.UpdateOrder(o.OrderID, types.OrderStatusFilled, closeFields(price, realized, percent, closedAt)); err != nil {
			return err
		}

		proceeds := pnl.Notional(price, o.Quantity)
		wallet, err := tx.AdjustBalance(userID, proceeds, nil)
		if err != nil {
			return err
		}
		if err := tx.InsertTransaction(&types.Transaction{
			WalletID: wallet.WalletID,
			OrderID:  o.OrderID,
			Type:     types.TransactionTypeTradeCredit,
			Amount:   proceeds,
			Method:   types.TransactionMethodTrade,
			Status:   types.TransactionStatusCompleted,
		}); err != nil {
			return fmt.Errorf("failed to record trade credit: %w", err)
		}

		o.Status = types.OrderStatusClosed
		o.ClosePrice = decimal.NewNullDecimal(price)
		o.RealizedPnL = decimal.NewNullDecimal(realized)
		o.RealizedPnLPercent = decimal.NewNullDecimal(percent)
		o.ClosedAt = &closedAt
		o.UpdatedAt = closedAt
		closed = o
		credited = true
		return nil
	})
	if err != nil {
		if errors.Is(err, ledger.ErrStatusChanged) {
			return nil, types.NewError(types.KindOrderNotClosable, "order changed while closing")
		}
		if _, typed := types.KindOf(err); !typed {
			logger.Error().Err(err).Msg("Failed to close order")
		}
		return nil, types.AsPersistence("failed to close order", err)
	}

	if credited {
		logger.Info().
			Str("symbol", closed.Symbol).
			Str("close_price", price.String()).
			Str("realized_pnl", closed.RealizedPnL.Decimal.String()).
			Msg("Position closed")
		s.publishOrder(closed)
	}

	return closed, nil
}
