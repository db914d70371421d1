package trading

import (
	"fmt"

	"github.com/ksred/papertrade-api/internal/pnl"
	"github.com/ksred/papertrade-api/internal/quotes"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/shopspring/decimal"
)

// PlaceOrderRequest is the input of PlaceOrder. Price is required for limit
// and stop orders and must be absent for market orders.
type PlaceOrderRequest struct {
	Symbol    string              `json:"symbol"`
	AssetType types.AssetType     `json:"asset_type"`
	OrderKind types.OrderKind     `json:"order_kind"`
	Side      types.OrderSide     `json:"side"`
	Quantity  decimal.Decimal     `json:"quantity"`
	Price     decimal.NullDecimal `json:"price"`
}

// FillRequest is the body of the internal fill endpoint
type FillRequest struct {
	Price decimal.Decimal `json:"price"`
}

// Validate normalizes the symbol and checks the request shape
func (r *PlaceOrderRequest) Validate() error {
	r.Symbol = quotes.NormalizeSymbol(r.Symbol)

	switch {
	case r.Symbol == "":
		return invalid("symbol is required")
	case !r.AssetType.Valid():
		return invalid(fmt.Sprintf("invalid asset_type %q", r.AssetType))
	case !r.OrderKind.Valid():
		return invalid(fmt.Sprintf("invalid order_kind %q", r.OrderKind))
	case !r.Side.Valid():
		return invalid(fmt.Sprintf("invalid side %q", r.Side))
	case !r.Quantity.IsPositive():
		return invalid("quantity must be greater than zero")
	case !pnl.WithinScale(r.Quantity):
		return invalid(fmt.Sprintf("quantity allows at most %d decimal places", pnl.MoneyPlaces))
	}

	if r.OrderKind == types.OrderKindMarket {
		if r.Price.Valid {
			return invalid("price must not be set for market orders")
		}
		return nil
	}

	if !r.Price.Valid {
		return invalid(fmt.Sprintf("price is required for %s orders", r.OrderKind))
	}
	if !r.Price.Decimal.IsPositive() {
		return invalid("price must be greater than zero")
	}
	if !pnl.WithinScale(r.Price.Decimal) {
		return invalid(fmt.Sprintf("price allows at most %d decimal places", pnl.MoneyPlaces))
	}
	return nil
}

func invalid(message string) error {
	return types.NewError(types.KindInvalidOrderRequest, message)
}
