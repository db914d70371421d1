package trading

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/ksred/papertrade-api/internal/database"
	"github.com/ksred/papertrade-api/internal/events"
	"github.com/ksred/papertrade-api/internal/ledger"
	"github.com/ksred/papertrade-api/internal/quotes"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"
)

type stubQuotes struct {
	mu     sync.Mutex
	prices map[string]decimal.Decimal
	down   map[string]bool
	calls  int
}

func newStubQuotes() *stubQuotes {
	return &stubQuotes{prices: map[string]decimal.Decimal{}, down: map[string]bool{}}
}

func (q *stubQuotes) set(symbol, price string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.prices[symbol] = decimal.RequireFromString(price)
	delete(q.down, symbol)
}

func (q *stubQuotes) fail(symbol string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.down[symbol] = true
}

func (q *stubQuotes) GetCurrentPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.calls++
	if q.down[symbol] {
		return decimal.Zero, errors.New("upstream timeout")
	}
	price, ok := q.prices[symbol]
	if !ok {
		return decimal.Zero, quotes.ErrUnknownSymbol
	}
	return price, nil
}

type fixture struct {
	db      *gorm.DB
	store   *ledger.Store
	ledger  *ledger.Service
	service *Service
	quotes  *stubQuotes
	bus     *events.Bus
}

func newFixture(t *testing.T, startingBalance string) *fixture {
	t.Helper()
	db, err := database.NewTestDatabase()
	require.NoError(t, err)

	store := ledger.NewStore(db, ledger.WalletPolicy{
		StartingBalance: decimal.RequireFromString(startingBalance),
		Currency:        "USD",
	})
	q := newStubQuotes()
	bus := events.NewBus()
	return &fixture{
		db:      db,
		store:   store,
		ledger:  ledger.NewService(store),
		service: NewService(store, q, bus),
		quotes:  q,
		bus:     bus,
	}
}

func (f *fixture) balance(t *testing.T, userID string) decimal.Decimal {
	t.Helper()
	wallet, err := f.ledger.Wallet(context.Background(), userID)
	require.NoError(t, err)
	return wallet.Balance
}

func (f *fixture) assertReconciles(t *testing.T, userID string) {
	t.Helper()
	report, err := f.ledger.Reconcile(context.Background(), userID)
	require.NoError(t, err)
	assert.True(t, report.Balanced, "expected %s, balance %s", report.ExpectedBalance, report.Balance)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func marketBuy(symbol, qty string) PlaceOrderRequest {
	return PlaceOrderRequest{
		Symbol:    symbol,
		AssetType: types.AssetTypeEquity,
		OrderKind: types.OrderKindMarket,
		Side:      types.OrderSideBuy,
		Quantity:  d(qty),
	}
}

func marketSell(symbol, qty string) PlaceOrderRequest {
	req := marketBuy(symbol, qty)
	req.Side = types.OrderSideSell
	return req
}

func limitOrder(side types.OrderSide, symbol, qty, price string) PlaceOrderRequest {
	return PlaceOrderRequest{
		Symbol:    symbol,
		AssetType: types.AssetTypeEquity,
		OrderKind: types.OrderKindLimit,
		Side:      side,
		Quantity:  d(qty),
		Price:     decimal.NewNullDecimal(d(price)),
	}
}

func TestScenario_BuyThenClose(t *testing.T) {
	f := newFixture(t, "1000.00")
	ctx := context.Background()
	f.quotes.set("X", "20.00")

	order, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "5"), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, order.Status)
	assert.True(t, order.ExecutionPrice.Decimal.Equal(d("20")))
	assert.True(t, order.FilledQuantity.Equal(d("5")))
	assert.NotNil(t, order.ExecutedAt)
	assert.True(t, f.balance(t, "user-1").Equal(d("900")))

	transactions, err := f.ledger.Transactions(ctx, "user-1", 0)
	require.NoError(t, err)
	require.Len(t, transactions, 1)
	assert.Equal(t, types.TransactionTypeTradeDebit, transactions[0].Type)
	assert.True(t, transactions[0].Amount.Equal(d("100")))
	assert.Equal(t, order.OrderID, transactions[0].OrderID)

	f.quotes.set("X", "25.00")
	closed, err := f.service.CloseOrder(ctx, "user-1", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, closed.Status)
	assert.True(t, closed.ClosePrice.Decimal.Equal(d("25")))
	assert.True(t, closed.RealizedPnL.Decimal.Equal(d("25")))
	assert.True(t, closed.RealizedPnLPercent.Decimal.Equal(d("25")))
	assert.NotNil(t, closed.ClosedAt)
	assert.True(t, f.balance(t, "user-1").Equal(d("1025")))

	f.assertReconciles(t, "user-1")
}

func TestScenario_InsufficientBalance(t *testing.T) {
	f := newFixture(t, "50.00")
	ctx := context.Background()
	f.quotes.set("X", "20.00")

	_, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "10"), "")
	assert.ErrorIs(t, err, types.ErrInsufficientBalance)

	assert.True(t, f.balance(t, "user-1").Equal(d("50")))
	orders, err := f.service.ListOrders(ctx, "user-1", ledger.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)
}

func TestPlaceOrder_QuoteUnavailableCreatesNothing(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.fail("X")

	_, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "1"), "")
	assert.ErrorIs(t, err, types.ErrQuoteUnavailable)

	_, err = f.service.PlaceOrder(ctx, "user-1", marketBuy("UNKNOWN", "1"), "")
	assert.ErrorIs(t, err, types.ErrQuoteUnavailable)

	orders, err := f.service.ListOrders(ctx, "user-1", ledger.OrderFilter{})
	require.NoError(t, err)
	assert.Empty(t, orders)

	wallet, err := f.store.Reader(ctx).GetWallet("user-1")
	require.NoError(t, err)
	assert.Nil(t, wallet)
}

func TestPlaceOrder_Validation(t *testing.T) {
	f := newFixture(t, "1000")
	f.quotes.set("X", "10")

	withPrice := marketBuy("X", "1")
	withPrice.Price = decimal.NewNullDecimal(d("10"))
	noPrice := limitOrder(types.OrderSideBuy, "X", "1", "10")
	noPrice.Price = decimal.NullDecimal{}
	negativePrice := limitOrder(types.OrderSideBuy, "X", "1", "-1")
	badAsset := marketBuy("X", "1")
	badAsset.AssetType = "bond"
	badKind := marketBuy("X", "1")
	badKind.OrderKind = "iceberg"
	badSide := marketBuy("X", "1")
	badSide.Side = "short"

	tests := []struct {
		name string
		req  PlaceOrderRequest
	}{
		{"zero quantity", marketBuy("X", "0")},
		{"negative quantity", marketBuy("X", "-2")},
		{"missing symbol", marketBuy("  ", "1")},
		{"market with price", withPrice},
		{"limit without price", noPrice},
		{"negative limit price", negativePrice},
		{"bad asset type", badAsset},
		{"bad order kind", badKind},
		{"bad side", badSide},
		{"quantity beyond ledger scale", marketBuy("X", "0.123456789")},
		{"limit price beyond ledger scale", limitOrder(types.OrderSideBuy, "X", "1", "10.000000001")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.service.PlaceOrder(context.Background(), "user-1", tt.req, "")
			assert.ErrorIs(t, err, types.ErrInvalidOrderRequest)
		})
	}
	assert.Equal(t, 0, f.quotes.calls)
}

func TestPlaceOrder_NoDoubleSpend(t *testing.T) {
	f := newFixture(t, "1000")
	f.quotes.set("X", "20")

	// Each buy costs 600: more than half the balance, less than all of it
	const attempts = 8
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded, insufficient := 0, 0
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.PlaceOrder(context.Background(), "user-1", marketBuy("X", "30"), "")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, types.ErrInsufficientBalance):
				insufficient++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	assert.Equal(t, attempts-1, insufficient)
	assert.True(t, f.balance(t, "user-1").Equal(d("400")))
	f.assertReconciles(t, "user-1")
}

func TestBalanceConservation_ConcurrentBuysAndCloses(t *testing.T) {
	f := newFixture(t, "10000")
	ctx := context.Background()
	f.quotes.set("X", "10")

	var opened []string
	for i := 0; i < 5; i++ {
		order, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "10"), "")
		require.NoError(t, err)
		opened = append(opened, order.OrderID)
	}
	f.quotes.set("X", "12")

	var wg sync.WaitGroup
	for _, id := range opened {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			_, err := f.service.CloseOrder(ctx, "user-1", id)
			assert.NoError(t, err)
		}(id)
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "5"), "")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	// 10000 - 5*100 + 5*120 - 5*60
	assert.True(t, f.balance(t, "user-1").Equal(d("9800")), f.balance(t, "user-1").String())
	f.assertReconciles(t, "user-1")
}

func TestCloseOrder_Idempotent(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("X", "100")

	order, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "2"), "")
	require.NoError(t, err)
	f.quotes.set("X", "110")

	first, err := f.service.CloseOrder(ctx, "user-1", order.OrderID)
	require.NoError(t, err)

	f.quotes.set("X", "500")
	second, err := f.service.CloseOrder(ctx, "user-1", order.OrderID)
	require.NoError(t, err)

	assert.True(t, second.ClosePrice.Decimal.Equal(first.ClosePrice.Decimal))
	assert.True(t, second.RealizedPnL.Decimal.Equal(d("20")))
	assert.True(t, second.RealizedPnLPercent.Decimal.Equal(d("10")))
	assert.True(t, f.balance(t, "user-1").Equal(d("1020")))
	f.assertReconciles(t, "user-1")
}

func TestCloseOrder_ConcurrentClosesCreditOnce(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("X", "100")

	order, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "2"), "")
	require.NoError(t, err)
	f.quotes.set("X", "90")

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			closed, err := f.service.CloseOrder(ctx, "user-1", order.OrderID)
			if assert.NoError(t, err) {
				assert.True(t, closed.RealizedPnL.Decimal.Equal(d("-20")))
				assert.True(t, closed.RealizedPnLPercent.Decimal.Equal(d("-10")))
			}
		}()
	}
	wg.Wait()

	assert.True(t, f.balance(t, "user-1").Equal(d("980")))
	transactions, err := f.ledger.Transactions(ctx, "user-1", 0)
	require.NoError(t, err)
	assert.Len(t, transactions, 2)
	f.assertReconciles(t, "user-1")
}

func TestCloseOrder_Errors(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("X", "10")

	filled, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "1"), "")
	require.NoError(t, err)
	pending, err := f.service.PlaceOrder(ctx, "user-1", limitOrder(types.OrderSideBuy, "X", "1", "5"), "")
	require.NoError(t, err)

	_, err = f.service.CloseOrder(ctx, "user-2", filled.OrderID)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	_, err = f.service.CloseOrder(ctx, "user-1", "does-not-exist")
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	_, err = f.service.CloseOrder(ctx, "user-1", pending.OrderID)
	assert.ErrorIs(t, err, types.ErrOrderNotClosable)

	f.quotes.fail("X")
	_, err = f.service.CloseOrder(ctx, "user-1", filled.OrderID)
	assert.ErrorIs(t, err, types.ErrQuoteUnavailable)

	still, err := f.service.GetOrder(ctx, "user-1", filled.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, still.Status)
	assert.True(t, f.balance(t, "user-1").Equal(d("990")))
}

func TestSellToClose_FIFOWithSplit(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	f.quotes.set("X", "10")
	first, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "3"), "")
	require.NoError(t, err)
	f.quotes.set("X", "12")
	second, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "2"), "")
	require.NoError(t, err)
	assert.True(t, f.balance(t, "user-1").Equal(d("46")))

	f.quotes.set("X", "15")
	_, err = f.service.PlaceOrder(ctx, "user-1", marketSell("X", "6"), "")
	assert.ErrorIs(t, err, types.ErrInvalidOrderRequest)

	sell, err := f.service.PlaceOrder(ctx, "user-1", marketSell("X", "4"), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, sell.Status)
	assert.True(t, sell.ExecutionPrice.Decimal.Equal(d("15")))

	// 46 + 4 * 15
	assert.True(t, f.balance(t, "user-1").Equal(d("106")))

	lot1, err := f.service.GetOrder(ctx, "user-1", first.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, lot1.Status)
	assert.True(t, lot1.RealizedPnL.Decimal.Equal(d("15")))

	lot2, err := f.service.GetOrder(ctx, "user-1", second.OrderID)
	require.NoError(t, err)
	assert.True(t, lot2.IsOpenPosition())
	assert.True(t, lot2.Quantity.Equal(d("1")))

	closedPart, err := f.service.ListOrders(ctx, "user-1", ledger.OrderFilter{Status: types.OrderStatusClosed})
	require.NoError(t, err)
	require.Len(t, closedPart, 2)
	var child *types.Order
	for i := range closedPart {
		if closedPart[i].ParentOrderID == second.OrderID {
			child = &closedPart[i]
		}
	}
	require.NotNil(t, child)
	assert.True(t, child.Quantity.Equal(d("1")))
	assert.True(t, child.RealizedPnL.Decimal.Equal(d("3")))
	assert.True(t, child.EntryPrice().Equal(d("12")))

	f.assertReconciles(t, "user-1")
}

func TestPendingOrders_FillCancelReject(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	limit, err := f.service.PlaceOrder(ctx, "user-1", limitOrder(types.OrderSideBuy, "X", "2", "20"), "")
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, limit.Status)
	assert.True(t, f.balance(t, "user-1").Equal(d("100")))

	filled, err := f.service.FillOrder(ctx, limit.OrderID, d("20"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusFilled, filled.Status)
	assert.True(t, f.balance(t, "user-1").Equal(d("60")))

	_, err = f.service.FillOrder(ctx, limit.OrderID, d("20"))
	assert.ErrorIs(t, err, types.ErrOrderNotClosable)

	big, err := f.service.PlaceOrder(ctx, "user-1", limitOrder(types.OrderSideBuy, "X", "10", "20"), "")
	require.NoError(t, err)
	rejected, err := f.service.FillOrder(ctx, big.OrderID, d("20"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, rejected.Status)
	assert.NotEmpty(t, rejected.RejectReason)
	assert.True(t, f.balance(t, "user-1").Equal(d("60")))

	naked, err := f.service.PlaceOrder(ctx, "user-1", limitOrder(types.OrderSideSell, "Y", "1", "5"), "")
	require.NoError(t, err)
	rejected, err = f.service.FillOrder(ctx, naked.OrderID, d("5"))
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusRejected, rejected.Status)

	toCancel, err := f.service.PlaceOrder(ctx, "user-1", limitOrder(types.OrderSideBuy, "X", "1", "1"), "")
	require.NoError(t, err)
	_, err = f.service.CancelOrder(ctx, "user-2", toCancel.OrderID)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
	cancelled, err := f.service.CancelOrder(ctx, "user-1", toCancel.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusCancelled, cancelled.Status)
	_, err = f.service.CancelOrder(ctx, "user-1", toCancel.OrderID)
	assert.ErrorIs(t, err, types.ErrOrderNotClosable)
	_, err = f.service.CancelOrder(ctx, "user-1", filled.OrderID)
	assert.ErrorIs(t, err, types.ErrOrderNotClosable)

	_, err = f.service.FillOrder(ctx, "missing", d("1"))
	assert.ErrorIs(t, err, types.ErrOrderNotFound)
	_, err = f.service.FillOrder(ctx, toCancel.OrderID, d("0"))
	assert.ErrorIs(t, err, types.ErrInvalidOrderRequest)

	f.assertReconciles(t, "user-1")
}

func TestPlaceOrder_IdempotencyKey(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("X", "10")

	first, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "5"), "key-1")
	require.NoError(t, err)

	f.quotes.set("X", "11")
	again, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "5"), "key-1")
	require.NoError(t, err)
	assert.Equal(t, first.OrderID, again.OrderID)
	assert.True(t, again.ExecutionPrice.Decimal.Equal(d("10")))
	assert.True(t, f.balance(t, "user-1").Equal(d("950")))

	// Keys are scoped per user
	other, err := f.service.PlaceOrder(ctx, "user-2", marketBuy("X", "1"), "key-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.OrderID, other.OrderID)
}

func TestPlaceOrder_ConcurrentSameIdempotencyKey(t *testing.T) {
	f := newFixture(t, "1000")
	f.quotes.set("X", "10")

	var wg sync.WaitGroup
	ids := make(chan string, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			order, err := f.service.PlaceOrder(context.Background(), "user-1", marketBuy("X", "1"), "same")
			if assert.NoError(t, err) {
				ids <- order.OrderID
			}
		}()
	}
	wg.Wait()
	close(ids)

	seen := map[string]bool{}
	for id := range ids {
		seen[id] = true
	}
	assert.Len(t, seen, 1)
	assert.True(t, f.balance(t, "user-1").Equal(d("990")))
}

func TestPlaceOrder_PublishesOrderEvent(t *testing.T) {
	f := newFixture(t, "1000")
	f.quotes.set("X", "10")
	sub := f.bus.Subscribe()

	order, err := f.service.PlaceOrder(context.Background(), "user-1", marketBuy("x", "1"), "")
	require.NoError(t, err)
	assert.Equal(t, "X", order.Symbol)

	evt := <-sub
	assert.Equal(t, events.TypeOrder, evt.Type)
	assert.Equal(t, "user-1", evt.UserID)
	published, ok := evt.Data.(*types.Order)
	require.True(t, ok)
	assert.Equal(t, order.OrderID, published.OrderID)
}

func TestGetOrder_Ownership(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("X", "10")

	order, err := f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "1"), "")
	require.NoError(t, err)

	got, err := f.service.GetOrder(ctx, "user-1", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, order.OrderID, got.OrderID)

	_, err = f.service.GetOrder(ctx, "user-2", order.OrderID)
	assert.ErrorIs(t, err, types.ErrOrderNotFound)

	for i := 0; i < 3; i++ {
		_, err := f.service.PlaceOrder(ctx, "user-1", marketBuy(fmt.Sprintf("X%d", i), "1"), "")
		assert.ErrorIs(t, err, types.ErrQuoteUnavailable)
	}
	orders, err := f.service.ListOrders(ctx, "user-1", ledger.OrderFilter{Symbol: "X", Limit: 10})
	require.NoError(t, err)
	assert.Len(t, orders, 1)
}

func cryptoBuy(symbol, qty string) PlaceOrderRequest {
	req := marketBuy(symbol, qty)
	req.AssetType = types.AssetTypeCrypto
	return req
}

func TestScenario_FractionalCryptoRoundTripReconciles(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("BTC/USD", "20.12345678")

	order, err := f.service.PlaceOrder(ctx, "user-1", cryptoBuy("BTC/USD", "0.12345678"), "")
	require.NoError(t, err)
	// 20.12345678 * 0.12345678 = 2.4843771765... debited at eight places
	assert.True(t, f.balance(t, "user-1").Equal(d("997.51562282")), f.balance(t, "user-1").String())
	f.assertReconciles(t, "user-1")

	f.quotes.set("BTC/USD", "21.87654321")
	closed, err := f.service.CloseOrder(ctx, "user-1", order.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusClosed, closed.Status)

	assert.True(t, f.balance(t, "user-1").Equal(d("1000.2164304")), f.balance(t, "user-1").String())
	f.assertReconciles(t, "user-1")

	stored, err := f.service.GetOrder(ctx, "user-1", order.OrderID)
	require.NoError(t, err)
	assert.True(t, stored.Quantity.Equal(d("0.12345678")))
	assert.True(t, stored.ExecutionPrice.Decimal.Equal(d("20.12345678")))
}

func TestSellToClose_FractionalSplitReconciles(t *testing.T) {
	f := newFixture(t, "1000")
	ctx := context.Background()
	f.quotes.set("ETH/USD", "1234.56789012")

	lot, err := f.service.PlaceOrder(ctx, "user-1", cryptoBuy("ETH/USD", "0.3"), "")
	require.NoError(t, err)

	f.quotes.set("ETH/USD", "1300.00000001")
	sell := marketSell("ETH/USD", "0.12345678")
	sell.AssetType = types.AssetTypeCrypto
	_, err = f.service.PlaceOrder(ctx, "user-1", sell, "")
	require.NoError(t, err)

	remaining, err := f.service.GetOrder(ctx, "user-1", lot.OrderID)
	require.NoError(t, err)
	assert.True(t, remaining.IsOpenPosition())
	assert.True(t, remaining.Quantity.Equal(d("0.17654322")))
	f.assertReconciles(t, "user-1")
}

func TestPlaceOrder_QuoteRoundedToLedgerScale(t *testing.T) {
	f := newFixture(t, "1000")
	f.quotes.set("X", "10.123456789")

	order, err := f.service.PlaceOrder(context.Background(), "user-1", marketBuy("X", "3"), "")
	require.NoError(t, err)
	assert.True(t, order.ExecutionPrice.Decimal.Equal(d("10.12345679")))
	assert.True(t, f.balance(t, "user-1").Equal(d("969.62962963")))
	f.assertReconciles(t, "user-1")
}

func TestFillOrder_RejectsPriceBeyondLedgerScale(t *testing.T) {
	f := newFixture(t, "100")
	ctx := context.Background()

	limit, err := f.service.PlaceOrder(ctx, "user-1", limitOrder(types.OrderSideBuy, "X", "1", "20"), "")
	require.NoError(t, err)

	_, err = f.service.FillOrder(ctx, limit.OrderID, d("19.999999999"))
	assert.ErrorIs(t, err, types.ErrInvalidOrderRequest)

	still, err := f.service.GetOrder(ctx, "user-1", limit.OrderID)
	require.NoError(t, err)
	assert.Equal(t, types.OrderStatusPending, still.Status)
	assert.True(t, f.balance(t, "user-1").Equal(d("100")))
}

func TestPlaceOrder_WriteFailureAfterDebitRollsBack(t *testing.T) {
	for _, table := range []string{"orders", "transactions"} {
		t.Run(table, func(t *testing.T) {
			f := newFixture(t, "1000")
			ctx := context.Background()
			f.quotes.set("X", "20")

			_, err := f.ledger.Deposit(ctx, "user-1", d("100"))
			require.NoError(t, err)

			require.NoError(t, f.db.Callback().Create().Before("gorm:create").Register("fail_"+table, func(tx *gorm.DB) {
				if tx.Statement.Table == table {
					tx.AddError(errors.New("disk full"))
				}
			}))

			_, err = f.service.PlaceOrder(ctx, "user-1", marketBuy("X", "5"), "")
			assert.ErrorIs(t, err, types.ErrPersistenceFailure)

			assert.True(t, f.balance(t, "user-1").Equal(d("1100")))
			transactions, err := f.ledger.Transactions(ctx, "user-1", 0)
			require.NoError(t, err)
			require.Len(t, transactions, 1)
			assert.Equal(t, types.TransactionTypeDeposit, transactions[0].Type)

			orders, err := f.service.ListOrders(ctx, "user-1", ledger.OrderFilter{})
			require.NoError(t, err)
			assert.Empty(t, orders)
			f.assertReconciles(t, "user-1")
		})
	}
}
