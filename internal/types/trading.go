package types

import (
	"time"

	"github.com/shopspring/decimal"
)

type AssetType string

type OrderKind string

type OrderSide string

type OrderStatus string

type TransactionType string

type TransactionStatus string

const (
	AssetTypeEquity AssetType = "equity"
	AssetTypeCrypto AssetType = "crypto"
	AssetTypeForex  AssetType = "forex"
)

const (
	OrderKindMarket OrderKind = "market"
	OrderKindLimit  OrderKind = "limit"
	OrderKindStop   OrderKind = "stop"
)

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

const (
	OrderStatusPending   OrderStatus = "pending"
	OrderStatusFilled    OrderStatus = "filled"
	OrderStatusClosed    OrderStatus = "closed"
	OrderStatusCancelled OrderStatus = "cancelled"
	OrderStatusRejected  OrderStatus = "rejected"
)

const (
	TransactionTypeDeposit     TransactionType = "deposit"
	TransactionTypeWithdrawal  TransactionType = "withdrawal"
	TransactionTypeTradeDebit  TransactionType = "trade_debit"
	TransactionTypeTradeCredit TransactionType = "trade_credit"
)

const (
	TransactionStatusPending   TransactionStatus = "pending"
	TransactionStatusCompleted TransactionStatus = "completed"
	TransactionStatusFailed    TransactionStatus = "failed"
)

const (
	TransactionMethodTrade  = "trade"
	TransactionMethodManual = "manual"
)

func (a AssetType) Valid() bool {
	return a == AssetTypeEquity || a == AssetTypeCrypto || a == AssetTypeForex
}

func (k OrderKind) Valid() bool {
	return k == OrderKindMarket || k == OrderKindLimit || k == OrderKindStop
}

func (s OrderSide) Valid() bool {
	return s == OrderSideBuy || s == OrderSideSell
}

// IsCredit reports whether the transaction type increases the wallet balance.
func (t TransactionType) IsCredit() bool {
	return t == TransactionTypeDeposit || t == TransactionTypeTradeCredit
}

// Money and quantity columns hold the decimal text, so sqlite's numeric
// affinity never turns them into floats and every driver reads back the
// exact value written.

// Wallet is the single cash account of a user. Balance only changes through
// ledger.Tx.AdjustBalance; Version guards against lost updates.
type Wallet struct {
	ID             uint            `gorm:"primaryKey" json:"-"`
	WalletID       string          `gorm:"uniqueIndex" json:"wallet_id"`
	UserID         string          `gorm:"uniqueIndex" json:"user_id"`
	Balance        decimal.Decimal `gorm:"type:varchar(40);not null" json:"balance"`
	InitialBalance decimal.Decimal `gorm:"type:varchar(40);not null" json:"initial_balance"`
	Currency       string          `json:"currency"`
	Version        int64           `gorm:"not null;default:0" json:"-"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
}

type Order struct {
	ID                 uint                `gorm:"primaryKey" json:"-"`
	OrderID            string              `gorm:"uniqueIndex" json:"order_id"`
	UserID             string              `gorm:"index" json:"user_id"`
	Symbol             string              `gorm:"index" json:"symbol"`
	AssetType          AssetType           `json:"asset_type"`
	OrderKind          OrderKind           `json:"order_kind"`
	Side               OrderSide           `json:"side"`
	Quantity           decimal.Decimal     `gorm:"type:varchar(40);not null" json:"quantity"`
	RequestedPrice     decimal.NullDecimal `gorm:"type:varchar(40)" json:"requested_price"`
	ExecutionPrice     decimal.NullDecimal `gorm:"type:varchar(40)" json:"execution_price"`
	Status             OrderStatus         `gorm:"index" json:"status"`
	FilledQuantity     decimal.Decimal     `gorm:"type:varchar(40);not null" json:"filled_quantity"`
	ClosePrice         decimal.NullDecimal `gorm:"type:varchar(40)" json:"close_price"`
	RealizedPnL        decimal.NullDecimal `gorm:"column:realized_pnl;type:varchar(40)" json:"realized_pnl"`
	RealizedPnLPercent decimal.NullDecimal `gorm:"column:realized_pnl_percent;type:varchar(40)" json:"realized_pnl_percent"`
	ParentOrderID      string              `gorm:"index" json:"parent_order_id,omitempty"`
	RejectReason       string              `json:"reject_reason,omitempty"`
	CreatedAt          time.Time           `json:"created_at"`
	UpdatedAt          time.Time           `json:"updated_at"`
	ExecutedAt         *time.Time          `json:"executed_at"`
	ClosedAt           *time.Time          `json:"closed_at"`
}

// IsOpenPosition is the one definition of an open position: a filled buy
// that has not been closed.
func (o *Order) IsOpenPosition() bool {
	return o.Status == OrderStatusFilled && o.Side == OrderSideBuy && o.ClosedAt == nil
}

// EntryPrice is the fill price of the order, zero when unfilled.
func (o *Order) EntryPrice() decimal.Decimal {
	if !o.ExecutionPrice.Valid {
		return decimal.Zero
	}
	return o.ExecutionPrice.Decimal
}

type Transaction struct {
	ID            uint              `gorm:"primaryKey" json:"-"`
	TransactionID string            `gorm:"uniqueIndex" json:"transaction_id"`
	WalletID      string            `gorm:"index" json:"wallet_id"`
	OrderID       string            `gorm:"index" json:"order_id,omitempty"`
	Type          TransactionType   `json:"type"`
	Amount        decimal.Decimal   `gorm:"type:varchar(40);not null" json:"amount"`
	Method        string            `json:"method"`
	Status        TransactionStatus `json:"status"`
	CreatedAt     time.Time         `json:"created_at"`
}

type IdempotencyRecord struct {
	ID             uint      `gorm:"primaryKey" json:"-"`
	UserID         string    `gorm:"uniqueIndex:idx_idempotency_user_key" json:"user_id"`
	IdempotencyKey string    `gorm:"uniqueIndex:idx_idempotency_user_key" json:"idempotency_key"`
	ResourceID     string    `json:"resource_id"`
	ResourceType   string    `json:"resource_type"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`
	CreatedAt      time.Time `json:"created_at"`
}
