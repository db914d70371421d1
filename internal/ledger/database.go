package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	// ErrWalletConflict is returned when the wallet row changed between read
	// and write. Atomic retries the whole unit when it sees it.
	ErrWalletConflict = errors.New("wallet version conflict")

	// ErrStatusChanged is returned by UpdateOrder when the order is no longer
	// in the expected status.
	ErrStatusChanged = errors.New("order status changed")
)

const maxConflictRetries = 3

// WalletPolicy decides the opening state of lazily created wallets
type WalletPolicy struct {
	StartingBalance decimal.Decimal
	Currency        string
}

// Precondition is checked against the locked wallet before a balance change
type Precondition func(wallet *types.Wallet) error

// AtLeast requires the wallet to hold at least amount
func AtLeast(amount decimal.Decimal) Precondition {
	return func(wallet *types.Wallet) error {
		if wallet.Balance.LessThan(amount) {
			return types.NewError(types.KindInsufficientBalance,
				fmt.Sprintf("insufficient balance: required %s, available %s",
					amount.StringFixed(2), wallet.Balance.StringFixed(2)))
		}
		return nil
	}
}

// OrderFilter narrows GetOrdersByUser
type OrderFilter struct {
	Status types.OrderStatus
	Symbol string
	Limit  int
	Offset int
}

// Store is the gorm-backed ledger. All balance changes go through Atomic.
type Store struct {
	db     *gorm.DB
	locks  *walletLocks
	policy WalletPolicy
	now    func() time.Time
}

func NewStore(db *gorm.DB, policy WalletPolicy) *Store {
	if policy.Currency == "" {
		policy.Currency = "USD"
	}
	return &Store{
		db:     db,
		locks:  newWalletLocks(),
		policy: policy,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// WithClock replaces the store clock, used by tests
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = func() time.Time { return now().UTC() }
	return s
}

func (s *Store) Policy() WalletPolicy {
	return s.policy
}

// Atomic runs fn as one unit for the user's wallet: callers for the same
// wallet are serialized in-process and fn runs inside a single database
// transaction. fn must only touch the database through tx.
func (s *Store) Atomic(ctx context.Context, userID string, fn func(tx *Tx) error) error {
	unlock := s.locks.Lock(userID)
	defer unlock()

	for attempt := 1; ; attempt++ {
		err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
			return fn(s.tx(db))
		})
		if errors.Is(err, ErrWalletConflict) && attempt < maxConflictRetries {
			log.Warn().
				Str("user_id", userID).
				Int("attempt", attempt).
				Msg("Wallet version conflict, retrying unit")
			continue
		}
		return err
	}
}

// Reader returns a non-transactional view for read-only queries
func (s *Store) Reader(ctx context.Context) *Tx {
	return s.tx(s.db.WithContext(ctx))
}

func (s *Store) tx(db *gorm.DB) *Tx {
	return &Tx{db: db, policy: s.policy, now: s.now}
}

// Tx exposes the ledger operations bound to one database session
type Tx struct {
	db     *gorm.DB
	policy WalletPolicy
	now    func() time.Time
}

// forUpdate adds a row lock where the dialect supports one. sqlite already
// serializes writers.
func (t *Tx) forUpdate() *gorm.DB {
	if t.db.Dialector.Name() == "postgres" {
		return t.db.Clauses(clause.Locking{Strength: "UPDATE"})
	}
	return t.db
}

func (t *Tx) GetWallet(userID string) (*types.Wallet, error) {
	var wallet types.Wallet
	if err := t.forUpdate().Where("user_id = ?", userID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

func (t *Tx) GetWalletByID(walletID string) (*types.Wallet, error) {
	var wallet types.Wallet
	if err := t.db.Where("wallet_id = ?", walletID).First(&wallet).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &wallet, nil
}

func (t *Tx) CreateWallet(userID string, initialBalance decimal.Decimal, currency string) (*types.Wallet, error) {
	if initialBalance.IsNegative() {
		return nil, types.NewError(types.KindInvalidOrderRequest, "initial balance must not be negative")
	}
	now := t.now()
	wallet := &types.Wallet{
		WalletID:       uuid.New().String(),
		UserID:         userID,
		Balance:        initialBalance,
		InitialBalance: initialBalance,
		Currency:       currency,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if err := t.db.Create(wallet).Error; err != nil {
		return nil, err
	}

	log.Info().
		Str("user_id", userID).
		Str("wallet_id", wallet.WalletID).
		Str("initial_balance", initialBalance.String()).
		Msg("Wallet created")

	return wallet, nil
}

// EnsureWallet returns the user's wallet, creating it from the policy when absent
func (t *Tx) EnsureWallet(userID string) (*types.Wallet, error) {
	wallet, err := t.GetWallet(userID)
	if err != nil || wallet != nil {
		return wallet, err
	}
	return t.CreateWallet(userID, t.policy.StartingBalance, t.policy.Currency)
}

// AdjustBalance applies delta to the user's wallet after pre passes. The
// balance never goes negative; the write is conditional on the version read.
func (t *Tx) AdjustBalance(userID string, delta decimal.Decimal, pre Precondition) (*types.Wallet, error) {
	wallet, err := t.EnsureWallet(userID)
	if err != nil {
		return nil, err
	}

	if pre != nil {
		if err := pre(wallet); err != nil {
			return nil, err
		}
	}

	newBalance := wallet.Balance.Add(delta)
	if newBalance.IsNegative() {
		return nil, types.NewError(types.KindInsufficientBalance,
			fmt.Sprintf("insufficient balance: available %s", wallet.Balance.StringFixed(2)))
	}

	now := t.now()
	result := t.db.Model(&types.Wallet{}).
		Where("id = ? AND version = ?", wallet.ID, wallet.Version).
		Updates(map[string]interface{}{
			"balance":    newBalance,
			"version":    wallet.Version + 1,
			"updated_at": now,
		})
	if result.Error != nil {
		return nil, fmt.Errorf("failed to update wallet balance: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return nil, ErrWalletConflict
	}

	wallet.Balance = newBalance
	wallet.Version++
	wallet.UpdatedAt = now
	return wallet, nil
}

func (t *Tx) InsertTransaction(transaction *types.Transaction) error {
	if transaction.TransactionID == "" {
		transaction.TransactionID = uuid.New().String()
	}
	if transaction.Status == "" {
		transaction.Status = types.TransactionStatusCompleted
	}
	if transaction.CreatedAt.IsZero() {
		transaction.CreatedAt = t.now()
	}
	return t.db.Create(transaction).Error
}

// Transactions returns the wallet's entries newest first. limit <= 0 returns all.
func (t *Tx) Transactions(walletID string, limit int) ([]types.Transaction, error) {
	var transactions []types.Transaction
	query := t.db.Where("wallet_id = ?", walletID).Order("created_at DESC, id DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&transactions).Error; err != nil {
		return nil, err
	}
	return transactions, nil
}

func (t *Tx) InsertOrder(order *types.Order) error {
	if order.OrderID == "" {
		order.OrderID = uuid.New().String()
	}
	now := t.now()
	if order.CreatedAt.IsZero() {
		order.CreatedAt = now
	}
	order.UpdatedAt = now
	return t.db.Create(order).Error
}

func (t *Tx) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := t.forUpdate().Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// UpdateOrder writes fields only while the order is still in expected status
func (t *Tx) UpdateOrder(orderID string, expected types.OrderStatus, fields map[string]interface{}) error {
	fields["updated_at"] = t.now()
	result := t.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, expected).
		Updates(fields)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

// ReduceLot shrinks an open lot from held to remaining. It fails with
// ErrStatusChanged when the lot was closed or resized since it was read.
func (t *Tx) ReduceLot(orderID string, held, remaining decimal.Decimal) error {
	result := t.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND quantity = ?", orderID, types.OrderStatusFilled, held).
		Updates(map[string]interface{}{
			"quantity":        remaining,
			"filled_quantity": remaining,
			"updated_at":      t.now(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return ErrStatusChanged
	}
	return nil
}

func (t *Tx) GetOrdersByUser(userID string, filter OrderFilter) ([]types.Order, error) {
	var orders []types.Order
	query := t.db.Where("user_id = ?", userID)
	if filter.Status != "" {
		query = query.Where("status = ?", filter.Status)
	}
	if filter.Symbol != "" {
		query = query.Where("symbol = ?", filter.Symbol)
	}
	if filter.Limit > 0 {
		query = query.Limit(filter.Limit)
	}
	if filter.Offset > 0 {
		query = query.Offset(filter.Offset)
	}
	if err := query.Order("created_at DESC, id DESC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// OpenPositions returns filled, unclosed buys oldest first. An empty symbol
// matches every symbol.
func (t *Tx) OpenPositions(userID, symbol string) ([]types.Order, error) {
	var orders []types.Order
	query := t.db.Where("user_id = ? AND status = ? AND side = ? AND closed_at IS NULL",
		userID, types.OrderStatusFilled, types.OrderSideBuy)
	if symbol != "" {
		query = query.Where("symbol = ?", symbol)
	}
	if err := query.Order("executed_at ASC, id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

// ClosedOrders returns the user's closed orders, restricted to closes at or
// after since when since is non-zero.
func (t *Tx) ClosedOrders(userID string, since time.Time) ([]types.Order, error) {
	var orders []types.Order
	query := t.db.Where("user_id = ? AND status = ?", userID, types.OrderStatusClosed)
	if !since.IsZero() {
		query = query.Where("closed_at >= ?", since.UTC())
	}
	if err := query.Order("closed_at ASC, id ASC").Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (t *Tx) PendingOrders(limit int) ([]types.Order, error) {
	var orders []types.Order
	query := t.db.Where("status = ?", types.OrderStatusPending).Order("created_at ASC, id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&orders).Error; err != nil {
		return nil, err
	}
	return orders, nil
}

func (t *Tx) GetIdempotencyRecord(userID, key string) (*types.IdempotencyRecord, error) {
	var record types.IdempotencyRecord
	if err := t.db.Where("user_id = ? AND idempotency_key = ?", userID, key).First(&record).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &record, nil
}

// SaveIdempotencyRecord replaces any earlier record for the same user and key
func (t *Tx) SaveIdempotencyRecord(record *types.IdempotencyRecord) error {
	if err := t.db.Where("user_id = ? AND idempotency_key = ?", record.UserID, record.IdempotencyKey).
		Delete(&types.IdempotencyRecord{}).Error; err != nil {
		return err
	}
	if record.CreatedAt.IsZero() {
		record.CreatedAt = t.now()
	}
	return t.db.Create(record).Error
}

// PurgeIdempotencyRecords deletes records that expired before cutoff
func (t *Tx) PurgeIdempotencyRecords(cutoff time.Time) (int64, error) {
	result := t.db.Where("expires_at < ?", cutoff).Delete(&types.IdempotencyRecord{})
	return result.RowsAffected, result.Error
}
