package ledger

import (
	"context"
	"fmt"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/ksred/papertrade-api/internal/auth"
	"github.com/ksred/papertrade-api/internal/pnl"
	"github.com/ksred/papertrade-api/internal/types"
	"github.com/ksred/papertrade-api/pkg/response"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Service exposes wallet operations that sit outside order execution
type Service struct {
	store  *Store
	logger zerolog.Logger
}

func NewService(store *Store) *Service {
	return &Service{
		store:  store,
		logger: log.With().Str("service", "ledger").Logger(),
	}
}

func (s *Service) Store() *Store {
	return s.store
}

// Wallet returns the user's wallet. A user without one gets the policy view,
// which is not persisted.
func (s *Service) Wallet(ctx context.Context, userID string) (*types.Wallet, error) {
	wallet, err := s.store.Reader(ctx).GetWallet(userID)
	if err != nil {
		return nil, types.AsPersistence("failed to load wallet", err)
	}
	if wallet == nil {
		policy := s.store.Policy()
		return &types.Wallet{
			UserID:         userID,
			Balance:        policy.StartingBalance,
			InitialBalance: policy.StartingBalance,
			Currency:       policy.Currency,
		}, nil
	}
	return wallet, nil
}

func (s *Service) Transactions(ctx context.Context, userID string, limit int) ([]types.Transaction, error) {
	reader := s.store.Reader(ctx)
	wallet, err := reader.GetWallet(userID)
	if err != nil {
		return nil, types.AsPersistence("failed to load wallet", err)
	}
	if wallet == nil {
		return []types.Transaction{}, nil
	}
	transactions, err := reader.Transactions(wallet.WalletID, limit)
	if err != nil {
		return nil, types.AsPersistence("failed to load transactions", err)
	}
	return transactions, nil
}

// Deposit credits amount to the wallet with a manual deposit entry
func (s *Service) Deposit(ctx context.Context, userID string, amount decimal.Decimal) (*types.Transaction, error) {
	return s.manualEntry(ctx, userID, amount, types.TransactionTypeDeposit)
}

// Withdraw debits amount from the wallet. The balance must cover it.
func (s *Service) Withdraw(ctx context.Context, userID string, amount decimal.Decimal) (*types.Transaction, error) {
	return s.manualEntry(ctx, userID, amount, types.TransactionTypeWithdrawal)
}

func (s *Service) manualEntry(ctx context.Context, userID string, amount decimal.Decimal, kind types.TransactionType) (*types.Transaction, error) {
	if !amount.IsPositive() {
		return nil, types.NewError(types.KindInvalidOrderRequest, "amount must be greater than zero")
	}
	if !pnl.WithinScale(amount) {
		return nil, types.NewError(types.KindInvalidOrderRequest,
			fmt.Sprintf("amount allows at most %d decimal places", pnl.MoneyPlaces))
	}

	delta := amount
	var pre Precondition
	if !kind.IsCredit() {
		delta = amount.Neg()
		pre = AtLeast(amount)
	}

	var transaction *types.Transaction
	err := s.store.Atomic(ctx, userID, func(tx *Tx) error {
		wallet, err := tx.AdjustBalance(userID, delta, pre)
		if err != nil {
			return err
		}
		transaction = &types.Transaction{
			WalletID: wallet.WalletID,
			Type:     kind,
			Amount:   amount,
			Method:   types.TransactionMethodManual,
			Status:   types.TransactionStatusCompleted,
		}
		return tx.InsertTransaction(transaction)
	})
	if err != nil {
		return nil, types.AsPersistence("failed to record "+string(kind), err)
	}

	s.logger.Info().
		Str("user_id", userID).
		Str("type", string(kind)).
		Str("amount", amount.String()).
		Msg("Manual wallet entry recorded")

	return transaction, nil
}

// Reconcile checks InitialBalance + credits - debits against the stored
// balance over completed transactions.
func (s *Service) Reconcile(ctx context.Context, userID string) (*types.ReconciliationReport, error) {
	reader := s.store.Reader(ctx)
	wallet, err := reader.GetWallet(userID)
	if err != nil {
		return nil, types.AsPersistence("failed to load wallet", err)
	}
	if wallet == nil {
		return nil, gorm.ErrRecordNotFound
	}

	transactions, err := reader.Transactions(wallet.WalletID, 0)
	if err != nil {
		return nil, types.AsPersistence("failed to load transactions", err)
	}

	report := &types.ReconciliationReport{
		WalletID:       wallet.WalletID,
		UserID:         wallet.UserID,
		InitialBalance: wallet.InitialBalance,
		Credits:        decimal.Zero,
		Debits:         decimal.Zero,
		Balance:        wallet.Balance,
	}
	for _, t := range transactions {
		if t.Status != types.TransactionStatusCompleted {
			continue
		}
		report.Transactions++
		if t.Type.IsCredit() {
			report.Credits = report.Credits.Add(t.Amount)
		} else {
			report.Debits = report.Debits.Add(t.Amount)
		}
	}
	report.ExpectedBalance = report.InitialBalance.Add(report.Credits).Sub(report.Debits)
	report.Balanced = report.ExpectedBalance.Equal(report.Balance)

	if !report.Balanced {
		s.logger.Error().
			Str("user_id", userID).
			Str("wallet_id", wallet.WalletID).
			Str("expected", report.ExpectedBalance.String()).
			Str("balance", report.Balance.String()).
			Msg("Wallet does not reconcile")
	}

	return report, nil
}

// GinHandlers contains HTTP handlers for wallet endpoints
type GinHandlers struct {
	service *Service
}

func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{service: service}
}

type amountRequest struct {
	Amount decimal.Decimal `json:"amount"`
}

func (h *GinHandlers) GetWalletHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		wallet, err := h.service.Wallet(c.Request.Context(), auth.GetUserID(c))
		response.Handle(c, wallet, err)
	}
}

// GetTransactionsHandler returns the wallet statement, newest first.
// Query parameter: limit (default 100)
func (h *GinHandlers) GetTransactionsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "100"))
		if err != nil || limit < 0 {
			response.BadRequest(c, "limit must be a non-negative integer")
			return
		}

		transactions, err := h.service.Transactions(c.Request.Context(), auth.GetUserID(c), limit)
		response.Handle(c, transactions, err)
	}
}

func (h *GinHandlers) DepositHandler() gin.HandlerFunc {
	return h.amountHandler(h.service.Deposit)
}

func (h *GinHandlers) WithdrawHandler() gin.HandlerFunc {
	return h.amountHandler(h.service.Withdraw)
}

func (h *GinHandlers) amountHandler(apply func(context.Context, string, decimal.Decimal) (*types.Transaction, error)) gin.HandlerFunc {
	return func(c *gin.Context) {
		var req amountRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, "Invalid request body")
			return
		}

		transaction, err := apply(c.Request.Context(), auth.GetUserID(c), req.Amount)
		if err != nil {
			response.Handle(c, nil, err)
			return
		}
		response.Created(c, transaction)
	}
}

// ReconcileHandler handles internal reconciliation requests
// URL parameter: user_id
func (h *GinHandlers) ReconcileHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		report, err := h.service.Reconcile(c.Request.Context(), c.Param("user_id"))
		response.Handle(c, report, err)
	}
}
