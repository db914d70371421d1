package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PortfolioSummary is the aggregate view returned by the portfolio service
type PortfolioSummary struct {
	UserID              string          `json:"user_id"`
	Currency            string          `json:"currency"`
	TotalBalance        decimal.Decimal `json:"total_balance"`
	CashBalance         decimal.Decimal `json:"cash_balance"`
	MarketValue         decimal.Decimal `json:"market_value"`
	TotalPnL            decimal.Decimal `json:"total_pnl"`
	TotalPnLPercent     decimal.Decimal `json:"total_pnl_percent"`
	TodaysPnL           decimal.Decimal `json:"todays_pnl"`
	TodaysPnLPercent    decimal.Decimal `json:"todays_pnl_percent"`
	RealizedPnL         decimal.Decimal `json:"realized_pnl"`
	UnrealizedPnL       decimal.Decimal `json:"unrealized_pnl"`
	OpenPositions       int             `json:"open_positions"`
	ProfitablePositions int             `json:"profitable_positions"`
	StaleSymbols        []string        `json:"stale_symbols,omitempty"`
	Timestamp           time.Time       `json:"timestamp"`
}

// Holding is the per-symbol view derived from open positions
type Holding struct {
	Symbol          string          `json:"symbol"`
	AssetType       AssetType       `json:"asset_type"`
	Quantity        decimal.Decimal `json:"quantity"`
	AverageBuyPrice decimal.Decimal `json:"average_buy_price"`
	CostBasis       decimal.Decimal `json:"cost_basis"`
	Positions       int             `json:"positions"`
}

// ReconciliationReport compares a wallet balance with its transaction history
type ReconciliationReport struct {
	WalletID        string          `json:"wallet_id"`
	UserID          string          `json:"user_id"`
	InitialBalance  decimal.Decimal `json:"initial_balance"`
	Credits         decimal.Decimal `json:"credits"`
	Debits          decimal.Decimal `json:"debits"`
	ExpectedBalance decimal.Decimal `json:"expected_balance"`
	Balance         decimal.Decimal `json:"balance"`
	Transactions    int             `json:"transactions"`
	Balanced        bool            `json:"balanced"`
}
