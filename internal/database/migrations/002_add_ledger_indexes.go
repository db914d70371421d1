package migrations

import "gorm.io/gorm"

// AddLedgerIndexes creates the composite indexes used by position and ledger queries
func AddLedgerIndexes(db *gorm.DB) error {
	// Using raw SQL for index creation to have more control over column order
	indexes := []string{
		// FIFO lookup of open lots for a user and symbol
		`CREATE INDEX IF NOT EXISTS idx_orders_user_symbol_status
		 ON orders(user_id, symbol, status, executed_at)`,

		// Pending order sweep
		`CREATE INDEX IF NOT EXISTS idx_orders_status_created_at
		 ON orders(status, created_at)`,

		// Order history listing
		`CREATE INDEX IF NOT EXISTS idx_orders_user_created_at
		 ON orders(user_id, created_at)`,

		// Wallet statement and reconciliation
		`CREATE INDEX IF NOT EXISTS idx_transactions_wallet_created_at
		 ON transactions(wallet_id, created_at)`,
	}

	for _, idx := range indexes {
		if err := db.Exec(idx).Error; err != nil {
			return err
		}
	}

	return nil
}
