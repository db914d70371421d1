package migrations

import (
	"github.com/ksred/papertrade-api/internal/types"
	"gorm.io/gorm"
)

// CreateCoreTables creates the wallet, order, transaction and idempotency tables
func CreateCoreTables(db *gorm.DB) error {
	return db.AutoMigrate(
		&types.Wallet{},
		&types.Order{},
		&types.Transaction{},
		&types.IdempotencyRecord{},
	)
}
