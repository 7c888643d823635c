package maintenance

import (
	"engagement-ledger/services/accrual"
	"engagement-ledger/services/batch"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/submission"
	"engagement-ledger/services/tier"

	"go.uber.org/zap"
	"gorm.io/gorm"
)

// Models lists every table the application owns.
func Models() []any {
	return []any{
		&identity.Connection{},
		&identity.HandleIndex{},
		&tier.Rule{},
		&ledger.Balance{},
		&ledger.Transaction{},
		&submission.Submission{},
		&accrual.Record{},
		&batch.Job{},
		&batch.JobLock{},
		&Run{},
	}
}

// Migrate brings the schema up to date. It only adds tables, columns and
// indexes.
func Migrate(db *gorm.DB) error {
	if err := db.AutoMigrate(Models()...); err != nil {
		zap.L().Error("[maintenance] schema migration failed", zap.Error(err))
		return err
	}
	zap.L().Info("[maintenance] schema up to date", zap.Int("tables", len(Models())))
	return nil
}
