package main

import (
	"log"
	_ "time/tzdata"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"
	"go.uber.org/zap"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/db"
	"engagement-ledger/pkg/featureflags"
	"engagement-ledger/pkg/gen"
	"engagement-ledger/pkg/hashistack/secretmanager"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/otelcol"
	"engagement-ledger/pkg/profiling"
	"engagement-ledger/pkg/redis"
	"engagement-ledger/pkg/sequence"
	"engagement-ledger/pkg/source"
	"engagement-ledger/pkg/task"
	"engagement-ledger/services/accrual"
	"engagement-ledger/services/batch"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/maintenance"
	"engagement-ledger/services/submission"
	"engagement-ledger/services/tier"
)

// The worker runs batch jobs from the queue and owns the recurring schedule.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		otelcol.Module,
		profiling.Module,
		db.Module,
		redis.Module,
		task.Client,
		task.Server,
		task.Scheduler,
		sequence.Module,
		gen.Module,
		authz.Module,
		source.Module,

		identity.Module,
		tier.Module,
		ledger.Module,
		submission.Module,
		accrual.Module,
		batch.Module,
		batch.Tasks,
		maintenance.Module,
		maintenance.Tasks,
		featureflags.Module,

		fxLogger,
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}

var fxLogger = fx.WithLogger(func(cfg *config.Config, logger *zap.Logger) fxevent.Logger {
	if cfg.AppEnv == "development" {
		return &fxevent.ZapLogger{Logger: logger}
	}
	return fxevent.NopLogger
})
