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
	"engagement-ledger/pkg/gen"
	"engagement-ledger/pkg/hashistack/secretmanager"
	"engagement-ledger/pkg/health"
	"engagement-ledger/pkg/httpapi"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/otelcol"
	"engagement-ledger/pkg/profiling"
	"engagement-ledger/pkg/redis"
	"engagement-ledger/pkg/sequence"
	"engagement-ledger/pkg/server"
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
		sequence.Module,
		gen.Module,
		authz.Module,
		source.Module,
		health.Module,
		httpapi.Module,

		identity.Module,
		tier.Module,
		tier.Seed,
		ledger.Module,
		submission.Module,
		accrual.Module,
		batch.Module,
		maintenance.Module,

		identity.Routes,
		tier.Routes,
		ledger.Routes,
		submission.Routes,
		batch.Routes,
		maintenance.Routes,

		server.ProvideHTTPServer,
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
