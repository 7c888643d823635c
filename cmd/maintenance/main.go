package main

import (
	"log"
	_ "time/tzdata"

	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/db"
	"engagement-ledger/pkg/gen"
	"engagement-ledger/pkg/hashistack/secretmanager"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/redis"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/maintenance"
	"engagement-ledger/services/tier"
)

// maintenance migrates the schema, applies pending maintenance versions and
// exits. Run it before rolling out the server and worker.
func main() {
	opts := []fx.Option{
		secretmanager.Module,
		config.Module,
		logger.Module,
		db.Module,
		redis.Module,
		gen.Module,
		authz.Module,

		identity.Module,
		tier.Module,
		ledger.Module,
		maintenance.Module,
		maintenance.Runner,

		fx.WithLogger(func() fxevent.Logger { return fxevent.NopLogger }),
	}

	if err := fx.ValidateApp(opts...); err != nil {
		log.Fatalf("fx validation failed: %v", err)
	}

	fx.New(opts...).Run()
}
