package maintenance

import (
	"context"

	"engagement-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var Module = fx.Module("maintenance",
	fx.Provide(NewService),
)

var Routes = fx.Module("maintenance.routes",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

// Runner applies pending versions once and shuts the app down.
var Runner = fx.Module("maintenance.runner",
	fx.Invoke(applyAndExit),
)

func applyAndExit(lc fx.Lifecycle, sd fx.Shutdowner, db *gorm.DB, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := Migrate(db.WithContext(ctx)); err != nil {
				return err
			}
			go func() {
				applied, err := svc.Apply(context.Background())
				if err != nil {
					zap.L().Error("[maintenance] apply failed", zap.Error(err))
					_ = sd.Shutdown(fx.ExitCode(1))
					return
				}
				zap.L().Info("[maintenance] done", zap.Int("applied", len(applied)))
				_ = sd.Shutdown()
			}()
			return nil
		},
	})
}

// Tasks lets an operator trigger Apply on a worker through the queue.
var Tasks = fx.Module("maintenance.tasks",
	fx.Invoke(registerHandlers),
)

func registerHandlers(mux *asynq.ServeMux, svc *Service) {
	mux.HandleFunc(taskname.MaintenanceApply, func(ctx context.Context, t *asynq.Task) error {
		applied, err := svc.Apply(ctx)
		if err != nil {
			return err
		}
		zap.L().Info("[maintenance] applied from queue", zap.Int("applied", len(applied)))
		return nil
	})
}
