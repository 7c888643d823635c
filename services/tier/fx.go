package tier

import (
	"context"

	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("tier",
	fx.Provide(NewService),
)

// Seed stores missing default rules when the API starts.
var Seed = fx.Module("tier.seed",
	fx.Invoke(seedOnStart),
)

var Routes = fx.Module("tier.routes",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

func seedOnStart(lc fx.Lifecycle, svc *Service) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if _, err := svc.Seed(ctx); err != nil {
				zap.L().Error("failed to seed tier rules", zap.Error(err))
				return err
			}
			return nil
		},
	})
}
