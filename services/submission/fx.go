package submission

import "go.uber.org/fx"

var Module = fx.Module("submission",
	fx.Provide(NewService),
)

var Routes = fx.Module("submission.routes",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
