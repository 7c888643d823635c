package ledger

import "go.uber.org/fx"

var Module = fx.Module("ledger",
	fx.Provide(NewService),
)

var Routes = fx.Module("ledger.routes",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
