package identity

import "go.uber.org/fx"

var Module = fx.Module("identity",
	fx.Provide(NewService),
)

// Routes mounts the connection endpoints on the API group.
var Routes = fx.Module("identity.routes",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)
