package batch

import "go.uber.org/fx"

var Module = fx.Module("batch",
	fx.Provide(NewService, NewWorker),
)

var Routes = fx.Module("batch.routes",
	fx.Provide(NewHandler),
	fx.Invoke(registerRoutes),
)

// Tasks registers the queue handlers and the recurring schedule. Only the
// worker process installs it.
var Tasks = fx.Module("batch.tasks",
	fx.Provide(
		fx.Annotate(asPeriodicSource, fx.ResultTags(`group:"periodic"`)),
	),
	fx.Invoke(registerHandlers),
)
