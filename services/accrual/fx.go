package accrual

import "go.uber.org/fx"

var Module = fx.Module("accrual",
	fx.Provide(NewService),
)
