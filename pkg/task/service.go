package task

import (
	"github.com/hibiken/asynq"
	"go.uber.org/fx"
)

// Enqueuer is the subset of the asynq client the services depend on.
type Enqueuer interface {
	Enqueue(task *asynq.Task, opts ...asynq.Option) (*asynq.TaskInfo, error)
}

type enqueuerParams struct {
	fx.In
	Client *asynq.Client
}

func NewEnqueuer(p enqueuerParams) Enqueuer {
	return p.Client
}
