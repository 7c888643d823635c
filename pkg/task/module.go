package task

import (
	"context"
	"os"

	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

func redisOpt(cfg *config.Config) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}
}

var Client = fx.Module("asynq:client",
	fx.Provide(registerClient, NewEnqueuer),
)

func registerClient(lc fx.Lifecycle, cfg *config.Config) *asynq.Client {
	client := asynq.NewClient(redisOpt(cfg))

	if err := client.Ping(); err != nil {
		zap.L().Error("[Asynq] Failed to connect to Asynq", zap.Error(err))
		os.Exit(1)
	}

	zap.L().Info("[Asynq] Connected to Asynq")

	lc.Append(fx.Hook{
		OnStop: func(ctx context.Context) error {
			return client.Close()
		},
	})

	return client
}

var Server = fx.Module("asynq:server",
	fx.Provide(registerServerMux),
	fx.Invoke(registerAsynqServer),
)

func registerServerMux() *asynq.ServeMux {
	return asynq.NewServeMux()
}

func registerAsynqServer(lc fx.Lifecycle, cfg *config.Config, mux *asynq.ServeMux) {
	server := asynq.NewServer(
		redisOpt(cfg),
		asynq.Config{
			Concurrency:    10,
			RetryDelayFunc: asynq.DefaultRetryDelayFunc,
			Queues: map[string]int{
				taskname.QueueCritical: 10,
				taskname.QueueDefault:  5,
				taskname.QueueLow:      3,
			},
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				zap.L().Error("asynq task permanently failed", zap.String("task_type", task.Type()), zap.Error(err))
			}),
		},
	)

	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := server.Start(mux); err != nil {
				zap.L().Error("[Asynq] Failed to start Asynq server", zap.Error(err))
				return err
			}
			zap.L().Info("[Asynq] Asynq server started", zap.String("addr", cfg.Redis.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			server.Shutdown()
			return nil
		},
	})
}

// Periodic describes a task the worker's scheduler enqueues on a cron spec.
type Periodic struct {
	Spec string
	Task *asynq.Task
	Opts []asynq.Option
}

// PeriodicSource is implemented by services that own recurring work.
type PeriodicSource interface {
	PeriodicTasks() []Periodic
}

type schedulerParams struct {
	fx.In
	Lifecycle fx.Lifecycle
	Config    *config.Config
	Sources   []PeriodicSource `group:"periodic"`
}

var Scheduler = fx.Module("asynq:scheduler",
	fx.Invoke(registerScheduler),
)

func registerScheduler(p schedulerParams) error {
	scheduler := asynq.NewScheduler(redisOpt(p.Config), &asynq.SchedulerOpts{
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				zap.L().Error("[Scheduler] failed to enqueue periodic task", zap.Error(err))
				return
			}
			zap.L().Debug("[Scheduler] periodic task enqueued", zap.String("task_type", info.Type), zap.String("task_id", info.ID))
		},
	})

	for _, src := range p.Sources {
		for _, pt := range src.PeriodicTasks() {
			entryID, err := scheduler.Register(pt.Spec, pt.Task, pt.Opts...)
			if err != nil {
				return err
			}
			zap.L().Info("[Scheduler] registered periodic task",
				zap.String("task_type", pt.Task.Type()),
				zap.String("spec", pt.Spec),
				zap.String("entry_id", entryID),
			)
		}
	}

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			return scheduler.Start()
		},
		OnStop: func(ctx context.Context) error {
			scheduler.Shutdown()
			return nil
		},
	})

	return nil
}
