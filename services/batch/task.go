package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/featureflags"
	"engagement-ledger/pkg/task"
	"engagement-ledger/pkg/taskname"

	"github.com/hibiken/asynq"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RunPayload struct {
	JobID string `json:"job_id"`
}

// NewRunTask builds the task that executes a pending job. A run is never
// retried by the queue: a failed run leaves a failed job behind.
func NewRunTask(jobID string) (*asynq.Task, error) {
	payload, err := json.Marshal(RunPayload{JobID: jobID})
	if err != nil {
		return nil, err
	}
	return asynq.NewTask(taskname.BatchRun, payload,
		asynq.Queue(taskname.QueueDefault),
		asynq.MaxRetry(0),
		asynq.Timeout(2*time.Hour),
	), nil
}

// Worker binds the batch service to the task queue.
type Worker struct {
	svc      *Service
	enqueuer task.Enqueuer
	flags    featureflags.FeatureFlag
	schedule string
}

type WorkerParams struct {
	fx.In
	Service  *Service
	Config   *config.Config
	Enqueuer task.Enqueuer            `optional:"true"`
	Flags    featureflags.FeatureFlag `optional:"true"`
}

func NewWorker(p WorkerParams) *Worker {
	schedule := "@every 1h"
	if p.Config != nil && p.Config.Batch.Schedule != "" {
		schedule = p.Config.Batch.Schedule
	}
	flags := p.Flags
	if flags == nil {
		flags = featureflags.Static(nil)
	}
	return &Worker{svc: p.Service, enqueuer: p.Enqueuer, flags: flags, schedule: schedule}
}

// Dispatch hands a created job to the queue. If the queue refuses it the job
// runs in the background of the calling process so it does not stay pending.
func (w *Worker) Dispatch(ctx context.Context, job *Job) {
	err := w.enqueue(job)
	if err == nil {
		return
	}
	zap.L().Warn("batch job enqueue failed, running in process", zap.String("job_id", job.ID), zap.Error(err))
	go func() {
		if _, err := w.svc.Run(context.WithoutCancel(ctx), job.ID); err != nil {
			zap.L().Error("in-process batch run failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}()
}

func (w *Worker) enqueue(job *Job) error {
	if w.enqueuer == nil {
		return errors.New("no task queue configured")
	}
	t, err := NewRunTask(job.ID)
	if err != nil {
		return err
	}
	info, err := w.enqueuer.Enqueue(t, asynq.TaskID(job.ID))
	if err != nil {
		return err
	}
	zap.L().Info("batch job enqueued",
		zap.String("job_id", job.ID),
		zap.String("task_id", info.ID),
		zap.String("queue", info.Queue),
	)
	return nil
}

func (w *Worker) HandleRun(ctx context.Context, t *asynq.Task) error {
	var p RunPayload
	if err := json.Unmarshal(t.Payload(), &p); err != nil {
		return fmt.Errorf("decode %s payload: %v: %w", t.Type(), err, asynq.SkipRetry)
	}

	if _, err := w.svc.Run(ctx, p.JobID); err != nil {
		return fmt.Errorf("run batch job %s: %v: %w", p.JobID, err, asynq.SkipRetry)
	}
	return nil
}

// HandleSchedule creates and runs a job on the worker that picked it up.
// A job that is already running is not an error for the scheduler, and the
// scheduled_batch flag can pause scheduled runs.
func (w *Worker) HandleSchedule(ctx context.Context, _ *asynq.Task) error {
	if !w.flags.Enabled(ctx, featureflags.ScheduledBatch, true) {
		zap.L().Info("scheduled batch disabled by feature flag")
		return nil
	}
	job, err := w.svc.CreateJob(ctx, authz.System, TriggerSchedule)
	if errors.Is(err, errutil.ErrJobAlreadyRunning) {
		zap.L().Info("scheduled batch skipped, a job is already running")
		return nil
	}
	if err != nil {
		return err
	}
	_, err = w.svc.Run(ctx, job.ID)
	if err != nil {
		return fmt.Errorf("run scheduled batch job %s: %v: %w", job.ID, err, asynq.SkipRetry)
	}
	return nil
}

func (w *Worker) HandleReap(ctx context.Context, _ *asynq.Task) error {
	_, err := w.svc.ReapStale(ctx)
	return err
}

func (w *Worker) HandlePrune(ctx context.Context, _ *asynq.Task) error {
	_, err := w.svc.PruneLocks(ctx)
	return err
}

func (w *Worker) PeriodicTasks() []task.Periodic {
	return []task.Periodic{
		{
			Spec: w.schedule,
			Task: asynq.NewTask(taskname.BatchSchedule, nil),
			Opts: []asynq.Option{asynq.Queue(taskname.QueueDefault), asynq.MaxRetry(0), asynq.Unique(time.Minute)},
		},
		{
			Spec: "@every 5m",
			Task: asynq.NewTask(taskname.BatchReap, nil),
			Opts: []asynq.Option{asynq.Queue(taskname.QueueCritical)},
		},
		{
			Spec: "@daily",
			Task: asynq.NewTask(taskname.LocksPrune, nil),
			Opts: []asynq.Option{asynq.Queue(taskname.QueueLow)},
		},
	}
}

func registerHandlers(mux *asynq.ServeMux, w *Worker) {
	mux.HandleFunc(taskname.BatchRun, w.HandleRun)
	mux.HandleFunc(taskname.BatchSchedule, w.HandleSchedule)
	mux.HandleFunc(taskname.BatchReap, w.HandleReap)
	mux.HandleFunc(taskname.LocksPrune, w.HandlePrune)
}

func asPeriodicSource(w *Worker) task.PeriodicSource { return w }
