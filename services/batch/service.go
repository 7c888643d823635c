package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/db/option"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/repository"
	"engagement-ledger/pkg/sequence"
	"engagement-ledger/pkg/source"
	"engagement-ledger/services/accrual"
	"engagement-ledger/services/submission"
	"engagement-ledger/services/tier"

	"github.com/bwmarrin/snowflake"
	"github.com/cenkalti/backoff/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gorm.io/gorm"
)

var (
	tracer = otel.Tracer("engagement-ledger/services/batch")

	batchItems = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_batch_items_total",
		Help: "Batch items by result.",
	}, []string{"result"})
)

const (
	listLimitMax      = 50
	staleJobMessage   = "heartbeat expired"
	unstartedMessage  = "never started"
	refusedJobMessage = "another batch job was running"
)

// errJobNotRunning stops a run whose job row left the running state under it,
// usually because the reaper failed it.
var errJobNotRunning = errors.New("batch job is no longer running")

type Options struct {
	Retention     time.Duration
	MaxItems      int
	Concurrency   int
	MaxAttempts   int
	StaleAfter    time.Duration
	LockRetention time.Duration
	// InitialBackoff is the first retry delay of a source fetch.
	InitialBackoff time.Duration
}

func optionsFrom(cfg *config.Config) Options {
	o := Options{
		Retention:      24 * time.Hour,
		MaxItems:       60,
		Concurrency:    4,
		MaxAttempts:    3,
		StaleAfter:     30 * time.Minute,
		LockRetention:  90 * 24 * time.Hour,
		InitialBackoff: 500 * time.Millisecond,
	}
	if cfg == nil {
		return o
	}
	if cfg.Batch.Retention > 0 {
		o.Retention = cfg.Batch.Retention
	}
	if cfg.Batch.MaxItems > 0 {
		o.MaxItems = cfg.Batch.MaxItems
	}
	if cfg.Batch.Concurrency > 0 {
		o.Concurrency = cfg.Batch.Concurrency
	}
	if cfg.Batch.MaxAttempts > 0 {
		o.MaxAttempts = cfg.Batch.MaxAttempts
	}
	if cfg.Batch.StaleAfter > 0 {
		o.StaleAfter = cfg.Batch.StaleAfter
	}
	if cfg.Engagement.LockRetention > 0 {
		o.LockRetention = cfg.Engagement.LockRetention
	}
	return o
}

type Service struct {
	db          *gorm.DB
	node        *snowflake.Node
	source      source.Client
	accrual     *accrual.Service
	submissions *submission.Service
	policy      authz.Policy
	codes       sequence.Generator
	opts        Options
	now         func() time.Time

	jobs  repository.Repository[Job]
	locks repository.Repository[JobLock]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Node        *snowflake.Node
	Config      *config.Config
	Source      source.Client
	Accrual     *accrual.Service
	Submissions *submission.Service
	Policy      authz.Policy
	Sequence    sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		node:        p.Node,
		source:      p.Source,
		accrual:     p.Accrual,
		submissions: p.Submissions,
		policy:      p.Policy,
		codes:       p.Sequence,
		opts:        optionsFrom(p.Config),
		now:         time.Now,
		jobs:        repository.ProvideStore[Job](p.DB),
		locks:       repository.ProvideStore[JobLock](p.DB),
	}
}

// withJobLock runs fn in a transaction holding the batch lock row.
func (s *Service) withJobLock(ctx context.Context, fn func(tx *gorm.DB, jobs repository.Repository[Job]) error) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		locks := s.locks.WithTrx(tx)
		if _, err := locks.CreateIfAbsent(ctx, &JobLock{Name: batchLockName, UpdatedAt: s.now().UTC()}); err != nil {
			return err
		}
		if _, err := locks.FindOne(ctx, &JobLock{Name: batchLockName}, option.WithLockingUpdate()); err != nil {
			return err
		}
		if err := fn(tx, s.jobs.WithTrx(tx)); err != nil {
			return err
		}
		_, err := locks.Update(ctx, &JobLock{Name: batchLockName}, map[string]any{"updated_at": s.now().UTC()})
		return err
	})
}

func (s *Service) nextCode(ctx context.Context, now time.Time) string {
	if s.codes != nil {
		code, err := s.codes.NextJobCode(ctx)
		if err == nil {
			return code
		}
		logger.FromContext(ctx).Warn("job code sequence unavailable", zap.Error(err))
	}
	id := s.node.Generate().Base36()
	if len(id) > 5 {
		id = id[len(id)-5:]
	}
	return fmt.Sprintf("%s-%s-%s", sequence.PrefixBatchJob, now.Format("060102"), id)
}

// CreateJob records a pending job. Stale running jobs are reaped first, and a
// job that is still running makes the call fail with JobAlreadyRunning.
func (s *Service) CreateJob(ctx context.Context, p authz.Principal, trigger Trigger) (*Job, error) {
	ctx, span := tracer.Start(ctx, "batch.CreateJob")
	defer span.End()
	log := logger.FromContext(ctx)

	if err := s.policy.Authorize(p, authz.ActionRunBatch); err != nil {
		return nil, err
	}

	if _, err := s.ReapStale(ctx); err != nil {
		return nil, err
	}

	now := s.now().UTC()
	job := &Job{
		ID:        s.node.Generate().String(),
		Code:      s.nextCode(ctx, now),
		Status:    StatusPending,
		Trigger:   trigger,
		CreatedBy: p.Subject,
		CreatedAt: now,
	}

	err := s.withJobLock(ctx, func(tx *gorm.DB, jobs repository.Repository[Job]) error {
		running, err := jobs.Count(ctx, &Job{Status: StatusRunning})
		if err != nil {
			return err
		}
		if running > 0 {
			return errutil.ErrJobAlreadyRunning
		}
		return jobs.Create(ctx, job)
	})
	if err != nil {
		return nil, err
	}

	log.Info("batch job created",
		zap.String("job_id", job.ID),
		zap.String("code", job.Code),
		zap.String("trigger", string(job.Trigger)),
		zap.String("created_by", p.Subject),
	)
	return job, nil
}

// Run executes a pending job to completion. Storage errors fail the job;
// an item whose engagements cannot be fetched is skipped. A pending job that
// cannot start because another job is running is failed, so it never lingers.
func (s *Service) Run(ctx context.Context, jobID string) (*Job, error) {
	ctx, span := tracer.Start(ctx, "batch.Run")
	defer span.End()
	log := logger.FromContext(ctx).With(zap.String("job_id", jobID))

	var (
		job     *Job
		refused bool
	)
	err := s.withJobLock(ctx, func(tx *gorm.DB, jobs repository.Repository[Job]) error {
		var err error
		job, err = jobs.FindOne(ctx, &Job{ID: jobID})
		if err != nil {
			return err
		}
		if job == nil {
			return errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("batch job not found"))
		}
		if job.Status != StatusPending {
			return errutil.Kind(errutil.ErrInvalidArgument, errutil.WithMessage(fmt.Sprintf("job is %s, not pending", job.Status)))
		}

		running, err := jobs.Count(ctx, &Job{Status: StatusRunning})
		if err != nil {
			return err
		}
		now := s.now().UTC()
		if running > 0 {
			refused = true
			_, err := jobs.Update(ctx, &Job{ID: jobID, Status: StatusPending}, map[string]any{
				"status":       StatusFailed,
				"error":        refusedJobMessage,
				"completed_at": now,
			})
			return err
		}

		job.Status = StatusRunning
		job.StartedAt = &now
		job.HeartbeatAt = &now
		_, err = jobs.Update(ctx, &Job{ID: jobID}, map[string]any{
			"status":       StatusRunning,
			"started_at":   now,
			"heartbeat_at": now,
		})
		return err
	})
	if err != nil {
		return nil, err
	}
	if refused {
		log.Warn("batch job refused, another job is running")
		return nil, errutil.ErrJobAlreadyRunning
	}

	log.Info("batch job started", zap.String("code", job.Code))

	p, runErr := s.process(ctx, job)
	if runErr != nil {
		log.Error("batch job failed", zap.Error(runErr))
	}
	return s.finish(ctx, job, p, runErr)
}

func (s *Service) process(ctx context.Context, job *Job) (progress, error) {
	items, err := s.submissions.ListActive(ctx, s.now().Add(-s.opts.Retention), s.opts.MaxItems)
	if err != nil {
		return progress{}, err
	}

	var (
		mu sync.Mutex
		p  progress
	)

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for _, item := range items {
		g.Go(func() error {
			found, points, skipped, err := s.processItem(gctx, job.ID, item)
			if err != nil {
				batchItems.WithLabelValues("failed").Inc()
				return err
			}

			mu.Lock()
			p.processed++
			p.interactions += found
			p.points += points
			if skipped {
				p.skipped++
			}
			snapshot := p
			mu.Unlock()

			if skipped {
				batchItems.WithLabelValues("skipped").Inc()
			} else {
				batchItems.WithLabelValues("processed").Inc()
			}
			return s.heartbeat(gctx, job.ID, snapshot)
		})
	}

	err = g.Wait()
	return p, err
}

// processItem reconciles one submission. It reports skipped when the source
// stayed unavailable after every retry.
func (s *Service) processItem(ctx context.Context, jobID string, item *submission.Submission) (int, int64, bool, error) {
	log := logger.FromContext(ctx).With(zap.String("job_id", jobID), zap.String("content_id", item.ContentID))

	engagements, err := s.fetch(ctx, item.ExternalPostID)
	if err != nil {
		if errors.Is(err, errutil.ErrExternalSourceUnavailable) {
			log.Warn("engagement source unavailable, skipping item", zap.Error(err))
			return 0, 0, true, nil
		}
		return 0, 0, false, err
	}

	signals := []struct {
		kind   tier.Interaction
		actors []string
	}{
		{tier.Like, engagements.Likes},
		{tier.Retweet, engagements.Retweets},
		{tier.Reply, engagements.Replies},
	}

	found := 0
	var points int64
	for _, sig := range signals {
		for _, actor := range sig.actors {
			res, err := s.accrual.RecordInteraction(ctx, item.ContentID, actor, sig.kind, jobID)
			switch {
			case errors.Is(err, errutil.ErrInvalidHandle):
				log.Debug("ignoring malformed actor handle", zap.String("actor_handle", actor))
				continue
			case errors.Is(err, errutil.ErrNotFound):
				log.Warn("submission disappeared during reconciliation")
				return found, points, false, nil
			case err != nil:
				return found, points, false, err
			}
			if res.Outcome == accrual.Accrued {
				found++
				points += res.Points
			}
		}
	}
	return found, points, false, nil
}

func (s *Service) fetch(ctx context.Context, postID string) (*source.Engagements, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = s.opts.InitialBackoff
	b.MaxElapsedTime = 0
	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(max(s.opts.MaxAttempts-1, 0))), ctx)

	var out *source.Engagements
	err := backoff.Retry(func() error {
		res, err := s.source.FetchEngagements(ctx, postID)
		if err != nil {
			if errors.Is(err, errutil.ErrExternalSourceUnavailable) {
				return err
			}
			return backoff.Permanent(err)
		}
		out = res
		return nil
	}, policy)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}
	return out, nil
}

func (s *Service) heartbeat(ctx context.Context, jobID string, p progress) error {
	n, err := s.jobs.Update(ctx, &Job{ID: jobID, Status: StatusRunning}, map[string]any{
		"heartbeat_at":       s.now().UTC(),
		"items_processed":    p.processed,
		"items_skipped":      p.skipped,
		"interactions_found": p.interactions,
		"points_awarded":     p.points,
	})
	if err != nil {
		return err
	}
	if n == 0 {
		return errJobNotRunning
	}
	return nil
}

func (s *Service) finish(ctx context.Context, job *Job, p progress, runErr error) (*Job, error) {
	now := s.now().UTC()
	job.CompletedAt = &now
	job.HeartbeatAt = &now
	job.ItemsProcessed = p.processed
	job.ItemsSkipped = p.skipped
	job.InteractionsFound = p.interactions
	job.PointsAwarded = p.points
	job.Status = StatusCompleted
	if runErr != nil {
		job.Status = StatusFailed
		job.Error = runErr.Error()
	}

	// The run context may already be cancelled; the final state must land.
	// Only a running row is finished, so a reaped job keeps its failure.
	n, err := s.jobs.Update(context.WithoutCancel(ctx), &Job{ID: job.ID, Status: StatusRunning}, map[string]any{
		"status":             job.Status,
		"error":              job.Error,
		"completed_at":       now,
		"heartbeat_at":       now,
		"items_processed":    job.ItemsProcessed,
		"items_skipped":      job.ItemsSkipped,
		"interactions_found": job.InteractionsFound,
		"points_awarded":     job.PointsAwarded,
	})
	if err != nil {
		return nil, errors.Join(runErr, err)
	}
	if n == 0 {
		stored, err := s.jobs.FindOne(context.WithoutCancel(ctx), &Job{ID: job.ID})
		if err != nil {
			return nil, errors.Join(runErr, err)
		}
		if stored == nil {
			return nil, errors.Join(runErr, errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("batch job not found")))
		}
		logger.FromContext(ctx).Warn("batch job left running state before finishing, keeping stored state",
			zap.String("job_id", job.ID),
			zap.String("stored_status", string(stored.Status)),
			zap.String("stored_error", stored.Error),
			zap.String("run_status", string(job.Status)),
		)
		if errors.Is(runErr, errJobNotRunning) {
			runErr = nil
		}
		return stored, runErr
	}

	logger.FromContext(ctx).Info("batch job finished",
		zap.String("job_id", job.ID),
		zap.String("status", string(job.Status)),
		zap.Int("items_processed", job.ItemsProcessed),
		zap.Int("items_skipped", job.ItemsSkipped),
		zap.Int("interactions_found", job.InteractionsFound),
		zap.Int64("points_awarded", job.PointsAwarded),
	)
	if runErr != nil {
		return job, runErr
	}
	return job, nil
}

// ReapStale fails running jobs whose heartbeat is older than the stale
// threshold and pending jobs that were created before it and never started.
func (s *Service) ReapStale(ctx context.Context) (int64, error) {
	now := s.now().UTC()
	cutoff := now.Add(-s.opts.StaleAfter)

	running, err := s.jobs.Update(ctx, &Job{Status: StatusRunning}, map[string]any{
		"status":       StatusFailed,
		"error":        staleJobMessage,
		"completed_at": now,
	}, option.ApplyOperator(option.Condition{Field: "heartbeat_at", Operator: option.LT, Value: cutoff}))
	if err != nil {
		return 0, err
	}

	pending, err := s.jobs.Update(ctx, &Job{Status: StatusPending}, map[string]any{
		"status":       StatusFailed,
		"error":        unstartedMessage,
		"completed_at": now,
	}, option.ApplyOperator(option.Condition{Field: "created_at", Operator: option.LT, Value: cutoff}))
	if err != nil {
		return running, err
	}

	if n := running + pending; n > 0 {
		logger.FromContext(ctx).Warn("reaped stale batch jobs",
			zap.Int64("running", running),
			zap.Int64("pending", pending),
			zap.Time("cutoff", cutoff),
		)
	}
	return running + pending, nil
}

// PruneLocks removes interaction locks that can never be needed again.
func (s *Service) PruneLocks(ctx context.Context) (int64, error) {
	now := s.now()
	return s.accrual.Prune(ctx, now.Add(-s.opts.LockRetention), now.Add(-s.opts.Retention))
}

func (s *Service) Get(ctx context.Context, jobID string) (*Job, error) {
	job, err := s.jobs.FindOne(ctx, &Job{ID: jobID})
	if err != nil {
		return nil, err
	}
	if job == nil {
		return nil, errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("batch job not found"))
	}
	return job, nil
}

// ListRecent returns jobs newest first.
func (s *Service) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 || limit > listLimitMax {
		limit = listLimitMax
	}
	return s.jobs.Find(ctx, nil,
		func(db *gorm.DB) *gorm.DB { return db.Order("created_at DESC, id DESC") },
		option.WithLimit(limit),
	)
}
