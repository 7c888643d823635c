package batch

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/featureflags"
	"engagement-ledger/pkg/source"
	mock_source "engagement-ledger/pkg/source/mock"
	"engagement-ledger/pkg/taskname"
	"engagement-ledger/services/accrual"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/submission"
	"engagement-ledger/services/testutil"
	"engagement-ledger/services/tier"

	"github.com/bwmarrin/snowflake"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

var operator = authz.Principal{Subject: "ops", Role: authz.RoleMaster}

type fixture struct {
	db          *gorm.DB
	svc         *Service
	src         *mock_source.MockClient
	identities  *identity.Service
	rules       *tier.Service
	ledger      *ledger.Service
	submissions *submission.Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db := testutil.NewTestDB(t,
		&identity.Connection{}, &identity.HandleIndex{},
		&tier.Rule{}, &ledger.Balance{}, &ledger.Transaction{},
		&submission.Submission{}, &accrual.Record{},
		&Job{}, &JobLock{},
	)
	node, err := snowflake.NewNode(3)
	require.NoError(t, err)
	policy, err := authz.NewDefault()
	require.NoError(t, err)
	rdb, _ := testutil.NewTestRedis(t)
	ctrl := gomock.NewController(t)

	f := &fixture{db: db, src: mock_source.NewMockClient(ctrl)}
	f.identities = identity.NewService(identity.ServiceParams{DB: db})
	f.ledger = ledger.NewService(ledger.ServiceParams{DB: db, Node: node, Policy: policy, Redis: rdb})
	f.rules, err = tier.NewService(tier.ServiceParams{DB: db, Policy: policy})
	require.NoError(t, err)
	f.submissions = submission.NewService(submission.ServiceParams{
		DB: db, Node: node, Identities: f.identities, Rules: f.rules, Ledger: f.ledger, Policy: policy,
	})
	accruals := accrual.NewService(accrual.ServiceParams{DB: db, Submissions: f.submissions, Rules: f.rules, Ledger: f.ledger})

	cfg := &config.Config{}
	cfg.Batch.Concurrency = 2
	cfg.Batch.MaxAttempts = 3
	f.svc = NewService(ServiceParams{
		DB: db, Node: node, Config: cfg, Source: f.src,
		Accrual: accruals, Submissions: f.submissions, Policy: policy,
	})
	f.svc.opts.InitialBackoff = time.Millisecond
	return f
}

func (f *fixture) submit(t *testing.T, owner, handle, post string) *submission.Submission {
	t.Helper()
	ctx := context.Background()
	_, err := f.identities.Link(ctx, owner, handle, tier.Micro)
	require.NoError(t, err)
	_, err = f.ledger.ApplyDelta(ctx, ledger.DeltaRequest{
		UserID: owner, Delta: 500, Kind: ledger.KindGrant, Mode: ledger.Strict,
	})
	require.NoError(t, err)

	sub, err := f.submissions.Submit(ctx, owner, post, "")
	require.NoError(t, err)
	return sub
}

func (f *fixture) reload(t *testing.T, id string) *Job {
	t.Helper()
	job, err := f.svc.Get(context.Background(), id)
	require.NoError(t, err)
	return job
}

func TestRunCreditsEachEngagementOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "u1", "alice", "https://x.com/alice/status/100")

	f.src.EXPECT().FetchEngagements(gomock.Any(), "100").Return(&source.Engagements{
		Likes:    []string{"bob", "@Carol"},
		Retweets: []string{"bob"},
		Replies:  []string{"alice", "not a handle!"},
	}, nil).Times(2)

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	require.Equal(t, StatusPending, job.Status)
	require.Regexp(t, `^BATCH-\d{6}-`, job.Code)

	done, err := f.svc.Run(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 1, done.ItemsProcessed)
	require.Zero(t, done.ItemsSkipped)
	require.Equal(t, 3, done.InteractionsFound)
	require.Equal(t, int64(55), done.PointsAwarded, "two likes and one retweet on micro")

	stored := f.reload(t, job.ID)
	require.Equal(t, StatusCompleted, stored.Status)
	require.NotNil(t, stored.CompletedAt)
	require.Equal(t, int64(55), stored.PointsAwarded)

	total, err := f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(55), total)

	second, err := f.svc.CreateJob(ctx, operator, TriggerSchedule)
	require.NoError(t, err)
	done, err = f.svc.Run(ctx, second.ID)
	require.NoError(t, err)
	require.Zero(t, done.InteractionsFound)
	require.Zero(t, done.PointsAwarded)

	total, err = f.ledger.GetBalance(ctx, "u1")
	require.NoError(t, err)
	require.Equal(t, int64(55), total)
}

func TestRunSkipsItemWhenSourceStaysUnavailable(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "u1", "alice", "200")

	f.src.EXPECT().FetchEngagements(gomock.Any(), "200").
		Return(nil, errutil.ErrExternalSourceUnavailable).Times(3)

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)

	done, err := f.svc.Run(ctx, job.ID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.Equal(t, 1, done.ItemsProcessed)
	require.Equal(t, 1, done.ItemsSkipped)
}

func TestRunRetriesTransientSourceFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "u1", "alice", "300")

	gomock.InOrder(
		f.src.EXPECT().FetchEngagements(gomock.Any(), "300").Return(nil, errutil.ErrExternalSourceUnavailable),
		f.src.EXPECT().FetchEngagements(gomock.Any(), "300").Return(&source.Engagements{Replies: []string{"bob"}}, nil),
	)

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)

	done, err := f.svc.Run(ctx, job.ID)
	require.NoError(t, err)
	require.Zero(t, done.ItemsSkipped)
	require.Equal(t, int64(20), done.PointsAwarded)
}

func TestRunFailsJobOnUnexpectedError(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "u1", "alice", "400")

	boom := errors.New("decode failure")
	f.src.EXPECT().FetchEngagements(gomock.Any(), "400").Return(nil, boom).Times(1)

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)

	_, err = f.svc.Run(ctx, job.ID)
	require.ErrorIs(t, err, boom)

	stored := f.reload(t, job.ID)
	require.Equal(t, StatusFailed, stored.Status)
	require.Contains(t, stored.Error, "decode failure")
}

func TestRunRejectsJobThatIsNotPending(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.src.EXPECT().FetchEngagements(gomock.Any(), gomock.Any()).Times(0)

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	_, err = f.svc.Run(ctx, job.ID)
	require.NoError(t, err)

	_, err = f.svc.Run(ctx, job.ID)
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)

	_, err = f.svc.Run(ctx, "missing")
	require.ErrorIs(t, err, errutil.ErrNotFound)
}

func TestCreateJobRejectedWhileAnotherRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status": StatusRunning, "started_at": now, "heartbeat_at": now,
	}).Error)

	_, err = f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.ErrorIs(t, err, errutil.ErrJobAlreadyRunning)
}

func TestCreateJobReapsStaleRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	stale, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	old := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, f.db.Model(&Job{}).Where("id = ?", stale.ID).Updates(map[string]any{
		"status": StatusRunning, "started_at": old, "heartbeat_at": old,
	}).Error)

	next, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	require.NotEqual(t, stale.ID, next.ID)

	reaped := f.reload(t, stale.ID)
	require.Equal(t, StatusFailed, reaped.Status)
	require.Equal(t, staleJobMessage, reaped.Error)
}

func TestRunKeepsReapedJobFailed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.submit(t, "u1", "alice", "https://x.com/alice/status/100")

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)

	var (
		reaped  int64
		reapErr error
	)
	f.src.EXPECT().FetchEngagements(gomock.Any(), "100").DoAndReturn(
		func(ctx context.Context, _ string) (*source.Engagements, error) {
			// The worker stalls long enough for another process to reap it.
			f.svc.now = func() time.Time { return time.Now().Add(time.Hour) }
			reaped, reapErr = f.svc.ReapStale(ctx)
			return &source.Engagements{Likes: []string{"bob"}}, nil
		})

	done, err := f.svc.Run(ctx, job.ID)
	require.NoError(t, err)
	require.NoError(t, reapErr)
	require.Equal(t, int64(1), reaped)
	require.Equal(t, StatusFailed, done.Status)
	require.Equal(t, staleJobMessage, done.Error)

	stored := f.reload(t, job.ID)
	require.Equal(t, StatusFailed, stored.Status, "finish must not overwrite the reaper's verdict")
	require.Equal(t, staleJobMessage, stored.Error)
}

func TestRunFailsPendingJobRefusedWhileAnotherRuns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	second, err := f.svc.CreateJob(ctx, operator, TriggerSchedule)
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&Job{}).Where("id = ?", first.ID).Updates(map[string]any{
		"status": StatusRunning, "started_at": now, "heartbeat_at": now,
	}).Error)

	_, err = f.svc.Run(ctx, second.ID)
	require.ErrorIs(t, err, errutil.ErrJobAlreadyRunning)

	refused := f.reload(t, second.ID)
	require.Equal(t, StatusFailed, refused.Status)
	require.Equal(t, refusedJobMessage, refused.Error)
	require.NotNil(t, refused.CompletedAt)
	require.Equal(t, StatusRunning, f.reload(t, first.ID).Status)
}

func TestReapStaleFailsAbandonedPendingJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)

	f.svc.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	n, err := f.svc.ReapStale(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(1), n)

	stored := f.reload(t, job.ID)
	require.Equal(t, StatusFailed, stored.Status)
	require.Equal(t, unstartedMessage, stored.Error)

	_, err = f.svc.Run(ctx, job.ID)
	require.ErrorIs(t, err, errutil.ErrInvalidArgument)
}

func TestCreateJobRequiresElevatedRole(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateJob(context.Background(), authz.Principal{Subject: "u1", Role: authz.RoleMember}, TriggerAPI)
	require.ErrorIs(t, err, errutil.ErrForbidden)
}

func TestListRecentNewestFirst(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	base := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

	var ids []string
	for i := 0; i < 3; i++ {
		f.svc.now = func() time.Time { return base.Add(time.Duration(i) * time.Minute) }
		job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
		require.NoError(t, err)
		_, err = f.svc.Run(ctx, job.ID)
		require.NoError(t, err)
		ids = append(ids, job.ID)
	}

	jobs, err := f.svc.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Len(t, jobs, 3)
	require.Equal(t, ids[2], jobs[0].ID)
	require.Equal(t, ids[0], jobs[2].ID)
}

type recordingEnqueuer struct {
	tasks []*asynq.Task
	err   error
}

func (r *recordingEnqueuer) Enqueue(t *asynq.Task, _ ...asynq.Option) (*asynq.TaskInfo, error) {
	if r.err != nil {
		return nil, r.err
	}
	r.tasks = append(r.tasks, t)
	return &asynq.TaskInfo{ID: "t1", Queue: taskname.QueueDefault, Type: t.Type()}, nil
}

func TestDispatchEnqueuesRunTask(t *testing.T) {
	f := newFixture(t)
	q := &recordingEnqueuer{}
	w := NewWorker(WorkerParams{Service: f.svc, Config: &config.Config{}, Enqueuer: q})

	job, err := f.svc.CreateJob(context.Background(), operator, TriggerAPI)
	require.NoError(t, err)
	w.Dispatch(context.Background(), job)

	require.Len(t, q.tasks, 1)
	require.Equal(t, taskname.BatchRun, q.tasks[0].Type())
	var p RunPayload
	require.NoError(t, json.Unmarshal(q.tasks[0].Payload(), &p))
	require.Equal(t, job.ID, p.JobID)
}

func TestHandleRunExecutesJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWorker(WorkerParams{Service: f.svc, Config: &config.Config{}})

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	task, err := NewRunTask(job.ID)
	require.NoError(t, err)

	require.NoError(t, w.HandleRun(ctx, task))
	require.Equal(t, StatusCompleted, f.reload(t, job.ID).Status)

	err = w.HandleRun(ctx, asynq.NewTask(taskname.BatchRun, []byte("{")))
	require.ErrorIs(t, err, asynq.SkipRetry)
}

func TestHandleScheduleToleratesRunningJob(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWorker(WorkerParams{Service: f.svc, Config: &config.Config{}})

	job, err := f.svc.CreateJob(ctx, operator, TriggerAPI)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, f.db.Model(&Job{}).Where("id = ?", job.ID).Updates(map[string]any{
		"status": StatusRunning, "heartbeat_at": now,
	}).Error)

	require.NoError(t, w.HandleSchedule(ctx, asynq.NewTask(taskname.BatchSchedule, nil)))
}

func TestPeriodicTasksUseConfiguredSchedule(t *testing.T) {
	cfg := &config.Config{}
	cfg.Batch.Schedule = "@every 30m"
	w := NewWorker(WorkerParams{Config: cfg})

	specs := map[string]string{}
	for _, p := range w.PeriodicTasks() {
		specs[p.Task.Type()] = p.Spec
	}
	require.Equal(t, "@every 30m", specs[taskname.BatchSchedule])
	require.Equal(t, "@every 5m", specs[taskname.BatchReap])
	require.Equal(t, "@daily", specs[taskname.LocksPrune])
}

func TestHandleScheduleRespectsFeatureFlag(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	w := NewWorker(WorkerParams{
		Service: f.svc,
		Config:  &config.Config{},
		Flags:   featureflags.Static{featureflags.ScheduledBatch: false},
	})

	require.NoError(t, w.HandleSchedule(ctx, asynq.NewTask(taskname.BatchSchedule, nil)))

	jobs, err := f.svc.ListRecent(ctx, 0)
	require.NoError(t, err)
	require.Empty(t, jobs)
}
