package submission

import (
	"context"
	"errors"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/db/option"
	"engagement-ledger/pkg/db/pagination"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/repository"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/tier"

	"github.com/bwmarrin/snowflake"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	tracer = otel.Tracer("engagement-ledger/services/submission")

	submissionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_submissions_total",
		Help: "Submission attempts by outcome.",
	}, []string{"outcome"})
)

const quotaDayLayout = "2006-01-02"

type Service struct {
	db         *gorm.DB
	node       *snowflake.Node
	identities *identity.Service
	rules      *tier.Service
	ledger     *ledger.Service
	policy     authz.Policy
	loc        *time.Location
	now        func() time.Time

	submissions repository.Repository[Submission]
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Node       *snowflake.Node
	Config     *config.Config
	Identities *identity.Service
	Rules      *tier.Service
	Ledger     *ledger.Service
	Policy     authz.Policy
}

func NewService(p ServiceParams) *Service {
	loc := time.UTC
	if p.Config != nil {
		loc = p.Config.Location()
	}
	return &Service{
		db:          p.DB,
		node:        p.Node,
		identities:  p.Identities,
		rules:       p.Rules,
		ledger:      p.Ledger,
		policy:      p.Policy,
		loc:         loc,
		now:         time.Now,
		submissions: repository.ProvideStore[Submission](p.DB),
	}
}

// QuotaDay is the reference-timezone calendar day t falls on.
func (s *Service) QuotaDay(t time.Time) string {
	return t.In(s.loc).Format(quotaDayLayout)
}

// Submit charges the tier's submission cost and records the post. The debit
// and the record commit together or not at all.
func (s *Service) Submit(ctx context.Context, submitterID, externalPostID, category string) (*Submission, error) {
	ctx, span := tracer.Start(ctx, "submission.Submit")
	defer span.End()
	log := logger.FromContext(ctx).With(zap.String("submitter_id", submitterID))

	out, err := s.submit(ctx, submitterID, externalPostID, category)
	if err != nil {
		be := errutil.From(err)
		outcome := string(be.Reason)
		if outcome == "" {
			outcome = "error"
		}
		submissionsTotal.WithLabelValues(outcome).Inc()
		if be.Code == errutil.StatusInternal {
			log.Error("submission failed", zap.Error(err))
		} else {
			log.Info("submission rejected", zap.String("reason", string(be.Reason)))
		}
		return nil, err
	}

	submissionsTotal.WithLabelValues("accepted").Inc()
	log.Info("submission accepted",
		zap.String("content_id", out.ContentID),
		zap.String("external_post_id", out.ExternalPostID),
		zap.String("quota_day", out.QuotaDay),
	)
	return out, nil
}

func (s *Service) submit(ctx context.Context, submitterID, externalPostID, category string) (*Submission, error) {
	conn, err := s.identities.Resolve(ctx, submitterID)
	if err != nil {
		if errors.Is(err, errutil.ErrNotFound) {
			return nil, errutil.Kind(errutil.ErrNotLinked, errutil.WithDetails(errutil.Detail{
				Field: "submitter_id", Message: submitterID,
			}))
		}
		return nil, err
	}

	post, err := ParsePost(externalPostID)
	if err != nil {
		return nil, err
	}
	if post.Author == "" {
		post.Author = conn.SocialHandle
	}

	rule, err := s.rules.GetRule(ctx, conn.Tier)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	sub := &Submission{
		ContentID:      s.node.Generate().String(),
		ExternalPostID: post.ID,
		URL:            post.URL,
		SubmitterID:    submitterID,
		AuthorHandle:   post.Author,
		Tier:           conn.Tier,
		Category:       NormalizeCategory(category),
		QuotaDay:       s.QuotaDay(now),
		SubmittedAt:    now,
		DedupeKey:      post.DedupeKey(),
	}
	duplicate := errutil.Kind(errutil.ErrDuplicateSubmission, errutil.WithDetails(errutil.Detail{
		Field: "external_post_id", Message: post.ID,
	}))

	debited := false
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		submissions := s.submissions.WithTrx(tx)

		if _, err := s.ledger.LockBalance(ctx, tx, submitterID); err != nil {
			return err
		}

		existing, err := submissions.FindOne(ctx, &Submission{DedupeKey: sub.DedupeKey})
		if err != nil {
			return err
		}
		if existing != nil {
			return duplicate
		}

		used, err := submissions.Count(ctx, &Submission{SubmitterID: submitterID, QuotaDay: sub.QuotaDay})
		if err != nil {
			return err
		}
		if used >= int64(rule.DailySubmissionLimit) {
			return errutil.Kind(errutil.ErrQuotaExceeded, errutil.WithDetails(errutil.Detail{
				Field: "daily_submission_limit", Message: sub.QuotaDay,
			}))
		}

		if rule.SubmissionCost > 0 {
			if _, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.DeltaRequest{
				UserID:           submitterID,
				Delta:            -rule.SubmissionCost,
				Reason:           "submission",
				Kind:             ledger.KindSubmissionCost,
				RelatedContentID: sub.ContentID,
				IdempotencyKey:   "submission:" + sub.ContentID,
				Mode:             ledger.Strict,
				Metadata:         map[string]any{"tier": sub.Tier, "external_post_id": sub.ExternalPostID},
			}); err != nil {
				return err
			}
			debited = true
		}

		inserted, err := submissions.CreateIfAbsent(ctx, sub)
		if err != nil {
			return err
		}
		if !inserted {
			return duplicate
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if debited {
		s.ledger.InvalidateLeaderboard(ctx)
	}
	return sub, nil
}

// Withdraw marks the submission withdrawn. The submitter may withdraw their
// own content and elevated roles may withdraw anyone's. Points are not
// refunded and a second withdraw returns the record unchanged.
func (s *Service) Withdraw(ctx context.Context, p authz.Principal, contentID string) (*Submission, error) {
	var out *Submission
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		submissions := s.submissions.WithTrx(tx)

		sub, err := submissions.FindOne(ctx, &Submission{ContentID: contentID}, option.WithLockingUpdate())
		if err != nil {
			return err
		}
		if sub == nil {
			return errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("submission not found"))
		}
		if sub.SubmitterID != p.Subject {
			if err := s.policy.Authorize(p, authz.ActionWithdrawAny); err != nil {
				return err
			}
		}
		if sub.Withdrawn {
			out = sub
			return nil
		}

		now := s.now().UTC()
		if _, err := submissions.Update(ctx, &Submission{ContentID: contentID}, map[string]any{
			"withdrawn":    true,
			"withdrawn_at": now,
		}); err != nil {
			return err
		}
		sub.Withdrawn = true
		sub.WithdrawnAt = &now
		out = sub
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.FromContext(ctx).Info("submission withdrawn",
		zap.String("content_id", contentID),
		zap.String("actor", p.Subject),
	)
	return out, nil
}

func (s *Service) Get(ctx context.Context, contentID string) (*Submission, error) {
	sub, err := s.submissions.FindOne(ctx, &Submission{ContentID: contentID})
	if err != nil {
		return nil, err
	}
	if sub == nil {
		return nil, errutil.Kind(errutil.ErrNotFound, errutil.WithMessage("submission not found"))
	}
	return sub, nil
}

// ListRecent returns submissions made since the given time, newest first,
// withdrawn ones included.
func (s *Service) ListRecent(ctx context.Context, limit int, since time.Time) ([]*Submission, error) {
	return s.submissions.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "submitted_at", Operator: option.GTE, Value: since.UTC()}),
		func(db *gorm.DB) *gorm.DB { return db.Order("submitted_at DESC, content_id DESC") },
		option.WithLimit(pagination.Clamp(limit, pagination.MaxLimit)),
	)
}

// ListActive returns the non-withdrawn submissions made since the given time,
// newest first. It is the batch job's scan input.
func (s *Service) ListActive(ctx context.Context, since time.Time, limit int) ([]*Submission, error) {
	return s.submissions.Find(ctx, nil,
		option.ApplyOperator(
			option.Condition{Field: "withdrawn", Operator: option.EQ, Value: false},
			option.Condition{Field: "submitted_at", Operator: option.GTE, Value: since.UTC()},
		),
		func(db *gorm.DB) *gorm.DB { return db.Order("submitted_at DESC, content_id DESC") },
		option.WithLimit(limit),
	)
}
