package accrual

import (
	"context"
	"fmt"
	"time"

	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/repository"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/submission"
	"engagement-ledger/services/tier"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var (
	tracer = otel.Tracer("engagement-ledger/services/accrual")

	accrualsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "engagement_interactions_total",
		Help: "Recorded interactions by outcome.",
	}, []string{"outcome", "type"})
	pointsAwarded = promauto.NewCounter(prometheus.CounterOpts{
		Name: "engagement_points_awarded_total",
		Help: "Points credited for interactions.",
	})
)

const (
	skipWithdrawn = "content withdrawn"
	skipSelf      = "self engagement"
)

type Service struct {
	db          *gorm.DB
	submissions *submission.Service
	rules       *tier.Service
	ledger      *ledger.Service
	now         func() time.Time

	records  repository.Repository[Record]
	contents repository.Repository[submission.Submission]
}

type ServiceParams struct {
	fx.In
	DB          *gorm.DB
	Submissions *submission.Service
	Rules       *tier.Service
	Ledger      *ledger.Service
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:          p.DB,
		submissions: p.Submissions,
		rules:       p.Rules,
		ledger:      p.Ledger,
		now:         time.Now,
		records:     repository.ProvideStore[Record](p.DB),
		contents:    repository.ProvideStore[submission.Submission](p.DB),
	}
}

// RecordInteraction credits the submitter of contentID for one interaction.
// The interaction lock and the credit commit in the same transaction, so a
// triple is credited at most once no matter how many workers see it.
func (s *Service) RecordInteraction(ctx context.Context, contentID, actorHandle string, interaction tier.Interaction, jobID string) (*Result, error) {
	ctx, span := tracer.Start(ctx, "accrual.RecordInteraction")
	defer span.End()

	res, err := s.record(ctx, contentID, actorHandle, interaction, jobID)
	if err != nil {
		return nil, err
	}

	accrualsTotal.WithLabelValues(string(res.Outcome), string(interaction)).Inc()
	if res.Points > 0 {
		pointsAwarded.Add(float64(res.Points))
	}
	return res, nil
}

func (s *Service) record(ctx context.Context, contentID, actorHandle string, interaction tier.Interaction, jobID string) (*Result, error) {
	log := logger.FromContext(ctx).With(
		zap.String("content_id", contentID),
		zap.String("interaction_type", string(interaction)),
	)

	if !interaction.Valid() {
		return nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field: "interaction_type", Message: fmt.Sprintf("unknown interaction %q", interaction),
		}))
	}
	actor, err := identity.NormalizeHandle(actorHandle)
	if err != nil {
		return nil, err
	}
	log = log.With(zap.String("actor_handle", actor))

	sub, err := s.submissions.Get(ctx, contentID)
	if err != nil {
		return nil, err
	}
	if sub.Withdrawn {
		return &Result{Outcome: Skipped, Reason: skipWithdrawn}, nil
	}
	if sub.AuthorHandle != "" && sub.AuthorHandle == actor {
		return &Result{Outcome: Skipped, Reason: skipSelf}, nil
	}

	rule, err := s.rules.GetRule(ctx, sub.Tier)
	if err != nil {
		return nil, err
	}
	points := rule.Award(interaction)
	if points > 0 && !s.rules.Eligible(ctx, rule, interaction, actor, sub.Category) {
		points = 0
	}

	res := &Result{Outcome: Accrued, Points: points}
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		current, err := s.contents.WithTrx(tx).FindOne(ctx, &submission.Submission{ContentID: contentID})
		if err != nil {
			return err
		}
		if current == nil || current.Withdrawn {
			res = &Result{Outcome: Skipped, Reason: skipWithdrawn}
			return nil
		}

		records := s.records.WithTrx(tx)
		acquired, err := records.CreateIfAbsent(ctx, &Record{
			ContentID:       contentID,
			ActorHandle:     actor,
			InteractionType: string(interaction),
			DiscoveredAt:    s.now().UTC(),
			Points:          points,
			JobID:           jobID,
		})
		if err != nil {
			return err
		}
		if !acquired {
			res = &Result{Outcome: AlreadyRecorded}
			return nil
		}
		if points == 0 {
			return nil
		}

		txn, err := s.ledger.ApplyDeltaTx(ctx, tx, ledger.DeltaRequest{
			UserID:           sub.SubmitterID,
			Delta:            points,
			Reason:           string(interaction),
			Kind:             ledger.KindAccrual,
			RelatedContentID: contentID,
			IdempotencyKey:   fmt.Sprintf("accrual:%s:%s:%s", contentID, actor, interaction),
			Mode:             ledger.Strict,
			Metadata: map[string]any{
				"actor_handle": actor,
				"job_id":       jobID,
				"tier":         rule.Tier,
			},
		})
		if err != nil {
			return err
		}
		res.Transaction = txn

		_, err = records.Update(ctx, &Record{
			ContentID:       contentID,
			ActorHandle:     actor,
			InteractionType: string(interaction),
		}, map[string]any{"transaction_id": txn.ID})
		return err
	})
	if err != nil {
		log.Error("failed to record interaction", zap.Error(err))
		return nil, err
	}

	if res.Transaction != nil {
		s.ledger.InvalidateLeaderboard(ctx)
		log.Info("interaction credited",
			zap.String("user_id", sub.SubmitterID),
			zap.Int64("points", res.Points),
		)
	}
	return res, nil
}

// Prune deletes interaction locks discovered before lockCutoff whose content
// was submitted before contentCutoff. Such content is outside the scan window
// and can never be recorded again.
func (s *Service) Prune(ctx context.Context, lockCutoff, contentCutoff time.Time) (int64, error) {
	db := s.db.WithContext(ctx)
	old := db.Model(&submission.Submission{}).
		Select("content_id").
		Where("submitted_at < ?", contentCutoff.UTC())

	res := db.
		Where("discovered_at < ?", lockCutoff.UTC()).
		Where("content_id IN (?)", old).
		Delete(&Record{})
	if res.Error != nil {
		return 0, res.Error
	}

	if res.RowsAffected > 0 {
		zap.L().Info("pruned interaction locks", zap.Int64("deleted", res.RowsAffected))
	}
	return res.RowsAffected, nil
}
