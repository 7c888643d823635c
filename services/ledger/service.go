package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/db/option"
	"engagement-ledger/pkg/db/pagination"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/repository"
	"engagement-ledger/pkg/sequence"

	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("engagement-ledger/services/ledger")

// Service is the only writer of balances and transactions.
type Service struct {
	db     *gorm.DB
	node   *snowflake.Node
	rdb    *redis.Client
	policy authz.Policy
	codes  sequence.Generator
	now    func() time.Time

	transactions repository.Repository[Transaction]
	balances     repository.Repository[Balance]
}

type ServiceParams struct {
	fx.In
	DB       *gorm.DB
	Node     *snowflake.Node
	Policy   authz.Policy
	Redis    *redis.Client      `optional:"true"`
	Sequence sequence.Generator `optional:"true"`
}

func NewService(p ServiceParams) *Service {
	return &Service{
		db:     p.DB,
		node:   p.Node,
		rdb:    p.Redis,
		policy: p.Policy,
		codes:  p.Sequence,
		now:    time.Now,

		transactions: repository.ProvideStore[Transaction](p.DB),
		balances:     repository.ProvideStore[Balance](p.DB),
	}
}

// ApplyDelta posts a single transaction in its own database transaction and
// invalidates the leaderboard once it commits.
func (s *Service) ApplyDelta(ctx context.Context, req DeltaRequest) (*Transaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.ApplyDelta")
	defer span.End()

	var out *Transaction
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var err error
		out, err = s.ApplyDeltaTx(ctx, tx, req)
		return err
	})
	if err != nil {
		return nil, err
	}

	s.InvalidateLeaderboard(ctx)
	return out, nil
}

// ApplyDeltaTx posts a transaction inside the caller's database transaction.
// The balance row stays locked until the caller commits, so per-user
// mutations are serialized. Callers must call InvalidateLeaderboard after
// their commit.
func (s *Service) ApplyDeltaTx(ctx context.Context, tx *gorm.DB, req DeltaRequest) (*Transaction, error) {
	log := logger.FromContext(ctx).With(zap.String("user_id", req.UserID), zap.Int64("delta", req.Delta))

	if req.UserID == "" {
		return nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithMessage("user id is required"))
	}
	if req.Delta == 0 {
		return nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithMessage("delta must not be zero"))
	}

	transactions := s.transactions.WithTrx(tx)
	balances := s.balances.WithTrx(tx)

	// The key is checked again under the balance lock: a concurrent call with
	// the same key may have committed while this one waited.
	if existing, err := s.replay(ctx, transactions, req); existing != nil || err != nil {
		return existing, err
	}

	bal, err := s.lockBalance(ctx, balances, req.UserID)
	if err != nil {
		return nil, err
	}

	if existing, err := s.replay(ctx, transactions, req); existing != nil || err != nil {
		return existing, err
	}

	next := bal.TotalPoints + req.Delta
	if next < 0 {
		if req.Mode == Strict {
			return nil, errutil.Kind(errutil.ErrInsufficientPoints, errutil.WithDetails(errutil.Detail{
				Field:   "balance",
				Message: fmt.Sprintf("balance %d cannot cover %d", bal.TotalPoints, -req.Delta),
			}))
		}
		next = 0
	}

	now := s.now().UTC().Truncate(time.Microsecond)
	code := req.Code
	if code == "" {
		if code, err = GenerateTransactionCode(now); err != nil {
			return nil, err
		}
	}

	var metadata datatypes.JSON
	if len(req.Metadata) > 0 {
		b, err := json.Marshal(req.Metadata)
		if err != nil {
			return nil, fmt.Errorf("encode metadata: %w", err)
		}
		metadata = datatypes.JSON(b)
	}

	txn := &Transaction{
		ID:               s.node.Generate().String(),
		Code:             code,
		UserID:           req.UserID,
		Sequence:         bal.Sequence + 1,
		Delta:            req.Delta,
		AppliedDelta:     next - bal.TotalPoints,
		PreviousBalance:  bal.TotalPoints,
		ResultingBalance: next,
		Reason:           req.Reason,
		Kind:             req.Kind,
		RelatedContentID: optional(req.RelatedContentID),
		IdempotencyKey:   optional(req.IdempotencyKey),
		PreviousHash:     bal.LastHash,
		Metadata:         metadata,
		CreatedAt:        now,
	}
	txn.Hash = txn.GenerateHash()

	if req.IdempotencyKey == "" {
		if err := transactions.Create(ctx, txn); err != nil {
			log.Error("failed to append transaction", zap.Error(err))
			return nil, err
		}
	} else {
		// Another user's balance lock does not cover this key, so a racing
		// insert for a different user can still win the unique index.
		created, err := transactions.CreateIfAbsent(ctx, txn)
		if err != nil {
			log.Error("failed to append transaction", zap.Error(err))
			return nil, err
		}
		if !created {
			existing, err := s.replay(ctx, transactions, req)
			if err != nil {
				return nil, err
			}
			if existing == nil {
				return nil, fmt.Errorf("transaction %s conflicts with an existing row", txn.ID)
			}
			return existing, nil
		}
	}

	if _, err := balances.Update(ctx, &Balance{UserID: req.UserID}, map[string]any{
		"total_points": txn.ResultingBalance,
		"sequence":     txn.Sequence,
		"last_hash":    txn.Hash,
		"updated_at":   now,
	}); err != nil {
		log.Error("failed to update balance", zap.Error(err))
		return nil, err
	}

	log.Debug("transaction posted",
		zap.String("transaction_id", txn.ID),
		zap.Int64("sequence", txn.Sequence),
		zap.Int64("resulting_balance", txn.ResultingBalance),
	)
	return txn, nil
}

// replay returns the transaction already posted under req's idempotency key,
// or nil when the key is unused. A key is bound to the user it was first
// posted for.
func (s *Service) replay(ctx context.Context, transactions repository.Repository[Transaction], req DeltaRequest) (*Transaction, error) {
	if req.IdempotencyKey == "" {
		return nil, nil
	}
	existing, err := transactions.FindOne(ctx, &Transaction{IdempotencyKey: &req.IdempotencyKey})
	if err != nil || existing == nil {
		return nil, err
	}

	log := logger.FromContext(ctx).With(zap.String("idempotency_key", req.IdempotencyKey))
	if existing.UserID != req.UserID {
		log.Warn("idempotency key reused for another user",
			zap.String("user_id", req.UserID),
			zap.String("owner_id", existing.UserID),
		)
		return nil, errutil.Kind(errutil.ErrInvalidArgument, errutil.WithDetails(errutil.Detail{
			Field:   "idempotency_key",
			Message: "key was already used for another user",
		}))
	}
	log.Info("idempotent replay, returning existing transaction")
	return existing, nil
}

// LockBalance takes the per-user row lock inside tx, creating an empty
// balance first if the user has none. Callers that must serialize on a user
// before posting (the submission quota check) use it directly.
func (s *Service) LockBalance(ctx context.Context, tx *gorm.DB, userID string) (*Balance, error) {
	return s.lockBalance(ctx, s.balances.WithTrx(tx), userID)
}

func (s *Service) lockBalance(ctx context.Context, balances repository.Repository[Balance], userID string) (*Balance, error) {
	if _, err := balances.CreateIfAbsent(ctx, &Balance{
		UserID:    userID,
		LastHash:  Genesis,
		UpdatedAt: s.now().UTC(),
	}); err != nil {
		return nil, err
	}

	bal, err := balances.FindOne(ctx, &Balance{UserID: userID}, option.WithLockingUpdate())
	if err != nil {
		return nil, err
	}
	if bal == nil {
		return nil, fmt.Errorf("balance %s vanished under lock", userID)
	}
	return bal, nil
}

// AdjustPoints is the operator correction path. It clamps at zero and records
// who made the change.
func (s *Service) AdjustPoints(ctx context.Context, p authz.Principal, userID string, delta int64, reason, idempotencyKey string) (*Transaction, error) {
	ctx, span := tracer.Start(ctx, "ledger.AdjustPoints")
	defer span.End()
	log := logger.FromContext(ctx)

	if err := s.policy.Authorize(p, authz.ActionAdjustPoints); err != nil {
		log.Warn("point adjustment denied", zap.String("subject", p.Subject), zap.String("role", p.Role))
		return nil, err
	}

	var code string
	if s.codes != nil {
		c, err := s.codes.NextAdjustmentCode(ctx)
		if err != nil {
			log.Warn("adjustment code unavailable, using random code", zap.Error(err))
		}
		code = c
	}

	txn, err := s.ApplyDelta(ctx, DeltaRequest{
		UserID:         userID,
		Delta:          delta,
		Reason:         reason,
		Kind:           KindAdjustment,
		IdempotencyKey: idempotencyKey,
		Code:           code,
		Mode:           Clamp,
		Metadata: map[string]any{
			"actor": p.Subject,
			"role":  p.Role,
		},
	})
	if err != nil {
		return nil, err
	}

	log.Info("points adjusted",
		zap.String("actor", p.Subject),
		zap.String("user_id", userID),
		zap.Int64("previous_balance", txn.PreviousBalance),
		zap.Int64("resulting_balance", txn.ResultingBalance),
	)
	return txn, nil
}

// GetBalance returns 0 for users without any transaction.
func (s *Service) GetBalance(ctx context.Context, userID string) (int64, error) {
	bal, err := s.balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		logger.FromContext(ctx).Error("failed to load balance", zap.String("user_id", userID), zap.Error(err))
		return 0, err
	}
	if bal == nil {
		return 0, nil
	}
	return bal.TotalPoints, nil
}

// GetRecentTransactions returns the user's transactions newest first.
func (s *Service) GetRecentTransactions(ctx context.Context, userID string, limit int) ([]*Transaction, error) {
	return s.transactions.Find(ctx, &Transaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "desc"}),
		option.WithLimit(pagination.Clamp(limit, pagination.MaxLimit)),
	)
}

// VerifyChain recomputes every hash of the user's chain and checks balance
// continuity against the materialized balance.
func (s *Service) VerifyChain(ctx context.Context, userID string) (*ChainReport, error) {
	ctx, span := tracer.Start(ctx, "ledger.VerifyChain")
	defer span.End()

	txns, err := s.transactions.Find(ctx, &Transaction{UserID: userID},
		option.WithSortBy(option.QuerySortBy{SortBy: "sequence", OrderBy: "asc"}),
	)
	if err != nil {
		return nil, err
	}
	bal, err := s.balances.FindOne(ctx, &Balance{UserID: userID})
	if err != nil {
		return nil, err
	}

	report := &ChainReport{UserID: userID, Valid: true, Transactions: len(txns)}
	if bal != nil {
		report.Balance = bal.TotalPoints
	}
	broken := func(seq int64, reason string) (*ChainReport, error) {
		report.Valid = false
		report.BrokenAt = seq
		report.Reason = reason
		logger.FromContext(ctx).Warn("ledger chain broken",
			zap.String("user_id", userID),
			zap.Int64("sequence", seq),
			zap.String("reason", reason),
		)
		return report, nil
	}

	prevHash := Genesis
	var running, sum int64
	for i, t := range txns {
		switch {
		case t.Sequence != int64(i+1):
			return broken(t.Sequence, "sequence gap")
		case t.PreviousHash != prevHash:
			return broken(t.Sequence, "previous hash mismatch")
		case t.GenerateHash() != t.Hash:
			return broken(t.Sequence, "hash mismatch")
		case t.PreviousBalance != running:
			return broken(t.Sequence, "previous balance mismatch")
		case t.ResultingBalance != t.PreviousBalance+t.AppliedDelta || t.ResultingBalance < 0:
			return broken(t.Sequence, "resulting balance mismatch")
		}
		prevHash = t.Hash
		running = t.ResultingBalance
		sum += t.AppliedDelta
	}

	if running != report.Balance || sum != report.Balance {
		return broken(int64(len(txns)), "materialized balance mismatch")
	}
	if bal != nil && bal.LastHash != prevHash {
		return broken(int64(len(txns)), "balance head hash mismatch")
	}
	return report, nil
}
