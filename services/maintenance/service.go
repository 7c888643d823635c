package maintenance

import (
	"context"
	"errors"
	"fmt"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/db/option"
	"engagement-ledger/pkg/repository"
	"engagement-ledger/services/identity"
	"engagement-ledger/services/ledger"
	"engagement-ledger/services/tier"

	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

// ErrClaimed is returned by Apply when another process holds a version.
var ErrClaimed = errors.New("maintenance version is claimed by another run")

// defaultClaimTimeout is how long a running claim is honoured before another
// Apply may take it over.
const defaultClaimTimeout = time.Hour

type Service struct {
	policy       authz.Policy
	procedures   []Procedure
	claimTimeout time.Duration
	now          func() time.Time

	runs repository.Repository[Run]
}

type ServiceParams struct {
	fx.In
	DB         *gorm.DB
	Config     *config.Config
	Policy     authz.Policy
	Rules      *tier.Service
	Identities *identity.Service
	Ledger     *ledger.Service
}

func NewService(p ServiceParams) *Service {
	grant := int64(1000)
	if p.Config != nil && p.Config.Maintenance.InitialGrant > 0 {
		grant = p.Config.Maintenance.InitialGrant
	}

	claimTimeout := defaultClaimTimeout
	if p.Config != nil && p.Config.Maintenance.ClaimTimeout > 0 {
		claimTimeout = p.Config.Maintenance.ClaimTimeout
	}

	return &Service{
		policy:       p.Policy,
		claimTimeout: claimTimeout,
		now:          time.Now,
		runs:         repository.ProvideStore[Run](p.DB),
		procedures: []Procedure{
			{Version: "0001", Name: "seed_tier_rules", Apply: seedTierRules(p.Rules)},
			{Version: "0002", Name: "initial_points_grant", Apply: initialGrant(p.Identities, p.Ledger, grant)},
			{Version: "0003", Name: "renormalize_handles", Apply: renormalizeHandles(p.Identities)},
		},
	}
}

func seedTierRules(rules *tier.Service) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		n, err := rules.Seed(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("inserted %d tier rules", n), nil
	}
}

// initialGrant credits every active connection once. The per-user
// idempotency key makes a rerun after partial failure credit only the rest.
func initialGrant(identities *identity.Service, l *ledger.Service, amount int64) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		ids, err := identities.ListActiveIDs(ctx)
		if err != nil {
			return "", err
		}
		for _, id := range ids {
			if _, err := l.ApplyDelta(ctx, ledger.DeltaRequest{
				UserID:         id,
				Delta:          amount,
				Reason:         "initial grant",
				Kind:           ledger.KindGrant,
				IdempotencyKey: "grant:0002:" + id,
				Mode:           ledger.Strict,
			}); err != nil {
				return "", fmt.Errorf("grant %s: %w", id, err)
			}
		}
		return fmt.Sprintf("granted %d points to %d users", amount, len(ids)), nil
	}
}

func renormalizeHandles(identities *identity.Service) func(context.Context) (string, error) {
	return func(ctx context.Context) (string, error) {
		n, err := identities.RebuildIndex(ctx)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("changed %d connections", n), nil
	}
}

// Apply runs every version that has not been applied, in order. It stops at
// the first failure; the failed version's claim is released so a later
// Apply retries it. A claim left running for longer than the claim timeout
// belongs to a process that died and is taken over.
func (s *Service) Apply(ctx context.Context) ([]State, error) {
	var applied []State
	for _, proc := range s.procedures {
		st, err := s.apply(ctx, proc)
		if err != nil {
			return applied, err
		}
		if st != nil {
			applied = append(applied, *st)
		}
	}
	return applied, nil
}

func (s *Service) apply(ctx context.Context, proc Procedure) (*State, error) {
	log := zap.L().With(zap.String("version", proc.Version), zap.String("name", proc.Name))

	existing, err := s.runs.FindOne(ctx, &Run{Version: proc.Version})
	if err != nil {
		return nil, err
	}
	if existing != nil && existing.Status == StatusApplied {
		log.Debug("[maintenance] already applied")
		return nil, nil
	}

	started := s.now().UTC()
	var claimed bool
	if existing == nil {
		claimed, err = s.runs.CreateIfAbsent(ctx, &Run{
			Version:   proc.Version,
			Name:      proc.Name,
			Status:    StatusRunning,
			StartedAt: started,
		})
	} else {
		claimed, err = s.takeOver(ctx, proc.Version, started)
	}
	if err != nil {
		return nil, err
	}
	if !claimed {
		log.Warn("[maintenance] version is running elsewhere")
		return nil, fmt.Errorf("%s: %w", proc.Version, ErrClaimed)
	}

	log.Info("[maintenance] applying")
	detail, runErr := proc.Apply(ctx)
	if runErr != nil {
		log.Error("[maintenance] failed, releasing claim", zap.Error(runErr))
		if _, err := s.runs.Delete(context.WithoutCancel(ctx), &Run{Version: proc.Version}); err != nil {
			log.Error("[maintenance] failed to release claim", zap.Error(err))
		}
		return nil, fmt.Errorf("maintenance %s_%s: %w", proc.Version, proc.Name, runErr)
	}

	done := s.now().UTC()
	if _, err := s.runs.Update(ctx, &Run{Version: proc.Version}, map[string]any{
		"status":     StatusApplied,
		"applied_at": done,
		"detail":     detail,
	}); err != nil {
		return nil, err
	}

	log.Info("[maintenance] applied", zap.String("detail", detail), zap.Duration("took", done.Sub(started)))
	return &State{
		Version:   proc.Version,
		Name:      proc.Name,
		Status:    string(StatusApplied),
		StartedAt: &started,
		AppliedAt: &done,
		Detail:    detail,
	}, nil
}

// takeOver moves a running claim older than the claim timeout to this run.
// The started_at condition makes concurrent takeovers race on one row update.
func (s *Service) takeOver(ctx context.Context, version string, now time.Time) (bool, error) {
	cutoff := now.Add(-s.claimTimeout)
	n, err := s.runs.Update(ctx, &Run{Version: version, Status: StatusRunning}, map[string]any{
		"started_at": now,
	}, option.ApplyOperator(option.Condition{Field: "started_at", Operator: option.LT, Value: cutoff}))
	if err != nil {
		return false, err
	}
	if n > 0 {
		zap.L().Warn("[maintenance] took over abandoned claim",
			zap.String("version", version),
			zap.Time("cutoff", cutoff),
		)
	}
	return n > 0, nil
}

// List reports every known version with its recorded status.
func (s *Service) List(ctx context.Context, p authz.Principal) ([]State, error) {
	if err := s.policy.Authorize(p, authz.ActionReadMaintenance); err != nil {
		return nil, err
	}

	runs, err := s.runs.Find(ctx, nil)
	if err != nil {
		return nil, err
	}
	byVersion := make(map[string]*Run, len(runs))
	for _, r := range runs {
		byVersion[r.Version] = r
	}

	out := make([]State, 0, len(s.procedures))
	for _, proc := range s.procedures {
		st := State{Version: proc.Version, Name: proc.Name, Status: statusPending}
		if r, ok := byVersion[proc.Version]; ok {
			started := r.StartedAt
			st.Status = string(r.Status)
			st.StartedAt = &started
			st.AppliedAt = r.AppliedAt
			st.Detail = r.Detail
		}
		out = append(out, st)
	}
	return out, nil
}
