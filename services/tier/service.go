package tier

import (
	"context"
	"errors"
	"sort"
	"time"

	"engagement-ledger/pkg/authz"
	"engagement-ledger/pkg/celengine"
	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/repository"

	"github.com/go-playground/validator/v10"
	"github.com/gosimple/slug"
	"go.opentelemetry.io/otel"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

var tracer = otel.Tracer("engagement-ledger/services/tier")

// Variables available to eligibility expressions.
const (
	VarInteractionType = "interaction_type"
	VarActorHandle     = "actor_handle"
	VarCategory        = "category"
	VarTier            = "tier"
)

type Service struct {
	rules      repository.Repository[Rule]
	cache      *RuleCache
	engine     *celengine.Engine
	validate   *validator.Validate
	policy     authz.Policy
	extraTiers []string
	now        func() time.Time
}

type ServiceParams struct {
	fx.In
	DB     *gorm.DB
	Config *config.Config
	Policy authz.Policy
}

func NewService(p ServiceParams) (*Service, error) {
	engine, err := celengine.New(VarInteractionType, VarActorHandle, VarCategory, VarTier)
	if err != nil {
		return nil, err
	}

	ttl := time.Minute
	var extra []string
	if p.Config != nil {
		if p.Config.Engagement.RuleCacheTTL > 0 {
			ttl = p.Config.Engagement.RuleCacheTTL
		}
		for _, t := range p.Config.Engagement.ExtraTiers {
			if t = slug.Make(t); t != "" {
				extra = append(extra, t)
			}
		}
	}

	return &Service{
		rules:      repository.ProvideStore[Rule](p.DB),
		cache:      NewRuleCache(ttl),
		engine:     engine,
		validate:   validator.New(validator.WithRequiredStructEnabled()),
		policy:     p.Policy,
		extraTiers: extra,
		now:        time.Now,
	}, nil
}

// GetRule returns the effective rule for tier: a stored rule if one exists,
// otherwise the seeded default, otherwise the fallback default.
func (s *Service) GetRule(ctx context.Context, tier string) (Rule, error) {
	tier = slug.Make(tier)
	if tier == "" {
		tier = Fallback
	}

	return s.cache.GetOrLoad(tier, func() (Rule, error) {
		stored, err := s.rules.FindOne(ctx, &Rule{Tier: tier})
		if err != nil {
			return Rule{}, err
		}
		if stored != nil {
			return *stored, nil
		}

		if r, ok := Default(tier); ok {
			return r, nil
		}
		if stored, err = s.rules.FindOne(ctx, &Rule{Tier: Fallback}); err != nil {
			return Rule{}, err
		}
		if stored != nil {
			return *stored, nil
		}
		r, _ := Default(Fallback)
		return r, nil
	})
}

// SetRule replaces the rule for tier. Only elevated roles may change rules and
// an invalid rule leaves the stored one untouched.
func (s *Service) SetRule(ctx context.Context, p authz.Principal, tier string, rule Rule) (Rule, error) {
	ctx, span := tracer.Start(ctx, "tier.SetRule")
	defer span.End()
	log := logger.FromContext(ctx)

	if err := s.policy.Authorize(p, authz.ActionManageTierRules); err != nil {
		log.Warn("tier rule change denied", zap.String("subject", p.Subject), zap.String("role", p.Role))
		return Rule{}, err
	}

	tier = slug.Make(tier)
	if tier == "" {
		return Rule{}, errutil.Kind(errutil.ErrInvalidRule, errutil.WithDetails(errutil.Detail{
			Field: "tier", Message: "tier is required",
		}))
	}

	if err := s.check(rule); err != nil {
		return Rule{}, err
	}

	rule.Tier = tier
	rule.UpdatedBy = p.Subject
	rule.UpdatedAt = s.now().UTC()

	err := s.rules.Upsert(ctx, &rule, []string{"tier"}, []string{
		"submission_cost",
		"daily_submission_limit",
		"like_points",
		"retweet_points",
		"reply_points",
		"bonus_multiplier_milli",
		"eligibility_expr",
		"updated_by",
		"updated_at",
	})
	if err != nil {
		log.Error("failed to store tier rule", zap.String("tier", tier), zap.Error(err))
		return Rule{}, err
	}
	s.cache.Invalidate(tier)

	log.Info("tier rule updated", zap.String("tier", tier), zap.String("updated_by", p.Subject))
	return rule, nil
}

func (s *Service) check(rule Rule) error {
	if err := s.validate.Struct(rule); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) {
			return errutil.Kind(errutil.ErrInvalidRule, errutil.WithErr(err))
		}
		details := make([]errutil.Detail, 0, len(verrs))
		for _, fe := range verrs {
			details = append(details, errutil.Detail{
				Field:   fe.Field(),
				Message: fe.Tag() + " " + fe.Param(),
			})
		}
		return errutil.Kind(errutil.ErrInvalidRule, errutil.WithDetails(details...))
	}

	if rule.EligibilityExpr != "" {
		if _, err := s.engine.Compile(rule.EligibilityExpr); err != nil {
			return errutil.Kind(errutil.ErrInvalidRule, errutil.WithErr(err), errutil.WithDetails(errutil.Detail{
				Field: "eligibility_expr", Message: err.Error(),
			}))
		}
	}
	return nil
}

// ListRules returns the effective rule for every known tier, every configured
// extra tier and every tier with a stored rule.
func (s *Service) ListRules(ctx context.Context) ([]Rule, error) {
	stored, err := s.rules.Find(ctx, nil)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool)
	tiers := make([]string, 0, len(Known)+len(s.extraTiers)+len(stored))
	add := func(t string) {
		if !seen[t] {
			seen[t] = true
			tiers = append(tiers, t)
		}
	}
	for _, t := range Known {
		add(t)
	}
	custom := make([]string, 0, len(s.extraTiers)+len(stored))
	custom = append(custom, s.extraTiers...)
	for _, r := range stored {
		custom = append(custom, r.Tier)
	}
	sort.Strings(custom)
	for _, t := range custom {
		add(t)
	}

	out := make([]Rule, 0, len(tiers))
	for _, t := range tiers {
		r, err := s.GetRule(ctx, t)
		if err != nil {
			return nil, err
		}
		r.Tier = t
		out = append(out, r)
	}
	return out, nil
}

// Seed stores the default rule for every known tier that has no stored rule
// and returns how many it inserted.
func (s *Service) Seed(ctx context.Context) (int, error) {
	inserted := 0
	for _, t := range Known {
		r, _ := Default(t)
		r.UpdatedAt = s.now().UTC()
		ok, err := s.rules.CreateIfAbsent(ctx, &r)
		if err != nil {
			return inserted, err
		}
		if ok {
			inserted++
			s.cache.Invalidate(t)
		}
	}
	if inserted > 0 {
		zap.L().Info("seeded default tier rules", zap.Int("inserted", inserted))
	}
	return inserted, nil
}

// Eligible evaluates the rule's eligibility expression. A rule without an
// expression accepts everything. Evaluation errors reject the interaction.
func (s *Service) Eligible(ctx context.Context, rule Rule, interaction Interaction, actorHandle, category string) bool {
	if rule.EligibilityExpr == "" {
		return true
	}

	ok, err := s.engine.Evaluate(rule.EligibilityExpr, map[string]any{
		VarInteractionType: string(interaction),
		VarActorHandle:     actorHandle,
		VarCategory:        category,
		VarTier:            rule.Tier,
	})
	if err != nil {
		logger.FromContext(ctx).Warn("eligibility evaluation failed",
			zap.String("tier", rule.Tier),
			zap.String("expr", rule.EligibilityExpr),
			zap.Error(err),
		)
		return false
	}
	return ok
}
