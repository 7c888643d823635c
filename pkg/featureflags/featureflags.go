package featureflags

import (
	"context"

	"engagement-ledger/pkg/config"

	"github.com/Flagsmith/flagsmith-go-client/v2"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("featureflags", fx.Provide(ProvideFeatureFlag))

// Flag names.
const (
	ScheduledBatch = "scheduled_batch"
)

// FeatureFlag answers whether an operational switch is on. Lookups never
// fail: an unreachable flag service yields the caller's fallback.
type FeatureFlag interface {
	Enabled(ctx context.Context, name string, fallback bool) bool
}

type FeatureParams struct {
	fx.In
	Config *config.Config
}

func ProvideFeatureFlag(p FeatureParams) FeatureFlag {
	if p.Config == nil || p.Config.Flagsmith.ApiKey == "" {
		return Static(nil)
	}

	opts := []flagsmith.Option{
		flagsmith.WithAnalytics(),
	}
	if p.Config.Flagsmith.Addr != "" {
		opts = append(opts, flagsmith.WithBaseURL(p.Config.Flagsmith.Addr))
	}
	return &featureflag{client: flagsmith.NewClient(p.Config.Flagsmith.ApiKey, opts...)}
}

type featureflag struct {
	client *flagsmith.Client
}

func (s *featureflag) Enabled(ctx context.Context, name string, fallback bool) bool {
	flags, err := s.client.GetEnvironmentFlags()
	if err != nil {
		zap.L().Warn("feature flags unavailable", zap.String("flag", name), zap.Error(err))
		return fallback
	}
	on, err := flags.IsFeatureEnabled(name)
	if err != nil {
		return fallback
	}
	return on
}

// Static serves fixed values; unknown names get the fallback.
type Static map[string]bool

func (s Static) Enabled(_ context.Context, name string, fallback bool) bool {
	if on, ok := s[name]; ok {
		return on
	}
	return fallback
}
