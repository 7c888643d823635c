package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func init() {
	zap.ReplaceGlobals(zap.NewNop())
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg := LoadConfig(Params{})

	require.Equal(t, "engagement-ledger", cfg.AppName)
	require.Equal(t, "micro", cfg.Engagement.DefaultTier)
	require.Equal(t, 60, cfg.Batch.MaxItems)
	require.Equal(t, 24*time.Hour, cfg.Batch.Retention)
	require.Equal(t, int64(1000), cfg.Maintenance.InitialGrant)
	require.Equal(t, "@every 1h", cfg.Batch.Schedule)
}

func TestLoadConfigFromEnvironment(t *testing.T) {
	t.Setenv("BATCH_MAX_ITEMS", "10")
	t.Setenv("SOURCE_HOURLY_BUDGET", "7")
	t.Setenv("ENGAGEMENT_TIMEZONE", "Europe/Berlin")

	cfg := LoadConfig(Params{})

	require.Equal(t, 10, cfg.Batch.MaxItems)
	require.Equal(t, int64(7), cfg.Source.HourlyBudget)
	require.Equal(t, "Europe/Berlin", cfg.Location().String())
}

func TestLocationFallsBackToUTC(t *testing.T) {
	cfg := &Config{}
	cfg.Engagement.Timezone = "Mars/Olympus"

	require.Equal(t, time.UTC, cfg.Location())
}
