package config

import (
	"context"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/hashicorp/vault-client-go"
	"github.com/spf13/viper"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type Config struct {
	AppEnv     string `mapstructure:"APP_ENV"`
	AppName    string `mapstructure:"APP_NAME"`
	AppVersion string `mapstructure:"APP_VERSION"`
	TLS        struct {
		Enable   bool   `mapstructure:"ENABLE"`
		CertPath string `mapstructure:"CERT_PATH"`
		KeyPath  string `mapstructure:"KEY_PATH"`
	} `mapstructure:"TLS"`
	Otel struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"OTEL"`
	Pyroscope struct {
		Addr string `mapstructure:"ADDR"`
	} `mapstructure:"PYROSCOPE"`
	Server struct {
		Addr         string        `mapstructure:"ADDR"`
		ReadTimeout  time.Duration `mapstructure:"READ_TIMEOUT"`
		WriteTimeout time.Duration `mapstructure:"WRITE_TIMEOUT"`
		IdleTimeout  time.Duration `mapstructure:"IDLE_TIMEOUT"`
	} `mapstructure:"HTTP_SERVER"`
	Database struct {
		Type           string `mapstructure:"TYPE"`
		Host           string `mapstructure:"HOST"`
		Port           string `mapstructure:"PORT"`
		DBNAME         string `mapstructure:"DBNAME"`
		User           string `mapstructure:"USER"`
		Password       string `mapstructure:"PASSWORD"`
		SSLMode        string `mapstructure:"SSLMODE"`
		Timezone       string `mapstructure:"TIMEZONE"`
		Metrics        bool   `mapstructure:"METRICS"`
		ConnectionPool struct {
			MaxIdleConn     int           `mapstructure:"MAX_IDLE_CONN"`
			MaxOpenConns    int           `mapstructure:"MAX_OPEN_CONNS"`
			ConnMaxLifetime time.Duration `mapstructure:"CONN_MAX_LIFETIME"`
			ConnMaxIdleTime time.Duration `mapstructure:"CONN_MAX_IDLE_TIME"`
		} `mapstructure:"CONNECTION_POOL"`
	} `mapstructure:"DATABASE"`
	Redis struct {
		Addr        string        `mapstructure:"ADDR"`
		Password    string        `mapstructure:"PASSWORD"`
		DB          int           `mapstructure:"DB"`
		PoolSize    int           `mapstructure:"POOL_SIZE"`
		PoolTimeout time.Duration `mapstructure:"POOL_TIMEOUT"`
	} `mapstructure:"REDIS"`
	Auth struct {
		JWTSecret string `mapstructure:"JWT_SECRET"`
		Issuer    string `mapstructure:"ISSUER"`
	} `mapstructure:"AUTH"`
	AccessControl struct {
		Model  string `mapstructure:"MODEL"`
		Policy string `mapstructure:"POLICY"`
	} `mapstructure:"ACCESS_CONTROL"`
	Engagement struct {
		NodeID        int64         `mapstructure:"NODE_ID"`
		Timezone      string        `mapstructure:"TIMEZONE"`
		DefaultTier   string        `mapstructure:"DEFAULT_TIER"`
		LockRetention time.Duration `mapstructure:"LOCK_RETENTION"`
		RuleCacheTTL  time.Duration `mapstructure:"RULE_CACHE_TTL"`
		ExtraTiers    []string      `mapstructure:"EXTRA_TIERS"`
	} `mapstructure:"ENGAGEMENT"`
	Batch struct {
		Retention   time.Duration `mapstructure:"RETENTION"`
		MaxItems    int           `mapstructure:"MAX_ITEMS"`
		Concurrency int           `mapstructure:"CONCURRENCY"`
		MaxAttempts int           `mapstructure:"MAX_ATTEMPTS"`
		StaleAfter  time.Duration `mapstructure:"STALE_AFTER"`
		Schedule    string        `mapstructure:"SCHEDULE"`
	} `mapstructure:"BATCH"`
	Source struct {
		BaseURL       string        `mapstructure:"BASE_URL"`
		Token         string        `mapstructure:"TOKEN"`
		Timeout       time.Duration `mapstructure:"TIMEOUT"`
		RatePerSecond float64       `mapstructure:"RATE_PER_SECOND"`
		HourlyBudget  int64         `mapstructure:"HOURLY_BUDGET"`
		BudgetWindow  time.Duration `mapstructure:"BUDGET_WINDOW"`
	} `mapstructure:"SOURCE"`
	Flagsmith struct {
		ApiKey string `mapstructure:"API_KEY"`
		Addr   string `mapstructure:"ADDR"`
	} `mapstructure:"FLAGSMITH"`
	Maintenance struct {
		InitialGrant int64         `mapstructure:"INITIAL_GRANT"`
		ClaimTimeout time.Duration `mapstructure:"CLAIM_TIMEOUT"`
	} `mapstructure:"MAINTENANCE"`
}

var Module = fx.Module("config", fx.Provide(LoadConfig))

type Params struct {
	fx.In
	Vault *vault.Client `optional:"true"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("APP_NAME", "engagement-ledger")
	v.SetDefault("APP_ENV", "development")
	v.SetDefault("HTTP_SERVER.ADDR", "8080")
	v.SetDefault("HTTP_SERVER.READ_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.WRITE_TIMEOUT", 15*time.Second)
	v.SetDefault("HTTP_SERVER.IDLE_TIMEOUT", 60*time.Second)
	v.SetDefault("DATABASE.TYPE", "postgres")
	v.SetDefault("DATABASE.SSLMODE", "disable")
	v.SetDefault("DATABASE.TIMEZONE", "UTC")
	v.SetDefault("REDIS.ADDR", "127.0.0.1:6379")
	v.SetDefault("REDIS.POOL_SIZE", 10)
	v.SetDefault("REDIS.POOL_TIMEOUT", 4*time.Second)
	v.SetDefault("AUTH.ISSUER", "engagement-ledger")
	v.SetDefault("ENGAGEMENT.NODE_ID", 1)
	v.SetDefault("ENGAGEMENT.TIMEZONE", "America/New_York")
	v.SetDefault("ENGAGEMENT.DEFAULT_TIER", "micro")
	v.SetDefault("ENGAGEMENT.LOCK_RETENTION", 90*24*time.Hour)
	v.SetDefault("ENGAGEMENT.RULE_CACHE_TTL", time.Minute)
	v.SetDefault("BATCH.RETENTION", 24*time.Hour)
	v.SetDefault("BATCH.MAX_ITEMS", 60)
	v.SetDefault("BATCH.CONCURRENCY", 4)
	v.SetDefault("BATCH.MAX_ATTEMPTS", 3)
	v.SetDefault("BATCH.STALE_AFTER", 30*time.Minute)
	v.SetDefault("BATCH.SCHEDULE", "@every 1h")
	v.SetDefault("SOURCE.TIMEOUT", 10*time.Second)
	v.SetDefault("SOURCE.RATE_PER_SECOND", 1.0)
	v.SetDefault("SOURCE.HOURLY_BUDGET", 120)
	v.SetDefault("SOURCE.BUDGET_WINDOW", time.Hour)
	v.SetDefault("MAINTENANCE.INITIAL_GRANT", 1000)
	v.SetDefault("MAINTENANCE.CLAIM_TIMEOUT", time.Hour)
}

func LoadConfig(p Params) *Config {
	config := viper.New()
	setDefaults(config)

	config.SetConfigName("config")
	config.SetConfigType("yaml")
	config.AddConfigPath(".")

	config.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	config.AutomaticEnv()

	if err := config.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			zap.L().Error("failed to read config", zap.Error(err))
			os.Exit(1)
		}
		zap.L().Warn("config.yaml not found, using defaults and environment")
	}

	var cfg Config
	if err := config.Unmarshal(&cfg); err != nil {
		zap.L().Error("failed to unmarshal config", zap.Error(err))
		os.Exit(1)
	}

	if p.Vault != nil {
		if err := overlaySecrets(context.Background(), p.Vault, &cfg); err != nil {
			zap.L().Error("failed get secret from vault", zap.Error(err))
			os.Exit(1)
		}
	}

	return &cfg
}

func overlaySecrets(ctx context.Context, client *vault.Client, cfg *Config) error {
	zap.L().Info("Starting Get Secrets", zap.String("path", cfg.AppEnv))
	secret, err := client.Secrets.KvV2Read(ctx, cfg.AppEnv, vault.WithMountPath("secret"))
	if err != nil {
		return err
	}
	zap.L().Info("Success Get Secret")

	get := func(key, fallback string) string {
		if val, ok := secret.Data.Data[key].(string); ok && val != "" {
			return val
		}
		return fallback
	}

	cfg.Database.User = get("postgres_user", cfg.Database.User)
	cfg.Database.Password = get("postgres_password", cfg.Database.Password)
	cfg.Redis.Password = get("redis_password", cfg.Redis.Password)
	cfg.Auth.JWTSecret = get("jwt_secret", cfg.Auth.JWTSecret)
	cfg.Source.Token = get("source_token", cfg.Source.Token)

	return nil
}

// Location resolves the reference timezone used for quota day boundaries.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Engagement.Timezone)
	if err != nil {
		zap.L().Warn("unknown engagement timezone, falling back to UTC", zap.String("timezone", c.Engagement.Timezone), zap.Error(err))
		return time.UTC
	}
	return loc
}
