package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"engagement-ledger/pkg/config"
	"engagement-ledger/pkg/errutil"
	"engagement-ledger/pkg/logger"

	"github.com/go-resty/resty/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

//go:generate mockgen -source=client.go -destination=mock/mock_client.go -package=mock_source

var Module = fx.Module("source",
	fx.Provide(New),
)

// Engagements lists the actor handles that interacted with a post.
type Engagements struct {
	Likes    []string `json:"likes"`
	Retweets []string `json:"retweets"`
	Replies  []string `json:"replies"`
}

// Client fetches engagement signals for a post from the external platform.
type Client interface {
	FetchEngagements(ctx context.Context, postID string) (*Engagements, error)
}

type httpClient struct {
	http    *resty.Client
	limiter *rate.Limiter
	budget  *Budget
}

type Params struct {
	fx.In
	Config *config.Config
	Redis  *redis.Client `optional:"true"`
}

func New(p Params) Client {
	cfg := p.Config.Source

	rc := resty.New().
		SetBaseURL(cfg.BaseURL).
		SetTimeout(cfg.Timeout).
		SetHeader("Accept", "application/json")
	if cfg.Token != "" {
		rc.SetAuthToken(cfg.Token)
	}

	limit := rate.Inf
	if cfg.RatePerSecond > 0 {
		limit = rate.Limit(cfg.RatePerSecond)
	}

	var budget *Budget
	if p.Redis != nil && cfg.HourlyBudget > 0 {
		budget = NewBudget(p.Redis, cfg.HourlyBudget, cfg.BudgetWindow)
	}

	return &httpClient{
		http:    rc,
		limiter: rate.NewLimiter(limit, 1),
		budget:  budget,
	}
}

// FetchEngagements waits for the local pacer, spends one unit of the shared
// budget and calls the API. Budget exhaustion, transport failures, throttling
// and server errors are all reported as ExternalSourceUnavailable.
func (c *httpClient) FetchEngagements(ctx context.Context, postID string) (*Engagements, error) {
	log := logger.FromContext(ctx).With(zap.String("post_id", postID))

	if err := c.limiter.Wait(ctx); err != nil {
		return nil, unavailable(err)
	}

	if c.budget != nil {
		ok, err := c.budget.Take(ctx)
		if err != nil {
			return nil, unavailable(fmt.Errorf("budget: %w", err))
		}
		if !ok {
			log.Warn("engagement source budget exhausted")
			return nil, unavailable(errors.New("hourly request budget exhausted"))
		}
	}

	var out Engagements
	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetPathParam("id", postID).
		SetResult(&out).
		Get("/posts/{id}/engagements")
	if err != nil {
		return nil, unavailable(err)
	}

	log.Debug("engagement source call",
		zap.Int("status", resp.StatusCode()),
		zap.Duration("elapsed", time.Since(start)),
	)

	switch {
	case resp.StatusCode() == http.StatusNotFound:
		return &Engagements{}, nil
	case resp.IsError():
		return nil, unavailable(fmt.Errorf("unexpected status %d", resp.StatusCode()))
	}
	return &out, nil
}

func unavailable(err error) error {
	return errutil.Kind(errutil.ErrExternalSourceUnavailable, errutil.WithErr(err))
}
