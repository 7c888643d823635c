package source

import (
	"context"
	"errors"
	"time"

	"engagement-ledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
)

// Budget is a fixed-window request allowance shared by every worker through
// Redis.
type Budget struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewBudget(rdb *redis.Client, limit int64, window time.Duration) *Budget {
	if window <= 0 {
		window = time.Hour
	}
	return &Budget{rdb: rdb, limit: limit, window: window, now: time.Now}
}

// Take consumes one request from the current window and reports whether the
// window still had room.
func (b *Budget) Take(ctx context.Context) (bool, error) {
	key := rediskey.BuildSourceBudgetKey(b.now(), b.window)

	pipe := b.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, b.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, err
	}
	return incr.Val() <= b.limit, nil
}

// Remaining reports how many requests are left in the current window.
func (b *Budget) Remaining(ctx context.Context) (int64, error) {
	used, err := b.rdb.Get(ctx, rediskey.BuildSourceBudgetKey(b.now(), b.window)).Int64()
	if errors.Is(err, redis.Nil) {
		return b.limit, nil
	}
	if err != nil {
		return 0, err
	}
	if used >= b.limit {
		return 0, nil
	}
	return b.limit - used, nil
}
