package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"engagement-ledger/pkg/db/option"
	"engagement-ledger/pkg/logger"
	"engagement-ledger/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"gorm.io/gorm"
)

const (
	leaderboardTTL      = 60 * time.Second
	leaderboardDefault  = 10
	leaderboardMaxLimit = 100
)

// Leaderboard returns the top balances. Results are cached in Redis under the
// current leaderboard version, which every ledger mutation bumps.
func (s *Service) Leaderboard(ctx context.Context, limit int) ([]LeaderboardEntry, error) {
	if limit <= 0 {
		limit = leaderboardDefault
	}
	if limit > leaderboardMaxLimit {
		limit = leaderboardMaxLimit
	}
	log := logger.FromContext(ctx)

	var key string
	if s.rdb != nil {
		version, err := s.rdb.Get(ctx, rediskey.LeaderboardVersion).Int64()
		if err != nil && !errors.Is(err, redis.Nil) {
			log.Warn("leaderboard version unavailable", zap.Error(err))
		} else {
			key = rediskey.BuildLeaderboardKey(version, limit)
			if raw, err := s.rdb.Get(ctx, key).Bytes(); err == nil {
				var cached []LeaderboardEntry
				if err := json.Unmarshal(raw, &cached); err == nil {
					return cached, nil
				}
			}
		}
	}

	rows, err := s.balances.Find(ctx, nil,
		option.ApplyOperator(option.Condition{Field: "total_points", Operator: option.GT, Value: 0}),
		func(db *gorm.DB) *gorm.DB { return db.Order("total_points DESC, user_id ASC") },
		option.WithLimit(limit),
	)
	if err != nil {
		return nil, err
	}

	out := make([]LeaderboardEntry, 0, len(rows))
	for i, b := range rows {
		out = append(out, LeaderboardEntry{Rank: i + 1, UserID: b.UserID, TotalPoints: b.TotalPoints})
	}

	if key != "" {
		if raw, err := json.Marshal(out); err == nil {
			if err := s.rdb.Set(ctx, key, raw, leaderboardTTL).Err(); err != nil {
				log.Warn("failed to cache leaderboard", zap.Error(err))
			}
		}
	}
	return out, nil
}

// InvalidateLeaderboard bumps the leaderboard version so cached pages are
// never served after a committed mutation.
func (s *Service) InvalidateLeaderboard(ctx context.Context) {
	if s.rdb == nil {
		return
	}
	if err := s.rdb.Incr(ctx, rediskey.LeaderboardVersion).Err(); err != nil {
		logger.FromContext(ctx).Warn("failed to invalidate leaderboard cache", zap.Error(err))
	}
}
