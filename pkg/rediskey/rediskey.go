package rediskey

import (
	"fmt"
	"strconv"
	"time"
)

// Engagement keys (shared by the API and the worker)
const (
	Namespace          = "engagement"
	LeaderboardPrefix  = "engagement:cache:leaderboard"
	LeaderboardVersion = "engagement:cache:leaderboard:version"
	SourceBudgetPrefix = "engagement:ratelimit"
	SequencePrefix     = "engagement:seq"
)

func NamespaceKey(namespace, key string) string {
	return fmt.Sprintf("%s:%s", namespace, key)
}

// BuildLeaderboardKey returns "engagement:cache:leaderboard:{version}:{limit}"
func BuildLeaderboardKey(version int64, limit int) string {
	return NamespaceKey(LeaderboardPrefix, strconv.FormatInt(version, 10)+":"+strconv.Itoa(limit))
}

// BuildSourceBudgetKey returns "engagement:ratelimit:{windowStartUnix}" for
// the fixed window containing now.
func BuildSourceBudgetKey(now time.Time, window time.Duration) string {
	start := now.Truncate(window).Unix()
	return NamespaceKey(SourceBudgetPrefix, strconv.FormatInt(start, 10))
}

// BuildSequenceKey returns "engagement:seq:{prefix}:{day}"
func BuildSequenceKey(prefix, day string) string {
	return NamespaceKey(SequencePrefix, prefix+":"+day)
}
