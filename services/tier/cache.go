package tier

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"golang.org/x/sync/singleflight"
)

var (
	cacheHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tier_rule_cache_hits_total",
		Help: "Tier rule lookups served from memory.",
	})
	cacheMiss = promauto.NewCounter(prometheus.CounterOpts{
		Name: "tier_rule_cache_miss_total",
		Help: "Tier rule lookups that went to the database.",
	})
)

type cachedRule struct {
	rule     Rule
	loadedAt time.Time
}

// RuleCache holds effective rules per tier for a short TTL. Concurrent misses
// for the same tier share one load.
type RuleCache struct {
	mu    sync.RWMutex
	items map[string]cachedRule
	ttl   time.Duration
	group singleflight.Group
	now   func() time.Time
}

func NewRuleCache(ttl time.Duration) *RuleCache {
	return &RuleCache{
		items: make(map[string]cachedRule),
		ttl:   ttl,
		now:   time.Now,
	}
}

func (c *RuleCache) Get(tier string) (Rule, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.items[tier]
	if !ok || (c.ttl > 0 && c.now().Sub(v.loadedAt) > c.ttl) {
		return Rule{}, false
	}
	return v.rule, true
}

func (c *RuleCache) Set(tier string, r Rule) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[tier] = cachedRule{rule: r, loadedAt: c.now()}
}

func (c *RuleCache) Invalidate(tier string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.items, tier)
}

// GetOrLoad returns the cached rule or calls load once for all concurrent
// callers asking for the same tier.
func (c *RuleCache) GetOrLoad(tier string, load func() (Rule, error)) (Rule, error) {
	if r, ok := c.Get(tier); ok {
		cacheHits.Inc()
		return r, nil
	}
	cacheMiss.Inc()

	v, err, _ := c.group.Do(tier, func() (any, error) {
		r, err := load()
		if err != nil {
			return Rule{}, err
		}
		c.Set(tier, r)
		return r, nil
	})
	if err != nil {
		return Rule{}, err
	}
	return v.(Rule), nil
}
