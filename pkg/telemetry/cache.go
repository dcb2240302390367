package telemetry

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/redis/v8"
	lru "github.com/hashicorp/golang-lru/v2"
)

// defaultReportCacheSize bounds the in-process tier of the report cache
const defaultReportCacheSize = 256

// cachedReport pairs a report with its in-process expiry
type cachedReport struct {
	report    *Report
	expiresAt time.Time
}

// ReportCache is a two-tier read cache for generated reports: an in-process
// LRU in front of an optional Redis tier. The engine itself never consults
// it; only the serving layer does, so identical report requests with no
// intervening writes stay deterministic.
type ReportCache struct {
	l1    *lru.Cache[string, cachedReport]
	redis *redis.Client
	ttl   time.Duration
	now   func() time.Time
}

// NewReportCache creates a report cache. client may be nil, in which case
// only the in-process tier is used.
func NewReportCache(client *redis.Client, ttl time.Duration) (*ReportCache, error) {
	l1, err := lru.New[string, cachedReport](defaultReportCacheSize)
	if err != nil {
		return nil, err
	}
	return &ReportCache{
		l1:    l1,
		redis: client,
		ttl:   ttl,
		now:   time.Now,
	}, nil
}

// Get returns a cached report for the request, or nil on a miss. Redis
// failures are treated as misses; the cache never blocks report generation.
func (c *ReportCache) Get(ctx context.Context, req ReportRequest) *Report {
	key := req.CacheKey()

	if entry, ok := c.l1.Get(key); ok {
		if c.now().Before(entry.expiresAt) {
			return entry.report
		}
		c.l1.Remove(key)
	}

	if c.redis == nil {
		return nil
	}

	data, err := c.redis.Get(ctx, key).Result()
	if err != nil {
		return nil
	}

	var report Report
	if err := json.Unmarshal([]byte(data), &report); err != nil {
		c.redis.Del(ctx, key)
		return nil
	}

	c.l1.Add(key, cachedReport{report: &report, expiresAt: c.now().Add(c.ttl)})
	return &report
}

// Set stores a report in both tiers. Redis write failures are ignored.
func (c *ReportCache) Set(ctx context.Context, req ReportRequest, report *Report) {
	key := req.CacheKey()
	c.l1.Add(key, cachedReport{report: report, expiresAt: c.now().Add(c.ttl)})

	if c.redis == nil {
		return
	}
	data, err := json.Marshal(report)
	if err != nil {
		return
	}
	c.redis.Set(ctx, key, data, c.ttl)
}

// Purge drops both tiers, used when staleness matters more than hit rate
func (c *ReportCache) Purge(ctx context.Context) {
	c.l1.Purge()
	if c.redis == nil {
		return
	}
	iter := c.redis.Scan(ctx, 0, "report:*", 100).Iterator()
	for iter.Next(ctx) {
		c.redis.Del(ctx, iter.Val())
	}
}
