package directory

import (
	"context"
	"time"

	"practice-dialer/internal/cache"
	"practice-dialer/internal/metrics"
	"practice-dialer/pkg/logger"

	"golang.org/x/sync/singleflight"
)

// Cached decorates a Lookup with a TTL cache. Concurrent misses for the same
// practice share one upstream request.
type Cached struct {
	next    Lookup
	entries cache.JSON[Practice]
	group   singleflight.Group

	Metrics *metrics.Metrics
}

func NewCached(next Lookup, store cache.Store, ttl time.Duration) *Cached {
	return &Cached{
		next:    next,
		entries: cache.JSON[Practice]{Store: store, TTL: ttl},
	}
}

func (c *Cached) Practice(ctx context.Context, eID string) (Practice, error) {
	key := "practice:" + eID
	if p, ok, err := c.entries.Get(ctx, key); err != nil {
		logger.From(ctx).Warn("directory cache read failed", "e_id", eID, "err", err)
	} else if ok {
		c.Metrics.DirectoryLookup("cache")
		return p, nil
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		p, err := c.next.Practice(ctx, eID)
		if err != nil {
			return Practice{}, err
		}
		if err := c.entries.Set(ctx, key, p); err != nil {
			logger.From(ctx).Warn("directory cache write failed", "e_id", eID, "err", err)
		}
		return p, nil
	})
	if err != nil {
		c.Metrics.DirectoryLookup("error")
		return Practice{}, err
	}
	c.Metrics.DirectoryLookup("remote")
	return v.(Practice), nil
}

// Invalidate drops a cached practice, e.g. after it changed its hours.
func (c *Cached) Invalidate(ctx context.Context, eID string) error {
	return c.entries.Store.Delete(ctx, "practice:"+eID)
}
