package cache

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

// DefaultIndicatorTTL bounds staleness of cached indicator series. Bar writes
// invalidate eagerly; the TTL is the backstop for missed invalidations.
const DefaultIndicatorTTL = 5 * time.Minute

// IndicatorCache caches computed indicator series keyed by the series
// identity plus a fingerprint of the bars that produced it. A stale
// fingerprint is simply a miss.
type IndicatorCache struct {
	cs  *CacheService
	ttl time.Duration
}

// NewIndicatorCache wraps a CacheService for indicator series.
func NewIndicatorCache(cs *CacheService, ttl time.Duration) *IndicatorCache {
	if ttl <= 0 {
		ttl = DefaultIndicatorTTL
	}
	return &IndicatorCache{cs: cs, ttl: ttl}
}

// Key builds the cache key for one indicator series.
// Layout: ind:{type}:{symbol}:{interval}:{params}:{fingerprint}
func Key(indicatorType, symbol string, interval market.Interval, params, fingerprint string) string {
	return fmt.Sprintf("ind:%s:%s:%s:%s:%s", indicatorType, symbol, interval, params, fingerprint)
}

// Fingerprint derives the bar-identity component of a key from the series
// tail: the last bar's timestamp and the bar count.
func Fingerprint(lastBar time.Time, count int) string {
	return fmt.Sprintf("%d-%d", lastBar.Unix(), count)
}

// Get reads a cached series into dest. The bool reports a hit; errors other
// than a miss are returned for logging but callers should treat any failure
// as a miss.
func (ic *IndicatorCache) Get(ctx context.Context, key string, dest interface{}) (bool, error) {
	err := ic.cs.GetJSON(ctx, key, dest)
	if err == redis.Nil {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Put stores a computed series under the key.
func (ic *IndicatorCache) Put(ctx context.Context, key string, value interface{}) error {
	return ic.cs.SetJSON(ctx, key, value, ic.ttl)
}

// Invalidate drops every cached series for (symbol, interval). Writes to the
// base interval also drop the coarser intervals synthesized from it.
func (ic *IndicatorCache) Invalidate(ctx context.Context, symbol string, interval market.Interval) error {
	if err := ic.cs.DeletePattern(ctx, seriesPattern(symbol, interval)); err != nil {
		return err
	}
	if interval != market.BaseInterval {
		return nil
	}
	for _, iv := range market.Intervals {
		if iv.Duration() > interval.Duration() && iv.Duration()%interval.Duration() == 0 {
			if err := ic.cs.DeletePattern(ctx, seriesPattern(symbol, iv)); err != nil {
				return err
			}
		}
	}
	return nil
}

// Listener adapts Invalidate to a bar store update listener. Invalidation
// failures are swallowed: the fingerprint and TTL already bound staleness.
func (ic *IndicatorCache) Listener() store.UpdateListener {
	return func(symbol string, interval market.Interval) {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = ic.Invalidate(ctx, symbol, interval)
	}
}

func seriesPattern(symbol string, interval market.Interval) string {
	return fmt.Sprintf("ind:*:%s:%s:*", symbol, interval)
}

// BundleAdapter exposes the indicator cache as a bundle series cache, so
// materialized bundles survive across processes and restarts.
type BundleAdapter struct {
	ic        *IndicatorCache
	params    string
	onOutcome func(hit bool)
}

// Bundles adapts the cache for bundle storage. params identifies the kernel
// configuration the bundles were built with; onOutcome, when non-nil, observes
// every lookup.
func (ic *IndicatorCache) Bundles(params string, onOutcome func(hit bool)) *BundleAdapter {
	return &BundleAdapter{ic: ic, params: params, onOutcome: onOutcome}
}

func (a *BundleAdapter) Get(ctx context.Context, symbol string, interval market.Interval, lastBar time.Time, count int, dest *bundle.Bundle) (bool, error) {
	key := Key("bundle", symbol, interval, a.params, Fingerprint(lastBar, count))
	hit, err := a.ic.Get(ctx, key, dest)
	if a.onOutcome != nil {
		a.onOutcome(hit)
	}
	return hit, err
}

func (a *BundleAdapter) Put(ctx context.Context, symbol string, interval market.Interval, lastBar time.Time, count int, b *bundle.Bundle) error {
	key := Key("bundle", symbol, interval, a.params, Fingerprint(lastBar, count))
	return a.ic.Put(ctx, key, b)
}
