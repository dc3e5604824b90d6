// Package bundle materializes per-symbol, per-interval views of bars and
// their derived indicators, with O(log n) as-of lookups.
package bundle

import (
	"context"
	"fmt"
	"sort"
	"time"

	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

// Config selects the kernel parameters a bundle is built with.
type Config struct {
	Envelope indicator.EnvelopeConfig
	State    indicator.StateConfig
	Pattern  indicator.PatternConfig
	// Displacement is the PLdot forward displacement in bar periods.
	Displacement int
}

// DefaultConfig returns the production kernel parameters.
func DefaultConfig() Config {
	return Config{
		Envelope:     indicator.DefaultEnvelopeConfig(),
		State:        indicator.DefaultStateConfig(),
		Pattern:      indicator.DefaultPatternConfig(),
		Displacement: 1,
	}
}

// Bundle is an immutable snapshot of one (symbol, interval) series and every
// indicator derived from it. Bars are sorted by timestamp, so binary search
// serves all as-of lookups.
type Bundle struct {
	Symbol   string
	Interval market.Interval
	Version  uint64

	Bars     []market.Bar
	Dots     []indicator.Point
	Aligned  []indicator.AlignedDot
	Bands    []indicator.Band
	States   []indicator.StatePoint
	Patterns []indicator.PatternEvent

	timestamps []int64 // unix nanos of Bars, ascending
}

// Build computes a bundle from bars. At least four bars are required to align
// a PLdot onto a bar; shorter inputs return ErrInsufficientData.
func Build(symbol string, interval market.Interval, bars []market.Bar, cfg Config, version uint64) (*Bundle, error) {
	if len(bars) < 4 {
		return nil, fmt.Errorf("bundle %s/%s: %w: need 4 bars, have %d",
			symbol, interval, indicator.ErrInsufficientData, len(bars))
	}
	for i := 1; i < len(bars); i++ {
		if !bars[i-1].Timestamp.Before(bars[i].Timestamp) {
			return nil, fmt.Errorf("bundle %s/%s: bars not strictly increasing at %d", symbol, interval, i)
		}
	}

	aligned := indicator.AlignedPLdot(bars)
	bands, err := indicator.EnvelopeSeries(bars, aligned, cfg.Envelope)
	if err != nil {
		return nil, err
	}
	states := indicator.ClassifyStates(bars, aligned, cfg.State)
	patterns := indicator.DetectPatterns(bars, aligned, bands, states, cfg.Pattern)

	ts := make([]int64, len(bars))
	for i := range bars {
		ts[i] = bars[i].Timestamp.UnixNano()
	}

	return &Bundle{
		Symbol:     symbol,
		Interval:   interval,
		Version:    version,
		Bars:       bars,
		Dots:       indicator.PLdot(bars, cfg.Displacement),
		Aligned:    aligned,
		Bands:      bands,
		States:     states,
		Patterns:   patterns,
		timestamps: ts,
	}, nil
}

// asOf returns the index of the most recent bar with timestamp <= t, or -1.
func (b *Bundle) asOf(t time.Time) int {
	n := t.UnixNano()
	idx := sort.Search(len(b.timestamps), func(i int) bool {
		return b.timestamps[i] > n
	})
	return idx - 1
}

// BarAt returns the most recent bar at or before t.
func (b *Bundle) BarAt(t time.Time) (market.Bar, bool) {
	i := b.asOf(t)
	if i < 0 {
		return market.Bar{}, false
	}
	return b.Bars[i], true
}

// StateAt returns the most recent classified state at or before t.
func (b *Bundle) StateAt(t time.Time) (indicator.StatePoint, bool) {
	i := b.asOf(t)
	if i < 0 {
		return indicator.StatePoint{}, false
	}
	return b.States[i], true
}

// PLdotAt returns the dot value projected onto the most recent bar at or
// before t.
func (b *Bundle) PLdotAt(t time.Time) (float64, bool) {
	i := b.asOf(t)
	if i < 0 || !b.Aligned[i].OK {
		return 0, false
	}
	return b.Aligned[i].Value, true
}

// EnvelopeAt returns the band at the most recent bar at or before t.
func (b *Bundle) EnvelopeAt(t time.Time) (indicator.Band, bool) {
	i := b.asOf(t)
	if i < 0 || !b.Bands[i].Valid() {
		return indicator.Band{}, false
	}
	return b.Bands[i], true
}

// DotSlopeStrength returns the per-bar dot slope strength in [0,1] at the
// most recent bar at or before t.
func (b *Bundle) DotSlopeStrength(t time.Time, epsilon float64) float64 {
	i := b.asOf(t)
	if i < 0 {
		return 0
	}
	return indicator.PLdotSlopeStrength(b.Aligned, i, epsilon)
}

// ATRAt returns the trailing ATR over n bars ending at or before t.
func (b *Bundle) ATRAt(t time.Time, n int) (float64, bool) {
	i := b.asOf(t)
	if i < 1 {
		return 0, false
	}
	atr, err := indicator.ATR(b.Bars[:i+1], n)
	if err != nil {
		return 0, false
	}
	return atr, true
}

// PatternsAt returns the pattern events whose window contains or ends at or
// before t and no further back than maxAge.
func (b *Bundle) PatternsAt(t time.Time, maxAge time.Duration) []indicator.PatternEvent {
	var out []indicator.PatternEvent
	for _, ev := range b.Patterns {
		if ev.End.After(t) {
			continue
		}
		if maxAge > 0 && t.Sub(ev.End) > maxAge {
			continue
		}
		out = append(out, ev)
	}
	return out
}

// SeriesCache is an optional external cache consulted after the in-memory
// cache misses. The series identity is the bar tail feeding the bundle;
// failures are treated as misses.
type SeriesCache interface {
	Get(ctx context.Context, symbol string, interval market.Interval, lastBar time.Time, count int, dest *Bundle) (bool, error)
	Put(ctx context.Context, symbol string, interval market.Interval, lastBar time.Time, count int, b *Bundle) error
}

// Builder materializes bundles from a bar store with an in-memory cache.
type Builder struct {
	store    store.BarStore
	cfg      Config
	cache    *Cache
	external SeriesCache
	window   int // bars fetched per bundle
}

// NewBuilder creates a builder over a bar store. window bounds how many bars
// feed each bundle (default 200).
func NewBuilder(barStore store.BarStore, cfg Config, cache *Cache, window int) *Builder {
	if window <= 0 {
		window = 200
	}
	return &Builder{store: barStore, cfg: cfg, cache: cache, window: window}
}

// SetExternal attaches an external series cache.
func (bl *Builder) SetExternal(sc SeriesCache) {
	bl.external = sc
}

// Materialize returns the bundle for (symbol, interval) as of asOf, from
// cache when the cached version is still current.
func (bl *Builder) Materialize(ctx context.Context, symbol string, interval market.Interval, asOf time.Time) (*Bundle, error) {
	if bl.cache != nil {
		if b, ok := bl.cache.Get(symbol, interval, asOf); ok {
			return b, nil
		}
	}

	start := asOf.Add(-time.Duration(bl.window) * interval.Duration())
	bars, err := bl.store.GetBars(ctx, symbol, interval, start, asOf)
	if err != nil {
		return nil, fmt.Errorf("materialize %s/%s: %w", symbol, interval, err)
	}

	version := uint64(1)
	if bl.cache != nil {
		version = bl.cache.nextVersion(symbol, interval)
	}

	if bl.external != nil && len(bars) > 0 {
		last := bars[len(bars)-1].Timestamp
		var cached Bundle
		if ok, _ := bl.external.Get(ctx, symbol, interval, last, len(bars), &cached); ok {
			cached.Version = version
			cached.reindex()
			if bl.cache != nil {
				bl.cache.put(symbol, interval, asOf, &cached)
			}
			return &cached, nil
		}
	}

	b, err := Build(symbol, interval, bars, bl.cfg, version)
	if err != nil {
		return nil, err
	}
	if bl.external != nil && len(bars) > 0 {
		_ = bl.external.Put(ctx, symbol, interval, bars[len(bars)-1].Timestamp, len(bars), b)
	}
	if bl.cache != nil {
		bl.cache.put(symbol, interval, asOf, b)
	}
	return b, nil
}

// reindex rebuilds the binary-search index after the bundle crossed a
// serialization boundary.
func (b *Bundle) reindex() {
	b.timestamps = make([]int64, len(b.Bars))
	for i := range b.Bars {
		b.timestamps[i] = b.Bars[i].Timestamp.UnixNano()
	}
}
