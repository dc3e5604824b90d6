package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"drummond-analytics/internal/market"
)

// BarStore provides idempotent persistence of OHLCV bars keyed by
// (symbol, interval, timestamp).
type BarStore interface {
	// GetBars returns bars in [start, end] ordered by timestamp. When no bars
	// exist for the requested interval but the base interval is covered, the
	// store synthesizes coarser bars by aggregation.
	GetBars(ctx context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Bar, error)

	// UpsertBars inserts or updates bars. Duplicates with identical content
	// are skipped; differing content replaces the stored bar only while the
	// stored bar is provisional.
	UpsertBars(ctx context.Context, symbol string, interval market.Interval, bars []market.Bar) (inserted, updated int, err error)

	// LatestBar returns the most recent bar, or nil when none exist.
	LatestBar(ctx context.Context, symbol string, interval market.Interval) (*market.Bar, error)

	// Coverage reports the stored range and count for a series.
	Coverage(ctx context.Context, symbol string, interval market.Interval) (first, last time.Time, count int, err error)
}

// UpdateListener is notified after bars are written to a store. Used to
// invalidate bundle and indicator caches.
type UpdateListener func(symbol string, interval market.Interval)

type seriesKey struct {
	symbol   string
	interval market.Interval
}

type series struct {
	mu   sync.Mutex
	bars []market.Bar // kept sorted by timestamp, strictly increasing
}

// MemoryStore is an in-memory BarStore. Writers serialize per
// (symbol, interval); readers copy out slices so callers never share the
// underlying storage. Used by the backtester and as the reconciler's working
// set in tests.
type MemoryStore struct {
	mu        sync.RWMutex
	data      map[seriesKey]*series
	listeners []UpdateListener
}

// NewMemoryStore creates an empty in-memory bar store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{data: make(map[seriesKey]*series)}
}

// OnUpdate registers a listener invoked after each successful upsert that
// changed data.
func (s *MemoryStore) OnUpdate(fn UpdateListener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *MemoryStore) getSeries(key seriesKey, create bool) *series {
	s.mu.RLock()
	sr := s.data[key]
	s.mu.RUnlock()
	if sr != nil || !create {
		return sr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if sr = s.data[key]; sr == nil {
		sr = &series{}
		s.data[key] = sr
	}
	return sr
}

// UpsertBars implements BarStore.
func (s *MemoryStore) UpsertBars(ctx context.Context, symbol string, interval market.Interval, bars []market.Bar) (int, int, error) {
	if len(bars) == 0 {
		return 0, 0, nil
	}
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return 0, 0, err
		}
	}

	sr := s.getSeries(seriesKey{symbol, interval}, true)
	sr.mu.Lock()
	var inserted, updated int
	for i := range bars {
		b := bars[i]
		b.Normalize()
		idx := sort.Search(len(sr.bars), func(j int) bool {
			return !sr.bars[j].Timestamp.Before(b.Timestamp)
		})
		if idx < len(sr.bars) && sr.bars[idx].Timestamp.Equal(b.Timestamp) {
			existing := &sr.bars[idx]
			if existing.Equal(&b) {
				// Identical content: only allow the provisional flag to clear.
				if existing.IsProvisional && !b.IsProvisional {
					existing.IsProvisional = false
					updated++
				}
				continue
			}
			if !existing.IsProvisional {
				// Finalized bars are immutable; differing duplicates are dropped.
				continue
			}
			sr.bars[idx] = b
			updated++
			continue
		}
		sr.bars = append(sr.bars, market.Bar{})
		copy(sr.bars[idx+1:], sr.bars[idx:])
		sr.bars[idx] = b
		inserted++
	}
	sr.mu.Unlock()

	if inserted > 0 || updated > 0 {
		s.mu.RLock()
		listeners := s.listeners
		s.mu.RUnlock()
		for _, fn := range listeners {
			fn(symbol, interval)
		}
	}
	return inserted, updated, nil
}

// GetBars implements BarStore.
func (s *MemoryStore) GetBars(ctx context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Bar, error) {
	sr := s.getSeries(seriesKey{symbol, interval}, false)
	if sr != nil {
		if out := sliceRange(sr, start, end); len(out) > 0 {
			return out, nil
		}
	}

	// Fall back to synthesizing from the base interval.
	if interval != market.BaseInterval && interval.Duration() > market.BaseInterval.Duration() &&
		interval.Duration()%market.BaseInterval.Duration() == 0 {
		base := s.getSeries(seriesKey{symbol, market.BaseInterval}, false)
		if base != nil {
			// Widen the window to whole target buckets so edge buckets are complete.
			baseBars := sliceRange(base, interval.Truncate(start), end)
			if len(baseBars) > 0 {
				agg, err := market.Aggregate(baseBars, market.BaseInterval, interval)
				if err != nil {
					return nil, err
				}
				out := agg[:0:0]
				for _, b := range agg {
					if !b.Timestamp.Before(start) && !b.Timestamp.After(end) {
						out = append(out, b)
					}
				}
				return out, nil
			}
		}
	}
	return nil, nil
}

func sliceRange(sr *series, start, end time.Time) []market.Bar {
	sr.mu.Lock()
	defer sr.mu.Unlock()
	lo := sort.Search(len(sr.bars), func(i int) bool {
		return !sr.bars[i].Timestamp.Before(start)
	})
	hi := sort.Search(len(sr.bars), func(i int) bool {
		return sr.bars[i].Timestamp.After(end)
	})
	if lo >= hi {
		return nil
	}
	out := make([]market.Bar, hi-lo)
	copy(out, sr.bars[lo:hi])
	return out
}

// LatestBar implements BarStore.
func (s *MemoryStore) LatestBar(ctx context.Context, symbol string, interval market.Interval) (*market.Bar, error) {
	sr := s.getSeries(seriesKey{symbol, interval}, false)
	if sr == nil {
		return nil, nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.bars) == 0 {
		return nil, nil
	}
	b := sr.bars[len(sr.bars)-1]
	return &b, nil
}

// Coverage implements BarStore.
func (s *MemoryStore) Coverage(ctx context.Context, symbol string, interval market.Interval) (time.Time, time.Time, int, error) {
	sr := s.getSeries(seriesKey{symbol, interval}, false)
	if sr == nil {
		return time.Time{}, time.Time{}, 0, nil
	}
	sr.mu.Lock()
	defer sr.mu.Unlock()
	if len(sr.bars) == 0 {
		return time.Time{}, time.Time{}, 0, nil
	}
	return sr.bars[0].Timestamp, sr.bars[len(sr.bars)-1].Timestamp, len(sr.bars), nil
}
