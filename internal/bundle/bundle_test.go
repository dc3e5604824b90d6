package bundle

import (
	"context"
	"math"
	"testing"
	"time"

	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

func seedBars(t *testing.T, s *store.MemoryStore, n int, start float64) time.Time {
	t.Helper()
	base := time.Date(2025, 11, 6, 14, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)
		bars[i] = market.Bar{
			Symbol:    "ABT",
			Interval:  market.Interval5m,
			Timestamp: base.Add(time.Duration(i*5) * time.Minute),
			Open:      c - 0.5, High: c + 1, Low: c - 1, Close: c,
			Volume: 100,
		}
	}
	if _, _, err := s.UpsertBars(context.Background(), "ABT", market.Interval5m, bars); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return base.Add(time.Duration((n-1)*5) * time.Minute)
}

func materialize(t *testing.T, s *store.MemoryStore, interval market.Interval, last time.Time) *Bundle {
	t.Helper()
	builder := NewBuilder(s, DefaultConfig(), nil, 50)
	b, err := builder.Materialize(context.Background(), "ABT", interval, last)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	return b
}

func TestBuildAndLookups(t *testing.T) {
	s := store.NewMemoryStore()
	last := seedBars(t, s, 30, 100)

	b := materialize(t, s, market.Interval5m, last)

	if len(b.States) != len(b.Bars) || len(b.Bands) != len(b.Bars) {
		t.Fatalf("series lengths: bars=%d states=%d bands=%d",
			len(b.Bars), len(b.States), len(b.Bands))
	}

	// As-of between two bars resolves to the earlier one.
	mid := last.Add(-3 * time.Minute)
	bar, ok := b.BarAt(mid)
	if !ok || !bar.Timestamp.Equal(last.Add(-5*time.Minute)) {
		t.Errorf("BarAt(%v) = %v, %v", mid, bar.Timestamp, ok)
	}

	dot, ok := b.PLdotAt(last)
	if !ok {
		t.Fatal("PLdotAt missing at last bar")
	}
	// Closes rise by 1 per bar, so the dot trails the close by 2.
	wantDot := b.Bars[len(b.Bars)-1].Close - 2
	if math.Abs(dot-wantDot) > 0.5 {
		t.Errorf("dot = %v, want about %v", dot, wantDot)
	}

	if _, ok := b.PLdotAt(b.Bars[0].Timestamp); ok {
		t.Error("dot should be unavailable on the first bar")
	}
	if _, ok := b.BarAt(b.Bars[0].Timestamp.Add(-time.Hour)); ok {
		t.Error("lookup before history should miss")
	}

	band, ok := b.EnvelopeAt(last)
	if !ok || !(band.Lower < band.Center && band.Center < band.Upper) {
		t.Errorf("EnvelopeAt = %+v, %v", band, ok)
	}

	atr, ok := b.ATRAt(last, 14)
	if !ok || atr <= 0 {
		t.Errorf("ATRAt = %v, %v", atr, ok)
	}
}

func TestBuildRejectsShortHistory(t *testing.T) {
	s := store.NewMemoryStore()
	last := seedBars(t, s, 3, 100)

	builder := NewBuilder(s, DefaultConfig(), nil, 50)
	if _, err := builder.Materialize(context.Background(), "ABT", market.Interval5m, last); err == nil {
		t.Fatal("expected insufficient data error")
	}
}

func TestCacheHitAndInvalidation(t *testing.T) {
	s := store.NewMemoryStore()
	cache := NewCache()
	s.OnUpdate(cache.Listener())
	last := seedBars(t, s, 30, 100)

	builder := NewBuilder(s, DefaultConfig(), cache, 50)
	ctx := context.Background()

	b1, err := builder.Materialize(ctx, "ABT", market.Interval5m, last)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	b2, err := builder.Materialize(ctx, "ABT", market.Interval5m, last)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if b1 != b2 {
		t.Error("second materialize should hit the cache")
	}

	// A new base-interval bar invalidates the cached bundle.
	next := last.Add(5 * time.Minute)
	_, _, err = s.UpsertBars(ctx, "ABT", market.Interval5m, []market.Bar{{
		Symbol: "ABT", Interval: market.Interval5m, Timestamp: next,
		Open: 130, High: 131, Low: 129, Close: 130.5, Volume: 100,
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	b3, err := builder.Materialize(ctx, "ABT", market.Interval5m, next)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if b3 == b1 {
		t.Error("cache not invalidated after write")
	}
	if b3.Version <= b1.Version {
		t.Errorf("version = %d, want > %d", b3.Version, b1.Version)
	}
}

func TestBaseWriteInvalidatesCoarser(t *testing.T) {
	s := store.NewMemoryStore()
	cache := NewCache()
	s.OnUpdate(cache.Listener())
	last := seedBars(t, s, 72, 100) // 6 hours of 5m bars

	builder := NewBuilder(s, DefaultConfig(), cache, 50)
	ctx := context.Background()

	h1, err := builder.Materialize(ctx, "ABT", market.Interval30m, last)
	if err != nil {
		t.Fatalf("materialize 30m: %v", err)
	}

	next := last.Add(5 * time.Minute)
	_, _, err = s.UpsertBars(ctx, "ABT", market.Interval5m, []market.Bar{{
		Symbol: "ABT", Interval: market.Interval5m, Timestamp: next,
		Open: 172, High: 173, Low: 171, Close: 172.5, Volume: 100,
	}})
	if err != nil {
		t.Fatalf("upsert: %v", err)
	}

	if _, ok := cache.Get("ABT", market.Interval30m, last); ok {
		t.Error("base-interval write must invalidate the 30m bundle")
	}
	h2, err := builder.Materialize(ctx, "ABT", market.Interval30m, next)
	if err != nil {
		t.Fatalf("materialize 30m: %v", err)
	}
	if h2 == h1 {
		t.Error("stale 30m bundle returned after base write")
	}
}

func TestPatternsAt(t *testing.T) {
	s := store.NewMemoryStore()
	last := seedBars(t, s, 30, 100)

	builder := NewBuilder(s, DefaultConfig(), nil, 50)
	b, err := builder.Materialize(context.Background(), "ABT", market.Interval5m, last)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	for _, ev := range b.PatternsAt(last, time.Hour) {
		if ev.End.After(last) {
			t.Errorf("event ends after as-of: %+v", ev)
		}
		if last.Sub(ev.End) > time.Hour {
			t.Errorf("event older than max age: %+v", ev)
		}
	}
}
