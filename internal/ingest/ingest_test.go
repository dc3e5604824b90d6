package ingest

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

var testBase = time.Date(2025, 11, 6, 14, 0, 0, 0, time.UTC)

func TestSymbolMapping(t *testing.T) {
	if got := QualifySymbol("ABT", "US"); got != "ABT.US" {
		t.Errorf("QualifySymbol = %s", got)
	}
	if got := QualifySymbol("ABT.US", "US"); got != "ABT.US" {
		t.Errorf("already qualified: %s", got)
	}
	if got := BareSymbol("ABT.US"); got != "ABT" {
		t.Errorf("BareSymbol = %s", got)
	}
	if got := BareSymbol("ABT"); got != "ABT" {
		t.Errorf("bare passthrough = %s", got)
	}
}

func TestProviderBarValidation(t *testing.T) {
	row := ProviderBar{
		Timestamp: testBase.Unix(),
		Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 10,
	}
	bar, err := row.Bar("ABT.US", market.Interval5m, true)
	if err != nil {
		t.Fatalf("valid row rejected: %v", err)
	}
	if bar.Symbol != "ABT" || !bar.IsProvisional {
		t.Errorf("bar = %+v", bar)
	}

	bad := row
	bad.High = 98 // high below low
	if _, err := bad.Bar("ABT.US", market.Interval5m, false); err == nil {
		t.Error("inconsistent OHLC must be rejected")
	}
}

func serveRows(t *testing.T, rows []ProviderBar, failures int) (*httptest.Server, *int) {
	t.Helper()
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls <= failures {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		json.NewEncoder(w).Encode(rows)
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func clientConfig(baseURL string) ClientConfig {
	cfg := DefaultClientConfig()
	cfg.BaseURL = baseURL
	cfg.RetryBackoff = time.Millisecond
	return cfg
}

func TestHistoricalFetch(t *testing.T) {
	rows := []ProviderBar{
		// Served out of order; the client sorts.
		{Timestamp: testBase.Add(5 * time.Minute).Unix(), Open: 101, High: 102, Low: 100, Close: 101.5, Volume: 10},
		{Timestamp: testBase.Unix(), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
	}
	srv, _ := serveRows(t, rows, 0)
	c := NewHistoricalClient(clientConfig(srv.URL), zerolog.Nop())

	bars, err := c.FetchBars(context.Background(), "ABT", market.Interval5m, testBase, testBase.Add(10*time.Minute))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 2 {
		t.Fatalf("got %d bars", len(bars))
	}
	if !bars[0].Timestamp.Before(bars[1].Timestamp) {
		t.Error("bars not sorted")
	}
	for _, bar := range bars {
		if bar.IsProvisional {
			t.Error("historical bars must be finalized")
		}
	}
}

func TestHistoricalRetryOnServerError(t *testing.T) {
	rows := []ProviderBar{
		{Timestamp: testBase.Unix(), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
	}
	srv, calls := serveRows(t, rows, 2)
	c := NewHistoricalClient(clientConfig(srv.URL), zerolog.Nop())

	bars, err := c.FetchBars(context.Background(), "ABT", market.Interval5m, testBase, testBase.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("fetch after retries: %v", err)
	}
	if len(bars) != 1 || *calls != 3 {
		t.Errorf("bars=%d calls=%d", len(bars), *calls)
	}
}

func TestHistoricalNoRetryOnClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(srv.Close)
	c := NewHistoricalClient(clientConfig(srv.URL), zerolog.Nop())

	_, err := c.FetchBars(context.Background(), "ABT", market.Interval5m, testBase, testBase.Add(5*time.Minute))
	if err == nil {
		t.Fatal("expected error")
	}
	if IsTransient(err) {
		t.Error("404 is not transient")
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry)", calls)
	}
}

func TestLiveBarsAreProvisional(t *testing.T) {
	rows := []ProviderBar{
		{Timestamp: testBase.Unix(), Open: 100, High: 101, Low: 99, Close: 100.5, Volume: 10},
	}
	srv, _ := serveRows(t, rows, 0)
	c := NewLiveClient(clientConfig(srv.URL), zerolog.Nop())

	bars, err := c.FetchBars(context.Background(), "ABT", market.Interval5m, testBase, testBase.Add(5*time.Minute))
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if len(bars) != 1 || !bars[0].IsProvisional {
		t.Errorf("bars = %+v", bars)
	}
}

func mkBar(ts time.Time, close float64, provisional bool) market.Bar {
	return market.Bar{
		Symbol:        "ABT",
		Interval:      market.Interval5m,
		Timestamp:     ts,
		Open:          close - 0.5,
		High:          close + 1,
		Low:           close - 1,
		Close:         close,
		Volume:        100,
		IsProvisional: provisional,
	}
}

func TestReconcileFinalizedRequiresHistorical(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReconciler(s, nil, DefaultFinalizationLag, zerolog.Nop())
	now := testBase.Add(6 * time.Hour)
	old := testBase // 6h old: past the lag

	set := SourceSet{
		Symbol:   "ABT",
		Interval: market.Interval5m,
		// Only a live bar exists for the old timestamp: must be skipped.
		Live:       []market.Bar{mkBar(old, 100, true)},
		Historical: []market.Bar{mkBar(old.Add(5*time.Minute), 101, false)},
	}
	inserted, _, err := r.Reconcile(context.Background(), now, set)
	if err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	if inserted != 1 {
		t.Fatalf("inserted = %d, want only the historical bar", inserted)
	}
	bars, _ := s.GetBars(context.Background(), "ABT", market.Interval5m, old, now)
	if len(bars) != 1 || bars[0].IsProvisional {
		t.Errorf("stored = %+v", bars)
	}
}

func TestReconcileStreamPreferredWhenConnected(t *testing.T) {
	s := store.NewMemoryStore()
	r := NewReconciler(s, nil, DefaultFinalizationLag, zerolog.Nop())
	now := testBase.Add(10 * time.Minute)

	set := SourceSet{
		Symbol:          "ABT",
		Interval:        market.Interval5m,
		Live:            []market.Bar{mkBar(testBase, 100, true)},
		Stream:          []market.Bar{mkBar(testBase, 100.5, true)},
		StreamConnected: true,
	}
	if _, _, err := r.Reconcile(context.Background(), now, set); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	bars, _ := s.GetBars(context.Background(), "ABT", market.Interval5m, testBase, now)
	if len(bars) != 1 || bars[0].Close != 100.5 {
		t.Fatalf("stored = %+v, want the stream bar", bars)
	}
	if !bars[0].IsProvisional {
		t.Error("recent bars stay provisional")
	}

	// Stream down: the live bar wins instead, replacing the provisional bar.
	set.StreamConnected = false
	set.Live = []market.Bar{mkBar(testBase, 99.5, true)}
	if _, _, err := r.Reconcile(context.Background(), now, set); err != nil {
		t.Fatalf("reconcile: %v", err)
	}
	bars, _ = s.GetBars(context.Background(), "ABT", market.Interval5m, testBase, now)
	if bars[0].Close != 99.5 {
		t.Errorf("close = %v, want the live bar", bars[0].Close)
	}
}

// fakeSource records requested windows and serves aligned bars.
type fakeSource struct {
	windows [][2]time.Time
	fail    int // fail this many leading calls
	calls   int
}

func (f *fakeSource) FetchBars(ctx context.Context, symbol string, interval market.Interval, from, to time.Time) ([]market.Bar, error) {
	f.calls++
	if f.calls <= f.fail {
		return nil, &TransientError{Op: "fake", Err: context.DeadlineExceeded}
	}
	f.windows = append(f.windows, [2]time.Time{from, to})
	var bars []market.Bar
	for ts := from.Truncate(interval.Duration()); ts.Before(to); ts = ts.Add(interval.Duration()) {
		if !ts.Before(from) {
			bars = append(bars, mkBar(ts, 100, false))
		}
	}
	return bars, nil
}

// Backfill requested through 2025-12-31 while now is 2025-11-13 clamps to
// 2025-11-12 and never asks the provider for future dates.
func TestBackfillDateClamp(t *testing.T) {
	src := &fakeSource{}
	s := store.NewMemoryStore()
	b := NewBackfiller(src, s, nil, DefaultBackfillConfig(), zerolog.Nop())

	now := time.Date(2025, 11, 13, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 11, 6, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 12, 31, 0, 0, 0, 0, time.UTC)

	status := b.Run(context.Background(), "ABT", market.Interval5m, start, end, now)
	wantEnd := time.Date(2025, 11, 12, 0, 0, 0, 0, time.UTC)
	if !status.End.Equal(wantEnd) {
		t.Fatalf("effective end = %v, want %v", status.End, wantEnd)
	}
	for _, w := range src.windows {
		if w[1].After(wantEnd) {
			t.Errorf("provider asked for future window %v", w)
		}
	}
	if status.State != BackfillCompleted {
		t.Errorf("state = %s", status.State)
	}
	if status.QualityScore <= 0 || status.QualityScore > 1 {
		t.Errorf("quality = %v", status.QualityScore)
	}
}

func TestBackfillSkippedWhenFullyFuture(t *testing.T) {
	src := &fakeSource{}
	s := store.NewMemoryStore()
	b := NewBackfiller(src, s, nil, DefaultBackfillConfig(), zerolog.Nop())

	now := time.Date(2025, 11, 13, 0, 0, 0, 0, time.UTC)
	status := b.Run(context.Background(), "ABT", market.Interval5m,
		now.Add(24*time.Hour), now.Add(48*time.Hour), now)
	if status.State != BackfillSkipped {
		t.Errorf("state = %s, want skipped", status.State)
	}
	if src.calls != 0 {
		t.Errorf("provider called %d times for a future window", src.calls)
	}
}

func TestBackfillChunkFailureDegradesQuality(t *testing.T) {
	src := &fakeSource{fail: 1}
	s := store.NewMemoryStore()
	b := NewBackfiller(src, s, nil, DefaultBackfillConfig(), zerolog.Nop())

	now := time.Date(2025, 11, 13, 0, 0, 0, 0, time.UTC)
	start := time.Date(2025, 10, 20, 0, 0, 0, 0, time.UTC)
	end := time.Date(2025, 11, 5, 0, 0, 0, 0, time.UTC)

	status := b.Run(context.Background(), "ABT", market.Interval5m, start, end, now)
	if status.State != BackfillCompleted {
		t.Fatalf("state = %s: one failed chunk must not fail the job", status.State)
	}
	if status.ChunksFailed != 1 {
		t.Errorf("chunks_failed = %d", status.ChunksFailed)
	}
	if status.QualityScore >= 1 {
		t.Errorf("quality = %v, want < 1 after a failed chunk", status.QualityScore)
	}
}

func TestBackfillAllChunksFailed(t *testing.T) {
	src := &fakeSource{fail: 1000}
	s := store.NewMemoryStore()
	b := NewBackfiller(src, s, nil, DefaultBackfillConfig(), zerolog.Nop())

	now := time.Date(2025, 11, 13, 0, 0, 0, 0, time.UTC)
	status := b.Run(context.Background(), "ABT", market.Interval5m,
		now.Add(-10*24*time.Hour), now.Add(-2*24*time.Hour), now)
	if status.State != BackfillFailed {
		t.Errorf("state = %s, want failed", status.State)
	}
}
