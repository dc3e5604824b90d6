package ingest

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

// DefaultFinalizationLag is how long after bar close the historical source
// is considered canonical.
const DefaultFinalizationLag = 3 * time.Hour

// SourceSet is what the three ingestion paths produced for one
// (symbol, interval) window.
type SourceSet struct {
	Symbol   string
	Interval market.Interval

	Historical      []market.Bar
	Live            []market.Bar
	Stream          []market.Bar
	StreamConnected bool
}

// Reconciler folds the three sources into the bar store with deterministic
// per-bar precedence: past the finalization lag only the historical source
// counts; inside it the stream wins during the extended session, otherwise
// the delayed live feed.
type Reconciler struct {
	store store.BarStore
	cal   *calendar.Calendar
	lag   time.Duration
	log   zerolog.Logger
}

func NewReconciler(barStore store.BarStore, cal *calendar.Calendar, lag time.Duration, log zerolog.Logger) *Reconciler {
	if lag <= 0 {
		lag = DefaultFinalizationLag
	}
	return &Reconciler{
		store: barStore,
		cal:   cal,
		lag:   lag,
		log:   log.With().Str("component", "reconciler").Logger(),
	}
}

// Reconcile selects one bar per timestamp from the source set and upserts
// the result. Timestamps past the finalization lag with no historical bar
// are skipped; they stay provisional until the next historical fetch.
func (r *Reconciler) Reconcile(ctx context.Context, now time.Time, set SourceSet) (inserted, updated int, err error) {
	if set.Symbol == "" || !set.Interval.Valid() {
		return 0, 0, fmt.Errorf("ingest: reconcile needs a symbol and a valid interval")
	}

	historical := indexByTimestamp(set.Historical)
	live := indexByTimestamp(set.Live)
	stream := indexByTimestamp(set.Stream)

	timestamps := unionTimestamps(historical, live, stream)
	selected := make([]market.Bar, 0, len(timestamps))
	for _, ts := range timestamps {
		bar, ok := r.selectBar(now, ts, historical, live, stream, set.StreamConnected)
		if !ok {
			continue
		}
		bar.Symbol = set.Symbol
		bar.Interval = set.Interval
		selected = append(selected, bar)
	}
	if len(selected) == 0 {
		return 0, 0, nil
	}

	inserted, updated, err = r.store.UpsertBars(ctx, set.Symbol, set.Interval, selected)
	if err != nil {
		return 0, 0, fmt.Errorf("ingest: reconcile %s/%s: %w", set.Symbol, set.Interval, err)
	}
	r.log.Debug().Str("symbol", set.Symbol).Str("interval", string(set.Interval)).
		Int("selected", len(selected)).Int("inserted", inserted).Int("updated", updated).
		Msg("reconciled bars")
	return inserted, updated, nil
}

func (r *Reconciler) selectBar(now time.Time, ts int64, historical, live, stream map[int64]market.Bar, streamConnected bool) (market.Bar, bool) {
	barTime := time.Unix(0, ts).UTC()
	if now.Sub(barTime) >= r.lag {
		bar, ok := historical[ts]
		if !ok {
			return market.Bar{}, false
		}
		bar.IsProvisional = false
		return bar, true
	}
	if streamConnected && r.inExtendedSession(barTime) {
		if bar, ok := stream[ts]; ok {
			bar.IsProvisional = true
			return bar, true
		}
	}
	if bar, ok := live[ts]; ok {
		bar.IsProvisional = true
		return bar, true
	}
	// Recent bar from the historical path only: trust it but keep it
	// provisional until it ages past the lag.
	if bar, ok := historical[ts]; ok {
		bar.IsProvisional = true
		return bar, true
	}
	return market.Bar{}, false
}

func (r *Reconciler) inExtendedSession(t time.Time) bool {
	return r.cal == nil || r.cal.InExtendedSession(t)
}

func indexByTimestamp(bars []market.Bar) map[int64]market.Bar {
	if len(bars) == 0 {
		return nil
	}
	out := make(map[int64]market.Bar, len(bars))
	for _, bar := range bars {
		out[bar.Timestamp.UnixNano()] = bar
	}
	return out
}

func unionTimestamps(sets ...map[int64]market.Bar) []int64 {
	seen := make(map[int64]bool)
	var out []int64
	for _, set := range sets {
		for ts := range set {
			if !seen[ts] {
				seen[ts] = true
				out = append(out, ts)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}
