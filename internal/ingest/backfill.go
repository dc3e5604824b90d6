package ingest

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

// BackfillState tracks one (symbol, interval) backfill.
type BackfillState string

const (
	BackfillPending    BackfillState = "pending"
	BackfillInProgress BackfillState = "in_progress"
	BackfillCompleted  BackfillState = "completed"
	BackfillFailed     BackfillState = "failed"
	BackfillSkipped    BackfillState = "skipped"
)

// BackfillStatus is the per-(symbol, interval) outcome record.
type BackfillStatus struct {
	Symbol       string
	Interval     market.Interval
	Start        time.Time
	End          time.Time
	State        BackfillState
	ChunksTotal  int
	ChunksFailed int
	BarsStored   int
	ExpectedBars int
	QualityScore float64 // bars stored / expected
	Error        string
	UpdatedAt    time.Time
}

// BackfillConfig holds the walk-forward parameters.
type BackfillConfig struct {
	// ChunkSize is the window of one provider request.
	ChunkSize time.Duration
	// ClampWindow keeps the effective end at least this far in the past;
	// the historical source is unreliable for today's bars.
	ClampWindow time.Duration
}

// DefaultBackfillConfig returns the production backfill parameters.
func DefaultBackfillConfig() BackfillConfig {
	return BackfillConfig{
		ChunkSize:   5 * 24 * time.Hour,
		ClampWindow: 24 * time.Hour,
	}
}

// Backfiller walks a historical range forward in chunks and upserts into the
// bar store. Chunk failures degrade the quality score but never abort the
// job; a symbol fails only when every chunk fails.
type Backfiller struct {
	source Source
	store  store.BarStore
	cal    *calendar.Calendar
	cfg    BackfillConfig
	log    zerolog.Logger
}

func NewBackfiller(source Source, barStore store.BarStore, cal *calendar.Calendar, cfg BackfillConfig, log zerolog.Logger) *Backfiller {
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = 5 * 24 * time.Hour
	}
	if cfg.ClampWindow <= 0 {
		cfg.ClampWindow = 24 * time.Hour
	}
	return &Backfiller{
		source: source,
		store:  barStore,
		cal:    cal,
		cfg:    cfg,
		log:    log.With().Str("component", "backfill").Logger(),
	}
}

// ClampEnd clips a requested end to the last reliable historical instant.
func (b *Backfiller) ClampEnd(end, now time.Time) time.Time {
	limit := now.Add(-b.cfg.ClampWindow)
	if end.After(limit) {
		return limit
	}
	return end
}

// Run backfills one (symbol, interval) over [start, end]. Future-leaning
// ranges are clamped before any provider call is made.
func (b *Backfiller) Run(ctx context.Context, symbol string, interval market.Interval, start, end, now time.Time) BackfillStatus {
	status := BackfillStatus{
		Symbol:    symbol,
		Interval:  interval,
		Start:     start,
		State:     BackfillInProgress,
		UpdatedAt: now,
	}

	end = b.ClampEnd(end, now)
	status.End = end
	if !end.After(start) {
		status.State = BackfillSkipped
		status.Error = "window entirely inside the clamp horizon"
		return status
	}
	status.ExpectedBars = b.expectedBars(interval, start, end)

	for chunkStart := start; chunkStart.Before(end); chunkStart = chunkStart.Add(b.cfg.ChunkSize) {
		chunkEnd := chunkStart.Add(b.cfg.ChunkSize)
		if chunkEnd.After(end) {
			chunkEnd = end
		}
		status.ChunksTotal++

		if err := ctx.Err(); err != nil {
			status.State = BackfillFailed
			status.Error = "cancelled"
			return status
		}

		bars, err := b.source.FetchBars(ctx, symbol, interval, chunkStart, chunkEnd)
		if err != nil {
			status.ChunksFailed++
			status.Error = err.Error()
			b.log.Warn().Err(err).Str("symbol", symbol).
				Time("chunk_start", chunkStart).Time("chunk_end", chunkEnd).
				Msg("backfill chunk failed")
			continue
		}
		inserted, updated, err := b.store.UpsertBars(ctx, symbol, interval, bars)
		if err != nil {
			status.ChunksFailed++
			status.Error = err.Error()
			continue
		}
		status.BarsStored += inserted + updated
	}

	if status.ChunksTotal > 0 && status.ChunksFailed == status.ChunksTotal {
		status.State = BackfillFailed
	} else {
		status.State = BackfillCompleted
	}
	if status.ExpectedBars > 0 {
		status.QualityScore = float64(status.BarsStored) / float64(status.ExpectedBars)
		if status.QualityScore > 1 {
			status.QualityScore = 1
		}
	}
	return status
}

// RunJob backfills many symbols and reports per-symbol outcomes.
func (b *Backfiller) RunJob(ctx context.Context, symbols []string, interval market.Interval, start, end, now time.Time) map[string]BackfillStatus {
	out := make(map[string]BackfillStatus, len(symbols))
	for _, symbol := range symbols {
		out[symbol] = b.Run(ctx, symbol, interval, start, end, now)
	}
	return out
}

// expectedBars counts the interval slots inside extended sessions on trading
// days in [start, end]. Without a calendar it falls back to the raw span.
func (b *Backfiller) expectedBars(interval market.Interval, start, end time.Time) int {
	step := interval.Duration()
	if b.cal == nil {
		return int(end.Sub(start) / step)
	}
	count := 0
	for t := start.Truncate(step); t.Before(end); t = t.Add(step) {
		if b.cal.InExtendedSession(t) {
			count++
		}
	}
	return count
}
