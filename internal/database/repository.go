package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/ingest"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/store"
)

const (
	writeRetries      = 3
	writeRetryBackoff = 200 * time.Millisecond
)

// Repository provides data access operations over PostgreSQL. It implements
// store.BarStore so the rest of the system is indifferent to the backing
// store.
type Repository struct {
	db *DB

	mu        sync.RWMutex
	symbolIDs map[string]int
	listeners []store.UpdateListener
}

// NewRepository creates a new repository instance
func NewRepository(db *DB) *Repository {
	return &Repository{
		db:        db,
		symbolIDs: make(map[string]int),
	}
}

// HealthCheck verifies database connectivity
func (r *Repository) HealthCheck(ctx context.Context) error {
	return r.db.Pool.Ping(ctx)
}

// OnUpdate registers a listener invoked after each upsert that changed bars.
func (r *Repository) OnUpdate(fn store.UpdateListener) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Repository) notify(symbol string, interval market.Interval) {
	r.mu.RLock()
	listeners := r.listeners
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(symbol, interval)
	}
}

// withRetry runs a write with a bounded retry; the final failure surfaces as
// a StorageError so callers can distinguish storage loss from logic errors.
func (r *Repository) withRetry(ctx context.Context, op string, fn func(context.Context) error) error {
	var err error
	for attempt := 0; attempt < writeRetries; attempt++ {
		if err = fn(ctx); err == nil {
			return nil
		}
		if ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
			return &StorageError{Op: op, Err: ctx.Err()}
		case <-time.After(writeRetryBackoff << uint(attempt)):
		}
	}
	return &StorageError{Op: op, Err: err}
}

// ============================================================================
// Symbol Operations
// ============================================================================

// EnsureSymbol returns the symbol_id for a ticker, creating the row on first
// sight. IDs are cached per process.
func (r *Repository) EnsureSymbol(ctx context.Context, symbol string) (int, error) {
	r.mu.RLock()
	id, ok := r.symbolIDs[symbol]
	r.mu.RUnlock()
	if ok {
		return id, nil
	}

	err := r.db.Pool.QueryRow(ctx, `
		INSERT INTO market_symbols (symbol) VALUES ($1)
		ON CONFLICT (symbol) DO UPDATE SET symbol = EXCLUDED.symbol
		RETURNING symbol_id
	`, symbol).Scan(&id)
	if err != nil {
		return 0, fmt.Errorf("ensure symbol %s: %w", symbol, err)
	}

	r.mu.Lock()
	r.symbolIDs[symbol] = id
	r.mu.Unlock()
	return id, nil
}

// ActiveSymbols returns the tradeable universe ordered by ticker.
func (r *Repository) ActiveSymbols(ctx context.Context) ([]string, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT symbol FROM market_symbols WHERE is_active = TRUE ORDER BY symbol
	`)
	if err != nil {
		return nil, fmt.Errorf("active symbols: %w", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var s string
		if err := rows.Scan(&s); err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// SetSymbolActive flips a symbol in or out of the universe.
func (r *Repository) SetSymbolActive(ctx context.Context, symbol string, active bool) error {
	_, err := r.db.Pool.Exec(ctx, `
		UPDATE market_symbols SET is_active = $2 WHERE symbol = $1
	`, symbol, active)
	return err
}

// ============================================================================
// Bar Operations (store.BarStore)
// ============================================================================

// UpsertBars implements store.BarStore. Finalized rows are immutable: the
// conflict update fires only while the stored row is provisional, either
// because the content changed or because the incoming bar finalizes it.
func (r *Repository) UpsertBars(ctx context.Context, symbol string, interval market.Interval, bars []market.Bar) (int, int, error) {
	if len(bars) == 0 {
		return 0, 0, nil
	}
	for i := range bars {
		if err := bars[i].Validate(); err != nil {
			return 0, 0, err
		}
	}
	symbolID, err := r.EnsureSymbol(ctx, symbol)
	if err != nil {
		return 0, 0, err
	}

	var inserted, updated int
	err = r.withRetry(ctx, "upsert bars", func(ctx context.Context) error {
		inserted, updated = 0, 0
		tx, err := r.db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for i := range bars {
			b := bars[i]
			b.Normalize()
			var wasInsert bool
			err := tx.QueryRow(ctx, `
				INSERT INTO bars (symbol_id, interval, timestamp, open, high, low, close, volume, is_provisional, updated_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
				ON CONFLICT (symbol_id, interval, timestamp) DO UPDATE SET
					open = EXCLUDED.open, high = EXCLUDED.high,
					low = EXCLUDED.low, close = EXCLUDED.close,
					volume = EXCLUDED.volume,
					is_provisional = EXCLUDED.is_provisional,
					updated_at = NOW()
				WHERE bars.is_provisional = TRUE
					AND (bars.open <> EXCLUDED.open OR bars.high <> EXCLUDED.high
						OR bars.low <> EXCLUDED.low OR bars.close <> EXCLUDED.close
						OR bars.volume <> EXCLUDED.volume
						OR EXCLUDED.is_provisional = FALSE)
				RETURNING (xmax = 0)
			`, symbolID, string(interval), b.Timestamp,
				b.Open, b.High, b.Low, b.Close, b.Volume, b.IsProvisional,
			).Scan(&wasInsert)
			if errors.Is(err, pgx.ErrNoRows) {
				// Identical content, or a finalized row the write may not touch.
				continue
			}
			if err != nil {
				return err
			}
			if wasInsert {
				inserted++
			} else {
				updated++
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return 0, 0, err
	}

	if inserted > 0 || updated > 0 {
		r.notify(symbol, interval)
	}
	return inserted, updated, nil
}

// GetBars implements store.BarStore. When the requested interval has no rows
// but the base interval covers the window, coarser bars are synthesized by
// aggregation.
func (r *Repository) GetBars(ctx context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Bar, error) {
	bars, err := r.queryBars(ctx, symbol, interval, start, end)
	if err != nil || len(bars) > 0 {
		return bars, err
	}

	if interval != market.BaseInterval && interval.Duration() > market.BaseInterval.Duration() &&
		interval.Duration()%market.BaseInterval.Duration() == 0 {
		baseBars, err := r.queryBars(ctx, symbol, market.BaseInterval, interval.Truncate(start), end)
		if err != nil || len(baseBars) == 0 {
			return nil, err
		}
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
	return nil, nil
}

func (r *Repository) queryBars(ctx context.Context, symbol string, interval market.Interval, start, end time.Time) ([]market.Bar, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT b.timestamp, b.open, b.high, b.low, b.close, b.volume, b.is_provisional
		FROM bars b
		JOIN market_symbols s ON s.symbol_id = b.symbol_id
		WHERE s.symbol = $1 AND b.interval = $2 AND b.timestamp BETWEEN $3 AND $4
		ORDER BY b.timestamp
	`, symbol, string(interval), start, end)
	if err != nil {
		return nil, fmt.Errorf("get bars %s/%s: %w", symbol, interval, err)
	}
	defer rows.Close()

	var out []market.Bar
	for rows.Next() {
		b := market.Bar{Symbol: symbol, Interval: interval}
		if err := rows.Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.IsProvisional); err != nil {
			return nil, err
		}
		b.Timestamp = b.Timestamp.UTC()
		out = append(out, b)
	}
	return out, rows.Err()
}

// LatestBar implements store.BarStore.
func (r *Repository) LatestBar(ctx context.Context, symbol string, interval market.Interval) (*market.Bar, error) {
	b := market.Bar{Symbol: symbol, Interval: interval}
	err := r.db.Pool.QueryRow(ctx, `
		SELECT b.timestamp, b.open, b.high, b.low, b.close, b.volume, b.is_provisional
		FROM bars b
		JOIN market_symbols s ON s.symbol_id = b.symbol_id
		WHERE s.symbol = $1 AND b.interval = $2
		ORDER BY b.timestamp DESC LIMIT 1
	`, symbol, string(interval)).Scan(&b.Timestamp, &b.Open, &b.High, &b.Low, &b.Close, &b.Volume, &b.IsProvisional)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest bar %s/%s: %w", symbol, interval, err)
	}
	b.Timestamp = b.Timestamp.UTC()
	return &b, nil
}

// Coverage implements store.BarStore.
func (r *Repository) Coverage(ctx context.Context, symbol string, interval market.Interval) (time.Time, time.Time, int, error) {
	var first, last *time.Time
	var count int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT MIN(b.timestamp), MAX(b.timestamp), COUNT(*)
		FROM bars b
		JOIN market_symbols s ON s.symbol_id = b.symbol_id
		WHERE s.symbol = $1 AND b.interval = $2
	`, symbol, string(interval)).Scan(&first, &last, &count)
	if err != nil {
		return time.Time{}, time.Time{}, 0, fmt.Errorf("coverage %s/%s: %w", symbol, interval, err)
	}
	if count == 0 || first == nil || last == nil {
		return time.Time{}, time.Time{}, 0, nil
	}
	return first.UTC(), last.UTC(), count, nil
}

// ============================================================================
// Indicator Operations
// ============================================================================

// SaveIndicators persists a bundle's derived series: dots, envelope bands,
// state classifications and pattern events. Pattern events for the covered
// window are replaced wholesale so re-detection after a bar revision never
// duplicates.
func (r *Repository) SaveIndicators(ctx context.Context, b *bundle.Bundle) error {
	symbolID, err := r.EnsureSymbol(ctx, b.Symbol)
	if err != nil {
		return err
	}
	interval := string(b.Interval)

	return r.withRetry(ctx, "save indicators", func(ctx context.Context) error {
		tx, err := r.db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, dot := range b.Dots {
			if _, err := tx.Exec(ctx, `
				INSERT INTO pldot (symbol_id, interval, projection_timestamp, value, is_projected)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (symbol_id, interval, projection_timestamp)
					DO UPDATE SET value = EXCLUDED.value, is_projected = EXCLUDED.is_projected
			`, symbolID, interval, dot.ProjectionTimestamp, dot.Value, dot.IsProjected); err != nil {
				return err
			}
		}

		for _, band := range b.Bands {
			if !band.Valid() {
				continue
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO envelope (symbol_id, interval, timestamp, upper_band, lower_band, center, method)
				VALUES ($1, $2, $3, $4, $5, $6, $7)
				ON CONFLICT (symbol_id, interval, timestamp) DO UPDATE SET
					upper_band = EXCLUDED.upper_band, lower_band = EXCLUDED.lower_band,
					center = EXCLUDED.center, method = EXCLUDED.method
			`, symbolID, interval, band.Timestamp, band.Upper, band.Lower, band.Center, string(band.Method)); err != nil {
				return err
			}
		}

		for _, sp := range b.States {
			if _, err := tx.Exec(ctx, `
				INSERT INTO market_states (symbol_id, interval, timestamp, state, trend_direction, bars_in_state, slope_trend, confidence)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
				ON CONFLICT (symbol_id, interval, timestamp) DO UPDATE SET
					state = EXCLUDED.state, trend_direction = EXCLUDED.trend_direction,
					bars_in_state = EXCLUDED.bars_in_state, slope_trend = EXCLUDED.slope_trend,
					confidence = EXCLUDED.confidence
			`, symbolID, interval, sp.Timestamp, string(sp.State), string(sp.Direction),
				sp.BarsInState, string(sp.Slope), sp.Confidence); err != nil {
				return err
			}
		}

		if len(b.Bars) > 0 {
			windowStart := b.Bars[0].Timestamp
			if _, err := tx.Exec(ctx, `
				DELETE FROM pattern_events
				WHERE symbol_id = $1 AND interval = $2 AND start_ts >= $3
			`, symbolID, interval, windowStart); err != nil {
				return err
			}
		}
		for _, ev := range b.Patterns {
			meta, err := json.Marshal(ev.Metadata)
			if err != nil {
				return err
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO pattern_events (symbol_id, interval, pattern_type, direction, start_ts, end_ts, strength, metadata)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			`, symbolID, interval, string(ev.Type), ev.Direction, ev.Start, ev.End, ev.Strength, meta); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}

// ============================================================================
// Analysis Operations
// ============================================================================

// SaveAnalysis persists one multi-timeframe analysis record with its
// confluence zones, replacing the zones of a re-analyzed timestamp.
func (r *Repository) SaveAnalysis(ctx context.Context, a *coordinator.Analysis) (int64, error) {
	symbolID, err := r.EnsureSymbol(ctx, a.Symbol)
	if err != nil {
		return 0, err
	}

	var analysisID int64
	err = r.withRetry(ctx, "save analysis", func(ctx context.Context) error {
		tx, err := r.db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		err = tx.QueryRow(ctx, `
			INSERT INTO multi_timeframe_analysis (
				symbol_id, htf, ttf, timestamp,
				htf_trend, htf_strength, ttf_trend, ttf_state,
				alignment_score, alignment_type, trade_permitted,
				htf_pldot, ttf_pldot, pldot_distance_percent,
				signal_strength, risk_level, recommended_action, pattern_confluence
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			ON CONFLICT (symbol_id, htf, ttf, timestamp) DO UPDATE SET
				htf_trend = EXCLUDED.htf_trend, htf_strength = EXCLUDED.htf_strength,
				ttf_trend = EXCLUDED.ttf_trend, ttf_state = EXCLUDED.ttf_state,
				alignment_score = EXCLUDED.alignment_score,
				alignment_type = EXCLUDED.alignment_type,
				trade_permitted = EXCLUDED.trade_permitted,
				htf_pldot = EXCLUDED.htf_pldot, ttf_pldot = EXCLUDED.ttf_pldot,
				pldot_distance_percent = EXCLUDED.pldot_distance_percent,
				signal_strength = EXCLUDED.signal_strength,
				risk_level = EXCLUDED.risk_level,
				recommended_action = EXCLUDED.recommended_action,
				pattern_confluence = EXCLUDED.pattern_confluence
			RETURNING analysis_id
		`, symbolID, string(a.HTF), string(a.TTF), a.Timestamp,
			string(a.HTFTrend), a.HTFStrength, string(a.TTFTrend), string(a.TTFState),
			a.AlignmentScore, string(a.AlignmentType), a.TradePermitted,
			a.HTFPLdot, a.TTFPLdot, a.PLdotDistancePercent,
			a.SignalStrength, string(a.RiskLevel), string(a.Action), a.PatternConfluence,
		).Scan(&analysisID)
		if err != nil {
			return err
		}

		if _, err := tx.Exec(ctx, `
			DELETE FROM confluence_zones WHERE analysis_id = $1
		`, analysisID); err != nil {
			return err
		}
		for _, z := range a.Zones {
			timeframes := make([]string, len(z.Timeframes))
			for i, tf := range z.Timeframes {
				timeframes[i] = string(tf)
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO confluence_zones (analysis_id, symbol_id, level, upper_band, lower_band, strength, timeframes, zone_type, first_touch, last_touch)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
			`, analysisID, symbolID, z.Center, z.Upper, z.Lower, z.Strength,
				timeframes, string(z.Type), nullTime(z.FirstTouch), nullTime(z.LastTouch)); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
	return analysisID, err
}

// ============================================================================
// Backfill Operations
// ============================================================================

// SaveBackfillStatus upserts the per-(symbol, interval) backfill record.
func (r *Repository) SaveBackfillStatus(ctx context.Context, st ingest.BackfillStatus) error {
	symbolID, err := r.EnsureSymbol(ctx, st.Symbol)
	if err != nil {
		return err
	}
	return r.withRetry(ctx, "save backfill status", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO backfill_status (
				symbol_id, interval, range_start, range_end, state,
				chunks_total, chunks_failed, bars_stored, expected_bars,
				quality_score, error_message, updated_at
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)
			ON CONFLICT (symbol_id, interval) DO UPDATE SET
				range_start = EXCLUDED.range_start, range_end = EXCLUDED.range_end,
				state = EXCLUDED.state,
				chunks_total = EXCLUDED.chunks_total, chunks_failed = EXCLUDED.chunks_failed,
				bars_stored = EXCLUDED.bars_stored, expected_bars = EXCLUDED.expected_bars,
				quality_score = EXCLUDED.quality_score,
				error_message = EXCLUDED.error_message, updated_at = EXCLUDED.updated_at
		`, symbolID, string(st.Interval), st.Start, st.End, string(st.State),
			st.ChunksTotal, st.ChunksFailed, st.BarsStored, st.ExpectedBars,
			st.QualityScore, nullString(st.Error), st.UpdatedAt)
		return err
	})
}

// ============================================================================
// Scheduler State Operations
// ============================================================================

// GetSchedulerState reads the singleton scheduler row.
func (r *Repository) GetSchedulerState(ctx context.Context) (*SchedulerState, error) {
	st := &SchedulerState{}
	var errMsg *string
	err := r.db.Pool.QueryRow(ctx, `
		SELECT last_run_ts, next_scheduled_run, status, current_run_id, error_message, updated_at
		FROM scheduler_state WHERE state_id = 1
	`).Scan(&st.LastRunTS, &st.NextScheduledRun, &st.Status, &st.CurrentRunID, &errMsg, &st.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("get scheduler state: %w", err)
	}
	if errMsg != nil {
		st.ErrorMessage = *errMsg
	}
	return st, nil
}

// UpdateSchedulerState updates the singleton scheduler row. Run bookkeeping
// (last_run_ts, next_scheduled_run) survives partial updates: a RUNNING
// transition carries neither, and must not wipe the previous run's values.
// current_run_id and error_message are overwritten unconditionally so stale
// values never outlive the transition that cleared them.
func (r *Repository) UpdateSchedulerState(ctx context.Context, st SchedulerState) error {
	return r.withRetry(ctx, "update scheduler state", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			UPDATE scheduler_state SET
				last_run_ts = COALESCE($1, last_run_ts),
				next_scheduled_run = COALESCE($2, next_scheduled_run),
				status = $3, current_run_id = $4, error_message = $5,
				updated_at = NOW()
			WHERE state_id = 1
		`, st.LastRunTS, st.NextScheduledRun, string(st.Status),
			st.CurrentRunID, nullString(st.ErrorMessage))
		return err
	})
}

func nullTime(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
