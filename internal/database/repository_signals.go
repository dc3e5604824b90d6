package database

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/signal"
)

// ============================================================================
// Prediction Run Operations
// ============================================================================

// SaveRun upserts a prediction run record; the scheduler writes it once when
// the run starts and again when it completes.
func (r *Repository) SaveRun(ctx context.Context, run PredictionRun) error {
	return r.withRetry(ctx, "save run", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			INSERT INTO prediction_runs (
				run_id, run_ts, interval_type,
				symbols_requested, symbols_processed, signals_generated,
				latency_total_ms, latency_data_fetch_ms, latency_indicator_calc_ms,
				latency_signal_generation_ms, latency_notification_ms,
				status, errors
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			ON CONFLICT (run_id) DO UPDATE SET
				symbols_processed = EXCLUDED.symbols_processed,
				signals_generated = EXCLUDED.signals_generated,
				latency_total_ms = EXCLUDED.latency_total_ms,
				latency_data_fetch_ms = EXCLUDED.latency_data_fetch_ms,
				latency_indicator_calc_ms = EXCLUDED.latency_indicator_calc_ms,
				latency_signal_generation_ms = EXCLUDED.latency_signal_generation_ms,
				latency_notification_ms = EXCLUDED.latency_notification_ms,
				status = EXCLUDED.status, errors = EXCLUDED.errors
		`, run.RunID, run.RunTS, string(run.Interval),
			run.SymbolsRequested, run.SymbolsProcessed, run.SignalsGenerated,
			run.Latency.TotalMS, run.Latency.DataFetchMS, run.Latency.IndicatorCalcMS,
			run.Latency.SignalGenerationMS, run.Latency.NotificationMS,
			string(run.Status), run.Errors)
		return err
	})
}

// RecentRuns returns the latest n runs, newest first.
func (r *Repository) RecentRuns(ctx context.Context, n int) ([]PredictionRun, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT run_id, run_ts, interval_type,
			symbols_requested, symbols_processed, signals_generated,
			latency_total_ms, latency_data_fetch_ms, latency_indicator_calc_ms,
			latency_signal_generation_ms, latency_notification_ms,
			status, errors
		FROM prediction_runs ORDER BY run_ts DESC LIMIT $1
	`, n)
	if err != nil {
		return nil, fmt.Errorf("recent runs: %w", err)
	}
	defer rows.Close()

	var out []PredictionRun
	for rows.Next() {
		var run PredictionRun
		var interval, status string
		if err := rows.Scan(&run.RunID, &run.RunTS, &interval,
			&run.SymbolsRequested, &run.SymbolsProcessed, &run.SignalsGenerated,
			&run.Latency.TotalMS, &run.Latency.DataFetchMS, &run.Latency.IndicatorCalcMS,
			&run.Latency.SignalGenerationMS, &run.Latency.NotificationMS,
			&status, &run.Errors); err != nil {
			return nil, err
		}
		run.Interval, run.Status = market.Interval(interval), RunStatus(status)
		out = append(out, run)
	}
	return out, rows.Err()
}

// ============================================================================
// Signal Operations
// ============================================================================

// SaveSignals persists a run's signal batch in one transaction: either every
// signal lands or none do. The typed pattern context flattens to JSON only
// here, at the storage boundary.
func (r *Repository) SaveSignals(ctx context.Context, signals []*signal.Signal) error {
	if len(signals) == 0 {
		return nil
	}
	return r.withRetry(ctx, "save signals", func(ctx context.Context) error {
		tx, err := r.db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		for _, sig := range signals {
			symbolID, err := r.EnsureSymbol(ctx, sig.Symbol)
			if err != nil {
				return err
			}
			patternCtx, err := json.Marshal(sig.Context)
			if err != nil {
				return fmt.Errorf("marshal pattern context for %s: %w", sig.Symbol, err)
			}
			var runID *uuid.UUID
			if sig.RunID != uuid.Nil {
				runID = &sig.RunID
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO generated_signals (
					signal_id, run_id, symbol_id, signal_ts, signal_type,
					entry_price, stop_loss, target_price,
					confidence, signal_strength, timeframe_alignment, rr_ratio,
					htf_trend, trading_tf_state, confluence_zones_count,
					pattern_context, expires_at, outcome
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18)
			`, sig.ID, runID, symbolID, sig.Timestamp, string(sig.Type),
				sig.EntryPrice, sig.StopLoss, sig.TargetPrice,
				sig.Confidence, sig.SignalStrength, sig.TimeframeAlignment, sig.RiskReward,
				string(sig.HTFTrend), string(sig.TradingTFState), sig.ConfluenceZonesCount,
				patternCtx, sig.ExpiresAt, string(sig.Outcome)); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
}

// PendingSignals returns unevaluated signals whose TTL window has started,
// oldest first.
func (r *Repository) PendingSignals(ctx context.Context, limit int) ([]*signal.Signal, error) {
	rows, err := r.db.Pool.Query(ctx, `
		SELECT g.signal_id, g.run_id, s.symbol, g.signal_ts, g.signal_type,
			g.entry_price, g.stop_loss, g.target_price, g.rr_ratio,
			g.confidence, g.signal_strength, g.timeframe_alignment,
			g.htf_trend, g.trading_tf_state, g.confluence_zones_count,
			g.pattern_context, g.expires_at
		FROM generated_signals g
		JOIN market_symbols s ON s.symbol_id = g.symbol_id
		WHERE g.outcome = 'PENDING'
		ORDER BY g.signal_ts
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("pending signals: %w", err)
	}
	defer rows.Close()

	var out []*signal.Signal
	for rows.Next() {
		sig := &signal.Signal{Outcome: signal.OutcomePending}
		var runID *uuid.UUID
		var sigType, htfTrend, ttfState string
		var patternCtx []byte
		if err := rows.Scan(&sig.ID, &runID, &sig.Symbol, &sig.Timestamp, &sigType,
			&sig.EntryPrice, &sig.StopLoss, &sig.TargetPrice, &sig.RiskReward,
			&sig.Confidence, &sig.SignalStrength, &sig.TimeframeAlignment,
			&htfTrend, &ttfState, &sig.ConfluenceZonesCount,
			&patternCtx, &sig.ExpiresAt); err != nil {
			return nil, err
		}
		if runID != nil {
			sig.RunID = *runID
		}
		sig.Type = signal.Type(sigType)
		sig.HTFTrend = indicator.TrendDirection(htfTrend)
		sig.TradingTFState = indicator.MarketState(ttfState)
		if len(patternCtx) > 0 {
			if err := json.Unmarshal(patternCtx, &sig.Context); err != nil {
				return nil, fmt.Errorf("unmarshal pattern context for %s: %w", sig.Symbol, err)
			}
		}
		sig.Timestamp = sig.Timestamp.UTC()
		sig.ExpiresAt = sig.ExpiresAt.UTC()
		out = append(out, sig)
	}
	return out, rows.Err()
}

// UpdateSignalOutcome records a signal's post-hoc evaluation.
func (r *Repository) UpdateSignalOutcome(ctx context.Context, sig *signal.Signal) error {
	if sig.EvaluatedAt == nil {
		now := time.Now().UTC()
		sig.EvaluatedAt = &now
	}
	return r.withRetry(ctx, "update signal outcome", func(ctx context.Context) error {
		_, err := r.db.Pool.Exec(ctx, `
			UPDATE generated_signals SET
				outcome = $2, actual_high = $3, actual_low = $4, actual_close = $5,
				pnl_pct = $6, evaluated_at = $7
			WHERE signal_id = $1
		`, sig.ID, string(sig.Outcome), sig.ActualHigh, sig.ActualLow, sig.ActualClose,
			sig.PnLPercent, sig.EvaluatedAt)
		return err
	})
}

// SignalWinRate returns the historical win fraction for a symbol over its
// evaluated signals, and how many evaluations back it. The coordinator's
// historical prior feeds from this.
func (r *Repository) SignalWinRate(ctx context.Context, symbol string) (float64, int, error) {
	var wins, total int
	err := r.db.Pool.QueryRow(ctx, `
		SELECT COUNT(*) FILTER (WHERE g.outcome = 'WIN'), COUNT(*)
		FROM generated_signals g
		JOIN market_symbols s ON s.symbol_id = g.symbol_id
		WHERE s.symbol = $1 AND g.outcome IN ('WIN', 'LOSS')
	`, symbol).Scan(&wins, &total)
	if err != nil {
		return 0, 0, fmt.Errorf("signal win rate %s: %w", symbol, err)
	}
	if total == 0 {
		return 0, 0, nil
	}
	return float64(wins) / float64(total), total, nil
}
