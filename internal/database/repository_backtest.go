package database

import (
	"context"
	"encoding/json"
	"fmt"

	"drummond-analytics/internal/backtest"
)

// ============================================================================
// Backtest Operations
// ============================================================================

// SaveBacktestResult persists a completed backtest with its trade list in one
// transaction.
func (r *Repository) SaveBacktestResult(ctx context.Context, res *backtest.Result) error {
	cfg, err := json.Marshal(res.Config)
	if err != nil {
		return fmt.Errorf("marshal backtest config: %w", err)
	}

	symbolIDs := make(map[string]int, len(res.Symbols))
	for _, sym := range res.Symbols {
		id, err := r.EnsureSymbol(ctx, sym)
		if err != nil {
			return err
		}
		symbolIDs[sym] = id
	}

	return r.withRetry(ctx, "save backtest result", func(ctx context.Context) error {
		tx, err := r.db.Pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer tx.Rollback(ctx)

		m := res.Metrics
		if _, err := tx.Exec(ctx, `
			INSERT INTO backtest_results (
				backtest_id, strategy_name, start_date, end_date,
				initial_capital, final_capital, total_return, annualized_return,
				sharpe, sortino, calmar, max_drawdown, drawdown_duration_hours,
				win_rate, profit_factor, avg_win, avg_loss,
				var_95, cvar_95, total_trades, test_config
			) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21)
		`, res.ID, res.Strategy, res.Start, res.End,
			res.InitialCapital, res.FinalCapital, m.TotalReturn, m.AnnualizedReturn,
			m.Sharpe, m.Sortino, m.Calmar, m.MaxDrawdown, m.DrawdownDuration.Hours(),
			m.WinRate, m.ProfitFactor, m.AvgWin, m.AvgLoss,
			m.VaR95, m.CVaR95, len(res.Trades), cfg); err != nil {
			return err
		}

		for _, tr := range res.Trades {
			symbolID, ok := symbolIDs[tr.Symbol]
			if !ok {
				symbolID, err = r.EnsureSymbol(ctx, tr.Symbol)
				if err != nil {
					return err
				}
			}
			if _, err := tx.Exec(ctx, `
				INSERT INTO backtest_trades (
					backtest_id, symbol_id, entry_ts, exit_ts,
					entry_px, exit_px, position_size, trade_type,
					gross_pnl, net_pnl, return_pct, duration_hours, exit_reason
				) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13)
			`, res.ID, symbolID, tr.EntryTime, tr.ExitTime,
				tr.EntryPrice, tr.ExitPrice, tr.Shares, string(tr.Type),
				tr.GrossPnL, tr.NetPnL, tr.ReturnPct,
				tr.ExitTime.Sub(tr.EntryTime).Hours(), tr.ExitReason); err != nil {
				return err
			}
		}

		return tx.Commit(ctx)
	})
}
