package database

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// DB wraps the PostgreSQL connection pool
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database configuration
type Config struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// NewDB creates a new database connection
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}

	poolConfig.MaxConns = 25
	poolConfig.MinConns = 5
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	log.Printf("Successfully connected to PostgreSQL database: %s", cfg.Database)

	return &DB{Pool: pool}, nil
}

// Close closes the database connection
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
		log.Println("Database connection closed")
	}
}

// RunMigrations executes database migrations
func (db *DB) RunMigrations(ctx context.Context) error {
	log.Println("Running database migrations...")

	migrations := []string{
		`CREATE TABLE IF NOT EXISTS market_symbols (
			symbol_id SERIAL PRIMARY KEY,
			symbol VARCHAR(20) NOT NULL UNIQUE,
			exchange VARCHAR(10) NOT NULL DEFAULT 'US',
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			index_membership VARCHAR(40),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS bars (
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			interval VARCHAR(4) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			open DECIMAL(18, 6) NOT NULL,
			high DECIMAL(18, 6) NOT NULL,
			low DECIMAL(18, 6) NOT NULL,
			close DECIMAL(18, 6) NOT NULL,
			volume DECIMAL(20, 2) NOT NULL,
			is_provisional BOOLEAN NOT NULL DEFAULT FALSE,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (symbol_id, interval, timestamp)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_lookup ON bars(symbol_id, interval, timestamp DESC)`,

		`CREATE TABLE IF NOT EXISTS pldot (
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			interval VARCHAR(4) NOT NULL,
			projection_timestamp TIMESTAMPTZ NOT NULL,
			value DECIMAL(18, 6) NOT NULL,
			is_projected BOOLEAN NOT NULL DEFAULT TRUE,
			PRIMARY KEY (symbol_id, interval, projection_timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS envelope (
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			interval VARCHAR(4) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			upper_band DECIMAL(18, 6) NOT NULL,
			lower_band DECIMAL(18, 6) NOT NULL,
			center DECIMAL(18, 6) NOT NULL,
			method VARCHAR(12) NOT NULL,
			params JSONB,
			PRIMARY KEY (symbol_id, interval, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS market_states (
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			interval VARCHAR(4) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			state VARCHAR(24) NOT NULL,
			trend_direction VARCHAR(8) NOT NULL,
			bars_in_state INTEGER NOT NULL,
			slope_trend VARCHAR(12) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			PRIMARY KEY (symbol_id, interval, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS pattern_events (
			id BIGSERIAL PRIMARY KEY,
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			interval VARCHAR(4) NOT NULL,
			pattern_type VARCHAR(28) NOT NULL,
			direction SMALLINT NOT NULL,
			start_ts TIMESTAMPTZ NOT NULL,
			end_ts TIMESTAMPTZ NOT NULL,
			strength INTEGER NOT NULL,
			metadata JSONB
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pattern_events_lookup ON pattern_events(symbol_id, interval, end_ts DESC)`,

		`CREATE TABLE IF NOT EXISTS multi_timeframe_analysis (
			analysis_id BIGSERIAL PRIMARY KEY,
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			htf VARCHAR(4) NOT NULL,
			ttf VARCHAR(4) NOT NULL,
			timestamp TIMESTAMPTZ NOT NULL,
			htf_trend VARCHAR(8) NOT NULL,
			htf_strength DECIMAL(5, 4) NOT NULL,
			ttf_trend VARCHAR(8) NOT NULL,
			ttf_state VARCHAR(24) NOT NULL,
			alignment_score DECIMAL(4, 2) NOT NULL,
			alignment_type VARCHAR(12) NOT NULL,
			trade_permitted BOOLEAN NOT NULL,
			htf_pldot DECIMAL(18, 6) NOT NULL,
			ttf_pldot DECIMAL(18, 6) NOT NULL,
			pldot_distance_percent DECIMAL(10, 6) NOT NULL,
			signal_strength DECIMAL(5, 4) NOT NULL,
			risk_level VARCHAR(8) NOT NULL,
			recommended_action VARCHAR(8) NOT NULL,
			pattern_confluence BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			UNIQUE (symbol_id, htf, ttf, timestamp)
		)`,

		`CREATE TABLE IF NOT EXISTS confluence_zones (
			zone_id BIGSERIAL PRIMARY KEY,
			analysis_id BIGINT NOT NULL REFERENCES multi_timeframe_analysis(analysis_id) ON DELETE CASCADE,
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			level DECIMAL(18, 6) NOT NULL,
			upper_band DECIMAL(18, 6) NOT NULL,
			lower_band DECIMAL(18, 6) NOT NULL,
			strength INTEGER NOT NULL,
			timeframes TEXT[] NOT NULL,
			zone_type VARCHAR(12) NOT NULL,
			first_touch TIMESTAMPTZ,
			last_touch TIMESTAMPTZ
		)`,

		`CREATE TABLE IF NOT EXISTS prediction_runs (
			run_id UUID PRIMARY KEY,
			run_ts TIMESTAMPTZ NOT NULL,
			interval_type VARCHAR(4) NOT NULL,
			symbols_requested INTEGER NOT NULL,
			symbols_processed INTEGER NOT NULL,
			signals_generated INTEGER NOT NULL,
			latency_total_ms BIGINT NOT NULL DEFAULT 0,
			latency_data_fetch_ms BIGINT NOT NULL DEFAULT 0,
			latency_indicator_calc_ms BIGINT NOT NULL DEFAULT 0,
			latency_signal_generation_ms BIGINT NOT NULL DEFAULT 0,
			latency_notification_ms BIGINT NOT NULL DEFAULT 0,
			status VARCHAR(8) NOT NULL,
			errors TEXT[]
		)`,

		`CREATE TABLE IF NOT EXISTS generated_signals (
			signal_id UUID PRIMARY KEY,
			run_id UUID REFERENCES prediction_runs(run_id),
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			signal_ts TIMESTAMPTZ NOT NULL,
			signal_type VARCHAR(12) NOT NULL,
			entry_price DECIMAL(18, 6) NOT NULL,
			stop_loss DECIMAL(18, 6) NOT NULL,
			target_price DECIMAL(18, 6) NOT NULL,
			confidence DECIMAL(5, 4) NOT NULL,
			signal_strength DECIMAL(5, 4) NOT NULL,
			timeframe_alignment DECIMAL(4, 2) NOT NULL,
			rr_ratio DECIMAL(10, 4) NOT NULL,
			htf_trend VARCHAR(8) NOT NULL,
			trading_tf_state VARCHAR(24) NOT NULL,
			confluence_zones_count INTEGER NOT NULL DEFAULT 0,
			pattern_context JSONB,
			expires_at TIMESTAMPTZ NOT NULL,
			outcome VARCHAR(8) NOT NULL DEFAULT 'PENDING',
			actual_high DECIMAL(18, 6),
			actual_low DECIMAL(18, 6),
			actual_close DECIMAL(18, 6),
			pnl_pct DECIMAL(10, 6),
			evaluated_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_generated_signals_run ON generated_signals(run_id)`,
		`CREATE INDEX IF NOT EXISTS idx_generated_signals_outcome ON generated_signals(outcome) WHERE outcome = 'PENDING'`,

		`CREATE TABLE IF NOT EXISTS backfill_status (
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			interval VARCHAR(4) NOT NULL,
			range_start TIMESTAMPTZ NOT NULL,
			range_end TIMESTAMPTZ NOT NULL,
			state VARCHAR(12) NOT NULL,
			chunks_total INTEGER NOT NULL DEFAULT 0,
			chunks_failed INTEGER NOT NULL DEFAULT 0,
			bars_stored INTEGER NOT NULL DEFAULT 0,
			expected_bars INTEGER NOT NULL DEFAULT 0,
			quality_score DECIMAL(5, 4) NOT NULL DEFAULT 0,
			error_message TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			PRIMARY KEY (symbol_id, interval)
		)`,

		`CREATE TABLE IF NOT EXISTS backtest_results (
			backtest_id UUID PRIMARY KEY,
			strategy_name VARCHAR(40) NOT NULL,
			start_date TIMESTAMPTZ NOT NULL,
			end_date TIMESTAMPTZ NOT NULL,
			initial_capital DECIMAL(18, 2) NOT NULL,
			final_capital DECIMAL(18, 2) NOT NULL,
			total_return DECIMAL(12, 6) NOT NULL,
			annualized_return DECIMAL(12, 6) NOT NULL,
			sharpe DECIMAL(10, 4) NOT NULL,
			sortino DECIMAL(10, 4) NOT NULL,
			calmar DECIMAL(10, 4) NOT NULL,
			max_drawdown DECIMAL(8, 6) NOT NULL,
			drawdown_duration_hours DECIMAL(12, 2) NOT NULL,
			win_rate DECIMAL(5, 4) NOT NULL,
			profit_factor DECIMAL(10, 4) NOT NULL,
			avg_win DECIMAL(18, 6) NOT NULL,
			avg_loss DECIMAL(18, 6) NOT NULL,
			var_95 DECIMAL(8, 6) NOT NULL,
			cvar_95 DECIMAL(8, 6) NOT NULL,
			total_trades INTEGER NOT NULL,
			test_config JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,

		`CREATE TABLE IF NOT EXISTS backtest_trades (
			trade_id BIGSERIAL PRIMARY KEY,
			backtest_id UUID NOT NULL REFERENCES backtest_results(backtest_id) ON DELETE CASCADE,
			symbol_id INTEGER NOT NULL REFERENCES market_symbols(symbol_id),
			entry_ts TIMESTAMPTZ NOT NULL,
			exit_ts TIMESTAMPTZ NOT NULL,
			entry_px DECIMAL(18, 6) NOT NULL,
			exit_px DECIMAL(18, 6) NOT NULL,
			position_size INTEGER NOT NULL,
			trade_type VARCHAR(8) NOT NULL,
			gross_pnl DECIMAL(18, 6) NOT NULL,
			net_pnl DECIMAL(18, 6) NOT NULL,
			return_pct DECIMAL(10, 6) NOT NULL,
			duration_hours DECIMAL(12, 2) NOT NULL,
			exit_reason VARCHAR(8) NOT NULL
		)`,

		`CREATE TABLE IF NOT EXISTS scheduler_state (
			state_id INTEGER PRIMARY KEY DEFAULT 1 CHECK (state_id = 1),
			last_run_ts TIMESTAMPTZ,
			next_scheduled_run TIMESTAMPTZ,
			status VARCHAR(8) NOT NULL DEFAULT 'IDLE',
			current_run_id UUID,
			error_message TEXT,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`INSERT INTO scheduler_state (state_id, status) VALUES (1, 'IDLE') ON CONFLICT (state_id) DO NOTHING`,
	}

	for i, migration := range migrations {
		if _, err := db.Pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}

	log.Println("Database migrations completed successfully")
	return nil
}
