package logging

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"time"

	"github.com/rs/zerolog"
)

// GenerateRunTraceID generates a trace ID for correlating one pipeline pass
// across components.
func GenerateRunTraceID() string {
	b := make([]byte, 16)
	rand.Read(b)
	return hex.EncodeToString(b)
}

// FromContext retrieves the logger from context, falling back to the default.
func FromContext(ctx context.Context) zerolog.Logger {
	l := zerolog.Ctx(ctx)
	if l.GetLevel() == zerolog.Disabled {
		return Default()
	}
	return *l
}

// NewContext attaches a logger to the context.
func NewContext(ctx context.Context, l zerolog.Logger) context.Context {
	return l.WithContext(ctx)
}

// WithTraceContext attaches a fresh trace ID to the context and returns the
// tagged logger alongside it.
func WithTraceContext(ctx context.Context) (context.Context, zerolog.Logger) {
	traceID := GenerateRunTraceID()
	l := Default().With().Str("trace_id", traceID).Logger()
	return l.WithContext(ctx), l
}

// SignalContext creates a logger for signal generation.
func SignalContext(symbol, signalType string, confidence float64) zerolog.Logger {
	return WithComponent("signal").With().
		Str("symbol", symbol).
		Str("signal_type", signalType).
		Float64("confidence", confidence).
		Logger()
}

// RunContext creates a logger for one scheduler run.
func RunContext(runID string, symbols int) zerolog.Logger {
	return WithComponent("scheduler").With().
		Str("run_id", runID).
		Int("symbols", symbols).
		Logger()
}

// BacktestContext creates a logger for a backtest execution.
func BacktestContext(strategy string, start, end time.Time) zerolog.Logger {
	return WithComponent("backtest").With().
		Str("strategy", strategy).
		Str("start_date", start.Format("2006-01-02")).
		Str("end_date", end.Format("2006-01-02")).
		Logger()
}

// IngestContext creates a logger for one ingestion pass.
func IngestContext(symbol, interval, source string) zerolog.Logger {
	return WithComponent("ingest").With().
		Str("symbol", symbol).
		Str("interval", interval).
		Str("source", source).
		Logger()
}

// DatabaseContext creates a logger for database operations.
func DatabaseContext(operation, table string) zerolog.Logger {
	return WithComponent("database").With().
		Str("operation", operation).
		Str("table", table).
		Logger()
}
