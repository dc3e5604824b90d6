// Package ingest pulls bars from the market-data provider over three paths:
// historical fetch, delayed live fetch, and the real-time stream. A
// reconciler folds the three into the bar store with deterministic
// precedence.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"drummond-analytics/internal/market"
)

// DefaultExchangeSuffix qualifies bare tickers at the transport boundary.
const DefaultExchangeSuffix = "US"

// QualifySymbol appends the exchange suffix the provider expects.
func QualifySymbol(symbol, exchange string) string {
	if exchange == "" {
		exchange = DefaultExchangeSuffix
	}
	if strings.Contains(symbol, ".") {
		return symbol
	}
	return symbol + "." + exchange
}

// BareSymbol strips the exchange suffix for internal use.
func BareSymbol(symbol string) string {
	if i := strings.IndexByte(symbol, '.'); i > 0 {
		return symbol[:i]
	}
	return symbol
}

// TransientError marks a failure worth retrying: network trouble, rate
// limiting, provider 5xx.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("ingest: transient %s failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err is retryable.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// ProviderBar is the provider's wire format for one intraday bar. Timestamps
// are unix seconds, UTC.
type ProviderBar struct {
	Timestamp int64   `json:"timestamp"`
	Open      float64 `json:"open"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Close     float64 `json:"close"`
	Volume    float64 `json:"volume"`
}

// Bar converts the wire row into a validated domain bar.
func (p ProviderBar) Bar(symbol string, interval market.Interval, provisional bool) (market.Bar, error) {
	bar := market.Bar{
		Symbol:        BareSymbol(symbol),
		Interval:      interval,
		Timestamp:     time.Unix(p.Timestamp, 0).UTC(),
		Open:          p.Open,
		High:          p.High,
		Low:           p.Low,
		Close:         p.Close,
		Volume:        p.Volume,
		IsProvisional: provisional,
	}
	bar.Normalize()
	if err := bar.Validate(); err != nil {
		return market.Bar{}, err
	}
	return bar, nil
}

// Source fetches bars for one (symbol, interval) window.
type Source interface {
	FetchBars(ctx context.Context, symbol string, interval market.Interval, from, to time.Time) ([]market.Bar, error)
}
