package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"drummond-analytics/internal/market"
)

// ClientConfig holds the provider HTTP client tunables.
type ClientConfig struct {
	BaseURL  string
	APIToken string
	Exchange string
	// RequestsPerSecond feeds the token bucket guarding the provider quota.
	RequestsPerSecond float64
	Burst             int
	RequestTimeout    time.Duration
	MaxRetries        int
	RetryBackoff      time.Duration
}

// DefaultClientConfig returns conservative production defaults.
func DefaultClientConfig() ClientConfig {
	return ClientConfig{
		BaseURL:           "https://eodhd.com/api",
		Exchange:          DefaultExchangeSuffix,
		RequestsPerSecond: 5,
		Burst:             10,
		RequestTimeout:    30 * time.Second,
		MaxRetries:        3,
		RetryBackoff:      time.Second,
	}
}

// HistoricalClient fetches finalized intraday bars. Every request passes a
// token-bucket rate limiter and a circuit breaker; transient failures retry
// with exponential backoff.
type HistoricalClient struct {
	cfg     ClientConfig
	http    *http.Client
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	log     zerolog.Logger
}

func NewHistoricalClient(cfg ClientConfig, log zerolog.Logger) *HistoricalClient {
	if cfg.RequestsPerSecond <= 0 {
		cfg.RequestsPerSecond = 5
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 10
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 3
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = time.Second
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "market-data-provider",
		Timeout: 60 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("circuit breaker state change")
		},
	})
	return &HistoricalClient{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.RequestTimeout},
		limiter: rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst),
		breaker: breaker,
		log:     log.With().Str("component", "historical_client").Logger(),
	}
}

// FetchBars pulls finalized bars for [from, to]. Bars come back sorted and
// validated; rows the provider garbles are skipped with a log line.
func (c *HistoricalClient) FetchBars(ctx context.Context, symbol string, interval market.Interval, from, to time.Time) ([]market.Bar, error) {
	return c.fetch(ctx, symbol, interval, from, to, false)
}

func (c *HistoricalClient) fetch(ctx context.Context, symbol string, interval market.Interval, from, to time.Time, provisional bool) ([]market.Bar, error) {
	endpoint := fmt.Sprintf("%s/intraday/%s", c.cfg.BaseURL, url.PathEscape(QualifySymbol(symbol, c.cfg.Exchange)))
	query := url.Values{
		"interval": {providerInterval(interval)},
		"from":     {strconv.FormatInt(from.Unix(), 10)},
		"to":       {strconv.FormatInt(to.Unix(), 10)},
		"fmt":      {"json"},
	}
	if c.cfg.APIToken != "" {
		query.Set("api_token", c.cfg.APIToken)
	}

	rows, err := c.requestWithRetry(ctx, endpoint+"?"+query.Encode())
	if err != nil {
		return nil, err
	}

	bars := make([]market.Bar, 0, len(rows))
	for _, row := range rows {
		bar, err := row.Bar(symbol, interval, provisional)
		if err != nil {
			c.log.Debug().Err(err).Str("symbol", symbol).
				Int64("timestamp", row.Timestamp).Msg("skipping invalid provider row")
			continue
		}
		if bar.Timestamp.Before(from) || bar.Timestamp.After(to) {
			continue
		}
		bars = append(bars, bar)
	}
	sort.Slice(bars, func(i, j int) bool { return bars[i].Timestamp.Before(bars[j].Timestamp) })
	return bars, nil
}

func (c *HistoricalClient) requestWithRetry(ctx context.Context, requestURL string) ([]ProviderBar, error) {
	var lastErr error
	for attempt := 0; attempt <= c.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			backoff := c.cfg.RetryBackoff << (attempt - 1)
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}
		rows, err := c.request(ctx, requestURL)
		if err == nil {
			return rows, nil
		}
		lastErr = err
		if !IsTransient(err) {
			return nil, err
		}
		c.log.Warn().Err(err).Int("attempt", attempt+1).Msg("provider request failed, retrying")
	}
	return nil, lastErr
}

func (c *HistoricalClient) request(ctx context.Context, requestURL string) ([]ProviderBar, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	result, err := c.breaker.Execute(func() (interface{}, error) {
		return c.doRequest(ctx, requestURL)
	})
	if err != nil {
		if err == gobreaker.ErrOpenState || err == gobreaker.ErrTooManyRequests {
			return nil, &TransientError{Op: "request", Err: err}
		}
		return nil, err
	}
	return result.([]ProviderBar), nil
}

func (c *HistoricalClient) doRequest(ctx context.Context, requestURL string) ([]ProviderBar, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, requestURL, nil)
	if err != nil {
		return nil, fmt.Errorf("ingest: build request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &TransientError{Op: "http", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		io.Copy(io.Discard, resp.Body)
		return nil, &TransientError{Op: "http", Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode != http.StatusOK:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("ingest: provider status %d: %s", resp.StatusCode, body)
	}

	var rows []ProviderBar
	if err := json.NewDecoder(resp.Body).Decode(&rows); err != nil {
		return nil, fmt.Errorf("ingest: decode response: %w", err)
	}
	return rows, nil
}

// LiveClient fetches today's delayed bars through the same transport,
// marking everything provisional.
type LiveClient struct {
	inner *HistoricalClient
}

func NewLiveClient(cfg ClientConfig, log zerolog.Logger) *LiveClient {
	return &LiveClient{inner: NewHistoricalClient(cfg, log.With().Str("component", "live_client").Logger())}
}

func (c *LiveClient) FetchBars(ctx context.Context, symbol string, interval market.Interval, from, to time.Time) ([]market.Bar, error) {
	return c.inner.fetch(ctx, symbol, interval, from, to, true)
}

// providerInterval maps the domain interval onto the provider's token.
func providerInterval(interval market.Interval) string {
	switch interval {
	case market.Interval1m:
		return "1m"
	case market.Interval5m:
		return "5m"
	case market.Interval1h, market.Interval4h:
		return "1h"
	case market.Interval1d:
		return "d"
	default:
		return "5m"
	}
}
