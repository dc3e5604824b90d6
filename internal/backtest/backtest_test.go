package backtest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"drummond-analytics/internal/market"
	"drummond-analytics/internal/signal"
	"drummond-analytics/internal/store"
)

var testBase = time.Date(2025, 11, 6, 14, 0, 0, 0, time.UTC)

// emitAtStrategy emits a fixed long signal at exactly one tick: when the TTF
// history reaches emitLen bars. Pure function of the data, so runs are
// reproducible.
type emitAtStrategy struct {
	emitLen int
}

func (s *emitAtStrategy) Name() string { return "emit-at" }

func (s *emitAtStrategy) Analyze(sctx StrategyContext) (*signal.Signal, error) {
	if len(sctx.TTF.Bars) != s.emitLen {
		return nil, nil
	}
	bar, ok := sctx.TTF.BarAt(sctx.Time)
	if !ok {
		return nil, nil
	}
	return &signal.Signal{
		Symbol:         sctx.Symbol,
		Timestamp:      sctx.Time,
		Type:           signal.TypeLong,
		EntryPrice:     bar.Close,
		StopLoss:       bar.Close - 2,
		TargetPrice:    bar.Close + 4,
		Confidence:     0.8,
		SignalStrength: 0.7,
	}, nil
}

func seedFlat(t *testing.T, s *store.MemoryStore, symbol string, n int, spikeAt int) (time.Time, time.Time) {
	t.Helper()
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		bar := market.Bar{
			Symbol:    symbol,
			Interval:  market.Interval5m,
			Timestamp: testBase.Add(time.Duration(i*5) * time.Minute),
			Open:      100, High: 101, Low: 99, Close: 100,
			Volume: 100,
		}
		if i == spikeAt {
			// Sweeps both the stop (98) and the target (104) in one bar.
			bar.Open, bar.High, bar.Low, bar.Close = 101, 105, 97, 103
		}
		bars[i] = bar
	}
	_, _, err := s.UpsertBars(context.Background(), symbol, market.Interval5m, bars)
	require.NoError(t, err)
	return bars[0].Timestamp, bars[n-1].Timestamp
}

// seedLevel stores n flat bars pinned at the given price level.
func seedLevel(t *testing.T, s *store.MemoryStore, symbol string, price float64, n int) (time.Time, time.Time) {
	t.Helper()
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		bars[i] = market.Bar{
			Symbol:    symbol,
			Interval:  market.Interval5m,
			Timestamp: testBase.Add(time.Duration(i*5) * time.Minute),
			Open:      price, High: price + 0.5, Low: price - 0.5, Close: price,
			Volume: 100,
		}
	}
	_, _, err := s.UpsertBars(context.Background(), symbol, market.Interval5m, bars)
	require.NoError(t, err)
	return bars[0].Timestamp, bars[n-1].Timestamp
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Strategy = "emit-once"
	cfg.Warmup = 0
	return cfg
}

// A bar that spans both levels exits at the stop, not the target, with
// slippage applied adversely.
func TestStopBeforeTarget(t *testing.T) {
	Register("emit-once", func() Strategy { return &emitAtStrategy{emitLen: 26} })
	s := store.NewMemoryStore()
	start, end := seedFlat(t, s, "ABT", 30, 26)

	engine := NewEngine(s, nil, testConfig())
	res, err := engine.Run(context.Background(), []string{"ABT"}, start, end)
	require.NoError(t, err)
	require.Len(t, res.Trades, 1)

	tr := res.Trades[0]
	assert.Equal(t, "stop", tr.ExitReason)
	assert.Equal(t, signal.TypeLong, tr.Type)
	// Entry at next bar open 101 plus 2bp; exit at stop 98 minus 2bp.
	assert.InDelta(t, 101*1.0002, tr.EntryPrice, 1e-6)
	assert.InDelta(t, 98*0.9998, tr.ExitPrice, 1e-6)
	assert.Less(t, tr.NetPnL, 0.0)
	assert.Less(t, res.FinalCapital, res.InitialCapital)
}

// Two runs over identical bars and config produce identical trade lists and
// equity curves.
func TestReproducibility(t *testing.T) {
	Register("emit-once", func() Strategy { return &emitAtStrategy{emitLen: 26} })
	s := store.NewMemoryStore()
	// Three concurrent positions whose values span two orders of magnitude,
	// so any summation-order drift in the equity mark shows up bitwise.
	start, end := seedLevel(t, s, "ABT", 2.5, 30)
	seedLevel(t, s, "JNJ", 30, 30)
	seedLevel(t, s, "MSFT", 60, 30)

	engine := NewEngine(s, nil, testConfig())
	r1, err := engine.Run(context.Background(), []string{"ABT", "JNJ", "MSFT"}, start, end)
	require.NoError(t, err)

	maxOpen := 0
	for _, p := range r1.EquityCurve {
		if p.OpenPositions > maxOpen {
			maxOpen = p.OpenPositions
		}
	}
	require.Equal(t, 3, maxOpen, "fixture must hold all three positions at once")

	for i := 0; i < 20; i++ {
		r2, err := engine.Run(context.Background(), []string{"MSFT", "ABT", "JNJ"}, start, end)
		require.NoError(t, err)
		assert.Equal(t, r1.Trades, r2.Trades)
		assert.Equal(t, r1.EquityCurve, r2.EquityCurve)
		assert.Equal(t, r1.FinalCapital, r2.FinalCapital)
	}
}

// The equity and risk marks are pure functions of the position set, not of
// map iteration order.
func TestEquityMarkOrderIndependent(t *testing.T) {
	build := func() map[string]*position {
		return map[string]*position{
			"ABT":  {symbol: "ABT", sigType: signal.TypeLong, shares: 1, lastPrice: 1e16, risk: 1e16},
			"JNJ":  {symbol: "JNJ", sigType: signal.TypeLong, shares: 1, lastPrice: 1, risk: 1},
			"MSFT": {symbol: "MSFT", sigType: signal.TypeShort, shares: 1, lastPrice: 1e16, risk: 1e16},
		}
	}
	wantEquity := markEquity(0, build())
	wantRisk := totalRisk(build())
	for i := 0; i < 1000; i++ {
		assert.Equal(t, wantEquity, markEquity(0, build()))
		assert.Equal(t, wantRisk, totalRisk(build()))
	}
}

// The summed per-position risk never exceeds the configured portfolio bound.
func TestRiskBound(t *testing.T) {
	Register("emit-once", func() Strategy { return &emitAtStrategy{emitLen: 26} })
	s := store.NewMemoryStore()
	var start, end time.Time
	for _, sym := range []string{"ABT", "JNJ", "MSFT", "NVDA"} {
		start, end = seedFlat(t, s, sym, 30, -1)
	}

	cfg := testConfig()
	cfg.MaxPortfolioRisk = 0.05
	engine := NewEngine(s, nil, cfg)
	res, err := engine.Run(context.Background(), []string{"ABT", "JNJ", "MSFT", "NVDA"}, start, end)
	require.NoError(t, err)

	for _, p := range res.EquityCurve {
		assert.LessOrEqual(t, p.PortfolioRisk, cfg.MaxPortfolioRisk+1e-9,
			"risk bound violated at %s", p.Time)
	}
}

func TestMaxPositions(t *testing.T) {
	Register("emit-once", func() Strategy { return &emitAtStrategy{emitLen: 26} })
	s := store.NewMemoryStore()
	var start, end time.Time
	for _, sym := range []string{"ABT", "JNJ", "MSFT"} {
		start, end = seedFlat(t, s, sym, 30, -1)
	}

	cfg := testConfig()
	cfg.MaxPositions = 1
	engine := NewEngine(s, nil, cfg)
	res, err := engine.Run(context.Background(), []string{"ABT", "JNJ", "MSFT"}, start, end)
	require.NoError(t, err)

	for _, p := range res.EquityCurve {
		assert.LessOrEqual(t, p.OpenPositions, 1)
	}
}

func TestCancellationDiscardsResults(t *testing.T) {
	Register("emit-once", func() Strategy { return &emitAtStrategy{emitLen: 26} })
	s := store.NewMemoryStore()
	start, end := seedFlat(t, s, "ABT", 30, -1)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	engine := NewEngine(s, nil, testConfig())
	res, err := engine.Run(ctx, []string{"ABT"}, start, end)
	assert.Nil(t, res)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestConfigValidation(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := testConfig()
	cfg.InitialCapital = 0
	_, err := NewEngine(s, nil, cfg).Run(context.Background(), []string{"ABT"}, testBase, testBase.Add(time.Hour))
	assert.Error(t, err)

	cfg = testConfig()
	cfg.HTF = market.Interval5m // not coarser than TTF
	_, err = NewEngine(s, nil, cfg).Run(context.Background(), []string{"ABT"}, testBase, testBase.Add(time.Hour))
	assert.Error(t, err)
}

func TestUnknownStrategy(t *testing.T) {
	s := store.NewMemoryStore()
	cfg := testConfig()
	cfg.Strategy = "does-not-exist"
	_, err := NewEngine(s, nil, cfg).Run(context.Background(), []string{"ABT"}, testBase, testBase.Add(time.Hour))
	assert.Error(t, err)
}
