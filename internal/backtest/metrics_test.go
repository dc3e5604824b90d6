package backtest

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func curveFrom(values []float64) []EquityPoint {
	curve := make([]EquityPoint, len(values))
	for i, v := range values {
		curve[i] = EquityPoint{Time: testBase.Add(time.Duration(i) * time.Hour), Equity: v}
	}
	return curve
}

func TestDrawdown(t *testing.T) {
	dd, dur := drawdown(curveFrom([]float64{100, 110, 99, 104, 121, 121}))
	assert.InDelta(t, (110.0-99.0)/110.0, dd, 1e-9)
	// Underwater from the 110 peak until the recovery at 121: three hours.
	assert.Equal(t, 3*time.Hour, dur)

	dd, dur = drawdown(curveFrom([]float64{100, 101, 102}))
	assert.Zero(t, dd)
	assert.Zero(t, dur)
}

func TestHistoricalVaR(t *testing.T) {
	returns := []float64{0.01, -0.02, 0.005, -0.05, 0.002, 0.01, -0.01, 0.003, 0.004, -0.005,
		0.01, 0.002, -0.003, 0.006, 0.001, 0.002, -0.001, 0.004, 0.003, 0.002}
	vaR, cvaR := historicalVaR(returns, 0.95)
	// Twenty observations: the 5% quantile sits at the second-worst return.
	assert.InDelta(t, 0.02, vaR, 1e-9)
	assert.GreaterOrEqual(t, cvaR, vaR)
}

func TestTradeStats(t *testing.T) {
	trades := []Trade{
		{NetPnL: 100}, {NetPnL: 50}, {NetPnL: -75}, {NetPnL: 0},
	}
	var m Metrics
	fillTradeStats(&m, trades)
	assert.InDelta(t, 0.5, m.WinRate, 1e-9)
	assert.InDelta(t, 2.0, m.ProfitFactor, 1e-9)
	assert.InDelta(t, 75.0, m.AvgWin, 1e-9)
	assert.InDelta(t, 75.0, m.AvgLoss, 1e-9)
}

func TestComputeMetricsTotals(t *testing.T) {
	m := computeMetrics(curveFrom([]float64{100000, 101000, 101500}), nil, 105120)
	assert.InDelta(t, 0.015, m.TotalReturn, 1e-9)
	assert.Greater(t, m.AnnualizedReturn, 0.0)
	assert.Greater(t, m.Sharpe, 0.0)
	assert.Zero(t, m.MaxDrawdown)
}

func TestComputeMetricsEmpty(t *testing.T) {
	m := computeMetrics(nil, nil, 105120)
	assert.Zero(t, m.TotalReturn)
	assert.Zero(t, m.Sharpe)
}
