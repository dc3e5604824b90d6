package backtest

import (
	"math"
	"sort"
	"time"
)

// Metrics summarizes a completed backtest.
type Metrics struct {
	TotalReturn      float64       `json:"total_return"`
	AnnualizedReturn float64       `json:"annualized_return"`
	Sharpe           float64       `json:"sharpe"`
	Sortino          float64       `json:"sortino"`
	Calmar           float64       `json:"calmar"`
	MaxDrawdown      float64       `json:"max_drawdown"`
	DrawdownDuration time.Duration `json:"drawdown_duration"`
	WinRate          float64       `json:"win_rate"`
	ProfitFactor     float64       `json:"profit_factor"`
	AvgWin           float64       `json:"avg_win"`
	AvgLoss          float64       `json:"avg_loss"`
	VaR95            float64       `json:"var_95"`
	CVaR95           float64       `json:"cvar_95"`
	TotalTrades      int           `json:"total_trades"`
}

// computeMetrics derives performance statistics from the equity curve and
// the closed trade list. barsPerYear annualizes per-bar return moments on a
// 365-day basis.
func computeMetrics(curve []EquityPoint, trades []Trade, barsPerYear float64) Metrics {
	var m Metrics
	m.TotalTrades = len(trades)
	if len(curve) < 2 {
		return m
	}

	initial := curve[0].Equity
	final := curve[len(curve)-1].Equity
	if initial > 0 {
		m.TotalReturn = final/initial - 1
	}

	elapsed := curve[len(curve)-1].Time.Sub(curve[0].Time)
	if elapsed > 0 && initial > 0 && final > 0 {
		years := elapsed.Hours() / (365 * 24)
		if years > 0 {
			m.AnnualizedReturn = math.Pow(final/initial, 1/years) - 1
		}
	}

	returns := make([]float64, 0, len(curve)-1)
	for i := 1; i < len(curve); i++ {
		if curve[i-1].Equity > 0 {
			returns = append(returns, curve[i].Equity/curve[i-1].Equity-1)
		}
	}
	mean, std := moments(returns)
	if std > 0 {
		m.Sharpe = mean / std * math.Sqrt(barsPerYear)
	}
	if down := downsideDeviation(returns); down > 0 {
		m.Sortino = mean / down * math.Sqrt(barsPerYear)
	}

	m.MaxDrawdown, m.DrawdownDuration = drawdown(curve)
	if m.MaxDrawdown > 0 {
		m.Calmar = m.AnnualizedReturn / m.MaxDrawdown
	}

	m.VaR95, m.CVaR95 = historicalVaR(returns, 0.95)
	fillTradeStats(&m, trades)
	return m
}

func moments(xs []float64) (mean, std float64) {
	if len(xs) == 0 {
		return 0, 0
	}
	for _, x := range xs {
		mean += x
	}
	mean /= float64(len(xs))
	if len(xs) < 2 {
		return mean, 0
	}
	var ss float64
	for _, x := range xs {
		d := x - mean
		ss += d * d
	}
	return mean, math.Sqrt(ss / float64(len(xs)-1))
}

func downsideDeviation(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var ss float64
	for _, x := range xs {
		if x < 0 {
			ss += x * x
		}
	}
	return math.Sqrt(ss / float64(len(xs)))
}

// drawdown returns the max peak-to-trough decline and the longest stretch
// spent below a prior peak.
func drawdown(curve []EquityPoint) (float64, time.Duration) {
	var (
		maxDD      float64
		longest    time.Duration
		peak       = curve[0].Equity
		peakTime   = curve[0].Time
		underwater bool
	)
	for _, p := range curve {
		if p.Equity >= peak {
			if underwater {
				if d := p.Time.Sub(peakTime); d > longest {
					longest = d
				}
				underwater = false
			}
			peak = p.Equity
			peakTime = p.Time
			continue
		}
		underwater = true
		if peak > 0 {
			if dd := (peak - p.Equity) / peak; dd > maxDD {
				maxDD = dd
			}
		}
		if d := p.Time.Sub(peakTime); d > longest {
			longest = d
		}
	}
	return maxDD, longest
}

// historicalVaR returns VaR and CVaR at the given confidence from the
// empirical return distribution, both expressed as positive loss fractions.
func historicalVaR(returns []float64, confidence float64) (float64, float64) {
	if len(returns) == 0 {
		return 0, 0
	}
	sorted := make([]float64, len(returns))
	copy(sorted, returns)
	sort.Float64s(sorted)

	idx := int(math.Floor(float64(len(sorted)) * (1 - confidence)))
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	vaR := -sorted[idx]
	if vaR < 0 {
		vaR = 0
	}

	var sum float64
	count := 0
	for i := 0; i <= idx; i++ {
		sum += sorted[i]
		count++
	}
	cvaR := 0.0
	if count > 0 {
		cvaR = -sum / float64(count)
		if cvaR < 0 {
			cvaR = 0
		}
	}
	return vaR, cvaR
}

func fillTradeStats(m *Metrics, trades []Trade) {
	var wins, losses int
	var grossWin, grossLoss float64
	for _, tr := range trades {
		if tr.NetPnL > 0 {
			wins++
			grossWin += tr.NetPnL
		} else if tr.NetPnL < 0 {
			losses++
			grossLoss += -tr.NetPnL
		}
	}
	if len(trades) > 0 {
		m.WinRate = float64(wins) / float64(len(trades))
	}
	if grossLoss > 0 {
		m.ProfitFactor = grossWin / grossLoss
	}
	if wins > 0 {
		m.AvgWin = grossWin / float64(wins)
	}
	if losses > 0 {
		m.AvgLoss = grossLoss / float64(losses)
	}
}
