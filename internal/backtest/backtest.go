// Package backtest replays stored bars through a strategy and accounts for
// the resulting portfolio deterministically: same bars, same strategy, same
// config, same trades.
package backtest

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/signal"
	"drummond-analytics/internal/store"
)

// Config holds the backtest parameters.
type Config struct {
	Strategy         string          `json:"strategy"`
	HTF              market.Interval `json:"htf"`
	TTF              market.Interval `json:"ttf"`
	InitialCapital   float64         `json:"initial_capital"`
	MaxPositions     int             `json:"max_positions"`
	MaxPortfolioRisk float64         `json:"max_portfolio_risk"`
	PerTradeRisk     float64         `json:"per_trade_risk"`
	SlippageBps      float64         `json:"slippage_bps"`
	CommissionBps    float64         `json:"commission_bps"`
	RegularHoursOnly bool            `json:"regular_hours_only"`
	// Warmup is how many TTF bars before the start date feed the kernel.
	Warmup int `json:"warmup"`
}

// DefaultConfig returns the production backtest parameters.
func DefaultConfig() Config {
	return Config{
		Strategy:         "drummond",
		HTF:              market.Interval30m,
		TTF:              market.Interval5m,
		InitialCapital:   100000,
		MaxPositions:     20,
		MaxPortfolioRisk: 0.10,
		PerTradeRisk:     0.02,
		SlippageBps:      2,
		CommissionBps:    0,
		Warmup:           100,
	}
}

func (c Config) validate() error {
	if c.InitialCapital <= 0 {
		return fmt.Errorf("backtest: initial capital must be positive, got %v", c.InitialCapital)
	}
	if c.MaxPositions <= 0 || c.MaxPortfolioRisk <= 0 || c.PerTradeRisk <= 0 {
		return fmt.Errorf("backtest: position and risk limits must be positive")
	}
	if !c.HTF.Valid() || !c.TTF.Valid() || c.HTF.Duration() <= c.TTF.Duration() {
		return fmt.Errorf("backtest: HTF %s must be coarser than TTF %s", c.HTF, c.TTF)
	}
	return nil
}

// Trade is one closed round trip.
type Trade struct {
	Sequence   int
	Symbol     string
	Type       signal.Type
	EntryTime  time.Time
	ExitTime   time.Time
	EntryPrice float64
	ExitPrice  float64
	Shares     int
	GrossPnL   float64
	NetPnL     float64
	ReturnPct  float64
	ExitReason string // stop, target, end
}

// EquityPoint is one mark-to-market sample of the portfolio.
type EquityPoint struct {
	Time          time.Time
	Equity        float64
	Cash          float64
	OpenPositions int
	PortfolioRisk float64 // sum of position risk / equity
}

// Result is a completed backtest.
type Result struct {
	ID             uuid.UUID
	Strategy       string
	Config         Config
	Start          time.Time
	End            time.Time
	Symbols        []string
	InitialCapital float64
	FinalCapital   float64
	Metrics        Metrics
	Trades         []Trade
	EquityCurve    []EquityPoint
}

type position struct {
	symbol    string
	sigType   signal.Type
	shares    int
	entry     float64
	stop      float64
	target    float64
	entryTime time.Time
	risk      float64 // shares * |entry - stop|
	lastPrice float64
}

type symbolSeries struct {
	symbol string
	ttf    []market.Bar
	htf    []market.Bar
	ttfIdx map[int64]int // bar timestamp -> index into ttf
}

// Engine replays bars from a store through a strategy.
type Engine struct {
	store store.BarStore
	cal   *calendar.Calendar
	cfg   Config
}

func NewEngine(barStore store.BarStore, cal *calendar.Calendar, cfg Config) *Engine {
	return &Engine{store: barStore, cal: cal, cfg: cfg}
}

// Run executes the backtest over [start, end]. Cancellation discards all
// partial results.
func (e *Engine) Run(ctx context.Context, symbols []string, start, end time.Time) (*Result, error) {
	if err := e.cfg.validate(); err != nil {
		return nil, err
	}
	strategy, err := NewStrategy(e.cfg.Strategy)
	if err != nil {
		return nil, err
	}

	ordered := dedupeSorted(symbols)
	series, err := e.loadSeries(ctx, ordered, start, end)
	if err != nil {
		return nil, err
	}
	ticks := e.eventTimestamps(series, start, end)
	if len(ticks) == 0 {
		return nil, fmt.Errorf("backtest: no bars in [%s, %s]", start, end)
	}

	var (
		cash      = e.cfg.InitialCapital
		positions = make(map[string]*position)
		trades    []Trade
		curve     []EquityPoint
		seq       int
	)

	for _, t := range ticks {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		// 1+2. Mark open positions to market and manage exits.
		for _, sym := range ordered {
			pos, ok := positions[sym]
			if !ok {
				continue
			}
			bar, ok := barAtTick(series[sym], t)
			if !ok {
				continue
			}
			pos.lastPrice = bar.Close
			if level, reason, hit := pos.exitLevel(bar); hit {
				fill := e.exitFill(pos.sigType, level)
				cash += e.settle(pos, fill)
				trades = append(trades, e.closeTrade(&seq, pos, fill, bar.Timestamp, reason))
				delete(positions, sym)
			}
		}

		// 3. Recompute per-symbol analyses and collect candidates.
		var candidates []*signal.Signal
		for _, sym := range ordered {
			s, ok := series[sym]
			if !ok || positions[sym] != nil {
				continue
			}
			sctx, ok := e.strategyContext(s, t, false)
			if !ok {
				continue
			}
			sig, err := strategy.Analyze(sctx)
			if err != nil || sig == nil {
				continue
			}
			if sig.Type != signal.TypeLong && sig.Type != signal.TypeShort {
				continue
			}
			candidates = append(candidates, sig)
		}

		// 4. Rank by composite score.
		rankCandidates(candidates)

		// 5+6. Admit and size in rank order.
		equity := markEquity(cash, positions)
		openRisk := totalRisk(positions)
		for _, sig := range candidates {
			if len(positions) >= e.cfg.MaxPositions {
				break
			}
			next, ok := nextBar(series[sig.Symbol], t)
			if !ok {
				continue
			}
			fill := e.entryFill(sig.Type, next.Open)
			riskPerShare := math.Abs(fill - sig.StopLoss)
			if riskPerShare <= 0 {
				continue
			}
			shares := int(math.Floor(equity * e.cfg.PerTradeRisk / riskPerShare))
			if shares < 1 {
				continue
			}
			risk := float64(shares) * riskPerShare
			if equity <= 0 || (openRisk+risk)/equity > e.cfg.MaxPortfolioRisk+1e-9 {
				continue
			}
			notional := float64(shares) * fill
			commission := notional * e.cfg.CommissionBps / 10000
			if sig.Type == signal.TypeLong && notional+commission > cash {
				continue
			}

			pos := &position{
				symbol:    sig.Symbol,
				sigType:   sig.Type,
				shares:    shares,
				entry:     fill,
				stop:      sig.StopLoss,
				target:    sig.TargetPrice,
				entryTime: next.Timestamp,
				risk:      risk,
				lastPrice: fill,
			}
			if sig.Type == signal.TypeLong {
				cash -= notional + commission
			} else {
				cash += notional - commission
			}
			positions[sig.Symbol] = pos
			openRisk += risk
			equity = markEquity(cash, positions)
		}

		equity = markEquity(cash, positions)
		curve = append(curve, EquityPoint{
			Time:          t,
			Equity:        equity,
			Cash:          cash,
			OpenPositions: len(positions),
			PortfolioRisk: totalRisk(positions) / math.Max(equity, 1e-9),
		})
	}

	// Close whatever is still open at the last mark.
	last := ticks[len(ticks)-1]
	for _, sym := range ordered {
		pos, ok := positions[sym]
		if !ok {
			continue
		}
		fill := e.exitFill(pos.sigType, pos.lastPrice)
		cash += e.settle(pos, fill)
		trades = append(trades, e.closeTrade(&seq, pos, fill, last, "end"))
		delete(positions, sym)
	}
	finalEquity := cash
	if len(curve) > 0 {
		curve[len(curve)-1].Equity = finalEquity
		curve[len(curve)-1].Cash = cash
		curve[len(curve)-1].OpenPositions = 0
		curve[len(curve)-1].PortfolioRisk = 0
	}

	barsPerYear := float64(365*24*time.Hour) / float64(e.cfg.TTF.Duration())
	return &Result{
		ID:             uuid.New(),
		Strategy:       strategy.Name(),
		Config:         e.cfg,
		Start:          ticks[0],
		End:            last,
		Symbols:        ordered,
		InitialCapital: e.cfg.InitialCapital,
		FinalCapital:   finalEquity,
		Metrics:        computeMetrics(curve, trades, barsPerYear),
		Trades:         trades,
		EquityCurve:    curve,
	}, nil
}

func (e *Engine) loadSeries(ctx context.Context, symbols []string, start, end time.Time) (map[string]*symbolSeries, error) {
	out := make(map[string]*symbolSeries, len(symbols))
	for _, sym := range symbols {
		ttfStart := start.Add(-time.Duration(e.cfg.Warmup) * e.cfg.TTF.Duration())
		htfStart := start.Add(-time.Duration(e.cfg.Warmup) * e.cfg.HTF.Duration())
		ttf, err := e.store.GetBars(ctx, sym, e.cfg.TTF, ttfStart, end)
		if err != nil {
			return nil, fmt.Errorf("backtest %s: %w", sym, err)
		}
		htf, err := e.store.GetBars(ctx, sym, e.cfg.HTF, htfStart, end)
		if err != nil {
			return nil, fmt.Errorf("backtest %s: %w", sym, err)
		}
		if len(ttf) < 4 || len(htf) < 4 {
			continue
		}
		idx := make(map[int64]int, len(ttf))
		for i, bar := range ttf {
			idx[bar.Timestamp.UnixNano()] = i
		}
		out[sym] = &symbolSeries{symbol: sym, ttf: ttf, htf: htf, ttfIdx: idx}
	}
	return out, nil
}

// eventTimestamps is the sorted union of TTF bar timestamps inside the test
// window, optionally restricted to the regular session.
func (e *Engine) eventTimestamps(series map[string]*symbolSeries, start, end time.Time) []time.Time {
	set := make(map[int64]time.Time)
	for _, s := range series {
		for _, bar := range s.ttf {
			if bar.Timestamp.Before(start) || bar.Timestamp.After(end) {
				continue
			}
			if e.cfg.RegularHoursOnly && e.cal != nil && !e.cal.InRegularSession(bar.Timestamp) {
				continue
			}
			set[bar.Timestamp.UnixNano()] = bar.Timestamp
		}
	}
	out := make([]time.Time, 0, len(set))
	for _, t := range set {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out
}

// strategyContext builds the two bundles from bars at or before t.
func (e *Engine) strategyContext(s *symbolSeries, t time.Time, hasPosition bool) (StrategyContext, bool) {
	ttfBars := barsThrough(s.ttf, t)
	htfBars := barsThrough(s.htf, t)
	if len(ttfBars) < 4 || len(htfBars) < 4 {
		return StrategyContext{}, false
	}
	ttfB, err := bundle.Build(s.symbol, e.cfg.TTF, ttfBars, bundle.DefaultConfig(), uint64(len(ttfBars)))
	if err != nil {
		return StrategyContext{}, false
	}
	htfB, err := bundle.Build(s.symbol, e.cfg.HTF, htfBars, bundle.DefaultConfig(), uint64(len(htfBars)))
	if err != nil {
		return StrategyContext{}, false
	}
	return StrategyContext{
		Symbol:          s.symbol,
		Time:            t,
		HTF:             htfB,
		TTF:             ttfB,
		HasOpenPosition: hasPosition,
	}, true
}

// exitLevel applies the conservative intrabar rule: when both the stop and
// the target are inside the bar's range, the stop triggers first.
func (p *position) exitLevel(bar market.Bar) (float64, string, bool) {
	if p.sigType == signal.TypeLong {
		if bar.Low <= p.stop {
			return p.stop, "stop", true
		}
		if bar.High >= p.target {
			return p.target, "target", true
		}
		return 0, "", false
	}
	if bar.High >= p.stop {
		return p.stop, "stop", true
	}
	if bar.Low <= p.target {
		return p.target, "target", true
	}
	return 0, "", false
}

// entryFill applies slippage adversely to the fill price.
func (e *Engine) entryFill(t signal.Type, price float64) float64 {
	slip := e.cfg.SlippageBps / 10000
	if t == signal.TypeLong {
		return price * (1 + slip)
	}
	return price * (1 - slip)
}

// exitFill applies slippage adversely: longs sell lower, shorts cover higher.
func (e *Engine) exitFill(t signal.Type, level float64) float64 {
	slip := e.cfg.SlippageBps / 10000
	if t == signal.TypeLong {
		return level * (1 - slip)
	}
	return level * (1 + slip)
}

// settle returns the cash delta from closing the position at fill.
func (e *Engine) settle(p *position, fill float64) float64 {
	notional := float64(p.shares) * fill
	commission := notional * e.cfg.CommissionBps / 10000
	if p.sigType == signal.TypeLong {
		return notional - commission
	}
	return -notional - commission
}

func (e *Engine) closeTrade(seq *int, p *position, fill float64, at time.Time, reason string) Trade {
	*seq++
	gross := float64(p.shares) * (fill - p.entry)
	if p.sigType == signal.TypeShort {
		gross = -gross
	}
	entryNotional := float64(p.shares) * p.entry
	commission := (entryNotional + float64(p.shares)*fill) * e.cfg.CommissionBps / 10000
	net := gross - commission
	ret := 0.0
	if entryNotional > 0 {
		ret = net / entryNotional * 100
	}
	return Trade{
		Sequence:   *seq,
		Symbol:     p.symbol,
		Type:       p.sigType,
		EntryTime:  p.entryTime,
		ExitTime:   at,
		EntryPrice: market.Round6(p.entry),
		ExitPrice:  market.Round6(fill),
		Shares:     p.shares,
		GrossPnL:   market.Round6(gross),
		NetPnL:     market.Round6(net),
		ReturnPct:  market.Round6(ret),
		ExitReason: reason,
	}
}

// rankCandidates orders by confidence x strength descending, then earlier
// timestamp, then symbol.
func rankCandidates(candidates []*signal.Signal) {
	sort.SliceStable(candidates, func(i, j int) bool {
		si := candidates[i].Confidence * candidates[i].SignalStrength
		sj := candidates[j].Confidence * candidates[j].SignalStrength
		if si != sj {
			return si > sj
		}
		if !candidates[i].Timestamp.Equal(candidates[j].Timestamp) {
			return candidates[i].Timestamp.Before(candidates[j].Timestamp)
		}
		return candidates[i].Symbol < candidates[j].Symbol
	})
}

// markEquity sums in symbol order: float addition is not associative, and the
// equity feeds sizing and admission, so the walk must not follow map order.
func markEquity(cash float64, positions map[string]*position) float64 {
	equity := cash
	for _, sym := range positionSymbols(positions) {
		p := positions[sym]
		value := float64(p.shares) * p.lastPrice
		if p.sigType == signal.TypeLong {
			equity += value
		} else {
			equity -= value
		}
	}
	return equity
}

func totalRisk(positions map[string]*position) float64 {
	sum := 0.0
	for _, sym := range positionSymbols(positions) {
		sum += positions[sym].risk
	}
	return sum
}

func positionSymbols(positions map[string]*position) []string {
	syms := make([]string, 0, len(positions))
	for sym := range positions {
		syms = append(syms, sym)
	}
	sort.Strings(syms)
	return syms
}

func barAtTick(s *symbolSeries, t time.Time) (market.Bar, bool) {
	i, ok := s.ttfIdx[t.UnixNano()]
	if !ok {
		return market.Bar{}, false
	}
	return s.ttf[i], true
}

func nextBar(s *symbolSeries, t time.Time) (market.Bar, bool) {
	if s == nil {
		return market.Bar{}, false
	}
	i := sort.Search(len(s.ttf), func(i int) bool {
		return s.ttf[i].Timestamp.After(t)
	})
	if i >= len(s.ttf) {
		return market.Bar{}, false
	}
	return s.ttf[i], true
}

func barsThrough(bars []market.Bar, t time.Time) []market.Bar {
	i := sort.Search(len(bars), func(i int) bool {
		return bars[i].Timestamp.After(t)
	})
	return bars[:i]
}

func dedupeSorted(symbols []string) []string {
	seen := make(map[string]bool, len(symbols))
	out := make([]string, 0, len(symbols))
	for _, s := range symbols {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}
