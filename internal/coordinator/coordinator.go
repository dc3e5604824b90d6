// Package coordinator combines a higher-timeframe bundle with a trading-
// timeframe bundle into one analysis record: trend alignment, confluence
// zones, signal strength and a trade recommendation.
package coordinator

import (
	"fmt"
	"math"
	"sort"
	"time"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/market"
)

// Config holds the coordinator tunables.
type Config struct {
	// ClusteringTolerance is the confluence cluster width as a fraction of
	// the HTF PLdot.
	ClusteringTolerance float64
	// SlopeEpsilon is the horizontal threshold shared with the classifier.
	SlopeEpsilon float64
	// ATRPeriod sizes the volatility estimate.
	ATRPeriod int
	// BaselinePeriod sizes the volatility baseline for risk bucketing.
	BaselinePeriod int
	// PatternMaxAge bounds how far back pattern events still count.
	PatternMaxAge time.Duration
	// MinActionStrength gates long/short recommendations.
	MinActionStrength float64
	// CacheSize bounds the memoized analysis count.
	CacheSize int
}

// DefaultConfig returns the production coordinator parameters.
func DefaultConfig() Config {
	return Config{
		ClusteringTolerance: 0.005,
		SlopeEpsilon:        1e-3,
		ATRPeriod:           14,
		BaselinePeriod:      20,
		PatternMaxAge:       4 * time.Hour,
		MinActionStrength:   0.5,
		CacheSize:           512,
	}
}

// PriorProvider supplies the historical prior term for a symbol at t.
// A nil provider means no calibration data: the prior defaults to 0.5.
type PriorProvider func(symbol string, t time.Time) float64

// PositionContext tells the coordinator what the caller already holds.
type PositionContext struct {
	HasOpenPosition bool
}

// Coordinator is stateless apart from its memoization cache.
type Coordinator struct {
	cfg   Config
	prior PriorProvider
	cache *lruCache
}

func New(cfg Config, prior PriorProvider) *Coordinator {
	if cfg.ClusteringTolerance <= 0 {
		cfg.ClusteringTolerance = 0.005
	}
	if cfg.ATRPeriod <= 0 {
		cfg.ATRPeriod = 14
	}
	if cfg.BaselinePeriod <= 0 {
		cfg.BaselinePeriod = 20
	}
	if cfg.MinActionStrength <= 0 {
		cfg.MinActionStrength = 0.5
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	return &Coordinator{cfg: cfg, prior: prior, cache: newLRUCache(cfg.CacheSize)}
}

// Analyze produces the analysis record for the two bundles at t. Results are
// memoized on (symbol, HTF, TTF, t, bundle versions).
func (c *Coordinator) Analyze(htf, ttf *bundle.Bundle, t time.Time, pos PositionContext) (*Analysis, error) {
	if htf.Symbol != ttf.Symbol {
		return nil, fmt.Errorf("coordinator: bundle symbols differ: %s vs %s", htf.Symbol, ttf.Symbol)
	}
	key := analysisKey{
		symbol: htf.Symbol, htf: htf.Interval, ttf: ttf.Interval,
		at: t.UnixNano(), htfVersion: htf.Version, ttfVersion: ttf.Version,
	}
	if a, ok := c.cache.get(key); ok {
		return c.applyContext(a, pos), nil
	}

	a, err := c.analyze(htf, ttf, t)
	if err != nil {
		return nil, err
	}
	c.cache.put(key, a)
	return c.applyContext(a, pos), nil
}

func (c *Coordinator) analyze(htf, ttf *bundle.Bundle, t time.Time) (*Analysis, error) {
	htfState, ok := htf.StateAt(t)
	if !ok {
		return nil, fmt.Errorf("coordinator %s: %w: no HTF state at %s", htf.Symbol, indicator.ErrInsufficientData, t)
	}
	ttfState, ok := ttf.StateAt(t)
	if !ok {
		return nil, fmt.Errorf("coordinator %s: %w: no TTF state at %s", ttf.Symbol, indicator.ErrInsufficientData, t)
	}
	htfDot, ok := htf.PLdotAt(t)
	if !ok {
		return nil, fmt.Errorf("coordinator %s: %w: no HTF dot at %s", htf.Symbol, indicator.ErrInsufficientData, t)
	}
	ttfDot, ok := ttf.PLdotAt(t)
	if !ok {
		return nil, fmt.Errorf("coordinator %s: %w: no TTF dot at %s", ttf.Symbol, indicator.ErrInsufficientData, t)
	}

	a := &Analysis{
		Symbol:      htf.Symbol,
		HTF:         htf.Interval,
		TTF:         ttf.Interval,
		Timestamp:   t,
		HTFTrend:    htfState.Direction,
		HTFStrength: htfState.Confidence,
		TTFTrend:    ttfState.Direction,
		TTFState:    ttfState.State,
		HTFPLdot:    htfDot,
		TTFPLdot:    ttfDot,
		HTFVersion:  htf.Version,
		TTFVersion:  ttf.Version,
	}

	a.AlignmentScore, a.AlignmentType = scoreAlignment(a.HTFTrend, a.TTFTrend)
	a.TradePermitted = a.HTFTrend != indicator.DirectionNeutral &&
		(a.AlignmentType == AlignmentPerfect || a.AlignmentType == AlignmentPartial)
	a.PLdotDistancePercent = (ttfDot - htfDot) / htfDot * 100

	a.Patterns = ttf.PatternsAt(t, c.cfg.PatternMaxAge)
	a.Zones = c.clusterZones(htf, ttf, t)
	a.PatternConfluence = len(a.Patterns) > 0 && len(a.Zones) > 0

	prior := 0.5
	if c.prior != nil {
		prior = clamp01(c.prior(a.Symbol, t))
	}
	a.Components = StrengthComponents{
		Alignment:   a.AlignmentScore,
		PLdotSlope:  ttf.DotSlopeStrength(t, c.cfg.SlopeEpsilon),
		CWaveOrPush: pushStrength(a.Patterns),
		Confluence:  confluenceStrength(a.Zones),
		Historical:  prior,
	}
	a.SignalStrength = a.Components.Weighted()

	if atr, ok := ttf.ATRAt(t, c.cfg.ATRPeriod); ok {
		a.ATR = atr
	}
	a.RiskLevel = c.riskLevel(ttf, t)
	a.Action = c.recommend(a)
	return a, nil
}

// applyContext resolves the caller-dependent part of the recommendation
// without mutating the memoized record.
func (c *Coordinator) applyContext(a *Analysis, pos PositionContext) *Analysis {
	if a.AlignmentType == AlignmentDivergent && pos.HasOpenPosition {
		out := *a
		out.Action = ActionReduce
		return &out
	}
	return a
}

func scoreAlignment(htf, ttf indicator.TrendDirection) (float64, AlignmentType) {
	switch {
	case htf == ttf && htf != indicator.DirectionNeutral:
		return 1.0, AlignmentPerfect
	case htf == indicator.DirectionNeutral && ttf == indicator.DirectionNeutral:
		return 0.0, AlignmentConflicting
	case htf == indicator.DirectionNeutral || ttf == indicator.DirectionNeutral:
		return 0.5, AlignmentPartial
	default:
		return 0.0, AlignmentDivergent
	}
}

// pushStrength returns the strongest C_WAVE or PLDOT_PUSH among active
// patterns, normalized so a six-bar run saturates the term.
func pushStrength(events []indicator.PatternEvent) float64 {
	best := 0.0
	for _, ev := range events {
		if ev.Type != indicator.PatternCWave && ev.Type != indicator.PatternPLdotPush {
			continue
		}
		s := math.Min(1, float64(ev.Strength)/6)
		if s > best {
			best = s
		}
	}
	return best
}

// confluenceStrength rewards zones beyond the minimum two-timeframe size:
// each extra agreeing timeframe adds 0.5, two such zones saturate the term.
func confluenceStrength(zones []Zone) float64 {
	total := 0.0
	for _, z := range zones {
		total += 0.5 * float64(z.Strength-1)
	}
	return math.Min(1, total)
}

// riskLevel compares the latest bar's true range against the trailing ATR
// baseline.
func (c *Coordinator) riskLevel(ttf *bundle.Bundle, t time.Time) RiskLevel {
	baseline, ok := ttf.ATRAt(t, c.cfg.BaselinePeriod)
	if !ok || baseline <= 0 {
		return RiskMedium
	}
	bar, ok := ttf.BarAt(t)
	if !ok {
		return RiskMedium
	}
	prev, ok := ttf.BarAt(bar.Timestamp.Add(-time.Nanosecond))
	if !ok {
		return RiskMedium
	}
	ratio := indicator.TrueRange(bar, prev.Close) / baseline
	switch {
	case ratio <= 0.8:
		return RiskLow
	case ratio <= 1.5:
		return RiskMedium
	default:
		return RiskHigh
	}
}

func (c *Coordinator) recommend(a *Analysis) Action {
	if !a.TradePermitted || a.SignalStrength < c.cfg.MinActionStrength {
		return ActionWait
	}
	switch a.HTFTrend {
	case indicator.DirectionUp:
		return ActionLong
	case indicator.DirectionDown:
		return ActionShort
	}
	return ActionWait
}

// candidate is one support/resistance level proposed by a bundle.
type candidate struct {
	price    float64
	interval market.Interval
	touch    time.Time
}

// clusterZones gathers level candidates from both bundles, sorts them by
// price, and joins adjacent candidates within the clustering tolerance in a
// single linear scan. A cluster qualifies as a zone when it holds at least
// two candidates from at least two distinct timeframes.
func (c *Coordinator) clusterZones(htf, ttf *bundle.Bundle, t time.Time) []Zone {
	tolerance := c.cfg.ClusteringTolerance * mustDot(htf, t)
	if tolerance <= 0 {
		return nil
	}

	var cands []candidate
	for _, b := range []*bundle.Bundle{htf, ttf} {
		cands = append(cands, levelCandidates(b, t, c.cfg.PatternMaxAge)...)
	}
	if len(cands) < 2 {
		return nil
	}
	sort.Slice(cands, func(i, j int) bool { return cands[i].price < cands[j].price })

	refClose := 0.0
	if bar, ok := ttf.BarAt(t); ok {
		refClose = bar.Close
	}

	var zones []Zone
	start := 0
	for i := 1; i <= len(cands); i++ {
		if i < len(cands) && cands[i].price-cands[i-1].price <= tolerance {
			continue
		}
		if z, ok := makeZone(cands[start:i], refClose); ok {
			zones = append(zones, z)
		}
		start = i
	}
	return zones
}

func mustDot(b *bundle.Bundle, t time.Time) float64 {
	v, _ := b.PLdotAt(t)
	return v
}

// levelCandidates proposes the bundle's dot, its envelope edges, and the
// band edge at each recent pattern event as cluster inputs.
func levelCandidates(b *bundle.Bundle, t time.Time, maxAge time.Duration) []candidate {
	var out []candidate
	bar, ok := b.BarAt(t)
	if !ok {
		return nil
	}
	if dot, ok := b.PLdotAt(t); ok {
		out = append(out, candidate{price: dot, interval: b.Interval, touch: bar.Timestamp})
	}
	if band, ok := b.EnvelopeAt(t); ok {
		out = append(out,
			candidate{price: band.Upper, interval: b.Interval, touch: bar.Timestamp},
			candidate{price: band.Lower, interval: b.Interval, touch: bar.Timestamp},
		)
	}
	for _, ev := range b.PatternsAt(t, maxAge) {
		band, ok := b.EnvelopeAt(ev.End)
		if !ok {
			continue
		}
		switch {
		case ev.Direction > 0:
			out = append(out, candidate{price: band.Upper, interval: b.Interval, touch: ev.End})
		case ev.Direction < 0:
			out = append(out, candidate{price: band.Lower, interval: b.Interval, touch: ev.End})
		default:
			out = append(out, candidate{price: band.Center, interval: b.Interval, touch: ev.End})
		}
	}
	return out
}

func makeZone(cluster []candidate, refClose float64) (Zone, bool) {
	if len(cluster) < 2 {
		return Zone{}, false
	}
	seen := make(map[market.Interval]bool)
	var tfs []market.Interval
	sum, lo, hi := 0.0, cluster[0].price, cluster[0].price
	first, last := cluster[0].touch, cluster[0].touch
	for _, cd := range cluster {
		sum += cd.price
		if cd.price < lo {
			lo = cd.price
		}
		if cd.price > hi {
			hi = cd.price
		}
		if !seen[cd.interval] {
			seen[cd.interval] = true
			tfs = append(tfs, cd.interval)
		}
		if cd.touch.Before(first) {
			first = cd.touch
		}
		if cd.touch.After(last) {
			last = cd.touch
		}
	}
	if len(tfs) < 2 {
		return Zone{}, false
	}
	center := sum / float64(len(cluster))
	z := Zone{
		Center:     market.Round6(center),
		Upper:      market.Round6(hi),
		Lower:      market.Round6(lo),
		Strength:   len(tfs),
		Timeframes: tfs,
		FirstTouch: first,
		LastTouch:  last,
	}
	switch {
	case refClose > 0 && center < refClose:
		z.Type = ZoneSupport
	case refClose > 0 && center > refClose:
		z.Type = ZoneResistance
	default:
		z.Type = ZonePivot
	}
	return z, true
}

func clamp01(v float64) float64 {
	return math.Max(0, math.Min(1, v))
}
