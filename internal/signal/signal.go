// Package signal turns analysis records into executable trade signals with
// entry, stop and target levels.
package signal

import (
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/market"
)

// Type is the signal direction.
type Type string

const (
	TypeLong      Type = "LONG"
	TypeShort     Type = "SHORT"
	TypeExitLong  Type = "EXIT_LONG"
	TypeExitShort Type = "EXIT_SHORT"
)

// Outcome is the post-hoc evaluation of a signal.
type Outcome string

const (
	OutcomePending Outcome = "PENDING"
	OutcomeWin     Outcome = "WIN"
	OutcomeLoss    Outcome = "LOSS"
	OutcomeNeutral Outcome = "NEUTRAL"
)

// Descriptor buckets a confidence value for display.
type Descriptor string

const (
	DescriptorWeak       Descriptor = "weak"
	DescriptorModerate   Descriptor = "moderate"
	DescriptorStrong     Descriptor = "strong"
	DescriptorVeryStrong Descriptor = "very_strong"
)

// Describe maps a [0,1] confidence onto its descriptor.
func Describe(confidence float64) Descriptor {
	switch {
	case confidence < 0.4:
		return DescriptorWeak
	case confidence < 0.6:
		return DescriptorModerate
	case confidence < 0.8:
		return DescriptorStrong
	default:
		return DescriptorVeryStrong
	}
}

// IndicatorSnapshot captures the TTF indicator values backing a signal.
type IndicatorSnapshot struct {
	PLdot         float64 `json:"pldot"`
	EnvelopeUpper float64 `json:"envelope_upper"`
	EnvelopeLower float64 `json:"envelope_lower"`
	ATR           float64 `json:"atr"`
}

// PatternContext is the typed context attached to a signal. It flattens to an
// opaque map only at the persistence boundary.
type PatternContext struct {
	Patterns   []indicator.PatternEvent `json:"patterns"`
	Indicators IndicatorSnapshot        `json:"indicators"`
}

// Signal is immutable once persisted.
type Signal struct {
	ID        uuid.UUID
	RunID     uuid.UUID
	Symbol    string
	Timestamp time.Time
	Type      Type

	EntryPrice  float64
	StopLoss    float64
	TargetPrice float64
	RiskReward  float64

	Confidence         float64
	SignalStrength     float64
	TimeframeAlignment float64

	HTFTrend             indicator.TrendDirection
	TradingTFState       indicator.MarketState
	ConfluenceZonesCount int
	Context              PatternContext

	ExpiresAt time.Time
	Executed  bool

	Outcome     Outcome
	ActualHigh  float64
	ActualLow   float64
	ActualClose float64
	PnLPercent  float64
	EvaluatedAt *time.Time
}

// Expired reports whether the signal has passed its TTL without execution.
func (s *Signal) Expired(now time.Time) bool {
	return !s.Executed && now.After(s.ExpiresAt)
}

// Config holds the generator gates and trade construction parameters.
type Config struct {
	MinSignalStrength float64
	MinConfidence     float64
	// ATRMultiple sizes the default stop and target distance.
	ATRMultiple float64
	TTL         time.Duration
}

// DefaultConfig returns the production gates.
func DefaultConfig() Config {
	return Config{
		MinSignalStrength: 0.60,
		MinConfidence:     0.65,
		ATRMultiple:       2,
		TTL:               24 * time.Hour,
	}
}

// Generator is stateless; one instance serves all symbols.
type Generator struct {
	cfg Config
}

func NewGenerator(cfg Config) *Generator {
	if cfg.MinSignalStrength <= 0 {
		cfg.MinSignalStrength = 0.60
	}
	if cfg.MinConfidence <= 0 {
		cfg.MinConfidence = 0.65
	}
	if cfg.ATRMultiple <= 0 {
		cfg.ATRMultiple = 2
	}
	if cfg.TTL <= 0 {
		cfg.TTL = 24 * time.Hour
	}
	return &Generator{cfg: cfg}
}

// Confidence folds the analysis terms into the signal confidence. The
// alignment term blends the alignment score with the HTF state confidence so
// a strongly established higher-timeframe trend scores above a marginal one.
func Confidence(a *coordinator.Analysis) float64 {
	alignTerm := (a.AlignmentScore + a.HTFStrength) / 2
	c := 0.30*alignTerm +
		0.25*a.Components.PLdotSlope +
		0.20*a.Components.CWaveOrPush +
		0.15*a.Components.Confluence +
		0.10*a.Components.Historical
	return math.Max(0, math.Min(1, c))
}

// Generate emits a signal for the analysis, or nil when the gates reject it.
// The entry price is the latest TTF close at the analysis timestamp.
func (g *Generator) Generate(runID uuid.UUID, a *coordinator.Analysis, ttf *bundle.Bundle) (*Signal, error) {
	bar, ok := ttf.BarAt(a.Timestamp)
	if !ok {
		return nil, fmt.Errorf("signal %s: no bar at %s", a.Symbol, a.Timestamp)
	}
	return g.GenerateAtEntry(runID, a, ttf, bar.Close)
}

// GenerateAtEntry is Generate with an explicit entry fill, used by the
// backtester to enter on the next bar's open.
func (g *Generator) GenerateAtEntry(runID uuid.UUID, a *coordinator.Analysis, ttf *bundle.Bundle, entry float64) (*Signal, error) {
	if a.Action != coordinator.ActionLong && a.Action != coordinator.ActionShort {
		return nil, nil
	}
	if a.SignalStrength < g.cfg.MinSignalStrength {
		return nil, nil
	}
	confidence := Confidence(a)
	if confidence < g.cfg.MinConfidence {
		return nil, nil
	}
	if entry <= 0 {
		return nil, fmt.Errorf("signal %s: invalid entry price %v", a.Symbol, entry)
	}

	atr := a.ATR
	if atr <= 0 {
		return nil, fmt.Errorf("signal %s: %w: no ATR", a.Symbol, indicator.ErrInsufficientData)
	}

	sigType := TypeLong
	if a.Action == coordinator.ActionShort {
		sigType = TypeShort
	}

	band, _ := ttf.EnvelopeAt(a.Timestamp)
	stop, target := g.levels(sigType, entry, atr, band, a.Zones)
	if stop <= 0 || target <= 0 {
		return nil, fmt.Errorf("signal %s: degenerate levels stop=%v target=%v", a.Symbol, stop, target)
	}
	risk := math.Abs(entry - stop)
	if risk == 0 {
		return nil, fmt.Errorf("signal %s: zero risk distance", a.Symbol)
	}

	dot, _ := ttf.PLdotAt(a.Timestamp)
	sig := &Signal{
		ID:                   uuid.New(),
		RunID:                runID,
		Symbol:               a.Symbol,
		Timestamp:            a.Timestamp,
		Type:                 sigType,
		EntryPrice:           market.Round6(entry),
		StopLoss:             market.Round6(stop),
		TargetPrice:          market.Round6(target),
		RiskReward:           market.Round6(math.Abs(target-entry) / risk),
		Confidence:           confidence,
		SignalStrength:       a.SignalStrength,
		TimeframeAlignment:   a.AlignmentScore,
		HTFTrend:             a.HTFTrend,
		TradingTFState:       a.TTFState,
		ConfluenceZonesCount: len(a.Zones),
		Context: PatternContext{
			Patterns: a.Patterns,
			Indicators: IndicatorSnapshot{
				PLdot:         dot,
				EnvelopeUpper: band.Upper,
				EnvelopeLower: band.Lower,
				ATR:           atr,
			},
		},
		ExpiresAt: a.Timestamp.Add(g.cfg.TTL),
		Outcome:   OutcomePending,
	}
	return sig, nil
}

// levels builds the stop and target for a long; shorts mirror. The stop takes
// the lowest of the ATR stop, the nearest support zone center below entry and
// the lower envelope edge; the target takes the highest of the ATR target and
// the nearest resistance zone center above entry.
func (g *Generator) levels(t Type, entry, atr float64, band indicator.Band, zones []coordinator.Zone) (stop, target float64) {
	k := g.cfg.ATRMultiple
	if t == TypeLong {
		stop = entry - k*atr
		if s, ok := nearestZone(zones, coordinator.ZoneSupport, entry, false); ok && s < stop {
			stop = s
		}
		if band.Valid() && band.Lower < entry && band.Lower < stop {
			stop = band.Lower
		}
		target = entry + k*atr
		if r, ok := nearestZone(zones, coordinator.ZoneResistance, entry, true); ok && r > target {
			target = r
		}
		return stop, target
	}

	stop = entry + k*atr
	if r, ok := nearestZone(zones, coordinator.ZoneResistance, entry, true); ok && r > stop {
		stop = r
	}
	if band.Valid() && band.Upper > entry && band.Upper > stop {
		stop = band.Upper
	}
	target = entry - k*atr
	if s, ok := nearestZone(zones, coordinator.ZoneSupport, entry, false); ok && s < target {
		target = s
	}
	return stop, target
}

// nearestZone returns the zone center of the given type closest to entry on
// the requested side (above when above=true).
func nearestZone(zones []coordinator.Zone, zt coordinator.ZoneType, entry float64, above bool) (float64, bool) {
	best, found := 0.0, false
	for _, z := range zones {
		if z.Type != zt {
			continue
		}
		if above && z.Center <= entry || !above && z.Center >= entry {
			continue
		}
		if !found || math.Abs(z.Center-entry) < math.Abs(best-entry) {
			best, found = z.Center, true
		}
	}
	return best, found
}

// GenerateExit emits the closing signal for an open position when the
// analysis recommends reducing exposure.
func (g *Generator) GenerateExit(runID uuid.UUID, a *coordinator.Analysis, open Type) *Signal {
	if a.Action != coordinator.ActionReduce {
		return nil
	}
	exitType := TypeExitLong
	if open == TypeShort {
		exitType = TypeExitShort
	}
	return &Signal{
		ID:                 uuid.New(),
		RunID:              runID,
		Symbol:             a.Symbol,
		Timestamp:          a.Timestamp,
		Type:               exitType,
		Confidence:         Confidence(a),
		SignalStrength:     a.SignalStrength,
		TimeframeAlignment: a.AlignmentScore,
		HTFTrend:           a.HTFTrend,
		TradingTFState:     a.TTFState,
		ExpiresAt:          a.Timestamp.Add(g.cfg.TTL),
		Outcome:            OutcomeNeutral,
	}
}
