package indicator

import (
	"math"
	"time"

	"drummond-analytics/internal/market"
)

// MarketState is the five-state automaton label.
type MarketState string

const (
	StateTrend              MarketState = "TREND"
	StateCongestionEntrance MarketState = "CONGESTION_ENTRANCE"
	StateCongestionAction   MarketState = "CONGESTION_ACTION"
	StateCongestionExit     MarketState = "CONGESTION_EXIT"
	StateReversal           MarketState = "REVERSAL"
)

// IsCongestion reports whether the state is any CONGESTION_* member.
func (s MarketState) IsCongestion() bool {
	switch s {
	case StateCongestionEntrance, StateCongestionAction, StateCongestionExit:
		return true
	}
	return false
}

// TrendDirection pairs with the state label.
type TrendDirection string

const (
	DirectionUp      TrendDirection = "UP"
	DirectionDown    TrendDirection = "DOWN"
	DirectionNeutral TrendDirection = "NEUTRAL"
)

// SlopeClass classifies the per-bar PLdot difference.
type SlopeClass string

const (
	SlopeRising     SlopeClass = "rising"
	SlopeFalling    SlopeClass = "falling"
	SlopeHorizontal SlopeClass = "horizontal"
)

// StateConfig holds the classifier tunables.
type StateConfig struct {
	// SlopeEpsilon is the horizontal threshold: |delta| <= epsilon * pldot.
	SlopeEpsilon float64
	// TrendBars is the consecutive-side count required to call a trend.
	TrendBars int
}

// DefaultStateConfig returns the production defaults.
func DefaultStateConfig() StateConfig {
	return StateConfig{SlopeEpsilon: 1e-3, TrendBars: 3}
}

// StatePoint is the classified state at one bar.
type StatePoint struct {
	Timestamp   time.Time
	State       MarketState
	Direction   TrendDirection
	BarsInState int
	Slope       SlopeClass
	Confidence  float64
}

// ClassifyStates runs the five-state automaton bar by bar against the dot
// projected onto each bar. Bars without an aligned dot classify as
// CONGESTION_ACTION / NEUTRAL (too little history).
func ClassifyStates(bars []market.Bar, dots []AlignedDot, cfg StateConfig) []StatePoint {
	if cfg.SlopeEpsilon <= 0 {
		cfg.SlopeEpsilon = 1e-3
	}
	if cfg.TrendBars <= 0 {
		cfg.TrendBars = 3
	}

	out := make([]StatePoint, len(bars))

	var (
		prev         StatePoint
		havePrev     bool
		sideCount    int            // consecutive bars on the current side
		curSide      TrendDirection // side of the current run (UP = above dot)
		lastTrendDir TrendDirection = DirectionNeutral
	)

	for j := range bars {
		if !dots[j].OK {
			out[j] = defaultState(bars[j].Timestamp, havePrev, prev)
			prev, havePrev = out[j], true
			continue
		}

		dot := dots[j].Value
		side := DirectionDown
		if bars[j].Close >= dot {
			side = DirectionUp
		}
		if side == curSide {
			sideCount++
		} else {
			curSide = side
			sideCount = 1
		}

		slope, slopeStrength := classifySlope(dots, j, cfg.SlopeEpsilon)

		sp := StatePoint{Timestamp: bars[j].Timestamp, Slope: slope}
		switch {
		case havePrev && prev.State == StateTrend && side != prev.Direction:
			// First close on the opposite side of an established trend.
			sp.State = StateCongestionEntrance
			sp.Direction = prev.Direction
			sp.BarsInState = 1

		case havePrev && prev.State == StateCongestionExit:
			// The exit lasts exactly one bar, then the trend resumes.
			sp.State = StateTrend
			sp.Direction = lastTrendDir
			sp.BarsInState = sideCount

		case lastTrendDir != DirectionNeutral && side != lastTrendDir && sideCount >= cfg.TrendBars:
			sp.State = StateReversal
			sp.Direction = side
			sp.BarsInState = sideCount
			lastTrendDir = side

		case havePrev && prev.State.IsCongestion() && lastTrendDir != DirectionNeutral &&
			side == lastTrendDir && sideCount >= cfg.TrendBars:
			// Three consecutive closes resuming the prior trend direction.
			sp.State = StateCongestionExit
			sp.Direction = lastTrendDir
			sp.BarsInState = 1

		case sideCount >= cfg.TrendBars && slopeMatchesSide(slope, side):
			sp.State = StateTrend
			sp.Direction = side
			sp.BarsInState = sideCount
			lastTrendDir = side

		case sideCount >= cfg.TrendBars && slope == SlopeHorizontal:
			sp.State = StateCongestionAction
			sp.Direction = DirectionNeutral
			sp.BarsInState = continuedCount(havePrev, prev, StateCongestionAction)

		case havePrev:
			sp.State = prev.State
			sp.Direction = prev.Direction
			sp.BarsInState = prev.BarsInState + 1

		default:
			sp.State = StateCongestionAction
			sp.Direction = DirectionNeutral
			sp.BarsInState = 1
		}

		sp.Confidence = stateConfidence(sideCount, cfg.TrendBars, slopeStrength)
		out[j] = sp
		prev, havePrev = sp, true
	}
	return out
}

func defaultState(ts time.Time, havePrev bool, prev StatePoint) StatePoint {
	bars := 1
	if havePrev && prev.State == StateCongestionAction {
		bars = prev.BarsInState + 1
	}
	return StatePoint{
		Timestamp:   ts,
		State:       StateCongestionAction,
		Direction:   DirectionNeutral,
		BarsInState: bars,
		Slope:       SlopeHorizontal,
		Confidence:  0.5,
	}
}

func continuedCount(havePrev bool, prev StatePoint, state MarketState) int {
	if havePrev && prev.State == state {
		return prev.BarsInState + 1
	}
	return 1
}

// classifySlope labels the per-bar dot difference and returns a strength term
// in [0,1] used by the confidence formula. Strength saturates at ten times
// the horizontal threshold.
func classifySlope(dots []AlignedDot, j int, epsilon float64) (SlopeClass, float64) {
	if j < 1 || !dots[j-1].OK || !dots[j].OK {
		return SlopeHorizontal, 0
	}
	delta := dots[j].Value - dots[j-1].Value
	threshold := epsilon * dots[j].Value
	if math.Abs(delta) <= threshold {
		return SlopeHorizontal, 0
	}
	strength := math.Min(1, math.Abs(delta)/(threshold*10))
	if delta > 0 {
		return SlopeRising, strength
	}
	return SlopeFalling, strength
}

// PLdotSlopeStrength exposes the slope strength term in [0,1] for the dot at
// index j, for callers that weight slope outside the classifier.
func PLdotSlopeStrength(dots []AlignedDot, j int, epsilon float64) float64 {
	if epsilon <= 0 {
		epsilon = 1e-3
	}
	_, s := classifySlope(dots, j, epsilon)
	return s
}

func slopeMatchesSide(slope SlopeClass, side TrendDirection) bool {
	return (side == DirectionUp && slope == SlopeRising) ||
		(side == DirectionDown && slope == SlopeFalling)
}

func stateConfidence(sideCount, trendBars int, slopeStrength float64) float64 {
	c := 0.5 + 0.3*math.Min(1, float64(sideCount)/float64(trendBars)) + 0.2*slopeStrength
	if c > 1 {
		c = 1
	}
	if c < 0 {
		c = 0
	}
	return c
}
