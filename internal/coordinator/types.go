package coordinator

import (
	"time"

	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/market"
)

// AlignmentType maps the numeric alignment score onto a label.
type AlignmentType string

const (
	AlignmentPerfect     AlignmentType = "perfect"
	AlignmentPartial     AlignmentType = "partial"
	AlignmentDivergent   AlignmentType = "divergent"
	AlignmentConflicting AlignmentType = "conflicting"
)

// RiskLevel buckets current volatility against its recent baseline.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// Action is the coordinator's trade recommendation.
type Action string

const (
	ActionLong   Action = "long"
	ActionShort  Action = "short"
	ActionWait   Action = "wait"
	ActionReduce Action = "reduce"
)

// ZoneType labels a confluence zone relative to current price.
type ZoneType string

const (
	ZoneSupport    ZoneType = "support"
	ZoneResistance ZoneType = "resistance"
	ZonePivot      ZoneType = "pivot"
)

// Zone is a price band confirmed by two or more timeframes.
type Zone struct {
	Center     float64
	Upper      float64
	Lower      float64
	Type       ZoneType
	Strength   int // count of distinct contributing timeframes
	Timeframes []market.Interval
	FirstTouch time.Time
	LastTouch  time.Time
}

// Contains reports whether price falls inside the zone band.
func (z Zone) Contains(price float64) bool {
	return price >= z.Lower && price <= z.Upper
}

// StrengthComponents carries the weighted terms of the signal strength score.
// The signal generator reuses them for its confidence formula.
type StrengthComponents struct {
	Alignment   float64 // [0,1]
	PLdotSlope  float64 // [0,1]
	CWaveOrPush float64 // [0,1]
	Confluence  float64 // [0,1]
	Historical  float64 // [0,1], prior defaults to 0.5
}

// Weighted folds the components with the production weights.
func (c StrengthComponents) Weighted() float64 {
	return 0.30*c.Alignment +
		0.25*c.PLdotSlope +
		0.20*c.CWaveOrPush +
		0.15*c.Confluence +
		0.10*c.Historical
}

// Analysis is one multi-timeframe analysis record for (symbol, HTF, TTF, t).
type Analysis struct {
	Symbol    string
	HTF       market.Interval
	TTF       market.Interval
	Timestamp time.Time

	HTFTrend    indicator.TrendDirection
	HTFStrength float64 // HTF state confidence
	TTFTrend    indicator.TrendDirection
	TTFState    indicator.MarketState

	AlignmentScore float64
	AlignmentType  AlignmentType
	TradePermitted bool

	HTFPLdot             float64
	TTFPLdot             float64
	PLdotDistancePercent float64

	SignalStrength float64
	Components     StrengthComponents
	RiskLevel      RiskLevel
	Action         Action

	PatternConfluence bool
	Patterns          []indicator.PatternEvent // active TTF patterns at t
	Zones             []Zone

	ATR float64 // TTF ATR at t

	HTFVersion uint64
	TTFVersion uint64
}
