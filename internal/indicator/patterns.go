package indicator

import (
	"math"
	"time"

	"drummond-analytics/internal/market"
)

// PatternType identifies a member of the fixed pattern catalog.
type PatternType string

const (
	PatternPLdotPush             PatternType = "PLDOT_PUSH"
	PatternPLdotRefresh          PatternType = "PLDOT_REFRESH"
	PatternExhaust               PatternType = "EXHAUST"
	PatternCWave                 PatternType = "C_WAVE"
	PatternCongestionOscillation PatternType = "CONGESTION_OSCILLATION"
)

// PatternEvent is one detected pattern occurrence. Direction is -1, 0 or +1.
type PatternEvent struct {
	Type      PatternType
	Direction int
	Start     time.Time
	End       time.Time
	Strength  int
	Metadata  map[string]float64
}

// PatternConfig holds the detector tunables. Thresholds vary across
// practitioner literature, so they are parameters with stated defaults.
type PatternConfig struct {
	PushBars            int     // consecutive closes outside the envelope, default 3
	RefreshExtensionPct float64 // prior extension from the dot, default 0.02
	RefreshWindow       int     // bars searched for the extension, default 10
	ExhaustExtensionPct float64 // extension beyond the envelope, default 0.04
	ExhaustReversalPct  float64 // next-bar reversal, default 0.005
	CWaveBars           int     // closes at/beyond a moving boundary, default 3
	OscillationBars     int     // alternating closes, default 4
}

// DefaultPatternConfig returns the production defaults.
func DefaultPatternConfig() PatternConfig {
	return PatternConfig{
		PushBars:            3,
		RefreshExtensionPct: 0.02,
		RefreshWindow:       10,
		ExhaustExtensionPct: 0.04,
		ExhaustReversalPct:  0.005,
		CWaveBars:           3,
		OscillationBars:     4,
	}
}

// DetectPatterns inspects the trailing window of bars, dots, bands and states
// and returns the pattern events active at the final bar. All five detectors
// run; each yields at most one event.
func DetectPatterns(bars []market.Bar, dots []AlignedDot, bands []Band, states []StatePoint, cfg PatternConfig) []PatternEvent {
	if len(bars) == 0 || len(bars) != len(dots) || len(bars) != len(bands) || len(bars) != len(states) {
		return nil
	}
	var events []PatternEvent
	if ev := detectPush(bars, bands, cfg); ev != nil {
		events = append(events, *ev)
	}
	if ev := detectRefresh(bars, dots, cfg); ev != nil {
		events = append(events, *ev)
	}
	if ev := detectExhaust(bars, dots, bands, cfg); ev != nil {
		events = append(events, *ev)
	}
	if ev := detectCWave(bars, bands, cfg); ev != nil {
		events = append(events, *ev)
	}
	if ev := detectOscillation(bars, dots, bands, states, cfg); ev != nil {
		events = append(events, *ev)
	}
	return events
}

// detectPush finds >= PushBars consecutive closes outside the envelope on the
// same side. Strength is the consecutive count; the mean breach size is kept
// in metadata.
func detectPush(bars []market.Bar, bands []Band, cfg PatternConfig) *PatternEvent {
	n := len(bars)
	side := 0
	count := 0
	breachSum := 0.0
	for j := n - 1; j >= 0; j-- {
		if !bands[j].Valid() {
			break
		}
		s, breach := 0, 0.0
		if bars[j].Close > bands[j].Upper {
			s, breach = +1, bars[j].Close-bands[j].Upper
		} else if bars[j].Close < bands[j].Lower {
			s, breach = -1, bands[j].Lower-bars[j].Close
		} else {
			break
		}
		if side == 0 {
			side = s
		} else if s != side {
			break
		}
		count++
		breachSum += breach
	}
	if count < cfg.PushBars {
		return nil
	}
	return &PatternEvent{
		Type:      PatternPLdotPush,
		Direction: side,
		Start:     bars[n-count].Timestamp,
		End:       bars[n-1].Timestamp,
		Strength:  count,
		Metadata: map[string]float64{
			"consecutive": float64(count),
			"mean_breach": market.Round6(breachSum / float64(count)),
		},
	}
}

// detectRefresh finds a prior extension of at least RefreshExtensionPct from
// the dot followed by the current bar converging back toward it.
func detectRefresh(bars []market.Bar, dots []AlignedDot, cfg PatternConfig) *PatternEvent {
	n := len(bars)
	if n < 2 || !dots[n-1].OK || !dots[n-2].OK {
		return nil
	}
	prevDist := math.Abs(bars[n-2].Close - dots[n-2].Value)
	curDist := math.Abs(bars[n-1].Close - dots[n-1].Value)
	if curDist >= prevDist {
		return nil // not converging
	}

	start := n - cfg.RefreshWindow
	if start < 0 {
		start = 0
	}
	maxExt, maxIdx, side := 0.0, -1, 0
	for j := start; j < n-1; j++ {
		if !dots[j].OK {
			continue
		}
		ext := (bars[j].Close - dots[j].Value) / dots[j].Value
		if math.Abs(ext) > math.Abs(maxExt) {
			maxExt, maxIdx = ext, j
			if ext > 0 {
				side = +1
			} else {
				side = -1
			}
		}
	}
	if maxIdx < 0 || math.Abs(maxExt) < cfg.RefreshExtensionPct {
		return nil
	}

	convergence := 1 - curDist/prevDist
	strength := int(math.Abs(maxExt)*100) + int(convergence*2)
	if strength < 1 {
		strength = 1
	}
	return &PatternEvent{
		Type:      PatternPLdotRefresh,
		Direction: side,
		Start:     bars[maxIdx].Timestamp,
		End:       bars[n-1].Timestamp,
		Strength:  strength,
		Metadata: map[string]float64{
			"max_extension_pct": market.Round6(math.Abs(maxExt) * 100),
			"convergence":       market.Round6(convergence),
		},
	}
}

// detectExhaust finds an extension of at least ExhaustExtensionPct beyond the
// envelope followed by a next-bar reversal of at least ExhaustReversalPct.
// The event direction points against the exhausted move.
func detectExhaust(bars []market.Bar, dots []AlignedDot, bands []Band, cfg PatternConfig) *PatternEvent {
	n := len(bars)
	if n < 2 {
		return nil
	}
	j := n - 2 // extension bar; reversal confirmed by the final bar
	if !dots[j].OK || !bands[j].Valid() {
		return nil
	}
	ext := (bars[j].Close - dots[j].Value) / dots[j].Value
	var side int
	switch {
	case bars[j].Close > bands[j].Upper && ext >= cfg.ExhaustExtensionPct:
		side = +1
	case bars[j].Close < bands[j].Lower && -ext >= cfg.ExhaustExtensionPct:
		side = -1
	default:
		return nil
	}

	move := (bars[n-1].Close - bars[j].Close) / bars[j].Close
	if side == +1 && move > -cfg.ExhaustReversalPct {
		return nil
	}
	if side == -1 && move < cfg.ExhaustReversalPct {
		return nil
	}
	return &PatternEvent{
		Type:      PatternExhaust,
		Direction: -side,
		Start:     bars[j].Timestamp,
		End:       bars[n-1].Timestamp,
		Strength:  int(math.Abs(ext) * 100),
		Metadata: map[string]float64{
			"extension_pct": market.Round6(math.Abs(ext) * 100),
			"reversal_pct":  market.Round6(math.Abs(move) * 100),
		},
	}
}

// detectCWave finds the envelope boundary itself moving in the trend
// direction while price closes at or beyond it for >= CWaveBars bars. The
// boundary slope is taken from the band center.
func detectCWave(bars []market.Bar, bands []Band, cfg PatternConfig) *PatternEvent {
	n := len(bars)
	side := 0
	count := 0
	for j := n - 1; j >= 1; j-- {
		if !bands[j].Valid() || !bands[j-1].Valid() {
			break
		}
		centerDelta := bands[j].Center - bands[j-1].Center
		var s int
		if bars[j].Close >= bands[j].Upper && centerDelta > 0 {
			s = +1
		} else if bars[j].Close <= bands[j].Lower && centerDelta < 0 {
			s = -1
		} else {
			break
		}
		if side == 0 {
			side = s
		} else if s != side {
			break
		}
		count++
	}
	if count < cfg.CWaveBars {
		return nil
	}
	return &PatternEvent{
		Type:      PatternCWave,
		Direction: side,
		Start:     bars[n-count].Timestamp,
		End:       bars[n-1].Timestamp,
		Strength:  count,
		Metadata:  map[string]float64{"bars": float64(count)},
	}
}

// detectOscillation fires while the state is congestion and the close has
// alternated sides of the dot across the last OscillationBars bars with no
// bar outside the envelope.
func detectOscillation(bars []market.Bar, dots []AlignedDot, bands []Band, states []StatePoint, cfg PatternConfig) *PatternEvent {
	n := len(bars)
	if n < cfg.OscillationBars || !states[n-1].State.IsCongestion() {
		return nil
	}
	start := n - cfg.OscillationBars
	prevSide := 0
	flips := 0
	for j := start; j < n; j++ {
		if !dots[j].OK || !bands[j].Valid() {
			return nil
		}
		if bars[j].Close > bands[j].Upper || bars[j].Close < bands[j].Lower {
			return nil
		}
		s := -1
		if bars[j].Close >= dots[j].Value {
			s = +1
		}
		if prevSide != 0 {
			if s == prevSide {
				return nil // did not alternate
			}
			flips++
		}
		prevSide = s
	}
	return &PatternEvent{
		Type:      PatternCongestionOscillation,
		Direction: 0,
		Start:     bars[start].Timestamp,
		End:       bars[n-1].Timestamp,
		Strength:  flips,
		Metadata:  map[string]float64{"alternations": float64(flips)},
	}
}
