package indicator

import (
	"fmt"
	"math"
	"time"

	"drummond-analytics/internal/market"
)

// EnvelopeMethod selects how the band width around the PLdot is sized.
type EnvelopeMethod string

const (
	EnvelopeATR        EnvelopeMethod = "atr"
	EnvelopePercent    EnvelopeMethod = "percent"
	EnvelopePLdotRange EnvelopeMethod = "pldot_range"
)

// EnvelopeConfig holds the tunable band parameters.
type EnvelopeConfig struct {
	Method          EnvelopeMethod
	ATRPeriod       int     // default 14
	ATRMultiplier   float64 // default 2
	Percent         float64 // default 0.02
	RangeWindow     int     // default 3
	RangeMultiplier float64 // default 1
}

// DefaultEnvelopeConfig returns the production defaults (ATR band).
func DefaultEnvelopeConfig() EnvelopeConfig {
	return EnvelopeConfig{
		Method:          EnvelopeATR,
		ATRPeriod:       14,
		ATRMultiplier:   2,
		Percent:         0.02,
		RangeWindow:     3,
		RangeMultiplier: 1,
	}
}

// Band is an envelope around a PLdot center at one bar.
type Band struct {
	Timestamp time.Time
	Upper     float64
	Lower     float64
	Center    float64
	Method    EnvelopeMethod
}

// Width returns upper - lower.
func (b Band) Width() float64 { return b.Upper - b.Lower }

// Valid reports whether the band was actually computed for its bar. Prices
// are strictly positive, so a zero center marks an absent band.
func (b Band) Valid() bool { return b.Center > 0 }

// TrueRange computes the true range of bar i given its predecessor's close.
func TrueRange(cur market.Bar, prevClose float64) float64 {
	tr := cur.High - cur.Low
	if d := math.Abs(cur.High - prevClose); d > tr {
		tr = d
	}
	if d := math.Abs(cur.Low - prevClose); d > tr {
		tr = d
	}
	return tr
}

// ATR returns the mean of the last n true ranges ending at the final bar.
// When fewer than n+1 bars exist, the mean runs over what is available;
// at least two bars are required.
func ATR(bars []market.Bar, n int) (float64, error) {
	if len(bars) < 2 {
		return 0, fmt.Errorf("atr: %w: need 2 bars, have %d", ErrInsufficientData, len(bars))
	}
	if n < 1 {
		n = 14
	}
	start := len(bars) - n
	if start < 1 {
		start = 1
	}
	sum := 0.0
	count := 0
	for i := start; i < len(bars); i++ {
		sum += TrueRange(bars[i], bars[i-1].Close)
		count++
	}
	return sum / float64(count), nil
}

// EnvelopeSeries computes one band per bar that has an aligned dot. The band
// at index j is centered on the dot projected onto bar j and sized per the
// configured method using bars up to and including j.
func EnvelopeSeries(bars []market.Bar, dots []AlignedDot, cfg EnvelopeConfig) ([]Band, error) {
	if len(bars) != len(dots) {
		return nil, fmt.Errorf("envelope: bars/dots length mismatch %d != %d", len(bars), len(dots))
	}
	out := make([]Band, len(bars))
	// Trailing dot values for the pldot_range method.
	var dotWindow []float64

	for j := range bars {
		if !dots[j].OK {
			continue
		}
		center := dots[j].Value
		dotWindow = append(dotWindow, center)

		var half float64
		switch cfg.Method {
		case EnvelopePercent:
			half = center * cfg.Percent
		case EnvelopePLdotRange:
			w := cfg.RangeWindow
			if w < 2 {
				w = 3
			}
			lo, hi := rangeOf(dotWindow, w)
			half = (hi - lo) * cfg.RangeMultiplier / 2
		case EnvelopeATR, "":
			atr, err := ATR(bars[:j+1], cfg.ATRPeriod)
			if err != nil {
				continue
			}
			half = atr * cfg.ATRMultiplier
		default:
			return nil, fmt.Errorf("envelope: unknown method %q", cfg.Method)
		}

		out[j] = Band{
			Timestamp: bars[j].Timestamp,
			Upper:     market.Round6(center + half),
			Lower:     market.Round6(center - half),
			Center:    center,
			Method:    cfg.Method,
		}
	}
	return out, nil
}

func rangeOf(vals []float64, window int) (lo, hi float64) {
	start := len(vals) - window
	if start < 0 {
		start = 0
	}
	lo, hi = vals[start], vals[start]
	for _, v := range vals[start+1:] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}
	return lo, hi
}
