// Package indicator holds the pure calculation kernels: PLdot projection,
// envelope bands, the market-state classifier, and the pattern detector.
// Every function here is deterministic over its inputs and holds no state
// between calls.
package indicator

import (
	"errors"
	"time"

	"drummond-analytics/internal/market"
)

// ErrInsufficientData indicates the input window is too short for the
// requested calculation. Callers skip the symbol for the tick and continue.
var ErrInsufficientData = errors.New("insufficient data")

// Point is a forward-projected PLdot level.
type Point struct {
	Symbol              string
	Interval            market.Interval
	SourceTimestamp     time.Time // timestamp of the last bar feeding the dot
	ProjectionTimestamp time.Time // the bar the dot projects onto
	Value               float64
	IsProjected         bool
}

// PLdot computes the projected dot series for a bar sequence. For bars
// b0..b(n-1) it yields points for i = 2..n-1 where the value is the mean of
// the last three bars' typical prices and the projection lands displacement
// bar periods after b(i). The first two bars yield no output.
func PLdot(bars []market.Bar, displacement int) []Point {
	if len(bars) < 3 {
		return nil
	}
	if displacement < 1 {
		displacement = 1
	}
	out := make([]Point, 0, len(bars)-2)
	for i := 2; i < len(bars); i++ {
		b := bars[i]
		v := (bars[i-2].TypicalPrice() + bars[i-1].TypicalPrice() + b.TypicalPrice()) / 3
		proj := b.Timestamp.Add(time.Duration(displacement) * b.Interval.Duration())
		out = append(out, Point{
			Symbol:              b.Symbol,
			Interval:            b.Interval,
			SourceTimestamp:     b.Timestamp,
			ProjectionTimestamp: proj,
			Value:               market.Round6(v),
			IsProjected:         proj.After(b.Timestamp),
		})
	}
	return out
}

// AlignedPLdot returns, for each bar index, the dot value projected onto that
// bar (the dot computed from the three bars preceding it, displacement 1).
// Indexes below 3 carry ok=false. This is the view the state classifier and
// pattern detector consume.
func AlignedPLdot(bars []market.Bar) []AlignedDot {
	out := make([]AlignedDot, len(bars))
	for j := 3; j < len(bars); j++ {
		v := (bars[j-3].TypicalPrice() + bars[j-2].TypicalPrice() + bars[j-1].TypicalPrice()) / 3
		out[j] = AlignedDot{Value: market.Round6(v), OK: true}
	}
	return out
}

// AlignedDot is a per-bar dot value; OK is false while history is too short.
type AlignedDot struct {
	Value float64
	OK    bool
}
