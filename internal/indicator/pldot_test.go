package indicator

import (
	"math"
	"testing"
	"time"

	"drummond-analytics/internal/market"
)

func barSeq(hlc [][3]float64) []market.Bar {
	start := time.Date(2025, 11, 6, 14, 0, 0, 0, time.UTC)
	bars := make([]market.Bar, len(hlc))
	for i, v := range hlc {
		bars[i] = market.Bar{
			Symbol:    "ABT",
			Interval:  market.Interval5m,
			Timestamp: start.Add(time.Duration(i*5) * time.Minute),
			High:      v[0], Low: v[1], Close: v[2],
			Open:   v[2],
			Volume: 100,
		}
	}
	return bars
}

// Bars (h,l,c): (102,98,100), (103,99,101), (104,100,102) project a PLdot of
// exactly 101.0 onto the next bar.
func TestPLdotThreeBar(t *testing.T) {
	bars := barSeq([][3]float64{
		{102, 98, 100},
		{103, 99, 101},
		{104, 100, 102},
	})

	pts := PLdot(bars, 1)
	if len(pts) != 1 {
		t.Fatalf("got %d points, want 1", len(pts))
	}
	p := pts[0]
	if p.Value != 101.0 {
		t.Errorf("value = %v, want 101.0", p.Value)
	}
	wantProj := bars[2].Timestamp.Add(5 * time.Minute)
	if !p.ProjectionTimestamp.Equal(wantProj) {
		t.Errorf("projection = %v, want %v", p.ProjectionTimestamp, wantProj)
	}
	if !p.IsProjected {
		t.Error("point should be marked projected")
	}
}

func TestPLdotFormula(t *testing.T) {
	bars := barSeq([][3]float64{
		{10, 8, 9}, {11, 9, 10}, {12, 10, 11}, {13, 11, 12}, {14, 12, 13},
	})
	pts := PLdot(bars, 1)
	if len(pts) != 3 {
		t.Fatalf("got %d points, want 3", len(pts))
	}
	for k, p := range pts {
		i := k + 2
		want := (bars[i-2].TypicalPrice() + bars[i-1].TypicalPrice() + bars[i].TypicalPrice()) / 3
		if math.Abs(p.Value-market.Round6(want)) > 1e-9 {
			t.Errorf("point %d: value = %v, want %v", k, p.Value, want)
		}
	}
}

func TestPLdotShortInput(t *testing.T) {
	bars := barSeq([][3]float64{{102, 98, 100}, {103, 99, 101}})
	if pts := PLdot(bars, 1); pts != nil {
		t.Errorf("two bars must yield no points, got %d", len(pts))
	}
}

func TestPLdotDisplacement(t *testing.T) {
	bars := barSeq([][3]float64{{102, 98, 100}, {103, 99, 101}, {104, 100, 102}})
	pts := PLdot(bars, 3)
	want := bars[2].Timestamp.Add(15 * time.Minute)
	if !pts[0].ProjectionTimestamp.Equal(want) {
		t.Errorf("displacement 3 projection = %v, want %v", pts[0].ProjectionTimestamp, want)
	}
}

func TestAlignedPLdot(t *testing.T) {
	bars := barSeq([][3]float64{
		{10, 8, 9}, {11, 9, 10}, {12, 10, 11}, {13, 11, 12},
	})
	dots := AlignedPLdot(bars)
	for j := 0; j < 3; j++ {
		if dots[j].OK {
			t.Errorf("dot %d should not be available", j)
		}
	}
	want := (bars[0].TypicalPrice() + bars[1].TypicalPrice() + bars[2].TypicalPrice()) / 3
	if !dots[3].OK || math.Abs(dots[3].Value-market.Round6(want)) > 1e-9 {
		t.Errorf("aligned dot = %+v, want %v", dots[3], want)
	}
}
