package indicator

import (
	"math"
	"testing"

	"drummond-analytics/internal/market"
)

func risingBars(n int, start, step float64) []market.Bar {
	hlc := make([][3]float64, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		hlc[i] = [3]float64{c + 1, c - 1, c}
	}
	return barSeq(hlc)
}

func TestTrueRange(t *testing.T) {
	bar := market.Bar{High: 105, Low: 100, Close: 103}
	if got := TrueRange(bar, 102); got != 5 {
		t.Errorf("plain range = %v, want 5", got)
	}
	// Gap up: previous close far below the low.
	if got := TrueRange(bar, 90); got != 15 {
		t.Errorf("gap range = %v, want 15", got)
	}
	// Gap down.
	if got := TrueRange(bar, 112); got != 12 {
		t.Errorf("gap-down range = %v, want 12", got)
	}
}

func TestATR(t *testing.T) {
	bars := risingBars(20, 100, 1)
	atr, err := ATR(bars, 14)
	if err != nil {
		t.Fatalf("ATR: %v", err)
	}
	// Each bar: high-low = 2, |high-prevClose| = 2, so TR = 2 everywhere.
	if math.Abs(atr-2) > 1e-9 {
		t.Errorf("atr = %v, want 2", atr)
	}

	if _, err := ATR(bars[:1], 14); err == nil {
		t.Error("single bar should be insufficient")
	}
}

func TestEnvelopePercent(t *testing.T) {
	bars := risingBars(6, 100, 0)
	dots := AlignedPLdot(bars)
	cfg := DefaultEnvelopeConfig()
	cfg.Method = EnvelopePercent
	cfg.Percent = 0.02

	bands, err := EnvelopeSeries(bars, dots, cfg)
	if err != nil {
		t.Fatalf("EnvelopeSeries: %v", err)
	}
	for j := 0; j < 3; j++ {
		if bands[j].Valid() {
			t.Errorf("band %d should be absent", j)
		}
	}
	b := bands[5]
	if !b.Valid() {
		t.Fatal("band 5 missing")
	}
	if math.Abs(b.Upper-b.Center*1.02) > 1e-6 || math.Abs(b.Lower-b.Center*0.98) > 1e-6 {
		t.Errorf("band = %+v", b)
	}
	if !(b.Lower <= b.Center && b.Center <= b.Upper) || b.Width() <= 0 {
		t.Errorf("band ordering violated: %+v", b)
	}
}

func TestEnvelopeATR(t *testing.T) {
	bars := risingBars(20, 100, 1)
	dots := AlignedPLdot(bars)
	bands, err := EnvelopeSeries(bars, dots, DefaultEnvelopeConfig())
	if err != nil {
		t.Fatalf("EnvelopeSeries: %v", err)
	}
	last := bands[len(bands)-1]
	if !last.Valid() {
		t.Fatal("last band missing")
	}
	// TR is 2 everywhere, k=2: half width = 4.
	if math.Abs(last.Upper-last.Center-4) > 1e-6 {
		t.Errorf("upper-center = %v, want 4", last.Upper-last.Center)
	}
}

func TestEnvelopePLdotRange(t *testing.T) {
	bars := risingBars(8, 100, 2)
	dots := AlignedPLdot(bars)
	cfg := DefaultEnvelopeConfig()
	cfg.Method = EnvelopePLdotRange
	cfg.RangeWindow = 3
	cfg.RangeMultiplier = 1

	bands, err := EnvelopeSeries(bars, dots, cfg)
	if err != nil {
		t.Fatalf("EnvelopeSeries: %v", err)
	}
	last := bands[len(bands)-1]
	if !last.Valid() {
		t.Fatal("last band missing")
	}
	// Dots rise by 2 per bar; range over 3 dots = 4, width = 4.
	if math.Abs(last.Width()-4) > 1e-6 {
		t.Errorf("width = %v, want 4", last.Width())
	}
	if math.Abs((last.Upper+last.Lower)/2-last.Center) > 1e-6 {
		t.Errorf("band not centered: %+v", last)
	}
}
