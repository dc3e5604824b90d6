package indicator

import (
	"testing"
	"time"

	"drummond-analytics/internal/market"
)

func findEvent(events []PatternEvent, pt PatternType) *PatternEvent {
	for i := range events {
		if events[i].Type == pt {
			return &events[i]
		}
	}
	return nil
}

func flatBands(bars []market.Bar, center, half float64) []Band {
	bands := make([]Band, len(bars))
	for i := range bars {
		bands[i] = Band{
			Timestamp: bars[i].Timestamp,
			Center:    center,
			Upper:     center + half,
			Lower:     center - half,
			Method:    EnvelopePercent,
		}
	}
	return bands
}

func flatDots(n int, v float64) []AlignedDot {
	dots := make([]AlignedDot, n)
	for i := range dots {
		dots[i] = AlignedDot{Value: v, OK: true}
	}
	return dots
}

func TestDetectPLdotPush(t *testing.T) {
	// Strong rally: closes break above a tight percent envelope for the last
	// three bars.
	bars := risingBars(10, 100, 3)
	dots := AlignedPLdot(bars)
	cfg := DefaultEnvelopeConfig()
	cfg.Method = EnvelopePercent
	cfg.Percent = 0.001
	bands, err := EnvelopeSeries(bars, dots, cfg)
	if err != nil {
		t.Fatal(err)
	}
	states := ClassifyStates(bars, dots, DefaultStateConfig())

	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	ev := findEvent(events, PatternPLdotPush)
	if ev == nil {
		t.Fatal("no PLDOT_PUSH detected")
	}
	if ev.Direction != 1 {
		t.Errorf("direction = %d, want +1", ev.Direction)
	}
	if ev.Strength < 3 {
		t.Errorf("strength = %d, want >= 3", ev.Strength)
	}
	if ev.End.Before(ev.Start) {
		t.Error("end before start")
	}
	if ev.Metadata["mean_breach"] <= 0 {
		t.Errorf("mean_breach = %v", ev.Metadata["mean_breach"])
	}
}

func TestDetectExhaust(t *testing.T) {
	// Bar n-2 closes 5% above the dot and beyond the band; the final bar
	// reverses 1%.
	bars := barSeq([][3]float64{
		{101, 99, 100}, {101, 99, 100}, {101, 99, 100},
		{106, 100, 105},     // extension bar: 5% above dot 100
		{105, 103, 103.95},  // reversal: -1%
	})
	dots := flatDots(len(bars), 100)
	bands := flatBands(bars, 100, 2) // upper 102
	states := make([]StatePoint, len(bars))

	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	ev := findEvent(events, PatternExhaust)
	if ev == nil {
		t.Fatal("no EXHAUST detected")
	}
	if ev.Direction != -1 {
		t.Errorf("direction = %d, want -1 (against the exhausted move)", ev.Direction)
	}
	if ev.Strength < 5 {
		t.Errorf("strength = %d, want >= 5", ev.Strength)
	}
}

func TestDetectExhaustNeedsReversal(t *testing.T) {
	bars := barSeq([][3]float64{
		{101, 99, 100}, {101, 99, 100}, {101, 99, 100},
		{106, 100, 105},
		{107, 104, 106}, // keeps rising: no exhaust
	})
	dots := flatDots(len(bars), 100)
	bands := flatBands(bars, 100, 2)
	states := make([]StatePoint, len(bars))

	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	if findEvent(events, PatternExhaust) != nil {
		t.Error("EXHAUST detected without a reversal bar")
	}
}

func TestDetectCongestionOscillation(t *testing.T) {
	// Closes alternate around the dot inside the band.
	bars := barSeq([][3]float64{
		{102, 98, 101}, {102, 98, 99}, {102, 98, 101}, {102, 98, 99},
		{102, 98, 101}, {102, 98, 99},
	})
	dots := flatDots(len(bars), 100)
	bands := flatBands(bars, 100, 3)
	states := make([]StatePoint, len(bars))
	for i := range states {
		states[i] = StatePoint{State: StateCongestionAction, Direction: DirectionNeutral}
	}

	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	ev := findEvent(events, PatternCongestionOscillation)
	if ev == nil {
		t.Fatal("no CONGESTION_OSCILLATION detected")
	}
	if ev.Direction != 0 {
		t.Errorf("direction = %d, want 0", ev.Direction)
	}
	if ev.Strength != 3 {
		t.Errorf("strength = %d, want 3 alternations over 4 bars", ev.Strength)
	}
}

func TestOscillationRejectedOutsideCongestion(t *testing.T) {
	bars := barSeq([][3]float64{
		{102, 98, 101}, {102, 98, 99}, {102, 98, 101}, {102, 98, 99},
	})
	dots := flatDots(len(bars), 100)
	bands := flatBands(bars, 100, 3)
	states := make([]StatePoint, len(bars))
	for i := range states {
		states[i] = StatePoint{State: StateTrend, Direction: DirectionUp}
	}
	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	if findEvent(events, PatternCongestionOscillation) != nil {
		t.Error("oscillation must require a congestion state")
	}
}

func TestDetectCWave(t *testing.T) {
	// Rising band centers with closes at/beyond the upper boundary.
	start := time.Date(2025, 11, 6, 14, 0, 0, 0, time.UTC)
	n := 6
	bars := make([]market.Bar, n)
	dots := make([]AlignedDot, n)
	bands := make([]Band, n)
	for i := 0; i < n; i++ {
		center := 100 + float64(i)*2
		close := center + 3.5 // beyond upper = center + 3
		bars[i] = market.Bar{
			Symbol: "ABT", Interval: market.Interval5m,
			Timestamp: start.Add(time.Duration(i*5) * time.Minute),
			Open:      close - 0.5, High: close + 1, Low: close - 2, Close: close,
			Volume: 100,
		}
		dots[i] = AlignedDot{Value: center, OK: true}
		bands[i] = Band{Timestamp: bars[i].Timestamp, Center: center, Upper: center + 3, Lower: center - 3}
	}
	states := make([]StatePoint, n)

	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	ev := findEvent(events, PatternCWave)
	if ev == nil {
		t.Fatal("no C_WAVE detected")
	}
	if ev.Direction != 1 {
		t.Errorf("direction = %d, want +1", ev.Direction)
	}
	if ev.Strength < 3 {
		t.Errorf("strength = %d, want >= 3", ev.Strength)
	}
}

func TestDetectRefresh(t *testing.T) {
	// Price extends 3% above the dot then snaps back toward it.
	bars := barSeq([][3]float64{
		{101, 99, 100}, {101, 99, 100}, {101, 99, 100},
		{104, 100, 103}, // 3% extension
		{103, 100, 101}, // converging toward the dot
	})
	dots := flatDots(len(bars), 100)
	bands := flatBands(bars, 100, 5)
	states := make([]StatePoint, len(bars))

	events := DetectPatterns(bars, dots, bands, states, DefaultPatternConfig())
	ev := findEvent(events, PatternPLdotRefresh)
	if ev == nil {
		t.Fatal("no PLDOT_REFRESH detected")
	}
	if ev.Direction != 1 {
		t.Errorf("direction = %d, want +1", ev.Direction)
	}
	if ev.Metadata["max_extension_pct"] < 2 {
		t.Errorf("max_extension_pct = %v", ev.Metadata["max_extension_pct"])
	}
}
