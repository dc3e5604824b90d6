package indicator

import (
	"testing"
	"time"

	"drummond-analytics/internal/market"
)

func appendBars(bars []market.Bar, extra []market.Bar) []market.Bar {
	last := bars[len(bars)-1].Timestamp
	for i := range extra {
		extra[i].Timestamp = last.Add(time.Duration(i+1) * 5 * time.Minute)
		bars = append(bars, extra[i])
	}
	return bars
}

// Three consecutive closes above a rising PLdot call a TREND UP with
// bars_in_state = 3; the first close back below the dot transitions to
// CONGESTION_ENTRANCE.
func TestTrendUpThenCongestionEntrance(t *testing.T) {
	// Steadily rising closes keep the dot below price and the slope rising.
	bars := risingBars(6, 100, 2)
	// Final bar closes hard below the dot.
	bars = appendBars(bars, barSeq([][3]float64{{111, 99, 100}}))

	dots := AlignedPLdot(bars)
	states := ClassifyStates(bars, dots, DefaultStateConfig())

	sp := states[5]
	if sp.State != StateTrend || sp.Direction != DirectionUp {
		t.Fatalf("bar 5 state = %s/%s, want TREND/UP", sp.State, sp.Direction)
	}
	if sp.BarsInState != 3 {
		t.Errorf("bars_in_state = %d, want 3", sp.BarsInState)
	}
	if sp.Slope != SlopeRising {
		t.Errorf("slope = %s, want rising", sp.Slope)
	}
	if sp.Confidence < 0.8 || sp.Confidence > 1 {
		t.Errorf("confidence = %v", sp.Confidence)
	}

	next := states[6]
	if next.State != StateCongestionEntrance {
		t.Errorf("bar 6 state = %s, want CONGESTION_ENTRANCE", next.State)
	}
	if next.Direction != DirectionUp {
		t.Errorf("entrance keeps prior direction, got %s", next.Direction)
	}
}

func TestTrendDown(t *testing.T) {
	bars := risingBars(7, 200, -2)
	dots := AlignedPLdot(bars)
	states := ClassifyStates(bars, dots, DefaultStateConfig())

	last := states[len(states)-1]
	if last.State != StateTrend || last.Direction != DirectionDown {
		t.Errorf("state = %s/%s, want TREND/DOWN", last.State, last.Direction)
	}
	if last.Slope != SlopeFalling {
		t.Errorf("slope = %s", last.Slope)
	}
}

func TestFlatMarketIsCongestionAction(t *testing.T) {
	bars := risingBars(8, 100, 0)
	dots := AlignedPLdot(bars)
	states := ClassifyStates(bars, dots, DefaultStateConfig())

	last := states[len(states)-1]
	if last.State != StateCongestionAction || last.Direction != DirectionNeutral {
		t.Errorf("state = %s/%s, want CONGESTION_ACTION/NEUTRAL", last.State, last.Direction)
	}
}

func TestShortHistoryDefaults(t *testing.T) {
	bars := risingBars(2, 100, 1)
	dots := AlignedPLdot(bars)
	states := ClassifyStates(bars, dots, DefaultStateConfig())
	for i, sp := range states {
		if sp.State != StateCongestionAction || sp.Direction != DirectionNeutral {
			t.Errorf("bar %d: state = %s/%s", i, sp.State, sp.Direction)
		}
	}
}

// An established uptrend followed by three closes below the dot is a
// REVERSAL with direction DOWN.
func TestReversal(t *testing.T) {
	bars := risingBars(6, 100, 2) // trend up by bar 5
	bars = appendBars(bars, barSeq([][3]float64{
		{112, 90, 95}, {96, 85, 88}, {89, 80, 82},
	}))

	dots := AlignedPLdot(bars)
	states := ClassifyStates(bars, dots, DefaultStateConfig())

	last := states[len(states)-1]
	if last.State != StateReversal || last.Direction != DirectionDown {
		t.Errorf("state = %s/%s, want REVERSAL/DOWN", last.State, last.Direction)
	}
}

// Congestion resuming the prior trend direction exits through exactly one
// CONGESTION_EXIT bar and then resumes TREND.
func TestCongestionExitThenTrend(t *testing.T) {
	bars := risingBars(6, 100, 2) // TREND UP at bar 5
	// One bar below the dot: CONGESTION_ENTRANCE.
	bars = appendBars(bars, barSeq([][3]float64{{111, 99, 104}}))
	// Three bars resuming up above the dot.
	bars = appendBars(bars, barSeq([][3]float64{
		{113, 105, 112}, {115, 107, 114}, {117, 109, 116},
	}))

	dots := AlignedPLdot(bars)
	states := ClassifyStates(bars, dots, DefaultStateConfig())

	n := len(states)
	if states[n-4].State != StateCongestionEntrance {
		t.Fatalf("bar %d state = %s, want CONGESTION_ENTRANCE", n-4, states[n-4].State)
	}
	foundExit := false
	for _, sp := range states[n-3:] {
		if sp.State == StateCongestionExit {
			foundExit = true
			if sp.Direction != DirectionUp {
				t.Errorf("exit direction = %s, want UP", sp.Direction)
			}
		}
	}
	if !foundExit {
		t.Error("no CONGESTION_EXIT bar emitted on trend resumption")
	}
	if states[n-1].State == StateCongestionExit && states[n-2].State == StateCongestionExit {
		t.Error("CONGESTION_EXIT lasted more than one bar")
	}
}
