package signal

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/market"
)

var testBase = time.Date(2025, 11, 6, 14, 0, 0, 0, time.UTC)

func ttfBundle(t *testing.T, n int, start, step float64) *bundle.Bundle {
	t.Helper()
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		c := start + float64(i)*step
		bars[i] = market.Bar{
			Symbol:    "ABT",
			Interval:  market.Interval5m,
			Timestamp: testBase.Add(time.Duration(i*5) * time.Minute),
			Open:      c - 0.5, High: c + 1, Low: c - 1, Close: c,
			Volume: 100,
		}
	}
	b, err := bundle.Build("ABT", market.Interval5m, bars, bundle.DefaultConfig(), 1)
	if err != nil {
		t.Fatalf("build bundle: %v", err)
	}
	return b
}

// analysisFixture scores confidence exactly 0.70 with the default prior.
func analysisFixture(ttf *bundle.Bundle, strength float64) *coordinator.Analysis {
	at := ttf.Bars[len(ttf.Bars)-1].Timestamp
	return &coordinator.Analysis{
		Symbol:         "ABT",
		HTF:            market.Interval30m,
		TTF:            market.Interval5m,
		Timestamp:      at,
		HTFTrend:       indicator.DirectionUp,
		HTFStrength:    1.0,
		TTFTrend:       indicator.DirectionUp,
		TTFState:       indicator.StateTrend,
		AlignmentScore: 1.0,
		AlignmentType:  coordinator.AlignmentPerfect,
		TradePermitted: true,
		SignalStrength: strength,
		Components: coordinator.StrengthComponents{
			Alignment:   1.0,
			PLdotSlope:  1.0,
			CWaveOrPush: 0.5,
			Historical:  0.5,
		},
		Action: coordinator.ActionLong,
		ATR:    3,
	}
}

// With min_signal_strength=0.60 an analysis at strength 0.59 emits nothing;
// raising it to 0.60 emits a signal.
func TestEmissionGating(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	ttf := ttfBundle(t, 10, 100, 2)
	runID := uuid.New()

	a := analysisFixture(ttf, 0.59)
	if got := Confidence(a); got < 0.699 || got > 0.701 {
		t.Fatalf("fixture confidence = %v, want 0.70", got)
	}

	sig, err := g.Generate(runID, a, ttf)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sig != nil {
		t.Fatal("strength 0.59 must not emit")
	}

	a.SignalStrength = 0.60
	sig, err = g.Generate(runID, a, ttf)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sig == nil {
		t.Fatal("strength 0.60 must emit")
	}
	if sig.Type != TypeLong {
		t.Errorf("type = %s", sig.Type)
	}
	if sig.RunID != runID {
		t.Error("run id not carried")
	}
}

func TestConfidenceGate(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	ttf := ttfBundle(t, 10, 100, 2)

	a := analysisFixture(ttf, 0.80)
	a.HTFStrength = 0 // drags the alignment term down
	a.Components.PLdotSlope = 0.2
	if c := Confidence(a); c >= 0.65 {
		t.Fatalf("fixture confidence = %v, want < 0.65", c)
	}
	sig, err := g.Generate(uuid.New(), a, ttf)
	if err != nil {
		t.Fatalf("generate: %v", err)
	}
	if sig != nil {
		t.Error("low confidence must not emit")
	}
}

func TestLongLevels(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	ttf := ttfBundle(t, 10, 100, 2)
	a := analysisFixture(ttf, 0.80)

	sig, err := g.Generate(uuid.New(), a, ttf)
	if err != nil || sig == nil {
		t.Fatalf("generate: %v, %v", sig, err)
	}
	entry := sig.EntryPrice
	if sig.StopLoss >= entry || sig.TargetPrice <= entry {
		t.Fatalf("levels not ordered: stop=%v entry=%v target=%v", sig.StopLoss, entry, sig.TargetPrice)
	}
	// Stop is never tighter than the ATR stop.
	if sig.StopLoss > entry-2*a.ATR+1e-9 {
		t.Errorf("stop = %v, want <= %v", sig.StopLoss, entry-2*a.ATR)
	}
	if sig.RiskReward <= 0 {
		t.Errorf("risk_reward = %v", sig.RiskReward)
	}
	if sig.Context.Indicators.ATR != a.ATR {
		t.Errorf("context atr = %v", sig.Context.Indicators.ATR)
	}
	if !sig.ExpiresAt.Equal(a.Timestamp.Add(24 * time.Hour)) {
		t.Errorf("expires_at = %v", sig.ExpiresAt)
	}
}

func TestShortLevelsMirror(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	ttf := ttfBundle(t, 10, 200, -2)
	a := analysisFixture(ttf, 0.80)
	a.Action = coordinator.ActionShort
	a.HTFTrend = indicator.DirectionDown
	a.TTFTrend = indicator.DirectionDown

	sig, err := g.Generate(uuid.New(), a, ttf)
	if err != nil || sig == nil {
		t.Fatalf("generate: %v, %v", sig, err)
	}
	if sig.Type != TypeShort {
		t.Fatalf("type = %s", sig.Type)
	}
	if sig.StopLoss <= sig.EntryPrice || sig.TargetPrice >= sig.EntryPrice {
		t.Errorf("levels not mirrored: stop=%v entry=%v target=%v",
			sig.StopLoss, sig.EntryPrice, sig.TargetPrice)
	}
}

// If every confidence component increases weakly, the confidence increases
// weakly.
func TestConfidenceMonotonic(t *testing.T) {
	ttf := ttfBundle(t, 10, 100, 2)
	lo := analysisFixture(ttf, 0.7)
	lo.AlignmentScore = 0.5
	lo.HTFStrength = 0.6
	lo.Components = coordinator.StrengthComponents{
		Alignment: 0.5, PLdotSlope: 0.3, CWaveOrPush: 0.2, Confluence: 0.1, Historical: 0.5,
	}
	hi := analysisFixture(ttf, 0.7)
	hi.AlignmentScore = 0.7
	hi.HTFStrength = 0.8
	hi.Components = coordinator.StrengthComponents{
		Alignment: 0.7, PLdotSlope: 0.5, CWaveOrPush: 0.2, Confluence: 0.3, Historical: 0.6,
	}
	if Confidence(hi) < Confidence(lo) {
		t.Errorf("confidence not monotonic: hi=%v lo=%v", Confidence(hi), Confidence(lo))
	}
}

func TestDescribe(t *testing.T) {
	cases := []struct {
		in   float64
		want Descriptor
	}{
		{0.39, DescriptorWeak},
		{0.40, DescriptorModerate},
		{0.59, DescriptorModerate},
		{0.60, DescriptorStrong},
		{0.79, DescriptorStrong},
		{0.80, DescriptorVeryStrong},
	}
	for _, tc := range cases {
		if got := Describe(tc.in); got != tc.want {
			t.Errorf("Describe(%v) = %s, want %s", tc.in, got, tc.want)
		}
	}
}

func TestEvaluateOutcomeStopFirst(t *testing.T) {
	sig := &Signal{
		Type: TypeLong, Symbol: "ABT",
		Timestamp: testBase, ExpiresAt: testBase.Add(24 * time.Hour),
		EntryPrice: 100, StopLoss: 98, TargetPrice: 104,
		Outcome: OutcomePending,
	}
	// One bar sweeps both levels: the stop counts first.
	bars := []market.Bar{{
		Symbol: "ABT", Interval: market.Interval5m,
		Timestamp: testBase.Add(5 * time.Minute),
		Open:      101, High: 105, Low: 97, Close: 103, Volume: 100,
	}}
	if !EvaluateOutcome(sig, bars, testBase.Add(time.Hour)) {
		t.Fatal("outcome not resolved")
	}
	if sig.Outcome != OutcomeLoss {
		t.Errorf("outcome = %s, want LOSS", sig.Outcome)
	}
	if sig.PnLPercent >= 0 {
		t.Errorf("pnl = %v", sig.PnLPercent)
	}
}

func TestEvaluateOutcomeWinAndExpiry(t *testing.T) {
	sig := &Signal{
		Type: TypeLong, Symbol: "ABT",
		Timestamp: testBase, ExpiresAt: testBase.Add(time.Hour),
		EntryPrice: 100, StopLoss: 98, TargetPrice: 104,
		Outcome: OutcomePending,
	}
	bars := []market.Bar{{
		Symbol: "ABT", Interval: market.Interval5m,
		Timestamp: testBase.Add(5 * time.Minute),
		Open:      101, High: 104.5, Low: 100, Close: 104, Volume: 100,
	}}
	if !EvaluateOutcome(sig, bars, testBase.Add(10*time.Minute)) {
		t.Fatal("outcome not resolved")
	}
	if sig.Outcome != OutcomeWin || sig.PnLPercent <= 0 {
		t.Errorf("outcome = %s pnl = %v", sig.Outcome, sig.PnLPercent)
	}

	// Neither level traded and the TTL passed: NEUTRAL.
	neutral := &Signal{
		Type: TypeLong, Symbol: "ABT",
		Timestamp: testBase, ExpiresAt: testBase.Add(time.Hour),
		EntryPrice: 100, StopLoss: 90, TargetPrice: 120,
		Outcome: OutcomePending,
	}
	quiet := []market.Bar{{
		Symbol: "ABT", Interval: market.Interval5m,
		Timestamp: testBase.Add(5 * time.Minute),
		Open:      100, High: 101, Low: 99, Close: 100.5, Volume: 100,
	}}
	if !EvaluateOutcome(neutral, quiet, testBase.Add(2*time.Hour)) {
		t.Fatal("expired signal not resolved")
	}
	if neutral.Outcome != OutcomeNeutral {
		t.Errorf("outcome = %s, want NEUTRAL", neutral.Outcome)
	}
}

func TestExpired(t *testing.T) {
	sig := &Signal{ExpiresAt: testBase.Add(time.Hour)}
	if sig.Expired(testBase) {
		t.Error("not yet expired")
	}
	if !sig.Expired(testBase.Add(2 * time.Hour)) {
		t.Error("should be expired")
	}
	sig.Executed = true
	if sig.Expired(testBase.Add(2 * time.Hour)) {
		t.Error("executed signals never expire")
	}
}

func TestGenerateExit(t *testing.T) {
	g := NewGenerator(DefaultConfig())
	ttf := ttfBundle(t, 10, 100, 2)
	a := analysisFixture(ttf, 0.7)
	a.Action = coordinator.ActionReduce

	sig := g.GenerateExit(uuid.New(), a, TypeLong)
	if sig == nil || sig.Type != TypeExitLong {
		t.Fatalf("exit signal = %+v", sig)
	}
	if g.GenerateExit(uuid.New(), analysisFixture(ttf, 0.7), TypeLong) != nil {
		t.Error("exit only on reduce")
	}
}
