package signal

import (
	"time"

	"drummond-analytics/internal/market"
)

// EvaluateOutcome resolves a pending signal against the bars that followed
// it, up to its expiry. WIN when the target trades before the stop, LOSS for
// the reverse. When both levels fall inside one bar's range the stop counts
// first. A signal whose TTL has passed with neither level traded resolves
// NEUTRAL at the last close. Returns true when the outcome was resolved.
func EvaluateOutcome(sig *Signal, bars []market.Bar, now time.Time) bool {
	if sig.Outcome != OutcomePending {
		return false
	}
	long := sig.Type == TypeLong

	var lastClose float64
	touched := false
	for _, bar := range bars {
		if !bar.Timestamp.After(sig.Timestamp) || bar.Timestamp.After(sig.ExpiresAt) {
			continue
		}
		touched = true
		lastClose = bar.Close
		if bar.High > sig.ActualHigh {
			sig.ActualHigh = bar.High
		}
		if sig.ActualLow == 0 || bar.Low < sig.ActualLow {
			sig.ActualLow = bar.Low
		}
		sig.ActualClose = bar.Close

		stopHit := long && bar.Low <= sig.StopLoss || !long && bar.High >= sig.StopLoss
		targetHit := long && bar.High >= sig.TargetPrice || !long && bar.Low <= sig.TargetPrice
		switch {
		case stopHit:
			resolve(sig, OutcomeLoss, sig.StopLoss, now)
			return true
		case targetHit:
			resolve(sig, OutcomeWin, sig.TargetPrice, now)
			return true
		}
	}

	if touched && now.After(sig.ExpiresAt) {
		resolve(sig, OutcomeNeutral, lastClose, now)
		return true
	}
	return false
}

func resolve(sig *Signal, outcome Outcome, exitPrice float64, now time.Time) {
	sig.Outcome = outcome
	pnl := (exitPrice - sig.EntryPrice) / sig.EntryPrice * 100
	if sig.Type == TypeShort {
		pnl = -pnl
	}
	sig.PnLPercent = market.Round6(pnl)
	at := now
	sig.EvaluatedAt = &at
}
