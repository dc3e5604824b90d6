package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/database"
	"drummond-analytics/internal/indicator"
	"drummond-analytics/internal/signal"
)

const pendingEvaluationBatch = 500

type symbolResult struct {
	symbol  string
	sig     *signal.Signal
	err     error
	fetchMS int64
	calcMS  int64
	sigMS   int64
}

// runOnce executes one full pipeline pass.
func (s *Scheduler) runOnce(ctx context.Context) {
	started := s.now()
	runID := uuid.New()
	symbols := s.symbols(ctx)
	log := s.log.With().Str("run_id", runID.String()).Logger()

	log.Info().Int("symbols", len(symbols)).Msg("run started")
	if s.bus != nil {
		s.bus.PublishRunStarted(runID.String(), len(symbols))
	}
	s.persistState(database.SchedulerState{
		Status:       database.SchedulerRunning,
		CurrentRunID: &runID,
	})

	run := database.PredictionRun{
		RunID:            runID,
		RunTS:            started,
		Interval:         s.ttf,
		SymbolsRequested: len(symbols),
	}

	if len(symbols) == 0 {
		run.Status = database.RunFailed
		run.Errors = append(run.Errors, "empty symbol universe")
		s.finishRun(ctx, run, started, nil)
		return
	}

	s.waitForFresh(ctx, symbols[0], started)

	// Fan the universe out over the worker pool.
	symbolChan := make(chan string, len(symbols))
	resultChan := make(chan symbolResult, len(symbols))
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for sym := range symbolChan {
				resultChan <- s.processSymbol(ctx, runID, sym, started)
			}
		}()
	}
	for _, sym := range symbols {
		symbolChan <- sym
	}
	close(symbolChan)
	wg.Wait()
	close(resultChan)

	var signals []*signal.Signal
	for res := range resultChan {
		run.Latency.DataFetchMS += res.fetchMS
		run.Latency.IndicatorCalcMS += res.calcMS
		run.Latency.SignalGenerationMS += res.sigMS
		if res.err != nil {
			run.Errors = append(run.Errors, fmt.Sprintf("%s: %v", res.symbol, res.err))
			if s.met != nil {
				s.met.SymbolsFailed.Inc()
			}
			continue
		}
		run.SymbolsProcessed++
		if s.met != nil {
			s.met.SymbolsProcessed.Inc()
		}
		if res.sig != nil {
			signals = append(signals, res.sig)
		}
	}
	sort.Strings(run.Errors)
	sort.Slice(signals, func(i, j int) bool { return signals[i].Symbol < signals[j].Symbol })

	// The batch lands atomically: a failed persist drops every signal of
	// this run rather than leaving a partial set.
	if len(signals) > 0 {
		if err := s.repo.SaveSignals(ctx, signals); err != nil {
			log.Error().Err(err).Msg("signal batch persist failed")
			run.Errors = append(run.Errors, fmt.Sprintf("signal persist: %v", err))
			signals = nil
		}
	}
	run.SignalsGenerated = len(signals)

	s.evaluatePending(ctx, started)

	switch {
	case run.SymbolsProcessed == len(symbols) && len(run.Errors) == 0:
		run.Status = database.RunSuccess
	case run.SymbolsProcessed > 0:
		run.Status = database.RunPartial
	default:
		run.Status = database.RunFailed
	}

	notifyStart := s.now()
	s.dispatchNotifications(run, signals, s.now().Sub(started))
	run.Latency.NotificationMS = s.now().Sub(notifyStart).Milliseconds()

	s.finishRun(ctx, run, started, signals)
}

func (s *Scheduler) finishRun(ctx context.Context, run database.PredictionRun, started time.Time, signals []*signal.Signal) {
	run.Latency.TotalMS = s.now().Sub(started).Milliseconds()
	if err := s.repo.SaveRun(ctx, run); err != nil {
		s.log.Error().Err(err).Str("run_id", run.RunID.String()).Msg("run persist failed")
	}

	state := database.SchedulerState{
		LastRunTS: &run.RunTS,
		Status:    database.SchedulerIdle,
	}
	next := run.RunTS.Truncate(s.cfg.Interval).Add(s.cfg.Interval)
	state.NextScheduledRun = &next
	if run.Status == database.RunFailed {
		state.Status = database.SchedulerError
		if len(run.Errors) > 0 {
			state.ErrorMessage = run.Errors[0]
		}
	}
	s.persistState(state)

	if s.met != nil {
		s.met.RunsTotal.WithLabelValues(string(run.Status)).Inc()
		s.met.RunDuration.Observe(float64(run.Latency.TotalMS) / 1000)
		s.met.StageDuration.WithLabelValues("data_fetch").Observe(float64(run.Latency.DataFetchMS) / 1000)
		s.met.StageDuration.WithLabelValues("indicator_calc").Observe(float64(run.Latency.IndicatorCalcMS) / 1000)
		s.met.StageDuration.WithLabelValues("signal_generation").Observe(float64(run.Latency.SignalGenerationMS) / 1000)
		for _, sig := range signals {
			s.met.SignalsGenerated.WithLabelValues(string(sig.Type)).Inc()
		}
	}
	if s.bus != nil {
		s.bus.PublishRunCompleted(run.RunID.String(), string(run.Status),
			run.SymbolsProcessed, run.SignalsGenerated, run.Latency.TotalMS)
	}
	s.log.Info().
		Str("run_id", run.RunID.String()).
		Str("status", string(run.Status)).
		Int("processed", run.SymbolsProcessed).
		Int("signals", run.SignalsGenerated).
		Int64("total_ms", run.Latency.TotalMS).
		Msg("run completed")
}

// processSymbol runs the three pipeline stages for one symbol.
func (s *Scheduler) processSymbol(ctx context.Context, runID uuid.UUID, sym string, now time.Time) symbolResult {
	res := symbolResult{symbol: sym}
	if err := ctx.Err(); err != nil {
		res.err = errors.New("cancelled")
		return res
	}

	// Stage 1: refresh bars.
	fetchStart := s.now()
	if s.refresh != nil {
		if err := s.refresh(ctx, sym, now); err != nil {
			res.fetchMS = s.now().Sub(fetchStart).Milliseconds()
			res.err = fmt.Errorf("refresh: %w", err)
			return res
		}
	}
	res.fetchMS = s.now().Sub(fetchStart).Milliseconds()

	// Stage 2: materialize bundles and analyze.
	calcStart := s.now()
	ttfB, err := s.builder.Materialize(ctx, sym, s.ttf, now)
	if err != nil {
		res.calcMS = s.now().Sub(calcStart).Milliseconds()
		res.err = err
		return res
	}
	htfB, err := s.builder.Materialize(ctx, sym, s.htf, now)
	if err != nil {
		res.calcMS = s.now().Sub(calcStart).Milliseconds()
		res.err = err
		return res
	}
	analysis, err := s.coord.Analyze(htfB, ttfB, now, coordinator.PositionContext{})
	if err != nil {
		res.calcMS = s.now().Sub(calcStart).Milliseconds()
		res.err = err
		return res
	}
	if _, err := s.repo.SaveAnalysis(ctx, analysis); err != nil {
		res.calcMS = s.now().Sub(calcStart).Milliseconds()
		res.err = err
		return res
	}
	res.calcMS = s.now().Sub(calcStart).Milliseconds()

	// Stage 3: signal generation.
	sigStart := s.now()
	sig, err := s.gen.Generate(runID, analysis, ttfB)
	res.sigMS = s.now().Sub(sigStart).Milliseconds()
	if err != nil && !errors.Is(err, indicator.ErrInsufficientData) {
		res.err = err
		return res
	}
	res.sig = sig
	return res
}

// waitForFresh blocks until the probe symbol's base bars are within the
// freshness threshold, or the wait budget runs out.
func (s *Scheduler) waitForFresh(ctx context.Context, probe string, now time.Time) {
	threshold := s.freshnessThreshold(now)
	deadline := s.now().Add(s.cfg.FreshnessWaitMax)
	waitStart := s.now()

	for {
		latest, err := s.store.LatestBar(ctx, probe, s.ttf)
		if err == nil && latest != nil && s.now().Sub(latest.Timestamp) <= threshold {
			break
		}
		if s.now().After(deadline) || ctx.Err() != nil {
			s.log.Warn().Str("symbol", probe).Dur("threshold", threshold).
				Msg("proceeding without fresh bars")
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(5 * time.Second):
		}
	}
	if s.met != nil {
		s.met.FreshnessWait.Observe(s.now().Sub(waitStart).Seconds())
	}
}

// evaluatePending resolves outcomes for stored signals whose window has
// played out. Evaluation is best effort; failures surface next run.
func (s *Scheduler) evaluatePending(ctx context.Context, now time.Time) {
	pending, err := s.repo.PendingSignals(ctx, pendingEvaluationBatch)
	if err != nil {
		s.log.Warn().Err(err).Msg("pending signal fetch failed")
		return
	}
	if s.met != nil {
		s.met.PendingEvaluations.Set(float64(len(pending)))
	}
	for _, sig := range pending {
		bars, err := s.store.GetBars(ctx, sig.Symbol, s.ttf, sig.Timestamp, sig.ExpiresAt)
		if err != nil {
			continue
		}
		if signal.EvaluateOutcome(sig, bars, now) {
			if err := s.repo.UpdateSignalOutcome(ctx, sig); err != nil {
				s.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("outcome persist failed")
			}
		}
	}
}

func (s *Scheduler) dispatchNotifications(run database.PredictionRun, signals []*signal.Signal, elapsed time.Duration) {
	if s.notifier == nil {
		return
	}
	for _, sig := range signals {
		strength := string(signal.Describe(sig.Confidence))
		if err := s.notifier.SendSignal(sig.Symbol, string(sig.Type), strength,
			sig.EntryPrice, sig.StopLoss, sig.TargetPrice, sig.Confidence); err != nil {
			s.log.Warn().Err(err).Str("symbol", sig.Symbol).Msg("signal notification failed")
		}
		if s.bus != nil {
			s.bus.PublishSignal(sig.Symbol, string(sig.Type),
				sig.EntryPrice, sig.StopLoss, sig.TargetPrice, sig.Confidence)
		}
	}
	if err := s.notifier.SendRunSummary(run.RunID.String(), string(run.Status),
		run.SymbolsProcessed, run.SymbolsRequested, len(signals), elapsed); err != nil {
		s.log.Warn().Err(err).Msg("run summary notification failed")
	}
}

func (s *Scheduler) persistState(st database.SchedulerState) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.UpdateSchedulerState(ctx, st); err != nil {
		s.log.Warn().Err(err).Msg("scheduler state persist failed")
	}
	if s.bus != nil {
		s.bus.PublishSchedulerState(string(st.Status))
	}
}
