package scheduler

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/database"
	"drummond-analytics/internal/logging"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/signal"
	"drummond-analytics/internal/store"
)

type fakeRepo struct {
	mu       sync.Mutex
	runs     []database.PredictionRun
	signals  []*signal.Signal
	analyses int
	states   []database.SchedulerState
}

func (f *fakeRepo) SaveRun(ctx context.Context, run database.PredictionRun) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs = append(f.runs, run)
	return nil
}

func (f *fakeRepo) SaveSignals(ctx context.Context, signals []*signal.Signal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = append(f.signals, signals...)
	return nil
}

func (f *fakeRepo) SaveAnalysis(ctx context.Context, a *coordinator.Analysis) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.analyses++
	return int64(f.analyses), nil
}

func (f *fakeRepo) UpdateSchedulerState(ctx context.Context, st database.SchedulerState) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, st)
	return nil
}

func (f *fakeRepo) PendingSignals(ctx context.Context, limit int) ([]*signal.Signal, error) {
	return nil, nil
}

func (f *fakeRepo) UpdateSignalOutcome(ctx context.Context, sig *signal.Signal) error {
	return nil
}

func (f *fakeRepo) lastRun(t *testing.T) database.PredictionRun {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.runs) == 0 {
		t.Fatal("no run persisted")
	}
	return f.runs[len(f.runs)-1]
}

// seedTrending stores n rising 5m bars ending at the most recent boundary.
func seedTrending(t *testing.T, s *store.MemoryStore, symbol string, n int) time.Time {
	t.Helper()
	end := time.Now().UTC().Truncate(5 * time.Minute)
	bars := make([]market.Bar, n)
	for i := 0; i < n; i++ {
		c := 100 + float64(i)
		bars[i] = market.Bar{
			Symbol:    symbol,
			Interval:  market.Interval5m,
			Timestamp: end.Add(-time.Duration(n-1-i) * 5 * time.Minute),
			Open:      c - 0.5, High: c + 1, Low: c - 1, Close: c,
			Volume: 100,
		}
	}
	if _, _, err := s.UpsertBars(context.Background(), symbol, market.Interval5m, bars); err != nil {
		t.Fatalf("seed: %v", err)
	}
	return end
}

func testScheduler(s *store.MemoryStore, repo Persister, symbols []string, refresh RefreshFunc) *Scheduler {
	cfg := DefaultConfig()
	cfg.FreshnessWaitMax = 0
	cfg.RunTimeout = 30 * time.Second
	builder := bundle.NewBuilder(s, bundle.DefaultConfig(), bundle.NewCache(), 200)
	return New(cfg, Deps{
		Store:   s,
		Repo:    repo,
		Builder: builder,
		Coord:   coordinator.New(coordinator.Config{}, nil),
		Gen:     signal.NewGenerator(signal.DefaultConfig()),
		Refresh: refresh,
		Symbols: func(context.Context) []string { return symbols },
		Logger:  logging.New(logging.Config{Level: "error"}),
	})
}

func waitIdle(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for s.Running() {
		if time.Now().After(deadline) {
			t.Fatal("run did not finish")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunPersistsSuccess(t *testing.T) {
	s := store.NewMemoryStore()
	seedTrending(t, s, "ABT", 60)
	repo := &fakeRepo{}

	sched := testScheduler(s, repo, []string{"ABT"}, nil)
	if !sched.TriggerRun() {
		t.Fatal("run not admitted")
	}
	waitIdle(t, sched)

	run := repo.lastRun(t)
	if run.Status != database.RunSuccess {
		t.Fatalf("status = %s, errors = %v", run.Status, run.Errors)
	}
	if run.SymbolsProcessed != 1 || run.SymbolsRequested != 1 {
		t.Fatalf("processed %d/%d", run.SymbolsProcessed, run.SymbolsRequested)
	}
	if repo.analyses != 1 {
		t.Fatalf("analyses persisted = %d", repo.analyses)
	}
	if run.Latency.TotalMS < 0 {
		t.Fatalf("negative total latency")
	}

	// State walked RUNNING then back to IDLE.
	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.states) < 2 {
		t.Fatalf("state transitions = %d", len(repo.states))
	}
	if repo.states[0].Status != database.SchedulerRunning {
		t.Fatalf("first state = %s", repo.states[0].Status)
	}
	if last := repo.states[len(repo.states)-1]; last.Status != database.SchedulerIdle {
		t.Fatalf("final state = %s", last.Status)
	}
}

func TestOverlapRejected(t *testing.T) {
	s := store.NewMemoryStore()
	seedTrending(t, s, "ABT", 60)
	repo := &fakeRepo{}

	release := make(chan struct{})
	blocking := func(ctx context.Context, symbol string, now time.Time) error {
		<-release
		return nil
	}
	sched := testScheduler(s, repo, []string{"ABT"}, blocking)

	if !sched.TriggerRun() {
		t.Fatal("first run not admitted")
	}
	// Give the run goroutine time to take the lock.
	time.Sleep(50 * time.Millisecond)
	if sched.TriggerRun() {
		t.Fatal("overlapping run admitted")
	}
	close(release)
	waitIdle(t, sched)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.runs) != 1 {
		t.Fatalf("runs persisted = %d", len(repo.runs))
	}
}

func TestPartialWhenOneSymbolLacksData(t *testing.T) {
	s := store.NewMemoryStore()
	seedTrending(t, s, "ABT", 60)
	// MSFT never seeded.
	repo := &fakeRepo{}

	sched := testScheduler(s, repo, []string{"ABT", "MSFT"}, nil)
	sched.TriggerRun()
	waitIdle(t, sched)

	run := repo.lastRun(t)
	if run.Status != database.RunPartial {
		t.Fatalf("status = %s", run.Status)
	}
	if run.SymbolsProcessed != 1 {
		t.Fatalf("processed = %d", run.SymbolsProcessed)
	}
	if len(run.Errors) != 1 || !strings.HasPrefix(run.Errors[0], "MSFT:") {
		t.Fatalf("errors = %v", run.Errors)
	}
}

func TestCancellationFailsRun(t *testing.T) {
	s := store.NewMemoryStore()
	seedTrending(t, s, "ABT", 60)
	repo := &fakeRepo{}

	sched := testScheduler(s, repo, []string{"ABT"}, func(ctx context.Context, symbol string, now time.Time) error {
		<-ctx.Done()
		return ctx.Err()
	})
	sched.cfg.RunTimeout = 50 * time.Millisecond
	sched.TriggerRun()
	waitIdle(t, sched)

	run := repo.lastRun(t)
	if run.Status != database.RunFailed {
		t.Fatalf("status = %s", run.Status)
	}
	if len(run.Errors) == 0 {
		t.Fatal("expected a symbol error")
	}
}

func TestStopRecordsStoppedState(t *testing.T) {
	s := store.NewMemoryStore()
	seedTrending(t, s, "ABT", 60)
	repo := &fakeRepo{}

	sched := testScheduler(s, repo, []string{"ABT"}, nil)
	sched.Start()
	sched.TriggerRun()
	waitIdle(t, sched)
	sched.Stop()

	repo.mu.Lock()
	defer repo.mu.Unlock()
	if len(repo.states) == 0 {
		t.Fatal("no states persisted")
	}
	last := repo.states[len(repo.states)-1]
	if last.Status != database.SchedulerStopped {
		t.Fatalf("final state = %s", last.Status)
	}

	// The RUNNING transition carries no run bookkeeping; the completion one
	// does. Partial updates must leave the stored values intact, so the
	// persisted sequence keeps them nil only where nothing is asserted.
	var sawRunning, sawIdle bool
	for _, st := range repo.states {
		switch st.Status {
		case database.SchedulerRunning:
			sawRunning = true
			if st.LastRunTS != nil || st.NextScheduledRun != nil {
				t.Fatalf("RUNNING transition asserted bookkeeping: %+v", st)
			}
		case database.SchedulerIdle:
			sawIdle = true
			if st.LastRunTS == nil || st.NextScheduledRun == nil {
				t.Fatalf("completion transition missing bookkeeping: %+v", st)
			}
		}
	}
	if !sawRunning || !sawIdle {
		t.Fatalf("state walk incomplete: running=%v idle=%v", sawRunning, sawIdle)
	}
}

func TestStopAllowsInFlightRun(t *testing.T) {
	s := store.NewMemoryStore()
	seedTrending(t, s, "ABT", 60)
	repo := &fakeRepo{}

	release := make(chan struct{})
	sched := testScheduler(s, repo, []string{"ABT"}, func(ctx context.Context, symbol string, now time.Time) error {
		<-release
		return nil
	})
	sched.Start()
	sched.TriggerRun()
	time.Sleep(50 * time.Millisecond)

	go func() {
		time.Sleep(100 * time.Millisecond)
		close(release)
	}()
	sched.Stop()

	run := repo.lastRun(t)
	if run.Status != database.RunSuccess {
		t.Fatalf("status after graceful stop = %s, errors = %v", run.Status, run.Errors)
	}
}
