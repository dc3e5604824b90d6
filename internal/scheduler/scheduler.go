// Package scheduler drives the periodic prediction pipeline: refresh bars,
// rebuild indicators, run the multi-timeframe analysis and persist the
// resulting signals, every interval boundary.
package scheduler

import (
	"context"
	"runtime"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/database"
	"drummond-analytics/internal/events"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/metrics"
	"drummond-analytics/internal/notification"
	"drummond-analytics/internal/signal"
	"drummond-analytics/internal/store"
)

// Config holds the scheduler parameters.
type Config struct {
	// Interval is the run cadence; runs fire on wall-clock boundaries.
	Interval time.Duration
	HTF      string
	TTF      string
	// Workers bounds the per-symbol fan-out. Zero means NumCPU.
	Workers int

	// FreshnessMarket is the maximum base-bar age during the regular
	// session; FreshnessOffHours applies outside it. Grace is added to both.
	FreshnessMarket   time.Duration
	FreshnessOffHours time.Duration
	FreshnessGrace    time.Duration
	// FreshnessWaitMax bounds how long a run waits for fresh bars before
	// proceeding with what it has.
	FreshnessWaitMax time.Duration

	RunTimeout      time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns the production cadence.
func DefaultConfig() Config {
	return Config{
		Interval:          15 * time.Minute,
		HTF:               "30m",
		TTF:               "5m",
		Workers:           0,
		FreshnessMarket:   5 * time.Minute,
		FreshnessOffHours: time.Hour,
		FreshnessGrace:    5 * time.Minute,
		FreshnessWaitMax:  2 * time.Minute,
		RunTimeout:        10 * time.Minute,
		ShutdownTimeout:   30 * time.Second,
	}
}

// Persister is the slice of the repository the scheduler writes through.
type Persister interface {
	SaveRun(ctx context.Context, run database.PredictionRun) error
	SaveSignals(ctx context.Context, signals []*signal.Signal) error
	SaveAnalysis(ctx context.Context, a *coordinator.Analysis) (int64, error)
	UpdateSchedulerState(ctx context.Context, st database.SchedulerState) error
	PendingSignals(ctx context.Context, limit int) ([]*signal.Signal, error)
	UpdateSignalOutcome(ctx context.Context, sig *signal.Signal) error
}

// RefreshFunc pulls the freshest bars for one symbol into the store before
// analysis. Nil skips the fetch stage (backtests and tests).
type RefreshFunc func(ctx context.Context, symbol string, now time.Time) error

// Scheduler runs the prediction pipeline on a fixed cadence. A tick that
// lands while the previous run is still active is rejected, not queued.
type Scheduler struct {
	cfg      Config
	store    store.BarStore
	repo     Persister
	builder  *bundle.Builder
	coord    *coordinator.Coordinator
	gen      *signal.Generator
	cal      *calendar.Calendar
	refresh  RefreshFunc
	notifier *notification.Manager
	bus      *events.EventBus
	met      *metrics.Metrics
	symbols  func(context.Context) []string
	log      zerolog.Logger

	mu        sync.Mutex
	running   bool
	cancelRun context.CancelFunc

	htf market.Interval
	ttf market.Interval

	stopChan chan struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// Deps carries the scheduler's collaborators.
type Deps struct {
	Store    store.BarStore
	Repo     Persister
	Builder  *bundle.Builder
	Coord    *coordinator.Coordinator
	Gen      *signal.Generator
	Calendar *calendar.Calendar
	Refresh  RefreshFunc
	Notifier *notification.Manager
	Bus      *events.EventBus
	Metrics  *metrics.Metrics
	// Symbols resolves the universe at the start of each run.
	Symbols func(context.Context) []string
	Logger  zerolog.Logger
}

// New creates a scheduler.
func New(cfg Config, deps Deps) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = 15 * time.Minute
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	if cfg.RunTimeout <= 0 {
		cfg.RunTimeout = 10 * time.Minute
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	htf, err := market.ParseInterval(cfg.HTF)
	if err != nil {
		htf = market.Interval30m
	}
	ttf, err := market.ParseInterval(cfg.TTF)
	if err != nil {
		ttf = market.Interval5m
	}
	return &Scheduler{
		cfg:      cfg,
		store:    deps.Store,
		repo:     deps.Repo,
		builder:  deps.Builder,
		coord:    deps.Coord,
		gen:      deps.Gen,
		cal:      deps.Calendar,
		refresh:  deps.Refresh,
		notifier: deps.Notifier,
		bus:      deps.Bus,
		met:      deps.Metrics,
		symbols:  deps.Symbols,
		log:      deps.Logger.With().Str("component", "scheduler").Logger(),
		htf:      htf,
		ttf:      ttf,
		stopChan: make(chan struct{}),
		now:      time.Now,
	}
}

// Start begins the background run loop.
func (s *Scheduler) Start() {
	s.wg.Add(1)
	go s.runLoop()
	s.log.Info().Dur("interval", s.cfg.Interval).Msg("scheduler started")
}

// runLoop fires runs on wall-clock interval boundaries.
func (s *Scheduler) runLoop() {
	defer s.wg.Done()

	for {
		next := s.now().Truncate(s.cfg.Interval).Add(s.cfg.Interval)
		timer := time.NewTimer(time.Until(next))
		select {
		case <-timer.C:
			s.TriggerRun()
		case <-s.stopChan:
			timer.Stop()
			s.log.Info().Msg("scheduler stopped")
			return
		}
	}
}

// TriggerRun starts a run unless one is already active. It reports whether
// the run was admitted.
func (s *Scheduler) TriggerRun() bool {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		if s.met != nil {
			s.met.SchedulerOverlaps.Inc()
		}
		s.log.Warn().Msg("run still active, tick rejected")
		return false
	}
	s.running = true
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.RunTimeout)
	s.cancelRun = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.runOnce(ctx)
		s.mu.Lock()
		s.running = false
		s.cancelRun = nil
		s.mu.Unlock()
	}()
	return true
}

// Running reports whether a run is currently active.
func (s *Scheduler) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// Stop shuts the scheduler down, allowing an in-flight run the shutdown
// budget before cancelling it. The singleton state row is left at STOPPED.
func (s *Scheduler) Stop() {
	close(s.stopChan)

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(s.cfg.ShutdownTimeout):
		s.mu.Lock()
		if s.cancelRun != nil {
			s.cancelRun()
		}
		s.mu.Unlock()
		<-done
	}

	s.persistState(database.SchedulerState{Status: database.SchedulerStopped})
}

// freshnessThreshold is the maximum acceptable base-bar age right now.
func (s *Scheduler) freshnessThreshold(now time.Time) time.Duration {
	if s.cal != nil && s.cal.InRegularSession(now) {
		return s.cfg.FreshnessMarket + s.cfg.FreshnessGrace
	}
	return s.cfg.FreshnessOffHours + s.cfg.FreshnessGrace
}
