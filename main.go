package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"drummond-analytics/config"
	"drummond-analytics/internal/bundle"
	"drummond-analytics/internal/cache"
	"drummond-analytics/internal/calendar"
	"drummond-analytics/internal/coordinator"
	"drummond-analytics/internal/database"
	"drummond-analytics/internal/events"
	"drummond-analytics/internal/ingest"
	"drummond-analytics/internal/logging"
	"drummond-analytics/internal/market"
	"drummond-analytics/internal/metrics"
	"drummond-analytics/internal/notification"
	"drummond-analytics/internal/scheduler"
	tradesignal "drummond-analytics/internal/signal"
	"drummond-analytics/internal/store"
)

const analysisWindow = 200

func main() {
	if len(os.Args) > 1 && os.Args[1] == "generate-config" {
		if err := config.GenerateSampleConfig("config.json"); err != nil {
			log.Fatalf("Failed to generate sample config: %v", err)
		}
		log.Println("Wrote config.json")
		return
	}

	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	// Initialize structured logging
	logger := logging.New(logging.Config{
		Level:  cfg.LoggingConfig.Level,
		Output: cfg.LoggingConfig.Output,
		Pretty: cfg.LoggingConfig.Pretty,
	})
	logging.SetDefault(logger)
	logger.Info().Msg("structured logging initialized")

	// Initialize event bus
	eventBus := events.NewEventBus()

	// Initialize notification manager
	var notifyManager *notification.Manager
	if cfg.NotificationConfig.Enabled {
		notifyManager = notification.NewManager()

		if cfg.NotificationConfig.Telegram.Enabled {
			notifyManager.AddNotifier(notification.NewTelegramNotifier(notification.TelegramConfig{
				BotToken: cfg.NotificationConfig.Telegram.BotToken,
				ChatID:   cfg.NotificationConfig.Telegram.ChatID,
				Enabled:  cfg.NotificationConfig.Telegram.Enabled,
			}))
			logger.Info().Msg("telegram notifications enabled")
		}
		if cfg.NotificationConfig.Discord.Enabled {
			notifyManager.AddNotifier(notification.NewDiscordNotifier(notification.DiscordConfig{
				WebhookURL: cfg.NotificationConfig.Discord.WebhookURL,
				Enabled:    cfg.NotificationConfig.Discord.Enabled,
			}))
			logger.Info().Msg("discord notifications enabled")
		}
	}

	// Initialize database
	db, err := database.NewDB(database.Config{
		Host:     cfg.DatabaseConfig.Host,
		Port:     cfg.DatabaseConfig.Port,
		User:     cfg.DatabaseConfig.User,
		Password: cfg.DatabaseConfig.Password,
		Database: cfg.DatabaseConfig.Database,
		SSLMode:  cfg.DatabaseConfig.SSLMode,
	})
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.RunMigrations(ctx); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	repo := database.NewRepository(db)

	// Seed the static universe so the symbol table is complete before the
	// first run.
	for _, sym := range cfg.UniverseConfig.Symbols {
		if _, err := repo.EnsureSymbol(ctx, sym); err != nil {
			log.Fatalf("Failed to register symbol %s: %v", sym, err)
		}
	}
	symbols := universeFunc(cfg, repo, logger)
	startupSymbols := symbols(ctx)
	if len(startupSymbols) == 0 {
		log.Fatalf("Empty symbol universe")
	}

	// Trading calendar
	cal, err := calendar.NewNYSE()
	if err != nil {
		log.Fatalf("Failed to load trading calendar: %v", err)
	}

	// Metrics
	met, registry := metrics.New()
	var metricsServer *http.Server
	if cfg.MetricsConfig.Enabled {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler(registry))
		metricsServer = &http.Server{Addr: cfg.MetricsConfig.Listen, Handler: mux}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				logger.Error().Err(err).Msg("metrics server failed")
			}
		}()
		logger.Info().Str("listen", cfg.MetricsConfig.Listen).Msg("metrics endpoint up")
	}

	// Indicator cache (optional; the pipeline degrades to recomputation)
	var indicatorCache *cache.IndicatorCache
	if cfg.RedisConfig.Enabled {
		cacheService, err := cache.NewCacheService(cfg.RedisConfig)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, indicator caching disabled")
		} else {
			indicatorCache = cache.NewIndicatorCache(cacheService, cache.DefaultIndicatorTTL)
			repo.OnUpdate(indicatorCache.Listener())
			defer cacheService.Close()
		}
	}

	// Bundle cache invalidates on bar upserts
	bundleCache := bundle.NewCache()
	repo.OnUpdate(bundleCache.Listener())
	repo.OnUpdate(func(symbol string, interval market.Interval) {
		eventBus.PublishBarsUpserted(symbol, string(interval), 0, 0)
	})
	builder := bundle.NewBuilder(repo, bundle.DefaultConfig(), bundleCache, analysisWindow)
	if indicatorCache != nil {
		builder.SetExternal(indicatorCache.Bundles("default", func(hit bool) {
			outcome := "miss"
			if hit {
				outcome = "hit"
			}
			met.CacheHits.WithLabelValues(outcome).Inc()
		}))
	}

	// Ingestion clients
	clientCfg := ingest.DefaultClientConfig()
	clientCfg.BaseURL = cfg.DataSourceConfig.BaseURL
	clientCfg.APIToken = cfg.DataSourceConfig.APIToken
	clientCfg.Exchange = cfg.DataSourceConfig.ExchangeSuffix
	clientCfg.RequestsPerSecond = cfg.DataSourceConfig.RequestsPerSec
	clientCfg.Burst = cfg.DataSourceConfig.Burst
	clientCfg.MaxRetries = cfg.DataSourceConfig.MaxRetries

	historical := ingest.NewHistoricalClient(clientCfg, logger)
	live := ingest.NewLiveClient(clientCfg, logger)

	finalizationLag := config.Duration(cfg.DataSourceConfig.FinalizationLag)
	reconciler := ingest.NewReconciler(repo, cal, finalizationLag, logger)

	// Real-time stream feeds a per-symbol buffer the refresh stage drains.
	streamBuf := newStreamBuffer()
	var stream *ingest.StreamClient
	if cfg.DataSourceConfig.StreamEnabled {
		streamCfg := ingest.DefaultStreamConfig()
		streamCfg.URL = cfg.DataSourceConfig.StreamURL
		streamCfg.APIToken = cfg.DataSourceConfig.APIToken
		streamCfg.Exchange = cfg.DataSourceConfig.ExchangeSuffix
		stream = ingest.NewStreamClient(streamCfg, cal, market.BaseInterval, startupSymbols, logger)
		if err := stream.Start(); err != nil {
			logger.Warn().Err(err).Msg("stream start failed, continuing with polled sources")
			stream = nil
		} else {
			go streamBuf.collect(stream.Bars())
			go watchStream(stream, eventBus, met)
		}
	}

	refresh := refreshFunc(historical, live, stream, streamBuf, reconciler, finalizationLag, met)

	// Historical backfill runs in the background; the scheduler starts on
	// whatever coverage already exists.
	backfiller := ingest.NewBackfiller(historical, repo, cal, ingest.DefaultBackfillConfig(), logger)
	go runBackfill(ctx, backfiller, repo, met, notifyManager, startupSymbols, logger)

	// Analysis pipeline
	coordCfg := coordinator.DefaultConfig()
	coord := coordinator.New(coordCfg, winRatePrior(repo))

	sigCfg := tradesignal.DefaultConfig()
	sigCfg.MinSignalStrength = cfg.SignalsConfig.MinSignalStrength
	sigCfg.MinConfidence = cfg.SignalsConfig.MinConfidence
	sigCfg.ATRMultiple = cfg.SignalsConfig.ATRMultiple
	sigCfg.TTL = time.Duration(cfg.SignalsConfig.TTLHours) * time.Hour
	gen := tradesignal.NewGenerator(sigCfg)

	// Scheduler
	schedCfg := scheduler.DefaultConfig()
	schedCfg.Interval = config.Duration(cfg.SchedulerConfig.Interval)
	schedCfg.HTF = cfg.SchedulerConfig.HTF
	schedCfg.TTF = cfg.SchedulerConfig.TTF
	schedCfg.Workers = cfg.SchedulerConfig.Workers
	schedCfg.FreshnessMarket = config.Duration(cfg.SchedulerConfig.FreshnessMarket)
	schedCfg.FreshnessOffHours = config.Duration(cfg.SchedulerConfig.FreshnessOffHours)
	schedCfg.FreshnessGrace = config.Duration(cfg.SchedulerConfig.FreshnessGrace)
	schedCfg.RunTimeout = config.Duration(cfg.SchedulerConfig.RunTimeout)
	schedCfg.ShutdownTimeout = config.Duration(cfg.SchedulerConfig.ShutdownTimeout)

	sched := scheduler.New(schedCfg, scheduler.Deps{
		Store:    repo,
		Repo:     repo,
		Builder:  builder,
		Coord:    coord,
		Gen:      gen,
		Calendar: cal,
		Refresh:  refresh,
		Notifier: notifyManager,
		Bus:      eventBus,
		Metrics:  met,
		Symbols:  symbols,
		Logger:   logger,
	})
	if cfg.SchedulerConfig.Enabled {
		sched.Start()
	} else {
		logger.Info().Msg("scheduler disabled, running ingestion only")
	}

	log.Printf("Drummond analytics up: %d symbols, cadence %s (%s/%s)",
		len(startupSymbols), cfg.SchedulerConfig.Interval,
		cfg.SchedulerConfig.HTF, cfg.SchedulerConfig.TTF)

	// Wait for interrupt signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Shutting down...")

	if cfg.SchedulerConfig.Enabled {
		sched.Stop()
	}
	if stream != nil {
		stream.Stop()
	}
	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			log.Printf("Error shutting down metrics server: %v", err)
		}
		cancel()
	}

	log.Println("Shutdown complete")
}

// universeFunc resolves the symbol universe per run: the active rows of
// market_symbols, or the static config list.
func universeFunc(cfg *config.Config, repo *database.Repository, logger zerolog.Logger) func(context.Context) []string {
	if !cfg.UniverseConfig.FromDatabase {
		static := cfg.UniverseConfig.Symbols
		return func(context.Context) []string { return static }
	}
	return func(ctx context.Context) []string {
		syms, err := repo.ActiveSymbols(ctx)
		if err != nil {
			logger.Warn().Err(err).Msg("active symbol query failed, universe empty this run")
			return nil
		}
		return syms
	}
}

// refreshFunc builds the per-symbol fetch stage: historical bars for the
// finalized part of the window, the delayed live feed for the rest, plus
// whatever the stream buffered since the last run.
func refreshFunc(historical *ingest.HistoricalClient, live *ingest.LiveClient,
	stream *ingest.StreamClient, buf *streamBuffer, rec *ingest.Reconciler,
	lag time.Duration, met *metrics.Metrics) scheduler.RefreshFunc {

	return func(ctx context.Context, symbol string, now time.Time) error {
		windowStart := now.Add(-24 * time.Hour)
		cut := now.Add(-lag)

		set := ingest.SourceSet{
			Symbol:   symbol,
			Interval: market.BaseInterval,
			Stream:   buf.drain(symbol),
		}
		if stream != nil {
			set.StreamConnected = stream.Connected()
		}

		histBars, err := historical.FetchBars(ctx, symbol, market.BaseInterval, windowStart, cut)
		if err != nil {
			met.IngestErrors.WithLabelValues("historical").Inc()
			return err
		}
		set.Historical = histBars

		liveBars, err := live.FetchBars(ctx, symbol, market.BaseInterval, cut, now)
		if err != nil {
			met.IngestErrors.WithLabelValues("live").Inc()
			return err
		}
		set.Live = liveBars

		if _, _, err := rec.Reconcile(ctx, now, set); err != nil {
			met.IngestErrors.WithLabelValues("reconcile").Inc()
			return err
		}
		return nil
	}
}

// winRatePrior feeds the coordinator's historical term from evaluated signal
// outcomes. Thin history falls back to the neutral prior.
func winRatePrior(repo *database.Repository) coordinator.PriorProvider {
	const minEvaluated = 20
	return func(symbol string, t time.Time) float64 {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		rate, n, err := repo.SignalWinRate(ctx, symbol)
		if err != nil || n < minEvaluated {
			return 0.5
		}
		return rate
	}
}

// runBackfill walks the last 30 days for every symbol and records per-symbol
// status and quality.
func runBackfill(ctx context.Context, b *ingest.Backfiller, repo *database.Repository,
	met *metrics.Metrics, notify *notification.Manager, symbols []string, logger zerolog.Logger) {

	now := time.Now().UTC()
	statuses := b.RunJob(ctx, symbols, market.BaseInterval, now.AddDate(0, 0, -30), now, now)

	var completed, failed, skipped int
	var qualitySum float64
	for sym, st := range statuses {
		met.BackfillQuality.WithLabelValues(sym).Set(st.QualityScore)
		qualitySum += st.QualityScore
		switch st.State {
		case ingest.BackfillCompleted:
			completed++
		case ingest.BackfillFailed:
			failed++
		case ingest.BackfillSkipped:
			skipped++
		}
		if err := repo.SaveBackfillStatus(ctx, st); err != nil {
			logger.Warn().Err(err).Str("symbol", sym).Msg("backfill status persist failed")
		}
	}

	if notify != nil && len(statuses) > 0 {
		avgQuality := qualitySum / float64(len(statuses))
		if err := notify.SendBackfillReport(completed, failed, skipped, avgQuality); err != nil {
			logger.Warn().Err(err).Msg("backfill report notification failed")
		}
	}
}

// watchStream mirrors stream connectivity into the gauge and the event bus.
func watchStream(stream *ingest.StreamClient, bus *events.EventBus, met *metrics.Metrics) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	last := false
	for range ticker.C {
		connected := stream.Connected()
		if connected {
			met.StreamConnected.Set(1)
		} else {
			met.StreamConnected.Set(0)
		}
		if connected != last {
			reason := "connected"
			if !connected {
				reason = "disconnected"
			}
			bus.PublishStreamStatus(connected, reason)
			last = connected
		}
	}
}

// streamBuffer accumulates pushed bars between scheduler runs.
type streamBuffer struct {
	mu   sync.Mutex
	bars map[string][]market.Bar
}

func newStreamBuffer() *streamBuffer {
	return &streamBuffer{bars: make(map[string][]market.Bar)}
}

func (b *streamBuffer) collect(ch <-chan market.Bar) {
	for bar := range ch {
		b.mu.Lock()
		b.bars[bar.Symbol] = append(b.bars[bar.Symbol], bar)
		b.mu.Unlock()
	}
}

func (b *streamBuffer) drain(symbol string) []market.Bar {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := b.bars[symbol]
	delete(b.bars, symbol)
	return out
}

var _ store.BarStore = (*database.Repository)(nil)
