package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"
)

type Config struct {
	DataSourceConfig   DataSourceConfig   `json:"data_source"`
	DatabaseConfig     DatabaseConfig     `json:"database"`
	RedisConfig        RedisConfig        `json:"redis"`
	SchedulerConfig    SchedulerConfig    `json:"scheduler"`
	SignalsConfig      SignalsConfig      `json:"signals"`
	BacktestConfig     BacktestConfig     `json:"backtest"`
	NotificationConfig NotificationConfig `json:"notification"`
	LoggingConfig      LoggingConfig      `json:"logging"`
	MetricsConfig      MetricsConfig      `json:"metrics"`
	UniverseConfig     UniverseConfig     `json:"universe"`
}

// DataSourceConfig holds the market data provider settings.
type DataSourceConfig struct {
	APIToken        string  `json:"api_token"`
	BaseURL         string  `json:"base_url"`
	StreamURL       string  `json:"stream_url"`
	ExchangeSuffix  string  `json:"exchange_suffix"`
	RequestsPerSec  float64 `json:"requests_per_sec"`
	Burst           int     `json:"burst"`
	MaxRetries      int     `json:"max_retries"`
	StreamEnabled   bool    `json:"stream_enabled"`
	FinalizationLag string  `json:"finalization_lag"` // e.g. "3h"
}

// DatabaseConfig holds PostgreSQL connection settings.
type DatabaseConfig struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// RedisConfig holds Redis configuration for indicator caching
type RedisConfig struct {
	Enabled  bool   `json:"enabled"`
	Address  string `json:"address"`
	Password string `json:"password"`
	DB       int    `json:"db"`
	PoolSize int    `json:"pool_size"`
}

// SchedulerConfig holds the prediction run cadence settings.
type SchedulerConfig struct {
	Enabled           bool   `json:"enabled"`
	Interval          string `json:"interval"` // e.g. "15m"
	HTF               string `json:"htf"`
	TTF               string `json:"ttf"`
	Workers           int    `json:"workers"`
	FreshnessMarket   string `json:"freshness_market"`
	FreshnessOffHours string `json:"freshness_off_hours"`
	FreshnessGrace    string `json:"freshness_grace"`
	RunTimeout        string `json:"run_timeout"`
	ShutdownTimeout   string `json:"shutdown_timeout"`
}

// SignalsConfig holds the signal generator gates.
type SignalsConfig struct {
	MinSignalStrength float64 `json:"min_signal_strength"`
	MinConfidence     float64 `json:"min_confidence"`
	ATRMultiple       float64 `json:"atr_multiple"`
	TTLHours          int     `json:"ttl_hours"`
}

// BacktestConfig holds default backtest parameters.
type BacktestConfig struct {
	Strategy         string  `json:"strategy"`
	InitialCapital   float64 `json:"initial_capital"`
	MaxPositions     int     `json:"max_positions"`
	MaxPortfolioRisk float64 `json:"max_portfolio_risk"`
	PerTradeRisk     float64 `json:"per_trade_risk"`
	SlippageBps      float64 `json:"slippage_bps"`
	CommissionBps    float64 `json:"commission_bps"`
}

type NotificationConfig struct {
	Enabled  bool           `json:"enabled"`
	Telegram TelegramConfig `json:"telegram"`
	Discord  DiscordConfig  `json:"discord"`
}

type TelegramConfig struct {
	Enabled  bool   `json:"enabled"`
	BotToken string `json:"bot_token"`
	ChatID   string `json:"chat_id"`
}

type DiscordConfig struct {
	Enabled    bool   `json:"enabled"`
	WebhookURL string `json:"webhook_url"`
}

type LoggingConfig struct {
	Level  string `json:"level"`  // debug, info, warn, error
	Output string `json:"output"` // stdout, stderr, or file path
	Pretty bool   `json:"pretty"` // console writer instead of JSON
}

// MetricsConfig holds the Prometheus endpoint settings.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Listen  string `json:"listen"` // e.g. ":9090"
}

// UniverseConfig holds the symbol universe settings.
type UniverseConfig struct {
	Symbols []string `json:"symbols"`
	// FromDatabase pulls active symbols from market_symbols instead of the
	// static list.
	FromDatabase bool `json:"from_database"`
}

// ConfigError reports an invalid or incomplete configuration. The process
// refuses to start on one.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Reason)
}

func Load() (*Config, error) {
	// First try to load base config from file
	cfg, err := loadFromFile(getEnvOrDefault("CONFIG_FILE", "config.json"))
	if err != nil {
		// If no config file, start with empty config
		cfg = &Config{}
	}

	// Apply environment variable overrides (these take precedence)
	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func loadFromFile(filename string) (*Config, error) {
	data, err := os.ReadFile(filename)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", filename, err)
	}
	return &cfg, nil
}

// applyEnvOverrides applies environment variable overrides to the config
func applyEnvOverrides(cfg *Config) {
	// Data source
	cfg.DataSourceConfig.APIToken = getEnvOrDefault("EODHD_API_TOKEN", cfg.DataSourceConfig.APIToken)
	cfg.DataSourceConfig.BaseURL = getEnvOrDefault("EODHD_BASE_URL", cfg.DataSourceConfig.BaseURL)
	cfg.DataSourceConfig.StreamURL = getEnvOrDefault("EODHD_STREAM_URL", cfg.DataSourceConfig.StreamURL)
	if v := os.Getenv("STREAM_ENABLED"); v != "" {
		cfg.DataSourceConfig.StreamEnabled = v == "true"
	}

	// Database
	cfg.DatabaseConfig.Host = getEnvOrDefault("DB_HOST", cfg.DatabaseConfig.Host)
	cfg.DatabaseConfig.Port = getEnvIntOrDefault("DB_PORT", cfg.DatabaseConfig.Port)
	cfg.DatabaseConfig.User = getEnvOrDefault("DB_USER", cfg.DatabaseConfig.User)
	cfg.DatabaseConfig.Password = getEnvOrDefault("DB_PASSWORD", cfg.DatabaseConfig.Password)
	cfg.DatabaseConfig.Database = getEnvOrDefault("DB_NAME", cfg.DatabaseConfig.Database)
	cfg.DatabaseConfig.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.DatabaseConfig.SSLMode)

	// Redis
	if v := os.Getenv("REDIS_ENABLED"); v != "" {
		cfg.RedisConfig.Enabled = v == "true"
	}
	cfg.RedisConfig.Address = getEnvOrDefault("REDIS_ADDRESS", cfg.RedisConfig.Address)
	cfg.RedisConfig.Password = getEnvOrDefault("REDIS_PASSWORD", cfg.RedisConfig.Password)

	// Scheduler
	if v := os.Getenv("SCHEDULER_ENABLED"); v != "" {
		cfg.SchedulerConfig.Enabled = v == "true"
	}
	cfg.SchedulerConfig.Interval = getEnvOrDefault("SCHEDULER_INTERVAL", cfg.SchedulerConfig.Interval)
	cfg.SchedulerConfig.HTF = getEnvOrDefault("SCHEDULER_HTF", cfg.SchedulerConfig.HTF)
	cfg.SchedulerConfig.TTF = getEnvOrDefault("SCHEDULER_TTF", cfg.SchedulerConfig.TTF)
	cfg.SchedulerConfig.Workers = getEnvIntOrDefault("SCHEDULER_WORKERS", cfg.SchedulerConfig.Workers)

	// Notifications
	if v := os.Getenv("NOTIFICATIONS_ENABLED"); v != "" {
		cfg.NotificationConfig.Enabled = v == "true"
	}
	cfg.NotificationConfig.Telegram.BotToken = getEnvOrDefault("TELEGRAM_BOT_TOKEN", cfg.NotificationConfig.Telegram.BotToken)
	cfg.NotificationConfig.Telegram.ChatID = getEnvOrDefault("TELEGRAM_CHAT_ID", cfg.NotificationConfig.Telegram.ChatID)
	cfg.NotificationConfig.Discord.WebhookURL = getEnvOrDefault("DISCORD_WEBHOOK_URL", cfg.NotificationConfig.Discord.WebhookURL)

	// Logging
	cfg.LoggingConfig.Level = getEnvOrDefault("LOG_LEVEL", cfg.LoggingConfig.Level)
	cfg.LoggingConfig.Output = getEnvOrDefault("LOG_OUTPUT", cfg.LoggingConfig.Output)

	// Metrics
	if v := os.Getenv("METRICS_ENABLED"); v != "" {
		cfg.MetricsConfig.Enabled = v == "true"
	}
	cfg.MetricsConfig.Listen = getEnvOrDefault("METRICS_LISTEN", cfg.MetricsConfig.Listen)
}

func applyDefaults(cfg *Config) {
	if cfg.DataSourceConfig.BaseURL == "" {
		cfg.DataSourceConfig.BaseURL = "https://eodhd.com/api"
	}
	if cfg.DataSourceConfig.StreamURL == "" {
		cfg.DataSourceConfig.StreamURL = "wss://ws.eodhistoricaldata.com/ws/us"
	}
	if cfg.DataSourceConfig.ExchangeSuffix == "" {
		cfg.DataSourceConfig.ExchangeSuffix = "US"
	}
	if cfg.DataSourceConfig.RequestsPerSec <= 0 {
		cfg.DataSourceConfig.RequestsPerSec = 5
	}
	if cfg.DataSourceConfig.Burst <= 0 {
		cfg.DataSourceConfig.Burst = 10
	}
	if cfg.DataSourceConfig.MaxRetries <= 0 {
		cfg.DataSourceConfig.MaxRetries = 3
	}
	if cfg.DataSourceConfig.FinalizationLag == "" {
		cfg.DataSourceConfig.FinalizationLag = "3h"
	}

	if cfg.DatabaseConfig.Host == "" {
		cfg.DatabaseConfig.Host = "localhost"
	}
	if cfg.DatabaseConfig.Port == 0 {
		cfg.DatabaseConfig.Port = 5432
	}
	if cfg.DatabaseConfig.SSLMode == "" {
		cfg.DatabaseConfig.SSLMode = "disable"
	}

	if cfg.RedisConfig.Address == "" {
		cfg.RedisConfig.Address = "localhost:6379"
	}
	if cfg.RedisConfig.PoolSize <= 0 {
		cfg.RedisConfig.PoolSize = 10
	}

	if cfg.SchedulerConfig.Interval == "" {
		cfg.SchedulerConfig.Interval = "15m"
	}
	if cfg.SchedulerConfig.HTF == "" {
		cfg.SchedulerConfig.HTF = "30m"
	}
	if cfg.SchedulerConfig.TTF == "" {
		cfg.SchedulerConfig.TTF = "5m"
	}
	if cfg.SchedulerConfig.FreshnessMarket == "" {
		cfg.SchedulerConfig.FreshnessMarket = "5m"
	}
	if cfg.SchedulerConfig.FreshnessOffHours == "" {
		cfg.SchedulerConfig.FreshnessOffHours = "1h"
	}
	if cfg.SchedulerConfig.FreshnessGrace == "" {
		cfg.SchedulerConfig.FreshnessGrace = "5m"
	}
	if cfg.SchedulerConfig.RunTimeout == "" {
		cfg.SchedulerConfig.RunTimeout = "10m"
	}
	if cfg.SchedulerConfig.ShutdownTimeout == "" {
		cfg.SchedulerConfig.ShutdownTimeout = "30s"
	}

	if cfg.SignalsConfig.MinSignalStrength <= 0 {
		cfg.SignalsConfig.MinSignalStrength = 0.60
	}
	if cfg.SignalsConfig.MinConfidence <= 0 {
		cfg.SignalsConfig.MinConfidence = 0.65
	}
	if cfg.SignalsConfig.ATRMultiple <= 0 {
		cfg.SignalsConfig.ATRMultiple = 2
	}
	if cfg.SignalsConfig.TTLHours <= 0 {
		cfg.SignalsConfig.TTLHours = 24
	}

	if cfg.BacktestConfig.Strategy == "" {
		cfg.BacktestConfig.Strategy = "drummond"
	}
	if cfg.BacktestConfig.InitialCapital <= 0 {
		cfg.BacktestConfig.InitialCapital = 100000
	}
	if cfg.BacktestConfig.MaxPositions <= 0 {
		cfg.BacktestConfig.MaxPositions = 20
	}
	if cfg.BacktestConfig.MaxPortfolioRisk <= 0 {
		cfg.BacktestConfig.MaxPortfolioRisk = 0.10
	}
	if cfg.BacktestConfig.PerTradeRisk <= 0 {
		cfg.BacktestConfig.PerTradeRisk = 0.02
	}
	if cfg.BacktestConfig.SlippageBps == 0 {
		cfg.BacktestConfig.SlippageBps = 2
	}

	if cfg.LoggingConfig.Level == "" {
		cfg.LoggingConfig.Level = "info"
	}
	if cfg.LoggingConfig.Output == "" {
		cfg.LoggingConfig.Output = "stdout"
	}

	if cfg.MetricsConfig.Listen == "" {
		cfg.MetricsConfig.Listen = ":9090"
	}
}

// Validate checks the configuration for values the process cannot run with.
func (c *Config) Validate() error {
	if c.DatabaseConfig.User == "" {
		return &ConfigError{Field: "database.user", Reason: "required"}
	}
	if c.DatabaseConfig.Database == "" {
		return &ConfigError{Field: "database.database", Reason: "required"}
	}
	if c.SchedulerConfig.Enabled && c.DataSourceConfig.APIToken == "" {
		return &ConfigError{Field: "data_source.api_token", Reason: "required when the scheduler is enabled"}
	}
	if _, err := time.ParseDuration(c.SchedulerConfig.Interval); err != nil {
		return &ConfigError{Field: "scheduler.interval", Reason: err.Error()}
	}
	if _, err := time.ParseDuration(c.DataSourceConfig.FinalizationLag); err != nil {
		return &ConfigError{Field: "data_source.finalization_lag", Reason: err.Error()}
	}
	if c.SignalsConfig.MinSignalStrength > 1 || c.SignalsConfig.MinConfidence > 1 {
		return &ConfigError{Field: "signals", Reason: "gates must be in (0, 1]"}
	}
	if !c.UniverseConfig.FromDatabase && len(c.UniverseConfig.Symbols) == 0 {
		return &ConfigError{Field: "universe.symbols", Reason: "empty universe: list symbols or set from_database"}
	}
	return nil
}

// Duration parses a duration field that Validate has already checked.
func Duration(s string) time.Duration {
	d, _ := time.ParseDuration(s)
	return d
}

func getEnvOrDefault(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvIntOrDefault(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// GenerateSampleConfig creates a sample configuration file
func GenerateSampleConfig(filename string) error {
	cfg := Config{
		DataSourceConfig: DataSourceConfig{
			APIToken:        "your_api_token_here",
			BaseURL:         "https://eodhd.com/api",
			StreamURL:       "wss://ws.eodhistoricaldata.com/ws/us",
			ExchangeSuffix:  "US",
			RequestsPerSec:  5,
			Burst:           10,
			MaxRetries:      3,
			StreamEnabled:   true,
			FinalizationLag: "3h",
		},
		DatabaseConfig: DatabaseConfig{
			Host: "localhost", Port: 5432,
			User: "drummond", Password: "",
			Database: "drummond", SSLMode: "disable",
		},
		RedisConfig: RedisConfig{
			Enabled: true, Address: "localhost:6379", PoolSize: 10,
		},
		SchedulerConfig: SchedulerConfig{
			Enabled: true, Interval: "15m", HTF: "30m", TTF: "5m",
		},
		NotificationConfig: NotificationConfig{Enabled: false},
		LoggingConfig:      LoggingConfig{Level: "info", Output: "stdout"},
		MetricsConfig:      MetricsConfig{Enabled: true, Listen: ":9090"},
		UniverseConfig: UniverseConfig{
			Symbols: []string{"AAPL", "MSFT", "NVDA"},
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}

	return os.WriteFile(filename, data, 0644)
}
