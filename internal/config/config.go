package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"quant-alerts/internal/logging"
	"quant-alerts/internal/market"
)

// Config materialises application configuration.
type Config struct {
	App       AppConfig       `mapstructure:"app"`
	Logging   logging.Config  `mapstructure:"logging"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Binance   BinanceConfig   `mapstructure:"binance"`
	Telegram  TelegramConfig  `mapstructure:"telegram"`
	Ingest    IngestConfig    `mapstructure:"ingest"`
	Policies  PoliciesConfig  `mapstructure:"policies"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Workers   WorkersConfig   `mapstructure:"workers"`
	Metrics   MetricsConfig   `mapstructure:"metrics"`
}

// AppConfig general metadata.
type AppConfig struct {
	Name        string `mapstructure:"name"`
	Environment string `mapstructure:"environment"`
}

// DatabaseConfig encapsulates PostgreSQL connectivity.
type DatabaseConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// BinanceConfig covers market-data access, REST and streaming.
type BinanceConfig struct {
	RESTBaseURL    string        `mapstructure:"rest_base_url"`
	StreamBaseURL  string        `mapstructure:"stream_base_url"`
	QuoteAsset     string        `mapstructure:"quote_asset"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	RetryAttempts  int           `mapstructure:"retry_attempts"`
	RetryBackoff   time.Duration `mapstructure:"retry_backoff"`
}

// TelegramConfig describes the outbound notification endpoint.
type TelegramConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	BotToken          string        `mapstructure:"bot_token"`
	ChatID            string        `mapstructure:"chat_id"`
	APIBase           string        `mapstructure:"api_base"`
	RequestTimeout    time.Duration `mapstructure:"request_timeout"`
	MessagesPerMinute int           `mapstructure:"messages_per_minute"`
	MessageLimit      int           `mapstructure:"message_limit"`
}

// IngestConfig governs the streaming ingestion path.
type IngestConfig struct {
	Instruments []string      `mapstructure:"instruments"`
	Timeframes  []string      `mapstructure:"timeframes"`
	Shards      int           `mapstructure:"shards"`
	StaleAfter  time.Duration `mapstructure:"stale_after"`
	SeedBars    int           `mapstructure:"seed_bars"`
}

// PoliciesConfig parameterises the alert flavors.
type PoliciesConfig struct {
	Exclusions  []string          `mapstructure:"exclusions"`
	MACrossover MACrossoverConfig `mapstructure:"ma_crossover"`
	VolumeSpike VolumeSpikeConfig `mapstructure:"volume_spike"`
	PriceChange PriceChangeConfig `mapstructure:"price_change"`
}

// MACrossoverConfig tunes the spot-vs-moving-average policy.
type MACrossoverConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	Timeframe    string `mapstructure:"timeframe"`
	WindowBars   []int  `mapstructure:"window_bars"`
	UniverseSize int    `mapstructure:"universe_size"`
}

// VolumeSpikeConfig tunes the N-bar volume multiple policy.
type VolumeSpikeConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Timeframe    string  `mapstructure:"timeframe"`
	LookbackBars int     `mapstructure:"lookback_bars"`
	Multiple     float64 `mapstructure:"multiple"`
	MinChangePct float64 `mapstructure:"min_change_pct"`
	UniverseSize int     `mapstructure:"universe_size"`
}

// PriceChangeConfig tunes the single-bar percentage change policy.
type PriceChangeConfig struct {
	Enabled      bool    `mapstructure:"enabled"`
	Timeframe    string  `mapstructure:"timeframe"`
	ThresholdPct float64 `mapstructure:"threshold_pct"`
	UniverseSize int     `mapstructure:"universe_size"`
}

// SchedulerConfig governs periodic policy scan cadence.
type SchedulerConfig struct {
	Interval        time.Duration `mapstructure:"interval"`
	Offset          time.Duration `mapstructure:"offset"`
	RunImmediately  bool          `mapstructure:"run_immediately"`
	AdvisoryLockKey int64         `mapstructure:"advisory_lock_key"`
}

// WorkersConfig bounds the parallel fan-out of policy evaluation.
type WorkersConfig struct {
	PoolSize int `mapstructure:"pool_size"`
}

// MetricsConfig controls the prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// Load builds configuration from file, environment, and defaults.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix("QUANTALERTS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
	}

	if err := readConfig(v); err != nil {
		return nil, err
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, decodeHook()); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func readConfig(v *viper.Viper) error {
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			return nil
		}
		return fmt.Errorf("read config: %w", err)
	}
	return nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("app.name", "quantalerts")
	v.SetDefault("app.environment", "development")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "30m")

	v.SetDefault("binance.rest_base_url", "https://api.binance.com")
	v.SetDefault("binance.stream_base_url", "wss://stream.binance.com:9443")
	v.SetDefault("binance.quote_asset", "USDT")
	v.SetDefault("binance.request_timeout", "10s")
	v.SetDefault("binance.retry_attempts", 3)
	v.SetDefault("binance.retry_backoff", "500ms")

	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.api_base", "https://api.telegram.org")
	v.SetDefault("telegram.request_timeout", "10s")
	v.SetDefault("telegram.messages_per_minute", 20)
	v.SetDefault("telegram.message_limit", 4000)

	v.SetDefault("ingest.instruments", []string{"BTCUSDT", "ETHUSDT"})
	v.SetDefault("ingest.timeframes", []string{"15m", "1h", "4h", "1d"})
	v.SetDefault("ingest.shards", 64)
	v.SetDefault("ingest.stale_after", "2m")
	v.SetDefault("ingest.seed_bars", 200)

	v.SetDefault("policies.ma_crossover.enabled", true)
	v.SetDefault("policies.ma_crossover.timeframe", "4h")
	v.SetDefault("policies.ma_crossover.window_bars", []int{200})
	v.SetDefault("policies.ma_crossover.universe_size", 100)
	v.SetDefault("policies.volume_spike.enabled", true)
	v.SetDefault("policies.volume_spike.timeframe", "15m")
	v.SetDefault("policies.volume_spike.lookback_bars", 13)
	v.SetDefault("policies.volume_spike.multiple", 10.0)
	v.SetDefault("policies.volume_spike.min_change_pct", 2.0)
	v.SetDefault("policies.volume_spike.universe_size", 200)
	v.SetDefault("policies.price_change.enabled", true)
	v.SetDefault("policies.price_change.timeframe", "15m")
	v.SetDefault("policies.price_change.threshold_pct", 10.0)
	v.SetDefault("policies.price_change.universe_size", 200)

	v.SetDefault("scheduler.interval", "4h")
	v.SetDefault("scheduler.offset", "30s")
	v.SetDefault("scheduler.run_immediately", false)
	v.SetDefault("scheduler.advisory_lock_key", int64(0x71616C74))

	v.SetDefault("workers.pool_size", 8)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.addr", ":9109")
}

func decodeHook() viper.DecoderConfigOption {
	return func(dc *mapstructure.DecoderConfig) {
		dc.TagName = "mapstructure"
		dc.DecodeHook = mapstructure.ComposeDecodeHookFunc(
			mapstructure.StringToTimeDurationHookFunc(),
			mapstructure.StringToSliceHookFunc(","),
		)
	}
}

// Validate performs basic sanity checks on the configuration values.
func (c *Config) Validate() error {
	if c.Scheduler.Interval <= 0 {
		return fmt.Errorf("scheduler.interval must be greater than zero")
	}
	if c.Ingest.Shards <= 0 {
		return fmt.Errorf("ingest.shards must be greater than zero")
	}
	if c.Ingest.StaleAfter <= 0 {
		return fmt.Errorf("ingest.stale_after must be greater than zero")
	}
	for _, tf := range c.Ingest.Timeframes {
		if _, err := market.ParseTimeframe(tf); err != nil {
			return fmt.Errorf("ingest.timeframes: %w", err)
		}
	}
	if c.Workers.PoolSize <= 0 {
		return fmt.Errorf("workers.pool_size must be greater than zero")
	}
	if c.Telegram.MessagesPerMinute <= 0 {
		return fmt.Errorf("telegram.messages_per_minute must be greater than zero")
	}
	if c.Telegram.MessageLimit <= 0 {
		return fmt.Errorf("telegram.message_limit must be greater than zero")
	}
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}
	for name, pc := range map[string]struct {
		enabled   bool
		timeframe string
	}{
		"ma_crossover": {c.Policies.MACrossover.Enabled, c.Policies.MACrossover.Timeframe},
		"volume_spike": {c.Policies.VolumeSpike.Enabled, c.Policies.VolumeSpike.Timeframe},
		"price_change": {c.Policies.PriceChange.Enabled, c.Policies.PriceChange.Timeframe},
	} {
		if pc.enabled {
			if _, err := market.ParseTimeframe(pc.timeframe); err != nil {
				return fmt.Errorf("policies.%s.timeframe: %w", name, err)
			}
		}
	}
	if c.Policies.VolumeSpike.Enabled {
		if c.Policies.VolumeSpike.LookbackBars <= 0 {
			return fmt.Errorf("policies.volume_spike.lookback_bars must be greater than zero")
		}
		if c.Policies.VolumeSpike.Multiple <= 0 {
			return fmt.Errorf("policies.volume_spike.multiple must be greater than zero")
		}
	}
	if c.Policies.MACrossover.Enabled && len(c.Policies.MACrossover.WindowBars) == 0 {
		return fmt.Errorf("policies.ma_crossover.window_bars must not be empty")
	}
	if c.Policies.PriceChange.Enabled && c.Policies.PriceChange.ThresholdPct <= 0 {
		return fmt.Errorf("policies.price_change.threshold_pct must be greater than zero")
	}
	return nil
}
