// Package config defines all configuration for the market-data pipeline.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via TICKFLOW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"tickflow/pkg/types"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun    bool            `mapstructure:"dry_run"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	Ops       OpsConfig       `mapstructure:"ops"`
	Bus       BusConfig       `mapstructure:"bus"`
	Cache     CacheConfig     `mapstructure:"cache"`
	TSDB      TSDBConfig      `mapstructure:"tsdb"`
	Exchange  ExchangeConfig  `mapstructure:"exchange"`
	Feed      FeedConfig      `mapstructure:"feed"`
	Footprint FootprintConfig `mapstructure:"footprint"`
	Strategy  StrategyConfig  `mapstructure:"strategy"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Oracle    OracleConfig    `mapstructure:"oracle"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// OpsConfig controls the operational HTTP listener (/healthz, /metrics,
// /subscriptions).
type OpsConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// BusConfig holds the Kafka connection settings shared by the producer and
// all consumer groups.
type BusConfig struct {
	Brokers  []string `mapstructure:"brokers"`
	ClientID string   `mapstructure:"client_id"`
}

// CacheConfig holds the Redis hot-cache connection settings.
type CacheConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// TSDBConfig holds the TimescaleDB connection settings.
type TSDBConfig struct {
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
}

// ExchangeConfig tunes the exchange adapter layer.
//
//   - MasterKey: AES-256 key (hex or passphrase) that seals stored API
//     credentials. Required outside dry-run; set via TICKFLOW_MASTER_KEY.
//   - AdapterTTL: how long a compiled per-credential adapter is cached
//     before it is rebuilt (nonce refresh).
//   - RequestTimeout: deadline applied to every adapter network call.
type ExchangeConfig struct {
	MasterKey      string        `mapstructure:"master_key"`
	AdapterTTL     time.Duration `mapstructure:"adapter_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Binance        BinanceConfig `mapstructure:"binance"`
}

// BinanceConfig holds Binance futures endpoints. The testnet pair is used
// for credentials flagged testnet.
type BinanceConfig struct {
	BaseURL        string `mapstructure:"base_url"`
	WSURL          string `mapstructure:"ws_url"`
	TestnetBaseURL string `mapstructure:"testnet_base_url"`
	TestnetWSURL   string `mapstructure:"testnet_ws_url"`
}

// SubscriptionConfig declares one market-data subscription universe entry:
// every kind listed is watched for the (exchange, symbol) pair.
type SubscriptionConfig struct {
	Exchange string   `mapstructure:"exchange"`
	Symbol   string   `mapstructure:"symbol"`
	Kinds    []string `mapstructure:"kinds"`
	Active   bool     `mapstructure:"active"`
}

// FeedConfig controls the market-data feed supervisor.
//
//   - ReconnectDelay: wait between a watch-loop failure and its restart.
//   - HealthCheckInterval: how often silent loops are probed; a loop with
//     no activity for 2x this interval is force-restarted.
type FeedConfig struct {
	ReconnectDelay      time.Duration        `mapstructure:"reconnect_delay"`
	HealthCheckInterval time.Duration        `mapstructure:"health_check_interval"`
	Subscriptions       []SubscriptionConfig `mapstructure:"subscriptions"`
}

// FootprintConfig controls order-flow aggregation.
//
//   - Interval: bar length; bar start = floor(ts/interval)*interval.
//   - Grace: how long past bar end a buffer stays open for stragglers.
//   - DefaultTick: price bucket size for symbols without a registered tick.
type FootprintConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	Grace       time.Duration `mapstructure:"grace"`
	DefaultTick string        `mapstructure:"default_tick"`
}

// StrategyConfig controls the strategy engine scheduler.
type StrategyConfig struct {
	ManageInterval       time.Duration `mapstructure:"manage_interval"`
	EvalInterval         time.Duration `mapstructure:"eval_interval"`
	MaxConsecutiveErrors int           `mapstructure:"max_consecutive_errors"`
}

// ExecutorConfig controls order placement.
type ExecutorConfig struct {
	PlaceRetries int           `mapstructure:"place_retries"`
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	Risk         RiskConfig    `mapstructure:"risk"`
}

// RiskConfig sets the pre-trade limits applied to every signal.
//
//   - MaxUserExposureUSD: cap on a user's combined open order notional.
//   - MaxStrategyExposureUSD: cap on a single strategy's open notional.
//   - MaxSlippageBps: reject market orders whose estimated walk through the
//     cached book moves the price more than this many basis points.
//   - SlippageDepth: how many cached book levels the probe may consume.
type RiskConfig struct {
	MaxUserExposureUSD     float64 `mapstructure:"max_user_exposure_usd"`
	MaxStrategyExposureUSD float64 `mapstructure:"max_strategy_exposure_usd"`
	MaxSlippageBps         float64 `mapstructure:"max_slippage_bps"`
	SlippageDepth          int     `mapstructure:"slippage_depth"`
}

// MarketRef names one (exchange, symbol) pair on a watch list.
type MarketRef struct {
	Exchange string `mapstructure:"exchange"`
	Symbol   string `mapstructure:"symbol"`
}

// OracleConfig controls the periodic order-book imbalance scan.
type OracleConfig struct {
	Interval      time.Duration `mapstructure:"interval"`
	Depth         int           `mapstructure:"depth"`
	BuyThreshold  float64       `mapstructure:"buy_threshold"`
	SellThreshold float64       `mapstructure:"sell_threshold"`
	WatchList     []MarketRef   `mapstructure:"watch_list"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: TICKFLOW_DB_DSN, TICKFLOW_REDIS_PASSWORD,
// TICKFLOW_MASTER_KEY.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("TICKFLOW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	// Override sensitive fields from env
	if dsn := os.Getenv("TICKFLOW_DB_DSN"); dsn != "" {
		cfg.TSDB.DSN = dsn
	}
	if pass := os.Getenv("TICKFLOW_REDIS_PASSWORD"); pass != "" {
		cfg.Cache.Password = pass
	}
	if key := os.Getenv("TICKFLOW_MASTER_KEY"); key != "" {
		cfg.Exchange.MasterKey = key
	}
	if os.Getenv("TICKFLOW_DRY_RUN") == "true" || os.Getenv("TICKFLOW_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	return &cfg, nil
}

// setDefaults installs the documented default for every tunable so a minimal
// config file only has to name connections and subscriptions.
func setDefaults(v *viper.Viper) {
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")

	v.SetDefault("ops.enabled", true)
	v.SetDefault("ops.port", 9090)

	v.SetDefault("bus.client_id", "tickflow")

	v.SetDefault("cache.addr", "localhost:6379")
	v.SetDefault("cache.db", 0)

	v.SetDefault("tsdb.max_open_conns", 16)
	v.SetDefault("tsdb.max_idle_conns", 4)
	v.SetDefault("tsdb.conn_max_lifetime", 30*time.Minute)

	v.SetDefault("exchange.adapter_ttl", 5*time.Minute)
	v.SetDefault("exchange.request_timeout", 30*time.Second)
	v.SetDefault("exchange.binance.base_url", "https://fapi.binance.com")
	v.SetDefault("exchange.binance.ws_url", "wss://fstream.binance.com/stream")
	v.SetDefault("exchange.binance.testnet_base_url", "https://testnet.binancefuture.com")
	v.SetDefault("exchange.binance.testnet_ws_url", "wss://stream.binancefuture.com/stream")

	v.SetDefault("feed.reconnect_delay", 15*time.Second)
	v.SetDefault("feed.health_check_interval", time.Minute)

	v.SetDefault("footprint.interval", time.Minute)
	v.SetDefault("footprint.grace", time.Second)
	v.SetDefault("footprint.default_tick", "0.5")

	v.SetDefault("strategy.manage_interval", 10*time.Second)
	v.SetDefault("strategy.eval_interval", time.Minute)
	v.SetDefault("strategy.max_consecutive_errors", 5)

	v.SetDefault("executor.place_retries", 3)
	v.SetDefault("executor.retry_backoff", 500*time.Millisecond)
	v.SetDefault("executor.risk.max_user_exposure_usd", 10000)
	v.SetDefault("executor.risk.max_strategy_exposure_usd", 2500)
	v.SetDefault("executor.risk.max_slippage_bps", 50)
	v.SetDefault("executor.risk.slippage_depth", 10)

	v.SetDefault("oracle.interval", 30*time.Second)
	v.SetDefault("oracle.depth", 5)
	v.SetDefault("oracle.buy_threshold", 0.65)
	v.SetDefault("oracle.sell_threshold", 0.35)
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if len(c.Bus.Brokers) == 0 {
		return fmt.Errorf("bus.brokers is required")
	}
	if c.TSDB.DSN == "" {
		return fmt.Errorf("tsdb.dsn is required (set TICKFLOW_DB_DSN)")
	}
	if c.Cache.Addr == "" {
		return fmt.Errorf("cache.addr is required")
	}
	if !c.DryRun && c.Exchange.MasterKey == "" {
		return fmt.Errorf("exchange.master_key is required outside dry-run (set TICKFLOW_MASTER_KEY)")
	}
	if c.Feed.ReconnectDelay <= 0 {
		return fmt.Errorf("feed.reconnect_delay must be > 0")
	}
	if c.Feed.HealthCheckInterval <= 0 {
		return fmt.Errorf("feed.health_check_interval must be > 0")
	}
	for i, sub := range c.Feed.Subscriptions {
		if sub.Exchange == "" || sub.Symbol == "" {
			return fmt.Errorf("feed.subscriptions[%d]: exchange and symbol are required", i)
		}
		if len(sub.Kinds) == 0 {
			return fmt.Errorf("feed.subscriptions[%d]: at least one kind is required", i)
		}
		for _, k := range sub.Kinds {
			if !types.SubKind(k).Valid() {
				return fmt.Errorf("feed.subscriptions[%d]: unknown kind %q", i, k)
			}
		}
	}
	if c.Footprint.Interval < time.Second {
		return fmt.Errorf("footprint.interval must be >= 1s")
	}
	if c.Footprint.Grace < 0 {
		return fmt.Errorf("footprint.grace must be >= 0")
	}
	if c.Strategy.ManageInterval <= 0 {
		return fmt.Errorf("strategy.manage_interval must be > 0")
	}
	if c.Strategy.MaxConsecutiveErrors <= 0 {
		return fmt.Errorf("strategy.max_consecutive_errors must be > 0")
	}
	if c.Executor.PlaceRetries < 0 {
		return fmt.Errorf("executor.place_retries must be >= 0")
	}
	if c.Executor.Risk.MaxUserExposureUSD <= 0 {
		return fmt.Errorf("executor.risk.max_user_exposure_usd must be > 0")
	}
	if c.Executor.Risk.MaxStrategyExposureUSD <= 0 {
		return fmt.Errorf("executor.risk.max_strategy_exposure_usd must be > 0")
	}
	if c.Oracle.Interval <= 0 {
		return fmt.Errorf("oracle.interval must be > 0")
	}
	if c.Oracle.SellThreshold <= 0 || c.Oracle.BuyThreshold >= 1 ||
		c.Oracle.SellThreshold >= c.Oracle.BuyThreshold {
		return fmt.Errorf("oracle thresholds must satisfy 0 < sell < buy < 1")
	}
	return nil
}
