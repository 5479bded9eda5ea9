package config

import (
	"fmt"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Anthropic  ProviderConfig   `yaml:"anthropic" mapstructure:"anthropic"`
	OpenAI     ProviderConfig   `yaml:"openai" mapstructure:"openai"`
	Gemini     ProviderConfig   `yaml:"gemini" mapstructure:"gemini"`
	Explorer   ExplorerConfig   `yaml:"explorer" mapstructure:"explorer"`
	PriceFeed  PriceFeedConfig  `yaml:"pricefeed" mapstructure:"pricefeed"`
	Labels     LabelsConfig     `yaml:"labels" mapstructure:"labels"`
	Gather     GatherConfig     `yaml:"gather" mapstructure:"gather"`
	Selector   SelectorConfig   `yaml:"selector" mapstructure:"selector"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Circuit    CircuitConfig    `yaml:"circuit" mapstructure:"circuit"`
	Jobs       JobsConfig       `yaml:"jobs" mapstructure:"jobs"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
	Pricing    PricingConfig    `yaml:"pricing" mapstructure:"pricing"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the job store backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// RedisConfig configures the optional lookup cache. Empty Addr disables it.
type RedisConfig struct {
	Addr          string `yaml:"addr" mapstructure:"addr"`
	Password      string `yaml:"password" mapstructure:"password"`
	DB            int    `yaml:"db" mapstructure:"db"`
	LookupTTLSecs int    `yaml:"lookup_ttl_secs" mapstructure:"lookup_ttl_secs"`
}

// ProviderConfig holds one AI provider's credentials and models.
type ProviderConfig struct {
	Key       string `yaml:"key" mapstructure:"key"`
	BaseURL   string `yaml:"base_url" mapstructure:"base_url"`
	FastModel string `yaml:"fast_model" mapstructure:"fast_model"`
	DeepModel string `yaml:"deep_model" mapstructure:"deep_model"`
}

// ExplorerConfig configures the block explorer client.
type ExplorerConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	Key         string  `yaml:"key" mapstructure:"key"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	RecentSize  int     `yaml:"recent_size" mapstructure:"recent_size"`
}

// PriceFeedConfig configures reference price sources.
type PriceFeedConfig struct {
	CoinGeckoURL string             `yaml:"coingecko_url" mapstructure:"coingecko_url"`
	CoinbaseURL  string             `yaml:"coinbase_url" mapstructure:"coinbase_url"`
	TimeoutSecs  int                `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	Fallback     map[string]float64 `yaml:"fallback" mapstructure:"fallback"`
}

// LabelsConfig points at the entity label file.
type LabelsConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// GatherConfig configures context aggregation.
type GatherConfig struct {
	LookupTimeoutSecs int `yaml:"lookup_timeout_secs" mapstructure:"lookup_timeout_secs"`
}

// SelectorConfig configures provider routing.
type SelectorConfig struct {
	Order             []string `yaml:"order" mapstructure:"order"`
	FastTimeoutSecs   int      `yaml:"fast_timeout_secs" mapstructure:"fast_timeout_secs"`
	DeepTimeoutSecs   int      `yaml:"deep_timeout_secs" mapstructure:"deep_timeout_secs"`
	FastMaxTokens     int      `yaml:"fast_max_tokens" mapstructure:"fast_max_tokens"`
	DeepMaxTokens     int      `yaml:"deep_max_tokens" mapstructure:"deep_max_tokens"`
	DeepAmountUSD     float64  `yaml:"deep_amount_usd" mapstructure:"deep_amount_usd"`
	DeepActivityCount int      `yaml:"deep_activity_count" mapstructure:"deep_activity_count"`
	DeepContextBytes  int      `yaml:"deep_context_bytes" mapstructure:"deep_context_bytes"`
}

// RetryConfig configures per-provider retries.
type RetryConfig struct {
	MaxAttempts    int     `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoff int     `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoff     int     `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
	Multiplier     float64 `yaml:"multiplier" mapstructure:"multiplier"`
	JitterFraction float64 `yaml:"jitter_fraction" mapstructure:"jitter_fraction"`
}

// CircuitConfig configures per-provider circuit breakers.
type CircuitConfig struct {
	FailureThreshold int `yaml:"failure_threshold" mapstructure:"failure_threshold"`
	ResetTimeoutSecs int `yaml:"reset_timeout_secs" mapstructure:"reset_timeout_secs"`
}

// JobsConfig configures job processing.
type JobsConfig struct {
	Workers         int `yaml:"workers" mapstructure:"workers"`
	ReuseWindowMins int `yaml:"reuse_window_mins" mapstructure:"reuse_window_mins"`
	StaleAfterMins  int `yaml:"stale_after_mins" mapstructure:"stale_after_mins"`
}

// MonitoringConfig configures the background alert checker.
type MonitoringConfig struct {
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
	LookbackWindowHours  int     `yaml:"lookback_hours" mapstructure:"lookback_hours"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	CostThresholdUSD     float64 `yaml:"cost_threshold_usd" mapstructure:"cost_threshold_usd"`
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// PricingConfig holds per-provider, per-model token pricing (USD per
// million tokens). Entries override the built-in rates.
type PricingConfig map[string]map[string]ModelPricing

// ModelPricing holds per-model token pricing.
type ModelPricing struct {
	Input  float64 `yaml:"input" mapstructure:"input"`
	Output float64 `yaml:"output" mapstructure:"output"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	Port            int      `yaml:"port" mapstructure:"port"`
	CORSOrigins     []string `yaml:"cors_origins" mapstructure:"cors_origins"`
	ShutdownTimeout int      `yaml:"shutdown_timeout_secs" mapstructure:"shutdown_timeout_secs"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("WHALE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Secrets and optional settings have empty defaults so AutomaticEnv
	// can populate them during Unmarshal.
	for _, key := range []string{
		"anthropic.key", "anthropic.base_url", "openai.key", "gemini.key",
		"explorer.key", "redis.addr", "redis.password", "labels.path",
		"monitoring.webhook_url",
	} {
		v.SetDefault(key, "")
	}

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "whale-analyst.db")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 1)
	v.SetDefault("redis.lookup_ttl_secs", 600)
	v.SetDefault("anthropic.fast_model", "claude-haiku-4-5-20251001")
	v.SetDefault("anthropic.deep_model", "claude-sonnet-4-5-20250929")
	v.SetDefault("openai.base_url", "https://api.openai.com/v1")
	v.SetDefault("openai.fast_model", "gpt-4o-mini")
	v.SetDefault("openai.deep_model", "gpt-4o")
	v.SetDefault("gemini.base_url", "https://generativelanguage.googleapis.com/v1beta")
	v.SetDefault("gemini.fast_model", "gemini-2.5-flash")
	v.SetDefault("gemini.deep_model", "gemini-2.5-pro")
	v.SetDefault("explorer.base_url", "https://api.etherscan.io/v2/api")
	v.SetDefault("explorer.rate_per_sec", 5.0)
	v.SetDefault("explorer.timeout_secs", 10)
	v.SetDefault("explorer.recent_size", 25)
	v.SetDefault("pricefeed.coingecko_url", "https://api.coingecko.com/api/v3")
	v.SetDefault("pricefeed.coinbase_url", "https://api.coinbase.com/v2")
	v.SetDefault("pricefeed.timeout_secs", 5)
	v.SetDefault("gather.lookup_timeout_secs", 5)
	v.SetDefault("selector.order", []string{"anthropic", "openai", "gemini"})
	v.SetDefault("selector.fast_timeout_secs", 30)
	v.SetDefault("selector.deep_timeout_secs", 120)
	v.SetDefault("selector.fast_max_tokens", 1024)
	v.SetDefault("selector.deep_max_tokens", 4096)
	v.SetDefault("selector.deep_amount_usd", 1_000_000.0)
	v.SetDefault("selector.deep_activity_count", 10_000)
	v.SetDefault("selector.deep_context_bytes", 16*1024)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 1000)
	v.SetDefault("retry.max_backoff_ms", 10_000)
	v.SetDefault("retry.multiplier", 2.0)
	v.SetDefault("retry.jitter_fraction", 0.25)
	v.SetDefault("circuit.failure_threshold", 5)
	v.SetDefault("circuit.reset_timeout_secs", 60)
	v.SetDefault("jobs.workers", 8)
	v.SetDefault("jobs.reuse_window_mins", 60)
	v.SetDefault("jobs.stale_after_mins", 30)
	v.SetDefault("monitoring.check_interval_secs", 300)
	v.SetDefault("monitoring.lookback_hours", 24)
	v.SetDefault("monitoring.failure_rate_threshold", 0.25)
	v.SetDefault("monitoring.cost_threshold_usd", 0.0)
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.shutdown_timeout_secs", 30)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Read config file (optional)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, eris.Wrap(err, "config: read file")
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, eris.Wrap(err, "config: unmarshal")
	}

	return &cfg, nil
}

// Validate checks the settings a command needs. mode is the command name:
// "serve", "submit", "migrate" or "jobs".
func (c *Config) Validate(mode string) error {
	var problems []string

	switch c.Store.Driver {
	case "memory":
		if mode != "serve" {
			problems = append(problems, "store.driver memory only works with serve")
		}
	case "sqlite", "postgres":
		if c.Store.DatabaseURL == "" {
			problems = append(problems, "store.database_url is required")
		}
	default:
		problems = append(problems, fmt.Sprintf("store.driver %q is not one of memory, sqlite, postgres", c.Store.Driver))
	}

	if mode == "serve" {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			problems = append(problems, fmt.Sprintf("server.port %d is out of range", c.Server.Port))
		}
		if c.Anthropic.Key == "" && c.OpenAI.Key == "" && c.Gemini.Key == "" {
			problems = append(problems, "at least one of anthropic.key, openai.key, gemini.key is required")
		}
		if c.Jobs.Workers <= 0 {
			problems = append(problems, "jobs.workers must be positive")
		}
		if c.Retry.MaxAttempts <= 0 {
			problems = append(problems, "retry.max_attempts must be positive")
		}
		if t := c.Monitoring.FailureRateThreshold; t < 0 || t > 1 {
			problems = append(problems, "monitoring.failure_rate_threshold must be between 0 and 1")
		}
	}

	if len(problems) > 0 {
		return eris.Errorf("config: %s", strings.Join(problems, "; "))
	}
	return nil
}

// InitLogger initializes the global zap logger.
func InitLogger(cfg LogConfig) error {
	var zapCfg zap.Config
	if cfg.Format == "console" {
		zapCfg = zap.NewDevelopmentConfig()
	} else {
		zapCfg = zap.NewProductionConfig()
	}

	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		return eris.Wrap(err, "config: parse log level")
	}
	zapCfg.Level.SetLevel(level)

	logger, err := zapCfg.Build()
	if err != nil {
		return eris.Wrap(err, "config: build logger")
	}
	zap.ReplaceGlobals(logger)

	return nil
}
