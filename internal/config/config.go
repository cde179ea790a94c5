package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/rewired-gh/trendpilot/internal/models"
	"github.com/spf13/viper"
)

// Config represents the complete application configuration
type Config struct {
	Agent      AgentConfig      `mapstructure:"agent"`
	Twitter    TwitterConfig    `mapstructure:"twitter"`
	Oracle     OracleConfig     `mapstructure:"oracle"`
	Candidates CandidatesConfig `mapstructure:"candidates"`
	Executor   ExecutorConfig   `mapstructure:"executor"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Storage    StorageConfig    `mapstructure:"storage"`
	Metrics    MetricsConfig    `mapstructure:"metrics"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// AgentConfig holds the trading loop tunables
type AgentConfig struct {
	MinTrendScore         float64       `mapstructure:"min_trend_score"`
	MaxPositions          int           `mapstructure:"max_positions"`
	MaxInvestmentPerTrade float64       `mapstructure:"max_investment_per_trade"`
	StopLossPercent       float64       `mapstructure:"stop_loss_percent"`
	TakeProfitPercent     float64       `mapstructure:"take_profit_percent"`
	RiskThreshold         float64       `mapstructure:"risk_threshold"`
	CycleInterval         time.Duration `mapstructure:"cycle_interval"`
	CacheTTL              time.Duration `mapstructure:"cache_ttl"`
	CallTimeout           time.Duration `mapstructure:"call_timeout"`
	AutoTrading           bool          `mapstructure:"auto_trading"`
	ActivityLogSize       int           `mapstructure:"activity_log_size"`
}

// TwitterConfig holds the trend source configuration
type TwitterConfig struct {
	APIURL         string        `mapstructure:"api_url"`
	BearerToken    string        `mapstructure:"bearer_token"`
	WOEID          int           `mapstructure:"woeid"`
	Timeout        time.Duration `mapstructure:"timeout"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
	VolumeCeiling  float64       `mapstructure:"volume_ceiling"`
}

// OracleConfig holds the price oracle configuration
type OracleConfig struct {
	APIURL          string            `mapstructure:"api_url"`
	APIKey          string            `mapstructure:"api_key"`
	VsCurrency      string            `mapstructure:"vs_currency"`
	SymbolIDs       map[string]string `mapstructure:"symbol_ids"`
	Timeout         time.Duration     `mapstructure:"timeout"`
	BreakerFailures uint32            `mapstructure:"breaker_failures"`
	BreakerTimeout  time.Duration     `mapstructure:"breaker_timeout"`
}

// CandidatesConfig holds the DEX candidate resolver configuration
type CandidatesConfig struct {
	APIURL             string        `mapstructure:"api_url"`
	ChainID            string        `mapstructure:"chain_id"`
	ReferenceLiquidity float64       `mapstructure:"reference_liquidity"`
	MaxCandidates      int           `mapstructure:"max_candidates"`
	Timeout            time.Duration `mapstructure:"timeout"`
}

// ExecutorConfig selects how trades are executed
type ExecutorConfig struct {
	Mode string `mapstructure:"mode"`
}

// TelegramConfig holds Telegram notification configuration
type TelegramConfig struct {
	BotToken       string        `mapstructure:"bot_token"`
	ChatID         string        `mapstructure:"chat_id"`
	Enabled        bool          `mapstructure:"enabled"`
	MaxRetries     int           `mapstructure:"max_retries"`
	RetryDelayBase time.Duration `mapstructure:"retry_delay_base"`
}

// RedisConfig holds the event stream publisher configuration
type RedisConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Stream   string `mapstructure:"stream"`
	MaxLen   int64  `mapstructure:"max_len"`
}

// StorageConfig holds the journal configuration
type StorageConfig struct {
	Enabled        bool          `mapstructure:"enabled"`
	DBPath         string        `mapstructure:"db_path"`
	MaxActivities  int           `mapstructure:"max_activities"`
	RotateInterval time.Duration `mapstructure:"rotate_interval"`
}

// MetricsConfig holds the Prometheus endpoint configuration
type MetricsConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	ListenAddr string `mapstructure:"listen_addr"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configuration from file and environment variables.
// An empty path loads defaults and environment only.
func Load(path string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	// TRENDPILOT_TWITTER_BEARER_TOKEN overrides twitter.bearer_token
	v.SetEnvPrefix("TRENDPILOT")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// setDefaults configures default values for all configuration options
func setDefaults(v *viper.Viper) {
	d := models.DefaultAgentConfig()

	// Agent defaults
	v.SetDefault("agent.min_trend_score", d.MinTrendScore)
	v.SetDefault("agent.max_positions", d.MaxPositions)
	v.SetDefault("agent.max_investment_per_trade", d.MaxInvestmentPerTrade)
	v.SetDefault("agent.stop_loss_percent", d.StopLossPercent)
	v.SetDefault("agent.take_profit_percent", d.TakeProfitPercent)
	v.SetDefault("agent.risk_threshold", d.RiskThreshold)
	v.SetDefault("agent.cycle_interval", d.CycleInterval.String())
	v.SetDefault("agent.cache_ttl", d.CacheTTL.String())
	v.SetDefault("agent.call_timeout", d.CallTimeout.String())
	v.SetDefault("agent.auto_trading", false)
	v.SetDefault("agent.activity_log_size", 100)

	// Twitter defaults
	v.SetDefault("twitter.api_url", "https://api.twitter.com")
	v.SetDefault("twitter.bearer_token", "")
	v.SetDefault("twitter.woeid", 1) // worldwide
	v.SetDefault("twitter.timeout", "10s")
	v.SetDefault("twitter.max_retries", 3)
	v.SetDefault("twitter.retry_delay_base", "1s")
	v.SetDefault("twitter.volume_ceiling", 10000.0)

	// Oracle defaults
	v.SetDefault("oracle.api_url", "https://api.coingecko.com")
	v.SetDefault("oracle.api_key", "")
	v.SetDefault("oracle.vs_currency", "usd")
	v.SetDefault("oracle.timeout", "10s")
	v.SetDefault("oracle.breaker_failures", 5)
	v.SetDefault("oracle.breaker_timeout", "30s")

	// Candidate resolver defaults
	v.SetDefault("candidates.api_url", "https://api.dexscreener.com")
	v.SetDefault("candidates.chain_id", "")
	v.SetDefault("candidates.reference_liquidity", 100000.0)
	v.SetDefault("candidates.max_candidates", 5)
	v.SetDefault("candidates.timeout", "10s")

	v.SetDefault("executor.mode", "paper")

	// Telegram defaults
	v.SetDefault("telegram.bot_token", "")
	v.SetDefault("telegram.chat_id", "")
	v.SetDefault("telegram.enabled", false)
	v.SetDefault("telegram.max_retries", 3)
	v.SetDefault("telegram.retry_delay_base", "1s")

	// Redis defaults
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.stream", "trendpilot:events")
	v.SetDefault("redis.max_len", 10000)

	// Storage defaults
	v.SetDefault("storage.enabled", true)
	v.SetDefault("storage.db_path", "./data/trendpilot.db")
	v.SetDefault("storage.max_activities", 10000)
	v.SetDefault("storage.rotate_interval", "1h")

	// Metrics defaults
	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.listen_addr", ":9090")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks that all configuration values are valid
func (c *Config) Validate() error {
	// Validate Agent config
	if err := c.AgentSettings().Validate(); err != nil {
		return fmt.Errorf("agent: %w", err)
	}
	if c.Agent.ActivityLogSize < 1 {
		return fmt.Errorf("agent.activity_log_size must be at least 1")
	}

	// Validate Twitter config
	if c.Twitter.APIURL == "" {
		return fmt.Errorf("twitter.api_url is required")
	}
	if c.Twitter.BearerToken == "" {
		return fmt.Errorf("twitter.bearer_token is required")
	}
	if c.Twitter.Timeout <= 0 {
		return fmt.Errorf("twitter.timeout must be positive")
	}
	if c.Twitter.VolumeCeiling <= 0 {
		return fmt.Errorf("twitter.volume_ceiling must be positive")
	}

	// Validate Oracle config
	if c.Oracle.APIURL == "" {
		return fmt.Errorf("oracle.api_url is required")
	}
	if c.Oracle.Timeout <= 0 {
		return fmt.Errorf("oracle.timeout must be positive")
	}

	// Validate Candidates config
	if c.Candidates.APIURL == "" {
		return fmt.Errorf("candidates.api_url is required")
	}
	if c.Candidates.ReferenceLiquidity <= 0 {
		return fmt.Errorf("candidates.reference_liquidity must be positive")
	}
	if c.Candidates.MaxCandidates < 1 {
		return fmt.Errorf("candidates.max_candidates must be at least 1")
	}

	if c.Executor.Mode != "paper" {
		return fmt.Errorf("executor.mode must be one of: paper")
	}

	// Validate Telegram config
	if c.Telegram.Enabled {
		if c.Telegram.BotToken == "" {
			return fmt.Errorf("telegram.bot_token is required when telegram is enabled")
		}
		if c.Telegram.ChatID == "" {
			return fmt.Errorf("telegram.chat_id is required when telegram is enabled")
		}
	}

	if c.Redis.Enabled && c.Redis.Addr == "" {
		return fmt.Errorf("redis.addr is required when redis is enabled")
	}

	// Validate Storage config
	if c.Storage.Enabled {
		if c.Storage.MaxActivities < 1 {
			return fmt.Errorf("storage.max_activities must be at least 1")
		}
		if c.Storage.RotateInterval < 1*time.Minute {
			return fmt.Errorf("storage.rotate_interval must be at least 1 minute")
		}
	}

	if c.Metrics.Enabled && c.Metrics.ListenAddr == "" {
		return fmt.Errorf("metrics.listen_addr is required when metrics is enabled")
	}

	// Validate Logging config
	validLogLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLogLevels[c.Logging.Level] {
		return fmt.Errorf("logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Logging.Format] {
		return fmt.Errorf("logging.format must be one of: json, text")
	}

	return nil
}

// AgentSettings converts the agent section to the agent's runtime config
func (c *Config) AgentSettings() models.AgentConfig {
	a := c.Agent
	return models.AgentConfig{
		MinTrendScore:         a.MinTrendScore,
		MaxPositions:          a.MaxPositions,
		MaxInvestmentPerTrade: a.MaxInvestmentPerTrade,
		StopLossPercent:       a.StopLossPercent,
		TakeProfitPercent:     a.TakeProfitPercent,
		RiskThreshold:         a.RiskThreshold,
		CycleInterval:         a.CycleInterval,
		CacheTTL:              a.CacheTTL,
		CallTimeout:           a.CallTimeout,
	}
}
