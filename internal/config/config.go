package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/quarve/tickstream-go/internal/models"
)

type Config struct {
	Environment string           `mapstructure:"environment"`
	LogLevel    string           `mapstructure:"log_level"`
	LogFormat   string           `mapstructure:"log_format"`
	Server      ServerConfig     `mapstructure:"server"`
	Database    DatabaseConfig   `mapstructure:"database"`
	Redis       RedisConfig      `mapstructure:"redis"`
	Telemetry   TelemetryConfig  `mapstructure:"telemetry"`
	MarketData  MarketDataConfig `mapstructure:"market_data"`
	Backfill    BackfillConfig   `mapstructure:"backfill"`
	RateLimit   RateLimitConfig  `mapstructure:"rate_limit"`
	Health      HealthConfig     `mapstructure:"health"`
	Retention   RetentionConfig  `mapstructure:"retention"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Host string `mapstructure:"host"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            int    `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"dbname"`
	SSLMode         string `mapstructure:"sslmode"`
	DatabaseURL     string `mapstructure:"database_url"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MinIdleConns    int    `mapstructure:"min_idle_conns"`
	ConnMaxLifetime string `mapstructure:"conn_max_lifetime"`
}

type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

type TelemetryConfig struct {
	Enabled     bool    `mapstructure:"enabled"`
	ServiceName string  `mapstructure:"service_name"`
	Endpoint    string  `mapstructure:"endpoint"`
	Insecure    bool    `mapstructure:"insecure"`
	SampleRatio float64 `mapstructure:"sample_ratio"`
	LogExport   bool    `mapstructure:"log_export"`
}

// VenueConfig declares one venue to collect from. Markets and symbols are
// fanned out into stream connection groups and backfill tasks.
type VenueConfig struct {
	Name              string   `mapstructure:"name"`
	Markets           []string `mapstructure:"markets"`
	Symbols           []string `mapstructure:"symbols"`
	MaxSymbolsPerConn int      `mapstructure:"max_symbols_per_conn"`
	StreamRPM         int      `mapstructure:"stream_rpm"`
	RestRPM           int      `mapstructure:"rest_rpm"`
	Backfill          bool     `mapstructure:"backfill"`
}

type MarketDataConfig struct {
	Resolutions    []int         `mapstructure:"resolutions"`
	FlushInterval  string        `mapstructure:"flush_interval"`
	StaleBarTTL    string        `mapstructure:"stale_bar_ttl"`
	SilenceTimeout string        `mapstructure:"silence_timeout"`
	Venues         []VenueConfig `mapstructure:"venues"`
}

type BackfillConfig struct {
	Enabled    bool   `mapstructure:"enabled"`
	Horizon    string `mapstructure:"horizon"`
	WindowStep string `mapstructure:"window_step"`
	PageLimit  int    `mapstructure:"page_limit"`
	BatchSize  int    `mapstructure:"batch_size"`
	PageDelay  string `mapstructure:"page_delay"`
}

type RateLimitConfig struct {
	Window         string  `mapstructure:"window"`
	FloorRatio     float64 `mapstructure:"floor_ratio"`
	RecoveryRatio  float64 `mapstructure:"recovery_ratio"`
	RecoveryStreak int     `mapstructure:"recovery_streak"`
	DefaultRPM     int     `mapstructure:"default_rpm"`
}

type HealthConfig struct {
	FailureThreshold int    `mapstructure:"failure_threshold"`
	FailureWindow    string `mapstructure:"failure_window"`
	Cooldown         string `mapstructure:"cooldown"`
}

type RetentionConfig struct {
	Enabled       bool   `mapstructure:"enabled"`
	Interval      string `mapstructure:"interval"`
	TradeMaxAge   string `mapstructure:"trade_max_age"`
	BarMaxAge     string `mapstructure:"bar_max_age"`
	DeleteBatches int    `mapstructure:"delete_batches"`
}

func Load() (*Config, error) {
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./configs")
	viper.AddConfigPath(".")

	// Set default values
	setDefaults()

	// Enable environment variable support
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	// Read config file
	if err := viper.ReadInConfig(); err != nil {
		// Config file not found, use defaults and environment variables
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, err
	}

	// Normalize environment to lowercase for consistent comparison
	config.Environment = strings.ToLower(config.Environment)

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate rejects configurations the collector cannot start with. Venue and
// market names are checked here so typos fail at boot instead of surfacing as
// silent empty pipelines.
func (c *Config) Validate() error {
	if len(c.MarketData.Resolutions) == 0 {
		return fmt.Errorf("market_data.resolutions must list at least one resolution")
	}
	for _, res := range c.MarketData.Resolutions {
		if res <= 0 {
			return fmt.Errorf("invalid resolution %d: must be a positive number of seconds", res)
		}
	}
	for _, v := range c.MarketData.Venues {
		if v.Name == "" {
			return fmt.Errorf("venue entry missing name")
		}
		if len(v.Symbols) == 0 {
			return fmt.Errorf("venue %s: no symbols configured", v.Name)
		}
		for _, m := range v.Markets {
			if _, err := models.ParseMarketType(m); err != nil {
				return fmt.Errorf("venue %s: %w", v.Name, err)
			}
		}
	}
	for key, val := range map[string]string{
		"market_data.flush_interval":  c.MarketData.FlushInterval,
		"market_data.stale_bar_ttl":   c.MarketData.StaleBarTTL,
		"market_data.silence_timeout": c.MarketData.SilenceTimeout,
		"backfill.horizon":            c.Backfill.Horizon,
		"backfill.window_step":        c.Backfill.WindowStep,
		"backfill.page_delay":         c.Backfill.PageDelay,
		"rate_limit.window":           c.RateLimit.Window,
		"health.failure_window":       c.Health.FailureWindow,
		"health.cooldown":             c.Health.Cooldown,
		"retention.interval":          c.Retention.Interval,
		"retention.trade_max_age":     c.Retention.TradeMaxAge,
		"retention.bar_max_age":       c.Retention.BarMaxAge,
	} {
		if val == "" {
			continue
		}
		if _, err := time.ParseDuration(val); err != nil {
			return fmt.Errorf("invalid duration for %s: %w", key, err)
		}
	}
	return nil
}

// DSN returns the connection string for pgx. An explicit database_url wins
// over the individual host/port fields.
func (c DatabaseConfig) DSN() string {
	if c.DatabaseURL != "" {
		return c.DatabaseURL
	}
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.DBName, c.SSLMode,
	)
}

// Duration parses a duration config value, falling back when the value is
// empty or malformed. Validate catches malformed values at load time; the
// fallback keeps constructors usable with hand-built configs in tests.
func Duration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return d
}

func setDefaults() {
	// Environment
	viper.SetDefault("environment", "development")
	viper.SetDefault("log_level", "info")
	viper.SetDefault("log_format", "text")

	// Server
	viper.SetDefault("server.port", 8081)
	viper.SetDefault("server.host", "0.0.0.0")

	// Set database defaults
	viper.SetDefault("database.host", "localhost")
	viper.SetDefault("database.port", 5432)
	viper.SetDefault("database.user", "postgres")
	viper.SetDefault("database.password", "postgres")
	viper.SetDefault("database.dbname", "tickstream")
	viper.SetDefault("database.sslmode", "disable")
	viper.SetDefault("database.database_url", "")
	viper.SetDefault("database.max_open_conns", 25)
	viper.SetDefault("database.min_idle_conns", 5)
	viper.SetDefault("database.conn_max_lifetime", "300s")

	// Redis
	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")
	viper.SetDefault("redis.db", 0)

	// Telemetry
	viper.SetDefault("telemetry.enabled", false)
	viper.SetDefault("telemetry.service_name", "tickstream-collector")
	viper.SetDefault("telemetry.endpoint", "localhost:4318")
	viper.SetDefault("telemetry.insecure", true)
	viper.SetDefault("telemetry.sample_ratio", 1.0)
	viper.SetDefault("telemetry.log_export", false)

	// Market data
	viper.SetDefault("market_data.resolutions", []int{60, 300, 3600})
	viper.SetDefault("market_data.flush_interval", "15s")
	viper.SetDefault("market_data.stale_bar_ttl", "15m")
	viper.SetDefault("market_data.silence_timeout", "90s")

	// Backfill
	viper.SetDefault("backfill.enabled", true)
	viper.SetDefault("backfill.horizon", "72h")
	viper.SetDefault("backfill.window_step", "1h")
	viper.SetDefault("backfill.page_limit", 1000)
	viper.SetDefault("backfill.batch_size", 500)
	viper.SetDefault("backfill.page_delay", "250ms")

	// Rate limiting
	viper.SetDefault("rate_limit.window", "60s")
	viper.SetDefault("rate_limit.floor_ratio", 0.1)
	viper.SetDefault("rate_limit.recovery_ratio", 0.05)
	viper.SetDefault("rate_limit.recovery_streak", 20)
	viper.SetDefault("rate_limit.default_rpm", 600)

	// Health
	viper.SetDefault("health.failure_threshold", 5)
	viper.SetDefault("health.failure_window", "2m")
	viper.SetDefault("health.cooldown", "5m")

	// Retention
	viper.SetDefault("retention.enabled", true)
	viper.SetDefault("retention.interval", "1h")
	viper.SetDefault("retention.trade_max_age", "168h")
	viper.SetDefault("retention.bar_max_age", "720h")
	viper.SetDefault("retention.delete_batches", 10000)
}
