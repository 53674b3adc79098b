package config

import (
	"strings"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store      StoreConfig      `yaml:"store" mapstructure:"store"`
	Log        LogConfig        `yaml:"log" mapstructure:"log"`
	Server     ServerConfig     `yaml:"server" mapstructure:"server"`
	Upload     UploadConfig     `yaml:"upload" mapstructure:"upload"`
	Retry      RetryConfig      `yaml:"retry" mapstructure:"retry"`
	Redis      RedisConfig      `yaml:"redis" mapstructure:"redis"`
	Monitoring MonitoringConfig `yaml:"monitoring" mapstructure:"monitoring"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
	MaxConns    int32  `yaml:"max_conns" mapstructure:"max_conns"`
	MinConns    int32  `yaml:"min_conns" mapstructure:"min_conns"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `yaml:"level" mapstructure:"level"`
	Format string `yaml:"format" mapstructure:"format"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port                 int      `yaml:"port" mapstructure:"port"`
	MaxConcurrentUploads int      `yaml:"max_concurrent_uploads" mapstructure:"max_concurrent_uploads"`
	MaxUploadMB          int      `yaml:"max_upload_mb" mapstructure:"max_upload_mb"`
	AllowedOrigins       []string `yaml:"allowed_origins" mapstructure:"allowed_origins"`
}

// UploadConfig tunes the ingestion pipeline. Batch sizes and insert timeouts
// are fixed by row count and deliberately absent here.
type UploadConfig struct {
	SplitSize         int    `yaml:"split_size" mapstructure:"split_size"`
	YieldMs           int    `yaml:"yield_ms" mapstructure:"yield_ms"`
	MaxReportedErrors int    `yaml:"max_reported_errors" mapstructure:"max_reported_errors"`
	ReconcileMode     string `yaml:"reconcile_mode" mapstructure:"reconcile_mode"`
	BatchesPerSec     int    `yaml:"batches_per_sec" mapstructure:"batches_per_sec"`
	BreakerThreshold  int    `yaml:"breaker_threshold" mapstructure:"breaker_threshold"`
	BreakerResetSecs  int    `yaml:"breaker_reset_secs" mapstructure:"breaker_reset_secs"`
	DeadLetter        bool   `yaml:"dead_letter" mapstructure:"dead_letter"`
	MaxDLQRetries     int    `yaml:"max_dlq_retries" mapstructure:"max_dlq_retries"`
	LogStepPct        int    `yaml:"log_step_pct" mapstructure:"log_step_pct"`
}

// RetryConfig configures backoff for counter reconciliation and dead-letter
// retries.
type RetryConfig struct {
	MaxAttempts      int `yaml:"max_attempts" mapstructure:"max_attempts"`
	InitialBackoffMs int `yaml:"initial_backoff_ms" mapstructure:"initial_backoff_ms"`
	MaxBackoffMs     int `yaml:"max_backoff_ms" mapstructure:"max_backoff_ms"`
}

// RedisConfig enables progress fan-out. An empty URL disables it.
type RedisConfig struct {
	URL           string `yaml:"url" mapstructure:"url"`
	ChannelPrefix string `yaml:"channel_prefix" mapstructure:"channel_prefix"`
	TTLSecs       int    `yaml:"ttl_secs" mapstructure:"ttl_secs"`
}

// MonitoringConfig configures upload health checks and alerting.
type MonitoringConfig struct {
	WebhookURL           string  `yaml:"webhook_url" mapstructure:"webhook_url"`
	FailureRateThreshold float64 `yaml:"failure_rate_threshold" mapstructure:"failure_rate_threshold"`
	LookbackWindowHours  int     `yaml:"lookback_window_hours" mapstructure:"lookback_window_hours"`
	CheckIntervalSecs    int     `yaml:"check_interval_secs" mapstructure:"check_interval_secs"`
}

// Load reads configuration from file and environment.
func Load() (*Config, error) {
	v := viper.New()

	// Config file
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")

	// Environment
	v.SetEnvPrefix("LEADS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "postgres")
	v.SetDefault("store.database_url", "")
	v.SetDefault("store.max_conns", 10)
	v.SetDefault("store.min_conns", 2)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_concurrent_uploads", 4)
	v.SetDefault("server.max_upload_mb", 32)
	v.SetDefault("server.allowed_origins", []string{"*"})
	v.SetDefault("upload.split_size", 10)
	v.SetDefault("upload.yield_ms", 50)
	v.SetDefault("upload.max_reported_errors", 100)
	v.SetDefault("upload.reconcile_mode", "atomic")
	v.SetDefault("upload.batches_per_sec", 0)
	v.SetDefault("upload.breaker_threshold", 0)
	v.SetDefault("upload.breaker_reset_secs", 30)
	v.SetDefault("upload.dead_letter", true)
	v.SetDefault("upload.max_dlq_retries", 3)
	v.SetDefault("upload.log_step_pct", 10)
	v.SetDefault("retry.max_attempts", 3)
	v.SetDefault("retry.initial_backoff_ms", 200)
	v.SetDefault("retry.max_backoff_ms", 5000)
	v.SetDefault("redis.url", "")
	v.SetDefault("redis.channel_prefix", "leads:upload")
	v.SetDefault("redis.ttl_secs", 3600)
	v.SetDefault("monitoring.webhook_url", "")
	v.SetDefault("monitoring.failure_rate_threshold", 0.2)
	v.SetDefault("monitoring.lookback_window_hours", 24)
	v.SetDefault("monitoring.check_interval_secs", 300)

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

// Validate checks the settings a command mode depends on. Modes: "upload",
// "serve", "migrate", "read".
func (c *Config) Validate(mode string) error {
	var errs []string

	switch c.Store.Driver {
	case "postgres":
		if c.Store.DatabaseURL == "" {
			errs = append(errs, "store.database_url is required for the postgres driver")
		}
	case "sqlite":
	default:
		errs = append(errs, "store.driver must be postgres or sqlite")
	}

	switch mode {
	case "migrate", "read":
	case "upload", "serve":
		if c.Upload.SplitSize < 1 {
			errs = append(errs, "upload.split_size must be >= 1")
		}
		if c.Upload.YieldMs < 0 {
			errs = append(errs, "upload.yield_ms must be >= 0")
		}
		if c.Upload.BatchesPerSec < 0 {
			errs = append(errs, "upload.batches_per_sec must be >= 0")
		}
		switch c.Upload.ReconcileMode {
		case "", "atomic", "read_write":
		default:
			errs = append(errs, "upload.reconcile_mode must be atomic or read_write")
		}
		if mode == "serve" {
			if c.Server.Port <= 0 {
				errs = append(errs, "server.port must be > 0")
			}
			if c.Server.MaxConcurrentUploads < 1 || c.Server.MaxConcurrentUploads > 64 {
				errs = append(errs, "server.max_concurrent_uploads must be between 1 and 64")
			}
			if c.Monitoring.FailureRateThreshold < 0 || c.Monitoring.FailureRateThreshold > 1 {
				errs = append(errs, "monitoring.failure_rate_threshold must be between 0 and 1")
			}
		}
	default:
		return eris.Errorf("config: unknown mode %q", mode)
	}

	if len(errs) > 0 {
		return eris.Errorf("config: %s", strings.Join(errs, "; "))
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
