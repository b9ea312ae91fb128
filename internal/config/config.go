package config

import (
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the full application configuration.
type Config struct {
	Store  StoreConfig  `yaml:"store" mapstructure:"store"`
	API    APIConfig    `yaml:"api" mapstructure:"api"`
	Poll   PollConfig   `yaml:"poll" mapstructure:"poll"`
	SMTP   SMTPConfig   `yaml:"smtp" mapstructure:"smtp"`
	Notify NotifyConfig `yaml:"notify" mapstructure:"notify"`
	Server ServerConfig `yaml:"server" mapstructure:"server"`
	Log    LogConfig    `yaml:"log" mapstructure:"log"`
}

// StoreConfig configures the database backend.
type StoreConfig struct {
	Driver      string `yaml:"driver" mapstructure:"driver"`
	DatabaseURL string `yaml:"database_url" mapstructure:"database_url"`
}

// APIConfig configures the fines lookup client.
type APIConfig struct {
	BaseURL     string  `yaml:"base_url" mapstructure:"base_url"`
	UserAgent   string  `yaml:"user_agent" mapstructure:"user_agent"`
	TimeoutSecs int     `yaml:"timeout_secs" mapstructure:"timeout_secs"`
	MaxRetries  int     `yaml:"max_retries" mapstructure:"max_retries"`
	RatePerSec  float64 `yaml:"rate_per_sec" mapstructure:"rate_per_sec"`
}

// Timeout returns the per-request lookup timeout.
func (c APIConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSecs) * time.Second
}

// PollConfig configures the reconciliation loop.
type PollConfig struct {
	IntervalHours    int     `yaml:"interval_hours" mapstructure:"interval_hours"`
	RequestDelaySecs float64 `yaml:"request_delay_secs" mapstructure:"request_delay_secs"`
	// SkipUnchanged enables the aggregate-fingerprint fast path: when the
	// remote list hashes to the stored fingerprint the detailed diff is
	// skipped for that vehicle.
	SkipUnchanged bool `yaml:"skip_unchanged" mapstructure:"skip_unchanged"`
}

// Interval returns the scheduled run interval.
func (c PollConfig) Interval() time.Duration {
	return time.Duration(c.IntervalHours) * time.Hour
}

// RequestDelay returns the enforced pause after each vehicle. This is a
// rate-limit contract toward the lookup service, not a tunable optimization.
func (c PollConfig) RequestDelay() time.Duration {
	return time.Duration(c.RequestDelaySecs * float64(time.Second))
}

// SMTPConfig holds mail transport credentials. An empty login disables
// the mail notifier.
type SMTPConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	Login    string `yaml:"login" mapstructure:"login"`
	Password string `yaml:"password" mapstructure:"password"`
	From     string `yaml:"from" mapstructure:"from"`
}

// NotifyConfig configures notification delivery. An empty webhook URL
// disables the webhook notifier.
type NotifyConfig struct {
	WebhookURL string `yaml:"webhook_url" mapstructure:"webhook_url"`
}

// ServerConfig configures the HTTP API.
type ServerConfig struct {
	Port int `yaml:"port" mapstructure:"port"`
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
	v.SetEnvPrefix("FINEWATCH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("store.driver", "sqlite")
	v.SetDefault("store.database_url", "finewatch.db")
	v.SetDefault("api.base_url", "https://shtrafy-gibdd.ru/api/v1/fines")
	v.SetDefault("api.user_agent", "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/126.0.0.0 Safari/537.36")
	v.SetDefault("api.timeout_secs", 30)
	v.SetDefault("api.max_retries", 3)
	v.SetDefault("api.rate_per_sec", 0.2)
	v.SetDefault("poll.interval_hours", 24)
	v.SetDefault("poll.request_delay_secs", 6.5)
	v.SetDefault("poll.skip_unchanged", false)
	v.SetDefault("smtp.host", "smtp.gmail.com")
	v.SetDefault("smtp.port", 587)
	v.SetDefault("server.port", 8080)
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
