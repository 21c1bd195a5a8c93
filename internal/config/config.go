// Package config loads application configuration from defaults, an
// optional YAML file, and HERALD_-prefixed environment variables, in
// that order of precedence.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// envPrefix namespaces the environment variables this service reads.
// A double underscore separates nesting levels, so HERALD_SERVER__PORT
// maps to server.port while single underscores stay inside key names.
const envPrefix = "HERALD_"

// Config is the root application configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Log      LogConfig      `koanf:"log"`
	CORS     CORSConfig     `koanf:"cors"`
	JWT      JWTConfig      `koanf:"jwt" validate:"required"`
	Queue    QueueConfig    `koanf:"queue"`
	Hub      HubConfig      `koanf:"hub"`
	Email    EmailConfig    `koanf:"email"`
	SMS      WebhookConfig  `koanf:"sms"`
	Push     WebhookConfig  `koanf:"push"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
	ShutdownTimeout   time.Duration `koanf:"shutdown_timeout"`
}

// DatabaseConfig holds PostgreSQL settings.
type DatabaseConfig struct {
	URL             string        `koanf:"url" validate:"required"`
	MaxOpenConns    int           `koanf:"max_open_conns"`
	MaxIdleConns    int           `koanf:"max_idle_conns"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout"`
	ConnectAttempts int           `koanf:"connect_attempts"`
	Migrate         bool          `koanf:"migrate"`
}

// RedisConfig holds cache settings. The cache is optional: with Enabled
// false the queue serves stats straight from the database and pause
// state stays process-local.
type RedisConfig struct {
	Enabled         bool   `koanf:"enabled"`
	URL             string `koanf:"url"`
	ConnectAttempts int    `koanf:"connect_attempts"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `koanf:"level" validate:"omitempty,oneof=debug info warn error"`
	Format string `koanf:"format" validate:"omitempty,oneof=text json"`
}

// CORSConfig holds cross-origin settings.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// JWTConfig holds token signing settings.
type JWTConfig struct {
	Secret        string        `koanf:"secret" validate:"required,min=32"`
	TokenDuration time.Duration `koanf:"token_duration"`
	Issuer        string        `koanf:"issuer"`
}

// QueueConfig holds delivery queue tuning.
type QueueConfig struct {
	MaxRetries      int           `koanf:"max_retries" validate:"omitempty,min=1,max=10"`
	RetryDelayBase  time.Duration `koanf:"retry_delay_base"`
	StuckTimeout    time.Duration `koanf:"stuck_timeout"`
	StatsTTL        time.Duration `koanf:"stats_ttl"`
	BatchSize       int           `koanf:"batch_size" validate:"omitempty,min=1,max=1000"`
	PollInterval    time.Duration `koanf:"poll_interval"`
	NumWorkers      int           `koanf:"num_workers" validate:"omitempty,min=1,max=64"`
	JanitorInterval time.Duration `koanf:"janitor_interval"`
	Retention       time.Duration `koanf:"retention"`
}

// HubConfig holds fanout hub housekeeping settings.
type HubConfig struct {
	SweepInterval time.Duration `koanf:"sweep_interval"`
	MaxIdle       time.Duration `koanf:"max_idle"`
}

// EmailConfig holds SMTP settings.
type EmailConfig struct {
	Enabled     bool   `koanf:"enabled"`
	Host        string `koanf:"host"`
	Port        int    `koanf:"port"`
	User        string `koanf:"user"`
	Password    string `koanf:"password"`
	FromAddress string `koanf:"from_address"`
}

// WebhookConfig holds provider gateway settings for a webhook-fronted
// channel.
type WebhookConfig struct {
	Enabled    bool          `koanf:"enabled"`
	Endpoint   string        `koanf:"endpoint"`
	AuthToken  string        `koanf:"auth_token"`
	Timeout    time.Duration `koanf:"timeout"`
	RatePerSec float64       `koanf:"rate_per_sec"`
	Burst      int           `koanf:"burst"`
}

// Default returns the configuration the service runs with when nothing
// is overridden.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       10 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       120 * time.Second,
			ShutdownTimeout:   15 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    20,
			MaxIdleConns:    5,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectTimeout:  30 * time.Second,
			ConnectAttempts: 5,
			Migrate:         true,
		},
		Redis: RedisConfig{
			URL:             "redis://localhost:6379/0",
			ConnectAttempts: 5,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		JWT: JWTConfig{
			TokenDuration: 24 * time.Hour,
			Issuer:        "herald",
		},
		Queue: QueueConfig{
			MaxRetries:      3,
			RetryDelayBase:  5 * time.Minute,
			StuckTimeout:    time.Hour,
			StatsTTL:        30 * time.Second,
			BatchSize:       100,
			PollInterval:    5 * time.Second,
			NumWorkers:      2,
			JanitorInterval: time.Minute,
			Retention:       7 * 24 * time.Hour,
		},
		Hub: HubConfig{
			SweepInterval: time.Minute,
			MaxIdle:       2 * time.Minute,
		},
		Email: EmailConfig{
			Port: 587,
		},
		SMS: WebhookConfig{
			Timeout:    10 * time.Second,
			RatePerSec: 10,
		},
		Push: WebhookConfig{
			Timeout:    10 * time.Second,
			RatePerSec: 50,
		},
	}
}

// Load builds the configuration: defaults first, then the YAML file at
// path (skipped when path is empty), then environment variables.
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

func envKey(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	return strings.ReplaceAll(key, "__", ".")
}
