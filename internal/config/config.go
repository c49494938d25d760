// Package config loads service configuration from defaults, an optional YAML
// file and SMSRELAY_ environment variables, in that order.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/bissquit/sms-relay/internal/delivery"
	"github.com/go-playground/validator/v10"
	"github.com/go-viper/mapstructure/v2"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix is the prefix of environment overrides. Nested keys are joined
// with a double underscore, e.g. SMSRELAY_PROVIDER__BASE_URL.
const EnvPrefix = "SMSRELAY_"

// Storage drivers.
const (
	StoragePostgres = "postgres"
	StorageMemory   = "memory"
)

// Config is the full service configuration.
type Config struct {
	Server   ServerConfig   `koanf:"server"`
	Database DatabaseConfig `koanf:"database"`
	Redis    RedisConfig    `koanf:"redis"`
	Log      LogConfig      `koanf:"log"`
	Auth     AuthConfig     `koanf:"auth"`
	CORS     CORSConfig     `koanf:"cors"`
	Storage  StorageConfig  `koanf:"storage"`
	Provider ProviderConfig `koanf:"provider"`
	Breaker  BreakerConfig  `koanf:"breaker"`
	Retry    RetryConfig    `koanf:"retry"`
	Sweeper  SweeperConfig  `koanf:"sweeper"`
	Queue    QueueConfig    `koanf:"queue"`
	Webhook  WebhookConfig  `koanf:"webhook"`
}

// ServerConfig configures the API and metrics listeners.
type ServerConfig struct {
	Host              string        `koanf:"host"`
	Port              string        `koanf:"port" validate:"required"`
	MetricsPort       string        `koanf:"metrics_port" validate:"required"`
	ReadTimeout       time.Duration `koanf:"read_timeout"`
	ReadHeaderTimeout time.Duration `koanf:"read_header_timeout"`
	WriteTimeout      time.Duration `koanf:"write_timeout"`
	IdleTimeout       time.Duration `koanf:"idle_timeout"`
}

// DatabaseConfig configures the PostgreSQL pool.
type DatabaseConfig struct {
	URL             string        `koanf:"url"`
	MaxOpenConns    int           `koanf:"max_open_conns" validate:"gte=1"`
	MaxIdleConns    int           `koanf:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `koanf:"conn_max_lifetime"`
	ConnectAttempts int           `koanf:"connect_attempts" validate:"gte=1"`
	ConnectTimeout  time.Duration `koanf:"connect_timeout" validate:"gt=0"`
	AutoMigrate     bool          `koanf:"auto_migrate"`
}

// RedisConfig configures the durable retry scheduler. An empty Addr selects
// the in-process scheduler.
type RedisConfig struct {
	Addr         string        `koanf:"addr"`
	Password     string        `koanf:"password"`
	DB           int           `koanf:"db" validate:"gte=0"`
	Key          string        `koanf:"key"`
	PollInterval time.Duration `koanf:"poll_interval"`
	BatchSize    int64         `koanf:"batch_size"`
	RetryDelay   time.Duration `koanf:"retry_delay"`
}

// Enabled reports whether a Redis server is configured.
func (c RedisConfig) Enabled() bool {
	return c.Addr != ""
}

// LogConfig configures the slog handler.
type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json text"`
}

// AuthConfig configures admin bearer tokens. An empty secret disables auth.
type AuthConfig struct {
	JWTSecret string `koanf:"jwt_secret"`
	Issuer    string `koanf:"issuer"`
}

// CORSConfig lists origins allowed to call the API from a browser.
type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

// StorageConfig selects the queue store.
type StorageConfig struct {
	Driver string `koanf:"driver" validate:"oneof=postgres memory"`
}

// ProviderConfig configures the SMS gateway client.
type ProviderConfig struct {
	BaseURL           string        `koanf:"base_url" validate:"required,url"`
	APIKey            string        `koanf:"api_key"`
	From              string        `koanf:"from"`
	StatusCallbackURL string        `koanf:"status_callback_url" validate:"omitempty,url"`
	Timeout           time.Duration `koanf:"timeout"`
	SendTimeout       time.Duration `koanf:"send_timeout"`
	RateLimit         float64       `koanf:"rate_limit" validate:"gte=0"`
	Burst             int           `koanf:"burst" validate:"gte=0"`
}

// BreakerConfig configures the provider circuit breaker.
type BreakerConfig struct {
	FailureThreshold int           `koanf:"failure_threshold" validate:"gte=1"`
	SuccessThreshold int           `koanf:"success_threshold" validate:"gte=1"`
	ResetTimeout     time.Duration `koanf:"reset_timeout" validate:"gt=0"`
}

// RetryConfig holds the backoff schedule between attempts. PollInterval is
// how often due retries are picked up from the store when Redis is not
// configured.
type RetryConfig struct {
	Backoff      []time.Duration `koanf:"backoff"`
	PollInterval time.Duration   `koanf:"poll_interval" validate:"gt=0"`
}

// SweeperConfig configures the stalled message sweeper.
type SweeperConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Interval     time.Duration `koanf:"interval" validate:"gt=0"`
	BatchSize    int           `koanf:"batch_size" validate:"gte=1"`
	MaxBatches   int           `koanf:"max_batches" validate:"gte=1"`
	BatchPause   time.Duration `koanf:"batch_pause"`
	GracePeriod  time.Duration `koanf:"grace_period"`
	Concurrency  int           `koanf:"concurrency" validate:"gte=1"`
	DueLaneLimit int           `koanf:"due_lane_limit" validate:"gte=1"`
}

// QueueConfig holds per-entry defaults and the callback replay cache.
type QueueConfig struct {
	MaxRetries        int           `koanf:"max_retries" validate:"gte=0"`
	TimeoutMinutes    int           `koanf:"timeout_minutes" validate:"gte=1"`
	CallbackCacheSize int           `koanf:"callback_cache_size" validate:"gte=0"`
	CallbackCacheTTL  time.Duration `koanf:"callback_cache_ttl"`
}

// WebhookConfig configures delivery callback verification.
type WebhookConfig struct {
	Secret string `koanf:"secret"`
}

// Default returns the configuration used when nothing overrides it.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Host:              "0.0.0.0",
			Port:              "8080",
			MetricsPort:       "9090",
			ReadTimeout:       15 * time.Second,
			ReadHeaderTimeout: 5 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
		Database: DatabaseConfig{
			MaxOpenConns:    10,
			MaxIdleConns:    2,
			ConnMaxLifetime: 30 * time.Minute,
			ConnectAttempts: 5,
			ConnectTimeout:  30 * time.Second,
			AutoMigrate:     true,
		},
		Redis: RedisConfig{
			Key:          "smsrelay:retries",
			PollInterval: time.Second,
			BatchSize:    100,
			RetryDelay:   30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Auth: AuthConfig{
			Issuer: "sms-relay",
		},
		Storage: StorageConfig{
			Driver: StoragePostgres,
		},
		Provider: ProviderConfig{
			Timeout:     10 * time.Second,
			SendTimeout: 15 * time.Second,
			RateLimit:   10,
			Burst:       1,
		},
		Breaker: BreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 3,
			ResetTimeout:     time.Minute,
		},
		Retry: RetryConfig{
			Backoff:      delivery.DefaultRetryPolicy().Backoff,
			PollInterval: 5 * time.Second,
		},
		Sweeper: SweeperConfig{
			Enabled:      true,
			Interval:     time.Minute,
			BatchSize:    100,
			MaxBatches:   10,
			BatchPause:   500 * time.Millisecond,
			GracePeriod:  5 * time.Minute,
			Concurrency:  4,
			DueLaneLimit: 100,
		},
		Queue: QueueConfig{
			MaxRetries:        3,
			TimeoutMinutes:    10,
			CallbackCacheSize: 10000,
			CallbackCacheTTL:  time.Hour,
		},
	}
}

// Load builds the configuration. path may be empty to skip the YAML file.
func Load(path string) (*Config, error) {
	ko := koanf.New(".")

	if path != "" {
		if err := ko.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	if err := ko.Load(env.Provider(EnvPrefix, ".", envKey), nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	cfg := Default()
	if ko.Exists("retry.backoff") {
		// Replace the default schedule instead of merging element-wise.
		cfg.Retry.Backoff = nil
	}
	err := ko.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{
		Tag: "koanf",
		DecoderConfig: &mapstructure.DecoderConfig{
			DecodeHook: mapstructure.ComposeDecodeHookFunc(
				mapstructure.StringToTimeDurationHookFunc(),
				mapstructure.StringToSliceHookFunc(","),
			),
			Result:           &cfg,
			WeaklyTypedInput: true,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envKey maps SMSRELAY_PROVIDER__BASE_URL to provider.base_url.
func envKey(s string) string {
	key := strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	return strings.ReplaceAll(key, "__", ".")
}

// Validate checks the configuration for values the service cannot run with.
func (c *Config) Validate() error {
	var errs []error

	if err := validator.New().Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				errs = append(errs, fmt.Errorf("%s: failed %q check", fe.Namespace(), fe.Tag()))
			}
		} else {
			errs = append(errs, err)
		}
	}

	if err := c.RetryPolicy().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("retry.backoff: %w", err))
	}
	if c.Storage.Driver == StoragePostgres && c.Database.URL == "" {
		errs = append(errs, errors.New("database.url is required for postgres storage"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

// RetryPolicy returns the configured retry schedule.
func (c *Config) RetryPolicy() delivery.RetryPolicy {
	return delivery.RetryPolicy{Backoff: c.Retry.Backoff}
}

// EnqueueDefaults returns the per-entry defaults applied when a request omits them.
func (c *Config) EnqueueDefaults() delivery.EnqueueOptions {
	return delivery.EnqueueOptions{
		MaxRetries:     c.Queue.MaxRetries,
		TimeoutMinutes: c.Queue.TimeoutMinutes,
	}
}
