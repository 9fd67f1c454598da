// internal/config/config.go
package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var (
	ErrParsingConfig = errors.New("failed to parse config")
	ErrInvalidConfig = errors.New("invalid config")
)

type Config struct {
	HTTPAddr  string `env:"HTTP_ADDR" envDefault:":8080"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"text"`

	// memory | postgres
	StoreDriver string `env:"STORE_DRIVER" envDefault:"memory"`
	DatabaseURL string `env:"DATABASE_URL"`

	// memory | redis
	RateLimitBackend string `env:"RATE_LIMIT_BACKEND" envDefault:"memory"`
	RedisURL         string `env:"REDIS_URL"`

	AMQPURL       string `env:"AMQP_URL"`
	EventsQueue   string `env:"EVENTS_QUEUE" envDefault:"groupcast_events"`
	WebhookURL    string `env:"WEBHOOK_URL"`
	// signs webhook bodies with HMAC-SHA256 when set
	WebhookSecret string `env:"WEBHOOK_SECRET"`

	// hex encoded, 32 bytes; credentials are stored in clear when empty
	CredentialKey string `env:"CREDENTIAL_KEY"`

	PairingTTL  time.Duration `env:"PAIRING_TTL" envDefault:"300s"`
	// opt in to reconnecting restored accounts that hold credentials on startup
	AutoConnect bool          `env:"AUTO_CONNECT" envDefault:"false"`

	Connection ConnectionConfig `envPrefix:"CONN_"`
	Dispatch   DispatchConfig   `envPrefix:"DISPATCH_"`
	Archive    ArchiveConfig    `envPrefix:"S3_"`
	Sandbox    SandboxConfig    `envPrefix:"SANDBOX_"`
}

type ConnectionConfig struct {
	HandshakeTimeout time.Duration `env:"HANDSHAKE_TIMEOUT" envDefault:"60s"`
	MaxRetries       int           `env:"MAX_RETRIES" envDefault:"5"`
	// exponential | fixed
	Backoff       string        `env:"BACKOFF" envDefault:"exponential"`
	BackoffBase   time.Duration `env:"BACKOFF_BASE" envDefault:"2s"`
	BackoffMax    time.Duration `env:"BACKOFF_MAX" envDefault:"60s"`
	JitterPercent uint64        `env:"BACKOFF_JITTER" envDefault:"10"`
}

type DispatchConfig struct {
	MaxTargets    int           `env:"MAX_TARGETS" envDefault:"200"`
	SendDelay     time.Duration `env:"SEND_DELAY" envDefault:"5s"`
	SendTimeout   time.Duration `env:"SEND_TIMEOUT" envDefault:"30s"`
	RateLimit     int           `env:"RATE_LIMIT" envDefault:"20"`
	RateWindow    time.Duration `env:"RATE_WINDOW" envDefault:"1m"`
	MaxRetries    int           `env:"MAX_RETRIES" envDefault:"3"`
	SnapshotEvery int           `env:"SNAPSHOT_EVERY" envDefault:"10"`
	SkipExisting  bool          `env:"SKIP_EXISTING" envDefault:"true"`
}

type ArchiveConfig struct {
	Bucket         string `env:"BUCKET"`
	Region         string `env:"REGION" envDefault:"us-east-1"`
	Endpoint       string `env:"ENDPOINT"`
	AccessKeyID    string `env:"ACCESS_KEY_ID"`
	SecretKey      string `env:"SECRET_ACCESS_KEY"`
	Prefix         string `env:"PREFIX" envDefault:"reports/"`
	ForcePathStyle bool   `env:"FORCE_PATH_STYLE" envDefault:"false"`
}

// SandboxConfig drives the in-process loopback platform.
type SandboxConfig struct {
	Groups     int           `env:"GROUPS" envDefault:"25"`
	PairDelay  time.Duration `env:"PAIR_DELAY" envDefault:"3s"`
	FailRate   float64       `env:"FAIL_RATE" envDefault:"0.05"`
	SendJitter time.Duration `env:"SEND_LATENCY" envDefault:"150ms"`
}

// Load reads .env (when present) and the process environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		slog.Debug("⚠️ No .env file found, relying on OS environment variables")
	}
	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, errors.Join(ErrParsingConfig, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	switch c.StoreDriver {
	case "memory":
	case "postgres":
		if c.DatabaseURL == "" {
			errs = append(errs, fmt.Errorf("DATABASE_URL is required for the postgres store"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.StoreDriver))
	}
	switch c.RateLimitBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			errs = append(errs, fmt.Errorf("REDIS_URL is required for the redis rate limit backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown RATE_LIMIT_BACKEND %q", c.RateLimitBackend))
	}
	if c.Connection.Backoff != "exponential" && c.Connection.Backoff != "fixed" {
		errs = append(errs, fmt.Errorf("unknown CONN_BACKOFF %q", c.Connection.Backoff))
	}
	if c.Connection.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("CONN_MAX_RETRIES must be at least 1"))
	}
	if c.Dispatch.MaxRetries < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_RETRIES must be at least 1"))
	}
	if c.Dispatch.MaxTargets < 1 {
		errs = append(errs, fmt.Errorf("DISPATCH_MAX_TARGETS must be at least 1"))
	}
	if c.CredentialKey != "" {
		if _, err := c.CredentialKeyBytes(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Join(append([]error{ErrInvalidConfig}, errs...)...)
	}
	return nil
}

// CredentialKeyBytes decodes CREDENTIAL_KEY. It returns nil when no key is configured.
func (c *Config) CredentialKeyBytes() ([]byte, error) {
	if c.CredentialKey == "" {
		return nil, nil
	}
	key, err := hex.DecodeString(c.CredentialKey)
	if err != nil {
		return nil, fmt.Errorf("CREDENTIAL_KEY must be hex encoded: %w", err)
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("CREDENTIAL_KEY must decode to 32 bytes, got %d", len(key))
	}
	return key, nil
}
