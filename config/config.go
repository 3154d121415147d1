package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

const envPrefix = "PLACEMENT"

type Config struct {
	Database Database
	Service  Service
	Redis    Redis
	Relay    Relay
	Engine   Engine
}

type Database struct {
	URL      string `envconfig:"DATABASE_URL" default:""`
	MaxConns int32  `envconfig:"DB_MAX_CONNS" default:"20"`
}

type Service struct {
	Address   string `envconfig:"HTTP_ADDRESS" default:":8080"`
	JWTSecret string `envconfig:"JWT_SECRET" default:""`
	LogLevel  string `envconfig:"LOG_LEVEL" default:"info"`
	LogFormat string `envconfig:"LOG_FORMAT" default:"console"`
}

// Redis is optional; an empty Addr routes outbox messages to the log sink.
type Redis struct {
	Addr     string `envconfig:"REDIS_ADDR" default:""`
	Password string `envconfig:"REDIS_PASSWORD" default:""`
	DB       int    `envconfig:"REDIS_DB" default:"0"`
	Stream   string `envconfig:"REDIS_STREAM" default:"placement-events"`
}

type Relay struct {
	Interval    time.Duration `envconfig:"RELAY_INTERVAL" default:"2s"`
	BatchSize   int           `envconfig:"RELAY_BATCH" default:"50"`
	MaxAttempts int           `envconfig:"RELAY_MAX_ATTEMPTS" default:"10"`
	MaxBackoff  time.Duration `envconfig:"RELAY_MAX_BACKOFF" default:"5m"`
	Embedded    bool          `envconfig:"RELAY_EMBEDDED" default:"true"`
}

type Engine struct {
	MaxAttempts   int  `envconfig:"ENGINE_MAX_ATTEMPTS" default:"3"`
	AutoConfirm   bool `envconfig:"AUTO_CONFIRM" default:"false"`
	GuaranteeDays int  `envconfig:"GUARANTEE_DAYS" default:"90"`
}

// GuaranteePeriod is the window applied when confirmations auto-confirm a placement.
func (e Engine) GuaranteePeriod() time.Duration {
	return time.Duration(e.GuaranteeDays) * 24 * time.Hour
}

// New reads the configuration from PLACEMENT_* environment variables.
func New() (*Config, error) {
	cfg := new(Config)
	// Each section is processed on its own so keys stay flat
	// (PLACEMENT_DATABASE_URL, not PLACEMENT_DATABASE_DATABASE_URL).
	for _, section := range []any{&cfg.Database, &cfg.Service, &cfg.Redis, &cfg.Relay, &cfg.Engine} {
		if err := envconfig.Process(envPrefix, section); err != nil {
			return nil, fmt.Errorf("config: process env: %w", err)
		}
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Engine.MaxAttempts <= 0 {
		return fmt.Errorf("config: ENGINE_MAX_ATTEMPTS must be positive")
	}
	if c.Engine.GuaranteeDays < 0 {
		return fmt.Errorf("config: GUARANTEE_DAYS must not be negative")
	}
	if c.Relay.BatchSize <= 0 {
		return fmt.Errorf("config: RELAY_BATCH must be positive")
	}
	if c.Relay.Interval <= 0 {
		return fmt.Errorf("config: RELAY_INTERVAL must be positive")
	}
	return nil
}
