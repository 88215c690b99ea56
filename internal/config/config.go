package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	Store        string `env:"TASKORCH_STORE" envDefault:"memory"`
	SQLitePath   string `env:"TASKORCH_SQLITE_PATH" envDefault:"taskorch.db"`
	Orchestrator Orchestrator
	Process      Process
	Redis        Redis
	Log          Log
}

// Orchestrator is the policy surface the task service consumes.
type Orchestrator struct {
	MaxRetriesCeiling int           `env:"TASKORCH_MAX_RETRIES_CEILING" envDefault:"10"`
	DefaultMaxRetries int           `env:"TASKORCH_DEFAULT_MAX_RETRIES" envDefault:"3"`
	DefaultTimeout    time.Duration `env:"TASKORCH_DEFAULT_TIMEOUT" envDefault:"10m"`
	LockLease         time.Duration `env:"TASKORCH_LOCK_LEASE" envDefault:"1m"`
	CleanupInterval   time.Duration `env:"TASKORCH_CLEANUP_INTERVAL" envDefault:"5m"`
	HeartbeatInterval time.Duration `env:"TASKORCH_HEARTBEAT_INTERVAL" envDefault:"15s"`
	MonitorInterval   time.Duration `env:"TASKORCH_MONITOR_INTERVAL" envDefault:"30s"`
	Retention         time.Duration `env:"TASKORCH_RETENTION" envDefault:"24h"`
}

// Process configures the external-process executor. The prompt is placed
// between Args and TrailingArgs.
type Process struct {
	Path         string   `env:"TASKORCH_PROCESS_PATH" envDefault:"claude"`
	Args         []string `env:"TASKORCH_PROCESS_ARGS" envDefault:"-p" envSeparator:","`
	TrailingArgs []string `env:"TASKORCH_PROCESS_TRAILING_ARGS" envDefault:"--dangerously-skip-permissions" envSeparator:","`
}

type Redis struct {
	Addr     string `env:"REDIS_ADDRESS" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASSWORD"`
	DB       int    `env:"REDIS_DB"`
	Prefix   string `env:"REDIS_PREFIX" envDefault:"taskorch:"`
}

type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load reads an optional .env file, then the environment.
func Load(envFiles ...string) (*Config, error) {
	if len(envFiles) == 0 {
		envFiles = []string{".env"}
	}
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("load %s: %w", f, err)
		}
	}

	var c Config
	if err := env.Parse(&c); err != nil {
		return nil, err
	}
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) Validate() error {
	switch c.Store {
	case "memory", "redis", "sqlite":
	default:
		return fmt.Errorf("unknown store %q", c.Store)
	}
	o := c.Orchestrator
	if o.MaxRetriesCeiling < 0 || o.DefaultMaxRetries < 0 || o.DefaultMaxRetries > o.MaxRetriesCeiling {
		return fmt.Errorf("default max retries %d must be within [0, %d]", o.DefaultMaxRetries, o.MaxRetriesCeiling)
	}
	for name, d := range map[string]time.Duration{
		"default timeout":    o.DefaultTimeout,
		"lock lease":         o.LockLease,
		"cleanup interval":   o.CleanupInterval,
		"heartbeat interval": o.HeartbeatInterval,
		"monitor interval":   o.MonitorInterval,
		"retention":          o.Retention,
	} {
		if d <= 0 {
			return fmt.Errorf("%s must be positive, got %s", name, d)
		}
	}
	return nil
}
