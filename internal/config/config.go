package config

import (
	"flag"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config represents the application configuration
type Config struct {
	// Storage configuration
	Storage StorageConfig `envPrefix:"STORAGE_"`

	// Queue configuration
	Queue QueueConfig `envPrefix:"QUEUE_"`

	// Acknowledgment configuration
	Ack AckConfig `envPrefix:"ACK_"`

	// Reconnection configuration
	Reconnect ReconnectConfig `envPrefix:"RECONNECT_"`

	// Synchronization configuration
	Sync SyncConfig `envPrefix:"SYNC_"`

	// Remote backend configuration
	Remote RemoteConfig `envPrefix:"REMOTE_"`

	// Logging configuration
	Logging LoggingConfig `envPrefix:"LOG_"`

	// Metrics configuration
	Metrics MetricsConfig `envPrefix:"METRICS_"`
}

// StorageConfig holds durable store configuration
type StorageConfig struct {
	// DataDir is the base directory for the local message store
	DataDir string `env:"DATA_DIR" envDefault:"./data"`
	// GCMaxAge is how long terminal message records are retained
	GCMaxAge time.Duration `env:"GC_MAX_AGE" envDefault:"168h"`
	// GCInterval is how often old terminal records are swept
	GCInterval time.Duration `env:"GC_INTERVAL" envDefault:"1h"`
}

// QueueConfig holds priority queue and processing configuration
type QueueConfig struct {
	// MaxSize bounds the in-memory queue; enqueues beyond it are rejected
	MaxSize int `env:"MAX_SIZE" envDefault:"100"`
	// MaxRetries is the delivery retry budget per message
	MaxRetries int `env:"MAX_RETRIES" envDefault:"3"`
	// RetryDelay is the base delay between delivery retries
	RetryDelay time.Duration `env:"RETRY_DELAY" envDefault:"1s"`
	// TickInterval drives the processing loop while online
	TickInterval time.Duration `env:"TICK_INTERVAL" envDefault:"1s"`
}

// AckConfig holds acknowledgment tracking configuration
type AckConfig struct {
	// Timeout is the fixed deadline for a pending acknowledgment
	Timeout time.Duration `env:"TIMEOUT" envDefault:"5m"`
	// SweepInterval is how often pending acknowledgments are checked for expiry
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"30s"`
}

// ReconnectConfig holds reconnection backoff configuration
type ReconnectConfig struct {
	InitialDelay time.Duration `env:"INITIAL_DELAY" envDefault:"1s"`
	MaxDelay     time.Duration `env:"MAX_DELAY" envDefault:"30s"`
	Multiplier   float64       `env:"MULTIPLIER" envDefault:"2.0"`
	MaxAttempts  int           `env:"MAX_ATTEMPTS" envDefault:"10"`
}

// SyncConfig holds vector-clock synchronization configuration
type SyncConfig struct {
	// AgentID identifies this agent in vector clocks and sequences
	AgentID string `env:"AGENT_ID" envDefault:"dungeon-master"`
	// CheckInterval is how often sequence consistency is verified
	CheckInterval time.Duration `env:"CHECK_INTERVAL" envDefault:"1m"`
}

// RemoteConfig holds remote backend configuration
type RemoteConfig struct {
	// BaseURL is the backend REST endpoint
	BaseURL string `env:"BASE_URL" envDefault:"http://localhost:8090"`
	// AuthToken is the bearer token for backend requests
	AuthToken string `env:"AUTH_TOKEN"`
	// Timeout bounds a single backend request
	Timeout time.Duration `env:"TIMEOUT" envDefault:"10s"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level      string `env:"LEVEL" envDefault:"info"`
	Format     string `env:"FORMAT" envDefault:"json"`
	Output     string `env:"OUTPUT" envDefault:"stdout"`
	Rotation   bool   `env:"ROTATION" envDefault:"false"`
	MaxSize    int    `env:"MAX_SIZE" envDefault:"100"`
	MaxBackups int    `env:"MAX_BACKUPS" envDefault:"3"`
	MaxAge     int    `env:"MAX_AGE" envDefault:"28"`
}

// MetricsConfig holds metrics exposition configuration
type MetricsConfig struct {
	Enabled bool   `env:"ENABLED" envDefault:"true"`
	Addr    string `env:"ADDR" envDefault:":9464"`
}

// Load loads configuration from environment variables and command line flags
func Load() (*Config, error) {
	cfg := &Config{}

	if err := env.ParseWithOptions(cfg, env.Options{Prefix: "RELAY_"}); err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	flag.StringVar(&cfg.Storage.DataDir, "data-dir", cfg.Storage.DataDir, "Data directory path")
	flag.StringVar(&cfg.Remote.BaseURL, "remote-url", cfg.Remote.BaseURL, "Remote backend base URL")
	flag.StringVar(&cfg.Sync.AgentID, "agent-id", cfg.Sync.AgentID, "Agent identifier for synchronization")
	flag.StringVar(&cfg.Logging.Level, "log-level", cfg.Logging.Level, "Log level (debug, info, warn, error)")
	flag.StringVar(&cfg.Logging.Format, "log-format", cfg.Logging.Format, "Log format (json, text)")
	flag.Parse()

	cfg.Storage.DataDir = filepath.Clean(cfg.Storage.DataDir)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Storage.DataDir == "" {
		return fmt.Errorf("data directory cannot be empty")
	}

	if c.Queue.MaxSize <= 0 {
		return fmt.Errorf("queue max size must be positive")
	}

	if c.Queue.MaxRetries < 0 {
		return fmt.Errorf("max retries cannot be negative")
	}

	if c.Ack.Timeout <= 0 {
		return fmt.Errorf("acknowledgment timeout must be positive")
	}

	if c.Reconnect.InitialDelay <= 0 || c.Reconnect.MaxDelay < c.Reconnect.InitialDelay {
		return fmt.Errorf("reconnect delays must satisfy 0 < initial <= max")
	}

	if c.Reconnect.Multiplier < 1 {
		return fmt.Errorf("reconnect multiplier must be >= 1")
	}

	if c.Sync.AgentID == "" {
		return fmt.Errorf("agent id cannot be empty")
	}

	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	validLogFormats := map[string]bool{
		"json": true,
		"text": true,
	}
	if !validLogFormats[strings.ToLower(c.Logging.Format)] {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}
