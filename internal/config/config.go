// Package config loads service configuration from defaults, an optional YAML
// file and ZAPDEV_* environment variables, in that order of precedence.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/kelseyhightower/envconfig"
	"gopkg.in/yaml.v3"

	"github.com/Jackson57279/zapdev-sub003/internal/domain"
	"github.com/Jackson57279/zapdev-sub003/internal/logging"
)

// EnvPrefix prefixes every environment variable.
const EnvPrefix = "ZAPDEV"

// FileEnv names the variable pointing at an optional YAML config file.
const FileEnv = "ZAPDEV_CONFIG"

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Database   DatabaseConfig   `yaml:"database"`
	Sandbox    SandboxConfig    `yaml:"sandbox"`
	Generation GenerationConfig `yaml:"generation"`
	Queue      QueueConfig      `yaml:"queue"`
	Logging    LogConfig        `yaml:"logging"`
	RateLimit  RateLimitConfig  `yaml:"rateLimit"`
	Policy     PolicyConfig     `yaml:"policy"`
}

// ServerConfig holds HTTP, websocket and RPC listener configuration.
type ServerConfig struct {
	Host         string        `envconfig:"HOST" yaml:"host"`
	HTTPPort     int           `envconfig:"HTTP_PORT" yaml:"httpPort"`
	RPCPort      int           `envconfig:"RPC_PORT" yaml:"rpcPort"`
	APIKey       string        `envconfig:"API_KEY" yaml:"apiKey"`
	PingInterval time.Duration `envconfig:"PING_INTERVAL" yaml:"pingInterval"`
	ReadTimeout  time.Duration `envconfig:"READ_TIMEOUT" yaml:"readTimeout"`
	WriteTimeout time.Duration `envconfig:"WRITE_TIMEOUT" yaml:"writeTimeout"`
	MaxMessage   int64         `envconfig:"MAX_MESSAGE_SIZE" yaml:"maxMessageSize"`
}

// DatabaseConfig selects the SQLite driver and DSN.
type DatabaseConfig struct {
	Driver string `envconfig:"DRIVER" yaml:"driver"`
	DSN    string `envconfig:"DSN" yaml:"dsn"`
}

// SandboxConfig configures the sandbox backends.
type SandboxConfig struct {
	DefaultBackend   domain.BackendKind `envconfig:"DEFAULT_BACKEND" yaml:"defaultBackend"`
	OperationTimeout time.Duration      `envconfig:"OPERATION_TIMEOUT" yaml:"operationTimeout"`
	RemoteURL        string             `envconfig:"REMOTE_URL" yaml:"remoteURL"`
	RemoteAPIKey     string             `envconfig:"REMOTE_API_KEY" yaml:"remoteAPIKey"`
	RemoteRPS        float64            `envconfig:"REMOTE_RPS" yaml:"remoteRPS"`
	RemoteBurst      int                `envconfig:"REMOTE_BURST" yaml:"remoteBurst"`
	RemoteRetries    int                `envconfig:"REMOTE_RETRIES" yaml:"remoteRetries"`
	LocalRoot        string             `envconfig:"LOCAL_ROOT" yaml:"localRoot"`
}

// GenerationConfig configures the model capability and run bounds.
type GenerationConfig struct {
	Mode         string        `envconfig:"MODE" yaml:"mode"`
	LLMURL       string        `envconfig:"LLM_URL" yaml:"llmURL"`
	LLMAPIKey    string        `envconfig:"LLM_API_KEY" yaml:"llmAPIKey"`
	DefaultModel string        `envconfig:"DEFAULT_MODEL" yaml:"defaultModel"`
	Framework    string        `envconfig:"DEFAULT_FRAMEWORK" yaml:"defaultFramework"`
	Timeout      time.Duration `envconfig:"TIMEOUT" yaml:"timeout"`
}

// QueueConfig configures the claim expiry monitor.
type QueueConfig struct {
	ClaimTTL      time.Duration `envconfig:"CLAIM_TTL" yaml:"claimTTL"`
	SweepInterval time.Duration `envconfig:"SWEEP_INTERVAL" yaml:"sweepInterval"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LEVEL" yaml:"level"`
	Development bool   `envconfig:"DEV" yaml:"development"`
}

// RateLimitConfig holds HTTP rate limiting configuration.
type RateLimitConfig struct {
	Enabled           bool    `envconfig:"ENABLED" yaml:"enabled"`
	RequestsPerSecond float64 `envconfig:"RPS" yaml:"rps"`
	Burst             int     `envconfig:"BURST" yaml:"burst"`
}

// PolicyConfig points at an optional Rego file replacing the built-in
// command policy.
type PolicyConfig struct {
	File string `envconfig:"FILE" yaml:"file"`
}

// Default returns the default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Host:         "0.0.0.0",
			HTTPPort:     8080,
			PingInterval: 30 * time.Second,
			ReadTimeout:  60 * time.Second,
			WriteTimeout: 10 * time.Second,
			MaxMessage:   1 << 20,
		},
		Database: DatabaseConfig{
			Driver: "sqlite3",
			DSN:    "zapdev.db",
		},
		Sandbox: SandboxConfig{
			DefaultBackend:   domain.BackendBrowser,
			OperationTimeout: 60 * time.Second,
			RemoteRPS:        10,
			RemoteBurst:      20,
			RemoteRetries:    2,
			LocalRoot:        os.TempDir(),
		},
		Generation: GenerationConfig{
			Mode:         "llm",
			LLMURL:       "http://localhost:4000",
			DefaultModel: "gpt-4o-mini",
			Framework:    "nextjs",
			Timeout:      10 * time.Minute,
		},
		Queue: QueueConfig{
			ClaimTTL:      15 * time.Minute,
			SweepInterval: 30 * time.Second,
		},
		Logging: LogConfig{
			Level: "info",
		},
		RateLimit: RateLimitConfig{
			Enabled:           true,
			RequestsPerSecond: 20,
			Burst:             40,
		},
	}
}

// Load builds the configuration: defaults, then the YAML file named by
// ZAPDEV_CONFIG if set, then environment overrides.
func Load() (*Config, error) {
	return LoadFile(os.Getenv(FileEnv))
}

// LoadFile is Load with an explicit file path. An empty path skips the file.
func LoadFile(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}
	if err := envconfig.Process(EnvPrefix, cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the service cannot start with.
func (c *Config) Validate() error {
	switch c.Sandbox.DefaultBackend {
	case domain.BackendBrowser, domain.BackendLocal:
	case domain.BackendRemote:
		if c.Sandbox.RemoteURL == "" {
			return fmt.Errorf("sandbox remote backend requires %s_SANDBOX_REMOTE_URL", EnvPrefix)
		}
	default:
		return fmt.Errorf("unknown sandbox backend %q", c.Sandbox.DefaultBackend)
	}
	if c.Sandbox.OperationTimeout <= 0 {
		return fmt.Errorf("sandbox operation timeout must be positive")
	}
	switch c.Database.Driver {
	case "sqlite3", "sqlite":
	default:
		return fmt.Errorf("unsupported database driver %q", c.Database.Driver)
	}
	switch c.Generation.Mode {
	case "llm", "mock":
	default:
		return fmt.Errorf("unknown generation mode %q", c.Generation.Mode)
	}
	return nil
}

// LoggerConfig maps the logging section onto the logging package.
func (c *Config) LoggerConfig() logging.Config {
	return logging.Config{
		Level:       c.Logging.Level,
		Development: c.Logging.Development,
	}
}
