package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Mode selects the call registry backend.
type Mode string

const (
	ModeLocal   Mode = "local"   // in-memory, single process
	ModePubSub  Mode = "pubsub"  // Redis pub/sub direct calls, bounded wait
	ModeStreams Mode = "streams" // Redis streams + consumer groups
)

// RedisConfig holds Redis connection settings.
type RedisConfig struct {
	Addr     string `json:"addr" yaml:"addr"`
	Password string `json:"password" yaml:"password"`
	DB       int    `json:"db" yaml:"db"`
	TLS      bool   `json:"tls" yaml:"tls"`
	PoolSize int    `json:"pool_size" yaml:"pool_size"`
}

// CallConfig holds call/response protocol settings.
type CallConfig struct {
	PubSubTimeout time.Duration `json:"pubsub_timeout" yaml:"pubsub_timeout"`
	WaitTimeout   time.Duration `json:"wait_timeout" yaml:"wait_timeout"`
	ReturnTTL     time.Duration `json:"return_ttl" yaml:"return_ttl"`
}

// WorkerConfig holds worker registration and health settings.
type WorkerConfig struct {
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	HealthTimeout     time.Duration `json:"health_timeout" yaml:"health_timeout"`
	MetaTTL           time.Duration `json:"meta_ttl" yaml:"meta_ttl"`
	ShutdownGrace     time.Duration `json:"shutdown_grace" yaml:"shutdown_grace"`
}

// ConsumerConfig holds stream consumer supervision settings.
type ConsumerConfig struct {
	BatchSize         int           `json:"batch_size" yaml:"batch_size"`
	BlockTime         time.Duration `json:"block_time" yaml:"block_time"`
	ProcessingTimeout time.Duration `json:"processing_timeout" yaml:"processing_timeout"`
	ReadRetryDelay    time.Duration `json:"read_retry_delay" yaml:"read_retry_delay"`
	HeartbeatInterval time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout"`
	MaxErrorCount     int           `json:"max_error_count" yaml:"max_error_count"`
	StateTTL          time.Duration `json:"state_ttl" yaml:"state_ttl"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold  int           `json:"failure_threshold" yaml:"failure_threshold"`
	RecoveryTimeout   time.Duration `json:"recovery_timeout" yaml:"recovery_timeout"`
	HalfOpenSuccesses int           `json:"half_open_successes" yaml:"half_open_successes"`
}

// RecoveryConfig holds stale-worker/stuck-consumer sweeper settings.
type RecoveryConfig struct {
	SweepInterval time.Duration `json:"sweep_interval" yaml:"sweep_interval"`
	ReclaimIdle   time.Duration `json:"reclaim_idle" yaml:"reclaim_idle"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`
	ServiceName string  `json:"service_name" yaml:"service_name"`
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`
}

// DaemonConfig holds daemon-specific settings.
type DaemonConfig struct {
	HTTPAddr string `json:"http_addr" yaml:"http_addr"`
	LogLevel string `json:"log_level" yaml:"log_level"`
}

// Config is the central configuration struct embedding all component configs.
// It is loaded once at startup and passed by reference; nothing mutates it
// after Load.
type Config struct {
	KeyPrefix string          `json:"key_prefix" yaml:"key_prefix"`
	QueueMode bool            `json:"queue_mode" yaml:"queue_mode"`
	Mode      Mode            `json:"mode" yaml:"mode"`
	Redis     RedisConfig     `json:"redis" yaml:"redis"`
	Call      CallConfig      `json:"call" yaml:"call"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Consumer  ConsumerConfig  `json:"consumer" yaml:"consumer"`
	Breaker   BreakerConfig   `json:"breaker" yaml:"breaker"`
	Recovery  RecoveryConfig  `json:"recovery" yaml:"recovery"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Daemon    DaemonConfig    `json:"daemon" yaml:"daemon"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		KeyPrefix: "relay",
		QueueMode: false,
		Mode:      ModeLocal,
		Redis: RedisConfig{
			Addr:     "localhost:6379",
			Password: "",
			DB:       0,
			PoolSize: 10,
		},
		Call: CallConfig{
			PubSubTimeout: 30 * time.Second,
			WaitTimeout:   10 * time.Second,
			ReturnTTL:     5 * time.Minute,
		},
		Worker: WorkerConfig{
			HeartbeatInterval: 10 * time.Second,
			HealthTimeout:     30 * time.Second,
			MetaTTL:           60 * time.Second,
			ShutdownGrace:     2 * time.Second,
		},
		Consumer: ConsumerConfig{
			BatchSize:         10,
			BlockTime:         5 * time.Second,
			ProcessingTimeout: 30 * time.Second,
			ReadRetryDelay:    time.Second,
			HeartbeatInterval: 10 * time.Second,
			Timeout:           30 * time.Second,
			MaxErrorCount:     5,
			StateTTL:          time.Hour,
		},
		Breaker: BreakerConfig{
			FailureThreshold:  5,
			RecoveryTimeout:   30 * time.Second,
			HalfOpenSuccesses: 1,
		},
		Recovery: RecoveryConfig{
			SweepInterval: 60 * time.Second,
			ReclaimIdle:   60 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Enabled:     false,
			Endpoint:    "localhost:4318",
			ServiceName: "relay",
			SampleRate:  1.0,
		},
		Daemon: DaemonConfig{
			HTTPAddr: "",
			LogLevel: "info",
		},
	}
}

// ActiveMode resolves the effective backend: an explicit Mode wins, otherwise
// the queue-mode toggle picks streams (on) or local (off).
func (c *Config) ActiveMode() Mode {
	switch c.Mode {
	case ModeLocal, ModePubSub, ModeStreams:
		return c.Mode
	}
	if c.QueueMode {
		return ModeStreams
	}
	return ModeLocal
}

// LoadFromFile loads configuration from a JSON or YAML file, chosen by
// extension.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	switch filepath.Ext(path) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	default:
		if err := json.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("RELAY_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("RELAY_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("RELAY_REDIS_DB"); v != "" {
		if db, err := strconv.Atoi(v); err == nil {
			cfg.Redis.DB = db
		}
	}
	if v := os.Getenv("RELAY_REDIS_TLS"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.TLS = b
		}
	}
	if v := os.Getenv("RELAY_KEY_PREFIX"); v != "" {
		cfg.KeyPrefix = v
	}
	if v := os.Getenv("RELAY_QUEUE_MODE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.QueueMode = b
		}
	}
	if v := os.Getenv("RELAY_MODE"); v != "" {
		cfg.Mode = Mode(v)
	}
	if v := os.Getenv("RELAY_HTTP_ADDR"); v != "" {
		cfg.Daemon.HTTPAddr = v
	}
	if v := os.Getenv("RELAY_LOG_LEVEL"); v != "" {
		cfg.Daemon.LogLevel = v
	}
	if v := os.Getenv("RELAY_OTLP_ENDPOINT"); v != "" {
		cfg.Telemetry.Endpoint = v
		cfg.Telemetry.Enabled = true
	}
}
