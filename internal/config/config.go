// Package config loads gqlbus configuration from defaults, an optional YAML
// file and GQLBUS_ environment variables.
package config

import (
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/hanpama/gqlbus/internal/codec"
	"github.com/spf13/viper"
)

// Config is the root configuration shared by every subcommand.
type Config struct {
	// ServerID names this process on the channel. Generated when empty.
	ServerID string `mapstructure:"server_id"`

	Broker    BrokerConfig    `mapstructure:"broker"`
	Server    ServerConfig    `mapstructure:"server"`
	Client    ClientConfig    `mapstructure:"client"`
	Executor  ExecutorConfig  `mapstructure:"executor"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Log       LogConfig       `mapstructure:"log"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

// BrokerConfig selects the channel backend.
type BrokerConfig struct {
	// Kind: redis or memory. memory only works within one process.
	Kind  string      `mapstructure:"kind"`
	Codec string      `mapstructure:"codec"`
	Redis RedisConfig `mapstructure:"redis"`
}

type RedisConfig struct {
	Addr      string `mapstructure:"addr"`
	Password  string `mapstructure:"password"`
	DB        int    `mapstructure:"db"`
	StreamMax int64  `mapstructure:"stream_max_len"`
}

// ServerConfig configures the edge HTTP server.
type ServerConfig struct {
	Addr           string          `mapstructure:"addr"`
	Timeout        time.Duration   `mapstructure:"timeout"`
	MaxBodyBytes   int64           `mapstructure:"max_body_bytes"`
	Pretty         bool            `mapstructure:"pretty"`
	CORSOrigins    []string        `mapstructure:"cors_origins"`
	RateLimit      RateLimitConfig `mapstructure:"rate_limit"`
	TrustedProxies []string        `mapstructure:"trusted_proxies"`
}

// RateLimitConfig is per client IP. PerSecond 0 disables limiting.
type RateLimitConfig struct {
	PerSecond float64 `mapstructure:"per_second"`
	Burst     int     `mapstructure:"burst"`
}

// ClientConfig configures the executor client of edge processes.
type ClientConfig struct {
	Timeout               time.Duration `mapstructure:"timeout"`
	RequestStream         string        `mapstructure:"request_stream"`
	RequestChannel        string        `mapstructure:"request_channel"`
	ReplyChannelPrefix    string        `mapstructure:"reply_channel_prefix"`
	ExecutorChannelPrefix string        `mapstructure:"executor_channel_prefix"`
}

// ExecutorConfig configures the executor service.
type ExecutorConfig struct {
	Concurrency      int           `mapstructure:"concurrency"`
	ExecutionTimeout time.Duration `mapstructure:"execution_timeout"`
	Group            string        `mapstructure:"group"`
	ReclaimInterval  time.Duration `mapstructure:"reclaim_interval"`
	ReclaimMinIdle   time.Duration `mapstructure:"reclaim_min_idle"`
	// PersistedQueries is the Redis hash holding persisted documents by id.
	// Empty disables persisted queries.
	PersistedQueries string `mapstructure:"persisted_queries"`
	// Introspection serves __schema and __type.
	Introspection bool `mapstructure:"introspection"`
}

type AuthConfig struct {
	Secret   string        `mapstructure:"secret"`
	Issuer   string        `mapstructure:"issuer"`
	TokenTTL time.Duration `mapstructure:"token_ttl"`
	Leeway   time.Duration `mapstructure:"leeway"`
}

// LogConfig defines logger settings.
type LogConfig struct {
	// Level: debug, info, warn, error
	Level string `mapstructure:"level"`
	// Format: console or json
	Format string `mapstructure:"format"`
	// Outputs: stdout, stderr, or file paths
	Outputs     []string       `mapstructure:"outputs"`
	Rotation    RotationConfig `mapstructure:"rotation"`
	Development bool           `mapstructure:"development"`
}

// RotationConfig controls log file rotation for file outputs.
type RotationConfig struct {
	Enable     bool `mapstructure:"enable"`
	MaxSizeMB  int  `mapstructure:"max_size_mb"`
	MaxBackups int  `mapstructure:"max_backups"`
	MaxAgeDays int  `mapstructure:"max_age_days"`
	Compress   bool `mapstructure:"compress"`
}

type TelemetryConfig struct {
	// Endpoint of an OTLP gRPC collector. Empty disables tracing.
	Endpoint    string `mapstructure:"endpoint"`
	ServiceName string `mapstructure:"service_name"`
}

// Default returns a Config populated with defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Kind:  "redis",
			Codec: "json",
			Redis: RedisConfig{Addr: "localhost:6379", StreamMax: 10000},
		},
		Server: ServerConfig{
			Addr:         ":8080",
			MaxBodyBytes: 1 << 20,
			RateLimit:    RateLimitConfig{PerSecond: 20, Burst: 40},
		},
		Client: ClientConfig{
			Timeout:               30 * time.Second,
			RequestStream:         "gqlbus:jobs",
			RequestChannel:        "gqlbus:jobs",
			ReplyChannelPrefix:    "gqlbus:reply:",
			ExecutorChannelPrefix: "gqlbus:executor:",
		},
		Executor: ExecutorConfig{
			Concurrency:      8,
			ExecutionTimeout: 25 * time.Second,
			Group:            "gqlbus:executors",
			ReclaimInterval:  time.Minute,
			ReclaimMinIdle:   5 * time.Minute,
		},
		Auth: AuthConfig{TokenTTL: 24 * time.Hour},
		Log: LogConfig{
			Level:   "info",
			Format:  "console",
			Outputs: []string{"stderr"},
			Rotation: RotationConfig{
				MaxSizeMB:  50,
				MaxBackups: 3,
				MaxAgeDays: 28,
				Compress:   true,
			},
		},
		Telemetry: TelemetryConfig{ServiceName: "gqlbus"},
	}
}

// Load reads configuration from path if non-empty, else from GQLBUS_CONFIG,
// else from gqlbus.yaml in the usual places. A missing file is not an error.
// Environment variables use the prefix GQLBUS with "." replaced by "_",
// e.g. GQLBUS_BROKER_REDIS_ADDR.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GQLBUS")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	setDefaults(v, cfg)

	if path == "" {
		path = os.Getenv("GQLBUS_CONFIG")
	}
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("gqlbus")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".gqlbus"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// setDefaults seeds every key so env-only configs are picked up.
func setDefaults(v *viper.Viper, c *Config) {
	v.SetDefault("server_id", c.ServerID)

	v.SetDefault("broker.kind", c.Broker.Kind)
	v.SetDefault("broker.codec", c.Broker.Codec)
	v.SetDefault("broker.redis.addr", c.Broker.Redis.Addr)
	v.SetDefault("broker.redis.password", c.Broker.Redis.Password)
	v.SetDefault("broker.redis.db", c.Broker.Redis.DB)
	v.SetDefault("broker.redis.stream_max_len", c.Broker.Redis.StreamMax)

	v.SetDefault("server.addr", c.Server.Addr)
	v.SetDefault("server.timeout", c.Server.Timeout)
	v.SetDefault("server.max_body_bytes", c.Server.MaxBodyBytes)
	v.SetDefault("server.pretty", c.Server.Pretty)
	v.SetDefault("server.cors_origins", c.Server.CORSOrigins)
	v.SetDefault("server.trusted_proxies", c.Server.TrustedProxies)
	v.SetDefault("server.rate_limit.per_second", c.Server.RateLimit.PerSecond)
	v.SetDefault("server.rate_limit.burst", c.Server.RateLimit.Burst)

	v.SetDefault("client.timeout", c.Client.Timeout)
	v.SetDefault("client.request_stream", c.Client.RequestStream)
	v.SetDefault("client.request_channel", c.Client.RequestChannel)
	v.SetDefault("client.reply_channel_prefix", c.Client.ReplyChannelPrefix)
	v.SetDefault("client.executor_channel_prefix", c.Client.ExecutorChannelPrefix)

	v.SetDefault("executor.concurrency", c.Executor.Concurrency)
	v.SetDefault("executor.execution_timeout", c.Executor.ExecutionTimeout)
	v.SetDefault("executor.group", c.Executor.Group)
	v.SetDefault("executor.reclaim_interval", c.Executor.ReclaimInterval)
	v.SetDefault("executor.reclaim_min_idle", c.Executor.ReclaimMinIdle)
	v.SetDefault("executor.persisted_queries", c.Executor.PersistedQueries)
	v.SetDefault("executor.introspection", c.Executor.Introspection)

	v.SetDefault("auth.secret", c.Auth.Secret)
	v.SetDefault("auth.issuer", c.Auth.Issuer)
	v.SetDefault("auth.token_ttl", c.Auth.TokenTTL)
	v.SetDefault("auth.leeway", c.Auth.Leeway)

	v.SetDefault("log.level", c.Log.Level)
	v.SetDefault("log.format", c.Log.Format)
	v.SetDefault("log.outputs", c.Log.Outputs)
	v.SetDefault("log.development", c.Log.Development)
	v.SetDefault("log.rotation.enable", c.Log.Rotation.Enable)
	v.SetDefault("log.rotation.max_size_mb", c.Log.Rotation.MaxSizeMB)
	v.SetDefault("log.rotation.max_backups", c.Log.Rotation.MaxBackups)
	v.SetDefault("log.rotation.max_age_days", c.Log.Rotation.MaxAgeDays)
	v.SetDefault("log.rotation.compress", c.Log.Rotation.Compress)

	v.SetDefault("telemetry.endpoint", c.Telemetry.Endpoint)
	v.SetDefault("telemetry.service_name", c.Telemetry.ServiceName)
}

// Validate normalizes c and reports the first invalid setting.
func (c *Config) Validate() error {
	switch strings.ToLower(strings.TrimSpace(c.Log.Level)) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid log.level: %q", c.Log.Level)
	}
	if c.Log.Format == "" {
		c.Log.Format = "console"
	}
	if len(c.Log.Outputs) == 0 {
		c.Log.Outputs = []string{"stderr"}
	}

	c.Broker.Kind = strings.ToLower(strings.TrimSpace(c.Broker.Kind))
	switch c.Broker.Kind {
	case "redis":
		if c.Broker.Redis.Addr == "" {
			return errors.New("broker.redis.addr is required")
		}
	case "memory":
	default:
		return fmt.Errorf("invalid broker.kind: %q", c.Broker.Kind)
	}
	if _, err := codec.ByName(c.Broker.Codec); err != nil {
		return fmt.Errorf("invalid broker.codec: %w", err)
	}

	if c.Client.Timeout <= 0 {
		return fmt.Errorf("client.timeout must be positive, got %s", c.Client.Timeout)
	}
	if c.Client.ReplyChannelPrefix == "" || c.Client.ExecutorChannelPrefix == "" {
		return errors.New("client channel prefixes must not be empty")
	}
	if c.Client.RequestStream == "" && c.Client.RequestChannel == "" {
		return errors.New("one of client.request_stream and client.request_channel is required")
	}
	if c.Executor.Concurrency < 1 {
		return fmt.Errorf("executor.concurrency must be at least 1, got %d", c.Executor.Concurrency)
	}
	if c.Server.RateLimit.PerSecond < 0 || c.Server.RateLimit.Burst < 0 {
		return errors.New("server.rate_limit values must not be negative")
	}
	for _, p := range c.Server.TrustedProxies {
		p = strings.TrimSpace(p)
		if _, err := netip.ParsePrefix(p); err == nil {
			continue
		}
		if _, err := netip.ParseAddr(p); err != nil {
			return fmt.Errorf("invalid server.trusted_proxies entry %q", p)
		}
	}
	return nil
}
