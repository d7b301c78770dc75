// Package config loads agentnet settings through viper. Values come from
// defaults, an optional config file and AGENTNET_* environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix prefixes environment overrides, e.g. AGENTNET_SERVER_ADDR.
const EnvPrefix = "AGENTNET"

// Config is the full configuration.
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Plane   PlaneConfig   `mapstructure:"plane"`
	Gateway GatewayConfig `mapstructure:"gateway"`
	Redis   RedisConfig   `mapstructure:"redis"`
	Logging LoggingConfig `mapstructure:"logging"`
}

// ServerConfig controls the HTTP listener.
type ServerConfig struct {
	Addr string `mapstructure:"addr"`
	Path string `mapstructure:"path"`
}

// PlaneConfig controls the event plane.
type PlaneConfig struct {
	Capacity int `mapstructure:"capacity"`
}

// GatewayConfig controls streaming sessions.
type GatewayConfig struct {
	Mode      string        `mapstructure:"mode"`
	Channels  []string      `mapstructure:"channels"`
	Events    []string      `mapstructure:"events"`
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	// RateLimit is requests per second; 0 disables the limiter.
	RateLimit float64 `mapstructure:"rate_limit"`
	Burst     int     `mapstructure:"burst"`
	// Token enables bearer auth when set.
	Token string `mapstructure:"token"`
}

// RedisConfig enables the Redis sink and blackboard when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// LoggingConfig selects the log level and format.
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:  ServerConfig{Addr: ":8080", Path: "/stream"},
		Plane:   PlaneConfig{Capacity: 16},
		Gateway: GatewayConfig{Mode: "ephemeral", Heartbeat: 15 * time.Second, Burst: 1},
		Logging: LoggingConfig{Level: "info", Format: "json"},
	}
}

// SetDefaults registers default values with v.
func SetDefaults(v *viper.Viper) {
	d := Default()
	v.SetDefault("server.addr", d.Server.Addr)
	v.SetDefault("server.path", d.Server.Path)
	v.SetDefault("plane.capacity", d.Plane.Capacity)
	v.SetDefault("gateway.mode", d.Gateway.Mode)
	v.SetDefault("gateway.channels", d.Gateway.Channels)
	v.SetDefault("gateway.events", d.Gateway.Events)
	v.SetDefault("gateway.heartbeat", d.Gateway.Heartbeat)
	v.SetDefault("gateway.rate_limit", d.Gateway.RateLimit)
	v.SetDefault("gateway.burst", d.Gateway.Burst)
	v.SetDefault("gateway.token", d.Gateway.Token)
	v.SetDefault("redis.addr", d.Redis.Addr)
	v.SetDefault("redis.password", d.Redis.Password)
	v.SetDefault("redis.db", d.Redis.DB)
	v.SetDefault("logging.level", d.Logging.Level)
	v.SetDefault("logging.format", d.Logging.Format)
}

// Bind sets defaults, environment overrides and, when path is not empty, the
// config file on v.
func Bind(v *viper.Viper, path string) error {
	SetDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	if path == "" {
		return nil
	}
	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return fmt.Errorf("read config %s: %w", path, err)
	}
	return nil
}

// Load decodes and validates the configuration held by v.
func Load(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate reports every invalid setting.
func (c *Config) Validate() error {
	var errs []error
	if c.Server.Addr == "" {
		errs = append(errs, errors.New("server.addr is required"))
	}
	if !strings.HasPrefix(c.Server.Path, "/") {
		errs = append(errs, fmt.Errorf("server.path %q must start with /", c.Server.Path))
	}
	if c.Plane.Capacity < 1 {
		errs = append(errs, fmt.Errorf("plane.capacity must be positive, got %d", c.Plane.Capacity))
	}
	switch c.Gateway.Mode {
	case "shared", "ephemeral":
	default:
		errs = append(errs, fmt.Errorf("gateway.mode must be shared or ephemeral, got %q", c.Gateway.Mode))
	}
	if c.Gateway.Heartbeat < 0 {
		errs = append(errs, errors.New("gateway.heartbeat must not be negative"))
	}
	if c.Gateway.RateLimit < 0 {
		errs = append(errs, errors.New("gateway.rate_limit must not be negative"))
	}
	if c.Gateway.RateLimit > 0 && c.Gateway.Burst < 1 {
		errs = append(errs, errors.New("gateway.burst must be at least 1 when rate_limit is set"))
	}
	switch strings.ToLower(c.Logging.Format) {
	case "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format must be json or text, got %q", c.Logging.Format))
	}
	return errors.Join(errs...)
}
