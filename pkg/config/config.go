// Package config loads client settings from YAML or TOML files with REBORN_*
// environment overrides.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

const (
	DefaultBaseURL         = "http://localhost:8002"
	DefaultTimeout         = 30 * time.Second
	DefaultMaxMessageRunes = 500
	DefaultServiceName     = "reborn-go"
	DefaultTokenDriver     = "file"
)

// ErrInvalid reports a configuration that cannot be used.
var ErrInvalid = errors.New("config: invalid")

// Config is the full client configuration.
type Config struct {
	BaseURL         string        `yaml:"base_url" toml:"base_url"`
	Timeout         time.Duration `yaml:"timeout" toml:"timeout"`
	MaxMessageRunes int           `yaml:"max_message_runes" toml:"max_message_runes"`

	Token     TokenConfig     `yaml:"token" toml:"token"`
	Log       LogConfig       `yaml:"log" toml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry" toml:"telemetry"`
}

// TokenConfig selects where the bearer token persists.
type TokenConfig struct {
	Driver    string        `yaml:"driver" toml:"driver"`
	Path      string        `yaml:"path" toml:"path"`
	RedisAddr string        `yaml:"redis_addr" toml:"redis_addr"`
	RedisKey  string        `yaml:"redis_key" toml:"redis_key"`
	RedisTTL  time.Duration `yaml:"redis_ttl" toml:"redis_ttl"`
}

type LogConfig struct {
	Level       string `yaml:"level" toml:"level"`
	Development bool   `yaml:"development" toml:"development"`
}

type TelemetryConfig struct {
	Enabled      bool   `yaml:"enabled" toml:"enabled"`
	ServiceName  string `yaml:"service_name" toml:"service_name"`
	Environment  string `yaml:"environment" toml:"environment"`
	OTLPEndpoint string `yaml:"otlp_endpoint" toml:"otlp_endpoint"`
	OTLPInsecure bool   `yaml:"otlp_insecure" toml:"otlp_insecure"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		BaseURL:         DefaultBaseURL,
		Timeout:         DefaultTimeout,
		MaxMessageRunes: DefaultMaxMessageRunes,
		Token: TokenConfig{
			Driver: DefaultTokenDriver,
			Path:   DefaultTokenPath(),
		},
		Log:       LogConfig{Level: "info"},
		Telemetry: TelemetryConfig{ServiceName: DefaultServiceName},
	}
}

// DefaultTokenPath is $HOME/.reborn/token, or a relative fallback when the
// home directory is unknown.
func DefaultTokenPath() string {
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		return filepath.Join(".reborn", "token")
	}
	return filepath.Join(home, ".reborn", "token")
}

// Load reads path (when non-empty), applies environment overrides and
// validates the result. The format follows the extension: .toml is TOML,
// anything else YAML.
func Load(path string) (Config, error) {
	cfg := Default()
	if strings.TrimSpace(path) != "" {
		if err := decodeFile(path, &cfg); err != nil {
			return Config{}, err
		}
	}
	cfg.ApplyEnv()
	cfg.fillDefaults()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decodeFile(path string, cfg *Config) error {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".toml":
		if _, err := toml.DecodeFile(path, cfg); err != nil {
			return fmt.Errorf("config: decode toml %s: %w", path, err)
		}
	default:
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return fmt.Errorf("config: decode yaml %s: %w", path, err)
		}
	}
	return nil
}

// ApplyEnv overrides fields from REBORN_* variables.
func (c *Config) ApplyEnv() {
	c.BaseURL = getEnv("REBORN_BASE_URL", c.BaseURL)
	c.Timeout = getDuration("REBORN_TIMEOUT", c.Timeout)
	c.MaxMessageRunes = getInt("REBORN_MAX_MESSAGE_RUNES", c.MaxMessageRunes)

	c.Token.Driver = getEnv("REBORN_TOKEN_DRIVER", c.Token.Driver)
	c.Token.Path = getEnv("REBORN_TOKEN_PATH", c.Token.Path)
	c.Token.RedisAddr = getEnv("REBORN_REDIS_ADDR", c.Token.RedisAddr)
	c.Token.RedisKey = getEnv("REBORN_REDIS_KEY", c.Token.RedisKey)
	c.Token.RedisTTL = getDuration("REBORN_REDIS_TTL", c.Token.RedisTTL)

	c.Log.Level = getEnv("REBORN_LOG_LEVEL", c.Log.Level)
	c.Log.Development = getBool("REBORN_LOG_DEVELOPMENT", c.Log.Development)

	c.Telemetry.Enabled = getBool("REBORN_TELEMETRY", c.Telemetry.Enabled)
	c.Telemetry.ServiceName = getEnv("REBORN_SERVICE_NAME", c.Telemetry.ServiceName)
	c.Telemetry.Environment = getEnv("REBORN_ENVIRONMENT", c.Telemetry.Environment)
	c.Telemetry.OTLPEndpoint = getEnv("REBORN_OTLP_ENDPOINT", c.Telemetry.OTLPEndpoint)
	c.Telemetry.OTLPInsecure = getBool("REBORN_OTLP_INSECURE", c.Telemetry.OTLPInsecure)
}

func (c *Config) fillDefaults() {
	c.BaseURL = strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if c.BaseURL == "" {
		c.BaseURL = DefaultBaseURL
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
	if c.MaxMessageRunes <= 0 {
		c.MaxMessageRunes = DefaultMaxMessageRunes
	}
	if c.Token.Driver == "" {
		c.Token.Driver = DefaultTokenDriver
	}
	if c.Token.Driver == "file" && c.Token.Path == "" {
		c.Token.Path = DefaultTokenPath()
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = DefaultServiceName
	}
}

// Validate checks the fields that cannot be defaulted.
func (c Config) Validate() error {
	u, err := url.Parse(c.BaseURL)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: base_url %q", ErrInvalid, c.BaseURL)
	}
	switch c.Token.Driver {
	case "memory", "file":
	case "redis":
		if c.Token.RedisAddr == "" {
			return fmt.Errorf("%w: token.redis_addr required for redis driver", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown token driver %q", ErrInvalid, c.Token.Driver)
	}
	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: log level %q", ErrInvalid, c.Log.Level)
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value := strings.TrimSpace(os.Getenv(key)); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.Atoi(raw)
	if err != nil || val <= 0 {
		return fallback
	}
	return val
}

func getBool(key string, fallback bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	val, err := strconv.ParseBool(raw)
	if err != nil {
		return fallback
	}
	return val
}

func getDuration(key string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return fallback
	}
	if dur, err := time.ParseDuration(raw); err == nil {
		return dur
	}
	if ms, err := strconv.Atoi(raw); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	return fallback
}
