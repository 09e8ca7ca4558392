package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"lendbridge/observability/logging"
)

// Config captures the runtime settings for adapterd.
type Config struct {
	ListenAddress string `yaml:"listen"`
	// ProtocolConfig is the TOML file describing the controller, tolerances
	// and sandbox markets.
	ProtocolConfig string          `yaml:"protocol_config"`
	Auth           AuthConfig      `yaml:"auth"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
	Quota          QuotaConfig     `yaml:"quota"`
	Journal        JournalConfig   `yaml:"journal"`
	Log            LogConfig       `yaml:"log"`
	Telemetry      bool            `yaml:"telemetry"`
}

// AuthConfig configures HS256 bearer token verification. The token subject
// is the caller's address.
type AuthConfig struct {
	JWTSecret    string `yaml:"jwt_secret"`
	JWTSecretEnv string `yaml:"jwt_secret_env"`
	Issuer       string `yaml:"issuer"`
	Audience     string `yaml:"audience"`
}

// RateLimitConfig bounds request rates per caller.
type RateLimitConfig struct {
	RequestsPerMinute int `yaml:"requests_per_minute"`
	Burst             int `yaml:"burst"`
}

// QuotaConfig bounds mutating calls per caller and epoch. Zero values are
// unbounded.
type QuotaConfig struct {
	MaxRequestsPerEpoch uint32 `yaml:"max_requests_per_epoch"`
	MaxVolumePerEpoch   uint64 `yaml:"max_volume_per_epoch"`
	EpochSeconds        uint32 `yaml:"epoch_seconds"`
}

// JournalConfig selects the operation journal database. DSNs starting with
// postgres:// or postgresql:// use Postgres; anything else is a SQLite path.
// Empty keeps the journal in memory.
type JournalConfig struct {
	DSN string `yaml:"dsn"`
}

// LogConfig tunes structured logging.
type LogConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

const (
	envListen         = "ADAPTERD_LISTEN"
	envProtocolConfig = "ADAPTERD_PROTOCOL_CONFIG"
	envJournalDSN     = "ADAPTERD_JOURNAL_DSN"
	envRatePerMin     = "ADAPTERD_RATE_PER_MIN"
	envLogLevel       = "ADAPTERD_LOG_LEVEL"
	envTelemetry      = "ADAPTERD_TELEMETRY"

	defaultListen         = ":8480"
	defaultProtocolConfig = "lendbridge.toml"
	defaultJWTSecretEnv   = "ADAPTERD_JWT_SECRET"
	defaultRatePerMin     = 600
	defaultBurst          = 20
)

// Load reads the YAML configuration, applies environment overrides and
// validates the result. An empty path uses defaults and the environment only.
func Load(path string) (Config, error) {
	cfg := Config{}
	if path = strings.TrimSpace(path); path != "" {
		file, err := os.Open(path)
		if err != nil {
			return Config{}, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()
		if err := yaml.NewDecoder(file).Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("decode config: %w", err)
		}
	}
	cfg.applyEnv()
	cfg.normalize()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (cfg *Config) applyEnv() {
	cfg.ListenAddress = stringFromEnv(envListen, cfg.ListenAddress)
	cfg.ProtocolConfig = stringFromEnv(envProtocolConfig, cfg.ProtocolConfig)
	cfg.Journal.DSN = stringFromEnv(envJournalDSN, cfg.Journal.DSN)
	cfg.RateLimit.RequestsPerMinute = intFromEnv(envRatePerMin, cfg.RateLimit.RequestsPerMinute)
	cfg.Log.Level = stringFromEnv(envLogLevel, cfg.Log.Level)
	cfg.Telemetry = boolFromEnv(envTelemetry, cfg.Telemetry)

	if cfg.Auth.JWTSecretEnv == "" {
		cfg.Auth.JWTSecretEnv = defaultJWTSecretEnv
	}
	cfg.Auth.JWTSecret = stringFromEnv(cfg.Auth.JWTSecretEnv, cfg.Auth.JWTSecret)
}

func (cfg *Config) normalize() {
	cfg.ListenAddress = strings.TrimSpace(cfg.ListenAddress)
	if cfg.ListenAddress == "" {
		cfg.ListenAddress = defaultListen
	}
	cfg.ProtocolConfig = strings.TrimSpace(cfg.ProtocolConfig)
	if cfg.ProtocolConfig == "" {
		cfg.ProtocolConfig = defaultProtocolConfig
	}
	cfg.Auth.JWTSecret = strings.TrimSpace(cfg.Auth.JWTSecret)
	cfg.Auth.Issuer = strings.TrimSpace(cfg.Auth.Issuer)
	cfg.Auth.Audience = strings.TrimSpace(cfg.Auth.Audience)
	if cfg.RateLimit.RequestsPerMinute == 0 {
		cfg.RateLimit.RequestsPerMinute = defaultRatePerMin
	}
	if cfg.RateLimit.Burst == 0 {
		cfg.RateLimit.Burst = defaultBurst
	}
	cfg.Journal.DSN = strings.TrimSpace(cfg.Journal.DSN)
}

// Validate ensures the configuration is internally consistent.
func (cfg Config) Validate() error {
	if len(cfg.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth: jwt secret must be at least 32 bytes (set %s)", cfg.Auth.JWTSecretEnv)
	}
	if cfg.RateLimit.RequestsPerMinute < 0 || cfg.RateLimit.Burst < 0 {
		return fmt.Errorf("rate_limit: values must be non-negative")
	}
	return nil
}

// Sanitized returns a copy of the Config with secrets masked for logging.
func (cfg Config) Sanitized() Config {
	clone := cfg
	clone.Auth.JWTSecret = logging.MaskValue(clone.Auth.JWTSecret)
	if strings.Contains(clone.Journal.DSN, "@") {
		clone.Journal.DSN = logging.MaskValue(clone.Journal.DSN)
	}
	return clone
}

func stringFromEnv(key, fallback string) string {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	return trimmed
}

func boolFromEnv(key string, fallback bool) bool {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}

func intFromEnv(key string, fallback int) int {
	trimmed := strings.TrimSpace(os.Getenv(key))
	if trimmed == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(trimmed)
	if err != nil {
		return fallback
	}
	return parsed
}
