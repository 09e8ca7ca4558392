package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"lendbridge/observability/logging"
)

const testSecret = "0123456789abcdef0123456789abcdef"

func writeConfig(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "adapterd.yaml")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv(defaultJWTSecretEnv, testSecret)
	path := writeConfig(t, `
listen: " :9000 "
journal:
  dsn: " journal.db "
quota:
  max_requests_per_epoch: 10
  epoch_seconds: 60
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != ":9000" {
		t.Fatalf("unexpected listen address %q", cfg.ListenAddress)
	}
	if cfg.ProtocolConfig != defaultProtocolConfig {
		t.Fatalf("unexpected protocol config %q", cfg.ProtocolConfig)
	}
	if cfg.Journal.DSN != "journal.db" {
		t.Fatalf("unexpected dsn %q", cfg.Journal.DSN)
	}
	if cfg.RateLimit.RequestsPerMinute != defaultRatePerMin || cfg.RateLimit.Burst != defaultBurst {
		t.Fatalf("unexpected rate limit %+v", cfg.RateLimit)
	}
	if cfg.Quota.MaxRequestsPerEpoch != 10 || cfg.Quota.EpochSeconds != 60 {
		t.Fatalf("unexpected quota %+v", cfg.Quota)
	}
	if cfg.Auth.JWTSecret != testSecret {
		t.Fatalf("secret not read from environment")
	}
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("CUSTOM_SECRET", testSecret)
	t.Setenv(envListen, "127.0.0.1:7000")
	t.Setenv(envRatePerMin, "30")
	t.Setenv(envTelemetry, "true")
	t.Setenv(envJournalDSN, "postgres://user:pw@db/journal")
	path := writeConfig(t, `
listen: ":9000"
auth:
  jwt_secret_env: CUSTOM_SECRET
  issuer: lendbridge
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.ListenAddress != "127.0.0.1:7000" || cfg.RateLimit.RequestsPerMinute != 30 || !cfg.Telemetry {
		t.Fatalf("environment overrides not applied: %+v", cfg)
	}
	if cfg.Auth.Issuer != "lendbridge" {
		t.Fatalf("unexpected issuer %q", cfg.Auth.Issuer)
	}
	sanitized := cfg.Sanitized()
	if sanitized.Auth.JWTSecret != logging.RedactedValue || strings.Contains(sanitized.Journal.DSN, "pw") {
		t.Fatalf("secrets leaked: %+v", sanitized)
	}
}

func TestLoadConfigRequiresSecret(t *testing.T) {
	t.Setenv(defaultJWTSecretEnv, "")
	path := writeConfig(t, `
auth:
  jwt_secret: short
`)
	if _, err := Load(path); err == nil || !strings.Contains(err.Error(), "jwt secret") {
		t.Fatalf("expected jwt secret error, got %v", err)
	}
}

func TestLoadConfigRejectsBadInput(t *testing.T) {
	t.Setenv(defaultJWTSecretEnv, testSecret)
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file error")
	}
	path := writeConfig(t, "listen: [\n")
	if _, err := Load(path); err == nil {
		t.Fatalf("expected decode error")
	}
	path = writeConfig(t, `
rate_limit:
  burst: -1
`)
	if _, err := Load(path); err == nil {
		t.Fatalf("expected negative burst to be rejected")
	}
}

func TestLoadWithoutFile(t *testing.T) {
	t.Setenv(defaultJWTSecretEnv, testSecret)
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenAddress != defaultListen {
		t.Fatalf("unexpected listen %q", cfg.ListenAddress)
	}
}
