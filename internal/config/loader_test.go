package config

import (
	"strings"
	"testing"
	"time"
)

func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("PROVIDER_API_KEY", "sk_test_123")
	t.Setenv("APP_IDENTIFIER", "com.example.app")
}

func TestLoadConfig_Defaults(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Environment != "local" {
		t.Errorf("Environment = %q, want local", cfg.Environment)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.Server.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Server.Port)
	}
	if cfg.Provider.Timeout != 20*time.Second {
		t.Errorf("Provider.Timeout = %v, want 20s", cfg.Provider.Timeout)
	}
	if cfg.Entitlement.ID != "premium" {
		t.Errorf("Entitlement.ID = %q, want premium", cfg.Entitlement.ID)
	}
	if cfg.Entitlement.RefreshEvery != time.Hour {
		t.Errorf("RefreshEvery = %v, want 1h", cfg.Entitlement.RefreshEvery)
	}
	if cfg.Tiers.SQLitePath != "subguard.db" {
		t.Errorf("SQLitePath = %q", cfg.Tiers.SQLitePath)
	}
	if cfg.Tiers.RedisAddr != "" {
		t.Errorf("RedisAddr should default empty, got %q", cfg.Tiers.RedisAddr)
	}
}

func TestLoadConfig_Overrides(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "prod")
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("PORT", "9090")
	t.Setenv("ENTITLEMENT_ID", "pro")
	t.Setenv("STATUS_REFRESH_INTERVAL", "15m")
	t.Setenv("REDIS_ADDR", "localhost:6379")

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Environment != "prod" || cfg.LogLevel != "debug" {
		t.Errorf("overrides not applied: %+v", cfg)
	}
	if cfg.Server.Port != "9090" {
		t.Errorf("Port = %q, want 9090", cfg.Server.Port)
	}
	if cfg.Entitlement.ID != "pro" {
		t.Errorf("Entitlement.ID = %q, want pro", cfg.Entitlement.ID)
	}
	if cfg.Entitlement.RefreshEvery != 15*time.Minute {
		t.Errorf("RefreshEvery = %v, want 15m", cfg.Entitlement.RefreshEvery)
	}
	if cfg.Tiers.RedisAddr != "localhost:6379" {
		t.Errorf("RedisAddr = %q", cfg.Tiers.RedisAddr)
	}
}

func TestLoadConfig_MissingAPIKey(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "")
	t.Setenv("APP_IDENTIFIER", "com.example.app")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected validation failure without provider API key")
	}
}

func TestLoadConfig_MissingAppIdentifier(t *testing.T) {
	t.Setenv("PROVIDER_API_KEY", "sk_test_123")
	t.Setenv("APP_IDENTIFIER", "")

	if _, err := LoadConfig(); err == nil {
		t.Fatal("expected validation failure without app identifier")
	}
}

func TestLoadConfig_InvalidEnvironment(t *testing.T) {
	setRequiredEnv(t)
	t.Setenv("APP_ENV", "production-ish")

	_, err := LoadConfig()
	if err == nil {
		t.Fatal("expected validation failure for unknown environment")
	}
	if !strings.Contains(err.Error(), "invalid configuration") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadConfig_SecretNotPrintable(t *testing.T) {
	setRequiredEnv(t)

	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if got := cfg.Provider.APIKey.String(); strings.Contains(got, "sk_test_123") {
		t.Errorf("secret leaked through String(): %q", got)
	}
	if cfg.Provider.APIKey.Unmask() != "sk_test_123" {
		t.Error("Unmask must return the raw secret")
	}
}
