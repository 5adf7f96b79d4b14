// Package config implements environment-driven configuration for subguard.
//
// The loading sequence is:
//  1. Enforce UTC to prevent timezone drift in grace-period math.
//  2. Load .env via godotenv (non-fatal if absent).
//  3. Populate the Config struct via envconfig struct tags.
//  4. Validate the struct using go-playground/validator.
package config

import (
	"time"

	"subguard/internal/types"
)

// Config is the root configuration for the subguard daemon.
type Config struct {
	Environment string `envconfig:"APP_ENV" default:"local" validate:"required,oneof=local dev staging prod"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info" validate:"oneof=debug info warn error"`

	Server      ServerConfig
	Provider    ProviderConfig
	Entitlement EntitlementConfig
	Tiers       TierConfig
}

// ServerConfig holds the HTTP listener settings.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8080"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// ProviderConfig holds billing provider connection settings.
type ProviderConfig struct {
	APIKey  types.SecretString `envconfig:"PROVIDER_API_KEY" validate:"required"`
	BaseURL string             `envconfig:"PROVIDER_BASE_URL" default:"https://api.billing.example.com" validate:"url"`
	Timeout time.Duration      `envconfig:"PROVIDER_TIMEOUT" default:"20s"`
}

// EntitlementConfig identifies the entitlement this deployment gates on and
// the stable application identifier the encryption key is derived from.
type EntitlementConfig struct {
	ID            string        `envconfig:"ENTITLEMENT_ID" default:"premium" validate:"required"`
	AppIdentifier string        `envconfig:"APP_IDENTIFIER" validate:"required"`
	RefreshEvery  time.Duration `envconfig:"STATUS_REFRESH_INTERVAL" default:"1h"`
}

// TierConfig configures the persistence tiers, in priority order: the
// sqlite platform store is the primary tier and always required; the redis
// and postgres tiers are optional service-level tiers enabled when their
// addresses are set; the legacy directory tier is always mounted last so
// pre-encryption data remains readable.
type TierConfig struct {
	SQLitePath  string             `envconfig:"SQLITE_PATH" default:"subguard.db" validate:"required"`
	RedisAddr   string             `envconfig:"REDIS_ADDR"`
	PostgresDSN types.SecretString `envconfig:"POSTGRES_DSN"`
	LegacyDir   string             `envconfig:"LEGACY_STORE_DIR" default:".subguard"`
}
