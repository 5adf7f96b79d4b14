package config

import (
	"fmt"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
)

// envPrefix is the prefix applied to all environment variables. Empty so the
// variable names in struct tags are used verbatim.
const envPrefix = ""

// LoadConfig runs the full loading lifecycle and returns a validated Config.
func LoadConfig() (*Config, error) {
	// Grace-period and staleness math assume UTC wall-clock time.
	time.Local = time.UTC

	// A missing .env file is expected outside local development.
	_ = godotenv.Load()

	var cfg Config
	if err := envconfig.Process(envPrefix, &cfg); err != nil {
		return nil, fmt.Errorf("processing environment: %w", err)
	}

	if err := validator.New().Struct(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}
