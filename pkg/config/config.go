// Package config provides environment-based configuration loading and validation.
//
// This package reads configuration from environment variables (and .env files)
// using struct tags, then validates the loaded configuration.
//
// Usage:
//
//	import "github.com/stanley2058/lilac/pkg/config"
//
//	type AppConfig struct {
//		Port     int    `env:"PORT" env-default:"8787"`
//		LogLevel string `env:"LOG_LEVEL" env-default:"INFO" validate:"required"`
//	}
//
//	var cfg AppConfig
//	if err := config.Load(&cfg); err != nil {
//		log.Fatal(err)
//	}
package config

import (
	"github.com/go-playground/validator/v10"
	"github.com/ilyakaznacheev/cleanenv"
	"github.com/stanley2058/lilac/pkg/errors"
)

// Load reads configuration from .env file or environment variables and validates it.
func Load[T any](cfg *T) error {
	// cleanenv.ReadConfig fails when the file is absent, so fall back to
	// plain environment processing.
	if err := cleanenv.ReadConfig(".env", cfg); err != nil {
		if err := cleanenv.ReadEnv(cfg); err != nil {
			return errors.Wrap(err, "failed to read env config")
		}
	}

	validate := validator.New()
	if err := validate.Struct(cfg); err != nil {
		return errors.New(errors.CodeInvalidConfig, "config validation failed", err)
	}

	return nil
}
