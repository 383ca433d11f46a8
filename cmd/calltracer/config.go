package main

import (
	"fmt"
	"time"

	"github.com/ilyakaznacheev/cleanenv"

	"github.com/getsentry/calltracer/internal/errorutil"
)

type ServiceConfig struct {
	Environment string `env:"SENTRY_ENVIRONMENT" env-default:"development"`
	SentryDSN   string `env:"SENTRY_DSN"`
	LogLevel    string `env:"CALLTRACER_LOG_LEVEL" env-default:"info"`

	// Simulated interpreter threads running request handlers.
	Workers          int           `env:"CALLTRACER_WORKERS" env-default:"4"`
	WorkloadInterval time.Duration `env:"CALLTRACER_WORKLOAD_INTERVAL" env-default:"10ms"`

	MaxUniqueFunctions uint `env:"CALLTRACER_MAX_UNIQUE_FUNCTIONS" env-default:"100"`
	MaxNumOfExamples   uint `env:"CALLTRACER_MAX_EXAMPLES" env-default:"5"`
}

func readServiceConfig() (ServiceConfig, error) {
	var c ServiceConfig
	if err := cleanenv.ReadEnv(&c); err != nil {
		return ServiceConfig{}, fmt.Errorf("reading service config: %w", err)
	}
	if c.Workers < 0 {
		return ServiceConfig{}, fmt.Errorf("%w: CALLTRACER_WORKERS must not be negative, got %d", errorutil.ErrInvalidArgument, c.Workers)
	}
	if c.WorkloadInterval <= 0 {
		return ServiceConfig{}, fmt.Errorf("%w: CALLTRACER_WORKLOAD_INTERVAL must be positive, got %v", errorutil.ErrInvalidArgument, c.WorkloadInterval)
	}
	return c, nil
}
