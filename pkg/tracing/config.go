package tracing

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// Config holds instrumentation settings, read once at startup.
type Config struct {
	// ExperimentalSpanAttributes gates the grpc.canceled span attribute
	// recorded when a call is canceled by the client.
	ExperimentalSpanAttributes bool `env:"GRPC_TRACING_EXPERIMENTAL_SPAN_ATTRIBUTES" envDefault:"false"`
}

func LoadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse tracing config: %w", err)
	}
	return cfg, nil
}
