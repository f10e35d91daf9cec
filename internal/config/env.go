package config

import (
	"fmt"

	"github.com/caarlos0/env/v11"
)

// ServerEnv is the process environment read by `drd serve`.
type ServerEnv struct {
	Addr             string `env:"DRDFLOW_ADDR" envDefault:"127.0.0.1:8080"`
	BasePath         string `env:"DRDFLOW_BASE_PATH" envDefault:"/v0"`
	JWTSecret        string `env:"DRDFLOW_JWT_SECRET"`
	AllowActorHeader bool   `env:"DRDFLOW_ALLOW_ACTOR_HEADER" envDefault:"false"`
	LogLevel         string `env:"DRDFLOW_LOG_LEVEL" envDefault:"info"`
	LogFormat        string `env:"DRDFLOW_LOG_FORMAT" envDefault:"text"`
	OTelEndpoint     string `env:"DRDFLOW_OTEL_ENDPOINT"`
}

// ParseEnv loads configuration from environment variables.
func ParseEnv(target any) error {
	if err := env.Parse(target); err != nil {
		return fmt.Errorf("parse env: %w", err)
	}
	return nil
}

// LoadServerEnv parses ServerEnv and checks the combination is usable.
func LoadServerEnv() (ServerEnv, error) {
	var cfg ServerEnv
	if err := ParseEnv(&cfg); err != nil {
		return cfg, err
	}
	if cfg.JWTSecret == "" && !cfg.AllowActorHeader {
		return cfg, fmt.Errorf("DRDFLOW_JWT_SECRET is required unless DRDFLOW_ALLOW_ACTOR_HEADER=true")
	}
	return cfg, nil
}
