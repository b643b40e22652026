package config

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

const envPrefix = "RACETRACK_"

// Load builds a Config by layering defaults, optional file, and env vars.
// Order of precedence (low -> high):
//  1. defaults (New())
//  2. file (YAML) if RACETRACK_CONFIG is set
//  3. env (prefix RACETRACK_)
func Load(_ context.Context) (*Config, error) {
	base := New()

	k := koanf.New(".")

	if path := os.Getenv(envPrefix + "CONFIG"); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrLoadConfig, path, err)
		}
	}

	// RACETRACK_POLL_INTERVAL_MS -> poll_interval_ms (flat keys, underscores kept)
	envProvider := env.Provider(envPrefix, ".", func(s string) string {
		return strings.TrimPrefix(strings.ToLower(s), strings.ToLower(envPrefix))
	})
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("%w: env: %w", ErrLoadConfig, err)
	}

	cfg := *base
	if err := k.UnmarshalWithConf("", &cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrLoadConfig, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks the fields a process cannot run without.
func (c *Config) Validate() error {
	switch {
	case strings.TrimSpace(c.Addr) == "":
		return fmt.Errorf("%w: addr must not be empty", ErrInvalidConfig)
	case c.InRaceStalenessSec <= 0 || c.PostRaceStalenessSec <= 0:
		return fmt.Errorf("%w: staleness windows must be positive", ErrInvalidConfig)
	case c.PollIntervalMS <= 0 || c.TickIntervalMS <= 0 || c.PublishIntervalMS <= 0:
		return fmt.Errorf("%w: intervals must be positive", ErrInvalidConfig)
	case c.MaxTierSpread < 0:
		return fmt.Errorf("%w: max_tier_spread must not be negative", ErrInvalidConfig)
	case c.LingerSec < 0:
		return fmt.Errorf("%w: linger_sec must not be negative", ErrInvalidConfig)
	}
	switch c.Transport {
	case TransportWebsocket, TransportRedis, TransportMemory:
	default:
		return fmt.Errorf("%w: unknown transport %q", ErrInvalidConfig, c.Transport)
	}
	return nil
}
