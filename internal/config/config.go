// Package config defines service configuration structures and loading hooks.
//
// Conventions:
// - Provide New() initializer to build a Config with defaults.
// - Loading layers defaults, an optional YAML file and RACETRACK_ env vars.
// - External errors are wrapped with this package's sentinel kinds.
package config

import (
	"time"

	"github.com/okian/racetrack/internal/race/session"
)

// Transport names accepted by the racer client.
const (
	TransportWebsocket = "websocket"
	TransportRedis     = "redis"
	TransportMemory    = "memory"
)

// Config contains process configuration for both the relay server and the racer client.
type Config struct {
	// LogLevel controls verbosity: debug, info, warn, error.
	LogLevel string `koanf:"log_level"`

	// Addr configures the relay HTTP listen address, e.g. ":9090".
	Addr string `koanf:"addr"`

	// DBPath is the sqlite database file used by the relay server.
	DBPath string `koanf:"db_path"`

	// Transport selects the broadcast channel: websocket, redis or memory.
	Transport string `koanf:"transport"`

	// RedisURL is used when Transport is redis, e.g. redis://localhost:6379/0.
	RedisURL string `koanf:"redis_url"`

	// ServerURL is the relay base URL the racer client talks to.
	ServerURL string `koanf:"server_url"`

	// InRaceStalenessSec and PostRaceStalenessSec are the two staleness windows.
	InRaceStalenessSec   int `koanf:"in_race_staleness_sec"`
	PostRaceStalenessSec int `koanf:"post_race_staleness_sec"`

	// PollIntervalMS is the authoritative snapshot poll period.
	PollIntervalMS int `koanf:"poll_interval_ms"`

	// TickIntervalMS drives local movement.
	TickIntervalMS int `koanf:"tick_interval_ms"`

	// PublishIntervalMS throttles local sample broadcasts.
	PublishIntervalMS int `koanf:"publish_interval_ms"`

	// DedupeSize bounds the window of remembered broadcast message ids.
	DedupeSize int `koanf:"dedupe_size"`

	// LookupQueueSize and LookupWorkers size the profile lookup pool.
	LookupQueueSize int `koanf:"lookup_queue_size"`
	LookupWorkers   int `koanf:"lookup_workers"`

	// SubscriberBuffer is the per-subscriber message buffer on broadcast channels.
	SubscriberBuffer int `koanf:"subscriber_buffer"`

	// MaxTierSpread is the default matchmaking spread.
	MaxTierSpread int `koanf:"max_tier_spread"`

	// LingerSec is how long the racer keeps results updating after finishing.
	LingerSec int `koanf:"linger_sec"`
}

// New creates a Config populated with defaults.
func New() *Config {
	return &Config{
		LogLevel:             "info",
		Addr:                 ":9090",
		DBPath:               "racetrack.db",
		Transport:            TransportWebsocket,
		RedisURL:             "redis://localhost:6379/0",
		ServerURL:            "http://localhost:9090",
		InRaceStalenessSec:   30,
		PostRaceStalenessSec: 10,
		PollIntervalMS:       3000,
		TickIntervalMS:       250,
		PublishIntervalMS:    1000,
		DedupeSize:           4096,
		LookupQueueSize:      256,
		LookupWorkers:        2,
		SubscriberBuffer:     256,
		MaxTierSpread:        1,
		LingerSec:            30,
	}
}

// InRaceWindow returns the in-race staleness window.
func (c *Config) InRaceWindow() time.Duration {
	return time.Duration(c.InRaceStalenessSec) * time.Second
}

// PostRaceWindow returns the post-race staleness window.
func (c *Config) PostRaceWindow() time.Duration {
	return time.Duration(c.PostRaceStalenessSec) * time.Second
}

// PollInterval returns the authoritative poll period.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMS) * time.Millisecond
}

// TickInterval returns the local movement tick period.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.TickIntervalMS) * time.Millisecond
}

// PublishInterval returns the local sample broadcast period.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.PublishIntervalMS) * time.Millisecond
}

// Linger returns how long the racer waits for stragglers after finishing.
func (c *Config) Linger() time.Duration {
	return time.Duration(c.LingerSec) * time.Second
}

// SessionOptions maps the racer settings onto race session options.
func (c *Config) SessionOptions() []session.Option {
	return []session.Option{
		session.WithPollInterval(c.PollInterval()),
		session.WithTickInterval(c.TickInterval()),
		session.WithPublishInterval(c.PublishInterval()),
		session.WithStalenessWindows(c.InRaceWindow(), c.PostRaceWindow()),
		session.WithDedupeSize(c.DedupeSize),
		session.WithLookupQueue(c.LookupQueueSize, c.LookupWorkers),
	}
}
