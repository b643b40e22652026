// Package cli implements the racer command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/okian/racetrack/internal/adapters/broadcast/memory"
	"github.com/okian/racetrack/internal/adapters/broadcast/redisbus"
	"github.com/okian/racetrack/internal/adapters/broadcast/ws"
	"github.com/okian/racetrack/internal/adapters/http/client"
	"github.com/okian/racetrack/internal/config"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ServerURL string
	Transport string
	RedisURL  string
	Verbose   bool

	// Config is loaded before any subcommand runs; flags override it.
	Config *config.Config
}

// NewRootCommand creates the root command for the racer CLI.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "racer",
		Short: "Headless client for realtime races",
		Long:  "Create races, run a racer against a relay server, inspect ranks and simulate crowds.",
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return opts.load(cmd)
		},
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	// Global flags
	cmd.PersistentFlags().StringVar(&opts.ServerURL, "server", "", "relay server base URL (default from config)")
	cmd.PersistentFlags().StringVar(&opts.Transport, "transport", "", "broadcast transport: websocket, redis or memory")
	cmd.PersistentFlags().StringVar(&opts.RedisURL, "redis", "", "redis URL for the redis transport")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewCreateCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewRankCommand(opts))
	cmd.AddCommand(NewSimulateCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	if err := logger.InitWithWriter(cmd.ErrOrStderr()); err != nil {
		return fmt.Errorf("initialize logging: %w", err)
	}
	cfg, err := config.Load(cmd.Context())
	if err != nil {
		return err
	}
	if o.ServerURL != "" {
		cfg.ServerURL = o.ServerURL
	}
	if o.Transport != "" {
		cfg.Transport = strings.ToLower(o.Transport)
	}
	if o.RedisURL != "" {
		cfg.RedisURL = o.RedisURL
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	if err := logger.SetLevelString(level); err != nil {
		return err
	}
	o.Config = cfg
	return nil
}

func (o *RootOptions) client() (*client.Client, error) {
	return client.New(o.Config.ServerURL, client.WithLogger(logger.Named("client")))
}

// channels builds a channel factory for the configured transport. The
// returned closer releases shared connections.
func (o *RootOptions) channels(ctx context.Context, c *client.Client) (func(model.RaceID) (session.BroadcastChannel, error), io.Closer, error) {
	switch o.Config.Transport {
	case config.TransportRedis:
		bus, err := redisbus.Dial(ctx, o.Config.RedisURL,
			redisbus.WithBuffer(o.Config.SubscriberBuffer),
			redisbus.WithLogger(logger.Named("redis")))
		if err != nil {
			return nil, nil, err
		}
		return func(raceID model.RaceID) (session.BroadcastChannel, error) {
			return bus.Channel(raceID), nil
		}, bus, nil
	case config.TransportMemory:
		bus := memory.NewBus(memory.WithBuffer(o.Config.SubscriberBuffer))
		return func(raceID model.RaceID) (session.BroadcastChannel, error) {
			return bus.Channel(raceID), nil
		}, closerFunc(bus.Close), nil
	default:
		return func(raceID model.RaceID) (session.BroadcastChannel, error) {
			return ws.NewChannel(c.RelayURL(raceID), ws.WithLogger(logger.Named("ws"))), nil
		}, closerFunc(func() {}), nil
	}
}

type closerFunc func()

func (f closerFunc) Close() error {
	f()
	return nil
}
