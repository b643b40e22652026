package cli

import (
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/racetrack/internal/config"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/internal/racer"
	"github.com/okian/racetrack/pkg/logger"
)

// RunOptions holds flags for the run command.
type RunOptions struct {
	*RootOptions
	User    string
	Name    string
	Country string
	Speed   float64
	FIT     string
	Render  time.Duration
}

// NewRunCommand creates the run command.
func NewRunCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RunOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "run <race-id>",
		Short: "Join a race and run it",
		Long: `Join a race as --user and run it at a constant --speed or by replaying
a recorded FIT activity. The leaderboard is printed while racing; after the
finish, results keep updating for the configured linger period.

Interrupting before the finish marks the runner as disconnected.

Example:
  racer run harbour-5k --user alice --speed 3.6
  racer run harbour-5k --user bob --fit morning-run.fit`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRace(opts, model.RaceID(args[0]), cmd)
		},
	}

	cmd.Flags().StringVar(&opts.User, "user", "", "user id to race as (required)")
	cmd.Flags().StringVar(&opts.Name, "name", "", "display name to publish before racing")
	cmd.Flags().StringVar(&opts.Country, "country", "", "two letter country code to publish")
	cmd.Flags().Float64Var(&opts.Speed, "speed", 3, "constant speed in m/s")
	cmd.Flags().StringVar(&opts.FIT, "fit", "", "FIT activity file to replay instead of --speed")
	cmd.Flags().DurationVar(&opts.Render, "render", time.Second, "leaderboard refresh period")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}

func runRace(opts *RunOptions, raceID model.RaceID, cmd *cobra.Command) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var speed session.SpeedSource = session.ConstantSpeed(opts.Speed)
	if opts.FIT != "" {
		replay, err := racer.LoadFIT(opts.FIT)
		if err != nil {
			return err
		}
		logger.Get().Info(ctx, "replaying activity", logger.String("file", opts.FIT), logger.Duration("duration", replay.Duration()))
		speed = replay
	}

	c, err := opts.client()
	if err != nil {
		return err
	}
	userID := model.UserID(opts.User)
	if opts.Name != "" {
		meta := model.Metadata{DisplayName: opts.Name, CountryCode: opts.Country}
		if err := c.PutProfile(ctx, userID, meta); err != nil {
			return fmt.Errorf("publish profile: %w", err)
		}
	}

	channels, closer, err := opts.channels(ctx, c)
	if err != nil {
		return err
	}
	defer closer.Close()
	var channel session.BroadcastChannel
	if opts.Config.Transport != config.TransportMemory {
		if channel, err = channels(raceID); err != nil {
			return err
		}
	}

	r := racer.New(c, channel, c.RankedProfiles(), speed, cmd.OutOrStdout(),
		racer.WithLinger(opts.Config.Linger()),
		racer.WithRenderInterval(opts.Render),
		racer.WithSessionOptions(opts.Config.SessionOptions()...),
	)
	if _, err := r.Run(ctx, raceID, userID); err != nil {
		if errors.Is(err, racer.ErrLeft) {
			fmt.Fprintln(cmd.ErrOrStderr(), "left the race")
		}
		return err
	}
	return nil
}
