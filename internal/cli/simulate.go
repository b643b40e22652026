package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/loadtest"
)

// SimulateOptions holds flags for the simulate command.
type SimulateOptions struct {
	*RootOptions
	RaceID   string
	Runners  int
	Distance float64
	Unit     string
	Ranked   bool
	MinSpeed float64
	MaxSpeed float64
	Seed     uint64
	Timeout  time.Duration
	Frames   bool
}

// NewSimulateCommand creates the simulate command.
func NewSimulateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &SimulateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Race a crowd of simulated runners against the relay",
		Long: `Create a race, join --runners simulated runners at speeds spread between
--min-speed and --max-speed, race them concurrently and verify the
authoritative standings afterwards.

With --transport memory the runners share an in-process bus and the relay
is only used for the authoritative store.

Example:
  racer simulate --runners 20 --distance 400 --ranked`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return simulate(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.RaceID, "race", "", "race id to create (default random)")
	cmd.Flags().IntVar(&opts.Runners, "runners", 10, "number of simulated runners")
	cmd.Flags().Float64Var(&opts.Distance, "distance", 400, "race distance in meters")
	cmd.Flags().StringVar(&opts.Unit, "unit", "km", "pace unit: km or mi")
	cmd.Flags().BoolVar(&opts.Ranked, "ranked", false, "update ranked profiles on finish")
	cmd.Flags().Float64Var(&opts.MinSpeed, "min-speed", 2.5, "slowest runner in m/s")
	cmd.Flags().Float64Var(&opts.MaxSpeed, "max-speed", 5, "fastest runner in m/s")
	cmd.Flags().Uint64Var(&opts.Seed, "seed", 1, "seed for runner speeds")
	cmd.Flags().DurationVar(&opts.Timeout, "timeout", 10*time.Minute, "deadline for the whole race")
	cmd.Flags().BoolVar(&opts.Frames, "frames", false, "print every runner's leaderboard frames")

	return cmd
}

func simulate(opts *SimulateOptions, cmd *cobra.Command) error {
	ctx := cmd.Context()
	c, err := opts.client()
	if err != nil {
		return err
	}
	channels, closer, err := opts.channels(ctx, c)
	if err != nil {
		return err
	}
	defer closer.Close()

	report, err := loadtest.Run(ctx, c, channels, loadtest.Config{
		RaceID:         model.RaceID(opts.RaceID),
		Runners:        opts.Runners,
		DistanceMeters: opts.Distance,
		Unit:           opts.Unit,
		Ranked:         opts.Ranked,
		MinSpeed:       opts.MinSpeed,
		MaxSpeed:       opts.MaxSpeed,
		Seed:           opts.Seed,
		Linger:         opts.Config.Linger(),
		Timeout:        opts.Timeout,
		Verbose:        opts.Frames,
	}, cmd.OutOrStdout(), opts.Config.SessionOptions()...)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, res := range report.Results {
		if res.Err != nil {
			fmt.Fprintf(out, "%-12s %5.2f m/s  failed: %v\n", res.UserID, res.Speed, res.Err)
			continue
		}
		fmt.Fprintf(out, "%-12s %5.2f m/s  place %d  %+d LP\n", res.UserID, res.Speed, res.Place, res.Delta)
	}
	return nil
}
