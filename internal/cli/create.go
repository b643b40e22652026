package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/okian/racetrack/internal/domain/types"
)

// CreateOptions holds flags for the create command.
type CreateOptions struct {
	*RootOptions
	Name     string
	Distance float64
	Unit     string
	Ranked   bool
	Start    bool
}

// NewCreateCommand creates the create command.
func NewCreateCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CreateOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "create [race-id]",
		Short: "Create a race on the relay server",
		Long: `Create a race on the relay server and print its id.

Without an id the server picks one. --start stamps the start time right away;
otherwise the race starts on the first runner's activity.

Example:
  racer create harbour-5k --distance 5000 --ranked --start`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := ""
			if len(args) == 1 {
				id = args[0]
			}
			return createRace(opts, id, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Name, "name", "", "display name of the race")
	cmd.Flags().Float64Var(&opts.Distance, "distance", 5000, "race distance in meters")
	cmd.Flags().StringVar(&opts.Unit, "unit", "km", "pace unit: km or mi")
	cmd.Flags().BoolVar(&opts.Ranked, "ranked", false, "update ranked profiles on finish")
	cmd.Flags().BoolVar(&opts.Start, "start", false, "start the race immediately")

	return cmd
}

func createRace(opts *CreateOptions, id string, cmd *cobra.Command) error {
	c, err := opts.client()
	if err != nil {
		return err
	}
	race, err := c.CreateRace(cmd.Context(), types.CreateRaceRequest{
		ID:             id,
		Name:           opts.Name,
		DistanceMeters: opts.Distance,
		Unit:           opts.Unit,
		Ranked:         opts.Ranked,
		Start:          opts.Start,
	})
	if err != nil {
		return fmt.Errorf("create race: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), race.ID)
	return nil
}
