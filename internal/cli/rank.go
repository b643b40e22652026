package cli

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
)

// RankOptions holds flags for the rank command.
type RankOptions struct {
	*RootOptions
	Spread int
}

// NewRankCommand creates the rank command.
func NewRankCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &RankOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "rank <user-id>",
		Short: "Show a runner's rank and matchmaking pool",
		Long: `Show a runner's ranked profile and the runners they can be matched
against. Runners without a profile are treated as Bronze IV.

Example:
  racer rank alice --spread 1`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return showRank(opts, model.UserID(args[0]), cmd)
		},
	}

	cmd.Flags().IntVar(&opts.Spread, "spread", -1, "tier spread (default from server)")

	return cmd
}

func showRank(opts *RankOptions, userID model.UserID, cmd *cobra.Command) error {
	ctx := cmd.Context()
	c, err := opts.client()
	if err != nil {
		return err
	}
	profile, err := c.GetRanked(ctx, userID)
	switch {
	case errors.Is(err, model.ErrNotFound):
		profile = ladder.NewProfile(userID, time.Now())
	case err != nil:
		return fmt.Errorf("ranked profile: %w", err)
	}
	spread := opts.Spread
	if spread < 0 {
		spread = opts.Config.MaxTierSpread
	}
	pool, err := c.Matchmaking(ctx, userID, spread)
	if err != nil {
		return fmt.Errorf("matchmaking: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%s  %s  %d LP\n", userID, profile.Label(), profile.LeaguePoints)
	fmt.Fprintf(out, "matches %s (spread %d)\n", strings.Join(pool.Tiers, ", "), pool.Spread)
	for _, cand := range pool.Candidates {
		if model.UserID(cand.UserID) == userID {
			continue
		}
		fmt.Fprintf(out, "  %-20s %-12s %3d LP\n", cand.UserID, cand.Label, cand.LeaguePoints)
	}
	return nil
}
