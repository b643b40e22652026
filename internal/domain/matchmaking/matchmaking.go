// Package matchmaking holds the tier compatibility rules used to pair opponents.
package matchmaking

import (
	"github.com/okian/racetrack/internal/domain/ladder"
)

// DefaultSpread is the widest tier gap allowed by default.
const DefaultSpread = 1

// CanMatch reports whether two tiers are at most maxSpread apart.
func CanMatch(a, b ladder.Tier, maxSpread int) bool {
	gap := int(a) - int(b)
	if gap < 0 {
		gap = -gap
	}
	return gap <= maxSpread
}

// TierRange lists the tiers within spread of tier, clamped to the ladder, ascending.
func TierRange(tier ladder.Tier, spread int) []ladder.Tier {
	if spread < 0 {
		spread = 0
	}
	lo := max(int(tier)-spread, int(ladder.Bronze))
	hi := min(int(tier)+spread, int(ladder.Champion))
	out := make([]ladder.Tier, 0, hi-lo+1)
	for t := lo; t <= hi; t++ {
		out = append(out, ladder.Tier(t))
	}
	return out
}

// Compatible filters candidates down to those matchable with p.
// Candidates with the same user id as p are skipped.
func Compatible(p ladder.RankedProfile, candidates []ladder.RankedProfile, spread int) []ladder.RankedProfile {
	var out []ladder.RankedProfile
	for _, c := range candidates {
		if c.UserID == p.UserID {
			continue
		}
		if CanMatch(p.Tier, c.Tier, spread) {
			out = append(out, c)
		}
	}
	return out
}
