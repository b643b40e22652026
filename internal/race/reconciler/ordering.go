package reconciler

import (
	"cmp"
	"strings"

	"github.com/okian/racetrack/internal/domain/model"
)

// Ordering compares two leaderboard rows. A negative result puts a first.
type Ordering func(a, b model.RunnerView) int

// RaceOrdering puts finishers first by finish time, then everyone else by
// distance descending. Ties fall back to user id ascending.
func RaceOrdering(a, b model.RunnerView) int {
	switch {
	case a.Finished && !b.Finished:
		return -1
	case !a.Finished && b.Finished:
		return 1
	case a.Finished && b.Finished:
		if c := cmp.Compare(a.FinishTime, b.FinishTime); c != 0 {
			return c
		}
	default:
		if c := cmp.Compare(b.DistanceMeters, a.DistanceMeters); c != 0 {
			return c
		}
	}
	return tieBreak(a, b)
}

// CasualOrdering ranks purely by distance covered.
func CasualOrdering(a, b model.RunnerView) int {
	if c := cmp.Compare(b.DistanceMeters, a.DistanceMeters); c != 0 {
		return c
	}
	return tieBreak(a, b)
}

func tieBreak(a, b model.RunnerView) int {
	if c := strings.Compare(string(a.UserID()), string(b.UserID())); c != 0 {
		return c
	}
	// Local sorts before a remote with the same id; never expected in practice.
	return cmp.Compare(a.Identity.Kind(), b.Identity.Kind())
}
