// Package ladder implements the League Points ranking ladder: the point delta
// a finishing place earns and how that delta moves a profile through divisions
// and tiers.
package ladder

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/okian/racetrack/internal/domain/model"
)

// Ladder constants.
const (
	// PointsPerDivision is the LP needed to promote out of a division.
	PointsPerDivision = 100

	deltaFloor       = -18.0
	deltaSpan        = 46.0 // deltaFloor + deltaSpan = +28
	scaleBase        = 0.6
	scaleGrowth      = 0.4
	fullFieldSize    = 8.0
	winBonus         = 2
	runnerUpBonus    = 1
	lastPlacePenalty = -1
)

// Tier is an ordered rank tier, Bronze lowest.
type Tier int

const (
	Bronze Tier = iota
	Silver
	Gold
	Platinum
	Diamond
	Champion
)

var tierNames = [...]string{"Bronze", "Silver", "Gold", "Platinum", "Diamond", "Champion"}

// Tiers lists every tier in ascending order.
func Tiers() []Tier {
	return []Tier{Bronze, Silver, Gold, Platinum, Diamond, Champion}
}

// Valid reports whether t is a known tier.
func (t Tier) Valid() bool { return t >= Bronze && t <= Champion }

func (t Tier) String() string {
	if !t.Valid() {
		return fmt.Sprintf("Tier(%d)", int(t))
	}
	return tierNames[t]
}

// ParseTier parses a tier name case-insensitively.
func ParseTier(s string) (Tier, error) {
	for i, name := range tierNames {
		if strings.EqualFold(strings.TrimSpace(s), name) {
			return Tier(i), nil
		}
	}
	return Bronze, fmt.Errorf("%w: tier %q", ErrInvalidRank, s)
}

// Division is a step within a tier. IV is the lowest, I the highest.
type Division int

const (
	DivisionI   Division = 1
	DivisionII  Division = 2
	DivisionIII Division = 3
	DivisionIV  Division = 4
)

var divisionNames = map[Division]string{DivisionI: "I", DivisionII: "II", DivisionIII: "III", DivisionIV: "IV"}

func (d Division) String() string {
	if name, ok := divisionNames[d]; ok {
		return name
	}
	return fmt.Sprintf("Division(%d)", int(d))
}

// ParseDivision parses a roman numeral division.
func ParseDivision(s string) (Division, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	for d, name := range divisionNames {
		if name == s {
			return d, nil
		}
	}
	return DivisionIV, fmt.Errorf("%w: division %q", ErrInvalidRank, s)
}

// Div returns a pointer to d for profile literals.
func Div(d Division) *Division { return &d }

// RankedProfile is a runner's position on the ladder.
// Division is nil exactly when Tier is Champion.
type RankedProfile struct {
	UserID       model.UserID
	Tier         Tier
	Division     *Division
	LeaguePoints int
	// HiddenRating is carried for persistence and never used for matching.
	HiddenRating *float64
	UpdatedAt    time.Time
}

// NewProfile returns the starting profile: Bronze IV with 0 LP.
func NewProfile(userID model.UserID, now time.Time) RankedProfile {
	return RankedProfile{
		UserID:    userID,
		Tier:      Bronze,
		Division:  Div(DivisionIV),
		UpdatedAt: now,
	}
}

// Label renders the rank as "Gold II" or "Champion".
func (p RankedProfile) Label() string {
	if p.Tier == Champion || p.Division == nil {
		return p.Tier.String()
	}
	return p.Tier.String() + " " + p.Division.String()
}

// Step returns the profile's division index on the ladder, Bronze IV = 0.
// Champion is a single step above Diamond I.
func (p RankedProfile) Step() int {
	if p.Tier == Champion {
		return int(Champion) * 4
	}
	div := DivisionIV
	if p.Division != nil {
		div = *p.Division
	}
	return int(p.Tier)*4 + (int(DivisionIV) - int(div))
}

// ComputeDelta returns the League Points earned for finishing at place in a
// field of fieldSize runners. A solo race earns nothing.
func ComputeDelta(place, fieldSize int) int {
	if fieldSize <= 1 {
		return 0
	}
	if place < 1 {
		place = 1
	}
	if place > fieldSize {
		place = fieldSize
	}

	n := float64(fieldSize)
	relative := (n - float64(place)) / (n - 1)
	base := deltaFloor + relative*deltaSpan
	scale := scaleBase + scaleGrowth*math.Min(1.0, n/fullFieldSize)

	bonus := 0
	switch {
	case place == 1:
		bonus = winBonus
	case place == 2 && fieldSize >= 3:
		bonus = runnerUpBonus
	case place == fieldSize && fieldSize > 2:
		bonus = lastPlacePenalty
	}

	// math.Round rounds half away from zero.
	return int(math.Round(base*scale + float64(bonus)))
}

// ApplyDelta returns the profile that results from adding delta League Points.
// Champion never changes tier or division and its points are unbounded.
// Bronze IV is the floor: points clamp at 0 there.
func ApplyDelta(p RankedProfile, delta int, now time.Time) RankedProfile {
	next := normalize(p)
	next.UpdatedAt = now
	next.LeaguePoints += delta

	if next.Tier == Champion {
		return next
	}

	for next.LeaguePoints >= PointsPerDivision {
		next.LeaguePoints -= PointsPerDivision
		promote(&next)
		if next.Tier == Champion {
			// Remainder is kept as is, even if still above 100.
			return next
		}
	}

	for next.LeaguePoints < 0 {
		if next.Tier == Bronze && *next.Division == DivisionIV {
			next.LeaguePoints = 0
			break
		}
		next.LeaguePoints += PointsPerDivision
		demote(&next)
	}

	return next
}

func promote(p *RankedProfile) {
	if *p.Division > DivisionI {
		p.Division = Div(*p.Division - 1)
		return
	}
	p.Tier++
	if p.Tier == Champion {
		p.Division = nil
		return
	}
	p.Division = Div(DivisionIV)
}

func demote(p *RankedProfile) {
	if *p.Division < DivisionIV {
		p.Division = Div(*p.Division + 1)
		return
	}
	p.Tier--
	p.Division = Div(DivisionI)
}

// normalize copies p, fixing a missing or out-of-range division.
func normalize(p RankedProfile) RankedProfile {
	next := p
	if next.Tier == Champion {
		next.Division = nil
		return next
	}
	if !next.Tier.Valid() {
		next.Tier = Bronze
	}
	if next.Division == nil || *next.Division < DivisionI || *next.Division > DivisionIV {
		next.Division = Div(DivisionIV)
	} else {
		next.Division = Div(*next.Division)
	}
	return next
}
