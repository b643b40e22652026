package loadtest

import (
	"errors"
	"fmt"
	"time"

	"github.com/okian/racetrack/internal/domain/model"
)

// ErrInvalidConfig is returned for unusable simulation settings.
var ErrInvalidConfig = errors.New("invalid simulation config")

// Config holds the settings of one simulated race.
type Config struct {
	RaceID         model.RaceID  // Race to create; empty picks a uuid
	Runners        int           // Number of simulated racers
	DistanceMeters float64       // Race distance
	Unit           string        // km or mi
	Ranked         bool          // Update ranked profiles on finish
	MinSpeed       float64       // Slowest runner speed in m/s
	MaxSpeed       float64       // Fastest runner speed in m/s
	Seed           uint64        // Seed for runner speeds
	Linger         time.Duration // Per-racer linger after finishing
	Timeout        time.Duration // Whole-race deadline
	Verbose        bool          // Print every racer's leaderboard frames
}

// Validate checks the settings.
func (c *Config) Validate() error {
	switch {
	case c.Runners < 1:
		return fmt.Errorf("%w: need at least one runner", ErrInvalidConfig)
	case !(c.DistanceMeters > 0):
		return fmt.Errorf("%w: distance must be positive", ErrInvalidConfig)
	case !(c.MinSpeed > 0) || c.MaxSpeed < c.MinSpeed:
		return fmt.Errorf("%w: speeds must satisfy 0 < min <= max", ErrInvalidConfig)
	case c.Timeout <= 0:
		return fmt.Errorf("%w: timeout must be positive", ErrInvalidConfig)
	}
	return nil
}

// Stats holds simulation statistics.
type Stats struct {
	RunnersStarted  int
	RunnersFinished int
	RunnersFailed   int
	RankedUpdates   int
	StartTime       time.Time
	EndTime         time.Time
	Duration        time.Duration
}

// Result is one simulated racer's run.
type Result struct {
	UserID model.UserID
	Speed  float64
	Place  int
	Delta  int
	Err    error
}
