package repository

import (
	"errors"
	"fmt"

	"github.com/okian/racetrack/internal/domain/model"
)

// Sentinel kinds for repository errors.
var (
	ErrNotFound     = fmt.Errorf("repository: %w", model.ErrNotFound)
	ErrRaceExists   = errors.New("race already exists")
	ErrInvalidRace  = errors.New("invalid race")
	ErrNotStarted   = errors.New("race not started")
	ErrInvalidLimit = errors.New("invalid list limit")
)
