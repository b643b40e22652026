// Package pace converts raw speed into display pace and distance deltas.
package pace

import (
	"fmt"
	"math"
	"strings"
	"time"
)

// NoPace is shown instead of a pace when the runner is effectively idle.
const NoPace = "--:--"

// idleSpeedMps is the speed at or below which no pace is shown.
const idleSpeedMps = 0.1

// Unit is the distance unit a race reports pace in. Fixed at race creation.
type Unit int

const (
	Kilometer Unit = iota
	Mile
)

// Meters returns the length of one unit in meters.
func (u Unit) Meters() float64 {
	if u == Mile {
		return 1609.34
	}
	return 1000.0
}

func (u Unit) String() string {
	if u == Mile {
		return "mi"
	}
	return "km"
}

// ParseUnit accepts "km", "kilometer", "mi", "mile" (case-insensitive).
func ParseUnit(s string) (Unit, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "km", "kilometer", "kilometers":
		return Kilometer, nil
	case "mi", "mile", "miles":
		return Mile, nil
	}
	return Kilometer, fmt.Errorf("unknown unit %q", s)
}

// Pace formats speed as minutes:seconds per unit. Seconds are truncated.
func Pace(speedMps float64, unit Unit) string {
	if !(speedMps > idleSpeedMps) || math.IsInf(speedMps, 0) {
		return NoPace
	}
	return formatSeconds(unit.Meters() / speedMps)
}

// MinutesPerUnit returns pace as fractional minutes per unit, or 0 when idle.
func MinutesPerUnit(speedMps float64, unit Unit) float64 {
	if !(speedMps > idleSpeedMps) || math.IsInf(speedMps, 0) {
		return 0
	}
	return unit.Meters() / speedMps / 60
}

// FormatMinutes formats a minutes-per-unit pace the same way Pace does.
func FormatMinutes(minutes float64) string {
	if !(minutes > 0) || math.IsInf(minutes, 0) {
		return NoPace
	}
	return formatSeconds(minutes * 60)
}

func formatSeconds(secondsPerUnit float64) string {
	total := int64(secondsPerUnit)
	return fmt.Sprintf("%d:%02d", total/60, total%60)
}

// AdvanceDistance moves a runner forward by speed*dt, capped at capacity.
// Negative speed or dt never moves a runner backwards.
func AdvanceDistance(previous, speedMps, deltaSeconds, capacity float64) float64 {
	step := speedMps * deltaSeconds
	if !(step > 0) || math.IsInf(step, 0) {
		step = 0
	}
	return math.Min(previous+step, capacity)
}

// Clock tracks the previous tick so the first tick of a session yields dt=0.
type Clock struct {
	last time.Time
}

// Delta returns seconds since the previous call, or 0 on the first call.
// A clock that goes backwards also yields 0.
func (c *Clock) Delta(now time.Time) float64 {
	defer func() { c.last = now }()
	if c.last.IsZero() {
		return 0
	}
	d := now.Sub(c.last).Seconds()
	if d < 0 {
		return 0
	}
	return d
}
