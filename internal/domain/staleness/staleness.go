// Package staleness decides whether a remote runner's last sample can still be trusted.
package staleness

import "time"

// Default windows. In-race tracking tolerates longer silences than post-race convergence.
const (
	InRaceWindow   = 30 * time.Second
	PostRaceWindow = 10 * time.Second
)

// IsStale reports whether now - lastUpdateAt exceeds window.
// A sample exactly window old is still fresh.
func IsStale(lastUpdateAt, now time.Time, window time.Duration) bool {
	return now.Sub(lastUpdateAt) > window
}
