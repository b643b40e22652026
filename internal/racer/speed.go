package racer

import (
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/tormoder/fit"

	"github.com/okian/racetrack/internal/race/session"
)

// ErrNoSpeedSamples is returned for activities without usable speed records.
var ErrNoSpeedSamples = errors.New("activity has no speed samples")

var _ session.SpeedSource = (*Replay)(nil)

type speedPoint struct {
	offset time.Duration
	speed  float64
}

// Replay plays back the speed of a recorded activity. The first call to Speed
// anchors the recording start; after the last record the runner stands still.
type Replay struct {
	points []speedPoint

	mu    sync.Mutex
	start time.Time
}

// LoadFIT reads a FIT activity file from path.
func LoadFIT(path string) (*Replay, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open FIT file: %w", err)
	}
	defer f.Close()
	return DecodeFIT(f)
}

// DecodeFIT builds a Replay from the records of a FIT activity.
func DecodeFIT(r io.Reader) (*Replay, error) {
	decoded, err := fit.Decode(r)
	if err != nil {
		return nil, fmt.Errorf("decode FIT file: %w", err)
	}
	activity, err := decoded.Activity()
	if err != nil {
		return nil, fmt.Errorf("activity FIT expected: %w", err)
	}

	type row struct {
		ts    time.Time
		speed float64
	}
	rows := make([]row, 0, len(activity.Records))
	for _, rec := range activity.Records {
		if rec == nil || rec.Timestamp.IsZero() || fit.IsBaseTime(rec.Timestamp) {
			continue
		}
		speed, ok := recordSpeed(rec)
		if !ok {
			continue
		}
		rows = append(rows, row{ts: rec.Timestamp, speed: speed})
	}
	if len(rows) == 0 {
		return nil, ErrNoSpeedSamples
	}
	sort.SliceStable(rows, func(i, j int) bool { return rows[i].ts.Before(rows[j].ts) })

	points := make([]speedPoint, 0, len(rows))
	for _, r := range rows {
		points = append(points, speedPoint{offset: r.ts.Sub(rows[0].ts), speed: r.speed})
	}
	return &Replay{points: points}, nil
}

func recordSpeed(rec *fit.RecordMsg) (float64, bool) {
	speed := rec.GetEnhancedSpeedScaled()
	if !math.IsNaN(speed) && !math.IsInf(speed, 0) && speed >= 0 {
		return speed, true
	}
	speed = rec.GetSpeedScaled()
	if !math.IsNaN(speed) && !math.IsInf(speed, 0) && speed >= 0 {
		return speed, true
	}
	return 0, false
}

// Duration is the offset of the last record.
func (r *Replay) Duration() time.Duration {
	return r.points[len(r.points)-1].offset
}

// Speed returns the recorded speed at now, holding each record until the next.
func (r *Replay) Speed(now time.Time) float64 {
	r.mu.Lock()
	if r.start.IsZero() {
		r.start = now
	}
	elapsed := now.Sub(r.start)
	r.mu.Unlock()

	if elapsed > r.Duration() {
		return 0
	}
	i := sort.Search(len(r.points), func(i int) bool { return r.points[i].offset > elapsed })
	if i == 0 {
		return r.points[0].speed
	}
	return r.points[i-1].speed
}
