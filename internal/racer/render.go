package racer

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/internal/race/session"
)

const nameWidth = 20

// Board is what one leaderboard frame shows.
type Board struct {
	Race     model.Race
	Unit     pace.Unit
	Runners  []model.RunnerView
	PostRace bool
	Degraded bool
}

// Render writes one leaderboard frame.
func Render(w io.Writer, b Board) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s  %s", raceTitle(b.Race), formatDistance(b.Race.DistanceMeters, b.Unit))
	switch {
	case b.PostRace:
		sb.WriteString("  [results]")
	case b.Degraded:
		sb.WriteString("  [offline]")
	}
	sb.WriteByte('\n')
	fmt.Fprintf(&sb, "%3s  %-*s  %9s  %6s  %s\n", "POS", nameWidth, "RUNNER", "DISTANCE", "PACE", "STATUS")
	for i, v := range b.Runners {
		name := v.Metadata.DisplayName
		if name == "" {
			name = string(v.UserID())
		}
		if v.Identity.IsLocal() {
			name += " (you)"
		}
		line := fmt.Sprintf("%3d  %-*s  %9s  %6s  %s",
			i+1, nameWidth, truncate(name, nameWidth),
			formatDistance(v.DistanceMeters, b.Unit),
			pace.FormatMinutes(v.PaceMinutesPerUnit),
			status(v))
		sb.WriteString(strings.TrimRight(line, " "))
		sb.WriteByte('\n')
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// RenderOutcome writes the local finish summary.
func RenderOutcome(w io.Writer, out session.FinishOutcome) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "finished %s of %d in %s\n", ordinal(out.Place), out.FieldSize, formatElapsed(out.Elapsed))
	if out.Profile != nil && out.Previous != nil {
		fmt.Fprintf(&sb, "rank %s -> %s (%+d LP)\n", out.Previous.Label(), out.Profile.Label(), out.Delta)
	}
	if out.Err != nil {
		fmt.Fprintf(&sb, "warning: result may not be saved: %v\n", out.Err)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

// FormatEvent renders a race event as one line, or "" for events not shown.
func FormatEvent(ev reconciler.Event, name string) string {
	switch ev.Kind {
	case reconciler.LocalFinished:
		return fmt.Sprintf("you finished in %s", formatElapsed(ev.FinishTime))
	case reconciler.RemoteFinished:
		if ev.Authoritative {
			return fmt.Sprintf("%s finished in %s", name, formatElapsed(ev.FinishTime))
		}
		return ""
	case reconciler.Departed:
		return fmt.Sprintf("%s left the race", name)
	case reconciler.Overtake:
		if ev.Gap > 0 {
			return fmt.Sprintf("you passed %s", name)
		}
		return fmt.Sprintf("%s passed you", name)
	}
	return ""
}

func raceTitle(r model.Race) string {
	title := string(r.ID)
	if r.Name != "" {
		title = r.Name
	}
	if r.Ranked {
		title += " (ranked)"
	}
	return title
}

func status(v model.RunnerView) string {
	if !v.Finished {
		return ""
	}
	s := "finished " + formatElapsed(v.FinishTime)
	if v.Provisional {
		s += " *"
	}
	return s
}

func formatDistance(meters float64, unit pace.Unit) string {
	return fmt.Sprintf("%.2f %s", meters/unit.Meters(), unit)
}

func formatElapsed(d time.Duration) string {
	if d < 0 {
		d = 0
	}
	total := int(d.Truncate(time.Second) / time.Second)
	h, m, s := total/3600, (total/60)%60, total%60
	if h > 0 {
		return fmt.Sprintf("%d:%02d:%02d", h, m, s)
	}
	return fmt.Sprintf("%d:%02d", m, s)
}

func ordinal(n int) string {
	suffix := "th"
	switch n % 100 {
	case 11, 12, 13:
	default:
		switch n % 10 {
		case 1:
			suffix = "st"
		case 2:
			suffix = "nd"
		case 3:
			suffix = "rd"
		}
	}
	return fmt.Sprintf("%d%s", n, suffix)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "~"
}
