// Package loadtest drives a simulated race against a running relay server:
// it creates a race, runs many headless racers through it concurrently and
// verifies the recorded standings.
package loadtest

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/okian/racetrack/internal/adapters/http/client"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/types"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/internal/racer"
	"github.com/okian/racetrack/pkg/logger"
)

// ChannelFactory returns the broadcast channel a racer in raceID uses.
type ChannelFactory func(raceID model.RaceID) (session.BroadcastChannel, error)

// Report is the outcome of a simulation.
type Report struct {
	RaceID  model.RaceID
	Results []Result
	Stats   Stats
}

// Run executes the complete simulation.
func Run(ctx context.Context, c *client.Client, channels ChannelFactory, cfg Config, out io.Writer, sessionOpts ...session.Option) (*Report, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	log := logger.Named("loadtest")
	stats := Stats{StartTime: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	log.Info(ctx, "starting race simulation",
		logger.Int("runners", cfg.Runners),
		logger.Float64("distance_m", cfg.DistanceMeters),
		logger.Bool("ranked", cfg.Ranked))

	// Step 1: Check service health
	if err := c.Health(ctx); err != nil {
		return nil, fmt.Errorf("service health check failed: %w", err)
	}

	// Step 2: Create and start the race
	raceID := cfg.RaceID
	if raceID == "" {
		raceID = model.RaceID(uuid.NewString())
	}
	race, err := c.CreateRace(ctx, types.CreateRaceRequest{
		ID:             string(raceID),
		Name:           "simulation",
		DistanceMeters: cfg.DistanceMeters,
		Unit:           cfg.Unit,
		Ranked:         cfg.Ranked,
		Start:          true,
	})
	if err != nil {
		return nil, fmt.Errorf("create race: %w", err)
	}

	// Step 3: Generate runners and join them before anyone moves
	runners := generateRunners(cfg)
	for _, r := range runners {
		if err := c.PutProfile(ctx, r.UserID, model.Metadata{DisplayName: "Runner " + string(r.UserID)}); err != nil {
			return nil, fmt.Errorf("put profile %s: %w", r.UserID, err)
		}
		if err := c.JoinRace(ctx, race.ID, r.UserID); err != nil {
			return nil, fmt.Errorf("join %s: %w", r.UserID, err)
		}
	}

	// Step 4: Race everyone concurrently
	shared := &lockedWriter{w: out}
	results := make([]Result, len(runners))
	var wg sync.WaitGroup
	for i, r := range runners {
		channel, err := channels(race.ID)
		if err != nil {
			log.Warn(ctx, "no broadcast channel, racing on polls", logger.String("user", string(r.UserID)), logger.Error(err))
			channel = nil
		}
		w := io.Discard
		if cfg.Verbose {
			w = shared
		}
		rc := racer.New(c, channel, c.RankedProfiles(), session.ConstantSpeed(r.Speed), w,
			racer.WithLinger(cfg.Linger),
			racer.WithSessionOptions(sessionOpts...),
			racer.WithLogger(log.Named(string(r.UserID))),
		)
		stats.RunnersStarted++
		wg.Add(1)
		go func() {
			defer wg.Done()
			outcome, err := rc.Run(ctx, race.ID, r.UserID)
			results[i] = Result{UserID: r.UserID, Speed: r.Speed, Place: outcome.Place, Delta: outcome.Delta, Err: err}
		}()
	}
	wg.Wait()

	for _, res := range results {
		if res.Err != nil {
			stats.RunnersFailed++
			continue
		}
		stats.RunnersFinished++
		if cfg.Ranked {
			stats.RankedUpdates++
		}
	}

	// Final statistics
	stats.EndTime = time.Now()
	stats.Duration = stats.EndTime.Sub(stats.StartTime)
	report := &Report{RaceID: race.ID, Results: results, Stats: stats}
	displayFinalStats(out, report)

	// Step 5: Verify the authoritative standings
	records, err := c.ListParticipants(context.WithoutCancel(ctx), race.ID)
	if err != nil {
		return report, fmt.Errorf("list participants: %w", err)
	}
	if err := verifyStandings(runners, records); err != nil {
		return report, fmt.Errorf("result verification failed: %w", err)
	}

	log.Info(ctx, "simulation completed",
		logger.Int("finished", stats.RunnersFinished),
		logger.Int("failed", stats.RunnersFailed),
		logger.Duration("duration", stats.Duration))
	return report, nil
}

type simRunner struct {
	UserID model.UserID
	Speed  float64
}

// generateRunners spreads speeds across [MinSpeed, MaxSpeed] in random order.
func generateRunners(cfg Config) []simRunner {
	rng := rand.New(rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15))
	runners := make([]simRunner, cfg.Runners)
	for i := range runners {
		speed := cfg.MaxSpeed
		if cfg.Runners > 1 {
			speed = cfg.MinSpeed + (cfg.MaxSpeed-cfg.MinSpeed)*float64(i)/float64(cfg.Runners-1)
		}
		runners[i] = simRunner{UserID: model.UserID(fmt.Sprintf("sim-%03d", i+1)), Speed: speed}
	}
	rng.Shuffle(len(runners), func(i, j int) { runners[i], runners[j] = runners[j], runners[i] })
	return runners
}

// verifyStandings checks that every runner has a finish and that the fastest
// runner finished first.
func verifyStandings(runners []simRunner, records []model.ParticipantRecord) error {
	if len(records) != len(runners) {
		return fmt.Errorf("expected %d participants, store has %d", len(runners), len(records))
	}

	type finish struct {
		user model.UserID
		at   time.Time
	}
	finishes := make([]finish, 0, len(records))
	for _, rec := range records {
		if rec.FinishTime == nil {
			return fmt.Errorf("runner %s has no finish", rec.UserID)
		}
		at, err := model.ParseFinishTime(*rec.FinishTime)
		if err != nil {
			return fmt.Errorf("runner %s: %w", rec.UserID, err)
		}
		finishes = append(finishes, finish{user: rec.UserID, at: at})
	}
	sort.SliceStable(finishes, func(i, j int) bool { return finishes[i].at.Before(finishes[j].at) })

	fastest := runners[0]
	for _, r := range runners[1:] {
		if r.Speed > fastest.Speed {
			fastest = r
		}
	}
	for _, f := range finishes {
		if f.user == fastest.UserID {
			if first := finishes[0]; first.at.Before(f.at) {
				return fmt.Errorf("first finisher %s is not the fastest runner %s", first.user, fastest.UserID)
			}
			break
		}
	}
	return nil
}

// displayFinalStats prints the simulation summary.
func displayFinalStats(w io.Writer, report *Report) {
	results := make([]Result, len(report.Results))
	copy(results, report.Results)
	sort.SliceStable(results, func(i, j int) bool {
		if (results[i].Err == nil) != (results[j].Err == nil) {
			return results[i].Err == nil
		}
		return results[i].Place < results[j].Place
	})

	fmt.Fprintf(w, "race %s: %d started, %d finished, %d failed in %s\n",
		report.RaceID, report.Stats.RunnersStarted, report.Stats.RunnersFinished,
		report.Stats.RunnersFailed, report.Stats.Duration.Round(time.Millisecond))
	for _, r := range results {
		if r.Err != nil {
			fmt.Fprintf(w, "  --  %-8s  %5.2f m/s  error: %v\n", r.UserID, r.Speed, r.Err)
			continue
		}
		fmt.Fprintf(w, "  %2d  %-8s  %5.2f m/s  %+d LP\n", r.Place, r.UserID, r.Speed, r.Delta)
	}
}

type lockedWriter struct {
	mu sync.Mutex
	w  io.Writer
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}
