// Package racer is the headless race client: it joins a race on the relay
// server, runs a session with a speed source and prints the leaderboard.
package racer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/okian/racetrack/internal/adapters/profile"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
)

const (
	defaultRenderInterval = time.Second
	defaultLinger         = 30 * time.Second
)

// ErrLeft is returned by Run when the race was abandoned before the finish.
var ErrLeft = errors.New("left the race before finishing")

// API is the part of the relay server a racer talks to.
type API interface {
	session.AuthoritativeStore
	session.ProfileLookup
	GetRace(ctx context.Context, raceID model.RaceID) (model.Race, error)
	JoinRace(ctx context.Context, raceID model.RaceID, userID model.UserID) error
}

// Racer runs one user through one race.
type Racer struct {
	api     API
	channel session.BroadcastChannel
	ranked  session.RankedProfileStore
	speed   session.SpeedSource
	out     io.Writer

	renderInterval time.Duration
	linger         time.Duration
	sessionOpts    []session.Option
	logger         logger.Logger

	mu sync.Mutex
}

// New builds a Racer. channel and ranked may be nil.
func New(api API, channel session.BroadcastChannel, ranked session.RankedProfileStore, speed session.SpeedSource, out io.Writer, opts ...Option) *Racer {
	r := &Racer{
		api:            api,
		channel:        channel,
		ranked:         ranked,
		speed:          speed,
		out:            out,
		renderInterval: defaultRenderInterval,
		linger:         defaultLinger,
		logger:         logger.Named("racer"),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.out == nil {
		r.out = io.Discard
	}
	return r
}

// Run joins raceID as userID and races until the local finish has been
// recorded and the linger period has passed, or ctx is cancelled. Cancelling
// before the finish marks the runner disconnected and returns ErrLeft.
func (r *Racer) Run(ctx context.Context, raceID model.RaceID, userID model.UserID) (session.FinishOutcome, error) {
	race, err := r.api.GetRace(ctx, raceID)
	if err != nil {
		return session.FinishOutcome{}, fmt.Errorf("load race: %w", err)
	}
	if err := r.api.JoinRace(ctx, raceID, userID); err != nil {
		return session.FinishOutcome{}, fmt.Errorf("join race: %w", err)
	}

	lookup := profile.New(r.api, profile.WithLogger(r.logger.Named("profile")))
	opts := append([]session.Option{
		session.WithObserver(r.observer(lookup)),
		session.WithLogger(r.logger),
	}, r.sessionOpts...)
	if meta, err := lookup.GetProfile(ctx, userID); err == nil {
		opts = append(opts, session.WithLocalMetadata(meta))
	} else if !errors.Is(err, model.ErrNotFound) {
		r.logger.Warn(ctx, "loading own profile", logger.Error(err))
	}

	sess, err := session.New(race, userID, session.Deps{
		Channel: r.channel,
		Store:   r.api,
		Lookup:  lookup,
		Ranked:  r.ranked,
		Speed:   r.speed,
	}, opts...)
	if err != nil {
		return session.FinishOutcome{}, err
	}

	runErr := make(chan error, 1)
	go func() { runErr <- sess.Run(ctx) }()

	render := time.NewTicker(r.renderInterval)
	defer render.Stop()

	var (
		outcome  session.FinishOutcome
		finished bool
		linger   <-chan time.Time
	)
	outcomes := sess.Outcomes()
	for {
		select {
		case <-ctx.Done():
			r.render(sess)
			if finished {
				sess.Stop()
				<-runErr
				return outcome, nil
			}
			sess.Leave(ctx)
			<-runErr
			return outcome, ErrLeft
		case err := <-runErr:
			if finished {
				return outcome, outcome.Err
			}
			if err == nil {
				err = ErrLeft
			}
			return outcome, err
		case out, ok := <-outcomes:
			if !ok {
				outcomes = nil
				continue
			}
			outcome, finished = out, true
			r.mu.Lock()
			_ = RenderOutcome(r.out, out)
			r.mu.Unlock()
			linger = time.After(r.linger)
		case <-linger:
			r.render(sess)
			sess.Stop()
			<-runErr
			return outcome, outcome.Err
		case <-render.C:
			r.render(sess)
		}
	}
}

func (r *Racer) render(sess *session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	err := Render(r.out, Board{
		Race:     sess.Race(),
		Unit:     sess.Unit(),
		Runners:  sess.Leaderboard(),
		PostRace: sess.PostRace(),
		Degraded: sess.Degraded(),
	})
	if err != nil {
		r.logger.Debug(context.Background(), "render failed", logger.Error(err))
	}
}

// observer prints race events. It runs on the session loop, so it only reads
// names the cache already holds.
func (r *Racer) observer(names *profile.Cache) reconciler.Observer {
	return func(ev reconciler.Event) {
		name := string(ev.Identity.UserID())
		if meta, ok := names.Cached(ev.Identity.UserID()); ok {
			name = meta.DisplayName
		}
		line := FormatEvent(ev, name)
		if line == "" {
			return
		}
		r.mu.Lock()
		fmt.Fprintln(r.out, line)
		r.mu.Unlock()
	}
}
