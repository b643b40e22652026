// Package session runs one race for the local runner: a single loop
// serialises broadcast messages, store polls, local movement ticks and
// metadata lookup results into the reconciler, then the results aggregator.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/okian/racetrack/internal/adapters/mq/queue"
	"github.com/okian/racetrack/internal/adapters/mq/worker"
	"github.com/okian/racetrack/internal/domain/dedupe"
	"github.com/okian/racetrack/internal/domain/ladder"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/domain/staleness"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/internal/race/results"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

// Default session configuration constants.
const (
	defaultPollInterval    = 3 * time.Second
	defaultTickInterval    = 250 * time.Millisecond
	defaultPublishInterval = time.Second
	defaultLookupQueueSize = 256
	defaultLookupWorkers   = 2
	disconnectTimeout      = 5 * time.Second
	maxResubscribeBackoff  = 30 * time.Second
	finishWriteTimeout     = 10 * time.Second
)

// Deps are the collaborators a session talks to. Store is required.
type Deps struct {
	Channel BroadcastChannel
	Store   AuthoritativeStore
	Lookup  ProfileLookup
	Ranked  RankedProfileStore
	Speed   SpeedSource
}

// FinishInput describes the local finish being recorded.
type FinishInput struct {
	DistanceMeters float64
	Pace           float64
	Place          int
	FieldSize      int
	Elapsed        time.Duration
}

// FinishOutcome reports what recording the local finish did. Err is set when
// a store write failed and the result may not have been saved.
type FinishOutcome struct {
	Place     int
	FieldSize int
	Elapsed   time.Duration
	Delta     int
	Previous  *ladder.RankedProfile
	Profile   *ladder.RankedProfile
	Err       error
}

// Session owns one race for the local runner.
type Session struct {
	race  model.Race
	user  model.UserID
	unit  pace.Unit
	deps  Deps
	rec   *reconciler.Reconciler
	agg   atomic.Pointer[results.Aggregator]
	dedup dedupe.Deduper
	queue *queue.InMemoryQueue

	pollInterval    time.Duration
	tickInterval    time.Duration
	publishInterval time.Duration
	inRaceWindow    time.Duration
	postRaceWindow  time.Duration
	dedupeSize      int
	lookupQueueSize int
	lookupWorkers   int
	ordering        reconciler.Ordering
	localMeta       model.Metadata
	observer        reconciler.Observer
	now             func() time.Time
	logger          logger.Logger

	clock      pace.Clock
	startKnown bool
	degraded   atomic.Bool
	// Resubscribe attempts while degraded; owned by the Run loop.
	retryAt      time.Time
	retryBackoff time.Duration
	lookups      chan worker.Result
	outcomes     chan FinishOutcome
	wg           sync.WaitGroup

	running  atomic.Bool
	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}

	// leaving is closed when the disconnect write started by Leave ends.
	mu       sync.Mutex
	runEnded bool
	leaving  chan struct{}
}

// New builds a session for user in race. Nothing runs until Run.
func New(race model.Race, user model.UserID, deps Deps, opts ...Option) (*Session, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("%w: authoritative store", ErrMissingDependency)
	}
	s := &Session{
		race:            race,
		user:            user,
		deps:            deps,
		pollInterval:    defaultPollInterval,
		tickInterval:    defaultTickInterval,
		publishInterval: defaultPublishInterval,
		inRaceWindow:    staleness.InRaceWindow,
		postRaceWindow:  staleness.PostRaceWindow,
		dedupeSize:      dedupe.DefaultMaxSize,
		lookupQueueSize: defaultLookupQueueSize,
		lookupWorkers:   defaultLookupWorkers,
		ordering:        reconciler.RaceOrdering,
		localMeta:       model.PlaceholderMetadata(user),
		now:             time.Now,
		logger:          logger.Named("session"),
		outcomes:        make(chan FinishOutcome, 1),
		stop:            make(chan struct{}),
		done:            make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With(logger.String("race", string(race.ID)), logger.String("user", string(user)))

	unit, err := pace.ParseUnit(race.Unit)
	if err != nil {
		s.logger.Warn(context.Background(), "unknown race unit, using kilometers", logger.String("unit", race.Unit))
	}
	s.unit = unit
	s.dedup = dedupe.NewInMemoryDeduper(dedupe.WithMaxSize(s.dedupeSize))
	s.lookups = make(chan worker.Result, s.lookupQueueSize)

	recOpts := []reconciler.Option{
		reconciler.WithUnit(unit),
		reconciler.WithOrdering(s.ordering),
		reconciler.WithStalenessWindow(s.inRaceWindow),
		reconciler.WithLocalMetadata(s.localMeta),
		reconciler.WithObserver(s.observe),
		reconciler.WithLogger(s.logger.Named("reconciler")),
	}
	if race.StartedAt != nil {
		recOpts = append(recOpts, reconciler.WithRaceStart(*race.StartedAt))
		s.startKnown = true
	}
	if deps.Lookup != nil {
		s.queue = queue.NewInMemoryQueue(queue.WithCapacity(s.lookupQueueSize))
		recOpts = append(recOpts, reconciler.WithMetadataRequester(s.requestMetadata))
	}
	s.rec, err = reconciler.New(race.ID, user, race.DistanceMeters, recOpts...)
	if err != nil {
		return nil, err
	}
	return s, nil
}

// Run drives the race until Stop, Leave or ctx cancellation. A broadcast
// subscription failure degrades the session to polling; it is not an error.
// While degraded, poll ticks retry the subscription with backoff.
func (s *Session) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer s.closeDone()
	metrics.IncActiveSessions()
	defer metrics.DecActiveSessions()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.loadRaceStart(ctx)
	sub, messages := s.subscribe(ctx)

	var pool *worker.Pool
	if s.queue != nil {
		pool = worker.NewPool(s.lookupWorkers, s.queue, s.deps.Lookup, worker.SinkFunc(s.deliverLookup),
			worker.WithLogger(s.logger.Named("lookup")))
		pool.Start(ctx)
	}

	defer func() {
		s.rec.Close()
		if agg := s.agg.Load(); agg != nil {
			agg.Stop()
		}
		if sub != nil {
			if err := sub.Close(); err != nil {
				s.logger.Debug(ctx, "closing subscription", logger.Error(err))
			}
		}
		if pool != nil {
			_ = pool.Shutdown(context.WithoutCancel(ctx))
		}
		s.wg.Wait()
		close(s.outcomes)
	}()

	poll := time.NewTicker(s.pollInterval)
	defer poll.Stop()
	tick := time.NewTicker(s.tickInterval)
	defer tick.Stop()
	publish := time.NewTicker(s.publishInterval)
	defer publish.Stop()

	s.logger.Info(ctx, "session started",
		logger.Float64("distance_m", s.race.DistanceMeters),
		logger.Bool("ranked", s.race.Ranked),
		logger.Bool("degraded", s.degraded.Load()))
	s.tick(ctx)
	s.poll(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stop:
			s.logger.Info(ctx, "session stopped")
			return nil
		case payload, ok := <-messages:
			if !ok {
				messages = nil
				s.degraded.Store(true)
				metrics.RecordChannelUnavailable()
				s.logger.Warn(ctx, "broadcast subscription ended, continuing on polls")
				continue
			}
			s.handleMessage(ctx, payload)
		case res := <-s.lookups:
			s.applyLookup(res)
		case <-poll.C:
			if messages == nil && s.deps.Channel != nil {
				sub, messages = s.resubscribe(ctx, sub)
			}
			s.poll(ctx)
		case <-tick.C:
			s.tick(ctx)
		case <-publish.C:
			if !s.rec.LocalFinishState().Finished {
				s.publish(ctx)
			}
		}
	}
}

func (s *Session) subscribe(ctx context.Context) (Subscription, <-chan []byte) {
	if s.deps.Channel == nil {
		s.degrade(ctx, fmt.Errorf("%w: no channel configured", ErrChannelUnavailable))
		return nil, nil
	}
	sub, err := s.deps.Channel.Subscribe(ctx)
	if err != nil {
		s.degrade(ctx, fmt.Errorf("%w: %w", ErrChannelUnavailable, err))
		return nil, nil
	}
	return sub, sub.Messages()
}

// resubscribe retries a lost broadcast subscription, doubling the wait after
// each failure up to maxResubscribeBackoff.
func (s *Session) resubscribe(ctx context.Context, old Subscription) (Subscription, <-chan []byte) {
	now := time.Now()
	if now.Before(s.retryAt) {
		return old, nil
	}
	if old != nil {
		if err := old.Close(); err != nil {
			s.logger.Debug(ctx, "closing lost subscription", logger.Error(err))
		}
	}
	sub, err := s.deps.Channel.Subscribe(ctx)
	if err != nil {
		s.retryBackoff = min(max(2*s.retryBackoff, s.pollInterval), maxResubscribeBackoff)
		s.retryAt = now.Add(s.retryBackoff)
		s.logger.Debug(ctx, "resubscribe failed",
			logger.Error(err),
			logger.Duration("retry_in", s.retryBackoff))
		return nil, nil
	}
	s.retryBackoff = 0
	s.retryAt = time.Time{}
	s.degraded.Store(false)
	s.logger.Info(ctx, "broadcast subscription restored")
	return sub, sub.Messages()
}

func (s *Session) degrade(ctx context.Context, err error) {
	s.degraded.Store(true)
	metrics.RecordChannelUnavailable()
	s.logger.Warn(ctx, "realtime disabled, using store polls only", logger.Error(err))
}

func (s *Session) loadRaceStart(ctx context.Context) {
	if s.startKnown {
		return
	}
	start, err := s.deps.Store.GetRaceStartTime(ctx, s.race.ID)
	if err != nil {
		s.logger.Warn(ctx, "race start unknown", logger.Error(err))
		return
	}
	if start.IsZero() {
		return
	}
	s.rec.SetRaceStart(start)
	s.startKnown = true
}

func (s *Session) handleMessage(ctx context.Context, payload []byte) {
	arrival := s.now()
	msg, sample, err := model.DecodeSampleMessage(payload)
	if err != nil {
		metrics.RecordSampleMalformed()
		s.logger.Debug(ctx, "dropping malformed sample", logger.Error(err))
		return
	}
	if s.dedup.SeenAndRecord(ctx, msg.MessageID) {
		metrics.RecordSampleDuplicate()
		return
	}
	if agg := s.agg.Load(); agg != nil {
		agg.IngestSample(sample, arrival)
		return
	}
	s.rec.IngestRemoteSample(sample, arrival)
}

func (s *Session) poll(ctx context.Context) {
	s.loadRaceStart(ctx)
	pctx, cancel := context.WithTimeout(ctx, s.pollInterval)
	defer cancel()

	if reporter, ok := s.deps.Store.(ProgressReporter); ok && !s.rec.LocalFinishState().Finished {
		local := s.rec.LocalSample()
		if err := reporter.ReportProgress(pctx, s.race.ID, s.user, local.DistanceMeters, local.PaceMinutesPerUnit); err != nil {
			s.logger.Debug(ctx, "progress report failed", logger.Error(err))
		}
	}

	start := time.Now()
	records, err := s.deps.Store.ListParticipants(pctx, s.race.ID)
	if err != nil {
		metrics.RecordSnapshotPollError()
		s.logger.Warn(ctx, "participant poll failed", logger.Error(err))
		return
	}
	metrics.RecordSnapshotPoll(float64(time.Since(start).Milliseconds()))

	now := s.now()
	if agg := s.agg.Load(); agg != nil {
		agg.IngestSnapshot(records, now)
		return
	}
	s.rec.IngestAuthoritativeSnapshot(records, now)
}

func (s *Session) tick(ctx context.Context) {
	now := s.now()
	dt := s.clock.Delta(now)
	speed := 0.0
	if s.deps.Speed != nil {
		speed = s.deps.Speed.Speed(now)
	}
	s.rec.Tick(now, speed, dt)

	if agg := s.agg.Load(); agg != nil {
		agg.Evict(now)
		return
	}
	if s.rec.LocalFinishState().Finished {
		s.onLocalFinish(ctx)
	}
}

func (s *Session) publish(ctx context.Context) {
	if s.deps.Channel == nil {
		return
	}
	local := s.rec.LocalSample()
	msg := model.NewSampleMessage(s.user, local.DistanceMeters, local.PaceMinutesPerUnit, local.SpeedMps, s.localMeta)
	payload, err := msg.Encode()
	if err != nil {
		metrics.RecordBroadcastPublishError()
		s.logger.Error(ctx, "encoding sample", logger.Error(err))
		return
	}
	if err := s.deps.Channel.Publish(ctx, payload); err != nil {
		metrics.RecordBroadcastPublishError()
		s.logger.Debug(ctx, "publish failed", logger.Error(err))
		return
	}
	metrics.RecordBroadcastPublished()
}

// onLocalFinish hands the race over to the aggregator and records the finish.
func (s *Session) onLocalFinish(ctx context.Context) {
	state := s.rec.LocalFinishState()
	in := FinishInput{
		DistanceMeters: s.race.DistanceMeters,
		Pace:           averagePace(state.Elapsed, s.race.DistanceMeters, s.unit),
		Place:          s.rec.LocalPlace(),
		FieldSize:      s.rec.FieldSize(),
		Elapsed:        state.Elapsed,
	}

	agg := results.New(s.rec.Snapshot(),
		results.WithRaceStart(s.rec.RaceStart()),
		results.WithTarget(s.race.DistanceMeters),
		results.WithUnit(s.unit),
		results.WithStalenessWindow(s.postRaceWindow),
		results.WithDeparted(s.rec.Departed()),
		results.WithOrdering(s.ordering),
		results.WithObserver(s.observe),
		results.WithLogger(s.logger.Named("results")),
	)
	s.agg.Store(agg)
	s.publish(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), finishWriteTimeout)
		defer cancel()
		out, _ := s.RecordFinish(wctx, in)
		s.outcomes <- out
	}()
}

func averagePace(elapsed time.Duration, distance float64, unit pace.Unit) float64 {
	units := distance / unit.Meters()
	if units <= 0 {
		return 0
	}
	return elapsed.Minutes() / units
}

// RecordFinish writes the local finish and, for ranked races, the next ranked
// profile. Store failures are returned and also set on the outcome.
func (s *Session) RecordFinish(ctx context.Context, in FinishInput) (FinishOutcome, error) {
	out := FinishOutcome{Place: in.Place, FieldSize: in.FieldSize, Elapsed: in.Elapsed}

	if err := s.deps.Store.MarkFinished(ctx, s.race.ID, s.user, in.DistanceMeters, in.Pace, in.Place); err != nil {
		metrics.RecordFinishWriteError()
		out.Err = fmt.Errorf("%w: %w", ErrFinishWrite, err)
		s.logger.Error(ctx, "recording finish failed", logger.Error(err))
		return out, out.Err
	}
	metrics.RecordFinishRecorded()
	s.logger.Info(ctx, "finish recorded",
		logger.Int("place", in.Place),
		logger.Int("field_size", in.FieldSize),
		logger.Duration("elapsed", in.Elapsed))

	if !s.race.Ranked || s.deps.Ranked == nil {
		return out, nil
	}

	prev, err := s.deps.Ranked.Get(ctx, s.user)
	switch {
	case errors.Is(err, model.ErrNotFound):
		prev = ladder.NewProfile(s.user, s.now())
	case err != nil:
		out.Err = fmt.Errorf("%w: %w", ErrRankedUpdate, err)
		s.logger.Error(ctx, "loading ranked profile failed", logger.Error(err))
		return out, out.Err
	}

	delta := ladder.ComputeDelta(in.Place, in.FieldSize)
	next := ladder.ApplyDelta(prev, delta, s.now())
	if err := s.deps.Ranked.Put(ctx, next); err != nil {
		out.Err = fmt.Errorf("%w: %w", ErrRankedUpdate, err)
		s.logger.Error(ctx, "saving ranked profile failed", logger.Error(err))
		return out, out.Err
	}

	metrics.RecordLeaguePointDelta(delta)
	switch steps := next.Step() - prev.Step(); {
	case steps > 0:
		metrics.RecordLadderMove("promotion", steps)
	case steps < 0:
		metrics.RecordLadderMove("demotion", -steps)
	}
	s.logger.Info(ctx, "ranked profile updated",
		logger.Int("delta", delta),
		logger.String("from", prev.Label()),
		logger.String("to", next.Label()))

	out.Delta = delta
	out.Previous = &prev
	out.Profile = &next
	return out, nil
}

func (s *Session) requestMetadata(id model.UserID) {
	req := queue.Request{RaceID: s.race.ID, UserID: id, RequestedAt: s.now()}
	if !s.queue.Enqueue(context.Background(), req) {
		// Not pending any more; the next sample asks again.
		s.rec.MetadataFailed(id)
	}
}

func (s *Session) deliverLookup(ctx context.Context, r worker.Result) {
	select {
	case s.lookups <- r:
	case <-ctx.Done():
	case <-s.stop:
	}
}

func (s *Session) applyLookup(r worker.Result) {
	id := r.Request.UserID
	if r.Err != nil {
		s.rec.MetadataFailed(id)
		return
	}
	s.rec.ApplyMetadata(id, r.Metadata)
	if agg := s.agg.Load(); agg != nil {
		agg.ApplyMetadata(id, r.Metadata)
	}
}

func (s *Session) observe(ev reconciler.Event) {
	switch ev.Kind {
	case reconciler.RemoteFinished:
		s.logger.Debug(context.Background(), "runner finished",
			logger.String("participant", string(ev.Identity.UserID())),
			logger.Duration("elapsed", ev.FinishTime),
			logger.Bool("authoritative", ev.Authoritative))
	case reconciler.Departed, reconciler.Evicted:
		s.logger.Debug(context.Background(), "runner dropped",
			logger.String("participant", string(ev.Identity.UserID())),
			logger.String("reason", ev.Kind.String()))
	}
	if s.observer != nil {
		s.observer(ev)
	}
}

// Stop halts the loop. Late messages are dropped. Safe to call more than once.
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		close(s.stop)
		s.rec.Close()
		if agg := s.agg.Load(); agg != nil {
			agg.Stop()
		}
	})
}

// Leave stops the session. Leaving before the finish writes a disconnect
// bounded by disconnectTimeout. Done is not closed until that write ends;
// if Run has already returned, Leave waits for it instead.
func (s *Session) Leave(ctx context.Context) {
	if s.rec.LocalFinishState().Finished {
		s.Stop()
		return
	}
	s.mu.Lock()
	if s.leaving != nil {
		s.mu.Unlock()
		s.Stop()
		return
	}
	written := make(chan struct{})
	s.leaving = written
	ended := s.runEnded
	s.mu.Unlock()

	go func() {
		defer close(written)
		dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), disconnectTimeout)
		defer cancel()
		if err := s.deps.Store.MarkDisconnected(dctx, s.race.ID, s.user); err != nil {
			s.logger.Warn(dctx, "disconnect write failed", logger.Error(err))
		}
	}()
	s.Stop()
	if ended {
		<-written
	}
}

func (s *Session) closeDone() {
	s.mu.Lock()
	s.runEnded = true
	written := s.leaving
	s.mu.Unlock()
	if written != nil {
		<-written
	}
	close(s.done)
}

// Done is closed when Run returns.
func (s *Session) Done() <-chan struct{} { return s.done }

// Outcomes delivers the finish outcome once, and is closed when Run returns.
func (s *Session) Outcomes() <-chan FinishOutcome { return s.outcomes }

// Leaderboard returns the current standings: the reconciler's board while
// racing, the aggregator's after the local finish.
func (s *Session) Leaderboard() []model.RunnerView {
	if agg := s.agg.Load(); agg != nil {
		return agg.Standings()
	}
	return s.rec.Leaderboard()
}

// LocalPlace returns the local runner's current place.
func (s *Session) LocalPlace() int {
	if agg := s.agg.Load(); agg != nil {
		return agg.LocalPlace()
	}
	return s.rec.LocalPlace()
}

// LocalFinishState reports the local finish.
func (s *Session) LocalFinishState() model.FinishState { return s.rec.LocalFinishState() }

// PostRace reports whether the aggregator has taken over.
func (s *Session) PostRace() bool { return s.agg.Load() != nil }

// Degraded reports whether realtime updates are unavailable.
func (s *Session) Degraded() bool { return s.degraded.Load() }

// Race returns the race this session runs.
func (s *Session) Race() model.Race { return s.race }

// Unit returns the race's pace unit.
func (s *Session) Unit() pace.Unit { return s.unit }
