// Package reconciler merges realtime broadcast samples, authoritative store
// snapshots and local movement into one ordered view of a race.
package reconciler

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/domain/staleness"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

// State is the lifecycle phase of one race view.
type State int

const (
	NotStarted State = iota
	Active
	Finished
	Closed
)

func (s State) String() string {
	switch s {
	case NotStarted:
		return "not_started"
	case Active:
		return "active"
	case Finished:
		return "finished"
	case Closed:
		return "closed"
	}
	return "unknown"
}

const defaultOvertakeRange = 10.0

type runner struct {
	view model.RunnerView
	// confirmed is set once the store reported a parseable finish.
	confirmed bool
}

// outbox collects side effects produced under the lock.
type outbox struct {
	events  []Event
	lookups []model.UserID
}

// Reconciler owns the participant map of one race.
type Reconciler struct {
	mu sync.RWMutex

	raceID          model.RaceID
	local           model.UserID
	localMeta       model.Metadata
	target          float64
	unit            pace.Unit
	ordering        Ordering
	window          time.Duration
	overtakeRange   float64
	observer        Observer
	requestMetadata MetadataRequester
	logger          logger.Logger

	state         State
	raceStart     time.Time
	localDistance float64
	localSpeed    float64
	localUpdated  time.Time
	localFinish   model.FinishState

	remotes  map[model.UserID]*runner
	seen     map[model.UserID]struct{}
	departed map[model.UserID]struct{}
	// evicted remembers the distance a runner had when dropped as stale,
	// so a lagging store row does not resurrect it.
	evicted map[model.UserID]float64
	meta    map[model.UserID]model.Metadata
	pending map[model.UserID]struct{}
	gaps    map[model.UserID]float64
	board   []model.RunnerView
}

// New creates a reconciler for the local user in a race of target meters.
func New(raceID model.RaceID, localUser model.UserID, target float64, opts ...Option) (*Reconciler, error) {
	if localUser == "" {
		return nil, ErrMissingUser
	}
	if !(target > 0) || math.IsInf(target, 0) {
		return nil, ErrInvalidTarget
	}
	r := &Reconciler{
		raceID:        raceID,
		local:         localUser,
		localMeta:     model.PlaceholderMetadata(localUser),
		target:        target,
		ordering:      RaceOrdering,
		window:        staleness.InRaceWindow,
		overtakeRange: defaultOvertakeRange,
		logger:        logger.Named("reconciler"),
		remotes:       make(map[model.UserID]*runner),
		seen:          make(map[model.UserID]struct{}),
		departed:      make(map[model.UserID]struct{}),
		evicted:       make(map[model.UserID]float64),
		meta:          make(map[model.UserID]model.Metadata),
		pending:       make(map[model.UserID]struct{}),
		gaps:          make(map[model.UserID]float64),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.logger = r.logger.With(logger.String("race", string(raceID)), logger.String("user", string(localUser)))
	r.rebuild(time.Time{}, &outbox{})
	return r, nil
}

// IngestRemoteSample upserts a realtime sample. Samples for the local user,
// departed users, finished users, or after Close are dropped.
func (r *Reconciler) IngestRemoteSample(sample model.RemoteSample, arrival time.Time) {
	var out outbox
	r.mu.Lock()
	r.ingestRemote(sample, arrival, &out)
	r.mu.Unlock()
	r.flush(out)
}

func (r *Reconciler) ingestRemote(sample model.RemoteSample, arrival time.Time, out *outbox) {
	switch {
	case r.state == Closed:
		metrics.RecordSampleIgnored("closed")
		return
	case sample.UserID == "" || math.IsNaN(sample.DistanceMeters) || math.IsInf(sample.DistanceMeters, 0) || sample.DistanceMeters < 0:
		metrics.RecordSampleMalformed()
		return
	case sample.UserID == r.local:
		metrics.RecordSampleIgnored("self")
		return
	}
	if _, gone := r.departed[sample.UserID]; gone {
		metrics.RecordSampleIgnored("departed")
		return
	}
	existing, known := r.remotes[sample.UserID]
	if known && existing.view.Finished {
		metrics.RecordSampleIgnored("finished")
		return
	}
	if known && arrival.Before(existing.view.LastUpdateAt) {
		metrics.RecordSampleIgnored("out_of_order")
		return
	}
	r.activate(arrival)

	if sample.Metadata != nil {
		r.meta[sample.UserID] = *sample.Metadata
		delete(r.pending, sample.UserID)
	} else {
		r.wantMetadata(sample.UserID, out)
	}

	paceMin := sample.PaceMinutesPerUnit
	if !(paceMin > 0) || math.IsInf(paceMin, 0) {
		paceMin = pace.MinutesPerUnit(sample.SpeedMps, r.unit)
	}
	rn := r.upsert(sample.UserID)
	rn.view.DistanceMeters = sample.DistanceMeters
	rn.view.PaceMinutesPerUnit = paceMin
	rn.view.SpeedMps = sample.SpeedMps
	rn.view.LastUpdateAt = arrival
	delete(r.evicted, sample.UserID)

	if sample.DistanceMeters >= r.target {
		r.finishRemote(rn, model.ElapsedSince(r.raceStart, arrival), true, arrival, out)
	}
	metrics.RecordSampleIngested()
	r.rebuild(arrival, out)
}

// IngestAuthoritativeSnapshot merges the store's participant rows. A parseable
// finish time is final; an unparseable one leaves the runner active this cycle.
func (r *Reconciler) IngestAuthoritativeSnapshot(records []model.ParticipantRecord, now time.Time) {
	var out outbox
	r.mu.Lock()
	r.ingestSnapshot(records, now, &out)
	r.mu.Unlock()
	r.flush(out)
}

func (r *Reconciler) ingestSnapshot(records []model.ParticipantRecord, now time.Time, out *outbox) {
	if r.state == Closed {
		return
	}
	r.activate(now)
	for _, rec := range records {
		if rec.UserID == "" || rec.UserID == r.local {
			continue
		}
		finishAt, hasFinish := r.parseFinish(rec)
		if rec.Disconnected && !hasFinish {
			// A runner seen crossing the line keeps that finish.
			if rn, ok := r.remotes[rec.UserID]; !ok || !rn.view.Finished {
				r.depart(rec.UserID, now, out)
			}
			continue
		}
		if !rec.Disconnected {
			delete(r.departed, rec.UserID)
		}

		rn, known := r.remotes[rec.UserID]
		if !known {
			if last, ok := r.evicted[rec.UserID]; ok && !hasFinish && rec.DistanceMeters <= last {
				continue
			}
			rn = r.upsert(rec.UserID)
			rn.view.LastUpdateAt = now
			r.wantMetadata(rec.UserID, out)
			delete(r.evicted, rec.UserID)
		}

		if hasFinish {
			if rn.confirmed {
				continue
			}
			if rec.AveragePace != nil && *rec.AveragePace > 0 {
				rn.view.PaceMinutesPerUnit = *rec.AveragePace
			}
			rn.view.SpeedMps = 0
			r.finishRemote(rn, model.ElapsedSince(r.raceStart, finishAt), false, now, out)
			continue
		}
		if rn.view.Finished {
			continue
		}
		if rec.DistanceMeters > rn.view.DistanceMeters {
			rn.view.DistanceMeters = rec.DistanceMeters
			rn.view.LastUpdateAt = now
		}
		if rn.view.DistanceMeters >= r.target {
			r.finishRemote(rn, model.ElapsedSince(r.raceStart, now), true, now, out)
		}
	}
	r.rebuild(now, out)
}

func (r *Reconciler) parseFinish(rec model.ParticipantRecord) (time.Time, bool) {
	if rec.FinishTime == nil {
		return time.Time{}, false
	}
	t, err := model.ParseFinishTime(*rec.FinishTime)
	if err != nil {
		metrics.RecordTimestampParseError()
		r.logger.Warn(context.Background(), "unparseable finish time, keeping runner active",
			logger.String("participant", string(rec.UserID)),
			logger.Error(err))
		return time.Time{}, false
	}
	return t, true
}

// Tick advances the local runner, checks its finish, evicts stale remotes and
// rebuilds the leaderboard. The first tick never moves the local runner.
func (r *Reconciler) Tick(now time.Time, localSpeedMps, deltaSeconds float64) {
	var out outbox
	r.mu.Lock()
	r.tick(now, localSpeedMps, deltaSeconds, &out)
	r.mu.Unlock()
	r.flush(out)
}

func (r *Reconciler) tick(now time.Time, speed, dt float64, out *outbox) {
	if r.state == Closed {
		return
	}
	if r.localUpdated.IsZero() {
		dt = 0
	}
	r.activate(now)
	r.localUpdated = now

	if r.state == Active {
		if !(speed > 0) || math.IsInf(speed, 0) {
			speed = 0
		}
		r.localSpeed = speed
		raw := r.localDistance + speed*dt
		r.localDistance = pace.AdvanceDistance(r.localDistance, speed, dt, r.target)
		if r.localDistance >= r.target {
			// Interpolate the crossing instant inside this tick.
			crossedAt := now
			if speed > 0 && raw > r.target {
				crossedAt = now.Add(-time.Duration((raw - r.target) / speed * float64(time.Second)))
			}
			r.state = Finished
			r.localSpeed = 0
			r.localFinish = model.FinishState{Finished: true, Elapsed: model.ElapsedSince(r.raceStart, crossedAt)}
			out.events = append(out.events, Event{
				Kind:       LocalFinished,
				Identity:   model.Local(r.local),
				At:         now,
				FinishTime: r.localFinish.Elapsed,
			})
			r.logger.Info(context.Background(), "local runner finished",
				logger.Duration("elapsed", r.localFinish.Elapsed))
		}
		r.evictStale(now, out)
	}
	r.rebuild(now, out)
}

func (r *Reconciler) evictStale(now time.Time, out *outbox) {
	for id, rn := range r.remotes {
		if rn.view.Finished || !staleness.IsStale(rn.view.LastUpdateAt, now, r.window) {
			continue
		}
		delete(r.remotes, id)
		delete(r.gaps, id)
		r.evicted[id] = rn.view.DistanceMeters
		metrics.RecordStaleEviction("in_race")
		out.events = append(out.events, Event{Kind: Evicted, Identity: model.Remote(id), At: now})
	}
}

// activate moves NotStarted to Active and pins the race start if unknown.
func (r *Reconciler) activate(now time.Time) {
	if r.state != NotStarted {
		return
	}
	r.state = Active
	if r.raceStart.IsZero() {
		r.raceStart = now
	}
}

func (r *Reconciler) upsert(id model.UserID) *runner {
	rn, ok := r.remotes[id]
	if !ok {
		rn = &runner{view: model.RunnerView{Identity: model.Remote(id)}}
		r.remotes[id] = rn
		r.seen[id] = struct{}{}
	}
	return rn
}

func (r *Reconciler) wantMetadata(id model.UserID, out *outbox) {
	if _, ok := r.meta[id]; ok {
		return
	}
	if _, ok := r.pending[id]; ok || r.requestMetadata == nil {
		return
	}
	r.pending[id] = struct{}{}
	out.lookups = append(out.lookups, id)
}

func (r *Reconciler) finishRemote(rn *runner, elapsed time.Duration, provisional bool, at time.Time, out *outbox) {
	wasFinished := rn.view.Finished
	rn.view.Finished = true
	rn.view.FinishTime = elapsed
	rn.view.Provisional = provisional
	rn.view.DistanceMeters = r.target
	rn.confirmed = !provisional
	delete(r.gaps, rn.view.UserID())
	if wasFinished && provisional {
		return
	}
	out.events = append(out.events, Event{
		Kind:          RemoteFinished,
		Identity:      rn.view.Identity,
		At:            at,
		FinishTime:    elapsed,
		Authoritative: !provisional,
	})
}

func (r *Reconciler) depart(id model.UserID, now time.Time, out *outbox) {
	if _, already := r.departed[id]; already {
		return
	}
	r.departed[id] = struct{}{}
	delete(r.remotes, id)
	delete(r.gaps, id)
	delete(r.pending, id)
	out.events = append(out.events, Event{Kind: Departed, Identity: model.Remote(id), At: now})
}

// rebuild recomputes the projection and detects overtakes. Caller holds the lock.
func (r *Reconciler) rebuild(now time.Time, out *outbox) {
	board := make([]model.RunnerView, 0, len(r.remotes)+1)
	board = append(board, r.localView())
	for id, rn := range r.remotes {
		v := rn.view
		if m, ok := r.meta[id]; ok {
			v.Metadata = m
		} else {
			v.Metadata = model.PlaceholderMetadata(id)
		}
		board = append(board, v)
		r.detectOvertake(v, now, out)
	}
	slices.SortFunc(board, r.ordering)
	r.board = board
	metrics.RecordLeaderboardRebuild()
}

func (r *Reconciler) detectOvertake(v model.RunnerView, now time.Time, out *outbox) {
	if r.overtakeRange <= 0 || r.state != Active || v.Finished {
		return
	}
	id := v.UserID()
	gap := r.localDistance - v.DistanceMeters
	prev, ok := r.gaps[id]
	r.gaps[id] = gap
	if !ok || gap == 0 || prev == 0 || (prev > 0) == (gap > 0) {
		return
	}
	if math.Abs(gap) > r.overtakeRange {
		return
	}
	metrics.RecordOvertake()
	out.events = append(out.events, Event{Kind: Overtake, Identity: v.Identity, At: now, Gap: gap})
}

func (r *Reconciler) localView() model.RunnerView {
	return model.RunnerView{
		Identity:           model.Local(r.local),
		Metadata:           r.localMeta,
		DistanceMeters:     r.localDistance,
		PaceMinutesPerUnit: pace.MinutesPerUnit(r.localSpeed, r.unit),
		SpeedMps:           r.localSpeed,
		Finished:           r.localFinish.Finished,
		FinishTime:         r.localFinish.Elapsed,
		LastUpdateAt:       r.localUpdated,
	}
}

func (r *Reconciler) flush(out outbox) {
	for _, id := range out.lookups {
		r.requestMetadata(id)
	}
	if r.observer == nil {
		return
	}
	for _, ev := range out.events {
		r.observer(ev)
	}
}

// ApplyMetadata stores resolved display data. Distance and order are untouched.
func (r *Reconciler) ApplyMetadata(id model.UserID, meta model.Metadata) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == Closed {
		return
	}
	delete(r.pending, id)
	r.meta[id] = meta
	for i := range r.board {
		if !r.board[i].Identity.IsLocal() && r.board[i].UserID() == id {
			// Copy on write; readers may hold the previous slice.
			board := slices.Clone(r.board)
			board[i].Metadata = meta
			r.board = board
			return
		}
	}
}

// MetadataFailed clears the pending lookup so the next sample retries it.
func (r *Reconciler) MetadataFailed(id model.UserID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pending, id)
}

// SetRaceStart pins the race start time reported by the store.
func (r *Reconciler) SetRaceStart(t time.Time) {
	if t.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.raceStart = t
}

// Close stops all further mutation.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.state = Closed
}

// Leaderboard returns the last projection. The slice is not shared.
func (r *Reconciler) Leaderboard() []model.RunnerView {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return slices.Clone(r.board)
}

// Snapshot returns every tracked runner, finished and active, for seeding results.
func (r *Reconciler) Snapshot() []model.RunnerView {
	return r.Leaderboard()
}

// LocalFinishState reports the local finish.
func (r *Reconciler) LocalFinishState() model.FinishState {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.localFinish
}

// LocalSample is what the local runner publishes to peers.
func (r *Reconciler) LocalSample() model.RemoteSample {
	r.mu.RLock()
	defer r.mu.RUnlock()
	meta := r.localMeta
	return model.RemoteSample{
		UserID:             r.local,
		DistanceMeters:     r.localDistance,
		PaceMinutesPerUnit: pace.MinutesPerUnit(r.localSpeed, r.unit),
		SpeedMps:           r.localSpeed,
		Metadata:           &meta,
	}
}

// LocalPlace returns the local runner's 1-based position on the board.
func (r *Reconciler) LocalPlace() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i, v := range r.board {
		if v.Identity.IsLocal() {
			return i + 1
		}
	}
	return len(r.board)
}

// FieldSize counts every participant seen in this race, evicted ones included.
func (r *Reconciler) FieldSize() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.seen) + 1
}

// Departed lists users the store reported as disconnected.
func (r *Reconciler) Departed() []model.UserID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]model.UserID, 0, len(r.departed))
	for id := range r.departed {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// RaceStart returns the pinned race start, zero while not started.
func (r *Reconciler) RaceStart() time.Time {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.raceStart
}

// State returns the lifecycle phase.
func (r *Reconciler) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.state
}

// Target returns the race distance in meters.
func (r *Reconciler) Target() float64 { return r.target }

// Unit returns the pace unit.
func (r *Reconciler) Unit() pace.Unit { return r.unit }
