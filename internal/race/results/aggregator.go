// Package results converges final standings after the local runner finishes.
package results

import (
	"context"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/pace"
	"github.com/okian/racetrack/internal/domain/staleness"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

type entry struct {
	view      model.RunnerView
	confirmed bool
}

// Aggregator keeps reconciling stragglers until Stop. It has no end condition
// of its own; the caller bounds its lifetime.
type Aggregator struct {
	mu sync.RWMutex

	raceStart time.Time
	target    float64
	unit      pace.Unit
	window    time.Duration
	ordering  reconciler.Ordering
	observer  reconciler.Observer
	logger    logger.Logger

	// finished is sticky: entries never move back to active.
	finished map[model.Identity]*entry
	active   map[model.UserID]*entry
	departed map[model.UserID]struct{}
	evicted  map[model.UserID]float64
	meta     map[model.UserID]model.Metadata
	local    model.Identity

	stopped   bool
	standings []model.RunnerView
}

// New seeds an aggregator from the reconciler's final board. Seeded finish
// times and paces are kept verbatim.
func New(seed []model.RunnerView, opts ...Option) *Aggregator {
	a := &Aggregator{
		window:   staleness.PostRaceWindow,
		ordering: reconciler.RaceOrdering,
		logger:   logger.Named("results"),
		finished: make(map[model.Identity]*entry),
		active:   make(map[model.UserID]*entry),
		departed: make(map[model.UserID]struct{}),
		evicted:  make(map[model.UserID]float64),
		meta:     make(map[model.UserID]model.Metadata),
	}
	for _, opt := range opts {
		opt(a)
	}
	for _, v := range seed {
		if v.Identity.IsLocal() {
			a.local = v.Identity
		} else {
			a.meta[v.UserID()] = v.Metadata
		}
		e := &entry{view: v, confirmed: v.Finished && !v.Provisional}
		// The local row is never subject to eviction.
		if v.Finished || v.Identity.IsLocal() {
			a.finished[v.Identity] = e
		} else {
			a.active[v.UserID()] = e
		}
	}
	a.rebuild()
	return a
}

// IngestSample applies a realtime sample for an unfinished participant.
func (a *Aggregator) IngestSample(sample model.RemoteSample, arrival time.Time) {
	var events []reconciler.Event
	a.mu.Lock()
	events = a.ingestSample(sample, arrival)
	a.mu.Unlock()
	a.emit(events)
}

func (a *Aggregator) ingestSample(sample model.RemoteSample, arrival time.Time) []reconciler.Event {
	if a.stopped {
		metrics.RecordSampleIgnored("stopped")
		return nil
	}
	if sample.UserID == "" || math.IsNaN(sample.DistanceMeters) || math.IsInf(sample.DistanceMeters, 0) || sample.DistanceMeters < 0 {
		metrics.RecordSampleMalformed()
		return nil
	}
	id := model.Remote(sample.UserID)
	if sample.UserID == a.local.UserID() {
		metrics.RecordSampleIgnored("self")
		return nil
	}
	if _, ok := a.finished[id]; ok {
		metrics.RecordSampleIgnored("finished")
		return nil
	}
	if _, ok := a.departed[sample.UserID]; ok {
		metrics.RecordSampleIgnored("departed")
		return nil
	}
	e, ok := a.active[sample.UserID]
	if ok && arrival.Before(e.view.LastUpdateAt) {
		metrics.RecordSampleIgnored("out_of_order")
		return nil
	}
	if !ok {
		e = &entry{view: model.RunnerView{Identity: id}}
		a.active[sample.UserID] = e
	}
	if sample.Metadata != nil {
		a.meta[sample.UserID] = *sample.Metadata
	}
	paceMin := sample.PaceMinutesPerUnit
	if !(paceMin > 0) || math.IsInf(paceMin, 0) {
		paceMin = pace.MinutesPerUnit(sample.SpeedMps, a.unit)
	}
	e.view.DistanceMeters = sample.DistanceMeters
	e.view.PaceMinutesPerUnit = paceMin
	e.view.SpeedMps = sample.SpeedMps
	e.view.LastUpdateAt = arrival
	delete(a.evicted, sample.UserID)
	metrics.RecordSampleIngested()

	var events []reconciler.Event
	if a.target > 0 && sample.DistanceMeters >= a.target {
		events = append(events, a.finish(e, model.ElapsedSince(a.raceStart, arrival), true, arrival))
	}
	a.rebuild()
	return events
}

// IngestSnapshot merges authoritative rows. Confirmed finishers leave the
// active set permanently; unparseable finish times are retried next poll.
func (a *Aggregator) IngestSnapshot(records []model.ParticipantRecord, now time.Time) {
	var events []reconciler.Event
	a.mu.Lock()
	events = a.ingestSnapshot(records, now)
	a.mu.Unlock()
	a.emit(events)
}

func (a *Aggregator) ingestSnapshot(records []model.ParticipantRecord, now time.Time) []reconciler.Event {
	if a.stopped {
		return nil
	}
	var events []reconciler.Event
	for _, rec := range records {
		if rec.UserID == "" || rec.UserID == a.local.UserID() {
			continue
		}
		id := model.Remote(rec.UserID)
		finishAt, hasFinish := a.parseFinish(rec)

		if hasFinish {
			if f, ok := a.finished[id]; ok {
				if f.confirmed {
					continue
				}
				// Authoritative time replaces the realtime estimate once.
				f.view.FinishTime = model.ElapsedSince(a.raceStart, finishAt)
				f.view.Provisional = false
				f.confirmed = true
				if rec.AveragePace != nil && *rec.AveragePace > 0 {
					f.view.PaceMinutesPerUnit = *rec.AveragePace
				}
				events = append(events, reconciler.Event{
					Kind: reconciler.RemoteFinished, Identity: id, At: now,
					FinishTime: f.view.FinishTime, Authoritative: true,
				})
				continue
			}
			e, ok := a.active[rec.UserID]
			if !ok {
				e = &entry{view: model.RunnerView{Identity: id, LastUpdateAt: now}}
			}
			if rec.AveragePace != nil && *rec.AveragePace > 0 {
				e.view.PaceMinutesPerUnit = *rec.AveragePace
			}
			delete(a.departed, rec.UserID)
			events = append(events, a.finish(e, model.ElapsedSince(a.raceStart, finishAt), false, now))
			continue
		}

		if _, ok := a.finished[id]; ok {
			continue
		}
		if rec.Disconnected {
			if _, ok := a.departed[rec.UserID]; !ok {
				a.departed[rec.UserID] = struct{}{}
				delete(a.active, rec.UserID)
				events = append(events, reconciler.Event{Kind: reconciler.Departed, Identity: id, At: now})
			}
			continue
		}
		delete(a.departed, rec.UserID)

		e, ok := a.active[rec.UserID]
		if !ok {
			if last, was := a.evicted[rec.UserID]; was && rec.DistanceMeters <= last {
				continue
			}
			e = &entry{view: model.RunnerView{Identity: id, LastUpdateAt: now}}
			a.active[rec.UserID] = e
			delete(a.evicted, rec.UserID)
		}
		if rec.DistanceMeters > e.view.DistanceMeters {
			e.view.DistanceMeters = rec.DistanceMeters
			e.view.LastUpdateAt = now
		}
	}
	a.rebuild()
	return events
}

func (a *Aggregator) parseFinish(rec model.ParticipantRecord) (time.Time, bool) {
	if rec.FinishTime == nil {
		return time.Time{}, false
	}
	t, err := model.ParseFinishTime(*rec.FinishTime)
	if err != nil {
		metrics.RecordTimestampParseError()
		a.logger.Warn(context.Background(), "unparseable finish time, retrying next poll",
			logger.String("participant", string(rec.UserID)),
			logger.Error(err))
		return time.Time{}, false
	}
	return t, true
}

// finish moves e into the finished set. Caller holds the lock.
func (a *Aggregator) finish(e *entry, elapsed time.Duration, provisional bool, at time.Time) reconciler.Event {
	id := e.view.UserID()
	delete(a.active, id)
	e.view.Finished = true
	e.view.FinishTime = elapsed
	e.view.Provisional = provisional
	e.view.SpeedMps = 0
	if a.target > 0 {
		e.view.DistanceMeters = a.target
	}
	e.confirmed = !provisional
	a.finished[e.view.Identity] = e
	return reconciler.Event{
		Kind: reconciler.RemoteFinished, Identity: e.view.Identity, At: at,
		FinishTime: elapsed, Authoritative: !provisional,
	}
}

// Evict drops active runners silent for longer than the post-race window.
// It returns how many were dropped.
func (a *Aggregator) Evict(now time.Time) int {
	var events []reconciler.Event
	a.mu.Lock()
	if a.stopped {
		a.mu.Unlock()
		return 0
	}
	for id, e := range a.active {
		if !staleness.IsStale(e.view.LastUpdateAt, now, a.window) {
			continue
		}
		delete(a.active, id)
		a.evicted[id] = e.view.DistanceMeters
		metrics.RecordStaleEviction("post_race")
		events = append(events, reconciler.Event{Kind: reconciler.Evicted, Identity: e.view.Identity, At: now})
	}
	if len(events) > 0 {
		a.rebuild()
	}
	a.mu.Unlock()
	a.emit(events)
	return len(events)
}

// ApplyMetadata updates a participant's display data.
func (a *Aggregator) ApplyMetadata(id model.UserID, meta model.Metadata) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.stopped {
		return
	}
	a.meta[id] = meta
	a.rebuild()
}

// Stop halts all further mutation. Late calls are dropped.
func (a *Aggregator) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
}

// Stopped reports whether Stop was called.
func (a *Aggregator) Stopped() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.stopped
}

// Standings returns finishers by time followed by active runners by distance.
func (a *Aggregator) Standings() []model.RunnerView {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return slices.Clone(a.standings)
}

// LocalPlace returns the local runner's 1-based place.
func (a *Aggregator) LocalPlace() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	for i, v := range a.standings {
		if v.Identity == a.local {
			return i + 1
		}
	}
	return 0
}

// Pending returns how many participants have not finished yet.
func (a *Aggregator) Pending() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.active)
}

func (a *Aggregator) rebuild() {
	out := make([]model.RunnerView, 0, len(a.finished)+len(a.active))
	for _, e := range a.finished {
		out = append(out, a.decorate(e.view))
	}
	for _, e := range a.active {
		out = append(out, a.decorate(e.view))
	}
	slices.SortFunc(out, a.ordering)
	a.standings = out
}

func (a *Aggregator) decorate(v model.RunnerView) model.RunnerView {
	if v.Identity.IsLocal() {
		return v
	}
	if m, ok := a.meta[v.UserID()]; ok && m != (model.Metadata{}) {
		v.Metadata = m
	} else if v.Metadata == (model.Metadata{}) {
		v.Metadata = model.PlaceholderMetadata(v.UserID())
	}
	return v
}

func (a *Aggregator) emit(events []reconciler.Event) {
	if a.observer == nil {
		return
	}
	for _, ev := range events {
		a.observer(ev)
	}
}
