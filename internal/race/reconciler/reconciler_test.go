package reconciler_test

import (
	"errors"
	"testing"
	"time"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/reconciler"
	"github.com/smartystreets/goconvey/convey"
)

var t0 = time.Date(2026, 5, 4, 18, 0, 0, 0, time.UTC)

func at(sec float64) time.Time {
	return t0.Add(time.Duration(sec * float64(time.Second)))
}

func sample(id string, distance float64) model.RemoteSample {
	return model.RemoteSample{UserID: model.UserID(id), DistanceMeters: distance, SpeedMps: 3}
}

func ptr[T any](v T) *T { return &v }

func ids(board []model.RunnerView) []string {
	out := make([]string, 0, len(board))
	for _, v := range board {
		out = append(out, v.Identity.String())
	}
	return out
}

func find(board []model.RunnerView, id string) (model.RunnerView, bool) {
	for _, v := range board {
		if !v.Identity.IsLocal() && string(v.UserID()) == id {
			return v, true
		}
	}
	return model.RunnerView{}, false
}

func newReconciler(t *testing.T, opts ...reconciler.Option) *reconciler.Reconciler {
	t.Helper()
	opts = append([]reconciler.Option{reconciler.WithRaceStart(t0)}, opts...)
	r, err := reconciler.New("race-1", "me", 1000, opts...)
	if err != nil {
		t.Fatalf("new reconciler: %v", err)
	}
	return r
}

func TestNew(t *testing.T) {
	convey.Convey("Given invalid construction arguments", t, func() {
		_, err := reconciler.New("r", "me", 0)
		convey.So(errors.Is(err, reconciler.ErrInvalidTarget), convey.ShouldBeTrue)

		_, err = reconciler.New("r", "", 100)
		convey.So(errors.Is(err, reconciler.ErrMissingUser), convey.ShouldBeTrue)
	})

	convey.Convey("Given a fresh reconciler", t, func() {
		r := newReconciler(t)

		convey.Convey("Then it is not started and shows only the local runner", func() {
			convey.So(r.State(), convey.ShouldEqual, reconciler.NotStarted)
			convey.So(ids(r.Leaderboard()), convey.ShouldResemble, []string{"local:me"})
			convey.So(r.FieldSize(), convey.ShouldEqual, 1)
		})
	})
}

func TestIdempotentUpsert(t *testing.T) {
	convey.Convey("Given two distinct samples for one user", t, func() {
		first := sample("u1", 200)
		second := sample("u1", 150)

		type arrival struct {
			s  model.RemoteSample
			at time.Time
		}
		orders := []struct {
			name     string
			arrivals []arrival
		}{
			{"dup first, then second", []arrival{{first, at(1)}, {first, at(2)}, {second, at(3)}}},
			{"first, second, dup second", []arrival{{first, at(1)}, {second, at(2)}, {second, at(3)}}},
			{"second then first", []arrival{{second, at(1)}, {first, at(2)}}},
			{"first, second, late dup first", []arrival{{first, at(1)}, {second, at(3)}, {first, at(2)}}},
		}

		for _, tc := range orders {
			convey.Convey("When they arrive as "+tc.name, func() {
				r := newReconciler(t)
				var last arrival
				for _, a := range tc.arrivals {
					r.IngestRemoteSample(a.s, a.at)
					if !a.at.Before(last.at) {
						last = a
					}
				}

				single := newReconciler(t)
				single.IngestRemoteSample(last.s, last.at)

				got, _ := find(r.Leaderboard(), "u1")
				want, _ := find(single.Leaderboard(), "u1")
				convey.So(got.DistanceMeters, convey.ShouldEqual, want.DistanceMeters)
				convey.So(got.LastUpdateAt, convey.ShouldEqual, want.LastUpdateAt)
			})
		}

		convey.Convey("When a smaller distance arrives later", func() {
			r := newReconciler(t)
			r.IngestRemoteSample(first, at(1))
			r.IngestRemoteSample(second, at(2))

			convey.Convey("Then it overwrites the larger one", func() {
				got, _ := find(r.Leaderboard(), "u1")
				convey.So(got.DistanceMeters, convey.ShouldEqual, 150)
			})
		})
	})
}

func TestStickyFinish(t *testing.T) {
	convey.Convey("Given the store reports U finished", t, func() {
		r := newReconciler(t)
		r.IngestRemoteSample(sample("U", 900), at(200))
		r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
			{UserID: "U", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(240)))},
		}, at(241))

		convey.Convey("When later samples arrive with any distance", func() {
			for _, d := range []float64{0, 10, 999, 5000} {
				r.IngestRemoteSample(sample("U", d), at(242))
			}
			r.Tick(at(400), 0, 1)

			convey.Convey("Then U stays finished with the authoritative time", func() {
				got, ok := find(r.Leaderboard(), "U")
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(got.Finished, convey.ShouldBeTrue)
				convey.So(got.Provisional, convey.ShouldBeFalse)
				convey.So(got.FinishTime, convey.ShouldEqual, 240*time.Second)
				convey.So(got.DistanceMeters, convey.ShouldEqual, 1000)
			})
		})
	})

	convey.Convey("Given a realtime sample crosses the line", t, func() {
		r := newReconciler(t)
		r.IngestRemoteSample(sample("U", 1003), at(250))

		convey.Convey("Then the finish is provisional until the store confirms it", func() {
			got, _ := find(r.Leaderboard(), "U")
			convey.So(got.Finished, convey.ShouldBeTrue)
			convey.So(got.Provisional, convey.ShouldBeTrue)
			convey.So(got.FinishTime, convey.ShouldEqual, 250*time.Second)

			r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
				{UserID: "U", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(248.5)))},
			}, at(252))
			got, _ = find(r.Leaderboard(), "U")
			convey.So(got.Provisional, convey.ShouldBeFalse)
			convey.So(got.FinishTime, convey.ShouldEqual, 248500*time.Millisecond)

			r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
				{UserID: "U", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(300)))},
			}, at(255))
			got, _ = find(r.Leaderboard(), "U")
			convey.So(got.FinishTime, convey.ShouldEqual, 248500*time.Millisecond)
		})
	})
}

func TestStalenessEviction(t *testing.T) {
	convey.Convey("Given an active race with one remote sample", t, func() {
		var events []reconciler.Event
		r := newReconciler(t, reconciler.WithObserver(func(e reconciler.Event) { events = append(events, e) }))
		r.Tick(at(0), 0, 0)
		r.IngestRemoteSample(sample("u1", 100), at(0))

		convey.Convey("When 29 seconds pass", func() {
			r.Tick(at(29), 0, 1)

			convey.Convey("Then the runner is still shown", func() {
				_, ok := find(r.Leaderboard(), "u1")
				convey.So(ok, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When 31 seconds pass", func() {
			r.Tick(at(31), 0, 1)

			convey.Convey("Then the runner is evicted", func() {
				_, ok := find(r.Leaderboard(), "u1")
				convey.So(ok, convey.ShouldBeFalse)
				convey.So(events[len(events)-1].Kind, convey.ShouldEqual, reconciler.Evicted)
				convey.So(r.FieldSize(), convey.ShouldEqual, 2)
			})

			convey.Convey("Then a stale store row does not bring it back", func() {
				r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{{UserID: "u1", DistanceMeters: 100}}, at(32))
				_, ok := find(r.Leaderboard(), "u1")
				convey.So(ok, convey.ShouldBeFalse)
			})

			convey.Convey("Then a fresh sample brings it back", func() {
				r.IngestRemoteSample(sample("u1", 180), at(33))
				_, ok := find(r.Leaderboard(), "u1")
				convey.So(ok, convey.ShouldBeTrue)
			})
		})

		convey.Convey("When the runner has finished", func() {
			r.IngestRemoteSample(sample("u1", 1000), at(5))
			r.Tick(at(120), 0, 1)

			convey.Convey("Then it is never evicted", func() {
				_, ok := find(r.Leaderboard(), "u1")
				convey.So(ok, convey.ShouldBeTrue)
			})
		})
	})
}

func TestLeaderboardOrdering(t *testing.T) {
	convey.Convey("Given finished and unfinished runners", t, func() {
		finishedRecords := []model.ParticipantRecord{
			{UserID: "a", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(100)))},
			{UserID: "b", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(90)))},
		}
		want := []string{"remote:b", "remote:a", "remote:d", "remote:c", "local:me"}

		convey.Convey("When inserted samples first", func() {
			r := newReconciler(t)
			r.Tick(at(0), 0, 0)
			r.IngestRemoteSample(sample("c", 50), at(1))
			r.IngestRemoteSample(sample("d", 80), at(1))
			r.IngestAuthoritativeSnapshot(finishedRecords, at(2))
			convey.So(ids(r.Leaderboard()), convey.ShouldResemble, want)
		})

		convey.Convey("When inserted snapshot first", func() {
			r := newReconciler(t)
			r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{finishedRecords[1], finishedRecords[0]}, at(2))
			r.IngestRemoteSample(sample("d", 80), at(3))
			r.IngestRemoteSample(sample("c", 50), at(3))
			convey.So(ids(r.Leaderboard()), convey.ShouldResemble, want)
		})

		convey.Convey("When unfinished runners tie on distance", func() {
			r := newReconciler(t)
			r.IngestRemoteSample(sample("z", 60), at(1))
			r.IngestRemoteSample(sample("y", 60), at(1))
			convey.So(ids(r.Leaderboard())[:2], convey.ShouldResemble, []string{"remote:y", "remote:z"})
		})
	})

	convey.Convey("Given casual ordering", t, func() {
		r := newReconciler(t, reconciler.WithOrdering(reconciler.CasualOrdering))
		r.IngestRemoteSample(sample("slow", 1000), at(1))
		r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{{UserID: "fast", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(0.5)))}}, at(2))
		r.IngestRemoteSample(sample("mid", 400), at(2))

		convey.Convey("Then only distance and id matter", func() {
			convey.So(ids(r.Leaderboard()), convey.ShouldResemble, []string{"remote:fast", "remote:slow", "remote:mid", "local:me"})
		})
	})
}

func TestMetadataLookup(t *testing.T) {
	convey.Convey("Given a reconciler with an async metadata requester", t, func() {
		var requested []model.UserID
		r := newReconciler(t, reconciler.WithMetadataRequester(func(id model.UserID) { requested = append(requested, id) }))

		convey.Convey("When an unknown user's sample arrives before the lookup resolves", func() {
			r.IngestRemoteSample(sample("U1", 120.5), at(1))

			convey.Convey("Then the runner shows immediately with a placeholder name", func() {
				got, ok := find(r.Leaderboard(), "U1")
				convey.So(ok, convey.ShouldBeTrue)
				convey.So(got.DistanceMeters, convey.ShouldEqual, 120.5)
				convey.So(got.Metadata.DisplayName, convey.ShouldEqual, "U1")
				convey.So(requested, convey.ShouldResemble, []model.UserID{"U1"})
			})

			convey.Convey("Then a second sample does not fire a second lookup", func() {
				r.IngestRemoteSample(sample("U1", 130), at(2))
				convey.So(len(requested), convey.ShouldEqual, 1)
			})

			convey.Convey("Then resolving updates the name without moving the runner", func() {
				before := ids(r.Leaderboard())
				r.ApplyMetadata("U1", model.Metadata{DisplayName: "Ursula", CountryCode: "SE"})
				got, _ := find(r.Leaderboard(), "U1")
				convey.So(got.Metadata.DisplayName, convey.ShouldEqual, "Ursula")
				convey.So(got.DistanceMeters, convey.ShouldEqual, 120.5)
				convey.So(ids(r.Leaderboard()), convey.ShouldResemble, before)
			})

			convey.Convey("Then a failed lookup is retried on the next sample", func() {
				r.MetadataFailed("U1")
				r.IngestRemoteSample(sample("U1", 140), at(3))
				convey.So(requested, convey.ShouldResemble, []model.UserID{"U1", "U1"})
			})
		})

		convey.Convey("When the sender attaches its own metadata", func() {
			s := sample("U2", 10)
			s.Metadata = &model.Metadata{DisplayName: "Vera"}
			r.IngestRemoteSample(s, at(1))

			convey.Convey("Then no lookup is requested", func() {
				got, _ := find(r.Leaderboard(), "U2")
				convey.So(got.Metadata.DisplayName, convey.ShouldEqual, "Vera")
				convey.So(requested, convey.ShouldBeEmpty)
			})
		})
	})
}

func TestUnparseableFinishTime(t *testing.T) {
	convey.Convey("Given the store reports U2 with a garbage finish time", t, func() {
		r := newReconciler(t)
		r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
			{UserID: "U2", DistanceMeters: 700, FinishTime: ptr("not a time")},
		}, at(200))

		convey.Convey("Then U2 stays active this cycle", func() {
			got, ok := find(r.Leaderboard(), "U2")
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(got.Finished, convey.ShouldBeFalse)
			convey.So(got.DistanceMeters, convey.ShouldEqual, 700)
		})

		convey.Convey("When a later poll carries a valid timestamp", func() {
			r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
				{UserID: "U2", DistanceMeters: 1000, FinishTime: ptr("2026-05-04T18:04:05Z"), AveragePace: ptr(4.1)},
			}, at(250))

			convey.Convey("Then the finish time is relative to race start", func() {
				got, _ := find(r.Leaderboard(), "U2")
				convey.So(got.Finished, convey.ShouldBeTrue)
				convey.So(got.FinishTime, convey.ShouldEqual, 245*time.Second)
				convey.So(got.PaceMinutesPerUnit, convey.ShouldEqual, 4.1)
			})
		})

		convey.Convey("When the finish precedes the race start", func() {
			r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
				{UserID: "U2", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(-30)))},
			}, at(250))

			convey.Convey("Then the elapsed time clamps to zero", func() {
				got, _ := find(r.Leaderboard(), "U2")
				convey.So(got.FinishTime, convey.ShouldEqual, time.Duration(0))
			})
		})
	})
}

func TestLocalRunner(t *testing.T) {
	convey.Convey("Given a 1000 m race", t, func() {
		var events []reconciler.Event
		r := newReconciler(t, reconciler.WithObserver(func(e reconciler.Event) { events = append(events, e) }))

		convey.Convey("When the first tick carries a large delta", func() {
			r.Tick(at(0), 4, 500)

			convey.Convey("Then the local runner does not move", func() {
				convey.So(r.State(), convey.ShouldEqual, reconciler.Active)
				convey.So(r.LocalSample().DistanceMeters, convey.ShouldEqual, 0)
			})
		})

		convey.Convey("When the runner crosses the line mid-tick", func() {
			r.Tick(at(0), 4, 0)
			r.Tick(at(200), 4, 200)
			r.Tick(at(251), 4, 51)

			convey.Convey("Then the finish is interpolated and sticky", func() {
				state := r.LocalFinishState()
				convey.So(state.Finished, convey.ShouldBeTrue)
				convey.So(state.Elapsed, convey.ShouldEqual, 250*time.Second)
				convey.So(r.State(), convey.ShouldEqual, reconciler.Finished)
				convey.So(r.LocalSample().DistanceMeters, convey.ShouldEqual, 1000)
				convey.So(events[len(events)-1].Kind, convey.ShouldEqual, reconciler.LocalFinished)

				r.Tick(at(260), 4, 9)
				convey.So(r.LocalFinishState(), convey.ShouldResemble, state)
			})

			convey.Convey("Then the local place counts earlier finishers", func() {
				r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{
					{UserID: "x", DistanceMeters: 1000, FinishTime: ptr(model.FormatFinishTime(at(240)))},
				}, at(255))
				convey.So(r.LocalPlace(), convey.ShouldEqual, 2)
			})
		})

		convey.Convey("When a peer finishes inside the tick the runner crosses in", func() {
			r.Tick(at(0), 4, 0)
			r.Tick(at(200), 4, 200)
			r.IngestRemoteSample(sample("u1", 1000), at(250.5))
			r.Tick(at(251), 4, 51)

			convey.Convey("Then the earlier interpolated crossing places the runner first", func() {
				convey.So(ids(r.Leaderboard()), convey.ShouldResemble, []string{"local:me", "remote:u1"})
				convey.So(r.LocalPlace(), convey.ShouldEqual, 1)
			})
		})

		convey.Convey("When a sample claims to be the local user", func() {
			r.IngestRemoteSample(sample("me", 500), at(1))

			convey.Convey("Then no remote duplicate is created", func() {
				convey.So(ids(r.Leaderboard()), convey.ShouldResemble, []string{"local:me"})
			})
		})
	})
}

func TestDepartureAndClose(t *testing.T) {
	convey.Convey("Given a runner who leaves the race", t, func() {
		var events []reconciler.Event
		r := newReconciler(t, reconciler.WithObserver(func(e reconciler.Event) { events = append(events, e) }))
		r.IngestRemoteSample(sample("gone", 300), at(1))
		r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{{UserID: "gone", DistanceMeters: 300, Disconnected: true}}, at(3))

		convey.Convey("Then it leaves the board and late samples are dropped", func() {
			_, ok := find(r.Leaderboard(), "gone")
			convey.So(ok, convey.ShouldBeFalse)
			convey.So(r.Departed(), convey.ShouldResemble, []model.UserID{"gone"})
			convey.So(events[len(events)-1].Kind, convey.ShouldEqual, reconciler.Departed)

			r.IngestRemoteSample(sample("gone", 310), at(4))
			_, ok = find(r.Leaderboard(), "gone")
			convey.So(ok, convey.ShouldBeFalse)
		})
	})

	convey.Convey("Given a runner who crossed the line and then disconnected", t, func() {
		r := newReconciler(t)
		r.IngestRemoteSample(sample("u1", 1000), at(240))
		r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{{UserID: "u1", DistanceMeters: 800, Disconnected: true}}, at(250))

		convey.Convey("Then the finish stays on the board", func() {
			got, ok := find(r.Leaderboard(), "u1")
			convey.So(ok, convey.ShouldBeTrue)
			convey.So(got.Finished, convey.ShouldBeTrue)
			convey.So(got.FinishTime, convey.ShouldEqual, 240*time.Second)
			convey.So(r.Departed(), convey.ShouldBeEmpty)
		})
	})

	convey.Convey("Given a closed reconciler", t, func() {
		r := newReconciler(t)
		r.IngestRemoteSample(sample("u1", 100), at(1))
		r.Close()
		r.IngestRemoteSample(sample("u1", 900), at(2))
		r.IngestAuthoritativeSnapshot([]model.ParticipantRecord{{UserID: "u2", DistanceMeters: 5}}, at(3))
		r.Tick(at(4), 5, 1)

		convey.Convey("Then nothing changes", func() {
			convey.So(r.State(), convey.ShouldEqual, reconciler.Closed)
			got, _ := find(r.Leaderboard(), "u1")
			convey.So(got.DistanceMeters, convey.ShouldEqual, 100)
			_, ok := find(r.Leaderboard(), "u2")
			convey.So(ok, convey.ShouldBeFalse)
		})
	})
}

func TestOvertake(t *testing.T) {
	convey.Convey("Given the local runner close behind a remote runner", t, func() {
		var overtakes []reconciler.Event
		r := newReconciler(t, reconciler.WithObserver(func(e reconciler.Event) {
			if e.Kind == reconciler.Overtake {
				overtakes = append(overtakes, e)
			}
		}))
		r.Tick(at(0), 0, 0)
		r.IngestRemoteSample(sample("u1", 10), at(0))

		convey.Convey("When the local runner passes within range", func() {
			r.Tick(at(4), 4, 4)

			convey.Convey("Then an overtake is emitted with a positive gap", func() {
				convey.So(len(overtakes), convey.ShouldEqual, 1)
				convey.So(overtakes[0].Gap, convey.ShouldEqual, 6)
				convey.So(string(overtakes[0].Identity.UserID()), convey.ShouldEqual, "u1")
			})
		})

		convey.Convey("When the sign changes far apart", func() {
			r.IngestRemoteSample(sample("u1", 5), at(1))
			r.Tick(at(20), 4, 19)

			convey.Convey("Then nothing is emitted", func() {
				convey.So(overtakes, convey.ShouldBeEmpty)
			})
		})
	})
}
