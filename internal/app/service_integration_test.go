package service_test

import (
	"bytes"
	"context"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/okian/racetrack/internal/adapters/broadcast/ws"
	"github.com/okian/racetrack/internal/adapters/http/client"
	service "github.com/okian/racetrack/internal/app"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/domain/types"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/internal/racer"
	"github.com/okian/racetrack/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

type raceResult struct {
	user    model.UserID
	outcome session.FinishOutcome
	err     error
}

func TestServiceIntegration(t *testing.T) {
	Convey("Given a running relay server", t, func() {
		svc := service.New(service.WithDBPath(":memory:"))
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		So(svc.Start(ctx), ShouldBeNil)
		defer svc.Stop()

		handler, err := svc.Handler()
		So(err, ShouldBeNil)
		srv := httptest.NewServer(handler)
		defer srv.Close()

		c, err := client.New(srv.URL)
		So(err, ShouldBeNil)

		Convey("When two racers run a ranked race over the relay", func() {
			_, err := c.CreateRace(ctx, types.CreateRaceRequest{ID: "r1", Name: "Sprint", DistanceMeters: 50, Ranked: true, Start: true})
			So(err, ShouldBeNil)

			runners := []struct {
				user  model.UserID
				name  string
				speed float64
			}{
				{"alice", "Alice", 100},
				{"bob", "Bob", 25},
			}
			for _, r := range runners {
				So(c.PutProfile(ctx, r.user, model.Metadata{DisplayName: r.name}), ShouldBeNil)
				So(c.JoinRace(ctx, "r1", r.user), ShouldBeNil)
			}

			results := make(chan raceResult, len(runners))
			for _, r := range runners {
				channel := ws.NewChannel(c.RelayURL("r1"), ws.WithLogger(logger.NewNop()))
				rc := racer.New(c, channel, c.RankedProfiles(), session.ConstantSpeed(r.speed), &bytes.Buffer{},
					racer.WithLinger(300*time.Millisecond),
					racer.WithLogger(logger.NewNop()),
					racer.WithSessionOptions(
						session.WithTickInterval(10*time.Millisecond),
						session.WithPollInterval(50*time.Millisecond),
						session.WithPublishInterval(20*time.Millisecond),
					),
				)
				go func() {
					out, err := rc.Run(ctx, "r1", r.user)
					results <- raceResult{user: r.user, outcome: out, err: err}
				}()
			}

			got := map[model.UserID]raceResult{}
			for range runners {
				res := <-results
				got[res.user] = res
			}

			Convey("Then both finishes are recorded in order", func() {
				So(got["alice"].err, ShouldBeNil)
				So(got["bob"].err, ShouldBeNil)
				So(got["alice"].outcome.Place, ShouldEqual, 1)
				So(got["bob"].outcome.Place, ShouldEqual, 2)
				So(got["alice"].outcome.FieldSize, ShouldEqual, 2)

				rows, err := c.ListParticipants(ctx, "r1")
				So(err, ShouldBeNil)
				So(rows, ShouldHaveLength, 2)
				for _, row := range rows {
					So(row.FinishTime, ShouldNotBeNil)
				}
			})

			Convey("And the ranked ladder moves", func() {
				So(got["alice"].outcome.Profile, ShouldNotBeNil)
				So(got["alice"].outcome.Delta, ShouldBeGreaterThan, 0)
				p, err := c.GetRanked(ctx, "alice")
				So(err, ShouldBeNil)
				So(p.LeaguePoints, ShouldEqual, got["alice"].outcome.Profile.LeaguePoints)
			})

			Convey("And the service stats reflect the race", func() {
				stats := svc.GetStats()
				So(stats["races"], ShouldEqual, 1)
				So(stats["finished"], ShouldEqual, 2)
				So(stats["rankedProfiles"], ShouldEqual, 2)
			})
		})
	})
}
