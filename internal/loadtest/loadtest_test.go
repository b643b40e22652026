package loadtest_test

import (
	"bytes"
	"context"
	"errors"
	"net/http/httptest"
	"testing"
	"time"

	. "github.com/smartystreets/goconvey/convey"

	"github.com/okian/racetrack/internal/adapters/broadcast/memory"
	"github.com/okian/racetrack/internal/adapters/http/client"
	service "github.com/okian/racetrack/internal/app"
	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/loadtest"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
)

func TestConfig_Validate(t *testing.T) {
	valid := func() loadtest.Config {
		return loadtest.Config{Runners: 2, DistanceMeters: 100, MinSpeed: 1, MaxSpeed: 2, Timeout: time.Second}
	}
	cases := []struct {
		name   string
		mutate func(*loadtest.Config)
	}{
		{"no runners", func(c *loadtest.Config) { c.Runners = 0 }},
		{"zero distance", func(c *loadtest.Config) { c.DistanceMeters = 0 }},
		{"inverted speeds", func(c *loadtest.Config) { c.MinSpeed, c.MaxSpeed = 3, 2 }},
		{"no timeout", func(c *loadtest.Config) { c.Timeout = 0 }},
	}

	Convey("Given simulation settings", t, func() {
		Convey("Valid settings pass", func() {
			cfg := valid()
			So(cfg.Validate(), ShouldBeNil)
		})
		for _, tc := range cases {
			Convey("Rejects "+tc.name, func() {
				cfg := valid()
				tc.mutate(&cfg)
				So(errors.Is(cfg.Validate(), loadtest.ErrInvalidConfig), ShouldBeTrue)
			})
		}
	})
}

func TestRun(t *testing.T) {
	Convey("Given a relay server and an in-process broadcast bus", t, func() {
		svc := service.New(service.WithDBPath(":memory:"), service.WithLogger(logger.NewNop()))
		So(svc.Start(context.Background()), ShouldBeNil)
		defer svc.Stop()
		handler, err := svc.Handler()
		So(err, ShouldBeNil)
		srv := httptest.NewServer(handler)
		defer srv.Close()

		c, err := client.New(srv.URL, client.WithLogger(logger.NewNop()))
		So(err, ShouldBeNil)

		bus := memory.NewBus()
		defer bus.Close()
		channels := func(raceID model.RaceID) (session.BroadcastChannel, error) {
			return bus.Channel(raceID), nil
		}

		Convey("When four runners race", func() {
			var out bytes.Buffer
			report, err := loadtest.Run(context.Background(), c, channels, loadtest.Config{
				RaceID:         "sim",
				Runners:        4,
				DistanceMeters: 40,
				Ranked:         true,
				MinSpeed:       20,
				MaxSpeed:       80,
				Seed:           7,
				Linger:         100 * time.Millisecond,
				Timeout:        20 * time.Second,
			}, &out,
				session.WithTickInterval(10*time.Millisecond),
				session.WithPollInterval(50*time.Millisecond),
				session.WithPublishInterval(20*time.Millisecond),
			)

			Convey("Then everyone finishes and the standings verify", func() {
				So(err, ShouldBeNil)
				So(report.RaceID, ShouldEqual, model.RaceID("sim"))
				So(report.Stats.RunnersStarted, ShouldEqual, 4)
				So(report.Stats.RunnersFinished, ShouldEqual, 4)
				So(report.Stats.RunnersFailed, ShouldEqual, 0)
				So(report.Stats.RankedUpdates, ShouldEqual, 4)
				So(out.String(), ShouldContainSubstring, "4 finished, 0 failed")
			})
		})

		Convey("When the race id is already taken", func() {
			cfg := loadtest.Config{RaceID: "dup", Runners: 1, DistanceMeters: 10, MinSpeed: 50, MaxSpeed: 50, Timeout: 5 * time.Second}
			_, err := loadtest.Run(context.Background(), c, channels, cfg, &bytes.Buffer{})
			So(err, ShouldBeNil)
			_, err = loadtest.Run(context.Background(), c, channels, cfg, &bytes.Buffer{})
			So(errors.Is(err, client.ErrConflict), ShouldBeTrue)
		})
	})
}
