package service_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	service "github.com/okian/racetrack/internal/app"
	"github.com/okian/racetrack/pkg/logger"
	. "github.com/smartystreets/goconvey/convey"
)

func init() {
	// Initialize logging for tests
	err := logger.Init()
	if err != nil {
		panic(err)
	}
}

func TestService_New(t *testing.T) {
	Convey("Given a new service with default options", t, func() {
		svc := service.New()

		Convey("Then it should not be started", func() {
			So(svc, ShouldNotBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
			So(svc.GetStats()["maxTierSpread"], ShouldEqual, 1)
		})

		Convey("And accessors should refuse to run", func() {
			_, err := svc.Store()
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
			_, err = svc.Handler()
			So(errors.Is(err, service.ErrNotStarted), ShouldBeTrue)
		})
	})

	Convey("Given a new service with custom options", t, func() {
		svc := service.New(
			service.WithDBPath(":memory:"),
			service.WithMaxTierSpread(2),
			service.WithRelayValidation(false),
		)

		Convey("Then the options should apply", func() {
			So(svc.GetStats()["maxTierSpread"], ShouldEqual, 2)
		})
	})
}

func TestService_Start(t *testing.T) {
	Convey("Given a new service", t, func() {
		svc := service.New(service.WithDBPath(":memory:"))
		// Ensure service is stopped after test
		defer svc.Stop()

		Convey("When starting the service", func() {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			err := svc.Start(ctx)

			Convey("Then it should start successfully", func() {
				So(err, ShouldBeNil)
				So(svc.Start(ctx), ShouldBeNil)
			})

			Convey("And it should report store and relay stats", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, true)
				So(stats["races"], ShouldEqual, 0)
				So(stats["relayClients"], ShouldEqual, 0)
			})

			Convey("And it should serve the API", func() {
				handler, err := svc.Handler()
				So(err, ShouldBeNil)
				rec := httptest.NewRecorder()
				handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/stats", nil))
				So(rec.Code, ShouldEqual, http.StatusOK)
				So(rec.Body.String(), ShouldContainSubstring, `"started":true`)
			})
		})
	})

	Convey("Given a service with an unusable database path", t, func() {
		svc := service.New(service.WithDBPath("/nonexistent/dir/racetrack.db"))

		Convey("Then starting fails", func() {
			So(svc.Start(context.Background()), ShouldNotBeNil)
			So(svc.GetStats()["started"], ShouldEqual, false)
		})
	})
}

func TestService_Stop(t *testing.T) {
	Convey("Given a started service", t, func() {
		svc := service.New(service.WithDBPath(":memory:"))
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		err := svc.Start(ctx)
		So(err, ShouldBeNil)

		Convey("When stopping the service", func() {
			svc.Stop()

			Convey("Then it should be marked as stopped", func() {
				stats := svc.GetStats()
				So(stats["started"], ShouldEqual, false)
			})

			Convey("And stopping again should be harmless", func() {
				So(func() { svc.Stop() }, ShouldNotPanic)
			})
		})
	})
}
