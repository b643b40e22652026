package pace_test

import (
	"math"
	"testing"
	"time"

	"github.com/okian/racetrack/internal/domain/pace"
	. "github.com/smartystreets/goconvey/convey"
)

func TestPace(t *testing.T) {
	Convey("Given a runner speed", t, func() {
		Convey("When the runner is idle", func() {
			So(pace.Pace(0, pace.Kilometer), ShouldEqual, pace.NoPace)
			So(pace.Pace(0.1, pace.Kilometer), ShouldEqual, pace.NoPace)
			So(pace.Pace(-3, pace.Mile), ShouldEqual, pace.NoPace)
			So(pace.Pace(math.NaN(), pace.Mile), ShouldEqual, pace.NoPace)
		})

		Convey("When running at a round pace per km", func() {
			// 1000 / 4.0 = 250s -> 4:10
			So(pace.Pace(4.0, pace.Kilometer), ShouldEqual, "4:10")
		})

		Convey("When the seconds are fractional", func() {
			// 1000 / 3.0 = 333.33s -> 5:33 (truncated, not rounded)
			So(pace.Pace(3.0, pace.Kilometer), ShouldEqual, "5:33")
			// 1000 / 2.9 = 344.83s -> 5:44
			So(pace.Pace(2.9, pace.Kilometer), ShouldEqual, "5:44")
		})

		Convey("When reporting per mile", func() {
			// 1609.34 / 4.0 = 402.335s -> 6:42
			So(pace.Pace(4.0, pace.Mile), ShouldEqual, "6:42")
		})

		Convey("When seconds need zero padding", func() {
			// 1000 / 8.0 = 125s -> 2:05
			So(pace.Pace(8.0, pace.Kilometer), ShouldEqual, "2:05")
		})
	})

	Convey("Given minutes per unit", t, func() {
		So(pace.MinutesPerUnit(4.0, pace.Kilometer), ShouldAlmostEqual, 250.0/60.0, 1e-9)
		So(pace.MinutesPerUnit(0.05, pace.Kilometer), ShouldEqual, 0)
		So(pace.FormatMinutes(5.5), ShouldEqual, "5:30")
		So(pace.FormatMinutes(0), ShouldEqual, pace.NoPace)
		So(pace.FormatMinutes(math.Inf(1)), ShouldEqual, pace.NoPace)
	})
}

func TestUnit(t *testing.T) {
	Convey("Given unit names", t, func() {
		u, err := pace.ParseUnit("Mile")
		So(err, ShouldBeNil)
		So(u, ShouldEqual, pace.Mile)
		So(u.Meters(), ShouldEqual, 1609.34)
		So(u.String(), ShouldEqual, "mi")

		u, err = pace.ParseUnit("km")
		So(err, ShouldBeNil)
		So(u.Meters(), ShouldEqual, 1000.0)

		_, err = pace.ParseUnit("furlong")
		So(err, ShouldNotBeNil)
	})
}

func TestAdvanceDistance(t *testing.T) {
	Convey("Given a previous distance", t, func() {
		Convey("When advancing normally", func() {
			So(pace.AdvanceDistance(100, 3, 2, 5000), ShouldEqual, 106)
		})

		Convey("When the advance would pass the target", func() {
			So(pace.AdvanceDistance(4998, 3, 2, 5000), ShouldEqual, 5000)
		})

		Convey("When dt or speed is negative", func() {
			So(pace.AdvanceDistance(100, 3, -2, 5000), ShouldEqual, 100)
			So(pace.AdvanceDistance(100, -3, 2, 5000), ShouldEqual, 100)
		})
	})
}

func TestClock(t *testing.T) {
	Convey("Given a fresh clock", t, func() {
		var c pace.Clock
		start := time.Date(2026, 1, 1, 8, 0, 0, 0, time.UTC)

		Convey("Then the first tick should have zero delta", func() {
			So(c.Delta(start), ShouldEqual, 0)

			Convey("And later ticks should report elapsed seconds", func() {
				So(c.Delta(start.Add(1500*time.Millisecond)), ShouldEqual, 1.5)
			})

			Convey("And a clock going backwards should report zero", func() {
				So(c.Delta(start.Add(-time.Second)), ShouldEqual, 0)
			})
		})
	})
}
