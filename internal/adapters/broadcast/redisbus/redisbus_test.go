package redisbus_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/smartystreets/goconvey/convey"

	"github.com/okian/racetrack/internal/adapters/broadcast/redisbus"
	"github.com/okian/racetrack/internal/race/session"
)

func unreachable() *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:        "127.0.0.1:1",
		DialTimeout: 100 * time.Millisecond,
		MaxRetries:  -1,
	})
}

func TestDial(t *testing.T) {
	convey.Convey("Given redis urls", t, func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		convey.Convey("Then an empty url is rejected", func() {
			_, err := redisbus.Dial(ctx, "  ")
			convey.So(err, convey.ShouldNotBeNil)
		})

		convey.Convey("Then a malformed url is rejected", func() {
			_, err := redisbus.Dial(ctx, "http://not-redis")
			convey.So(err, convey.ShouldNotBeNil)
		})

		convey.Convey("Then an unreachable server fails the ping", func() {
			_, err := redisbus.Dial(ctx, "redis://127.0.0.1:1/0")
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}

func TestChannel(t *testing.T) {
	convey.Convey("Given a bus on an unreachable server", t, func() {
		bus := redisbus.New(unreachable(), redisbus.WithPrefix("test:"))
		defer bus.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()

		convey.Convey("Then topics carry the prefix", func() {
			convey.So(bus.Topic("r1"), convey.ShouldEqual, "test:r1")
		})

		convey.Convey("Then subscribing reports the channel unavailable", func() {
			_, err := bus.Channel("r1").Subscribe(ctx)
			convey.So(errors.Is(err, session.ErrChannelUnavailable), convey.ShouldBeTrue)
		})

		convey.Convey("Then publishing fails without blocking", func() {
			err := bus.Channel("r1").Publish(ctx, []byte(`{}`))
			convey.So(err, convey.ShouldNotBeNil)
		})
	})
}
