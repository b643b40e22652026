// Package redisbus carries race broadcasts over Redis pub/sub so relays
// on several hosts share one channel per race.
package redisbus

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

const (
	defaultPrefix = "race:"
	defaultBuffer = 256
)

// Option configures a Bus.
type Option func(*Bus)

// WithPrefix sets the channel name prefix, "race:" by default.
func WithPrefix(p string) Option {
	return func(b *Bus) {
		b.prefix = p
	}
}

// WithBuffer sets the per-subscription buffer.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(b *Bus) {
		if l != nil {
			b.logger = l
		}
	}
}

// Bus hands out per-race channels on one Redis client.
type Bus struct {
	rdb    redis.UniversalClient
	prefix string
	buffer int
	logger logger.Logger
}

// New wraps an existing client.
func New(rdb redis.UniversalClient, opts ...Option) *Bus {
	b := &Bus{rdb: rdb, prefix: defaultPrefix, buffer: defaultBuffer, logger: logger.Named("redisbus")}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Dial parses a redis:// URL, pings the server and returns a Bus.
func Dial(ctx context.Context, url string, opts ...Option) (*Bus, error) {
	if strings.TrimSpace(url) == "" {
		return nil, fmt.Errorf("redis url required")
	}
	ropts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(ropts)
	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return New(rdb, opts...), nil
}

// Close releases the client.
func (b *Bus) Close() error {
	if b == nil || b.rdb == nil {
		return nil
	}
	return b.rdb.Close()
}

// Topic returns the Redis channel name of a race.
func (b *Bus) Topic(raceID model.RaceID) string {
	return b.prefix + string(raceID)
}

// Channel returns the broadcast channel for one race.
func (b *Bus) Channel(raceID model.RaceID) *Channel {
	return &Channel{bus: b, topic: b.Topic(raceID)}
}

var _ session.BroadcastChannel = (*Channel)(nil)

// Channel is a session.BroadcastChannel over one Redis pub/sub channel.
type Channel struct {
	bus   *Bus
	topic string
}

// Publish sends payload to every subscriber of the race.
func (c *Channel) Publish(ctx context.Context, payload []byte) error {
	if err := c.bus.rdb.Publish(ctx, c.topic, payload).Err(); err != nil {
		metrics.RecordBroadcastPublishError()
		return fmt.Errorf("redis publish %s: %w", c.topic, err)
	}
	return nil
}

// Subscribe confirms the subscription with the server before returning.
func (c *Channel) Subscribe(ctx context.Context) (session.Subscription, error) {
	ps := c.bus.rdb.Subscribe(ctx, c.topic)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("%w: %v", session.ErrChannelUnavailable, err)
	}
	sub := &subscription{ps: ps, out: make(chan []byte, c.bus.buffer), done: make(chan struct{})}
	go sub.pump(ctx)
	return sub, nil
}

type subscription struct {
	ps   *redis.PubSub
	out  chan []byte
	done chan struct{}
}

func (s *subscription) Messages() <-chan []byte { return s.out }

func (s *subscription) Close() error {
	select {
	case <-s.done:
		return nil
	default:
	}
	return s.ps.Close()
}

// pump copies Redis messages into out until the PubSub closes.
func (s *subscription) pump(ctx context.Context) {
	defer func() {
		close(s.out)
		close(s.done)
	}()
	msgs := s.ps.Channel()
	for {
		select {
		case <-ctx.Done():
			_ = s.ps.Close()
			return
		case msg, ok := <-msgs:
			if !ok {
				return
			}
			select {
			case s.out <- []byte(msg.Payload):
			default:
				metrics.RecordBroadcastDropped()
			}
		}
	}
}
