// Package memory is an in-process broadcast bus. Every race gets its own
// topic; publishes fan out to live subscribers without blocking.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/metrics"
)

const defaultBuffer = 256

// ErrClosed is returned after the bus is closed.
var ErrClosed = errors.New("broadcast bus closed")

// Option configures a Bus.
type Option func(*Bus)

// WithBuffer sets the per-subscriber buffer. Full subscribers drop messages.
func WithBuffer(n int) Option {
	return func(b *Bus) {
		if n > 0 {
			b.buffer = n
		}
	}
}

// Bus holds per-race topics.
type Bus struct {
	mu     sync.RWMutex
	topics map[model.RaceID]map[*subscription]struct{}
	buffer int
	closed bool
}

// NewBus creates an empty bus.
func NewBus(opts ...Option) *Bus {
	b := &Bus{
		topics: make(map[model.RaceID]map[*subscription]struct{}),
		buffer: defaultBuffer,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Channel returns the broadcast channel for one race.
func (b *Bus) Channel(raceID model.RaceID) *Channel {
	return &Channel{bus: b, race: raceID}
}

// Subscribers returns how many live subscriptions a race has.
func (b *Bus) Subscribers(raceID model.RaceID) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[raceID])
}

// Close ends every subscription.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for race, subs := range b.topics {
		for sub := range subs {
			sub.closeLocked()
		}
		delete(b.topics, race)
	}
}

// Channel implements session.BroadcastChannel over a Bus topic.
type Channel struct {
	bus  *Bus
	race model.RaceID
}

// Publish fans payload out to every subscriber of the race.
func (c *Channel) Publish(_ context.Context, payload []byte) error {
	c.bus.mu.RLock()
	defer c.bus.mu.RUnlock()
	if c.bus.closed {
		return ErrClosed
	}
	for sub := range c.bus.topics[c.race] {
		msg := append([]byte(nil), payload...)
		select {
		case sub.ch <- msg:
		default:
			metrics.RecordBroadcastDropped()
		}
	}
	return nil
}

// Subscribe opens a subscription. It ends when Close is called or ctx is done.
func (c *Channel) Subscribe(ctx context.Context) (session.Subscription, error) {
	c.bus.mu.Lock()
	defer c.bus.mu.Unlock()
	if c.bus.closed {
		return nil, ErrClosed
	}
	sub := &subscription{bus: c.bus, race: c.race, ch: make(chan []byte, c.bus.buffer)}
	if c.bus.topics[c.race] == nil {
		c.bus.topics[c.race] = make(map[*subscription]struct{})
	}
	c.bus.topics[c.race][sub] = struct{}{}

	go func() {
		<-ctx.Done()
		_ = sub.Close()
	}()
	return sub, nil
}

type subscription struct {
	bus    *Bus
	race   model.RaceID
	ch     chan []byte
	closed bool
}

func (s *subscription) Messages() <-chan []byte { return s.ch }

func (s *subscription) Close() error {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	s.closeLocked()
	return nil
}

// closeLocked requires the bus write lock.
func (s *subscription) closeLocked() {
	if s.closed {
		return
	}
	s.closed = true
	if subs := s.bus.topics[s.race]; subs != nil {
		delete(subs, s)
		if len(subs) == 0 {
			delete(s.bus.topics, s.race)
		}
	}
	close(s.ch)
}
