package ws

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/racetrack/internal/race/session"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

// Channel errors.
var (
	ErrNotConnected = errors.New("websocket not connected")
	ErrSendFull     = errors.New("websocket send buffer full")
)

var _ session.BroadcastChannel = (*Channel)(nil)

// Option configures a Channel.
type Option func(*Channel)

// WithHeader sets headers sent on the upgrade request.
func WithHeader(h http.Header) Option {
	return func(c *Channel) {
		c.header = h
	}
}

// WithDialer replaces websocket.DefaultDialer.
func WithDialer(d *websocket.Dialer) Option {
	return func(c *Channel) {
		if d != nil {
			c.dialer = d
		}
	}
}

// WithLogger sets a custom logger.
func WithLogger(l logger.Logger) Option {
	return func(c *Channel) {
		if l != nil {
			c.logger = l
		}
	}
}

// Channel is a session.BroadcastChannel backed by a relay websocket.
// Publish writes to the connection opened by the latest Subscribe.
type Channel struct {
	url    string
	header http.Header
	dialer *websocket.Dialer
	logger logger.Logger

	mu   sync.Mutex
	conn *conn
}

// NewChannel returns a Channel for a relay URL such as
// ws://host/api/v1/races/{id}/ws.
func NewChannel(url string, opts ...Option) *Channel {
	c := &Channel{
		url:    url,
		dialer: websocket.DefaultDialer,
		logger: logger.Named("ws"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Subscribe dials the relay. The connection closes when ctx is done or
// the subscription is closed.
func (c *Channel) Subscribe(ctx context.Context) (session.Subscription, error) {
	wc, _, err := c.dialer.DialContext(ctx, c.url, c.header)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", session.ErrChannelUnavailable, err)
	}
	cn := &conn{
		ws:   wc,
		in:   make(chan []byte, sendBuffer),
		out:  make(chan []byte, sendBuffer),
		done: make(chan struct{}),
		log:  c.logger,
	}
	go cn.readPump()
	go cn.writePump()
	go func() {
		select {
		case <-ctx.Done():
			_ = cn.Close()
		case <-cn.done:
		}
	}()

	c.mu.Lock()
	c.conn = cn
	c.mu.Unlock()
	return cn, nil
}

// Publish queues payload on the live connection.
func (c *Channel) Publish(_ context.Context, payload []byte) error {
	c.mu.Lock()
	cn := c.conn
	c.mu.Unlock()
	if cn == nil {
		return ErrNotConnected
	}
	return cn.send(payload)
}

type conn struct {
	ws   *websocket.Conn
	in   chan []byte
	out  chan []byte
	done chan struct{}
	once sync.Once
	log  logger.Logger
}

func (c *conn) Messages() <-chan []byte { return c.in }

func (c *conn) Close() error {
	c.once.Do(func() {
		close(c.done)
		_ = c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		_ = c.ws.Close()
	})
	return nil
}

func (c *conn) send(payload []byte) error {
	select {
	case <-c.done:
		return ErrNotConnected
	default:
	}
	select {
	case c.out <- payload:
		return nil
	default:
		metrics.RecordBroadcastDropped()
		return ErrSendFull
	}
}

// readPump is the only writer of in and closes it on exit.
func (c *conn) readPump() {
	defer func() {
		close(c.in)
		_ = c.Close()
	}()

	c.ws.SetReadLimit(maxMessageSize)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPingHandler(func(data string) error {
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		return c.ws.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
	})

	for {
		_, payload, err := c.ws.ReadMessage()
		if err != nil {
			select {
			case <-c.done:
			default:
				c.log.Debug(context.Background(), "relay connection lost", logger.Error(err))
			}
			return
		}
		_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
		select {
		case c.in <- payload:
		default:
			metrics.RecordBroadcastDropped()
		}
	}
}

func (c *conn) writePump() {
	for {
		select {
		case <-c.done:
			return
		case payload := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
				metrics.RecordBroadcastPublishError()
				_ = c.Close()
				return
			}
		}
	}
}
