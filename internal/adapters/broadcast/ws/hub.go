// Package ws carries race broadcasts over websockets: a relay Hub for the
// server side and a Channel that dials it from a runner's device.
package ws

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/okian/racetrack/internal/domain/model"
	"github.com/okian/racetrack/pkg/logger"
	"github.com/okian/racetrack/pkg/metrics"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

// Hub relays every valid sample a client sends to the other clients of
// the same race.
type Hub struct {
	logger     logger.Logger
	upgrader   websocket.Upgrader
	validate   bool
	mu         sync.RWMutex
	rooms      map[model.RaceID]map[*client]struct{}
	register   chan *client
	unregister chan *client
	broadcast  chan envelope
	done       chan struct{}
	once       sync.Once
}

type envelope struct {
	from    *client
	payload []byte
}

type client struct {
	hub  *Hub
	race model.RaceID
	conn *websocket.Conn
	send chan []byte
}

// HubOption configures a Hub.
type HubOption func(*Hub)

// WithHubLogger sets a custom logger.
func WithHubLogger(l logger.Logger) HubOption {
	return func(h *Hub) {
		if l != nil {
			h.logger = l
		}
	}
}

// WithCheckOrigin replaces the upgrader origin check.
func WithCheckOrigin(fn func(r *http.Request) bool) HubOption {
	return func(h *Hub) {
		h.upgrader.CheckOrigin = fn
	}
}

// WithValidation toggles dropping payloads that do not decode as samples.
func WithValidation(on bool) HubOption {
	return func(h *Hub) {
		h.validate = on
	}
}

// NewHub creates a Hub. Call Run before serving connections.
func NewHub(opts ...HubOption) *Hub {
	h := &Hub{
		logger:     logger.Named("relay"),
		upgrader:   websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }},
		validate:   true,
		rooms:      make(map[model.RaceID]map[*client]struct{}),
		register:   make(chan *client),
		unregister: make(chan *client),
		broadcast:  make(chan envelope, sendBuffer),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Run owns room membership until ctx is done, then drops every client.
func (h *Hub) Run(ctx context.Context) {
	defer h.shutdown()
	for {
		select {
		case <-ctx.Done():
			return

		case c := <-h.register:
			h.mu.Lock()
			room := h.rooms[c.race]
			if room == nil {
				room = make(map[*client]struct{})
				h.rooms[c.race] = room
			}
			room[c] = struct{}{}
			h.mu.Unlock()
			h.updateGauge()
			h.logger.Debug(ctx, "client connected", logger.String("race", string(c.race)), logger.Int("clients", h.Clients(c.race)))

		case c := <-h.unregister:
			h.drop(c)
			h.logger.Debug(ctx, "client disconnected", logger.String("race", string(c.race)))

		case env := <-h.broadcast:
			var slow []*client
			h.mu.RLock()
			for c := range h.rooms[env.from.race] {
				if c == env.from {
					continue
				}
				select {
				case c.send <- env.payload:
				default:
					slow = append(slow, c)
				}
			}
			h.mu.RUnlock()
			for _, c := range slow {
				metrics.RecordBroadcastDropped()
				h.drop(c)
			}
		}
	}
}

// drop removes c and closes its send queue once.
func (h *Hub) drop(c *client) {
	h.mu.Lock()
	if room, ok := h.rooms[c.race]; ok {
		if _, ok := room[c]; ok {
			delete(room, c)
			close(c.send)
			if len(room) == 0 {
				delete(h.rooms, c.race)
			}
		}
	}
	h.mu.Unlock()
	h.updateGauge()
}

func (h *Hub) shutdown() {
	h.once.Do(func() {
		close(h.done)
		h.mu.Lock()
		for race, room := range h.rooms {
			for c := range room {
				close(c.send)
			}
			delete(h.rooms, race)
		}
		h.mu.Unlock()
		h.updateGauge()
	})
}

func (h *Hub) updateGauge() {
	_, n := h.Totals()
	metrics.UpdateRelayClients(n)
}

// Totals returns the number of open race rooms and connected clients.
func (h *Hub) Totals() (rooms, clients int) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, room := range h.rooms {
		clients += len(room)
	}
	return len(h.rooms), clients
}

// Clients returns the number of connected clients of a race.
func (h *Hub) Clients(raceID model.RaceID) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[raceID])
}

// ServeWS upgrades the request and joins the connection to the race room.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, raceID model.RaceID) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Error(r.Context(), "websocket upgrade failed", logger.Error(err))
		return
	}
	c := &client{hub: h, race: raceID, conn: conn, send: make(chan []byte, sendBuffer)}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "relay stopped"), time.Now().Add(writeWait))
		conn.Close()
		return
	}

	go c.writePump()
	go c.readPump()
}

func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, payload, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.logger.Debug(context.Background(), "websocket read failed", logger.Error(err))
			}
			return
		}
		if c.hub.validate {
			if _, _, err := model.DecodeSampleMessage(payload); err != nil {
				metrics.RecordSampleMalformed()
				continue
			}
		}
		select {
		case c.hub.broadcast <- envelope{from: c, payload: payload}:
		case <-c.hub.done:
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case payload, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, payload); err != nil {
				return
			}
			metrics.RecordBroadcastPublished()

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
