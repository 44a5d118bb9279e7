package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/orbiteos/joule/config"
	"github.com/orbiteos/joule/internal/errors"
	"github.com/orbiteos/joule/internal/storage/recent"
	"github.com/orbiteos/joule/internal/storage/types"
	"github.com/orbiteos/joule/internal/validation"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		origin := r.Header.Get("Origin")
		// No Origin header = non-browser client (curl, service code)
		return origin == "" || origin == "http://"+r.Host || origin == "https://"+r.Host
	},
}

// streamFrame is one WebSocket message: a replay batch on connect,
// then live point batches as ingests land.
type streamFrame struct {
	Type   string         `json:"type"` // "replay" or "points"
	Points []pointPayload `json:"points"`
}

// =============================================================================
// Client
// =============================================================================

// streamClient is one WebSocket subscriber. Frames are filtered to the
// client's tenant and optional series selector before marshalling.
type streamClient struct {
	conn     *websocket.Conn
	send     chan []byte
	tenantID string
	pattern  string // "" or "*" matches every series
}

func (c *streamClient) wants(p *types.Point) bool {
	if p.TenantID != c.tenantID {
		return false
	}
	return matchSeries(c.pattern, p.SeriesKey)
}

func matchSeries(pattern, key string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	if validation.IsPattern(pattern) {
		return strings.HasPrefix(key, validation.PatternPrefix(pattern))
	}
	return key == pattern
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(config.DefaultStreamPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(config.DefaultStreamWriteWait))
			if !ok {
				// Hub closed the channel.
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(config.DefaultStreamWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump discards inbound frames; its job is pong handling and
// noticing the peer went away.
func (c *streamClient) readPump(h *Hub) {
	defer func() {
		c.conn.Close()
		select {
		case h.unregister <- c:
		case <-h.done:
		}
	}()

	c.conn.SetReadLimit(config.DefaultStreamMaxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(config.DefaultStreamPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(config.DefaultStreamPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// =============================================================================
// Hub
// =============================================================================

// Hub fans accepted points out to WebSocket subscribers. The ingest
// path never blocks on the hub: a saturated intake queue or a slow
// client costs frames, not throughput.
type Hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool

	register   chan *streamClient
	unregister chan *streamClient
	broadcast  chan []types.Point
	done       chan struct{}

	published atomic.Int64
	dropped   atomic.Int64
}

type hubStats struct {
	Clients         int   `json:"clients"`
	FramesPublished int64 `json:"frames_published"`
	FramesDropped   int64 `json:"frames_dropped"`
}

func newHub() *Hub {
	return &Hub{
		clients:    make(map[*streamClient]bool),
		register:   make(chan *streamClient, 10),
		unregister: make(chan *streamClient, 10),
		broadcast:  make(chan []types.Point, config.DefaultStreamBroadcastBuffer),
		done:       make(chan struct{}),
	}
}

// Run pumps the hub until ctx is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				close(c.send)
				c.conn.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			close(h.done)
			return
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			count := len(h.clients)
			h.mu.Unlock()
			log.Debug("stream client connected", "tenant", c.tenantID, "total", count)
		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			count := len(h.clients)
			h.mu.Unlock()
			log.Debug("stream client disconnected", "total", count)
		case points := <-h.broadcast:
			h.fanout(points)
		}
	}
}

// Publish queues accepted points for broadcast without blocking.
func (h *Hub) Publish(points []types.Point) {
	if len(points) == 0 {
		return
	}
	select {
	case h.broadcast <- points:
	default:
		h.dropped.Add(1)
	}
}

func (h *Hub) fanout(points []types.Point) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients {
		var batch []pointPayload
		for i := range points {
			if c.wants(&points[i]) {
				batch = append(batch, fromPoint(points[i]))
			}
		}
		if len(batch) == 0 {
			continue
		}
		frame, err := json.Marshal(streamFrame{Type: "points", Points: batch})
		if err != nil {
			continue
		}
		select {
		case c.send <- frame:
			h.published.Add(1)
		default:
			// Slow consumer: drop the frame rather than the client.
			h.dropped.Add(1)
		}
	}
}

// Stats returns a snapshot of hub statistics.
func (h *Hub) Stats() hubStats {
	h.mu.RLock()
	clients := len(h.clients)
	h.mu.RUnlock()
	return hubStats{
		Clients:         clients,
		FramesPublished: h.published.Load(),
		FramesDropped:   h.dropped.Load(),
	}
}

// =============================================================================
// Handler
// =============================================================================

// handleStream upgrades to a WebSocket and streams the tenant's points
// as they arrive. The series parameter narrows the stream to an exact
// key or trailing-wildcard pattern. The replay parameter seeds the
// stream with up to that much recent history (capped to the tracker
// window) before live frames begin.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFrom(r.Context())
	q := r.URL.Query()

	pattern := q.Get("series")
	if pattern != "" && pattern != "*" {
		if err := validation.ValidateSeriesPattern(pattern); err != nil {
			writeError(w, err)
			return
		}
	}

	var replay time.Duration
	if v := q.Get("replay"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d < 0 {
			writeError(w, fmt.Errorf("replay %q: %w", v, errors.ErrInvalidPayload))
			return
		}
		replay = d
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		log.Debug("websocket upgrade failed", "error", err)
		return
	}

	c := &streamClient{
		conn:     conn,
		send:     make(chan []byte, config.DefaultStreamSendBuffer),
		tenantID: tenant.Code,
		pattern:  pattern,
	}

	if replay > 0 {
		if win := s.store.Recent().Window(); replay > win {
			replay = win
		}
		filter := recent.PointFilter{
			TenantID: tenant.Code,
			Since:    s.nowFunc().Add(-replay).UnixMilli(),
		}
		if pattern != "" && !validation.IsPattern(pattern) {
			filter.SeriesKey = pattern
		}
		points := s.store.Recent().Backfill(filter, s.store.Config().Query.MaxPoints)

		var batch []pointPayload
		for i := range points {
			if matchSeries(pattern, points[i].SeriesKey) {
				batch = append(batch, fromPoint(points[i]))
			}
		}
		if len(batch) > 0 {
			if frame, err := json.Marshal(streamFrame{Type: "replay", Points: batch}); err == nil {
				c.send <- frame
			}
		}
	}

	select {
	case s.hub.register <- c:
	case <-s.hub.done:
		conn.Close()
		return
	}

	go c.writePump()
	c.readPump(s.hub)
}
