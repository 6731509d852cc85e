package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"aegis/internal/model"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	clientSendSize = 16
)

// StreamMessage is one frame on /stream.
type StreamMessage struct {
	Type      string           `json:"type"`
	Stats     *model.TickStats `json:"stats,omitempty"`
	Entities  []model.Entity   `json:"entities,omitempty"`
	Location  *model.Location  `json:"location,omitempty"`
	Selected  string           `json:"selected,omitempty"`
	Available bool             `json:"available,omitempty"`
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// Hub fans committed snapshots out to websocket clients. A client that
// cannot keep up is dropped rather than slowing the tick.
type Hub struct {
	mu       sync.Mutex
	clients  map[*streamClient]struct{}
	last     []byte
	closed   bool
	upgrader websocket.Upgrader
	logger   *slog.Logger
	wg       sync.WaitGroup
}

func NewHub(logger *slog.Logger) *Hub {
	return &Hub{
		clients: make(map[*streamClient]struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		logger: logger,
	}
}

// Observe matches engine.TickObserver.
func (h *Hub) Observe(stats model.TickStats, entities []model.Entity) {
	h.Broadcast(StreamMessage{Type: "tick", Stats: &stats, Entities: entities})
}

func (h *Hub) Broadcast(msg StreamMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		if h.logger != nil {
			h.logger.Error("stream encode failed", "type", msg.Type, "err", err)
		}
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	if msg.Type == "tick" {
		h.last = data
	}
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
			h.dropLocked(c)
			if h.logger != nil {
				h.logger.Warn("stream client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
			}
		}
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		if h.logger != nil {
			h.logger.Warn("stream upgrade failed", "err", err)
		}
		return
	}
	c := &streamClient{conn: conn, send: make(chan []byte, clientSendSize)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		_ = conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	if h.last != nil {
		c.send <- h.last
	}
	h.wg.Add(2)
	h.mu.Unlock()

	go h.writeLoop(c)
	go h.readLoop(c)
}

func (h *Hub) dropLocked(c *streamClient) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	close(c.send)
}

func (h *Hub) drop(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.dropLocked(c)
}

func (h *Hub) writeLoop(c *streamClient) {
	defer h.wg.Done()
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				h.drop(c)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				h.drop(c)
				return
			}
		}
	}
}

// readLoop only watches for the peer going away.
func (h *Hub) readLoop(c *streamClient) {
	defer h.wg.Done()
	defer h.drop(c)
	c.conn.SetReadLimit(1024)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Close disconnects every client and waits for their loops to exit.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	for c := range h.clients {
		h.dropLocked(c)
	}
	h.mu.Unlock()
	h.wg.Wait()
}
