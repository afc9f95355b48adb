package server

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20
	sendBuffer     = 64
)

// Conn is one websocket session. Writes go through the send channel and
// a single write pump; the read loop never touches the socket writer.
type Conn struct {
	ws   *websocket.Conn
	send chan *protocol.Frame
	done chan struct{}
	log  *zap.Logger

	mu       sync.Mutex
	units    map[string]bool
	username string
	authed   bool

	closeOnce sync.Once
}

func newConn(ws *websocket.Conn, log *zap.Logger) *Conn {
	return &Conn{
		ws:    ws,
		send:  make(chan *protocol.Frame, sendBuffer),
		done:  make(chan struct{}),
		log:   log,
		units: make(map[string]bool),
	}
}

func (c *Conn) subscribe(units []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.units = make(map[string]bool, len(units))
	for _, u := range units {
		c.units[u] = true
	}
}

func (c *Conn) setUser(username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.username = username
	c.authed = true
}

func (c *Conn) Authed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.authed
}

func (c *Conn) Username() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.username
}

func (c *Conn) subscribedTo(unit string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.units[unit]
}

// enqueue hands a frame to the write pump. A connection that cannot
// drain its buffer is dropped rather than allowed to stall the caller.
// The send channel is never closed; close signals through done so
// concurrent broadcasters cannot race a send against the close.
func (c *Conn) enqueue(f *protocol.Frame) bool {
	select {
	case <-c.done:
		return false
	case c.send <- f:
		return true
	default:
		c.log.Warn("send buffer full, dropping connection",
			zap.String("user", c.Username()),
		)
		c.close()
		return false
	}
}

func (c *Conn) close() {
	c.closeOnce.Do(func() {
		close(c.done)
	})
}

func (c *Conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()

	for {
		select {
		case <-c.done:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
			return
		case frame := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteJSON(frame); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Hub tracks live connections and routes confirmed events to their
// audience: everyone, a set of branch topics, or a single user.
type Hub struct {
	mu    sync.RWMutex
	conns map[*Conn]bool
	log   *zap.Logger
}

func NewHub(log *zap.Logger) *Hub {
	return &Hub{conns: make(map[*Conn]bool), log: log}
}

func (h *Hub) register(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.conns[c] = true
}

func (h *Hub) unregister(c *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.conns[c] {
		delete(h.conns, c)
		c.close()
	}
}

func (h *Hub) snapshot() []*Conn {
	h.mu.RLock()
	defer h.mu.RUnlock()
	conns := make([]*Conn, 0, len(h.conns))
	for c := range h.conns {
		conns = append(conns, c)
	}
	return conns
}

// Broadcast delivers a frame to every live connection, the originator
// included; clients treat their own echo as the confirmation.
func (h *Hub) Broadcast(f *protocol.Frame) {
	for _, c := range h.snapshot() {
		c.enqueue(f)
	}
}

// ToUnits delivers a frame to every connection subscribed to at least
// one of the given branch topics.
func (h *Hub) ToUnits(units []string, f *protocol.Frame) {
	for _, c := range h.snapshot() {
		for _, u := range units {
			if c.subscribedTo(u) {
				c.enqueue(f)
				break
			}
		}
	}
}

// ToUser delivers a frame to every session authenticated as username.
func (h *Hub) ToUser(username string, f *protocol.Frame) {
	for _, c := range h.snapshot() {
		if c.Authed() && c.Username() == username {
			c.enqueue(f)
		}
	}
}
