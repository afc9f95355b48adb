// Package bus implements the client side of the primary event bus: a
// persistent websocket to the authoritative server. Mutations are
// fire-and-forget; confirmation arrives later as a broadcast event,
// including back to the sender.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	apperrors "isca-tracker/pkg/errors"
)

var ErrNotConnected = errors.New("bus is not connected")

type EventHandler func(*protocol.Event)

type Client struct {
	url string
	log *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
	send chan *protocol.Frame
	done chan struct{}

	connected atomic.Bool

	seq     atomic.Uint64
	pmu     sync.Mutex
	pending map[uint64]chan *protocol.Frame

	handler EventHandler
}

func NewClient(url string, log *zap.Logger) *Client {
	return &Client{
		url:     url,
		log:     log,
		pending: make(map[uint64]chan *protocol.Frame),
	}
}

// OnEvent registers the handler invoked for every confirmed event
// received over the bus. Must be set before Connect.
func (c *Client) OnEvent(fn EventHandler) {
	c.handler = fn
}

// IsConnected reports the live connection state. The gateway consults
// this per mutation, never caching the answer for a session.
func (c *Client) IsConnected() bool {
	return c.connected.Load()
}

// Connect dials the server and starts the read and write pumps.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.connected.Load() {
		return nil
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.url, nil)
	if err != nil {
		return fmt.Errorf("failed to dial event bus: %w", err)
	}

	c.conn = conn
	c.send = make(chan *protocol.Frame, 64)
	c.done = make(chan struct{})
	c.connected.Store(true)

	go c.readPump(conn)
	go c.writePump(conn, c.send, c.done)

	c.log.Info("event bus connected", zap.String("url", c.url))
	return nil
}

// Run keeps the client connected, redialing with a fixed backoff until
// the context is cancelled.
func (c *Client) Run(ctx context.Context, retry time.Duration) {
	ticker := time.NewTicker(retry)
	defer ticker.Stop()

	for {
		if !c.IsConnected() {
			if err := c.Connect(ctx); err != nil {
				c.log.Warn("event bus dial failed", zap.Error(err))
			}
		}
		select {
		case <-ctx.Done():
			c.Close()
			return
		case <-ticker.C:
		}
	}
}

func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.teardownLocked(nil)
}

// readPump exits when the read fails; teardown closes the socket, which
// is what unblocks a pump stuck in ReadJSON.
func (c *Client) readPump(conn *websocket.Conn) {
	for {
		var frame protocol.Frame
		if err := conn.ReadJSON(&frame); err != nil {
			c.mu.Lock()
			c.teardownLocked(err)
			c.mu.Unlock()
			return
		}
		c.dispatch(&frame)
	}
}

func (c *Client) writePump(conn *websocket.Conn, send chan *protocol.Frame, done chan struct{}) {
	for {
		select {
		case <-done:
			return
		case frame := <-send:
			if err := conn.WriteJSON(frame); err != nil {
				c.mu.Lock()
				c.teardownLocked(err)
				c.mu.Unlock()
				return
			}
		}
	}
}

func (c *Client) teardownLocked(err error) {
	if !c.connected.Load() {
		return
	}
	c.connected.Store(false)
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
	close(c.done)

	c.pmu.Lock()
	for seq, ch := range c.pending {
		close(ch)
		delete(c.pending, seq)
	}
	c.pmu.Unlock()

	if err != nil {
		c.log.Warn("event bus connection lost", zap.Error(err))
	}
}

func (c *Client) dispatch(frame *protocol.Frame) {
	if frame.Seq != 0 {
		c.pmu.Lock()
		ch, ok := c.pending[frame.Seq]
		if ok {
			delete(c.pending, frame.Seq)
		}
		c.pmu.Unlock()
		if ok {
			ch <- frame
			return
		}
	}

	switch frame.Event {
	case protocol.FrameOpErr:
		var ep protocol.ErrorPayload
		_ = json.Unmarshal(frame.Data, &ep)
		c.log.Warn("server rejected mutation",
			zap.String("code", ep.Code),
			zap.String("message", ep.Message),
		)
	default:
		ev, err := protocol.DecodeEvent(frame.Data)
		if err != nil {
			c.log.Warn("unparseable bus frame", zap.String("event", frame.Event), zap.Error(err))
			return
		}
		if c.handler != nil {
			c.handler(ev)
		}
	}
}

func (c *Client) emit(frame *protocol.Frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected.Load() {
		return ErrNotConnected
	}
	select {
	case c.send <- frame:
		return nil
	default:
		return fmt.Errorf("event bus send buffer full")
	}
}

// EmitMutation sends a mutation intent, fire-and-forget.
func (c *Client) EmitMutation(env *protocol.MutationEnvelope) error {
	frame, err := protocol.NewFrame(protocol.FrameMutate, 0, env)
	if err != nil {
		return err
	}
	return c.emit(frame)
}

// Join subscribes this connection to branch topics.
func (c *Client) Join(units []string, token string) error {
	frame, err := protocol.NewFrame(protocol.FrameJoin, 0, &protocol.JoinPayload{Units: units, Token: token})
	if err != nil {
		return err
	}
	return c.emit(frame)
}

func (c *Client) request(ctx context.Context, event string, data any) (*protocol.Frame, error) {
	seq := c.seq.Add(1)
	frame, err := protocol.NewFrame(event, seq, data)
	if err != nil {
		return nil, err
	}

	ch := make(chan *protocol.Frame, 1)
	c.pmu.Lock()
	c.pending[seq] = ch
	c.pmu.Unlock()

	if err := c.emit(frame); err != nil {
		c.pmu.Lock()
		delete(c.pending, seq)
		c.pmu.Unlock()
		return nil, err
	}

	select {
	case reply, ok := <-ch:
		if !ok {
			return nil, ErrNotConnected
		}
		return reply, nil
	case <-ctx.Done():
		c.pmu.Lock()
		delete(c.pending, seq)
		c.pmu.Unlock()
		return nil, ctx.Err()
	}
}

// Login authenticates over the bus. Callers bound the wait through ctx;
// the gateway applies the 4 second timeout and local fallback.
func (c *Client) Login(ctx context.Context, username, password string) (*protocol.LoginReply, error) {
	reply, err := c.request(ctx, protocol.FrameLogin, &protocol.LoginRequest{
		Username: username,
		Password: password,
	})
	if err != nil {
		return nil, err
	}

	switch reply.Event {
	case protocol.FrameLoginOK:
		var lr protocol.LoginReply
		if err := json.Unmarshal(reply.Data, &lr); err != nil {
			return nil, err
		}
		return &lr, nil
	case protocol.FrameLoginErr:
		return nil, apperrors.ErrInvalidCredentials
	default:
		return nil, fmt.Errorf("unexpected login reply %q", reply.Event)
	}
}

// FetchInitState requests the full initial state after joining.
func (c *Client) FetchInitState(ctx context.Context) (*protocol.InitStatePayload, error) {
	reply, err := c.request(ctx, protocol.FrameInitState, struct{}{})
	if err != nil {
		return nil, err
	}
	if reply.Event != protocol.FrameInitStateOK {
		return nil, fmt.Errorf("unexpected init_state reply %q", reply.Event)
	}
	var payload protocol.InitStatePayload
	if err := json.Unmarshal(reply.Data, &payload); err != nil {
		return nil, err
	}
	return &payload, nil
}
