package feed

import (
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/reconciler"
	"isca-tracker/internal/state"
	pkgmqtt "isca-tracker/pkg/mqtt"
)

// Client subscribes to the row-change topics and re-applies every
// notification through the same reconciler as the primary path, so a
// change delivered on both channels is absorbed idempotently.
type Client struct {
	client *pkgmqtt.Client
	prefix string
	qos    byte
	rec    *reconciler.Reconciler
	log    *zap.Logger

	mu      sync.Mutex
	started bool
	topics  []string
}

func NewClient(client *pkgmqtt.Client, prefix string, qos byte, rec *reconciler.Reconciler, log *zap.Logger) *Client {
	return &Client{
		client: client,
		prefix: prefix,
		qos:    qos,
		rec:    rec,
		log:    log,
	}
}

// Start connects to the broker and subscribes to the four row kinds.
func (c *Client) Start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.started {
		return nil
	}

	if err := c.client.Connect(); err != nil {
		return fmt.Errorf("failed to connect change feed: %w", err)
	}

	subs := map[string]pkgmqtt.MessageHandler{
		TopicState:         c.handleStateSnapshot,
		TopicNotifications: c.handleEvent,
		TopicChats:         c.handleEvent,
		TopicNotices:       c.handleEvent,
	}

	var errs []error
	for suffix, handler := range subs {
		topic := c.prefix + "/" + suffix
		if err := c.client.Subscribe(topic, c.qos, handler); err != nil {
			errs = append(errs, err)
			continue
		}
		c.topics = append(c.topics, topic)
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}

	c.started = true
	return nil
}

// Stop unsubscribes and disconnects.
func (c *Client) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.started {
		return
	}
	if len(c.topics) > 0 {
		if err := c.client.Unsubscribe(c.topics...); err != nil {
			c.log.Warn("failed to unsubscribe change feed topics", zap.Error(err))
		}
	}
	c.client.Disconnect()
	c.started = false
	c.topics = nil
}

// handleStateSnapshot replaces every collection carried by the blob.
// Snapshots always fully replace; they never merge.
func (c *Client) handleStateSnapshot(topic string, payload []byte) {
	var blob state.StateBlob
	if err := json.Unmarshal(payload, &blob); err != nil {
		c.log.Warn("invalid state snapshot on change feed", zap.Error(err))
		return
	}
	c.rec.ApplyStateSnapshot(&blob)
	c.log.Debug("state snapshot applied from change feed", zap.String("topic", topic))
}

// handleEvent merges an individual row change through the reconciler.
func (c *Client) handleEvent(topic string, payload []byte) {
	ev, err := protocol.DecodeEvent(payload)
	if err != nil {
		c.log.Warn("invalid event on change feed",
			zap.String("topic", topic),
			zap.Error(err),
		)
		return
	}
	if err := c.rec.Apply(ev); err != nil {
		c.log.Warn("failed to apply change feed event",
			zap.String("event", ev.Name()),
			zap.Error(err),
		)
	}
}
