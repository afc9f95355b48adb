// Package feed carries the fallback change-feed: best-effort row-change
// notifications mirrored over MQTT, used to keep clients usably fresh
// when the primary bus cannot be reached.
package feed

import (
	"encoding/json"

	"go.uber.org/zap"

	"isca-tracker/internal/protocol"
	"isca-tracker/internal/state"
	"isca-tracker/internal/storage"
	pkgmqtt "isca-tracker/pkg/mqtt"
)

// Topic suffixes for the four published row kinds. The state blob is
// delivered as a full snapshot; the other three as individual events.
const (
	TopicState         = "state"
	TopicNotifications = "notifications"
	TopicChats         = "chats"
	TopicNotices       = "notices"
)

var eventTopics = map[state.Collection]string{
	state.ColNotifications: TopicNotifications,
	state.ColChats:         TopicChats,
	state.ColNotices:       TopicNotices,
}

// Publisher mirrors persisted changes onto the change-feed topics.
// Publish failures are logged and swallowed: the feed is best effort and
// never blocks the authoritative path.
type Publisher struct {
	client *pkgmqtt.Client
	prefix string
	qos    byte
	log    *zap.Logger
}

func NewPublisher(client *pkgmqtt.Client, prefix string, qos byte, log *zap.Logger) *Publisher {
	return &Publisher{client: client, prefix: prefix, qos: qos, log: log}
}

// BlobChanged implements storage.ChangeNotifier: every successful write
// of the aggregate state blob is mirrored as a full-state snapshot.
func (p *Publisher) BlobChanged(key string, payload []byte) {
	if key != storage.KeyState {
		return
	}
	p.publish(TopicState, payload)
}

// EventConfirmed mirrors a confirmed event for the row kinds the feed
// covers; other collections ride only in the state snapshot.
func (p *Publisher) EventConfirmed(ev *protocol.Event) {
	topic, ok := eventTopics[ev.Collection]
	if !ok {
		return
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		p.log.Warn("failed to encode feed event", zap.Error(err))
		return
	}
	p.publish(topic, payload)
}

func (p *Publisher) publish(topic string, payload []byte) {
	full := p.prefix + "/" + topic
	if err := p.client.Publish(full, p.qos, topic == TopicState, payload); err != nil {
		p.log.Warn("change feed publish failed", zap.String("topic", full), zap.Error(err))
	}
}
