// Package pushbus publishes notification-worthy mesh events onto a Redis
// stream for an external push-notification delivery worker to consume
// (push delivery itself, APNs/FCM included, is an external
// collaborator — this package owns only the publish side of that
// boundary).
package pushbus

import (
	"context"
	"encoding/json"
	"time"

	"github.com/charmbracelet/log"
	"github.com/go-redis/redis/v8"
)

// EventKind names the notification-worthy occurrences the core publishes.
type EventKind string

const (
	EventDirectMessage   EventKind = "direct_message"
	EventChannelMessage  EventKind = "channel_message"
	EventNodeJoined      EventKind = "node_joined"
	EventLowBattery      EventKind = "low_battery"
	EventDeliveryFailed  EventKind = "delivery_failed"
	EventTraceroute      EventKind = "traceroute"
)

// Event is one published notification-worthy occurrence.
type Event struct {
	Kind      EventKind `json:"kind"`
	NodeID    string    `json:"node_id,omitempty"`
	Text      string    `json:"text,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Bus publishes Events onto a Redis stream. A nil *redis.Client degrades
// Publish to a no-op, so the bus can be constructed even when no Redis
// endpoint is configured (push notifications are optional infrastructure).
type Bus struct {
	logger *log.Logger
	client *redis.Client
	stream string
}

// New builds a Bus writing to the given stream key. client may be nil.
func New(client *redis.Client, stream string) *Bus {
	return &Bus{
		logger: log.With("component", "pushbus"),
		client: client,
		stream: stream,
	}
}

// Publish appends ev to the configured stream. Errors are logged, not
// returned: a push-notification delivery hiccup must never back-pressure
// the mesh dispatch loop that calls this.
func (b *Bus) Publish(ctx context.Context, ev Event) {
	if b.client == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		b.logger.Error("marshalling push event", "kind", ev.Kind, "err", err)
		return
	}

	err = b.client.XAdd(ctx, &redis.XAddArgs{
		Stream: b.stream,
		Values: map[string]interface{}{"payload": payload},
	}).Err()
	if err != nil {
		b.logger.Error("publishing push event", "kind", ev.Kind, "err", err)
	}
}

// NewClient builds a redis.Client from a plain addr (e.g. "localhost:6379"),
// the form the rest of the ambient config layer hands this package.
func NewClient(addr string) *redis.Client {
	if addr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{Addr: addr})
}
