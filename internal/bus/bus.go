// Package bus provides the ordered, at-least-once event channel connecting
// the order lifecycle services. Messages are keyed by entity id; any single
// consumer group observes messages for one key in publish order. A handler
// error suppresses the acknowledgment and the message is redelivered.
package bus

import (
	"context"
	"time"
)

// Topic identifies an event stream.
type Topic string

const (
	TopicOrders      Topic = "orders"
	TopicOrderStatus Topic = "order-status"
	TopicTrades      Topic = "trades"
)

// Message is a delivered event with broker metadata.
type Message struct {
	Topic     string
	Key       string
	Value     []byte
	Partition int
	Offset    int64
	Timestamp time.Time
	// Attempt counts deliveries of this message to the handler, starting at 1.
	Attempt int
}

// Handler processes one message. Returning nil acknowledges the message;
// returning an error leaves it unacknowledged for redelivery.
type Handler func(ctx context.Context, msg *Message) error

// Publisher publishes JSON-encoded events keyed by entity id.
type Publisher interface {
	Publish(ctx context.Context, topic Topic, key string, payload interface{}) error
	Close() error
}

// Consumer subscribes a consumer group to a topic. Subscribe returns after
// registration; delivery runs on background goroutines until ctx is done.
type Consumer interface {
	Subscribe(ctx context.Context, topic Topic, group string, handler Handler) error
	Close() error
}

// Bus combines both halves of the event channel.
type Bus interface {
	Publisher
	Consumer
}
