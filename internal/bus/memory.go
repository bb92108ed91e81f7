package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/pkg/metrics"
)

const memoryPartitions = 8

// MemoryBus is an in-process Bus with the same delivery contract as the Kafka
// implementation: messages are hashed by key onto partitions, each partition
// is delivered to a consumer group in FIFO order by a single goroutine, and a
// handler error triggers redelivery of the same message. Used for tests and
// single-node mode.
type MemoryBus struct {
	logger       *zap.Logger
	retryBackoff time.Duration

	mu     sync.Mutex
	topics map[Topic]*memTopic
	closed bool
}

type memTopic struct {
	parts [memoryPartitions]*memPartition
}

type memPartition struct {
	mu   sync.Mutex
	cond *sync.Cond
	msgs []*Message
}

// NewMemoryBus creates an in-memory bus.
func NewMemoryBus(logger *zap.Logger) *MemoryBus {
	return &MemoryBus{
		logger:       logger,
		retryBackoff: 10 * time.Millisecond,
		topics:       make(map[Topic]*memTopic),
	}
}

func (b *MemoryBus) topic(name Topic) *memTopic {
	b.mu.Lock()
	defer b.mu.Unlock()
	t, ok := b.topics[name]
	if !ok {
		t = &memTopic{}
		for i := range t.parts {
			p := &memPartition{}
			p.cond = sync.NewCond(&p.mu)
			t.parts[i] = p
		}
		b.topics[name] = t
	}
	return t
}

func partitionFor(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() % memoryPartitions)
}

// Publish appends the message to its key's partition.
func (b *MemoryBus) Publish(_ context.Context, topic Topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", topic, err)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("bus closed")
	}
	b.mu.Unlock()

	idx := partitionFor(key)
	p := b.topic(topic).parts[idx]
	p.mu.Lock()
	p.msgs = append(p.msgs, &Message{
		Topic:     string(topic),
		Key:       key,
		Value:     data,
		Partition: idx,
		Offset:    int64(len(p.msgs)),
		Timestamp: time.Now(),
	})
	p.mu.Unlock()
	p.cond.Broadcast()
	metrics.EventsPublished.WithLabelValues(string(topic)).Inc()
	return nil
}

// Subscribe starts one delivery goroutine per partition for the group. Each
// goroutine replays from offset zero, mirroring a fresh consumer group.
func (b *MemoryBus) Subscribe(ctx context.Context, topic Topic, group string, handler Handler) error {
	t := b.topic(topic)
	for i := range t.parts {
		p := t.parts[i]
		go b.consumePartition(ctx, topic, group, p, handler)
	}
	// Wake waiters when the subscriber context ends.
	go func() {
		<-ctx.Done()
		for i := range t.parts {
			t.parts[i].cond.Broadcast()
		}
	}()
	return nil
}

func (b *MemoryBus) consumePartition(ctx context.Context, topic Topic, group string, p *memPartition, handler Handler) {
	offset := 0
	for {
		p.mu.Lock()
		for offset >= len(p.msgs) && ctx.Err() == nil {
			p.cond.Wait()
		}
		if ctx.Err() != nil {
			p.mu.Unlock()
			return
		}
		msg := *p.msgs[offset] // copy, handlers must not see shared state
		p.mu.Unlock()

		for attempt := 1; ; attempt++ {
			msg.Attempt = attempt
			if attempt > 1 {
				metrics.EventsRedelivered.WithLabelValues(string(topic)).Inc()
				select {
				case <-ctx.Done():
					return
				case <-time.After(b.retryBackoff * time.Duration(attempt)):
				}
			}
			err := handler(ctx, &msg)
			if err == nil {
				break
			}
			if attempt >= maxDeliveryAttempts {
				b.logger.Error("message dropped after max delivery attempts, needs reconciliation",
					zap.String("topic", string(topic)),
					zap.String("group", group),
					zap.String("key", msg.Key),
					zap.Int64("offset", msg.Offset),
					zap.Error(err))
				break
			}
			b.logger.Warn("message handler failed, redelivering",
				zap.String("topic", string(topic)),
				zap.String("group", group),
				zap.String("key", msg.Key),
				zap.Int("attempt", attempt),
				zap.Error(err))
		}
		offset++
	}
}

// Close stops accepting publishes.
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for _, t := range b.topics {
		for i := range t.parts {
			t.parts[i].cond.Broadcast()
		}
	}
	return nil
}
