package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ordexlabs/ordex/internal/config"
	"github.com/ordexlabs/ordex/pkg/errors"
	"github.com/ordexlabs/ordex/pkg/metrics"
)

// maxDeliveryAttempts bounds in-place redelivery of a message whose handler
// keeps failing before the offset is committed and the message surfaced for
// reconciliation.
const maxDeliveryAttempts = 5

// KafkaBus implements Bus on top of Kafka. Key-based partitioning with a hash
// balancer preserves per-entity ordering; consumer groups use manual offset
// commits so an uncommitted failure is redelivered.
type KafkaBus struct {
	cfg     config.KafkaConfig
	logger  *zap.Logger
	writers map[Topic]*kafka.Writer
	readers []*kafka.Reader
	mu      sync.RWMutex
	wg      sync.WaitGroup
}

// NewKafkaBus creates a Kafka-backed bus.
func NewKafkaBus(cfg config.KafkaConfig, logger *zap.Logger) *KafkaBus {
	return &KafkaBus{
		cfg:     cfg,
		logger:  logger,
		writers: make(map[Topic]*kafka.Writer),
	}
}

func (b *KafkaBus) getWriter(topic Topic) *kafka.Writer {
	b.mu.RLock()
	writer, ok := b.writers[topic]
	b.mu.RUnlock()
	if ok {
		return writer
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if writer, ok := b.writers[topic]; ok {
		return writer
	}

	writer = &kafka.Writer{
		Addr:         kafka.TCP(b.cfg.Brokers...),
		Topic:        string(topic),
		Balancer:     &kafka.Hash{}, // same key, same partition: ordering per entity
		WriteTimeout: b.cfg.WriteTimeout,
		RequiredAcks: kafka.RequireAll,
		MaxAttempts:  1, // retries are handled here with backoff
	}
	b.writers[topic] = writer
	return writer
}

// Publish writes one message, retrying with exponential backoff up to the
// configured bound. Exhaustion surfaces as a dependency error; the caller must
// not report success to its own caller.
func (b *KafkaBus) Publish(ctx context.Context, topic Topic, key string, payload interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal event for %s: %w", topic, err)
	}

	msg := kafka.Message{
		Key:   []byte(key),
		Value: data,
		Time:  time.Now(),
	}

	writer := b.getWriter(topic)
	backoff := b.cfg.RetryBackoffMin
	var lastErr error
	for attempt := 0; attempt <= b.cfg.PublishRetryMax; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return errors.Dependency(errors.CodeMessageQueueError, ctx.Err(), "publish to %s cancelled", topic)
			case <-time.After(backoff):
			}
			backoff *= 2
			if backoff > b.cfg.RetryBackoffMax {
				backoff = b.cfg.RetryBackoffMax
			}
		}
		if lastErr = writer.WriteMessages(ctx, msg); lastErr == nil {
			metrics.EventsPublished.WithLabelValues(string(topic)).Inc()
			return nil
		}
		b.logger.Warn("publish failed",
			zap.String("topic", string(topic)),
			zap.String("key", key),
			zap.Int("attempt", attempt+1),
			zap.Error(lastErr))
	}
	return errors.Dependency(errors.CodeMessageQueueError, lastErr,
		"publish to %s exhausted %d attempts", topic, b.cfg.PublishRetryMax+1)
}

// Subscribe starts a consumer-group reader for topic. Offsets are committed
// only after the handler returns nil, so a failed message is fetched again.
func (b *KafkaBus) Subscribe(ctx context.Context, topic Topic, group string, handler Handler) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers: b.cfg.Brokers,
		Topic:   string(topic),
		GroupID: fmt.Sprintf("%s-%s", b.cfg.GroupPrefix, group),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			b.logger.Error(fmt.Sprintf(msg, args...))
		}),
	})

	b.mu.Lock()
	b.readers = append(b.readers, reader)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		defer reader.Close()

		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				b.logger.Error("fetch message failed", zap.String("topic", string(topic)), zap.Error(err))
				continue
			}

			msg := &Message{
				Topic:     m.Topic,
				Key:       string(m.Key),
				Value:     m.Value,
				Partition: m.Partition,
				Offset:    m.Offset,
				Timestamp: m.Time,
			}

			// FetchMessage advances the reader, so redelivery is in-place:
			// retry the handler with backoff, committing only on success.
			// An exhausted message is committed anyway and flagged for
			// reconciliation; stalling the partition helps nobody.
			var handleErr error
			for attempt := 1; attempt <= maxDeliveryAttempts; attempt++ {
				msg.Attempt = attempt
				if attempt > 1 {
					metrics.EventsRedelivered.WithLabelValues(string(topic)).Inc()
					select {
					case <-ctx.Done():
						return
					case <-time.After(b.cfg.RetryBackoffMin * time.Duration(attempt)):
					}
				}
				if handleErr = handler(ctx, msg); handleErr == nil {
					break
				}
				b.logger.Error("message handler failed",
					zap.String("topic", string(topic)),
					zap.String("key", msg.Key),
					zap.Int64("offset", msg.Offset),
					zap.Int("attempt", attempt),
					zap.Error(handleErr))
			}
			if handleErr != nil {
				b.logger.Error("message dropped after max delivery attempts, needs reconciliation",
					zap.String("topic", string(topic)),
					zap.String("key", msg.Key),
					zap.Int64("offset", msg.Offset),
					zap.Error(handleErr))
			}

			if err := reader.CommitMessages(ctx, m); err != nil {
				b.logger.Error("commit failed", zap.String("topic", string(topic)), zap.Error(err))
			}
		}
	}()

	return nil
}

// Close shuts down writers and waits for consumer goroutines.
func (b *KafkaBus) Close() error {
	b.mu.Lock()
	var lastErr error
	for _, w := range b.writers {
		if err := w.Close(); err != nil {
			lastErr = err
		}
	}
	for _, r := range b.readers {
		if err := r.Close(); err != nil {
			lastErr = err
		}
	}
	b.mu.Unlock()
	b.wg.Wait()
	return lastErr
}
