package queue

import (
	"context"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"
)

// DefaultGroupID is the consumer group the audit consumer joins.
const DefaultGroupID = "ticket-events-audit"

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
}

// NewKafkaReader returns a group reader for topic.  Offsets are committed
// explicitly after each message is handled.
func NewKafkaReader(brokers []string, topic, groupID string) *kafka.Reader {
	if topic == "" {
		topic = DefaultTopic
	}
	if groupID == "" {
		groupID = DefaultGroupID
	}
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:     brokers,
		Topic:       topic,
		GroupID:     groupID,
		MinBytes:    1,
		MaxBytes:    10e6,
		MaxWait:     time.Second,
		StartOffset: kafka.FirstOffset,
		Logger:      kafka.LoggerFunc(func(string, ...any) {}),
	})
}

// RunKafka consumes from r until ctx is cancelled.  A message's offset is
// committed once it has been recorded, found to be a duplicate, or found to
// be malformed.  Audit failures are retried on the same message, so the
// partition does not advance past an unrecorded event.
func (c *Consumer) RunKafka(ctx context.Context, r MessageReader) error {
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ticket-consumer: kafka fetch failed", "error", err)
			if !sleep(ctx, time.Second) {
				return ctx.Err()
			}
			continue
		}
		if err := c.handleKafka(ctx, m); err != nil {
			return err
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.log.Warn("ticket-consumer: kafka commit failed", "error", err, "offset", m.Offset)
		}
	}
}

// handleKafka returns only when m may be committed or ctx is done.
func (c *Consumer) handleKafka(ctx context.Context, m kafka.Message) error {
	backoff := c.retryDelay
	for {
		err := c.Handle(ctx, m.Value)
		if err == nil {
			return nil
		}
		if errors.Is(err, errMalformed) {
			c.log.Error("ticket-consumer: dropping malformed message", "error", err,
				"partition", m.Partition, "offset", m.Offset)
			return nil
		}
		c.log.Error("ticket-consumer: handle message failed", "error", err,
			"partition", m.Partition, "offset", m.Offset, "retry_in", backoff)
		if !sleep(ctx, backoff) {
			return ctx.Err()
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}
