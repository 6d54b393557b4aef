package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/iliyamo/ticket-reservation/internal/cache"
)

// Auditor records one consumed ticket event.
type Auditor interface {
	Record(ctx context.Context, ev TicketEvent) error
}

// Consumer reads ticket events from RabbitMQ or Kafka and passes each one
// to an Auditor exactly once per event id within the dedupe window.
// Publishing is at least once, so redeliveries are expected and acked
// without recording.
type Consumer struct {
	url        string
	queue      string
	prefetch   int
	audit      Auditor
	seen       *cache.TTLLRU[string, struct{}]
	retryDelay time.Duration
	log        *slog.Logger
}

// ConsumerConfig tunes a Consumer.
type ConsumerConfig struct {
	URL        string
	Queue      string
	Prefetch   int
	DedupeSize int
	DedupeTTL  time.Duration
}

// NewConsumer returns a Consumer.  Zero values in cfg take defaults.
func NewConsumer(cfg ConsumerConfig, audit Auditor, log *slog.Logger) *Consumer {
	if cfg.Queue == "" {
		cfg.Queue = DefaultQueue
	}
	if cfg.Prefetch <= 0 {
		cfg.Prefetch = 50
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = 10000
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = time.Hour
	}
	if log == nil {
		log = slog.Default()
	}
	return &Consumer{
		url:        cfg.URL,
		queue:      cfg.Queue,
		prefetch:   cfg.Prefetch,
		audit:      audit,
		seen:       cache.New[string, struct{}](cfg.DedupeSize, cfg.DedupeTTL),
		retryDelay: time.Second,
		log:        log,
	}
}

// Run connects to RabbitMQ and consumes until ctx is cancelled,
// reconnecting with capped exponential backoff whenever the connection or
// the delivery channel drops.
func (c *Consumer) Run(ctx context.Context) error {
	backoff := time.Second
	for {
		conn, err := amqp.Dial(c.url)
		if err != nil {
			c.log.Warn("ticket-consumer: dial failed", "error", err, "retry_in", backoff)
			if !sleep(ctx, backoff) {
				return ctx.Err()
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		backoff = time.Second

		err = c.consumeLoop(ctx, conn)
		_ = conn.Close()
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.log.Warn("ticket-consumer: consume loop ended, reconnecting", "error", err)
		if !sleep(ctx, 2*time.Second) {
			return ctx.Err()
		}
	}
}

func (c *Consumer) consumeLoop(ctx context.Context, conn *amqp.Connection) error {
	ch, err := conn.Channel()
	if err != nil {
		return fmt.Errorf("channel open: %w", err)
	}
	defer func() { _ = ch.Close() }()

	if err := ch.Qos(c.prefetch, 0, false); err != nil {
		c.log.Warn("ticket-consumer: set QoS failed", "error", err)
	}
	if _, err := ch.QueueDeclare(c.queue, true, false, false, false, nil); err != nil {
		return fmt.Errorf("queue declare: %w", err)
	}
	msgs, err := ch.Consume(c.queue, "", false, false, false, false, nil)
	if err != nil {
		return fmt.Errorf("queue consume: %w", err)
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case d, ok := <-msgs:
			if !ok {
				return errors.New("deliveries channel closed")
			}
			if err := c.Handle(ctx, d.Body); err != nil {
				c.log.Error("ticket-consumer: handle message failed", "error", err, "message_id", d.MessageId)
				// Malformed bodies are dropped; audit failures go back to the queue.
				_ = d.Nack(false, !errors.Is(err, errMalformed))
				continue
			}
			_ = d.Ack(false)
		}
	}
}

var errMalformed = errors.New("malformed ticket event")

// Handle decodes one message body and records it unless its event id was
// already recorded.
func (c *Consumer) Handle(ctx context.Context, body []byte) error {
	var ev TicketEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return fmt.Errorf("%w: %w", errMalformed, err)
	}
	if ev.EventID == "" {
		return fmt.Errorf("%w: missing eventId", errMalformed)
	}
	if _, dup := c.seen.Get(ev.EventID); dup {
		c.log.Debug("ticket-consumer: duplicate event skipped", "event_id", ev.EventID)
		return nil
	}
	if err := c.audit.Record(ctx, ev); err != nil {
		return fmt.Errorf("audit %s: %w", ev.EventID, err)
	}
	c.seen.Put(ev.EventID, struct{}{})
	return nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
