package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// DefaultQueue is the durable queue ticket events are routed to.
const DefaultQueue = "ticket.events"

// DefaultDialTimeout bounds connecting to the broker when the caller's
// context has no earlier deadline.
const DefaultDialTimeout = 5 * time.Second

// RabbitSink publishes events to a durable RabbitMQ queue through the
// default exchange, with publisher confirms.  The connection is dialled
// lazily and re-dialled after it drops.  Waiting for the sink and dialling
// are both bounded by the caller's context.
type RabbitSink struct {
	url         string
	queue       string
	dialTimeout time.Duration

	// sem serialises use of conn and ch; acquiring it honours ctx.
	sem  chan struct{}
	conn *amqp.Connection
	ch   *amqp.Channel
}

// NewRabbitSink returns a sink for url.  No connection is made until the
// first Send.
func NewRabbitSink(url, queue string) *RabbitSink {
	if queue == "" {
		queue = DefaultQueue
	}
	return &RabbitSink{
		url:         url,
		queue:       queue,
		dialTimeout: DefaultDialTimeout,
		sem:         make(chan struct{}, 1),
	}
}

func (s *RabbitSink) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *RabbitSink) release() { <-s.sem }

// dial connects with a timeout no later than ctx's deadline.  The timeout
// covers both the TCP connect and the AMQP handshake.
func (s *RabbitSink) dial(ctx context.Context) (*amqp.Connection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d := s.dialTimeout
	if deadline, ok := ctx.Deadline(); ok {
		if left := time.Until(deadline); left < d {
			d = left
		}
	}
	if d <= 0 {
		return nil, context.DeadlineExceeded
	}
	return amqp.DialConfig(s.url, amqp.Config{
		Heartbeat: 10 * time.Second,
		Locale:    "en_US",
		Dial:      amqp.DefaultDial(d),
	})
}

// channel returns an open confirm-mode channel, dialling if needed.
// Callers hold the semaphore.
func (s *RabbitSink) channel(ctx context.Context) (*amqp.Channel, error) {
	if s.ch != nil && !s.ch.IsClosed() {
		return s.ch, nil
	}
	if s.conn == nil || s.conn.IsClosed() {
		conn, err := s.dial(ctx)
		if err != nil {
			return nil, fmt.Errorf("rabbitmq dial: %w", err)
		}
		s.conn = conn
	}
	ch, err := s.conn.Channel()
	if err != nil {
		return nil, fmt.Errorf("rabbitmq channel: %w", err)
	}
	// Durable so messages survive broker restarts.
	if _, err := ch.QueueDeclare(s.queue, true, false, false, false, nil); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq queue declare: %w", err)
	}
	if err := ch.Confirm(false); err != nil {
		_ = ch.Close()
		return nil, fmt.Errorf("rabbitmq confirm mode: %w", err)
	}
	s.ch = ch
	return ch, nil
}

func (s *RabbitSink) Send(ctx context.Context, ev TicketEvent) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := s.acquire(ctx); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	defer s.release()

	ch, err := s.channel(ctx)
	if err != nil {
		return err
	}
	pub := amqp.Publishing{
		ContentType:  "application/json",
		DeliveryMode: amqp.Persistent,
		MessageId:    ev.EventID,
		Type:         string(ev.Type),
		Timestamp:    time.Now().UTC(),
		Body:         body,
	}
	conf, err := ch.PublishWithDeferredConfirmWithContext(ctx, "", s.queue, false, false, pub)
	if err != nil {
		s.ch = nil
		return fmt.Errorf("rabbitmq publish: %w", err)
	}
	acked, err := conf.WaitContext(ctx)
	if err != nil {
		return fmt.Errorf("rabbitmq confirm: %w", err)
	}
	if !acked {
		return errors.New("rabbitmq: broker nacked event")
	}
	return nil
}

func (s *RabbitSink) Close() error {
	s.sem <- struct{}{}
	defer s.release()
	var errs []error
	if s.ch != nil {
		errs = append(errs, s.ch.Close())
		s.ch = nil
	}
	if s.conn != nil {
		errs = append(errs, s.conn.Close())
		s.conn = nil
	}
	return errors.Join(errs...)
}
