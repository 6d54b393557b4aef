package queue

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
)

// Sink delivers one event to a broker.  Send returns only after the broker
// accepted the event or the attempt failed.
type Sink interface {
	Send(ctx context.Context, ev TicketEvent) error
	Close() error
}

// Emitter builds ticket events and hands them to a Sink, retrying failed
// sends with exponential backoff.  Delivery is at least once: a retry after
// an ambiguous failure may duplicate an event, never lose its id.
type Emitter struct {
	sink     Sink
	attempts int
	backoff  time.Duration
	log      *slog.Logger
	now      func() time.Time
}

// NewEmitter returns an Emitter that tries each event up to attempts times.
func NewEmitter(sink Sink, attempts int, backoff time.Duration, log *slog.Logger) *Emitter {
	if attempts < 1 {
		attempts = 1
	}
	if log == nil {
		log = slog.Default()
	}
	return &Emitter{sink: sink, attempts: attempts, backoff: backoff, log: log, now: time.Now}
}

// PublishConfirmed emits TICKET_CONFIRMED.
func (e *Emitter) PublishConfirmed(ctx context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, priceCents int64) error {
	return e.publish(ctx, e.build(TicketConfirmed, ticketID, eventID, userID, quantity, priceCents))
}

// PublishCancelled emits TICKET_CANCELLED.
func (e *Emitter) PublishCancelled(ctx context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, priceCents int64) error {
	return e.publish(ctx, e.build(TicketCancelled, ticketID, eventID, userID, quantity, priceCents))
}

func (e *Emitter) build(typ EventType, ticketID uuid.UUID, eventID, userID int64, quantity int, priceCents int64) TicketEvent {
	return TicketEvent{
		EventID:    uuid.NewString(),
		Type:       typ,
		TicketID:   ticketID.String(),
		EventIDRef: strconv.FormatInt(eventID, 10),
		UserID:     strconv.FormatInt(userID, 10),
		Amount:     priceCents,
		OccurredAt: e.now().UTC(),
		Payload: map[string]any{
			"ticketId":   ticketID.String(),
			"eventId":    eventID,
			"userId":     userID,
			"quantity":   quantity,
			"priceCents": priceCents,
		},
	}
}

func (e *Emitter) publish(ctx context.Context, ev TicketEvent) error {
	wait := e.backoff
	var err error
	for attempt := 1; attempt <= e.attempts; attempt++ {
		if err = e.sink.Send(ctx, ev); err == nil {
			e.log.Info("ticket event published", "event_id", ev.EventID, "type", ev.Type, "ticket_id", ev.TicketID)
			return nil
		}
		e.log.Warn("ticket event send failed", "event_id", ev.EventID, "type", ev.Type, "attempt", attempt, "error", err)
		if attempt == e.attempts {
			break
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("publish %s: %w", ev.EventID, ctx.Err())
		case <-time.After(wait):
		}
		wait *= 2
	}
	return fmt.Errorf("publish %s after %d attempts: %w", ev.EventID, e.attempts, err)
}

// Close closes the underlying sink.
func (e *Emitter) Close() error { return e.sink.Close() }

// LogSink writes events to the log instead of a broker.  It is used when
// EVENT_BROKER=log.
type LogSink struct {
	Log *slog.Logger
}

func (s LogSink) Send(_ context.Context, ev TicketEvent) error {
	s.Log.Info("ticket event", "event_id", ev.EventID, "type", ev.Type, "ticket_id", ev.TicketID,
		"event_ref", ev.EventIDRef, "user_id", ev.UserID, "amount", ev.Amount)
	return nil
}

func (LogSink) Close() error { return nil }
