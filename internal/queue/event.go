// Package queue defines the ticket domain events and moves them over the
// message broker: sinks that publish them and a consumer that audits them.
package queue

import "time"

// EventType names a ticket lifecycle event.
type EventType string

const (
	TicketConfirmed EventType = "TICKET_CONFIRMED"
	TicketCancelled EventType = "TICKET_CANCELLED"
)

// TicketEvent is published after a ticket is confirmed or cancelled.
// EventID is unique per event so consumers can drop redeliveries;
// EventIDRef is the id of the (concert, match, ...) event the ticket is for.
// Amount is the ticket's total price in cents.
type TicketEvent struct {
	EventID    string         `json:"eventId"`
	Type       EventType      `json:"type"`
	TicketID   string         `json:"ticketId"`
	EventIDRef string         `json:"eventIdRef"`
	UserID     string         `json:"userId"`
	Amount     int64          `json:"amount"`
	OccurredAt time.Time      `json:"occurredAt"`
	Payload    map[string]any `json:"payload,omitempty"`
}
