package model

import (
	"time"

	"github.com/google/uuid"
)

// TicketStatus is the lifecycle state of a ticket.
type TicketStatus string

const (
	TicketLocked    TicketStatus = "LOCKED"
	TicketConfirmed TicketStatus = "CONFIRMED"
	TicketCancelled TicketStatus = "CANCELLED"
	TicketExpired   TicketStatus = "EXPIRED"
)

// DefaultLockHold is how long a LOCKED ticket keeps its seats.
const DefaultLockHold = 10 * time.Minute

// transitions lists the allowed moves out of each state.  CANCELLED and
// EXPIRED are terminal.
var transitions = map[TicketStatus][]TicketStatus{
	TicketLocked:    {TicketConfirmed, TicketCancelled, TicketExpired},
	TicketConfirmed: {TicketCancelled},
}

// CanTransition reports whether a ticket may move from s to next.
func (s TicketStatus) CanTransition(next TicketStatus) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// HoldsSeats reports whether a ticket in this state is counted against the
// event's inventory.
func (s TicketStatus) HoldsSeats() bool {
	return s == TicketLocked || s == TicketConfirmed
}

// Ticket records a reservation of Quantity seats for one event by one user.
//
// Fields:
//  ID             – random UUID, never sequential.
//  EventID        – event the seats belong to.
//  UserID         – owner of the ticket.
//  Status         – LOCKED, CONFIRMED, CANCELLED or EXPIRED.
//  PriceCents     – total price for Quantity seats, fixed at lock time.
//  Quantity       – number of seats (>= 1).
//  IdempotencyKey – set on confirmation; unique when present.
//  LockedAt       – when the seats were locked.
//  LockExpiresAt  – LockedAt plus the hold duration.
//  Version        – optimistic concurrency counter for this row.
type Ticket struct {
	ID             uuid.UUID    // tickets.id
	EventID        int64        // tickets.event_id
	UserID         int64        // tickets.user_id
	Status         TicketStatus // tickets.status
	PriceCents     int64        // tickets.price_cents
	Quantity       int          // tickets.quantity
	IdempotencyKey *string      // tickets.idempotency_key (nullable)
	LockedAt       time.Time    // tickets.locked_at
	LockExpiresAt  time.Time    // tickets.lock_expires_at
	Version        int64        // tickets.version
	CreatedAt      time.Time    // tickets.created_at
	UpdatedAt      time.Time    // tickets.updated_at
}

// LockExpired reports whether the hold has elapsed at now.
func (t *Ticket) LockExpired(now time.Time) bool {
	return t.LockExpiresAt.Before(now)
}

// TicketView is the representation returned to callers.
type TicketView struct {
	ID            uuid.UUID    `json:"id"`
	EventID       int64        `json:"event_id"`
	UserID        int64        `json:"user_id"`
	Status        TicketStatus `json:"status"`
	PriceCents    int64        `json:"price_cents"`
	Quantity      int          `json:"quantity"`
	LockedAt      time.Time    `json:"locked_at"`
	LockExpiresAt time.Time    `json:"lock_expires_at"`
}

// View converts a ticket into its caller-facing form.
func (t *Ticket) View() TicketView {
	return TicketView{
		ID:            t.ID,
		EventID:       t.EventID,
		UserID:        t.UserID,
		Status:        t.Status,
		PriceCents:    t.PriceCents,
		Quantity:      t.Quantity,
		LockedAt:      t.LockedAt.UTC(),
		LockExpiresAt: t.LockExpiresAt.UTC(),
	}
}

// InventoryView is the representation of seat counters returned to callers.
type InventoryView struct {
	EventID        int64     `json:"event_id"`
	TotalSeats     int       `json:"total_seats"`
	AvailableSeats int       `json:"available_seats"`
	Version        int64     `json:"version,omitempty"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// View converts inventory counters into their caller-facing form.
func (s SeatInventory) View() InventoryView {
	return InventoryView{
		EventID:        s.EventID,
		TotalSeats:     s.TotalSeats,
		AvailableSeats: s.AvailableSeats,
		Version:        s.Version,
		UpdatedAt:      s.UpdatedAt.UTC(),
	}
}

// AvailabilityView is the public seat count of an event.
type AvailabilityView struct {
	EventID        int64 `json:"event_id"`
	TotalSeats     int   `json:"total_seats"`
	AvailableSeats int   `json:"available_seats"`
}

// Availability returns the public counters.
func (s SeatInventory) Availability() AvailabilityView {
	return AvailabilityView{EventID: s.EventID, TotalSeats: s.TotalSeats, AvailableSeats: s.AvailableSeats}
}
