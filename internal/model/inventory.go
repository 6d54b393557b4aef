package model

import "time"

// SeatInventory is the per-event seat counter.  There is exactly one row
// per event and it is the single source of truth for seat capacity.
//
// Fields:
//  EventID        – identity shared with the owning event.
//  TotalSeats     – capacity of the event.
//  AvailableSeats – seats not held by a LOCKED or CONFIRMED ticket.
//  Version        – bumped on every write; administrative updates compare
//                   and swap on it.
//  UpdatedAt      – timestamp of the last mutation.
type SeatInventory struct {
	EventID        int64     // seat_inventory.event_id
	TotalSeats     int       // seat_inventory.total_seats
	AvailableSeats int       // seat_inventory.available_seats
	Version        int64     // seat_inventory.version
	UpdatedAt      time.Time // seat_inventory.updated_at
}

// Valid reports whether the counters satisfy 0 <= available <= total.
func (s SeatInventory) Valid() bool {
	return s.TotalSeats >= 0 && s.AvailableSeats >= 0 && s.AvailableSeats <= s.TotalSeats
}

// Take removes quantity seats from the available pool.  It returns false and
// leaves the counters untouched when not enough seats remain.
func (s *SeatInventory) Take(quantity int) bool {
	if quantity <= 0 || s.AvailableSeats < quantity {
		return false
	}
	s.AvailableSeats -= quantity
	return true
}

// Restore returns quantity seats to the pool, clamped to TotalSeats so an
// administrative shrink cannot push available above capacity.
func (s *SeatInventory) Restore(quantity int) {
	s.AvailableSeats += quantity
	if s.AvailableSeats > s.TotalSeats {
		s.AvailableSeats = s.TotalSeats
	}
}

// Resize applies an administrative update.  When only total is given the
// available count moves by the same delta so booked seats are preserved.
// A new row (Version == 0 and zero counters) starts fully available.
func (s *SeatInventory) Resize(total, available *int) {
	prevTotal := s.TotalSeats
	prevAvailable := s.AvailableSeats
	if total != nil {
		s.TotalSeats = *total
	}
	switch {
	case available != nil:
		s.AvailableSeats = *available
	case total != nil:
		n := prevAvailable + (*total - prevTotal)
		if n < 0 {
			n = 0
		}
		if n > *total {
			n = *total
		}
		s.AvailableSeats = n
	}
}

// Booked is the number of seats currently held by tickets.
func (s SeatInventory) Booked() int { return s.TotalSeats - s.AvailableSeats }
