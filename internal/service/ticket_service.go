// Package service implements the ticket reservation engine: seat locks,
// confirmation, cancellation, expiry and administrative inventory changes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/pricing"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

// EventPublisher emits ticket lifecycle events after a transition commits.
type EventPublisher interface {
	PublishConfirmed(ctx context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, priceCents int64) error
	PublishCancelled(ctx context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, priceCents int64) error
}

// Options tunes a TicketService.  Zero values take defaults.
type Options struct {
	LockHold       time.Duration
	PublishTimeout time.Duration
	Now            func() time.Time
	Logger         *slog.Logger
}

// TicketService coordinates the ticket state machine against the store.
// The inventory row lock is the only serialization point per event; ticket
// rows are guarded by their version.
type TicketService struct {
	store          repository.Store
	pricer         pricing.Pricer
	events         EventPublisher
	hold           time.Duration
	publishTimeout time.Duration
	now            func() time.Time
	log            *slog.Logger
}

// NewTicketService wires the engine.
func NewTicketService(store repository.Store, pricer pricing.Pricer, events EventPublisher, opts Options) *TicketService {
	if opts.LockHold <= 0 {
		opts.LockHold = model.DefaultLockHold
	}
	if opts.PublishTimeout <= 0 {
		opts.PublishTimeout = 10 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if events == nil {
		events = noopPublisher{}
	}
	return &TicketService{
		store:          store,
		pricer:         pricer,
		events:         events,
		hold:           opts.LockHold,
		publishTimeout: opts.PublishTimeout,
		now:            opts.Now,
		log:            opts.Logger,
	}
}

// Lock reserves quantity seats for userID and creates a LOCKED ticket that
// holds them until the lock hold elapses.  The availability check, the
// decrement and the ticket insert commit together; if the price cannot be
// resolved nothing is written.
func (s *TicketService) Lock(ctx context.Context, eventID, userID int64, quantity int) (model.TicketView, error) {
	if quantity < 1 {
		return model.TicketView{}, ErrInvalidQuantity
	}
	var view model.TicketView
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		inv, err := tx.LockInventory(ctx, eventID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNoInventory
			}
			return storageErr(err)
		}
		if !inv.Take(quantity) {
			return ErrInsufficientInventory
		}
		now := s.now().UTC()
		inv.UpdatedAt = now
		if err := tx.SaveInventory(ctx, inv); err != nil {
			return storageErr(err)
		}

		unit, err := s.pricer.PriceForEvent(ctx, eventID)
		if err != nil {
			return fmt.Errorf("%w: %w", ErrPricingUnavailable, err)
		}

		t := &model.Ticket{
			ID:            uuid.New(),
			EventID:       eventID,
			UserID:        userID,
			Status:        model.TicketLocked,
			PriceCents:    unit * int64(quantity),
			Quantity:      quantity,
			LockedAt:      now,
			LockExpiresAt: now.Add(s.hold),
			Version:       1,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		if err := tx.CreateTicket(ctx, t); err != nil {
			return storageErr(err)
		}
		view = t.View()
		return nil
	})
	if err != nil {
		return model.TicketView{}, storageErr(err)
	}
	s.log.Info("seats locked", "ticket_id", view.ID, "event_id", eventID, "user_id", userID, "quantity", quantity)
	return view, nil
}

// Confirm moves a LOCKED ticket to CONFIRMED and stamps key on it.  A
// repeated call with the same key returns the ticket unchanged.  When the
// lock has already elapsed the ticket is expired, its seats are returned
// and ErrLockExpired is reported.
func (s *TicketService) Confirm(ctx context.Context, ticketID uuid.UUID, userID int64, key string) (model.TicketView, error) {
	if key == "" {
		return model.TicketView{}, ErrIdempotencyKeyRequired
	}
	view, confirmed, err := s.confirmOnce(ctx, ticketID, userID, key)
	if errors.Is(err, ErrConflict) {
		// A concurrent confirm with the same key may have won; the retry
		// then finds it through the key lookup.
		view, confirmed, err = s.confirmOnce(ctx, ticketID, userID, key)
	}
	if err != nil {
		return model.TicketView{}, err
	}
	if confirmed != nil {
		s.log.Info("ticket confirmed", "ticket_id", confirmed.ID, "event_id", confirmed.EventID, "user_id", userID)
		s.publish(ctx, confirmed, s.events.PublishConfirmed)
	}
	return view, nil
}

// confirmOnce runs one confirm transaction.  It returns the ticket it
// confirmed, or nil when the call was an idempotent replay.
func (s *TicketService) confirmOnce(ctx context.Context, ticketID uuid.UUID, userID int64, key string) (model.TicketView, *model.Ticket, error) {
	var (
		view      model.TicketView
		confirmed *model.Ticket
		expired   bool
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		prior, err := tx.TicketByIdempotencyKey(ctx, key)
		switch {
		case err == nil:
			if prior.UserID != userID {
				return ErrNotFound
			}
			if prior.ID != ticketID {
				return ErrIdempotencyKeyReused
			}
			view = prior.View()
			return nil
		case !errors.Is(err, repository.ErrNotFound):
			return storageErr(err)
		}

		t, err := tx.TicketForUser(ctx, ticketID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return storageErr(err)
		}
		// Confirmed with this key after the lookup above.
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			view = t.View()
			return nil
		}
		if t.Status != model.TicketLocked {
			return ErrNotLocked
		}
		now := s.now().UTC()
		if t.LockExpired(now) {
			if err := s.expireTx(ctx, tx, t, now); err != nil {
				return err
			}
			expired = true
			return nil
		}

		t.Status = model.TicketConfirmed
		t.IdempotencyKey = &key
		t.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, t); err != nil {
			return storageErr(err)
		}
		view = t.View()
		confirmed = t
		return nil
	})
	if err != nil {
		return model.TicketView{}, nil, storageErr(err)
	}
	if expired {
		s.log.Info("ticket lock expired on confirm", "ticket_id", ticketID, "user_id", userID)
		return model.TicketView{}, nil, ErrLockExpired
	}
	return view, confirmed, nil
}

// Cancel moves a LOCKED or CONFIRMED ticket to CANCELLED and returns its
// seats.  Cancelling a CANCELLED or EXPIRED ticket changes nothing.
func (s *TicketService) Cancel(ctx context.Context, ticketID uuid.UUID, userID int64) (model.TicketView, error) {
	view, cancelled, err := s.cancelOnce(ctx, ticketID, userID)
	if errors.Is(err, ErrConflict) {
		view, cancelled, err = s.cancelOnce(ctx, ticketID, userID)
	}
	if err != nil {
		return model.TicketView{}, err
	}
	if cancelled != nil {
		s.log.Info("ticket cancelled", "ticket_id", cancelled.ID, "event_id", cancelled.EventID, "user_id", userID)
		s.publish(ctx, cancelled, s.events.PublishCancelled)
	}
	return view, nil
}

func (s *TicketService) cancelOnce(ctx context.Context, ticketID uuid.UUID, userID int64) (model.TicketView, *model.Ticket, error) {
	var (
		view      model.TicketView
		cancelled *model.Ticket
	)
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		t, err := tx.TicketForUser(ctx, ticketID, userID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return storageErr(err)
		}
		if !t.Status.CanTransition(model.TicketCancelled) {
			view = t.View()
			return nil
		}
		now := s.now().UTC()
		if err := s.restoreSeats(ctx, tx, t, now); err != nil {
			return err
		}
		t.Status = model.TicketCancelled
		t.UpdatedAt = now
		if err := tx.UpdateTicket(ctx, t); err != nil {
			return storageErr(err)
		}
		view = t.View()
		cancelled = t
		return nil
	})
	if err != nil {
		return model.TicketView{}, nil, storageErr(err)
	}
	return view, cancelled, nil
}

// Availability returns the seat counters of an event.
func (s *TicketService) Availability(ctx context.Context, eventID int64) (model.AvailabilityView, error) {
	inv, err := s.store.Inventory(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.AvailabilityView{}, ErrNoInventory
		}
		return model.AvailabilityView{}, err
	}
	return inv.Availability(), nil
}

// Inventory returns the full inventory row of an event.
func (s *TicketService) Inventory(ctx context.Context, eventID int64) (model.InventoryView, error) {
	inv, err := s.store.Inventory(ctx, eventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return model.InventoryView{}, ErrNoInventory
		}
		return model.InventoryView{}, err
	}
	return inv.View(), nil
}

const upsertAttempts = 3

// UpsertInventory creates or resizes an event's inventory.  A new row needs
// total; with only total given on an existing row, available moves by the
// same delta clamped to [0, total].  Concurrent writers are detected by
// version and retried.
func (s *TicketService) UpsertInventory(ctx context.Context, eventID int64, total, available *int) (model.InventoryView, error) {
	if total == nil && available == nil {
		return model.InventoryView{}, fmt.Errorf("%w: total_seats or available_seats required", ErrInvalidInventory)
	}
	if (total != nil && *total < 0) || (available != nil && *available < 0) {
		return model.InventoryView{}, fmt.Errorf("%w: counters must not be negative", ErrInvalidInventory)
	}

	for attempt := 0; attempt < upsertAttempts; attempt++ {
		var inv model.SeatInventory
		var expected int64
		cur, err := s.store.Inventory(ctx, eventID)
		switch {
		case err == nil:
			inv = *cur
			expected = cur.Version
		case errors.Is(err, repository.ErrNotFound):
			if total == nil {
				return model.InventoryView{}, fmt.Errorf("%w: total_seats required for a new event", ErrInvalidInventory)
			}
			inv = model.SeatInventory{EventID: eventID}
		default:
			return model.InventoryView{}, err
		}

		inv.Resize(total, available)
		if !inv.Valid() {
			return model.InventoryView{}, fmt.Errorf("%w: available_seats must be within [0, total_seats]", ErrInvalidInventory)
		}
		inv.UpdatedAt = s.now().UTC()

		err = s.store.UpsertInventory(ctx, &inv, expected)
		if err == nil {
			s.log.Info("inventory upserted", "event_id", eventID, "total", inv.TotalSeats, "available", inv.AvailableSeats, "version", inv.Version)
			return inv.View(), nil
		}
		if !errors.Is(err, repository.ErrConflict) && !errors.Is(err, repository.ErrDuplicate) {
			return model.InventoryView{}, err
		}
		s.log.Debug("inventory upsert conflict, retrying", "event_id", eventID, "attempt", attempt+1)
	}
	return model.InventoryView{}, ErrConflict
}

// AdminDeleteTicket returns any seats the ticket holds and removes it, in
// one transaction.  No event is published.
func (s *TicketService) AdminDeleteTicket(ctx context.Context, ticketID uuid.UUID) error {
	err := s.adminDeleteOnce(ctx, ticketID)
	if errors.Is(err, ErrConflict) {
		err = s.adminDeleteOnce(ctx, ticketID)
	}
	if err != nil {
		return err
	}
	s.log.Info("ticket deleted by admin", "ticket_id", ticketID)
	return nil
}

func (s *TicketService) adminDeleteOnce(ctx context.Context, ticketID uuid.UUID) error {
	err := s.store.WithTx(ctx, func(tx repository.Tx) error {
		t, err := tx.Ticket(ctx, ticketID)
		if err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrNotFound
			}
			return storageErr(err)
		}
		if t.Status.HoldsSeats() {
			if err := s.restoreSeats(ctx, tx, t, s.now().UTC()); err != nil {
				return err
			}
		}
		if err := tx.DeleteTicket(ctx, t); err != nil {
			if errors.Is(err, repository.ErrNotFound) {
				return ErrConflict
			}
			return storageErr(err)
		}
		return nil
	})
	return storageErr(err)
}

// ListForUser returns the user's tickets, newest first.
func (s *TicketService) ListForUser(ctx context.Context, userID int64) ([]model.TicketView, error) {
	tickets, err := s.store.TicketsByUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	out := make([]model.TicketView, len(tickets))
	for i := range tickets {
		out[i] = tickets[i].View()
	}
	return out, nil
}

// SweepExpired expires up to limit LOCKED tickets whose hold has elapsed,
// each in its own transaction.  Tickets whose inventory row is busy are
// left for the next sweep.  It returns how many tickets were expired.
func (s *TicketService) SweepExpired(ctx context.Context, limit int) (int, error) {
	now := s.now().UTC()
	ids, err := s.store.ExpiredLockIDs(ctx, now, limit)
	if err != nil {
		return 0, fmt.Errorf("list expired locks: %w", err)
	}
	expired := 0
	for _, id := range ids {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		done := false
		err := s.store.WithTx(ctx, func(tx repository.Tx) error {
			t, err := tx.Ticket(ctx, id)
			if err != nil {
				return err
			}
			// Confirmed, cancelled or expired since it was listed.
			if t.Status != model.TicketLocked || !t.LockExpired(now) {
				return nil
			}
			if err := s.expireTx(ctx, tx, t, now); err != nil {
				return err
			}
			done = true
			return nil
		})
		err = storageErr(err)
		switch {
		case err == nil:
			if done {
				expired++
			}
		case errors.Is(err, repository.ErrNotFound):
		case errors.Is(err, ErrLockContended), errors.Is(err, ErrConflict):
			s.log.Debug("expiry skipped, will retry", "ticket_id", id, "error", err)
		default:
			return expired, fmt.Errorf("expire %s: %w", id, err)
		}
	}
	return expired, nil
}

// expireTx marks a LOCKED ticket EXPIRED and returns its seats.
func (s *TicketService) expireTx(ctx context.Context, tx repository.Tx, t *model.Ticket, now time.Time) error {
	if err := s.restoreSeats(ctx, tx, t, now); err != nil {
		return err
	}
	t.Status = model.TicketExpired
	t.UpdatedAt = now
	if err := tx.UpdateTicket(ctx, t); err != nil {
		return storageErr(err)
	}
	return nil
}

// restoreSeats returns the ticket's seats under the inventory row lock.  A
// missing inventory row leaves nothing to restore.
func (s *TicketService) restoreSeats(ctx context.Context, tx repository.Tx, t *model.Ticket, now time.Time) error {
	inv, err := tx.LockInventory(ctx, t.EventID)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			s.log.Warn("no inventory to restore seats to", "event_id", t.EventID, "ticket_id", t.ID)
			return nil
		}
		return storageErr(err)
	}
	inv.Restore(t.Quantity)
	inv.UpdatedAt = now
	if err := tx.SaveInventory(ctx, inv); err != nil {
		return storageErr(err)
	}
	return nil
}

type publishFunc func(ctx context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, priceCents int64) error

// publish emits an event for a committed transition.  The caller's
// cancellation does not abort it and failures are only logged.
func (s *TicketService) publish(ctx context.Context, t *model.Ticket, fn publishFunc) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.publishTimeout)
	defer cancel()
	if err := fn(pctx, t.ID, t.EventID, t.UserID, t.Quantity, t.PriceCents); err != nil {
		s.log.Error("ticket event not published", "ticket_id", t.ID, "status", t.Status, "error", err)
	}
}

type noopPublisher struct{}

func (noopPublisher) PublishConfirmed(context.Context, uuid.UUID, int64, int64, int, int64) error {
	return nil
}

func (noopPublisher) PublishCancelled(context.Context, uuid.UUID, int64, int64, int, int64) error {
	return nil
}
