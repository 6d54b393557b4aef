package service

import (
	"errors"

	"github.com/iliyamo/ticket-reservation/internal/repository"
)

// Errors returned by TicketService.  Handlers map them to HTTP statuses.
var (
	ErrInsufficientInventory  = errors.New("not enough seats available")
	ErrNoInventory            = errors.New("no inventory configured for event")
	ErrLockContended          = errors.New("inventory is busy, retry shortly")
	ErrNotLocked              = errors.New("ticket is not locked")
	ErrLockExpired            = errors.New("ticket lock has expired")
	ErrNotFound               = errors.New("ticket not found")
	ErrPricingUnavailable     = errors.New("pricing unavailable")
	ErrConflict               = errors.New("concurrent update, retry")
	ErrInvalidQuantity        = errors.New("quantity must be at least 1")
	ErrInvalidInventory       = errors.New("invalid inventory counters")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrIdempotencyKeyReused   = errors.New("idempotency key already used for another ticket")
)

// storageErr translates the storage sentinels that mean the same thing on
// every path.  Not-found is left to the caller since its meaning depends on
// which row was missing.
func storageErr(err error) error {
	switch {
	case errors.Is(err, repository.ErrContended):
		return ErrLockContended
	case errors.Is(err, repository.ErrConflict), errors.Is(err, repository.ErrDuplicate):
		return ErrConflict
	}
	return err
}
