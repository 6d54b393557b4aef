package repository

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// Tx is the set of operations available inside one storage transaction.
// Everything done through a Tx commits or rolls back together.
type Tx interface {
	// LockInventory acquires the exclusive row lock on the event's
	// inventory for the rest of the transaction.  It never waits: when the
	// row is already locked it fails with ErrContended.
	LockInventory(ctx context.Context, eventID int64) (*model.SeatInventory, error)
	// SaveInventory writes counters of a row locked by LockInventory and
	// bumps its version.
	SaveInventory(ctx context.Context, inv *model.SeatInventory) error

	CreateTicket(ctx context.Context, t *model.Ticket) error
	Ticket(ctx context.Context, id uuid.UUID) (*model.Ticket, error)
	TicketForUser(ctx context.Context, id uuid.UUID, userID int64) (*model.Ticket, error)
	TicketByIdempotencyKey(ctx context.Context, key string) (*model.Ticket, error)
	// UpdateTicket writes t if its version is unchanged since it was read,
	// otherwise it fails with ErrConflict.  On success t.Version is bumped.
	UpdateTicket(ctx context.Context, t *model.Ticket) error
	DeleteTicket(ctx context.Context, t *model.Ticket) error
}

// Store is the persistence backend used by the reservation service.
type Store interface {
	// WithTx runs fn in a transaction.  The transaction commits when fn
	// returns nil and rolls back otherwise.
	WithTx(ctx context.Context, fn func(Tx) error) error

	Inventory(ctx context.Context, eventID int64) (*model.SeatInventory, error)
	// UpsertInventory inserts inv when expectedVersion is zero, otherwise
	// updates it only if the stored version still equals expectedVersion.
	UpsertInventory(ctx context.Context, inv *model.SeatInventory, expectedVersion int64) error

	TicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error)
	// ExpiredLockIDs lists LOCKED tickets whose hold ended before now,
	// oldest first.
	ExpiredLockIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error)
}
