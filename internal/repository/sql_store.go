package repository

import (
	"context"
	"database/sql"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// SQLStore implements Store on top of MySQL.
type SQLStore struct {
	db        *sql.DB
	inventory *InventoryRepo
	tickets   *TicketRepo
}

// NewSQLStore wires the inventory and ticket repositories over db.
func NewSQLStore(db *sql.DB) *SQLStore {
	return &SQLStore{db: db, inventory: NewInventoryRepo(db), tickets: NewTicketRepo(db)}
}

// DB exposes the underlying pool for health checks.
func (s *SQLStore) DB() *sql.DB { return s.db }

// WithTx runs fn inside a database transaction, committing only when fn
// succeeds.
func (s *SQLStore) WithTx(ctx context.Context, fn func(Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback()
		}
	}()
	if err := fn(&sqlTx{tx: tx, store: s}); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	committed = true
	return nil
}

func (s *SQLStore) Inventory(ctx context.Context, eventID int64) (*model.SeatInventory, error) {
	return s.inventory.Get(ctx, eventID)
}

func (s *SQLStore) UpsertInventory(ctx context.Context, inv *model.SeatInventory, expectedVersion int64) error {
	if expectedVersion == 0 {
		return s.inventory.Insert(ctx, inv)
	}
	return s.inventory.UpdateIfVersion(ctx, inv, expectedVersion)
}

func (s *SQLStore) TicketsByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	return s.tickets.ListByUser(ctx, userID)
}

func (s *SQLStore) ExpiredLockIDs(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	return s.tickets.ListExpiredLocked(ctx, now, limit)
}

// sqlTx adapts a *sql.Tx to the Tx interface.
type sqlTx struct {
	tx    *sql.Tx
	store *SQLStore
}

func (t *sqlTx) LockInventory(ctx context.Context, eventID int64) (*model.SeatInventory, error) {
	return t.store.inventory.GetForUpdateTx(ctx, t.tx, eventID)
}

func (t *sqlTx) SaveInventory(ctx context.Context, inv *model.SeatInventory) error {
	return t.store.inventory.UpdateTx(ctx, t.tx, inv)
}

func (t *sqlTx) CreateTicket(ctx context.Context, tk *model.Ticket) error {
	return t.store.tickets.CreateTx(ctx, t.tx, tk)
}

func (t *sqlTx) Ticket(ctx context.Context, id uuid.UUID) (*model.Ticket, error) {
	return t.store.tickets.GetByID(ctx, t.tx, id)
}

func (t *sqlTx) TicketForUser(ctx context.Context, id uuid.UUID, userID int64) (*model.Ticket, error) {
	return t.store.tickets.GetByIDForUser(ctx, t.tx, id, userID)
}

func (t *sqlTx) TicketByIdempotencyKey(ctx context.Context, key string) (*model.Ticket, error) {
	return t.store.tickets.GetByIdempotencyKey(ctx, t.tx, key)
}

func (t *sqlTx) UpdateTicket(ctx context.Context, tk *model.Ticket) error {
	return t.store.tickets.UpdateTx(ctx, t.tx, tk)
}

func (t *sqlTx) DeleteTicket(ctx context.Context, tk *model.Ticket) error {
	return t.store.tickets.DeleteTx(ctx, t.tx, tk)
}
