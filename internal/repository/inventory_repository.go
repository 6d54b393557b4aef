package repository

import (
	"context"
	"database/sql"
	"errors"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// InventoryRepo provides access to the seat_inventory table.  Counter
// mutations on the reservation path go through GetForUpdateTx and
// UpdateTx so they run under the row lock; administrative writes use the
// version column instead.
type InventoryRepo struct {
	db *sql.DB
}

// NewInventoryRepo returns a new InventoryRepo bound to the given database.
func NewInventoryRepo(db *sql.DB) *InventoryRepo { return &InventoryRepo{db: db} }

const inventoryColumns = `event_id, total_seats, available_seats, version, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInventory(row rowScanner) (*model.SeatInventory, error) {
	var inv model.SeatInventory
	if err := row.Scan(&inv.EventID, &inv.TotalSeats, &inv.AvailableSeats, &inv.Version, &inv.UpdatedAt); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	return &inv, nil
}

// Get returns the committed counters for an event without locking.
func (r *InventoryRepo) Get(ctx context.Context, eventID int64) (*model.SeatInventory, error) {
	const q = `SELECT ` + inventoryColumns + ` FROM seat_inventory WHERE event_id = ?`
	return scanInventory(r.db.QueryRowContext(ctx, q, eventID))
}

// GetForUpdateTx reads the row with an exclusive lock held until tx ends.
// NOWAIT makes MySQL reject the statement instead of queueing behind the
// current holder; that rejection surfaces as ErrContended.
func (r *InventoryRepo) GetForUpdateTx(ctx context.Context, tx *sql.Tx, eventID int64) (*model.SeatInventory, error) {
	const q = `SELECT ` + inventoryColumns + ` FROM seat_inventory WHERE event_id = ? FOR UPDATE NOWAIT`
	return scanInventory(tx.QueryRowContext(ctx, q, eventID))
}

// UpdateTx writes the counters of a locked row.  The version predicate is
// redundant while the row lock is held but keeps administrative readers
// honest.
func (r *InventoryRepo) UpdateTx(ctx context.Context, tx *sql.Tx, inv *model.SeatInventory) error {
	const q = `UPDATE seat_inventory
               SET total_seats = ?, available_seats = ?, version = version + 1, updated_at = ?
               WHERE event_id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q, inv.TotalSeats, inv.AvailableSeats, inv.UpdatedAt, inv.EventID, inv.Version)
	if err != nil {
		return classify(err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	inv.Version++
	return nil
}

// Insert creates the inventory row for a new event at version 1.
func (r *InventoryRepo) Insert(ctx context.Context, inv *model.SeatInventory) error {
	const q = `INSERT INTO seat_inventory (event_id, total_seats, available_seats, version, updated_at) VALUES (?, ?, ?, 1, ?)`
	if _, err := r.db.ExecContext(ctx, q, inv.EventID, inv.TotalSeats, inv.AvailableSeats, inv.UpdatedAt); err != nil {
		return classify(err)
	}
	inv.Version = 1
	return nil
}

// UpdateIfVersion overwrites the counters only when the stored version
// still equals expected.  Zero affected rows yields ErrConflict.
func (r *InventoryRepo) UpdateIfVersion(ctx context.Context, inv *model.SeatInventory, expected int64) error {
	const q = `UPDATE seat_inventory
               SET total_seats = ?, available_seats = ?, version = version + 1, updated_at = ?
               WHERE event_id = ? AND version = ?`
	res, err := r.db.ExecContext(ctx, q, inv.TotalSeats, inv.AvailableSeats, inv.UpdatedAt, inv.EventID, expected)
	if err != nil {
		return classify(err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	inv.Version = expected + 1
	return nil
}

// expectOneRow turns a zero-row UPDATE into ErrConflict.
func expectOneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrConflict
	}
	return nil
}
