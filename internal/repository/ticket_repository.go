package repository

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// TicketRepo provides CRUD operations for the tickets table.  Ticket ids
// are random UUIDs stored as CHAR(36); all timestamps are UTC.
type TicketRepo struct {
	db *sql.DB
}

// NewTicketRepo returns a new TicketRepo bound to the given database.
func NewTicketRepo(db *sql.DB) *TicketRepo { return &TicketRepo{db: db} }

const ticketColumns = `id, event_id, user_id, status, price_cents, quantity, idempotency_key,
                       locked_at, lock_expires_at, version, created_at, updated_at`

// queryer is satisfied by both *sql.DB and *sql.Tx.
type queryer interface {
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func scanTicket(row rowScanner) (*model.Ticket, error) {
	var (
		t      model.Ticket
		status string
		key    sql.NullString
	)
	err := row.Scan(
		&t.ID, &t.EventID, &t.UserID, &status, &t.PriceCents, &t.Quantity, &key,
		&t.LockedAt, &t.LockExpiresAt, &t.Version, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, classify(err)
	}
	t.Status = model.TicketStatus(status)
	if key.Valid {
		k := key.String
		t.IdempotencyKey = &k
	}
	return &t, nil
}

func nullableKey(k *string) sql.NullString {
	if k == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *k, Valid: true}
}

// CreateTx inserts a new ticket within the scope of an existing
// transaction.  The caller assigns the id and timestamps.
func (r *TicketRepo) CreateTx(ctx context.Context, tx *sql.Tx, t *model.Ticket) error {
	const q = `INSERT INTO tickets (id, event_id, user_id, status, price_cents, quantity, idempotency_key,
                                    locked_at, lock_expires_at, version, created_at, updated_at)
               VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	_, err := tx.ExecContext(ctx, q,
		t.ID, t.EventID, t.UserID, string(t.Status), t.PriceCents, t.Quantity, nullableKey(t.IdempotencyKey),
		t.LockedAt, t.LockExpiresAt, t.Version, t.CreatedAt, t.UpdatedAt,
	)
	return classify(err)
}

// GetByID returns a ticket regardless of owner.  Only administrative
// paths and the expiry sweeper use it.
func (r *TicketRepo) GetByID(ctx context.Context, q queryer, id uuid.UUID) (*model.Ticket, error) {
	const sel = `SELECT ` + ticketColumns + ` FROM tickets WHERE id = ?`
	return scanTicket(q.QueryRowContext(ctx, sel, id))
}

// GetByIDForUser returns a ticket only when it belongs to userID, so a
// caller can never learn about another user's ticket.
func (r *TicketRepo) GetByIDForUser(ctx context.Context, q queryer, id uuid.UUID, userID int64) (*model.Ticket, error) {
	const sel = `SELECT ` + ticketColumns + ` FROM tickets WHERE id = ? AND user_id = ?`
	return scanTicket(q.QueryRowContext(ctx, sel, id, userID))
}

// GetByIdempotencyKey returns the ticket confirmed with key, if any.
func (r *TicketRepo) GetByIdempotencyKey(ctx context.Context, q queryer, key string) (*model.Ticket, error) {
	const sel = `SELECT ` + ticketColumns + ` FROM tickets WHERE idempotency_key = ?`
	return scanTicket(q.QueryRowContext(ctx, sel, key))
}

// UpdateTx writes status, idempotency key and updated_at, guarded by the
// optimistic version.  A concurrent writer that got there first makes this
// return ErrConflict.
func (r *TicketRepo) UpdateTx(ctx context.Context, tx *sql.Tx, t *model.Ticket) error {
	const q = `UPDATE tickets
               SET status = ?, idempotency_key = ?, updated_at = ?, version = version + 1
               WHERE id = ? AND version = ?`
	res, err := tx.ExecContext(ctx, q, string(t.Status), nullableKey(t.IdempotencyKey), t.UpdatedAt, t.ID, t.Version)
	if err != nil {
		return classify(err)
	}
	if err := expectOneRow(res); err != nil {
		return err
	}
	t.Version++
	return nil
}

// DeleteTx hard-deletes a ticket, guarded by its version.
func (r *TicketRepo) DeleteTx(ctx context.Context, tx *sql.Tx, t *model.Ticket) error {
	res, err := tx.ExecContext(ctx, `DELETE FROM tickets WHERE id = ? AND version = ?`, t.ID, t.Version)
	if err != nil {
		return classify(err)
	}
	return expectOneRow(res)
}

// ListByUser returns all tickets of a user, newest first.
func (r *TicketRepo) ListByUser(ctx context.Context, userID int64) ([]model.Ticket, error) {
	const q = `SELECT ` + ticketColumns + ` FROM tickets WHERE user_id = ? ORDER BY created_at DESC`
	rows, err := r.db.QueryContext(ctx, q, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	tickets := make([]model.Ticket, 0)
	for rows.Next() {
		t, err := scanTicket(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return tickets, nil
}

// ListExpiredLocked returns ids of LOCKED tickets whose hold ended before
// now, oldest first.  The (status, lock_expires_at) index serves it.
func (r *TicketRepo) ListExpiredLocked(ctx context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	const q = `SELECT id FROM tickets
               WHERE status = ? AND lock_expires_at < ?
               ORDER BY lock_expires_at
               LIMIT ?`
	rows, err := r.db.QueryContext(ctx, q, string(model.TicketLocked), now, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return ids, nil
}
