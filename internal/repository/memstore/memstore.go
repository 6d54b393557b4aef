// Package memstore is an in-process implementation of repository.Store.
// It reproduces the locking discipline of the MySQL store: inventory rows
// are locked with a non-blocking try-lock for the life of a transaction,
// and ticket writes are checked against their version at commit.  It backs
// DB_DRIVER=memory and the service tests.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
)

// Store keeps committed rows in maps guarded by mu.  rowLocks holds one
// mutex per inventory row; it stands in for SELECT ... FOR UPDATE.
type Store struct {
	mu        sync.Mutex
	inventory map[int64]model.SeatInventory
	tickets   map[uuid.UUID]model.Ticket
	rowLocks  map[int64]*sync.Mutex
}

// New returns an empty store.
func New() *Store {
	return &Store{
		inventory: make(map[int64]model.SeatInventory),
		tickets:   make(map[uuid.UUID]model.Ticket),
		rowLocks:  make(map[int64]*sync.Mutex),
	}
}

func (s *Store) rowLock(eventID int64) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.rowLocks[eventID]
	if !ok {
		m = &sync.Mutex{}
		s.rowLocks[eventID] = m
	}
	return m
}

// WithTx runs fn against a staged view of the store and applies its writes
// atomically when fn succeeds.
func (s *Store) WithTx(ctx context.Context, fn func(repository.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &memTx{
		s:         s,
		held:      make(map[int64]*sync.Mutex),
		inventory: make(map[int64]model.SeatInventory),
		base:      make(map[int64]int64),
		tickets:   make(map[uuid.UUID]*ticketWrite),
	}
	defer tx.release()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.commit()
}

func (s *Store) Inventory(_ context.Context, eventID int64) (*model.SeatInventory, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	inv, ok := s.inventory[eventID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return &inv, nil
}

// UpsertInventory waits for any transaction holding the row, as an UPDATE
// without NOWAIT would, then applies the version check.
func (s *Store) UpsertInventory(_ context.Context, inv *model.SeatInventory, expectedVersion int64) error {
	m := s.rowLock(inv.EventID)
	m.Lock()
	defer m.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	cur, exists := s.inventory[inv.EventID]
	switch {
	case expectedVersion == 0 && exists:
		return repository.ErrDuplicate
	case expectedVersion != 0 && (!exists || cur.Version != expectedVersion):
		return repository.ErrConflict
	}
	inv.Version = expectedVersion + 1
	s.inventory[inv.EventID] = *inv
	return nil
}

func (s *Store) TicketsByUser(_ context.Context, userID int64) ([]model.Ticket, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]model.Ticket, 0)
	for _, t := range s.tickets {
		if t.UserID == userID {
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *Store) ExpiredLockIDs(_ context.Context, now time.Time, limit int) ([]uuid.UUID, error) {
	s.mu.Lock()
	var expired []model.Ticket
	for _, t := range s.tickets {
		if t.Status == model.TicketLocked && t.LockExpiresAt.Before(now) {
			expired = append(expired, t)
		}
	}
	s.mu.Unlock()
	sort.Slice(expired, func(i, j int) bool { return expired[i].LockExpiresAt.Before(expired[j].LockExpiresAt) })
	if limit > 0 && len(expired) > limit {
		expired = expired[:limit]
	}
	ids := make([]uuid.UUID, len(expired))
	for i, t := range expired {
		ids[i] = t.ID
	}
	return ids, nil
}

type writeKind int

const (
	writeInsert writeKind = iota
	writeUpdate
	writeDelete
)

// ticketWrite is a staged ticket mutation.  expected is the version the
// row must still have at commit time.
type ticketWrite struct {
	kind     writeKind
	ticket   model.Ticket
	expected int64
}

type memTx struct {
	s         *Store
	held      map[int64]*sync.Mutex
	inventory map[int64]model.SeatInventory
	base      map[int64]int64 // inventory version observed when the row was locked
	tickets   map[uuid.UUID]*ticketWrite
}

func (tx *memTx) release() {
	for id, m := range tx.held {
		m.Unlock()
		delete(tx.held, id)
	}
}

func (tx *memTx) LockInventory(_ context.Context, eventID int64) (*model.SeatInventory, error) {
	if staged, ok := tx.inventory[eventID]; ok {
		return &staged, nil
	}
	if _, ok := tx.held[eventID]; !ok {
		tx.s.mu.Lock()
		_, exists := tx.s.inventory[eventID]
		tx.s.mu.Unlock()
		if !exists {
			return nil, repository.ErrNotFound
		}
		m := tx.s.rowLock(eventID)
		if !m.TryLock() {
			return nil, repository.ErrContended
		}
		tx.held[eventID] = m
	}
	tx.s.mu.Lock()
	inv, ok := tx.s.inventory[eventID]
	tx.s.mu.Unlock()
	if !ok {
		return nil, repository.ErrNotFound
	}
	tx.base[eventID] = inv.Version
	return &inv, nil
}

func (tx *memTx) SaveInventory(_ context.Context, inv *model.SeatInventory) error {
	if _, ok := tx.held[inv.EventID]; !ok {
		return repository.ErrConflict
	}
	inv.Version++
	tx.inventory[inv.EventID] = *inv
	return nil
}

func (tx *memTx) CreateTicket(_ context.Context, t *model.Ticket) error {
	tx.tickets[t.ID] = &ticketWrite{kind: writeInsert, ticket: *t}
	return nil
}

// lookup returns the ticket as this transaction sees it.
func (tx *memTx) lookup(id uuid.UUID) (*model.Ticket, bool) {
	if w, ok := tx.tickets[id]; ok {
		if w.kind == writeDelete {
			return nil, false
		}
		t := w.ticket
		return &t, true
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	t, ok := tx.s.tickets[id]
	if !ok {
		return nil, false
	}
	return &t, true
}

func (tx *memTx) Ticket(_ context.Context, id uuid.UUID) (*model.Ticket, error) {
	t, ok := tx.lookup(id)
	if !ok {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (tx *memTx) TicketForUser(_ context.Context, id uuid.UUID, userID int64) (*model.Ticket, error) {
	t, ok := tx.lookup(id)
	if !ok || t.UserID != userID {
		return nil, repository.ErrNotFound
	}
	return t, nil
}

func (tx *memTx) TicketByIdempotencyKey(_ context.Context, key string) (*model.Ticket, error) {
	for _, w := range tx.tickets {
		if w.kind != writeDelete && w.ticket.IdempotencyKey != nil && *w.ticket.IdempotencyKey == key {
			t := w.ticket
			return &t, nil
		}
	}
	tx.s.mu.Lock()
	defer tx.s.mu.Unlock()
	for _, t := range tx.s.tickets {
		if t.IdempotencyKey != nil && *t.IdempotencyKey == key {
			if _, staged := tx.tickets[t.ID]; staged {
				continue
			}
			found := t
			return &found, nil
		}
	}
	return nil, repository.ErrNotFound
}

func (tx *memTx) UpdateTicket(_ context.Context, t *model.Ticket) error {
	expected := t.Version
	if w, ok := tx.tickets[t.ID]; ok {
		if w.kind == writeDelete || w.ticket.Version != expected {
			return repository.ErrConflict
		}
		t.Version++
		w.ticket = *t
		return nil
	}
	tx.s.mu.Lock()
	cur, ok := tx.s.tickets[t.ID]
	tx.s.mu.Unlock()
	if !ok || cur.Version != expected {
		return repository.ErrConflict
	}
	t.Version++
	tx.tickets[t.ID] = &ticketWrite{kind: writeUpdate, ticket: *t, expected: expected}
	return nil
}

func (tx *memTx) DeleteTicket(_ context.Context, t *model.Ticket) error {
	tx.tickets[t.ID] = &ticketWrite{kind: writeDelete, ticket: *t, expected: t.Version}
	return nil
}

// commit validates every staged write against the committed state and
// applies them together.
func (tx *memTx) commit() error {
	s := tx.s
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := make(map[string]uuid.UUID)
	for id, t := range s.tickets {
		if t.IdempotencyKey != nil {
			keys[*t.IdempotencyKey] = id
		}
	}
	for id, w := range tx.tickets {
		cur, exists := s.tickets[id]
		switch w.kind {
		case writeInsert:
			if exists {
				return repository.ErrDuplicate
			}
		case writeUpdate, writeDelete:
			if !exists || cur.Version != w.expected {
				return repository.ErrConflict
			}
		}
		if w.kind != writeDelete && w.ticket.IdempotencyKey != nil {
			if owner, taken := keys[*w.ticket.IdempotencyKey]; taken && owner != id {
				return repository.ErrDuplicate
			}
			keys[*w.ticket.IdempotencyKey] = id
		}
	}
	for eventID := range tx.inventory {
		if cur, ok := s.inventory[eventID]; !ok || cur.Version != tx.base[eventID] {
			return repository.ErrConflict
		}
	}

	for id, w := range tx.tickets {
		if w.kind == writeDelete {
			delete(s.tickets, id)
			continue
		}
		s.tickets[id] = w.ticket
	}
	for eventID, inv := range tx.inventory {
		s.inventory[eventID] = inv
	}
	return nil
}

var _ repository.Store = (*Store)(nil)
