package service

import (
	"context"
	"errors"
	"runtime"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository"
	"github.com/iliyamo/ticket-reservation/internal/repository/memstore"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fixedPricer struct {
	cents int64
	err   error
}

func (p fixedPricer) PriceForEvent(context.Context, int64) (int64, error) {
	return p.cents, p.err
}

type published struct {
	typ      string
	ticketID uuid.UUID
	eventID  int64
	userID   int64
	quantity int
	price    int64
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []published
	err    error
}

func (p *recordingPublisher) record(typ string, ticketID uuid.UUID, eventID, userID int64, quantity int, price int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.events = append(p.events, published{typ, ticketID, eventID, userID, quantity, price})
	return nil
}

func (p *recordingPublisher) PublishConfirmed(_ context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, price int64) error {
	return p.record("confirmed", ticketID, eventID, userID, quantity, price)
}

func (p *recordingPublisher) PublishCancelled(_ context.Context, ticketID uuid.UUID, eventID, userID int64, quantity int, price int64) error {
	return p.record("cancelled", ticketID, eventID, userID, quantity, price)
}

func (p *recordingPublisher) count(typ string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	n := 0
	for _, e := range p.events {
		if e.typ == typ {
			n++
		}
	}
	return n
}

type harness struct {
	store *memstore.Store
	clock *fakeClock
	pub   *recordingPublisher
	svc   *TicketService
}

const eventID int64 = 42

func newHarness(t *testing.T, seats int) *harness {
	t.Helper()
	h := &harness{
		store: memstore.New(),
		clock: &fakeClock{now: time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)},
		pub:   &recordingPublisher{},
	}
	h.svc = NewTicketService(h.store, fixedPricer{cents: 2500}, h.pub, Options{Now: h.clock.Now})
	if seats > 0 {
		_, err := h.svc.UpsertInventory(context.Background(), eventID, &seats, nil)
		require.NoError(t, err)
	}
	return h
}

func (h *harness) available(t *testing.T) int {
	t.Helper()
	av, err := h.svc.Availability(context.Background(), eventID)
	require.NoError(t, err)
	return av.AvailableSeats
}

func TestLockScenario(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	first, err := h.svc.Lock(ctx, eventID, 1, 7)
	require.NoError(t, err)
	assert.Equal(t, model.TicketLocked, first.Status)
	assert.Equal(t, int64(7*2500), first.PriceCents)
	assert.Equal(t, first.LockedAt.Add(10*time.Minute), first.LockExpiresAt)
	assert.Equal(t, 3, h.available(t))

	_, err = h.svc.Lock(ctx, eventID, 2, 5)
	require.ErrorIs(t, err, ErrInsufficientInventory)
	assert.Equal(t, 3, h.available(t))

	_, err = h.svc.Lock(ctx, eventID, 2, 3)
	require.NoError(t, err)
	assert.Equal(t, 0, h.available(t))
}

func TestLockValidation(t *testing.T) {
	h := newHarness(t, 0)

	_, err := h.svc.Lock(context.Background(), eventID, 1, 0)
	assert.ErrorIs(t, err, ErrInvalidQuantity)

	_, err = h.svc.Lock(context.Background(), eventID, 1, 1)
	assert.ErrorIs(t, err, ErrNoInventory)

	_, err = h.svc.Availability(context.Background(), eventID)
	assert.ErrorIs(t, err, ErrNoInventory)
}

func TestLockConcurrentNeverOversells(t *testing.T) {
	const total = 50
	h := newHarness(t, total)
	ctx := context.Background()

	var (
		wg       sync.WaitGroup
		mu       sync.Mutex
		admitted int
	)
	for i := 0; i < 80; i++ {
		wg.Add(1)
		go func(user int64, qty int) {
			defer wg.Done()
			for {
				_, err := h.svc.Lock(ctx, eventID, user, qty)
				switch {
				case err == nil:
					mu.Lock()
					admitted += qty
					mu.Unlock()
					return
				case errors.Is(err, ErrLockContended):
					runtime.Gosched()
				case errors.Is(err, ErrInsufficientInventory):
					return
				default:
					t.Errorf("unexpected error: %v", err)
					return
				}
			}
		}(int64(i+1), i%3+1)
	}
	wg.Wait()

	avail := h.available(t)
	assert.GreaterOrEqual(t, avail, 0)
	assert.LessOrEqual(t, admitted, total)
	assert.Equal(t, total-admitted, avail)
}

func TestLockContendedFailsFast(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()

	err := h.store.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.LockInventory(ctx, eventID)
		require.NoError(t, err)

		_, err = h.svc.Lock(ctx, eventID, 1, 1)
		assert.ErrorIs(t, err, ErrLockContended)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 10, h.available(t))
}

func TestLockPricingFailureLeavesNoState(t *testing.T) {
	h := newHarness(t, 10)
	svc := NewTicketService(h.store, fixedPricer{err: errors.New("timeout")}, h.pub, Options{Now: h.clock.Now})

	_, err := svc.Lock(context.Background(), eventID, 1, 4)
	require.ErrorIs(t, err, ErrPricingUnavailable)
	assert.Equal(t, 10, h.available(t))

	tickets, err := svc.ListForUser(context.Background(), 1)
	require.NoError(t, err)
	assert.Empty(t, tickets)
}

func TestConfirmIsIdempotent(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 2)
	require.NoError(t, err)

	first, err := h.svc.Confirm(ctx, locked.ID, 1, "k1")
	require.NoError(t, err)
	second, err := h.svc.Confirm(ctx, locked.ID, 1, "k1")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Equal(t, locked.ID, first.ID)
	assert.Equal(t, model.TicketConfirmed, first.Status)
	assert.Equal(t, locked.PriceCents, first.PriceCents)
	assert.Equal(t, 1, h.pub.count("confirmed"))
	assert.Equal(t, 8, h.available(t))

	ev := h.pub.events[0]
	assert.Equal(t, published{"confirmed", locked.ID, eventID, 1, 2, 5000}, ev)
}

func TestConfirmConcurrentSameKey(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)

	var wg sync.WaitGroup
	views := make([]model.TicketView, 8)
	errs := make([]error, 8)
	for i := range views {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			views[i], errs[i] = h.svc.Confirm(ctx, locked.ID, 1, "k1")
		}(i)
	}
	wg.Wait()

	for i := range views {
		require.NoError(t, errs[i])
		assert.Equal(t, model.TicketConfirmed, views[i].Status)
		assert.Equal(t, locked.ID, views[i].ID)
	}
	assert.Equal(t, 1, h.pub.count("confirmed"))
}

func TestConfirmErrors(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	a, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)
	b, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, a.ID, 1, "")
	assert.ErrorIs(t, err, ErrIdempotencyKeyRequired)

	_, err = h.svc.Confirm(ctx, uuid.New(), 1, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Another user's ticket is indistinguishable from a missing one.
	_, err = h.svc.Confirm(ctx, a.ID, 2, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Confirm(ctx, a.ID, 1, "k1")
	require.NoError(t, err)

	_, err = h.svc.Confirm(ctx, b.ID, 1, "k1")
	assert.ErrorIs(t, err, ErrIdempotencyKeyReused)
	_, err = h.svc.Confirm(ctx, a.ID, 2, "k1")
	assert.ErrorIs(t, err, ErrNotFound)

	_, err = h.svc.Confirm(ctx, a.ID, 1, "k2")
	assert.ErrorIs(t, err, ErrNotLocked)

	_, err = h.svc.Cancel(ctx, b.ID, 1)
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, b.ID, 1, "k3")
	assert.ErrorIs(t, err, ErrNotLocked)
}

func TestConfirmExpiredLockRestoresSeatsOnce(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 4)
	require.NoError(t, err)
	require.Equal(t, 6, h.available(t))

	h.clock.Advance(10*time.Minute + time.Second)

	_, err = h.svc.Confirm(ctx, locked.ID, 1, "k1")
	require.ErrorIs(t, err, ErrLockExpired)
	assert.Equal(t, 10, h.available(t))

	_, err = h.svc.Confirm(ctx, locked.ID, 1, "k1")
	assert.ErrorIs(t, err, ErrNotLocked)

	view, err := h.svc.Cancel(ctx, locked.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TicketExpired, view.Status)
	assert.Equal(t, 10, h.available(t))
	assert.Empty(t, h.pub.events)
}

func TestConfirmAtExactExpiryStillValid(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)

	h.clock.Advance(10 * time.Minute)
	view, err := h.svc.Confirm(ctx, locked.ID, 1, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.TicketConfirmed, view.Status)
}

func TestCancelRoundTrip(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 3)
	require.NoError(t, err)

	view, err := h.svc.Cancel(ctx, locked.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TicketCancelled, view.Status)
	assert.Equal(t, 10, h.available(t))

	again, err := h.svc.Cancel(ctx, locked.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TicketCancelled, again.Status)
	assert.Equal(t, 10, h.available(t))
	assert.Equal(t, 1, h.pub.count("cancelled"))

	_, err = h.svc.Cancel(ctx, locked.ID, 2)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCancelConfirmedTicket(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 2)
	require.NoError(t, err)
	_, err = h.svc.Confirm(ctx, locked.ID, 1, "k1")
	require.NoError(t, err)

	view, err := h.svc.Cancel(ctx, locked.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TicketCancelled, view.Status)
	assert.Equal(t, 10, h.available(t))
	assert.Equal(t, 1, h.pub.count("confirmed"))
	assert.Equal(t, 1, h.pub.count("cancelled"))
}

func TestPublishFailureDoesNotFailTransition(t *testing.T) {
	h := newHarness(t, 10)
	h.pub.err = errors.New("broker down")
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)

	view, err := h.svc.Confirm(ctx, locked.ID, 1, "k1")
	require.NoError(t, err)
	assert.Equal(t, model.TicketConfirmed, view.Status)

	view, err = h.svc.Cancel(ctx, locked.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, model.TicketCancelled, view.Status)
}

func TestAdminDeleteTicket(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	locked, err := h.svc.Lock(ctx, eventID, 1, 3)
	require.NoError(t, err)
	cancelled, err := h.svc.Lock(ctx, eventID, 1, 2)
	require.NoError(t, err)
	_, err = h.svc.Cancel(ctx, cancelled.ID, 1)
	require.NoError(t, err)
	require.Equal(t, 7, h.available(t))

	require.NoError(t, h.svc.AdminDeleteTicket(ctx, locked.ID))
	assert.Equal(t, 10, h.available(t))
	assert.ErrorIs(t, h.svc.AdminDeleteTicket(ctx, locked.ID), ErrNotFound)

	require.NoError(t, h.svc.AdminDeleteTicket(ctx, cancelled.ID))
	assert.Equal(t, 10, h.available(t))
	assert.Equal(t, 0, h.pub.count("confirmed"))
	assert.Equal(t, 1, h.pub.count("cancelled"))
}

func TestUpsertInventory(t *testing.T) {
	h := newHarness(t, 0)
	ctx := context.Background()
	intp := func(n int) *int { return &n }

	_, err := h.svc.UpsertInventory(ctx, eventID, nil, intp(5))
	assert.ErrorIs(t, err, ErrInvalidInventory)
	_, err = h.svc.UpsertInventory(ctx, eventID, nil, nil)
	assert.ErrorIs(t, err, ErrInvalidInventory)
	_, err = h.svc.UpsertInventory(ctx, eventID, intp(-1), nil)
	assert.ErrorIs(t, err, ErrInvalidInventory)

	inv, err := h.svc.UpsertInventory(ctx, eventID, intp(10), nil)
	require.NoError(t, err)
	assert.Equal(t, 10, inv.AvailableSeats)
	assert.Equal(t, int64(1), inv.Version)

	_, err = h.svc.Lock(ctx, eventID, 1, 3)
	require.NoError(t, err)

	inv, err = h.svc.UpsertInventory(ctx, eventID, intp(20), nil)
	require.NoError(t, err)
	assert.Equal(t, 20, inv.TotalSeats)
	assert.Equal(t, 17, inv.AvailableSeats)

	inv, err = h.svc.UpsertInventory(ctx, eventID, intp(2), nil)
	require.NoError(t, err)
	assert.Equal(t, 2, inv.TotalSeats)
	assert.Equal(t, 0, inv.AvailableSeats)

	_, err = h.svc.UpsertInventory(ctx, eventID, nil, intp(3))
	assert.ErrorIs(t, err, ErrInvalidInventory)

	inv, err = h.svc.UpsertInventory(ctx, eventID, intp(8), intp(8))
	require.NoError(t, err)
	assert.Equal(t, 8, inv.AvailableSeats)

	got, err := h.svc.Inventory(ctx, eventID)
	require.NoError(t, err)
	assert.Equal(t, inv, got)
}

func TestSweepExpired(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	a, err := h.svc.Lock(ctx, eventID, 1, 2)
	require.NoError(t, err)
	_, err = h.svc.Lock(ctx, eventID, 2, 3)
	require.NoError(t, err)
	h.clock.Advance(5 * time.Minute)
	fresh, err := h.svc.Lock(ctx, eventID, 3, 1)
	require.NoError(t, err)
	require.Equal(t, 4, h.available(t))

	h.clock.Advance(6 * time.Minute)
	n, err := h.svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 9, h.available(t))

	_, err = h.svc.Confirm(ctx, a.ID, 1, "k1")
	assert.ErrorIs(t, err, ErrNotLocked)
	_, err = h.svc.Confirm(ctx, fresh.ID, 3, "k2")
	assert.NoError(t, err)

	n, err = h.svc.SweepExpired(ctx, 100)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestSweepSkipsContendedRows(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	_, err := h.svc.Lock(ctx, eventID, 1, 2)
	require.NoError(t, err)
	h.clock.Advance(11 * time.Minute)

	err = h.store.WithTx(ctx, func(tx repository.Tx) error {
		_, err := tx.LockInventory(ctx, eventID)
		require.NoError(t, err)
		n, err := h.svc.SweepExpired(ctx, 10)
		assert.NoError(t, err)
		assert.Zero(t, n)
		return nil
	})
	require.NoError(t, err)

	n, err := h.svc.SweepExpired(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 10, h.available(t))
}

func TestListForUserNewestFirst(t *testing.T) {
	h := newHarness(t, 10)
	ctx := context.Background()
	first, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)
	h.clock.Advance(time.Second)
	second, err := h.svc.Lock(ctx, eventID, 1, 1)
	require.NoError(t, err)
	_, err = h.svc.Lock(ctx, eventID, 2, 1)
	require.NoError(t, err)

	views, err := h.svc.ListForUser(ctx, 1)
	require.NoError(t, err)
	require.Len(t, views, 2)
	assert.Equal(t, second.ID, views[0].ID)
	assert.Equal(t, first.ID, views[1].ID)
}

func TestRunExpirySweeperStops(t *testing.T) {
	h := newHarness(t, 10)
	_, err := h.svc.Lock(context.Background(), eventID, 1, 2)
	require.NoError(t, err)
	h.clock.Advance(time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		h.svc.RunExpirySweeper(ctx, 5*time.Millisecond, 10)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		av, err := h.svc.Availability(context.Background(), eventID)
		return err == nil && av.AvailableSeats == 10
	}, time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("sweeper did not stop")
	}
}
