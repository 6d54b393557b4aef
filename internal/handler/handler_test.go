package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iliyamo/ticket-reservation/internal/middleware"
	"github.com/iliyamo/ticket-reservation/internal/model"
	"github.com/iliyamo/ticket-reservation/internal/repository/memstore"
	"github.com/iliyamo/ticket-reservation/internal/service"
)

type stubPricer struct{ err error }

func (p stubPricer) PriceForEvent(context.Context, int64) (int64, error) {
	return 1999, p.err
}

type testServer struct {
	e     *echo.Echo
	svc   *service.TicketService
	clock time.Time
}

func newTestServer(t *testing.T, pricer stubPricer) *testServer {
	t.Helper()
	ts := &testServer{clock: time.Date(2026, 6, 1, 9, 0, 0, 0, time.UTC)}
	ts.svc = service.NewTicketService(memstore.New(), pricer, nil, service.Options{
		Now: func() time.Time { return ts.clock },
	})
	tickets := NewTicketHandler(ts.svc, nil)
	admin := NewAdminHandler(ts.svc, nil)

	e := echo.New()
	e.Validator = NewValidator()
	e.GET("/v1/events/:eventId/availability", tickets.Availability)
	g := e.Group("/v1", middleware.GatewayIdentity())
	g.POST("/tickets/lock", tickets.Lock)
	g.POST("/tickets/:id/confirm", tickets.Confirm)
	g.POST("/tickets/:id/cancel", tickets.Cancel)
	g.GET("/tickets/me", tickets.Mine)
	a := g.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	a.GET("/inventory/:eventId", admin.GetInventory)
	a.PUT("/inventory/:eventId", admin.UpsertInventory)
	a.DELETE("/tickets/:id", admin.DeleteTicket)
	ts.e = e
	return ts
}

type call struct {
	method string
	path   string
	body   string
	user   string
	role   string
	header map[string]string
}

func (ts *testServer) do(t *testing.T, c call) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(c.method, c.path, strings.NewReader(c.body))
	if c.body != "" {
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	}
	if c.user != "" {
		req.Header.Set(middleware.HeaderUserID, c.user)
	}
	if c.role != "" {
		req.Header.Set(middleware.HeaderUserRole, c.role)
	}
	for k, v := range c.header {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	ts.e.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	return decode[map[string]any](t, rec)["error"].(string)
}

func (ts *testServer) seed(t *testing.T, total int) {
	t.Helper()
	rec := ts.do(t, call{method: http.MethodPut, path: "/v1/admin/inventory/7", body: `{"total_seats":` + strconv.Itoa(total) + `}`, user: "1", role: "ADMIN"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestLockConfirmFlow(t *testing.T) {
	ts := newTestServer(t, stubPricer{})
	ts.seed(t, 10)

	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":3}`, user: "5"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	locked := decode[model.TicketView](t, rec)
	assert.Equal(t, model.TicketLocked, locked.Status)
	assert.Equal(t, int64(3*1999), locked.PriceCents)
	assert.Equal(t, int64(5), locked.UserID)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/events/7/availability"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"event_id":7,"total_seats":10,"available_seats":7}`, rec.Body.String())

	confirmPath := "/v1/tickets/" + locked.ID.String() + "/confirm"
	first := ts.do(t, call{method: http.MethodPost, path: confirmPath, body: `{"idempotency_key":"k1"}`, user: "5"})
	require.Equal(t, http.StatusOK, first.Code, first.Body.String())
	second := ts.do(t, call{method: http.MethodPost, path: confirmPath, user: "5", header: map[string]string{HeaderIdempotencyKey: "k1"}})
	require.Equal(t, http.StatusOK, second.Code, second.Body.String())
	assert.JSONEq(t, first.Body.String(), second.Body.String())
	assert.Equal(t, model.TicketConfirmed, decode[model.TicketView](t, second).Status)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/tickets/me", user: "5"})
	require.Equal(t, http.StatusOK, rec.Code)
	mine := decode[struct {
		Tickets []model.TicketView `json:"tickets"`
	}](t, rec)
	require.Len(t, mine.Tickets, 1)
	assert.Equal(t, locked.ID, mine.Tickets[0].ID)
}

func TestLockErrors(t *testing.T) {
	ts := newTestServer(t, stubPricer{})

	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":1}`})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":1}`, user: "5"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "no_inventory", errorCode(t, rec))

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":0}`, user: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "quantity must be at least 1")

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"quantity":1}`, user: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "event_id is required")

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":`, user: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.seed(t, 2)
	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":3}`, user: "5"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "insufficient_inventory", errorCode(t, rec))
}

func TestLockPricingUnavailable(t *testing.T) {
	ts := newTestServer(t, stubPricer{err: errors.New("dial tcp: refused")})
	ts.seed(t, 5)

	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":1}`, user: "5"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.Equal(t, "pricing_unavailable", errorCode(t, rec))
	assert.NotContains(t, rec.Body.String(), "refused")

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/events/7/availability"})
	assert.JSONEq(t, `{"event_id":7,"total_seats":5,"available_seats":5}`, rec.Body.String())
}

func TestConfirmErrors(t *testing.T) {
	ts := newTestServer(t, stubPricer{})
	ts.seed(t, 10)
	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":2}`, user: "5"})
	require.Equal(t, http.StatusCreated, rec.Code)
	locked := decode[model.TicketView](t, rec)
	path := "/v1/tickets/" + locked.ID.String() + "/confirm"

	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/not-a-uuid/confirm", body: `{"idempotency_key":"k"}`, user: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, call{method: http.MethodPost, path: path, user: "5"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "idempotency_key_required", errorCode(t, rec))

	rec = ts.do(t, call{method: http.MethodPost, path: path, body: `{"idempotency_key":"k"}`, user: "6"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	ts.clock = ts.clock.Add(11 * time.Minute)
	rec = ts.do(t, call{method: http.MethodPost, path: path, body: `{"idempotency_key":"k"}`, user: "5"})
	assert.Equal(t, http.StatusGone, rec.Code)
	assert.Equal(t, "lock_expired", errorCode(t, rec))

	rec = ts.do(t, call{method: http.MethodPost, path: path, body: `{"idempotency_key":"k"}`, user: "5"})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "not_locked", errorCode(t, rec))

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/events/7/availability"})
	assert.JSONEq(t, `{"event_id":7,"total_seats":10,"available_seats":10}`, rec.Body.String())
}

func TestCancel(t *testing.T) {
	ts := newTestServer(t, stubPricer{})
	ts.seed(t, 10)
	rec := ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":4}`, user: "5"})
	require.Equal(t, http.StatusCreated, rec.Code)
	locked := decode[model.TicketView](t, rec)
	path := "/v1/tickets/" + locked.ID.String() + "/cancel"

	rec = ts.do(t, call{method: http.MethodPost, path: path, user: "6"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	for i := 0; i < 2; i++ {
		rec = ts.do(t, call{method: http.MethodPost, path: path, user: "5"})
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, model.TicketCancelled, decode[model.TicketView](t, rec).Status)
	}
	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/events/7/availability"})
	assert.JSONEq(t, `{"event_id":7,"total_seats":10,"available_seats":10}`, rec.Body.String())
}

func TestAdminRoutes(t *testing.T) {
	ts := newTestServer(t, stubPricer{})

	rec := ts.do(t, call{method: http.MethodPut, path: "/v1/admin/inventory/7", body: `{"total_seats":10}`, user: "1"})
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/admin/inventory/7", user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = ts.do(t, call{method: http.MethodPut, path: "/v1/admin/inventory/7", body: `{}`, user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, call{method: http.MethodPut, path: "/v1/admin/inventory/7", body: `{"total_seats":-1}`, user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	ts.seed(t, 10)
	rec = ts.do(t, call{method: http.MethodPost, path: "/v1/tickets/lock", body: `{"event_id":7,"quantity":4}`, user: "5"})
	require.Equal(t, http.StatusCreated, rec.Code)
	locked := decode[model.TicketView](t, rec)

	rec = ts.do(t, call{method: http.MethodPut, path: "/v1/admin/inventory/7", body: `{"total_seats":12}`, user: "1", role: "ADMIN"})
	require.Equal(t, http.StatusOK, rec.Code)
	inv := decode[model.InventoryView](t, rec)
	assert.Equal(t, 12, inv.TotalSeats)
	assert.Equal(t, 8, inv.AvailableSeats)

	rec = ts.do(t, call{method: http.MethodPut, path: "/v1/admin/inventory/7", body: `{"available_seats":13}`, user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, call{method: http.MethodDelete, path: "/v1/admin/tickets/" + locked.ID.String(), user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusNoContent, rec.Code)
	rec = ts.do(t, call{method: http.MethodDelete, path: "/v1/admin/tickets/" + locked.ID.String(), user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	rec = ts.do(t, call{method: http.MethodDelete, path: "/v1/admin/tickets/" + uuid.NewString()[:8], user: "1", role: "ADMIN"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = ts.do(t, call{method: http.MethodGet, path: "/v1/admin/inventory/7", user: "1", role: "ADMIN"})
	require.Equal(t, http.StatusOK, rec.Code)
	inv = decode[model.InventoryView](t, rec)
	assert.Equal(t, 12, inv.AvailableSeats)
}

func TestWriteErrorContended(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodPost, "/", nil), rec)

	require.NoError(t, writeError(c, slog.Default(), service.ErrLockContended))
	assert.Equal(t, http.StatusLocked, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("Retry-After"))
	assert.Equal(t, "lock_contended", errorCode(t, rec))
}

func TestWriteErrorUnknown(t *testing.T) {
	e := echo.New()
	rec := httptest.NewRecorder()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), rec)

	require.NoError(t, writeError(c, slog.Default(), errors.New("db exploded")))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.NotContains(t, rec.Body.String(), "exploded")
}

func TestHealth(t *testing.T) {
	e := echo.New()
	e.GET("/ok", Health(nil))
	e.GET("/down", Health(func(context.Context) error { return errors.New("no db") }))

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/ok", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/down", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}
