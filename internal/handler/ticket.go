package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/middleware"
	"github.com/iliyamo/ticket-reservation/internal/model"
)

// Reservations is the part of the reservation engine the ticket routes use.
type Reservations interface {
	Lock(ctx context.Context, eventID, userID int64, quantity int) (model.TicketView, error)
	Confirm(ctx context.Context, ticketID uuid.UUID, userID int64, key string) (model.TicketView, error)
	Cancel(ctx context.Context, ticketID uuid.UUID, userID int64) (model.TicketView, error)
	Availability(ctx context.Context, eventID int64) (model.AvailabilityView, error)
	ListForUser(ctx context.Context, userID int64) ([]model.TicketView, error)
}

// TicketHandler serves the customer-facing ticket routes.  All routes but
// Availability expect the identity middleware to have run.
type TicketHandler struct {
	svc Reservations
	log *slog.Logger
}

func NewTicketHandler(svc Reservations, log *slog.Logger) *TicketHandler {
	if log == nil {
		log = slog.Default()
	}
	return &TicketHandler{svc: svc, log: log}
}

// HeaderIdempotencyKey may carry the confirm key instead of the body.
const HeaderIdempotencyKey = "Idempotency-Key"

type lockRequest struct {
	EventID  int64 `json:"event_id" validate:"required,gt=0"`
	Quantity int   `json:"quantity" validate:"gte=1"`
}

type confirmRequest struct {
	IdempotencyKey string `json:"idempotency_key" validate:"max=128"`
}

// Availability handles GET /v1/events/:eventId/availability.
func (h *TicketHandler) Availability(c echo.Context) error {
	eventID, ok := eventIDParam(c)
	if !ok {
		return badRequest(c, "invalid event id")
	}
	av, err := h.svc.Availability(c.Request().Context(), eventID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, av)
}

// Lock handles POST /v1/tickets/lock.  On success it returns 201 with the
// LOCKED ticket and its lock expiry.
func (h *TicketHandler) Lock(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing user identity"})
	}
	var req lockRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}
	view, err := h.svc.Lock(c.Request().Context(), req.EventID, userID, req.Quantity)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusCreated, view)
}

// Confirm handles POST /v1/tickets/:id/confirm.  The idempotency key comes
// from the body or the Idempotency-Key header; the body wins when both are
// present.
func (h *TicketHandler) Confirm(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing user identity"})
	}
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid ticket id")
	}
	var req confirmRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = c.Request().Header.Get(HeaderIdempotencyKey)
	}
	req.IdempotencyKey = strings.TrimSpace(req.IdempotencyKey)
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}
	view, err := h.svc.Confirm(c.Request().Context(), ticketID, userID, req.IdempotencyKey)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Cancel handles POST /v1/tickets/:id/cancel.
func (h *TicketHandler) Cancel(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing user identity"})
	}
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid ticket id")
	}
	view, err := h.svc.Cancel(c.Request().Context(), ticketID, userID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, view)
}

// Mine handles GET /v1/tickets/me.
func (h *TicketHandler) Mine(c echo.Context) error {
	userID, ok := middleware.UserID(c)
	if !ok {
		return c.JSON(http.StatusUnauthorized, echo.Map{"error": "unauthorized", "message": "missing user identity"})
	}
	views, err := h.svc.ListForUser(c.Request().Context(), userID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, echo.Map{"tickets": views})
}

func eventIDParam(c echo.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("eventId"), 10, 64)
	return id, err == nil && id > 0
}
