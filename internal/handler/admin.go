package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/model"
)

// InventoryAdmin is the part of the reservation engine the admin routes use.
type InventoryAdmin interface {
	Inventory(ctx context.Context, eventID int64) (model.InventoryView, error)
	UpsertInventory(ctx context.Context, eventID int64, total, available *int) (model.InventoryView, error)
	AdminDeleteTicket(ctx context.Context, ticketID uuid.UUID) error
}

// AdminHandler serves operator routes.  The router guards them with the
// ADMIN role.
type AdminHandler struct {
	svc InventoryAdmin
	log *slog.Logger
}

func NewAdminHandler(svc InventoryAdmin, log *slog.Logger) *AdminHandler {
	if log == nil {
		log = slog.Default()
	}
	return &AdminHandler{svc: svc, log: log}
}

type upsertInventoryRequest struct {
	TotalSeats     *int `json:"total_seats" validate:"omitempty,gte=0"`
	AvailableSeats *int `json:"available_seats" validate:"omitempty,gte=0"`
}

// GetInventory handles GET /v1/admin/inventory/:eventId.
func (h *AdminHandler) GetInventory(c echo.Context) error {
	eventID, ok := eventIDParam(c)
	if !ok {
		return badRequest(c, "invalid event id")
	}
	inv, err := h.svc.Inventory(c.Request().Context(), eventID)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, inv)
}

// UpsertInventory handles PUT /v1/admin/inventory/:eventId.  Omitted
// fields keep their current value; changing only total_seats moves
// available_seats by the same amount.
func (h *AdminHandler) UpsertInventory(c echo.Context) error {
	eventID, ok := eventIDParam(c)
	if !ok {
		return badRequest(c, "invalid event id")
	}
	var req upsertInventoryRequest
	if err := c.Bind(&req); err != nil {
		return badRequest(c, "invalid request body")
	}
	if err := c.Validate(&req); err != nil {
		return badRequest(c, err.Error())
	}
	if req.TotalSeats == nil && req.AvailableSeats == nil {
		return badRequest(c, "total_seats or available_seats is required")
	}
	inv, err := h.svc.UpsertInventory(c.Request().Context(), eventID, req.TotalSeats, req.AvailableSeats)
	if err != nil {
		return writeError(c, h.log, err)
	}
	return c.JSON(http.StatusOK, inv)
}

// DeleteTicket handles DELETE /v1/admin/tickets/:id.  It returns 204.
func (h *AdminHandler) DeleteTicket(c echo.Context) error {
	ticketID, err := uuid.Parse(c.Param("id"))
	if err != nil {
		return badRequest(c, "invalid ticket id")
	}
	if err := h.svc.AdminDeleteTicket(c.Request().Context(), ticketID); err != nil {
		return writeError(c, h.log, err)
	}
	return c.NoContent(http.StatusNoContent)
}
