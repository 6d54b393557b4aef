package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/service"
)

// apiError is the status and machine-readable code for a service error.
type apiError struct {
	status int
	code   string
}

var serviceErrors = []struct {
	err error
	apiError
}{
	{service.ErrInvalidQuantity, apiError{http.StatusBadRequest, "invalid_request"}},
	{service.ErrInvalidInventory, apiError{http.StatusBadRequest, "invalid_request"}},
	{service.ErrIdempotencyKeyRequired, apiError{http.StatusBadRequest, "idempotency_key_required"}},
	{service.ErrNotFound, apiError{http.StatusNotFound, "not_found"}},
	{service.ErrNoInventory, apiError{http.StatusNotFound, "no_inventory"}},
	{service.ErrInsufficientInventory, apiError{http.StatusConflict, "insufficient_inventory"}},
	{service.ErrNotLocked, apiError{http.StatusConflict, "not_locked"}},
	{service.ErrConflict, apiError{http.StatusConflict, "conflict"}},
	{service.ErrIdempotencyKeyReused, apiError{http.StatusConflict, "idempotency_key_reused"}},
	{service.ErrLockExpired, apiError{http.StatusGone, "lock_expired"}},
	{service.ErrLockContended, apiError{http.StatusLocked, "lock_contended"}},
	{service.ErrPricingUnavailable, apiError{http.StatusBadGateway, "pricing_unavailable"}},
}

// writeError maps err onto a JSON error response.  Unknown errors are
// logged and reported as 500 without detail.
func writeError(c echo.Context, log *slog.Logger, err error) error {
	for _, se := range serviceErrors {
		if errors.Is(err, se.err) {
			if se.status == http.StatusLocked {
				c.Response().Header().Set("Retry-After", "1")
			}
			// Upstream pricing detail stays in the log.
			msg := err.Error()
			if se.status == http.StatusBadGateway {
				log.Warn("pricing lookup failed", "path", c.Path(), "error", err)
				msg = se.err.Error()
			}
			return c.JSON(se.status, echo.Map{"error": se.code, "message": msg})
		}
	}
	log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "error", err)
	return c.JSON(http.StatusInternalServerError, echo.Map{"error": "internal_error", "message": "internal server error"})
}

func badRequest(c echo.Context, msg string) error {
	return c.JSON(http.StatusBadRequest, echo.Map{"error": "invalid_request", "message": msg})
}
