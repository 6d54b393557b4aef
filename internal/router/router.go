// Package router registers the HTTP routes of the ticket service.
package router

import (
	"github.com/labstack/echo/v4"

	"github.com/iliyamo/ticket-reservation/internal/handler"
	"github.com/iliyamo/ticket-reservation/internal/middleware"
)

// Deps are the handlers and middleware the routes are built from.
// RateLimit may be nil.
type Deps struct {
	Tickets   *handler.TicketHandler
	Admin     *handler.AdminHandler
	Health    echo.HandlerFunc
	JWTSecret string
	RateLimit echo.MiddlewareFunc
}

// RegisterRoutes registers every route on e.
//
//	GET    /healthz
//	GET    /v1/events/:eventId/availability   public
//	POST   /v1/tickets/lock                   user, rate limited
//	POST   /v1/tickets/:id/confirm            user, rate limited
//	POST   /v1/tickets/:id/cancel             user, rate limited
//	GET    /v1/tickets/me                     user
//	GET    /v1/admin/inventory/:eventId       ADMIN
//	PUT    /v1/admin/inventory/:eventId       ADMIN
//	DELETE /v1/admin/tickets/:id              ADMIN
func RegisterRoutes(e *echo.Echo, d Deps) {
	e.GET("/healthz", d.Health)
	e.GET("/v1/events/:eventId/availability", d.Tickets.Availability)

	auth := e.Group("/v1", middleware.Identity(d.JWTSecret))

	writes := []echo.MiddlewareFunc{}
	if d.RateLimit != nil {
		writes = append(writes, d.RateLimit)
	}
	tickets := auth.Group("/tickets")
	tickets.POST("/lock", d.Tickets.Lock, writes...)
	tickets.POST("/:id/confirm", d.Tickets.Confirm, writes...)
	tickets.POST("/:id/cancel", d.Tickets.Cancel, writes...)
	tickets.GET("/me", d.Tickets.Mine)

	admin := auth.Group("/admin", middleware.RequireRole(middleware.RoleAdmin))
	admin.GET("/inventory/:eventId", d.Admin.GetInventory)
	admin.PUT("/inventory/:eventId", d.Admin.UpsertInventory)
	admin.DELETE("/tickets/:id", d.Admin.DeleteTicket)
}
