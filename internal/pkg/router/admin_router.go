package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/ManuelReschke/PropDocs/internal/pkg/middleware"
)

type AdminRouter struct {
	deps Dependencies
}

func (h AdminRouter) InstallRouter(app *fiber.App) {
	admin := app.Group("/api/v1/admin", middleware.APIKeyAuthMiddleware(h.deps.Users), middleware.RequireAdmin)

	// Ledger operator tools
	admin.Get("/billing/events/stuck", h.deps.Admin.HandleStuckEvents)
	admin.Post("/billing/events/:id/replay", h.deps.Admin.HandleReplay)
	admin.Post("/billing/resync-all", h.deps.Admin.HandleResyncAll)
	admin.Post("/billing/codes", h.deps.Admin.HandleCreateCodes)
	admin.Get("/billing/webhook-stats", h.deps.Admin.HandleWebhookStats)

	// Queue monitor
	admin.Get("/queue", h.deps.Admin.HandleQueueStats)
}

func NewAdminRouter(deps Dependencies) *AdminRouter {
	return &AdminRouter{deps: deps}
}
