package router

import (
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/ManuelReschke/PropDocs/app/controllers"
	"github.com/ManuelReschke/PropDocs/internal/pkg/middleware"
	"github.com/ManuelReschke/PropDocs/internal/pkg/usercontext"
)

type ApiRouter struct {
	deps Dependencies
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	api := app.Group("/api")
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")
	v1.Get("/ping", func(ctx *fiber.Ctx) error {
		return ctx.JSON(fiber.Map{"message": "pong"})
	})

	// Provider deliveries carry their own authentication and are never rate limited.
	v1.Post("/billing/webhook", h.deps.Billing.HandleWebhook)

	authed := v1.Group("", middleware.APIKeyAuthMiddleware(h.deps.Users), middleware.RequireUser)
	authed.Get("/account", h.deps.Account.HandleGetUserAccount)
	authed.Get("/billing/entitlement", h.deps.Billing.HandleGetEntitlement)

	// Both endpoints call the provider or consume codes; keep them cheap to abuse.
	strict := newLimiter(h.deps, 10, time.Minute)
	authed.Post("/billing/resync", strict, h.deps.Billing.HandleResync)
	authed.Post("/billing/redeem", strict, h.deps.Billing.HandleRedeem)
}

func NewApiRouter(deps Dependencies) *ApiRouter {
	return &ApiRouter{deps: deps}
}

// newLimiter keys on the authenticated user, falling back to the client address.
func newLimiter(deps Dependencies, max int, window time.Duration) fiber.Handler {
	cfg := limiter.Config{
		Max:        max,
		Expiration: window,
		KeyGenerator: func(c *fiber.Ctx) string {
			if id := usercontext.GetUserID(c); id > 0 {
				return "user:" + strconv.FormatUint(uint64(id), 10)
			}
			return "ip:" + controllers.ClientIP(c)
		},
		LimitReached: func(c *fiber.Ctx) error {
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":   "rate_limited",
				"message": "too many requests, slow down",
			})
		},
	}
	if deps.Redis != nil {
		cfg.Storage = newRedisStorage(deps.Redis)
	}
	return limiter.New(cfg)
}
