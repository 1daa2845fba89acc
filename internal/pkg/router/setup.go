package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/ManuelReschke/PropDocs/app/controllers"
	"github.com/ManuelReschke/PropDocs/app/repository"
)

// Router registers one group of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Dependencies are the wired collaborators the routes need.
type Dependencies struct {
	Users   repository.UserRepository
	Billing *controllers.BillingController
	Admin   *controllers.AdminBillingController
	Account *controllers.AccountController
	// Redis backs the rate limiter; nil keeps limiter state in memory.
	Redis *redis.Client
}

func InstallRouter(app *fiber.App, deps Dependencies) {
	setup(app, NewApiRouter(deps), NewAdminRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
