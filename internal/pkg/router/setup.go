package router

import (
	"github.com/gofiber/fiber/v2"

	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/billing"
	"github.com/beastdl/beastdl/internal/pkg/dispatcher"
)

// Router installs a set of routes on the app.
type Router interface {
	InstallRouter(app *fiber.App)
}

// Deps carries the initialized collaborators the routes need.
type Deps struct {
	Repos      *repository.Repositories
	Dispatcher *dispatcher.Dispatcher
	Billing    *billing.Service
	// ServiceKey authenticates the bot front-end; CallbackSecret
	// authenticates payment provider callbacks.
	ServiceKey     string
	CallbackSecret string
}

// InstallRouter wires all routes. The HTTP router goes first so health
// endpoints stay outside the authenticated API group.
func InstallRouter(app *fiber.App, deps Deps) {
	setup(app, NewHttpRouter(), NewApiRouter(deps))
}

func setup(app *fiber.App, router ...Router) {
	for _, r := range router {
		r.InstallRouter(app)
	}
}
