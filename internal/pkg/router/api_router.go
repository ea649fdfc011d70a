package router

import (
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/limiter"

	"github.com/beastdl/beastdl/app/controllers"
	"github.com/beastdl/beastdl/internal/pkg/constants"
	"github.com/beastdl/beastdl/internal/pkg/middleware"
)

type ApiRouter struct {
	deps Deps
}

func (h ApiRouter) InstallRouter(app *fiber.App) {
	controllers.InitializeDownloadController(h.deps.Dispatcher, h.deps.Repos.Jobs)
	controllers.InitializePaymentController(h.deps.Billing, h.deps.CallbackSecret)

	api := app.Group("/api", limiter.New())
	api.Get("/", func(ctx *fiber.Ctx) error {
		return ctx.Status(fiber.StatusOK).JSON(fiber.Map{
			"message": "Hello from api",
		})
	})

	v1 := api.Group("/v1")

	// The provider callback authenticates by payload signature, not by
	// service key, so it sits outside the authenticated group.
	v1.Post(constants.APIPaymentsCallbackRoute, controllers.HandlePaymentCallback)

	auth := middleware.ServiceKeyAuthMiddleware(h.deps.Repos.Users, h.deps.ServiceKey)
	v1.Post(constants.APIDownloadsRoute, auth, controllers.HandleCreateDownload)
	v1.Get(constants.APIDownloadsRoute, auth, controllers.HandleListDownloads)
	v1.Get(constants.APIDownloadRoute, auth, controllers.HandleGetDownload)
	v1.Delete(constants.APIDownloadRoute, auth, controllers.HandleCancelDownload)
	v1.Post(constants.APIPaymentsRoute, auth, controllers.HandleCreatePayment)
}

func NewApiRouter(deps Deps) *ApiRouter {
	return &ApiRouter{deps: deps}
}
