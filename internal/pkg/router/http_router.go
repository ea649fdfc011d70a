package router

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"

	"github.com/beastdl/beastdl/internal/pkg/cache"
	"github.com/beastdl/beastdl/internal/pkg/constants"
	"github.com/beastdl/beastdl/internal/pkg/database"
)

type HttpRouter struct {
}

func (h HttpRouter) InstallRouter(app *fiber.App) {
	app.Get(constants.HealthRoute, handleHealth)
}

func NewHttpRouter() *HttpRouter {
	return &HttpRouter{}
}

func handleHealth(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(c.Context(), 2*time.Second)
	defer cancel()

	dbStatus := "ok"
	if db := database.GetDB(); db == nil {
		dbStatus = "unavailable"
	} else if sqlDB, err := db.DB(); err != nil || sqlDB.PingContext(ctx) != nil {
		dbStatus = "unavailable"
	}

	redisStatus := "ok"
	if err := cache.GetClient().Ping(ctx).Err(); err != nil {
		redisStatus = "unavailable"
	}

	status := fiber.StatusOK
	if dbStatus != "ok" || redisStatus != "ok" {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"database": dbStatus,
		"redis":    redisStatus,
	})
}
