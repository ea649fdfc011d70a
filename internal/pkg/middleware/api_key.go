package middleware

import (
	"crypto/subtle"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/log"

	"github.com/beastdl/beastdl/app/models"
	"github.com/beastdl/beastdl/app/repository"
	"github.com/beastdl/beastdl/internal/pkg/entitlements"
	"github.com/beastdl/beastdl/internal/pkg/usercontext"
)

// ServiceKeyAuthMiddleware authenticates the bot front-end by shared service
// key and resolves the end user from the X-Chat-ID header. Unknown chat IDs
// are registered on first contact.
func ServiceKeyAuthMiddleware(users repository.UserRepository, serviceKey string) fiber.Handler {
	return func(c *fiber.Ctx) error {
		key := extractAPIKeyFromHeader(c)
		if key == "" {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Missing API key"})
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(serviceKey)) != 1 {
			return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{"error": "unauthorized", "message": "Invalid API key"})
		}

		chatID, err := strconv.ParseInt(strings.TrimSpace(c.Get("X-Chat-ID")), 10, 64)
		if err != nil || chatID == 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "bad_request", "message": "Missing or invalid X-Chat-ID header"})
		}

		user, err := users.GetOrCreateByChatID(c.Context(), chatID, strings.TrimSpace(c.Get("X-Chat-Username")))
		if err != nil {
			log.Errorf("[Middleware] Could not resolve chat %d: %v", chatID, err)
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{"error": "internal_server_error", "message": "User lookup failed"})
		}

		if user.Status != models.STATUS_ACTIVE {
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{"error": "forbidden", "message": "User inactive"})
		}

		usercontext.Set(c, usercontext.UserContext{
			UserID:          user.ID,
			ChatID:          user.ChatID,
			Username:        user.Username,
			IsAuthenticated: true,
			IsAdmin:         user.IsAdmin,
			Plan:            string(entitlements.NormalizePlan(user.Plan)),
		})

		return c.Next()
	}
}

func extractAPIKeyFromHeader(c *fiber.Ctx) string {
	apiKey := strings.TrimSpace(c.Get("X-API-Key"))
	if apiKey != "" {
		return apiKey
	}
	auth := strings.TrimSpace(c.Get("Authorization"))
	if strings.HasPrefix(strings.ToLower(auth), "bearer ") {
		return strings.TrimSpace(auth[7:])
	}
	return ""
}
