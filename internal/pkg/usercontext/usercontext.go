package usercontext

import "github.com/gofiber/fiber/v2"

const localsKey = "USER_CONTEXT"

// UserContext represents the resolved end user for a request. The bot
// front-end authenticates with a service key and names the end user by
// chat ID; the middleware resolves that to a user row.
type UserContext struct {
	UserID          uint   `json:"user_id"`
	ChatID          int64  `json:"chat_id"`
	Username        string `json:"username"`
	IsAuthenticated bool   `json:"is_authenticated"`
	IsAdmin         bool   `json:"is_admin"`
	Plan            string `json:"plan"`
}

// Set stores the user context on the fiber context.
func Set(c *fiber.Ctx, ctx UserContext) {
	c.Locals(localsKey, ctx)
}

// GetUserContext retrieves the user context from the fiber context.
// Returns an anonymous context if none is set.
func GetUserContext(c *fiber.Ctx) UserContext {
	if ctx := c.Locals(localsKey); ctx != nil {
		return ctx.(UserContext)
	}
	return UserContext{IsAuthenticated: false}
}

// GetUserID returns the current user's ID, or 0 if not authenticated.
func GetUserID(c *fiber.Ctx) uint {
	return GetUserContext(c).UserID
}
