package controllers

import (
	"errors"

	"github.com/Jalez/ui-designer-sub003/internal/pkg/credits"
	"github.com/Jalez/ui-designer-sub003/internal/pkg/env"
	fiberlog "github.com/gofiber/fiber/v2/log"

	"github.com/gofiber/fiber/v2"
	"gorm.io/gorm"
)

// Shared session keys used across controllers and middlewares.
const (
	AUTH_KEY       string = "authenticated"
	USER_ID        string = "user_id"
	USER_NAME      string = "username"
	USER_IS_ADMIN  string = "isAdmin"
	FROM_PROTECTED string = "from_protected"
)

// correlationID returns the request id set by the requestid middleware.
func correlationID(c *fiber.Ctx) string {
	if v, ok := c.Locals("requestid").(string); ok {
		return v
	}
	return ""
}

// jsonError writes a uniform JSON error body.
func jsonError(c *fiber.Ctx, status int, message string) error {
	return c.Status(status).JSON(fiber.Map{"error": message})
}

// handleServiceError maps service errors onto HTTP statuses. Internal detail
// is logged with the request correlation id and suppressed outside development.
func handleServiceError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, credits.ErrValidation):
		return jsonError(c, fiber.StatusBadRequest, "invalid input")
	case errors.Is(err, credits.ErrNotFound), errors.Is(err, gorm.ErrRecordNotFound):
		return jsonError(c, fiber.StatusNotFound, "not found")
	default:
		fiberlog.Errorf("[request %s] internal error: %v", correlationID(c), err)
		if env.IsDev() {
			return jsonError(c, fiber.StatusInternalServerError, err.Error())
		}
		return jsonError(c, fiber.StatusInternalServerError, "internal error")
	}
}
