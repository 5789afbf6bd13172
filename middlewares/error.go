package middlewares

import (
	"errors"
	"log"

	"github.com/nick1udwig/sitg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

// ErrorHandler centralizes error responses: every expected failure surfaces as
// {"code": ..., "message": ...} with the HTTP status of its taxonomy class.
func ErrorHandler(c *fiber.Ctx, err error) error {
	// 1) Our taxonomy (Unauthenticated/Forbidden/NotFound/Validation/Conflict/...)
	var apiErr *utils.APIError
	if errors.As(err, &apiErr) {
		return c.Status(apiErr.Status).JSON(fiber.Map{
			"code":    apiErr.Code,
			"message": apiErr.Message,
		})
	}

	// 2) Fiber errors (use their status code + message)
	if fe, ok := err.(*fiber.Error); ok {
		return c.Status(fe.Code).JSON(fiber.Map{
			"code":    "HTTP_ERROR",
			"message": fe.Message,
		})
	}

	// 3) Validation errors (400 + per-field info)
	if ve, ok := err.(validator.ValidationErrors); ok {
		out := make(map[string]string, len(ve))
		for _, fe := range ve {
			out[fe.Field()] = fe.Tag()
		}
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"code":    "VALIDATION_ERROR",
			"message": "validation failed",
			"errors":  out,
		})
	}

	// 4) Unknown errors (500); log with context, never leak internals
	log.Printf("internal error: %v", err)
	return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
		"code":    "INTERNAL_ERROR",
		"message": "internal server error",
	})
}
