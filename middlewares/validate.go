package middlewares

import (
	"github.com/nick1udwig/sitg/utils"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = validator.New()

// BindAndValidate parses the request body into dst and validates it.
// Parse errors become a Validation APIError; field failures surface as
// validator.ValidationErrors for the central error handler.
func BindAndValidate(c *fiber.Ctx, dst interface{}) error {
	if err := c.BodyParser(dst); err != nil {
		return utils.Validation("invalid request body")
	}
	return validate.Struct(dst)
}
