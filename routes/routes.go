package routes

import (
	"github.com/gofiber/fiber/v2"

	"github.com/nick1udwig/sitg/controllers"
	"github.com/nick1udwig/sitg/middlewares"
)

// Register wires all HTTP routes.
func Register(app *fiber.App) {
	app.Get("/healthz", func(c *fiber.Ctx) error {
		return c.JSON(fiber.Map{"status": "ok"})
	})

	api := app.Group("/api/v1")

	// Public gate summary (the gate page itself needs no session)
	api.Get("/gate/:gateToken", controllers.GetGate)

	// Session-scoped endpoints (end-user JWT)
	session := api.Group("")
	session.Use(middlewares.RequireUser())

	session.Get("/me", controllers.Me)

	session.Post("/wallet/link/challenge", controllers.WalletLinkChallenge)
	session.Post("/wallet/link/confirm", controllers.WalletLinkConfirm)
	session.Delete("/wallet/link", controllers.WalletUnlink)

	session.Get("/gate/:gateToken/confirm-typed-data", controllers.GetConfirmTypedData)
	session.Post("/gate/:gateToken/confirm", controllers.PostConfirm)

	// Internal service-to-service endpoints. HMAC auth happens inside each
	// handler because the signed message binds to body/path parameters.
	internal := app.Group("/internal/v1")
	internal.Post("/github/events/pull-request", controllers.IngestPrEvent)
	internal.Post("/challenges/:challengeID/deadline-check", controllers.DeadlineCheck)
	internal.Post("/bot-actions/claim", controllers.ClaimBotActions)
	internal.Post("/bot-actions/:actionID/result", controllers.ReportBotActionResult)
}
