package routes

import (
	"net/http"

	"github.com/gofiber/fiber/v2"

	"github.com/orderker/orderker-verify/internal/connection"
)

// RegisterWhatsAppRoutes wires the operator control surface for the bot
// connection. All routes require an authenticated admin.
func RegisterWhatsAppRoutes(r fiber.Router, m *connection.Manager) {
	r.Get("/status", func(c *fiber.Ctx) error {
		return c.JSON(m.Status())
	})

	r.Get("/qr", func(c *fiber.Ctx) error {
		artifact := m.PairingArtifact()
		if artifact == nil {
			return c.Status(http.StatusNotFound).JSON(fiber.Map{
				"message": "no QR code available, bot may already be connected or stopped",
				"state":   m.Status().State,
			})
		}
		return c.JSON(artifact)
	})

	r.Post("/restart", func(c *fiber.Ctx) error {
		m.Restart()
		return c.JSON(fiber.Map{
			"message": "restart initiated",
			"status":  m.Status(),
		})
	})
}
