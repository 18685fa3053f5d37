package users

import (
	"net/http"

	"github.com/gofiber/fiber/v2"
)

// Handler exposes account read endpoints.
type Handler struct {
	repo Repository
}

// NewHandler constructs the users HTTP handler.
func NewHandler(repo Repository) *Handler {
	return &Handler{repo: repo}
}

// Me returns the authenticated user's profile.
func (h *Handler) Me(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	user, err := h.repo.FindByID(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "user not found")
	}
	return c.JSON(fiber.Map{
		"user_id":           user.ID,
		"name":              user.Name,
		"phone":             user.Phone,
		"is_admin":          user.IsAdmin,
		"is_phone_verified": user.IsPhoneVerified,
		"created_at":        user.CreatedAt,
	})
}

// VerificationStatus is the poll endpoint the app uses to learn the
// outcome of a verification attempt; the bot pushes nothing.
func (h *Handler) VerificationStatus(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	user, err := h.repo.FindByID(c.UserContext(), uid)
	if err != nil {
		return fiber.NewError(http.StatusUnauthorized, "user not found")
	}
	return c.JSON(fiber.Map{
		"phone_number":            user.Phone,
		"is_phone_verified":       user.IsPhoneVerified,
		"last_verification_error": user.LastVerificationError,
	})
}
