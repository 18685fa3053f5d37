package verification

import (
	"log/slog"
	"net/http"
	"regexp"
	"strings"

	"github.com/gofiber/fiber/v2"

	"github.com/orderker/orderker-verify/internal/users"
)

// Only Pakistani mobile numbers are accepted for verification, in local
// or international form.
var pakPhonePattern = regexp.MustCompile(`^(03[0-9]{9}|923[0-9]{9}|\+923[0-9]{9})$`)

// HTTPHandler exposes the code-issuance endpoint the mobile app calls.
type HTTPHandler struct {
	coord  *Coordinator
	users  users.Repository
	logger *slog.Logger
}

// NewHTTPHandler constructs the verification HTTP handler.
func NewHTTPHandler(coord *Coordinator, repo users.Repository, logger *slog.Logger) *HTTPHandler {
	return &HTTPHandler{coord: coord, users: repo, logger: logger}
}

type requestCodeBody struct {
	PhoneNumber string `json:"phone_number"`
}

// RequestCode issues a one-time code the user embeds in the chat
// message they send themselves. The account's phone number is NOT
// updated here; it only changes once ownership is proven.
func (h *HTTPHandler) RequestCode(c *fiber.Ctx) error {
	uid, _ := c.Locals("user_id").(string)
	if uid == "" {
		return fiber.NewError(http.StatusUnauthorized, "missing user")
	}

	var body requestCodeBody
	if err := c.BodyParser(&body); err != nil {
		return fiber.NewError(http.StatusBadRequest, err.Error())
	}
	phone := strings.TrimSpace(body.PhoneNumber)
	if phone == "" {
		return fiber.NewError(http.StatusBadRequest, "phone_number is required")
	}
	compact := strings.ReplaceAll(phone, " ", "")
	compact = strings.ReplaceAll(compact, "-", "")
	if !pakPhonePattern.MatchString(compact) {
		return fiber.NewError(http.StatusBadRequest,
			"invalid Pakistani number format, use 03XX-XXXXXXX or 923XX-XXXXXXX")
	}

	// A fresh request wipes the previous outcome so the app does not
	// show a stale rejection while the user retries.
	if err := h.users.SetVerificationError(c.UserContext(), uid, ""); err != nil {
		return fiber.NewError(http.StatusUnauthorized, "unknown user")
	}

	code, err := h.coord.IssueCode(c.UserContext(), phone, uid)
	if err != nil {
		h.logger.Error("issue verification code", "user_id", uid, "error", err)
		return fiber.NewError(http.StatusInternalServerError, "could not issue code")
	}

	return c.Status(http.StatusOK).JSON(fiber.Map{
		"success": true,
		"code":    code,
		"message": "Send " + MessagePrefix + code + " from the WhatsApp account of " + phone,
	})
}
