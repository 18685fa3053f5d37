package verification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/orderker/orderker-verify/internal/resolve"
	"github.com/orderker/orderker-verify/internal/users"
	"github.com/orderker/orderker-verify/internal/wachat"
)

// MessagePrefix marks an inbound chat message as a verification attempt.
const MessagePrefix = "VERIFY:"

// Replier is the outbound side of the chat session the attempt arrived
// on.
type Replier interface {
	SendText(ctx context.Context, to wachat.JID, text string) error
}

// Conversation bundles the two session capabilities a verification
// attempt needs: replying to the sender and directory lookups. A live
// wachat.Session satisfies it.
type Conversation interface {
	Replier
	resolve.Directory
}

// Handler runs one inbound verification attempt end to end: redeem the
// code, resolve the authoritative identity, prove the sender owns it,
// enforce the identity locks, commit and reply. Every rejection is
// fail-closed and replies with a distinct reason.
type Handler struct {
	coord    *Coordinator
	users    users.Repository
	resolver *resolve.Resolver
	logger   *slog.Logger

	// testCode, when non-empty, is accepted in place of an issued code
	// and skips directory resolution. Wired only in dev environments.
	testCode string
}

// NewHandler builds a verification handler.
func NewHandler(coord *Coordinator, repo users.Repository, resolver *resolve.Resolver, logger *slog.Logger) *Handler {
	return &Handler{coord: coord, users: repo, resolver: resolver, logger: logger}
}

// WithTestCode enables the dev-only master code. Never set outside
// non-production environments.
func (h *Handler) WithTestCode(code string) *Handler {
	h.testCode = code
	return h
}

// Matches reports whether the message text is a verification attempt.
func Matches(text string) bool {
	return strings.HasPrefix(text, MessagePrefix)
}

// Handle processes one verification message. It never returns an error
// to the caller: every failure is reported to the sender and logged, so
// one bad attempt cannot affect the connection's health.
func (h *Handler) Handle(ctx context.Context, conv Conversation, msg wachat.MessageEvent) {
	code := strings.TrimSpace(strings.TrimPrefix(msg.Text, MessagePrefix))
	sender := msg.Sender

	h.logger.Info("verification attempt received",
		"code", code, "sender", sender.String(), "lid", sender.IsLID())

	bypass := h.testCode != "" && code == h.testCode && !sender.IsLID()

	// 1. Redeem the code (at most once).
	var req Request
	var err error
	if bypass {
		req, err = h.coord.RedeemByPhone(ctx, sender.User)
	} else {
		req, err = h.coord.Redeem(ctx, code)
	}
	switch {
	case errors.Is(err, ErrCodeNotFound):
		h.reply(ctx, conv, sender, fmt.Sprintf("Verification code %q not found or already used. Please request a new one in the app.", code))
		return
	case errors.Is(err, ErrCodeExpired):
		h.reply(ctx, conv, sender, "This verification code has expired. Please request a new one.")
		return
	case err != nil:
		h.logger.Error("code redemption failed", "code", code, "error", err)
		h.reply(ctx, conv, sender, "Something went wrong on our side. Please try again shortly.")
		return
	}

	// 2. Load the target account. Defensive: the request always binds an
	// existing user unless the account was deleted meanwhile.
	user, err := h.users.FindByID(ctx, req.UserID)
	if err != nil {
		h.logger.Warn("no user for redeemed code", "user_id", req.UserID, "error", err)
		h.reply(ctx, conv, sender, "Could not find a matching account session for this code.")
		return
	}

	// 3. Resolve the typed number to its authoritative identity.
	var resolved wachat.JID
	if bypass {
		resolved = sender
	} else {
		resolved, err = h.resolver.ResolveIdentity(ctx, conv, req.Phone)
		switch {
		case errors.Is(err, resolve.ErrTimeout):
			h.rejectUser(ctx, conv, sender, user.ID,
				"WhatsApp identity check timed out. Please try again in a few moments.")
			return
		case errors.Is(err, resolve.ErrNotOnWhatsApp):
			h.rejectUser(ctx, conv, sender, user.ID,
				fmt.Sprintf("The number %s does not have a WhatsApp account.", req.Phone))
			return
		case err != nil:
			h.rejectUser(ctx, conv, sender, user.ID,
				"Could not verify the number right now. Please try again shortly.")
			return
		}
	}

	// 4. Ownership: the sender must be the resolved identity.
	if !bypass {
		if sender.IsLID() {
			ownerLID := h.resolver.ResolveLID(ctx, conv, resolved)
			if ownerLID.IsZero() {
				// Resolution failure is not a mismatch, but it is not a
				// match either. Fail closed.
				h.rejectUser(ctx, conv, sender, user.ID,
					fmt.Sprintf("Could not verify ownership of %s. Please try again in a moment.", req.Phone))
				return
			}
			if ownerLID.User != sender.User {
				h.logger.Warn("lid ownership mismatch",
					"sender", sender.String(), "owner", ownerLID.String(), "phone", req.Phone)
				h.rejectUser(ctx, conv, sender, user.ID,
					fmt.Sprintf("Security alert: the number %s belongs to a different WhatsApp account. Please type YOUR OWN number in the app.", req.Phone))
				return
			}
		} else if sender != resolved {
			h.logger.Warn("ownership mismatch",
				"sender", sender.String(), "resolved", resolved.String(), "phone", req.Phone)
			h.rejectUser(ctx, conv, sender, user.ID,
				fmt.Sprintf("Security alert: you tried to verify %s but you are sending from a different WhatsApp account. Please type YOUR official number in the app.", req.Phone))
			return
		}
	}

	// 5. Identity lock: a bound account never silently rebinds.
	if user.WhatsAppLID != "" && user.WhatsAppLID != sender.User {
		h.rejectUser(ctx, conv, sender, user.ID,
			"Your account is already linked to a different WhatsApp. Use your original account.")
		return
	}

	// 6. Cross-user conflict: one identity, one account.
	if sender.IsLID() {
		if owner, err := h.users.FindByLID(ctx, sender.User); err == nil && owner.ID != user.ID {
			h.rejectUser(ctx, conv, sender, user.ID,
				"Your WhatsApp is already linked to another account.")
			return
		}
	}

	// 7. Commit, then reply. The conditional update re-checks the locks,
	// so concurrent attempts cannot both bind.
	result := users.VerificationResult{UserID: user.ID, Phone: req.Phone}
	if sender.IsLID() {
		result.LID = sender.User
	}
	if err := h.users.CommitVerification(ctx, result); err != nil {
		switch {
		case errors.Is(err, users.ErrIdentityLocked):
			h.rejectUser(ctx, conv, sender, user.ID,
				"Your account is already linked to a different WhatsApp. Use your original account.")
		case errors.Is(err, users.ErrIdentityConflict):
			h.rejectUser(ctx, conv, sender, user.ID,
				"Your WhatsApp is already linked to another account.")
		default:
			h.logger.Error("commit verification failed", "user_id", user.ID, "error", err)
			h.reply(ctx, conv, sender, "Something went wrong on our side. Please try again shortly.")
		}
		return
	}

	h.logger.Info("phone verified",
		"user_id", user.ID, "phone", req.Phone, "sender", sender.String())
	h.reply(ctx, conv, sender,
		fmt.Sprintf("Success! Your account (%s) is now verified for %s.", user.Name, req.Phone))
}

// rejectUser records the rejection reason on the target account before
// telling the sender. The record must be durable before the reply so a
// crash in between never shows the app a stale success.
func (h *Handler) rejectUser(ctx context.Context, r Replier, to wachat.JID, userID, reason string) {
	if err := h.users.SetVerificationError(ctx, userID, reason); err != nil {
		h.logger.Error("record verification error", "user_id", userID, "error", err)
	}
	h.reply(ctx, r, to, reason)
}

func (h *Handler) reply(ctx context.Context, r Replier, to wachat.JID, text string) {
	if err := r.SendText(ctx, to, text); err != nil {
		h.logger.Error("send reply", "to", to.String(), "error", err)
	}
}
