package resolve

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/orderker/orderker-verify/internal/wachat"
)

var (
	// ErrNotOnWhatsApp indicates the directory knows no account for the
	// number.
	ErrNotOnWhatsApp = errors.New("number has no whatsapp account")
	// ErrTimeout indicates the directory did not answer within the
	// deadline. Callers must surface this differently from a miss.
	ErrTimeout = errors.New("identity resolution timed out")
)

// Directory is the protocol lookup surface the resolver races against
// its deadlines. A live wachat.Session satisfies it.
type Directory interface {
	LookupPhone(ctx context.Context, digits string) (wachat.JID, bool, error)
	ResolveLID(ctx context.Context, phoneJID wachat.JID) (wachat.JID, error)
}

// Resolver answers "who owns this phone number" questions against the
// protocol directory. Every call carries a bounded deadline; a hung
// lookup is abandoned, never awaited.
type Resolver struct {
	timeout    time.Duration
	lidTimeout time.Duration
	logger     *slog.Logger
}

// New builds a resolver with the given per-call deadlines.
func New(timeout, lidTimeout time.Duration, logger *slog.Logger) *Resolver {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	if lidTimeout <= 0 {
		lidTimeout = 10 * time.Second
	}
	return &Resolver{timeout: timeout, lidTimeout: lidTimeout, logger: logger}
}

// ResolveIdentity resolves a user-typed phone number to its
// authoritative phone-namespace identity.
func (r *Resolver) ResolveIdentity(ctx context.Context, dir Directory, phone string) (wachat.JID, error) {
	digits := NormalizeDigits(phone)

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	type outcome struct {
		jid    wachat.JID
		exists bool
		err    error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		jid, exists, err := dir.LookupPhone(callCtx, digits)
		resultCh <- outcome{jid: jid, exists: exists, err: err}
	}()

	select {
	case <-callCtx.Done():
		r.logger.Warn("identity resolution timed out", "digits", digits)
		return wachat.JID{}, ErrTimeout
	case res := <-resultCh:
		if res.err != nil {
			if errors.Is(res.err, context.DeadlineExceeded) || errors.Is(res.err, context.Canceled) {
				return wachat.JID{}, ErrTimeout
			}
			r.logger.Warn("identity resolution failed", "digits", digits, "error", res.err)
			return wachat.JID{}, ErrTimeout
		}
		if !res.exists {
			return wachat.JID{}, ErrNotOnWhatsApp
		}
		return res.jid, nil
	}
}

// ResolveLID resolves a phone-namespace identity to its anonymized
// counterpart. Any failure, including a timeout, returns a zero JID:
// callers must treat that as "ownership not proven", never as a match.
func (r *Resolver) ResolveLID(ctx context.Context, dir Directory, phoneJID wachat.JID) wachat.JID {
	callCtx, cancel := context.WithTimeout(ctx, r.lidTimeout)
	defer cancel()

	type outcome struct {
		jid wachat.JID
		err error
	}
	resultCh := make(chan outcome, 1)
	go func() {
		jid, err := dir.ResolveLID(callCtx, phoneJID)
		resultCh <- outcome{jid: jid, err: err}
	}()

	select {
	case <-callCtx.Done():
		r.logger.Warn("lid resolution timed out", "jid", phoneJID.String())
		return wachat.JID{}
	case res := <-resultCh:
		if res.err != nil {
			r.logger.Warn("lid resolution failed", "jid", phoneJID.String(), "error", res.err)
			return wachat.JID{}
		}
		return res.jid
	}
}

// NormalizeDigits strips formatting from a typed phone number and
// rewrites local Pakistani numbers (03xxxxxxxxx) to their international
// form, matching what the directory expects.
func NormalizeDigits(phone string) string {
	var b strings.Builder
	for _, r := range phone {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if len(digits) == 11 && strings.HasPrefix(digits, "03") {
		digits = "92" + digits[1:]
	}
	return digits
}
