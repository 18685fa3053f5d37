package verification

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/orderker/orderker-verify/internal/resolve"
)

var (
	// ErrCodeNotFound indicates the code does not exist or was already
	// redeemed.
	ErrCodeNotFound = errors.New("verification code not found")
	// ErrCodeExpired indicates the code existed but its TTL had lapsed.
	ErrCodeExpired = errors.New("verification code expired")
)

const (
	codeKeyPrefix  = "verify:code:"
	phoneKeyPrefix = "verify:phone:"

	// defaultCodeTTL matches the validity window shown to the user.
	defaultCodeTTL = 10 * time.Minute
)

// Request is a pending verification bound to one phone number and one
// account.
type Request struct {
	Phone     string    `json:"phone"`
	UserID    string    `json:"user_id"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Coordinator issues one-time verification codes and redeems them at
// most once. Requests live in Redis under the code, with a secondary
// phone index used to invalidate a previous code on reissue.
type Coordinator struct {
	cache  *redis.Client
	ttl    time.Duration
	logger *slog.Logger
}

// NewCoordinator builds a coordinator over the given Redis client.
func NewCoordinator(cache *redis.Client, ttl time.Duration, logger *slog.Logger) *Coordinator {
	if ttl <= 0 {
		ttl = defaultCodeTTL
	}
	return &Coordinator{cache: cache, ttl: ttl, logger: logger}
}

// issueScript invalidates the phone's previous pending request and
// stores the new one in one atomic step, so concurrent issues for the
// same phone always leave exactly one redeemable code.
var issueScript = redis.NewScript(`
local prev = redis.call("GETDEL", KEYS[1])
if prev then
    redis.call("DEL", ARGV[4] .. prev)
end
redis.call("SET", KEYS[2], ARGV[2], "PX", ARGV[3])
redis.call("SET", KEYS[1], ARGV[1], "PX", ARGV[3])
return 1
`)

// IssueCode generates a fresh single-use code for the phone number,
// invalidating any previous pending code for it.
func (c *Coordinator) IssueCode(ctx context.Context, phone, userID string) (string, error) {
	code, err := randomCode()
	if err != nil {
		return "", fmt.Errorf("generate code: %w", err)
	}

	req := Request{Phone: phone, UserID: userID, ExpiresAt: time.Now().UTC().Add(c.ttl)}
	payload, err := json.Marshal(req)
	if err != nil {
		return "", err
	}

	// Keys outlive the logical expiry by one extra TTL so a late redeem
	// attempt can still be told "expired" rather than "not found".
	keyTTL := 2 * c.ttl
	err = issueScript.Run(ctx, c.cache,
		[]string{phoneKey(phone), codeKeyPrefix + code},
		code, payload, keyTTL.Milliseconds(), codeKeyPrefix).Err()
	if err != nil {
		return "", fmt.Errorf("store request: %w", err)
	}

	c.logger.Info("verification code issued", "phone", phone, "user_id", userID)
	return code, nil
}

// Redeem consumes a code. The lookup-and-delete is a single GETDEL, so
// under concurrent redemption of the same code exactly one caller gets
// the bound request; every other caller sees ErrCodeNotFound.
func (c *Coordinator) Redeem(ctx context.Context, code string) (Request, error) {
	payload, err := c.cache.GetDel(ctx, codeKeyPrefix+code).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Request{}, ErrCodeNotFound
		}
		return Request{}, fmt.Errorf("redeem lookup: %w", err)
	}

	var req Request
	if err := json.Unmarshal(payload, &req); err != nil {
		return Request{}, fmt.Errorf("decode request: %w", err)
	}

	c.dropPhoneIndex(ctx, req.Phone, code)

	if time.Now().UTC().After(req.ExpiresAt) {
		return Request{}, ErrCodeExpired
	}
	return req, nil
}

// RedeemByPhone consumes the pending request for a phone number without
// knowing its code. Only the dev-only master code path uses it.
func (c *Coordinator) RedeemByPhone(ctx context.Context, phone string) (Request, error) {
	code, err := c.cache.Get(ctx, phoneKey(phone)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Request{}, ErrCodeNotFound
		}
		return Request{}, fmt.Errorf("phone index lookup: %w", err)
	}
	return c.Redeem(ctx, code)
}

// dropPhoneIndex removes the phone index entry, but only while it still
// points at this code; a reissue may already have replaced it.
func (c *Coordinator) dropPhoneIndex(ctx context.Context, phone, code string) {
	current, err := c.cache.Get(ctx, phoneKey(phone)).Result()
	if err != nil || current != code {
		return
	}
	if err := c.cache.Del(ctx, phoneKey(phone)).Err(); err != nil {
		c.logger.Warn("drop phone index", "phone", phone, "error", err)
	}
}

// phoneKey indexes pending requests by normalized digits so the same
// number always maps to one entry regardless of how it was typed.
func phoneKey(phone string) string {
	return phoneKeyPrefix + resolve.NormalizeDigits(phone)
}

// randomCode returns a uniformly random 6-digit numeric code.
func randomCode() (string, error) {
	n, err := rand.Int(rand.Reader, big.NewInt(900000))
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%06d", n.Int64()+100000), nil
}
