package routes

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"

	"github.com/orderker/orderker-verify/internal/auth"
	"github.com/orderker/orderker-verify/internal/config"
	"github.com/orderker/orderker-verify/internal/connection"
	"github.com/orderker/orderker-verify/internal/credentials"
	"github.com/orderker/orderker-verify/internal/logging"
	"github.com/orderker/orderker-verify/internal/users"
	"github.com/orderker/orderker-verify/internal/verification"
	"github.com/orderker/orderker-verify/internal/wachat"
)

type testApp struct {
	app     *fiber.App
	repo    users.Repository
	manager *connection.Manager
	cfg     config.Config
}

func newTestApp(t *testing.T) *testApp {
	t.Helper()
	mr := miniredis.RunT(t)
	cache := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = cache.Close() })

	cfg := config.Config{
		AppName:         "verify-test",
		AppEnv:          "test",
		JWTSecret:       "access-secret",
		RefreshSecret:   "refresh-secret",
		AccessTokenTTL:  time.Minute,
		RefreshTokenTTL: time.Hour,
		CodeTTL:         time.Minute,
	}

	repo := users.NewMemoryRepository()
	coord := verification.NewCoordinator(cache, cfg.CodeTTL, logging.Discard())
	manager := connection.NewManager(connection.Config{
		Dialer:      wachat.NewFakeDialer(),
		Credentials: credentials.NewMemoryStore(),
		Logger:      logging.Discard(),
	})
	t.Cleanup(manager.Stop)

	app := fiber.New()
	if err := Setup(app, Deps{
		Cfg:         cfg,
		Cache:       cache,
		Logger:      logging.Discard(),
		Manager:     manager,
		UsersRepo:   repo,
		Coordinator: coord,
	}); err != nil {
		t.Fatalf("setup routes: %v", err)
	}

	return &testApp{app: app, repo: repo, manager: manager, cfg: cfg}
}

func (ta *testApp) request(t *testing.T, method, path, token string, body any) (*http.Response, map[string]any) {
	t.Helper()
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(payload)
	}
	req := httptest.NewRequest(method, path, reader)
	if body != nil {
		req.Header.Set(fiber.HeaderContentType, fiber.MIMEApplicationJSON)
	}
	if token != "" {
		req.Header.Set(fiber.HeaderAuthorization, "Bearer "+token)
	}
	resp, err := ta.app.Test(req)
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	var decoded map[string]any
	raw, _ := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &decoded)
	}
	return resp, decoded
}

// token signs an access token for an already-stored user.
func (ta *testApp) token(t *testing.T, user users.User) string {
	t.Helper()
	pair, err := auth.NewService(ta.cfg, ta.repo).Login(user)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return pair.AccessToken
}

func TestRegisterLoginAndRequestCode(t *testing.T) {
	ta := newTestApp(t)

	resp, body := ta.request(t, http.MethodPost, "/api/v1/auth/register", "", fiber.Map{
		"name": "Ayesha", "phone": "03001234567", "secret": "sup3rsecret",
	})
	if resp.StatusCode != http.StatusCreated {
		t.Fatalf("register: %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodPost, "/api/v1/auth/login", "", fiber.Map{
		"phone": "03001234567", "secret": "sup3rsecret",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("login: %d %v", resp.StatusCode, body)
	}
	token, _ := body["access_token"].(string)
	if token == "" {
		t.Fatalf("no access token: %v", body)
	}

	resp, body = ta.request(t, http.MethodPost, "/api/v1/auth/whatsapp-code", token, fiber.Map{
		"phone_number": "0300-1234567",
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("request code: %d %v", resp.StatusCode, body)
	}
	code, _ := body["code"].(string)
	if len(code) != 6 {
		t.Fatalf("expected 6-digit code: %v", body)
	}

	resp, body = ta.request(t, http.MethodGet, "/api/v1/users/me/verification", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("verification status: %d %v", resp.StatusCode, body)
	}
	if verified, _ := body["is_phone_verified"].(bool); verified {
		t.Fatalf("account must still be unverified: %v", body)
	}
}

func TestRequestCodeRejectsBadNumbers(t *testing.T) {
	ta := newTestApp(t)
	user := users.User{ID: "u1", Phone: "03001234567"}
	if err := ta.repo.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token := ta.token(t, user)

	for _, phone := range []string{"", "12345", "abc", "+14155550100", "0400-1234567"} {
		resp, _ := ta.request(t, http.MethodPost, "/api/v1/auth/whatsapp-code", token, fiber.Map{
			"phone_number": phone,
		})
		if resp.StatusCode != http.StatusBadRequest {
			t.Fatalf("phone %q: expected 400, got %d", phone, resp.StatusCode)
		}
	}
}

func TestRequestCodeRateLimited(t *testing.T) {
	ta := newTestApp(t)
	user := users.User{ID: "u1", Phone: "03001234567"}
	if err := ta.repo.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token := ta.token(t, user)

	body := fiber.Map{"phone_number": "03001234567"}
	for i := 0; i < 3; i++ {
		resp, _ := ta.request(t, http.MethodPost, "/api/v1/auth/whatsapp-code", token, body)
		if resp.StatusCode != http.StatusOK {
			t.Fatalf("request %d: expected 200, got %d", i+1, resp.StatusCode)
		}
	}
	resp, _ := ta.request(t, http.MethodPost, "/api/v1/auth/whatsapp-code", token, body)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429, got %d", resp.StatusCode)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ta := newTestApp(t)

	resp, _ := ta.request(t, http.MethodGet, "/api/v1/users/me", "", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", resp.StatusCode)
	}
	resp, _ = ta.request(t, http.MethodGet, "/api/v1/users/me", "garbage.token.here", nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 for garbage token, got %d", resp.StatusCode)
	}
}

func TestLogoutInvalidatesToken(t *testing.T) {
	ta := newTestApp(t)
	user := users.User{ID: "u1", Phone: "03001234567"}
	if err := ta.repo.Create(context.Background(), user); err != nil {
		t.Fatalf("create user: %v", err)
	}
	token := ta.token(t, user)

	resp, _ := ta.request(t, http.MethodPost, "/api/v1/auth/logout", token, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("logout: %d", resp.StatusCode)
	}
	resp, _ = ta.request(t, http.MethodGet, "/api/v1/users/me", token, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected stale token rejected, got %d", resp.StatusCode)
	}
}

func TestWhatsAppRoutesRequireAdmin(t *testing.T) {
	ta := newTestApp(t)
	member := users.User{ID: "u1", Phone: "a"}
	admin := users.User{ID: "u2", Phone: "b", IsAdmin: true}
	if err := ta.repo.Create(context.Background(), member); err != nil {
		t.Fatalf("create member: %v", err)
	}
	if err := ta.repo.Create(context.Background(), admin); err != nil {
		t.Fatalf("create admin: %v", err)
	}

	resp, _ := ta.request(t, http.MethodGet, "/api/v1/whatsapp/status", ta.token(t, member), nil)
	if resp.StatusCode != http.StatusForbidden {
		t.Fatalf("expected 403 for member, got %d", resp.StatusCode)
	}

	adminToken := ta.token(t, admin)
	resp, body := ta.request(t, http.MethodGet, "/api/v1/whatsapp/status", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status: %d %v", resp.StatusCode, body)
	}
	if body["state"] != string(connection.StateDisconnected) {
		t.Fatalf("unexpected state: %v", body)
	}

	// No pairing has happened, so there is no QR to serve.
	resp, body = ta.request(t, http.MethodGet, "/api/v1/whatsapp/qr", adminToken, nil)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404 without qr, got %d %v", resp.StatusCode, body)
	}

	resp, body = ta.request(t, http.MethodPost, "/api/v1/whatsapp/restart", adminToken, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("restart: %d %v", resp.StatusCode, body)
	}
}

func TestHealthz(t *testing.T) {
	ta := newTestApp(t)
	resp, body := ta.request(t, http.MethodGet, "/healthz", "", nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("healthz: %d %v", resp.StatusCode, body)
	}
	if body["whatsapp"] != string(connection.StateDisconnected) {
		t.Fatalf("unexpected body: %v", body)
	}
}
