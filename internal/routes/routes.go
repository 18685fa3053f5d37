package routes

import (
	"log/slog"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/recover"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	"github.com/orderker/orderker-verify/internal/auth"
	"github.com/orderker/orderker-verify/internal/config"
	"github.com/orderker/orderker-verify/internal/connection"
	"github.com/orderker/orderker-verify/internal/middleware"
	"github.com/orderker/orderker-verify/internal/users"
	"github.com/orderker/orderker-verify/internal/verification"
)

// Deps aggregates shared dependencies required to wire routes.
type Deps struct {
	Cfg     config.Config
	DB      *pgxpool.Pool
	Cache   *redis.Client
	Logger  *slog.Logger
	Manager *connection.Manager

	// UsersRepo and Coordinator override the defaults built from DB and
	// Cache; tests inject memory-backed implementations here.
	UsersRepo   users.Repository
	Coordinator *verification.Coordinator
}

// Setup configures middlewares and all application routes.
func Setup(app *fiber.App, d Deps) error {
	app.Use(recover.New())
	app.Use(middleware.RequestID())
	app.Use(middleware.Audit(d.Logger))

	RegisterHealthRoutes(app, d)

	usersRepo := d.UsersRepo
	if usersRepo == nil {
		usersRepo = users.NewPostgresRepository(d.DB)
	}
	coordinator := d.Coordinator
	if coordinator == nil {
		coordinator = verification.NewCoordinator(d.Cache, d.Cfg.CodeTTL, d.Logger)
	}

	usersSvc := users.NewService(usersRepo)
	authSvc := auth.NewService(d.Cfg, usersRepo)
	authHandler := auth.NewHandler(usersSvc, authSvc)
	usersHandler := users.NewHandler(usersRepo)
	verifyHandler := verification.NewHTTPHandler(coordinator, usersRepo, d.Logger)

	api := app.Group("/api/v1")

	loginLimiter := middleware.RateLimitByPhone(d.Cache, "rl:login:", 5)
	codeLimiter := middleware.RateLimitByPhone(d.Cache, "rl:code:", 3)
	RegisterAuthRoutes(api, authHandler, loginLimiter)

	jwtmw := middleware.JWTAuth(d.Cfg, usersRepo)
	protected := api.Group("", jwtmw)
	protected.Post("/auth/whatsapp-code", codeLimiter, verifyHandler.RequestCode)
	protected.Post("/auth/logout", authHandler.Logout)
	protected.Get("/users/me", usersHandler.Me)
	protected.Get("/users/me/verification", usersHandler.VerificationStatus)

	admin := protected.Group("/whatsapp", middleware.AdminOnly())
	RegisterWhatsAppRoutes(admin, d.Manager)

	return nil
}
