package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/orderker/orderker-verify/internal/config"
	"github.com/orderker/orderker-verify/internal/connection"
	"github.com/orderker/orderker-verify/internal/credentials"
	"github.com/orderker/orderker-verify/internal/infra"
	"github.com/orderker/orderker-verify/internal/logging"
	"github.com/orderker/orderker-verify/internal/resolve"
	"github.com/orderker/orderker-verify/internal/server"
	"github.com/orderker/orderker-verify/internal/users"
	"github.com/orderker/orderker-verify/internal/verification"
	"github.com/orderker/orderker-verify/internal/wachat"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(cfg.LogLevel)

	ctx := context.Background()

	db, err := infra.NewPostgresPool(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Error("connect postgres", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	cache, err := infra.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		logger.Error("connect redis", "error", err)
		os.Exit(1)
	}
	defer func() {
		if err := cache.Close(); err != nil {
			logger.Warn("close redis", "error", err)
		}
	}()

	usersRepo := users.NewPostgresRepository(db)
	credStore := credentials.NewPostgresStore(db)
	coordinator := verification.NewCoordinator(cache, cfg.CodeTTL, logger)
	resolver := resolve.New(cfg.ResolveTimeout, cfg.LIDResolveTimeout, logger)

	verifyHandler := verification.NewHandler(coordinator, usersRepo, resolver, logger)
	if cfg.TestBypassCode != "" && cfg.IsDev() {
		logger.Warn("verification test bypass code enabled")
		verifyHandler = verifyHandler.WithTestCode(cfg.TestBypassCode)
	}

	manager := connection.NewManager(connection.Config{
		Dialer:         wachat.NewLoopbackDialer(logger),
		Credentials:    credStore,
		SessionID:      cfg.SessionID,
		Handler:        verifyHandler,
		Logger:         logger,
		ReconnectDelay: cfg.ReconnectDelay,
	})

	managerCtx, managerCancel := context.WithCancel(ctx)
	defer managerCancel()
	manager.Start(managerCtx)
	defer manager.Stop()

	srv, err := server.New(cfg, db, cache, manager, logger)
	if err != nil {
		logger.Error("build server", "error", err)
		os.Exit(1)
	}

	srvErrCh := make(chan error, 1)
	go func() {
		srvErrCh <- srv.Listen()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case err := <-srvErrCh:
		if err != nil {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
		return
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownPeriod)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}

	logger.Info("server exited cleanly")
}
