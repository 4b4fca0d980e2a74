package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/compress"
	"github.com/gofiber/fiber/v2/middleware/recover"
	log "github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/config"
	"github.com/emilioale04/steam-clone-sub003/internal/database"
	"github.com/emilioale04/steam-clone-sub003/internal/handlers"
	"github.com/emilioale04/steam-clone-sub003/internal/logging"
	"github.com/emilioale04/steam-clone-sub003/internal/middleware"
	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/security"
	"github.com/emilioale04/steam-clone-sub003/internal/services"
	"github.com/emilioale04/steam-clone-sub003/internal/store/postgres"
)

func main() {
	envFile := flag.String("env", ".env", "path to an optional .env file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*envFile)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.New(cfg.LogLevel, cfg.LogFormat)
	log.SetLevel(logger.GetLevel())
	log.SetFormatter(logger.Formatter)

	// Connect to database
	if err := database.Connect(cfg); err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close()

	// Run migrations
	if err := models.AutoMigrate(database.DB); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}

	// Generated secrets are persisted so they survive restarts
	if cfg.JWTSecretGenerated {
		cfg.JWTSecret = database.EnsureSecret(database.DB, database.PreferenceJWTSecret, cfg.JWTSecret)
	}
	if cfg.KeySecretGenerated {
		cfg.KeyEncryptionSecret = database.EnsureSecret(database.DB, database.PreferenceKeySecret, cfg.KeyEncryptionSecret)
	}

	cipher, err := security.NewCipher(cfg.KeyEncryptionSecret)
	if err != nil {
		log.Fatalf("Failed to initialise key encryption: %v", err)
	}

	keyRepo := postgres.NewKeyRepository(database.DB)
	ledgerRepo := postgres.NewLedgerRepository(database.DB)
	auditRepo := postgres.NewAuditRepository(database.DB)

	keyService := services.NewKeyService(keyRepo, cipher,
		services.WithKeyQuota(cfg.MaxKeysPerProduct),
		services.WithKeyLogger(logging.Component(logger, "keys")),
	)

	ledgerOpts := []services.LedgerOption{
		services.WithLedgerLogger(logging.Component(logger, "ledger")),
		services.WithUnlockHook(services.NewLimitedAccountService(
			ledgerRepo, cfg.UnlockThreshold(), logging.Component(logger, "limited_account"))),
	}
	if database.Redis != nil {
		ledgerOpts = append(ledgerOpts,
			services.WithGuard(database.NewRedisOperationGuard(database.Redis)),
			services.WithLocker(database.NewRedisLocker(database.Redis, cfg.FallbackLockTTL)),
		)
	}
	ledgerService := services.NewLedgerService(ledgerRepo, services.LedgerConfig{
		MaxDailyReload:  cfg.MaxDailyReload(),
		Cooldown:        cfg.OperationCooldown,
		Location:        cfg.Location(),
		FallbackLockTTL: cfg.FallbackLockTTL,
	}, ledgerOpts...)

	// Start stale pending cleanup service (fails abandoned pending transactions every minute)
	staleCleanup := services.NewStalePendingCleanupService(ledgerRepo, nil,
		logging.Component(logger, "stale_pending"), cfg.StalePendingAfter)
	staleCleanup.Start()

	// Create Fiber app
	httpLog := logging.Component(logger, "http")
	app := fiber.New(fiber.Config{
		AppName:      "Steam Clone API v1.0",
		BodyLimit:    1 * 1024 * 1024,
		Immutable:    true,
		ErrorHandler: handlers.ErrorHandler(httpLog),
	})

	// Global middleware
	app.Use(recover.New())
	app.Use(compress.New())
	app.Use(middleware.Logger(httpLog))
	app.Use(middleware.CORS())

	handlers.SetupRoutes(app, handlers.Deps{
		Config: cfg,
		Keys:   keyService,
		Ledger: ledgerService,
		Audit:  auditRepo,
		Ping:   database.Ping,
		Log:    httpLog,
	})

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		<-quit
		log.Info("Shutting down server...")
		staleCleanup.Stop()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := app.ShutdownWithContext(ctx); err != nil {
			log.WithError(err).Error("Server shutdown failed")
		}
	}()

	addr := fmt.Sprintf(":%d", cfg.APIPort)
	log.Infof("Starting server on %s", addr)
	if err := app.Listen(addr); err != nil {
		log.Fatalf("Failed to start server: %v", err)
	}
	log.Info("Server stopped")
}
