package handlers

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/fiber/v2/middleware/adaptor"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/config"
	"github.com/emilioale04/steam-clone-sub003/internal/metrics"
	"github.com/emilioale04/steam-clone-sub003/internal/middleware"
	"github.com/emilioale04/steam-clone-sub003/internal/services"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

// Deps is what the HTTP layer needs from the rest of the process.
type Deps struct {
	Config *config.Config
	Keys   *services.KeyService
	Ledger *services.LedgerService
	Audit  store.AuditStore
	// Ping reports storage health; nil means always healthy.
	Ping func(ctx context.Context) error
	Log  logrus.FieldLogger
}

// SetupRoutes registers every route on app.
func SetupRoutes(app *fiber.App, d Deps) {
	app.Get("/health", healthHandler(d.Ping))
	app.Get("/metrics", adaptor.HTTPHandler(metrics.Handler()))

	keyHandler := NewKeyHandler(d.Keys, d.Log)
	walletHandler := NewWalletHandler(d.Ledger, d.Log)

	limit := d.Config.RateLimit
	if limit <= 0 {
		limit = 100
	}

	api := app.Group("/api",
		middleware.AuthRequired(d.Config),
		middleware.RateLimiter(limit, time.Minute, nil),
		middleware.AuditLogger(d.Audit, d.Log),
	)

	// Keys
	api.Post("/products/:id/keys", keyHandler.Issue)
	api.Get("/products/:id/keys", keyHandler.List)
	api.Post("/keys/validate", keyHandler.Validate)
	api.Post("/keys/:id/deactivate", keyHandler.Deactivate)

	// Wallet
	api.Post("/wallet/payments", walletHandler.Pay)
	api.Post("/wallet/reload", walletHandler.Reload)
	api.Get("/wallet/reload/daily-total", walletHandler.DailyTotal)
	api.Get("/wallet/balance", walletHandler.Balance)
}

func healthHandler(ping func(ctx context.Context) error) fiber.Handler {
	return func(c *fiber.Ctx) error {
		if ping != nil {
			ctx, cancel := context.WithTimeout(c.UserContext(), 2*time.Second)
			defer cancel()
			if err := ping(ctx); err != nil {
				return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{
					"status":  "unhealthy",
					"service": "steam-clone-api",
					"error":   err.Error(),
				})
			}
		}
		return c.JSON(fiber.Map{
			"status":  "healthy",
			"service": "steam-clone-api",
		})
	}
}
