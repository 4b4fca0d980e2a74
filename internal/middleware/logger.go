package middleware

import (
	"strconv"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/clock"
	"github.com/emilioale04/steam-clone-sub003/internal/metrics"
)

// Logger middleware logs each request and records its metrics.
func Logger(log logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		start := time.Now()

		err := c.Next()
		if err != nil {
			// Let the app's error handler set the status before it is read.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
			err = nil
		}

		duration := time.Since(start)
		status := c.Response().StatusCode()

		route := c.Route().Path
		if route == "" || route == "/" {
			route = "unmatched"
		}
		metrics.RecordHTTPRequest(c.Method(), route, status, duration)

		entry := log.WithFields(logrus.Fields{
			"status":   status,
			"method":   c.Method(),
			"path":     c.Path(),
			"ip":       c.IP(),
			"duration": duration.String(),
		})
		if id := GetAccountID(c); id != "" {
			entry = entry.WithField("account_id", id)
		}
		switch {
		case status >= 500:
			entry.Error("request")
		case status >= 400:
			entry.Warn("request")
		default:
			entry.Info("request")
		}

		return err
	}
}

// CORS middleware for cross-origin requests
func CORS() fiber.Handler {
	return func(c *fiber.Ctx) error {
		c.Set("Access-Control-Allow-Origin", "*")
		c.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		c.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept, Authorization, Idempotency-Key")
		c.Set("Access-Control-Max-Age", "86400")

		if c.Method() == fiber.MethodOptions {
			return c.SendStatus(fiber.StatusNoContent)
		}

		return c.Next()
	}
}

// RateLimitEntry tracks request count per caller
type RateLimitEntry struct {
	Count     int
	ResetTime time.Time
}

// RateLimiter allows maxRequests per window for each caller, identified by
// account id when authenticated and by IP otherwise.
func RateLimiter(maxRequests int, window time.Duration, clk clock.Clock) fiber.Handler {
	if clk == nil {
		clk = clock.NewSystem()
	}
	var (
		mu      sync.Mutex
		entries = make(map[string]*RateLimitEntry)
	)

	return func(c *fiber.Ctx) error {
		caller := GetAccountID(c)
		if caller == "" {
			caller = c.IP()
		}
		now := clk.Now()

		mu.Lock()
		entry, exists := entries[caller]
		if !exists || !now.Before(entry.ResetTime) {
			if len(entries) > 10000 {
				for k, e := range entries {
					if !now.Before(e.ResetTime) {
						delete(entries, k)
					}
				}
			}
			entries[caller] = &RateLimitEntry{Count: 1, ResetTime: now.Add(window)}
			mu.Unlock()
			return c.Next()
		}

		if entry.Count >= maxRequests {
			remaining := int(entry.ResetTime.Sub(now).Seconds()) + 1
			mu.Unlock()
			c.Set(fiber.HeaderRetryAfter, strconv.Itoa(remaining))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"success": false,
				"message": "Demasiadas solicitudes. Intenta de nuevo en " + strconv.Itoa(remaining) + " segundos",
				"code":    "rate_limited",
			})
		}

		entry.Count++
		mu.Unlock()
		return c.Next()
	}
}
