package middleware

import (
	"context"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/emilioale04/steam-clone-sub003/internal/models"
	"github.com/emilioale04/steam-clone-sub003/internal/store"
)

var auditSkipPaths = []string{"/api/keys/validate"}

// AuditLogger middleware records successful mutating API calls.
func AuditLogger(st store.AuditStore, log logrus.FieldLogger) fiber.Handler {
	return func(c *fiber.Ctx) error {
		// Skip non-modifying requests
		method := c.Method()
		if method == fiber.MethodGet || method == fiber.MethodHead || method == fiber.MethodOptions {
			return c.Next()
		}

		// Skip read-only POST endpoints
		for _, skip := range auditSkipPaths {
			if c.Path() == skip {
				return c.Next()
			}
		}

		// Read before c.Next(); fiber reuses the buffers afterwards.
		path := strings.Clone(c.Path())
		ip := c.IP()
		userAgent := strings.Clone(c.Get(fiber.HeaderUserAgent))

		err := c.Next()

		statusCode := c.Response().StatusCode()
		accountID := GetAccountID(c)
		if err != nil || statusCode < 200 || statusCode >= 400 || accountID == "" {
			return err
		}

		entityType, entityID := entityFromPath(path)
		entry := &models.AuditLog{
			ID:         uuid.NewString(),
			AccountID:  accountID,
			Action:     actionFor(method, path),
			EntityType: entityType,
			EntityID:   entityID,
			Method:     method,
			Path:       truncate(path, 255),
			Status:     statusCode,
			IPAddress:  ip,
			UserAgent:  truncate(userAgent, 255),
			CreatedAt:  time.Now().UTC(),
		}
		ctx := context.WithoutCancel(c.UserContext())
		if rerr := st.RecordAudit(ctx, entry); rerr != nil {
			log.WithError(rerr).WithField("path", path).Warn("audit record failed")
		}
		return nil
	}
}

// actionFor names the audited action from the route.
func actionFor(method, path string) models.AuditAction {
	switch {
	case strings.HasPrefix(path, "/api/products/") && strings.HasSuffix(path, "/keys"):
		return models.AuditActionIssueKey
	case strings.HasPrefix(path, "/api/keys/") && strings.HasSuffix(path, "/deactivate"):
		return models.AuditActionDeactivate
	case path == "/api/wallet/payments":
		return models.AuditActionPayment
	case path == "/api/wallet/reload":
		return models.AuditActionReload
	}

	switch method {
	case fiber.MethodPut, fiber.MethodPatch:
		return models.AuditActionUpdate
	case fiber.MethodDelete:
		return models.AuditActionDelete
	default:
		return models.AuditActionCreate
	}
}

// entityFromPath maps /api/<collection>/<id>/... to an entity type and id.
func entityFromPath(path string) (string, string) {
	parts := strings.Split(strings.Trim(path, "/"), "/")
	if len(parts) < 2 || parts[0] != "api" {
		return "", ""
	}

	entityType := strings.TrimSuffix(parts[1], "s")
	if len(parts) > 2 {
		if _, err := uuid.Parse(parts[2]); err == nil {
			return entityType, parts[2]
		}
	}
	return entityType, ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
