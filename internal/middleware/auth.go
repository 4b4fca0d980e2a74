package middleware

import (
	"errors"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/emilioale04/steam-clone-sub003/internal/config"
)

const (
	localAccountID = "accountID"
	tokenIssuer    = "steam-clone"
)

// JWTClaims represents JWT token claims. The subject is the account id.
type JWTClaims struct {
	AccountID string `json:"account_id"`
	jwt.RegisteredClaims
}

// GenerateToken signs a token for accountID
func GenerateToken(accountID string, cfg *config.Config) (string, error) {
	now := time.Now()
	claims := JWTClaims{
		AccountID: accountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   accountID,
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Duration(cfg.JWTExpireHours) * time.Hour)),
			IssuedAt:  jwt.NewNumericDate(now),
			Issuer:    tokenIssuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(cfg.JWTSecret))
}

func unauthorized(c *fiber.Ctx, message string) error {
	return c.Status(fiber.StatusUnauthorized).JSON(fiber.Map{
		"success": false,
		"message": message,
		"code":    "not_authenticated",
	})
}

// AuthRequired middleware to protect routes
func AuthRequired(cfg *config.Config) fiber.Handler {
	return func(c *fiber.Ctx) error {
		authHeader := c.Get("Authorization")
		if authHeader == "" {
			return unauthorized(c, "Missing authorization header")
		}

		// Extract token from "Bearer <token>"
		parts := strings.Split(authHeader, " ")
		if len(parts) != 2 || parts[0] != "Bearer" {
			return unauthorized(c, "Invalid authorization header format")
		}

		token, err := jwt.ParseWithClaims(parts[1], &JWTClaims{}, func(token *jwt.Token) (interface{}, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, errors.New("unexpected signing method")
			}
			return []byte(cfg.JWTSecret), nil
		}, jwt.WithIssuer(tokenIssuer))
		if err != nil || !token.Valid {
			return unauthorized(c, "Invalid or expired token")
		}

		claims, ok := token.Claims.(*JWTClaims)
		if !ok {
			return unauthorized(c, "Invalid token claims")
		}
		accountID := claims.AccountID
		if accountID == "" {
			accountID = claims.Subject
		}
		if _, err := uuid.Parse(accountID); err != nil {
			return unauthorized(c, "Invalid token claims")
		}

		c.Locals(localAccountID, accountID)
		return c.Next()
	}
}

// GetAccountID returns the authenticated account id, or "".
func GetAccountID(c *fiber.Ctx) string {
	id, _ := c.Locals(localAccountID).(string)
	return id
}
