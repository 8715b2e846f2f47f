package middleware

import (
	"crypto/sha256"
	"crypto/subtle"
	"log/slog"
	"net/http"

	"github.com/gofiber/fiber/v2"
)

const apiKeyHeader = "X-API-Key"

// APIKey guards routes with a shared-secret credential carried in the
// X-API-Key header. When no key is configured the gate is disabled, which is
// only acceptable in development; a warning is logged once at startup.
func APIKey(key string, logger *slog.Logger) fiber.Handler {
	if key == "" {
		logger.Warn("APP_API_KEY is not set, API key authentication is disabled")
		return func(c *fiber.Ctx) error {
			return c.Next()
		}
	}

	// Comparing digests keeps the check constant-time regardless of the
	// provided key's length.
	expected := sha256.Sum256([]byte(key))

	return func(c *fiber.Ctx) error {
		provided := c.Get(apiKeyHeader)
		if provided == "" {
			return fiber.NewError(http.StatusUnauthorized, "API key is required, provide the X-API-Key header")
		}
		digest := sha256.Sum256([]byte(provided))
		if subtle.ConstantTimeCompare(digest[:], expected[:]) != 1 {
			logger.Warn("invalid API key attempted", slog.String("path", c.Path()))
			return fiber.NewError(http.StatusUnauthorized, "invalid API key")
		}
		return c.Next()
	}
}
