// middleware/auth.go
package middleware

import (
	"log"
	"os"

	"github.com/gofiber/fiber/v2"
)

// APIKeyMiddleware guards the ingestion and reset routes with the shared
// agent secret. Requests without the exact X-Api-Key header are rejected
// before any processing.
func APIKeyMiddleware() fiber.Handler {
	expectedKey := os.Getenv("ARENA_API_KEY")
	if expectedKey == "" {
		log.Fatal("ARENA_API_KEY is not set — refusing to accept ingest traffic without a shared secret")
	}

	return func(c *fiber.Ctx) error {
		if c.Get("X-Api-Key") != expectedKey {
			log.Printf("[Auth] rejected %s %s: missing or invalid api key", c.Method(), c.Path())
			return c.Status(fiber.StatusForbidden).JSON(fiber.Map{
				"error": "invalid api key",
			})
		}
		return c.Next()
	}
}
