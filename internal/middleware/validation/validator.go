package validation

import (
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"
)

type Config struct {
	MaxQueryLength int
	MaxTopK        int
	MaxKeyLength   int
	Logger         *zap.Logger
}

// Middleware rejects malformed query requests before they reach the
// orchestrator: oversized queries, absurd top_k values and oversized
// credentials all map to a 400, never deeper.
func Middleware(cfg Config) fiber.Handler {
	if cfg.MaxQueryLength == 0 {
		cfg.MaxQueryLength = 2000
	}
	if cfg.MaxTopK == 0 {
		cfg.MaxTopK = 50
	}
	if cfg.MaxKeyLength == 0 {
		cfg.MaxKeyLength = 128
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	return func(c *fiber.Ctx) error {
		if auth := c.Get("Authorization"); len(auth) > cfg.MaxKeyLength+16 {
			cfg.Logger.Warn("Oversized credential rejected", zap.String("ip", c.IP()))
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error": "invalid_query",
				"message": "Credential too long",
			})
		}

		if c.Method() != fiber.MethodPost || !strings.Contains(c.Path(), "/query") {
			return c.Next()
		}

		var req struct {
			Query string `json:"query"`
			TopK  int    `json:"top_k"`
		}
		if err := c.BodyParser(&req); err != nil {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_query",
				"message": "Invalid JSON body",
			})
		}

		if len(req.Query) > cfg.MaxQueryLength {
			cfg.Logger.Warn("Oversized query rejected",
				zap.String("ip", c.IP()),
				zap.Int("length", len(req.Query)),
			)
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_query",
				"message": "Query exceeds maximum length",
			})
		}

		if req.TopK > cfg.MaxTopK {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_query",
				"message": "top_k exceeds maximum",
			})
		}

		return c.Next()
	}
}
