package handlers

import (
	"errors"
	"strconv"
	"strings"

	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/engine"
	"github.com/midos-dev/knowledge-gateway/internal/gateway"
	"github.com/midos-dev/knowledge-gateway/pkg/logger"
	"github.com/midos-dev/knowledge-gateway/pkg/utils"
)

const defaultTopK = 5

type QueryHandler struct {
	orchestrator *gateway.Orchestrator
}

func NewQueryHandler(orchestrator *gateway.Orchestrator) *QueryHandler {
	return &QueryHandler{orchestrator: orchestrator}
}

func (h *QueryHandler) HandleQuery(c *fiber.Ctx) error {
	var req struct {
		Query   string            `json:"query"`
		Mode    string            `json:"mode"`
		Filters map[string]string `json:"filters"`
		TopK    int               `json:"top_k"`
	}

	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error":   "invalid_query",
			"message": "Invalid request body",
		})
	}

	if req.TopK == 0 {
		req.TopK = defaultTopK
	}

	response, err := h.orchestrator.Query(c.Context(), gateway.Request{
		Identity: extractCredential(c),
		AnonKey:  anonymousKey(c),
		Query:    req.Query,
		Mode:     req.Mode,
		Filters:  req.Filters,
		TopK:     req.TopK,
	})
	if err != nil {
		var rateLimited *gateway.RateLimitedError
		switch {
		case errors.As(err, &rateLimited):
			retryAfter := int(rateLimited.RetryAfter.Seconds())
			if retryAfter < 1 {
				retryAfter = 1
			}
			c.Set("Retry-After", strconv.Itoa(retryAfter))
			return c.Status(fiber.StatusTooManyRequests).JSON(fiber.Map{
				"error":               "rate_limited",
				"message":             "Quota exceeded. Retry later.",
				"retry_after_seconds": retryAfter,
			})
		case errors.Is(err, engine.ErrInvalidQuery):
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
				"error":   "invalid_query",
				"message": err.Error(),
			})
		default:
			logger.Error("Query failed", zap.Error(err))
			return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
				"error":   "internal_error",
				"message": "Failed to process query",
			})
		}
	}

	return c.JSON(response)
}

// extractCredential pulls the API key from the Authorization header.
// Absent or malformed headers yield the empty credential; tier resolution
// treats that as anonymous, never an error.
func extractCredential(c *fiber.Ctx) string {
	auth := c.Get("Authorization")
	if auth == "" {
		return ""
	}
	parts := strings.SplitN(auth, " ", 2)
	if len(parts) == 2 && strings.EqualFold(parts[0], "bearer") {
		return strings.TrimSpace(parts[1])
	}
	return strings.TrimSpace(auth)
}

// anonymousKey derives the rate-limit pooling key for unauthenticated
// callers: a hash of the originating IP, stable across a session.
func anonymousKey(c *fiber.Ctx) string {
	return "anon_" + utils.HashString(c.IP())
}
