package handlers

import (
	"github.com/gofiber/fiber/v2"
	"go.uber.org/zap"

	"github.com/midos-dev/knowledge-gateway/internal/decay"
	"github.com/midos-dev/knowledge-gateway/internal/events"
	"github.com/midos-dev/knowledge-gateway/internal/ratelimit"
	"github.com/midos-dev/knowledge-gateway/internal/tier"
	"github.com/midos-dev/knowledge-gateway/pkg/circuitbreaker"
	"github.com/midos-dev/knowledge-gateway/pkg/logger"
)

// AdminHandler is the operator surface: decay reporting, item verification
// and archival, key management and quota visibility. Access control happens
// at the deployment boundary (the admin group is not exposed publicly).
type AdminHandler struct {
	registry *tier.Registry
	decay    *decay.Tracker
	limiter  *ratelimit.Limiter
	breakers *circuitbreaker.Registry
	hub      *events.Hub
}

func NewAdminHandler(
	registry *tier.Registry,
	decayTracker *decay.Tracker,
	limiter *ratelimit.Limiter,
	breakers *circuitbreaker.Registry,
	hub *events.Hub,
) *AdminHandler {
	return &AdminHandler{
		registry: registry,
		decay:    decayTracker,
		limiter:  limiter,
		breakers: breakers,
		hub:      hub,
	}
}

func (h *AdminHandler) GetDecayReport(c *fiber.Ctx) error {
	limit := c.QueryInt("limit", 50)
	return c.JSON(fiber.Map{
		"items": h.decay.Report(limit),
	})
}

func (h *AdminHandler) MarkVerified(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "item id is required",
		})
	}

	h.decay.MarkVerified(id)
	logger.Info("Knowledge item verified", zap.String("item_id", id))
	return c.JSON(fiber.Map{
		"id":          id,
		"decay_score": h.decay.Score(id),
	})
}

func (h *AdminHandler) ArchiveItem(c *fiber.Ctx) error {
	id := c.Params("id")
	if id == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "item id is required",
		})
	}

	h.decay.Archive(id)
	h.hub.Publish(events.TypeItemArchived, "Knowledge item archived", map[string]string{
		"item_id": id,
	})
	return c.JSON(fiber.Map{
		"id":       id,
		"archived": true,
	})
}

func (h *AdminHandler) GetUsage(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"usage": h.limiter.Usage(),
	})
}

func (h *AdminHandler) GetBreakerStates(c *fiber.Ctx) error {
	states := h.breakers.States()
	out := make(map[string]string, len(states))
	for dep, state := range states {
		out[dep] = state.String()
	}
	return c.JSON(fiber.Map{
		"dependencies": out,
	})
}

func (h *AdminHandler) ReloadKeys(c *fiber.Ctx) error {
	if err := h.registry.Reload(); err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "key reload failed",
		})
	}
	h.hub.Publish(events.TypeKeysReloaded, "API keys reloaded", nil)
	return c.JSON(fiber.Map{
		"status": "reloaded",
	})
}

func (h *AdminHandler) GenerateKey(c *fiber.Ctx) error {
	var req struct {
		Name string `json:"name"`
		Tier string `json:"tier"`
	}
	if err := c.BodyParser(&req); err != nil || req.Name == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "name and tier are required",
		})
	}

	key, err := h.registry.Generate(req.Name, req.Tier)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": err.Error(),
		})
	}

	// The full key is returned exactly once.
	return c.Status(fiber.StatusCreated).JSON(fiber.Map{
		"key":  key,
		"name": req.Name,
		"tier": req.Tier,
	})
}

func (h *AdminHandler) RevokeKey(c *fiber.Ctx) error {
	var req struct {
		Key string `json:"key"`
	}
	if err := c.BodyParser(&req); err != nil || req.Key == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{
			"error": "key is required",
		})
	}

	revoked, err := h.registry.Revoke(req.Key)
	if err != nil {
		return c.Status(fiber.StatusInternalServerError).JSON(fiber.Map{
			"error": "failed to persist revocation",
		})
	}
	if !revoked {
		return c.Status(fiber.StatusNotFound).JSON(fiber.Map{
			"error": "key not found",
		})
	}
	return c.JSON(fiber.Map{
		"status": "revoked",
	})
}

func (h *AdminHandler) ListKeys(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{
		"keys": h.registry.List(),
	})
}
