package handlers

import (
	"github.com/gofiber/fiber/v2"

	"github.com/scriptgrade/api/database"
	"github.com/scriptgrade/api/utils/cache"
)

// HealthHandler reports service liveness and dependency status
type HealthHandler struct {
	store database.Storage
	redis *cache.RedisCache
}

// NewHealthHandler creates a new health handler
func NewHealthHandler(store database.Storage, redis *cache.RedisCache) *HealthHandler {
	return &HealthHandler{store: store, redis: redis}
}

// Ping handles GET /ping
func (h *HealthHandler) Ping(c *fiber.Ctx) error {
	return c.JSON(fiber.Map{"status": "ok"})
}

// Check handles GET /api/v1/health with dependency checks
func (h *HealthHandler) Check(c *fiber.Ctx) error {
	checks := fiber.Map{}
	healthy := true

	if err := h.store.HealthCheck(); err != nil {
		checks["database"] = err.Error()
		healthy = false
	} else {
		checks["database"] = "ok"
	}

	if h.redis != nil {
		if err := h.redis.Ping(c.Context()); err != nil {
			// Redis is the durable cache tier only; grading still works
			checks["redis"] = err.Error()
		} else {
			checks["redis"] = "ok"
		}
	} else {
		checks["redis"] = "disabled"
	}

	status := fiber.StatusOK
	if !healthy {
		status = fiber.StatusServiceUnavailable
	}
	return c.Status(status).JSON(fiber.Map{
		"status": map[bool]string{true: "ok", false: "degraded"}[healthy],
		"checks": checks,
	})
}
