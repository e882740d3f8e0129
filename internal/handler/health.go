package handler

import (
	"context"
	"time"

	"github.com/gofiber/fiber/v2"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type HealthHandler struct {
	db       Pinger
	sessions func() int
}

func NewHealthHandler(db Pinger, sessions func() int) *HealthHandler {
	return &HealthHandler{db: db, sessions: sessions}
}

func (h *HealthHandler) Health(c *fiber.Ctx) error {
	resp := fiber.Map{"status": "ok"}
	if h.sessions != nil {
		resp["sessions"] = h.sessions()
	}
	return c.JSON(resp)
}

func (h *HealthHandler) Ready(c *fiber.Ctx) error {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := h.db.Ping(ctx); err != nil {
		return c.Status(503).JSON(fiber.Map{"status": "not ready", "error": "database unreachable"})
	}

	return c.JSON(fiber.Map{"status": "ready"})
}
