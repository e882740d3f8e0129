package handler

import (
	"context"
	"log/slog"

	"github.com/gofiber/fiber/v2"
)

type RoleInvalidator interface {
	InvalidateRoles(ctx context.Context, placeID string) error
}

// ServerHandler serves server-to-server hooks, guarded by the server key.
type ServerHandler struct {
	roles RoleInvalidator
}

func NewServerHandler(roles RoleInvalidator) *ServerHandler {
	return &ServerHandler{roles: roles}
}

// InvalidateRoles is called by the place directory after an ownership or
// employee change so every instance recomputes its session filters.
func (h *ServerHandler) InvalidateRoles(c *fiber.Ctx) error {
	placeID := c.Params("id")
	if err := validate.Var(placeID, "required,uuid"); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid place id"})
	}
	if err := h.roles.InvalidateRoles(c.UserContext(), placeID); err != nil {
		slog.Error("server: role invalidation failed", "place", placeID, "error", err)
		return c.Status(503).JSON(fiber.Map{"error": "invalidation not propagated"})
	}
	return c.JSON(fiber.Map{"ok": true})
}
