package handler

import (
	"context"
	"errors"
	"log/slog"
	"reflect"
	"strings"

	"placechat-backend/internal/model"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
)

var validate = newValidator()

// newValidator reports fields by their JSON names.
func newValidator() *validator.Validate {
	v := validator.New()
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// messageError maps domain errors onto HTTP statuses. The client transport
// maps them back, so the pairs here are part of the API.
func messageError(c *fiber.Ctx, err error) error {
	switch {
	case errors.Is(err, model.ErrValidation):
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrPermissionDenied):
		return c.Status(403).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrNotFound):
		return c.Status(404).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrAmbiguousRecipient):
		return c.Status(409).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrUploadFailed):
		return c.Status(502).JSON(fiber.Map{"error": err.Error()})
	case errors.Is(err, model.ErrStoreUnavailable):
		return c.Status(503).JSON(fiber.Map{"error": "message store unavailable"})
	case errors.Is(err, context.DeadlineExceeded):
		return c.Status(504).JSON(fiber.Map{"error": "timed out"})
	default:
		slog.Error("handler: unexpected error", "method", c.Method(), "path", c.Path(), "error", err)
		return c.Status(500).JSON(fiber.Map{"error": "internal error"})
	}
}

// validationError flattens validator output into one readable line.
func validationError(c *fiber.Ctx, err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return c.Status(400).JSON(fiber.Map{"error": err.Error()})
	}
	fields := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields = append(fields, fe.Field()+" ("+fe.Tag()+")")
	}
	return c.Status(400).JSON(fiber.Map{"error": "invalid fields: " + strings.Join(fields, ", ")})
}
