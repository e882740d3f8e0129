package middleware

import (
	"log/slog"
	"time"

	"github.com/gofiber/fiber/v2"
)

// Logger logs only slow or failed requests. Successful fast requests are the
// bulk of the chat polling traffic and are not worth a line each.
func Logger(logger *slog.Logger, slow time.Duration) fiber.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *fiber.Ctx) error {
		start := time.Now()
		err := c.Next()
		if err != nil {
			// Let the app's error handler pick the status before we read it.
			if herr := c.App().ErrorHandler(c, err); herr != nil {
				_ = c.SendStatus(fiber.StatusInternalServerError)
			}
		}
		latency := time.Since(start)
		status := c.Response().StatusCode()

		if !shouldLog(status, latency, slow) {
			return nil
		}
		level := slog.LevelWarn
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.UserContext(), level, "http request",
			"status", status,
			"method", c.Method(),
			"path", c.Path(),
			"latency", latency.String(),
			"user", UserID(c),
		)
		return nil
	}
}

func shouldLog(status int, latency, slow time.Duration) bool {
	return status >= 400 || latency >= slow
}
