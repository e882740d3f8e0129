package handler

import (
	"context"
	"io"

	"placechat-backend/internal/model"

	"github.com/gofiber/fiber/v2"
)

type Uploader interface {
	Upload(ctx context.Context, data []byte, contentType string) (string, error)
}

type UploadHandler struct {
	uploader Uploader
	maxBytes int64
}

func NewUploadHandler(uploader Uploader, maxBytes int) *UploadHandler {
	return &UploadHandler{uploader: uploader, maxBytes: int64(maxBytes)}
}

// Upload accepts a multipart "file" and returns the stored attachment URL
// to put into an image or audio message body.
func (h *UploadHandler) Upload(c *fiber.Ctx) error {
	fh, err := c.FormFile("file")
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "multipart field 'file' is required"})
	}
	if h.maxBytes > 0 && fh.Size > h.maxBytes {
		return c.Status(413).JSON(fiber.Map{"error": "attachment too large"})
	}

	f, err := fh.Open()
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "unreadable attachment"})
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "unreadable attachment"})
	}

	url, err := h.uploader.Upload(c.UserContext(), data, fh.Header.Get("Content-Type"))
	if err != nil {
		return messageError(c, err)
	}
	return c.Status(201).JSON(model.UploadResponse{URL: url})
}
