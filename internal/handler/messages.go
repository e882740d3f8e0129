package handler

import (
	"context"
	"time"

	"placechat-backend/internal/middleware"
	"placechat-backend/internal/model"
	"placechat-backend/internal/repository"

	"github.com/gofiber/fiber/v2"
)

// Messenger is the message service as seen by the HTTP layer.
type Messenger interface {
	Send(ctx context.Context, senderID string, req *model.SendRequest) (*model.Message, error)
	MarkRead(ctx context.Context, readerID string, ids []string) ([]string, error)
	MarkConversationRead(ctx context.Context, viewerID, placeID, counterpartyID string) ([]string, error)
	ListConversations(ctx context.Context, viewerID string) ([]model.Conversation, error)
	GetConversationMessages(ctx context.Context, viewerID, placeID, counterpartyID string) (*model.ConversationMessagesResponse, error)
	QueryMessages(ctx context.Context, viewerID, placeID string, page repository.Page) ([]model.Message, error)
	ViewerContext(ctx context.Context, userID string) (model.Viewer, error)
	PlaceRoster(ctx context.Context, viewerID, placeID string) (model.PlaceRoster, error)
}

type MessageHandler struct {
	svc Messenger
}

func NewMessageHandler(svc Messenger) *MessageHandler {
	return &MessageHandler{svc: svc}
}

func (h *MessageHandler) Send(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var req model.SendRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(c, err)
	}

	msg, err := h.svc.Send(c.UserContext(), userID, &req)
	if err != nil {
		return messageError(c, err)
	}
	return c.Status(201).JSON(msg)
}

func (h *MessageHandler) MarkRead(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	var req model.MarkReadRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(400).JSON(fiber.Map{"error": "invalid request body"})
	}
	if err := validate.Struct(&req); err != nil {
		return validationError(c, err)
	}

	updated, err := h.svc.MarkRead(c.UserContext(), userID, req.IDs)
	if err != nil {
		return messageError(c, err)
	}
	if updated == nil {
		updated = []string{}
	}
	return c.JSON(model.MarkReadResponse{Updated: updated})
}

type messagePage struct {
	Messages []model.Message `json:"messages"`
	Next     *pageCursor     `json:"next,omitempty"`
}

type pageCursor struct {
	CreatedAt time.Time `json:"created_at"`
	ID        string    `json:"id"`
}

// Query serves the restartable range read. Pass the returned next cursor as
// after_created_at and after_id to resume.
func (h *MessageHandler) Query(c *fiber.Ctx) error {
	userID := middleware.UserID(c)

	page := repository.Page{Limit: c.QueryInt("limit", 0)}
	if ts := c.Query("after_created_at"); ts != "" {
		at, err := time.Parse(time.RFC3339Nano, ts)
		if err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "after_created_at must be RFC 3339"})
		}
		id := c.Query("after_id")
		if err := validate.Var(id, "required,uuid"); err != nil {
			return c.Status(400).JSON(fiber.Map{"error": "after_id must be a message id"})
		}
		page.After = &repository.Cursor{CreatedAt: at, ID: id}
	}

	msgs, err := h.svc.QueryMessages(c.UserContext(), userID, c.Query("place_id"), page)
	if err != nil {
		return messageError(c, err)
	}
	resp := messagePage{Messages: msgs}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	if n := len(msgs); n > 0 {
		last := msgs[n-1]
		resp.Next = &pageCursor{CreatedAt: last.CreatedAt, ID: last.ID}
	}
	return c.JSON(resp)
}

func (h *MessageHandler) ListConversations(c *fiber.Ctx) error {
	convs, err := h.svc.ListConversations(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return messageError(c, err)
	}
	if convs == nil {
		convs = []model.Conversation{}
	}
	return c.JSON(convs)
}

func (h *MessageHandler) ConversationMessages(c *fiber.Ctx) error {
	resp, err := h.svc.GetConversationMessages(c.UserContext(), middleware.UserID(c), c.Params("placeId"), c.Params("counterpartyId"))
	if err != nil {
		return messageError(c, err)
	}
	if resp.Messages == nil {
		resp.Messages = []model.Message{}
	}
	return c.JSON(resp)
}

func (h *MessageHandler) MarkConversationRead(c *fiber.Ctx) error {
	updated, err := h.svc.MarkConversationRead(c.UserContext(), middleware.UserID(c), c.Params("placeId"), c.Params("counterpartyId"))
	if err != nil {
		return messageError(c, err)
	}
	if updated == nil {
		updated = []string{}
	}
	return c.JSON(model.MarkReadResponse{Updated: updated})
}

// Roles returns the caller's viewer context: every place they act for, with
// its roster.
func (h *MessageHandler) Roles(c *fiber.Ctx) error {
	viewer, err := h.svc.ViewerContext(c.UserContext(), middleware.UserID(c))
	if err != nil {
		return messageError(c, err)
	}
	return c.JSON(viewer)
}

func (h *MessageHandler) Roster(c *fiber.Ctx) error {
	roster, err := h.svc.PlaceRoster(c.UserContext(), middleware.UserID(c), c.Params("id"))
	if err != nil {
		return messageError(c, err)
	}
	return c.JSON(roster)
}
