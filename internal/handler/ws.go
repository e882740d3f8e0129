package handler

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"placechat-backend/internal/middleware"
	"placechat-backend/internal/model"
	"placechat-backend/internal/service"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

const (
	readTimeout  = 60 * time.Second
	writeTimeout = 10 * time.Second
)

type WSHandler struct {
	broker    *service.Broker
	viewer    func(ctx context.Context, userID string) (model.Viewer, error)
	jwtSecret string
}

// NewWSHandler serves the subscription socket. viewer, when set, answers
// "roles" requests so clients can refresh their viewer context in-band.
func NewWSHandler(broker *service.Broker, viewer func(ctx context.Context, userID string) (model.Viewer, error), jwtSecret string) *WSHandler {
	return &WSHandler{broker: broker, viewer: viewer, jwtSecret: jwtSecret}
}

func (h *WSHandler) Upgrade(c *fiber.Ctx) error {
	if !websocket.IsWebSocketUpgrade(c) {
		return fiber.ErrUpgradeRequired
	}
	// Browsers cannot set headers on a websocket handshake.
	token := c.Query("token")
	if token == "" {
		return c.Status(401).JSON(fiber.Map{"error": "token required"})
	}
	userID, err := middleware.ParseToken(h.jwtSecret, token)
	if err != nil {
		return c.Status(401).JSON(fiber.Map{"error": "invalid token"})
	}
	c.Locals(middleware.UserIDKey, userID)
	return websocket.New(h.handleConnection)(c)
}

func (h *WSHandler) handleConnection(c *websocket.Conn) {
	userID, _ := c.Locals(middleware.UserIDKey).(string)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	session, err := h.broker.Connect(ctx, userID)
	cancel()
	if err != nil {
		slog.Error("ws: subscribe failed", "user", userID, "error", err)
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "subscribe failed"))
		return
	}
	defer h.broker.Disconnect(session)

	// Writer: Send is closed by the broker on disconnect or eviction, which
	// closes the socket and ends the reader below.
	go func() {
		defer c.Close()
		for frame := range session.Send {
			_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.WriteMessage(websocket.TextMessage, frame); err != nil {
				return
			}
		}
		_ = c.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "resubscribe and reconcile"))
	}()

	_ = c.SetReadDeadline(time.Now().Add(readTimeout))
	for {
		_, msg, err := c.ReadMessage()
		if err != nil {
			break
		}
		_ = c.SetReadDeadline(time.Now().Add(readTimeout))

		var event model.WSEvent
		if err := json.Unmarshal(msg, &event); err != nil {
			continue
		}

		switch event.Type {
		case "ping":
			h.broker.Reply(session, model.WSEvent{Type: "pong"})
		case "roles":
			h.replyRoles(session)
		default:
			slog.Debug("ws: unknown event type", "type", event.Type, "user", userID)
		}
	}
}

func (h *WSHandler) replyRoles(s *service.Session) {
	if h.viewer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := h.viewer(ctx, s.UserID)
	if err != nil {
		slog.Warn("ws: roles lookup failed", "user", s.UserID, "error", err)
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.broker.Reply(s, model.WSEvent{Type: "roles", Data: data})
}
