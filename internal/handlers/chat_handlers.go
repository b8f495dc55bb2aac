package handlers

import (
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/relay"
)

type Handler struct {
	hub *relay.Hub
	log zerolog.Logger
}

func New(hub *relay.Hub, logger zerolog.Logger) *Handler {
	return &Handler{hub: hub, log: logger}
}

// UpgradeMiddleware rejects plain HTTP requests to the socket endpoint.
func (h *Handler) UpgradeMiddleware(c *fiber.Ctx) error {
	if websocket.IsWebSocketUpgrade(c) {
		return c.Next()
	}
	return fiber.ErrUpgradeRequired
}

// RegisterHandler GET /api/ws?user_id=&user_name=&avatar_color=
func (h *Handler) RegisterHandler(c *websocket.Conn) {
	user := chat.User{
		ID:          strings.TrimSpace(c.Query("user_id")),
		Name:        strings.TrimSpace(c.Query("user_name")),
		AvatarColor: c.Query("avatar_color"),
	}
	if user.ID == "" {
		h.log.Warn().Str("remote", c.IP()).Msg("rejecting socket without user_id")
		if data, err := chat.EncodeFrame(chat.ErrorFrame("invalid_identity", "user_id is required", false, time.Now())); err == nil {
			_ = c.WriteMessage(websocket.TextMessage, data)
		}
		_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "user_id is required"))
		return
	}
	if user.Name == "" {
		user.Name = user.ID
	}

	client := h.hub.NewClient(uuid.NewString(), user, c)
	if !h.hub.Register(client) {
		return
	}
	defer h.hub.Unregister(client)
	go client.WritePump()
	client.ReadPump(h.hub)
}

// ShowClientsHandler GET /api/clients?exclude=connOrUserIdOrName
func (h *Handler) ShowClientsHandler(c *fiber.Ctx) error {
	ex := c.Query("exclude")
	return c.JSON(h.hub.ListClients(ex))
}

// MessagesHandler GET /api/messages?room=&limit=
func (h *Handler) MessagesHandler(c *fiber.Ctx) error {
	limit := 0
	if raw := c.Query("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "limit must be a non-negative integer"})
		}
		limit = n
	}
	return c.JSON(h.hub.History(c.Query("room"), limit))
}

// RoomsHandler GET /api/rooms?user_id=
func (h *Handler) RoomsHandler(c *fiber.Ctx) error {
	userID := strings.TrimSpace(c.Query("user_id"))
	return c.JSON(h.hub.ListRoomsWithSub(userID))
}

// CreateRoomHandler POST /api/room/create?user_id=&room=
func (h *Handler) CreateRoomHandler(c *fiber.Ctx) error {
	userID, room, ok := roomParams(c)
	if !ok {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if !h.hub.CreateRoom(userID, room) {
		// exists already or the name cleans to nothing
		return c.SendStatus(fiber.StatusConflict)
	}
	h.log.Info().Str("room", chat.NormalizeRoom(room)).Str("owner", userID).Msg("room created")
	return c.SendStatus(fiber.StatusCreated)
}

// DeleteRoomHandler POST /api/room/delete?user_id=&room=
func (h *Handler) DeleteRoomHandler(c *fiber.Ctx) error {
	userID, room, ok := roomParams(c)
	if !ok {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "missing user_id or room"})
	}
	ok, reason := h.hub.DeleteRoomWithReason(userID, room)
	if !ok {
		code := fiber.StatusForbidden
		switch reason {
		case "not_found":
			code = fiber.StatusNotFound
		case "invalid_room":
			code = fiber.StatusBadRequest
		}
		return c.Status(code).JSON(fiber.Map{"error": reason})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// SubscribeRoomHandler POST /api/room/subscribe?user_id=&room=
func (h *Handler) SubscribeRoomHandler(c *fiber.Ctx) error {
	userID, room, ok := roomParams(c)
	if !ok {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	if !h.hub.Subscribe(userID, room) {
		return c.SendStatus(fiber.StatusNotFound)
	}
	return c.SendStatus(fiber.StatusNoContent)
}

// UnsubscribeRoomHandler POST /api/room/unsubscribe?user_id=&room=
func (h *Handler) UnsubscribeRoomHandler(c *fiber.Ctx) error {
	userID, room, ok := roomParams(c)
	if !ok {
		return c.SendStatus(fiber.StatusBadRequest)
	}
	ok, reason := h.hub.Unsubscribe(userID, room)
	if !ok {
		code := fiber.StatusNotFound
		switch reason {
		case "owner_cannot_leave":
			code = fiber.StatusForbidden
		case "invalid_room":
			code = fiber.StatusBadRequest
		}
		return c.Status(code).JSON(fiber.Map{"error": reason})
	}
	return c.SendStatus(fiber.StatusNoContent)
}

func roomParams(c *fiber.Ctx) (userID, room string, ok bool) {
	userID = strings.TrimSpace(c.Query("user_id"))
	room = strings.TrimSpace(c.Query("room"))
	return userID, room, userID != "" && room != ""
}

// StatusHandler GET /
func (h *Handler) StatusHandler(c *fiber.Ctx) error {
	frames := h.hub.History("", 20)
	msgs := make([]chat.Message, 0, len(frames))
	for _, f := range frames {
		m, err := chat.MessageFromFrame(f)
		if err != nil {
			continue
		}
		msgs = append(msgs, m)
	}
	return c.Render("status", fiber.Map{
		"Clients":  h.hub.ListClients(""),
		"Rooms":    h.hub.ListRoomsWithSub(""),
		"Messages": msgs,
	})
}
