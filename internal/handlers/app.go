package handlers

import (
	"embed"
	"io/fs"
	"net/http"

	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
	"github.com/gofiber/template/html/v2"
)

//go:embed views/*.html
var viewsFS embed.FS

// NewApp builds the relay's fiber app with every route mounted.
func NewApp(h *Handler) (*fiber.App, error) {
	views, err := fs.Sub(viewsFS, "views")
	if err != nil {
		return nil, err
	}
	engine := html.NewFileSystem(http.FS(views), ".html")

	app := fiber.New(fiber.Config{
		Views:                 engine,
		DisableStartupMessage: true,
	})

	// WS & APIs
	app.Use("/api/ws", h.UpgradeMiddleware)
	app.Get("/api/ws", websocket.New(h.RegisterHandler))
	app.Get("/api/clients", h.ShowClientsHandler) // ?exclude=
	app.Get("/api/messages", h.MessagesHandler)   // ?room=&limit=

	// Rooms
	app.Get("/api/rooms", h.RoomsHandler)                       // ?user_id=
	app.Post("/api/room/create", h.CreateRoomHandler)           // ?user_id=&room=
	app.Post("/api/room/delete", h.DeleteRoomHandler)           // ?user_id=&room=
	app.Post("/api/room/subscribe", h.SubscribeRoomHandler)     // ?user_id=&room=
	app.Post("/api/room/unsubscribe", h.UnsubscribeRoomHandler) // ?user_id=&room=

	app.Get("/", h.StatusHandler)

	return app, nil
}
