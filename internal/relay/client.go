package relay

import (
	"github.com/gofiber/contrib/websocket"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Client is one WebSocket connection. A user may hold several.
type Client struct {
	Id   string // connection id
	User chat.User
	Conn ConnLike
	Send chan []byte
}

type ConnLike interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(int, []byte) error
	Close() error
}

func NewClient(id string, user chat.User, conn ConnLike, buffer int) *Client {
	if buffer <= 0 {
		buffer = 16
	}
	return &Client{Id: id, User: user, Conn: conn, Send: make(chan []byte, buffer)}
}

// ReadPump decodes frames from the socket and hands them to the hub until the
// socket fails or the hub stops. Undecodable frames are passed along as
// errors so the hub can tell the sender.
func (c *Client) ReadPump(h *Hub) {
	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}
		f, err := chat.DecodeFrame(data)
		select {
		case h.inbound <- inbound{client: c, frame: f, err: err}:
		case <-h.done:
			return
		}
	}
}

// WritePump drains Send until the hub closes it.
func (c *Client) WritePump() {
	for data := range c.Send {
		_ = c.Conn.WriteMessage(websocket.TextMessage, data)
	}
}
