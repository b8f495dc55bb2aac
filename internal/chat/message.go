package chat

import (
	"bytes"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SystemUser is the sender of synthesized presence announcements.
var SystemUser = User{ID: "system", Name: "System", AvatarColor: "gray"}

type User struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

type ContentKind string

const (
	ContentText  ContentKind = "text"
	ContentImage ContentKind = "image"
)

// Content is either a text string or an image payload, never both.
type Content struct {
	Kind  ContentKind
	Text  string
	Image []byte
}

func TextContent(text string) Content {
	return Content{Kind: ContentText, Text: text}
}

func ImageContent(data []byte) Content {
	return Content{Kind: ContentImage, Image: bytes.Clone(data)}
}

// Message is a chat message as shown to the user. Treat it as a value: the
// constructors copy image payloads so nothing outside can mutate one.
type Message struct {
	ID         string
	Content    Content
	SenderID   string
	SenderName string
	Timestamp  time.Time
	ReplyTo    string // optional id of the message being replied to
	RoomID     string // empty for the lobby
}

// NewMessage builds a message with a fresh client-side id. The id is reused for
// the wire frame so the optimistic copy and the relayed copy share it.
func NewMessage(sender User, content Content, at time.Time) Message {
	return Message{
		ID:         uuid.NewString(),
		Content:    content,
		SenderID:   sender.ID,
		SenderName: sender.Name,
		Timestamp:  at,
	}
}

// NewSystemMessage builds an announcement such as "alice joined".
func NewSystemMessage(text string, at time.Time) Message {
	return NewMessage(SystemUser, TextContent(text), at)
}

func (m Message) IsSystem() bool {
	return m.SenderID == SystemUser.ID
}

func (m Message) DisplayText() string {
	if m.Content.Kind == ContentImage {
		return "[image]"
	}
	return m.Content.Text
}

// Frame converts the message to its outbound wire representation.
func (m Message) Frame() Frame {
	f := Frame{
		Type:       FrameMessage,
		Timestamp:  m.Timestamp,
		MessageID:  m.ID,
		SenderID:   m.SenderID,
		SenderName: m.SenderName,
		ReplyTo:    m.ReplyTo,
		RoomID:     m.RoomID,
	}
	switch m.Content.Kind {
	case ContentImage:
		f.ImageData = m.Content.Image
	default:
		f.Text = m.Content.Text
	}
	return f
}

// MessageFromFrame converts a decoded message frame back into a Message.
func MessageFromFrame(f Frame) (Message, error) {
	if f.Type != FrameMessage {
		return Message{}, fmt.Errorf("%w: frame type %q is not a message", ErrInvalidMessage, f.Type)
	}

	content := TextContent(f.Text)
	if len(f.ImageData) > 0 {
		content = ImageContent(f.ImageData)
	}

	return Message{
		ID:         f.MessageID,
		Content:    content,
		SenderID:   f.SenderID,
		SenderName: f.SenderName,
		Timestamp:  f.Timestamp,
		ReplyTo:    f.ReplyTo,
		RoomID:     f.RoomID,
	}, nil
}
