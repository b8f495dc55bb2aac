package chat

import (
	"encoding/json"
	"fmt"
	"time"
)

// FrameType is the discriminator carried in every frame's "type" field.
type FrameType string

const (
	FrameMessage        FrameType = "message"
	FrameUserJoined     FrameType = "user_joined"
	FrameUserLeft       FrameType = "user_left"
	FrameTyping         FrameType = "typing"
	FrameTypingStop     FrameType = "typing_stop"
	FrameMessageRead    FrameType = "message_read"
	FrameMessageDeleted FrameType = "message_deleted"
	FrameError          FrameType = "error"
	FramePing           FrameType = "ping"
	FramePong           FrameType = "pong"
	FrameJoinRoom       FrameType = "join_room"
	FrameLeaveRoom      FrameType = "leave_room"
)

func (t FrameType) Known() bool {
	switch t {
	case FrameMessage, FrameUserJoined, FrameUserLeft, FrameTyping, FrameTypingStop,
		FrameMessageRead, FrameMessageDeleted, FrameError, FramePing, FramePong,
		FrameJoinRoom, FrameLeaveRoom:
		return true
	default:
		return false
	}
}

// Frame is one JSON object on the wire. Each frame type uses a subset of the
// fields; unused ones are omitted.
type Frame struct {
	Type      FrameType `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// message / message_read / message_deleted
	MessageID  string `json:"messageId,omitempty"`
	Text       string `json:"text,omitempty"`
	ImageData  []byte `json:"imageData,omitempty"` // base64 on the wire
	SenderID   string `json:"senderId,omitempty"`
	SenderName string `json:"senderName,omitempty"`
	ReplyTo    string `json:"replyTo,omitempty"`

	// message / typing / message_read / message_deleted / join_room / leave_room;
	// empty outside rooms
	RoomID string `json:"roomId,omitempty"`

	// typing / typing_stop / user_joined / user_left / message_read / join_room / leave_room
	UserID      string `json:"userId,omitempty"`
	UserName    string `json:"userName,omitempty"`
	AvatarColor string `json:"avatarColor,omitempty"`

	// error
	ErrorCode        string `json:"errorCode,omitempty"`
	ErrorDescription string `json:"errorDescription,omitempty"`
	Retryable        bool   `json:"retryable,omitempty"`
}

// User returns the user a typing, presence or receipt frame refers to.
func (f Frame) User() User {
	return User{ID: f.UserID, Name: f.UserName, AvatarColor: f.AvatarColor}
}

func TypingFrame(u User, typing bool, at time.Time) Frame {
	t := FrameTypingStop
	if typing {
		t = FrameTyping
	}
	return Frame{Type: t, Timestamp: at, UserID: u.ID, UserName: u.Name}
}

func PresenceFrame(u User, joined bool, at time.Time) Frame {
	t := FrameUserLeft
	if joined {
		t = FrameUserJoined
	}
	return Frame{Type: t, Timestamp: at, UserID: u.ID, UserName: u.Name, AvatarColor: u.AvatarColor}
}

func ReadFrame(messageID string, u User, at time.Time) Frame {
	return Frame{Type: FrameMessageRead, Timestamp: at, MessageID: messageID, UserID: u.ID, UserName: u.Name}
}

func DeletedFrame(messageID string, u User, at time.Time) Frame {
	return Frame{Type: FrameMessageDeleted, Timestamp: at, MessageID: messageID, UserID: u.ID, UserName: u.Name}
}

func ErrorFrame(code, description string, retryable bool, at time.Time) Frame {
	return Frame{Type: FrameError, Timestamp: at, ErrorCode: code, ErrorDescription: description, Retryable: retryable}
}

// RoomFrame announces that u joins or leaves room.
func RoomFrame(room string, u User, join bool, at time.Time) Frame {
	t := FrameLeaveRoom
	if join {
		t = FrameJoinRoom
	}
	return Frame{Type: t, Timestamp: at, RoomID: room, UserID: u.ID, UserName: u.Name}
}

func PingFrame(at time.Time) Frame { return Frame{Type: FramePing, Timestamp: at} }
func PongFrame(at time.Time) Frame { return Frame{Type: FramePong, Timestamp: at} }

// EncodeFrame serializes a frame for the wire.
func EncodeFrame(f Frame) ([]byte, error) {
	data, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEncodingFailed, err)
	}
	return data, nil
}

// DecodeFrame parses and validates an inbound frame. Malformed JSON, an
// unknown type, or a frame missing the fields its type needs all fail with
// ErrDecodingFailed.
func DecodeFrame(data []byte) (Frame, error) {
	var f Frame
	if err := json.Unmarshal(data, &f); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	if err := f.validate(); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrDecodingFailed, err)
	}
	return f, nil
}

func (f Frame) validate() error {
	if !f.Type.Known() {
		return fmt.Errorf("unknown frame type %q", f.Type)
	}

	switch f.Type {
	case FrameMessage:
		if f.MessageID == "" {
			return fmt.Errorf("message frame without messageId")
		}
		if f.SenderID == "" {
			return fmt.Errorf("message %s without senderId", f.MessageID)
		}
		hasText, hasImage := f.Text != "", len(f.ImageData) > 0
		if hasText == hasImage {
			return fmt.Errorf("message %s must carry exactly one of text or imageData", f.MessageID)
		}
	case FrameTyping, FrameTypingStop, FrameUserJoined, FrameUserLeft:
		if f.UserID == "" {
			return fmt.Errorf("%s frame without userId", f.Type)
		}
	case FrameMessageRead:
		if f.UserID == "" || f.MessageID == "" {
			return fmt.Errorf("message_read frame needs userId and messageId")
		}
	case FrameMessageDeleted:
		if f.MessageID == "" {
			return fmt.Errorf("message_deleted frame without messageId")
		}
	case FrameJoinRoom, FrameLeaveRoom:
		if f.RoomID == "" || f.UserID == "" {
			return fmt.Errorf("%s frame needs roomId and userId", f.Type)
		}
	case FrameError:
		if f.ErrorCode == "" {
			return fmt.Errorf("error frame without errorCode")
		}
	}

	return nil
}
