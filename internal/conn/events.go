package conn

import (
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// Event is anything the Manager reports on its Events channel. The set is
// closed; consumers type-switch over the concrete types below.
type Event interface {
	event()
}

// StateEvent is emitted on every state transition.
type StateEvent struct {
	State State
}

// DisconnectedEvent follows the transition to StateDisconnected. Manual is set
// only for Disconnect, which never triggers a reconnect.
type DisconnectedEvent struct {
	Reason string
	Manual bool
}

type MessageEvent struct {
	Message chat.Message
}

type PresenceEvent struct {
	User   chat.User
	Joined bool
	At     time.Time
}

type TypingEvent struct {
	User   chat.User
	Typing bool
	Room   string
}

type ReadEvent struct {
	MessageID string
	User      chat.User
}

type DeletedEvent struct {
	MessageID string
	User      chat.User
}

// RoomEvent reports a user joining or leaving a room the local user is in.
type RoomEvent struct {
	Room   string
	User   chat.User
	Joined bool
}

// ServerErrorEvent carries an "error" frame sent by the remote end.
type ServerErrorEvent struct {
	Code        string
	Description string
	Retryable   bool
}

// ErrorEvent carries a local failure: a dropped inbound frame, a failed send,
// a failed dial or an unexpected closure.
type ErrorEvent struct {
	Err error
}

func (StateEvent) event()        {}
func (DisconnectedEvent) event() {}
func (MessageEvent) event()      {}
func (PresenceEvent) event()     {}
func (TypingEvent) event()       {}
func (ReadEvent) event()         {}
func (DeletedEvent) event()      {}
func (RoomEvent) event()         {}
func (ServerErrorEvent) event()  {}
func (ErrorEvent) event()        {}
