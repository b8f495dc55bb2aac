// Package session is the application-facing chat façade. It hides
// reconnection and offline queueing behind a small message, typing, presence
// and room API.
package session

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/conn"
)

// Connection is what the Service needs from the connection manager.
type Connection interface {
	Connect(ctx context.Context) error
	Disconnect()
	Send(ctx context.Context, f chat.Frame) error
	State() conn.State
	Events() <-chan conn.Event
}

type Options struct {
	Self chat.User
	// QueueImages makes offline image sends wait in the outbound queue like
	// text. When false an offline image is only shown locally.
	QueueImages   bool
	HistoryWindow int
	UpdateBuffer  int
}

type UpdateKind string

const (
	UpdateMessages UpdateKind = "messages"
	UpdateTyping   UpdateKind = "typing"
	UpdatePresence UpdateKind = "presence"
	UpdateReceipt  UpdateKind = "receipt"
	UpdateState    UpdateKind = "state"
	UpdateRoom     UpdateKind = "room"
	UpdateError    UpdateKind = "error"
)

// Update tells a UI that something changed. It is a hint: UIs re-read the
// snapshot accessors, and updates are dropped when the UI falls behind.
type Update struct {
	Kind    UpdateKind
	Message chat.Message
	State   conn.State
	Room    string // the room now shown, empty for the lobby
	Err     error
}

// Service owns the visible transcript, the outbound queue, the typing map and
// the online set for one local user. The transcript shows one room at a time,
// or the lobby when no room is joined.
type Service struct {
	conn        Connection
	self        chat.User
	queueImages bool
	log         zerolog.Logger
	now         func() time.Time
	updates     chan Update

	mu         sync.RWMutex
	room       string
	transcript *chat.Transcript
	queue      []chat.Message
	typing     map[string]string // userId -> userName
	online     map[string]chat.User
	lastSeen   map[string]chat.User       // online before the last disconnect
	readBy     map[string]map[string]bool // messageId -> set(userId)

	// serializes dispatch so queued and live sends keep their order
	sendMu sync.Mutex
}

func New(c Connection, opts Options, logger zerolog.Logger) *Service {
	buf := opts.UpdateBuffer
	if buf <= 0 {
		buf = 64
	}
	return &Service{
		conn:        c,
		self:        opts.Self,
		queueImages: opts.QueueImages,
		log:         logger,
		now:         time.Now,
		updates:     make(chan Update, buf),
		transcript:  chat.NewTranscript(opts.HistoryWindow),
		typing:      map[string]string{},
		online:      map[string]chat.User{},
		lastSeen:    map[string]chat.User{},
		readBy:      map[string]map[string]bool{},
	}
}

// Run consumes connection events until ctx is done. It is the only place
// inbound state is applied.
func (s *Service) Run(ctx context.Context) {
	events := s.conn.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case ev := <-events:
			s.handle(ctx, ev)
		}
	}
}

func (s *Service) Connect(ctx context.Context) error { return s.conn.Connect(ctx) }
func (s *Service) Disconnect()                       { s.conn.Disconnect() }
func (s *Service) State() conn.State                 { return s.conn.State() }
func (s *Service) Self() chat.User                   { return s.self }
func (s *Service) Updates() <-chan Update            { return s.updates }

// SendText shows the message locally at once and sends it, or queues it while
// offline. An error means the message was not transmitted; if the connection
// dropped it stays queued.
func (s *Service) SendText(ctx context.Context, text string) (chat.Message, error) {
	return s.sendText(ctx, text, "")
}

// Reply is SendText with a reference to the message being answered.
func (s *Service) Reply(ctx context.Context, replyTo, text string) (chat.Message, error) {
	return s.sendText(ctx, text, replyTo)
}

func (s *Service) sendText(ctx context.Context, text, replyTo string) (chat.Message, error) {
	if strings.TrimSpace(text) == "" {
		return chat.Message{}, fmt.Errorf("%w: empty text", chat.ErrInvalidMessage)
	}
	msg := chat.NewMessage(s.self, chat.TextContent(text), s.now())
	msg.ReplyTo = replyTo
	msg.RoomID = s.CurrentRoom()
	return msg, s.submit(ctx, msg, true)
}

// SendImage has the SendText contract, except that offline images are only
// queued when QueueImages is set.
func (s *Service) SendImage(ctx context.Context, data []byte) (chat.Message, error) {
	if len(data) == 0 {
		return chat.Message{}, fmt.Errorf("%w: empty image", chat.ErrInvalidMessage)
	}
	msg := chat.NewMessage(s.self, chat.ImageContent(data), s.now())
	msg.RoomID = s.CurrentRoom()
	return msg, s.submit(ctx, msg, s.queueImages)
}

func (s *Service) submit(ctx context.Context, msg chat.Message, queueOffline bool) error {
	connected := s.conn.State() == conn.StateConnected

	s.mu.Lock()
	s.transcript.Append(msg)
	if connected || queueOffline {
		s.queue = append(s.queue, msg)
	}
	s.mu.Unlock()
	s.notify(Update{Kind: UpdateMessages, Message: msg})

	if !connected {
		if !queueOffline {
			s.log.Warn().Str("message_id", msg.ID).Msg("offline: image shown locally, not sent")
			return nil
		}
		// the connection may have come up between the check and the append,
		// after the StateConnected drain already ran
		if s.conn.State() != conn.StateConnected {
			return nil
		}
	}

	return s.flush(ctx)
}

// flush drains the outbound queue in FIFO order. The queue is emptied before
// dispatch starts; if the connection goes away mid-drain, the message that
// failed and everything after it go back to the head of the queue and wait
// for the next StateConnected.
func (s *Service) flush(ctx context.Context) error {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()

	s.mu.Lock()
	pending := s.queue
	s.queue = nil
	s.mu.Unlock()

	var errs []error
	for i, msg := range pending {
		err := s.conn.Send(ctx, msg.Frame())
		if err == nil {
			continue
		}

		if LostConnection(err) {
			s.mu.Lock()
			s.queue = append(slices.Clone(pending[i:]), s.queue...)
			s.mu.Unlock()
			s.log.Info().Int("requeued", len(pending)-i).Msg("connection lost while draining queue")
			return errors.Join(append(errs, err)...)
		}

		s.log.Warn().Err(err).Str("message_id", msg.ID).Msg("send failed")
		errs = append(errs, err)
	}

	if len(pending) > 0 {
		s.log.Debug().Int("sent", len(pending)).Msg("outbound queue drained")
	}
	return errors.Join(errs...)
}

// LostConnection reports whether a send failed because the socket is gone:
// either it was not connected or the write itself failed. Queued messages
// that fail this way stay queued.
func LostConnection(err error) bool {
	var serr *chat.ServerError
	return errors.Is(err, chat.ErrConnectionFailed) || errors.As(err, &serr)
}

func (s *Service) StartTyping(ctx context.Context) error {
	return s.sendInRoom(ctx, chat.TypingFrame(s.self, true, s.now()))
}

func (s *Service) StopTyping(ctx context.Context) error {
	return s.sendInRoom(ctx, chat.TypingFrame(s.self, false, s.now()))
}

// MarkRead sends a read receipt for a message.
func (s *Service) MarkRead(ctx context.Context, messageID string) error {
	return s.sendInRoom(ctx, chat.ReadFrame(messageID, s.self, s.now()))
}

func (s *Service) sendInRoom(ctx context.Context, f chat.Frame) error {
	f.RoomID = s.CurrentRoom()
	return s.conn.Send(ctx, f)
}

// JoinRoom switches the view to room, creating it on the relay if needed.
// The transcript starts empty, new messages are posted to the room and
// traffic from anywhere else is ignored. The room previously shown, if any,
// is left.
func (s *Service) JoinRoom(ctx context.Context, name string) error {
	r := chat.NormalizeRoom(name)
	if r == "" {
		return fmt.Errorf("%w: empty room name", chat.ErrInvalidMessage)
	}
	prev := s.CurrentRoom()
	if prev == r {
		return nil
	}

	if err := s.conn.Send(ctx, chat.RoomFrame(r, s.self, true, s.now())); err != nil {
		return err
	}
	if prev != "" {
		if err := s.conn.Send(ctx, chat.RoomFrame(prev, s.self, false, s.now())); err != nil {
			s.log.Warn().Err(err).Str("room", prev).Msg("leave room")
		}
	}

	s.switchRoom(r)
	s.log.Info().Str("room", r).Msg("joined room")
	return nil
}

// LeaveRoom returns to the lobby and clears the transcript. The view changes
// even when the relay cannot be told; the error says so.
func (s *Service) LeaveRoom(ctx context.Context) error {
	r := s.CurrentRoom()
	if r == "" {
		return nil
	}

	err := s.conn.Send(ctx, chat.RoomFrame(r, s.self, false, s.now()))
	s.switchRoom("")
	s.log.Info().Str("room", r).Msg("left room")
	return err
}

func (s *Service) switchRoom(r string) {
	s.mu.Lock()
	s.room = r
	s.transcript.Clear()
	clear(s.typing)
	clear(s.readBy)
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateRoom, Room: r})
}

// CurrentRoom returns the room being shown, or "" for the lobby.
func (s *Service) CurrentRoom() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.room
}

// Delete removes one of the local user's messages. Messages still waiting in
// the queue are simply dropped; sent ones are retracted on the wire.
func (s *Service) Delete(ctx context.Context, messageID string) error {
	s.mu.Lock()
	msg, ok := s.transcript.Find(messageID)
	if !ok {
		s.mu.Unlock()
		return fmt.Errorf("%w: message %s not found", chat.ErrInvalidMessage, messageID)
	}
	if msg.SenderID != s.self.ID {
		s.mu.Unlock()
		return fmt.Errorf("%w: message %s belongs to %s", chat.ErrInvalidMessage, messageID, msg.SenderName)
	}
	s.transcript.Remove(messageID)
	before := len(s.queue)
	s.queue = slices.DeleteFunc(s.queue, func(m chat.Message) bool { return m.ID == messageID })
	wasQueued := len(s.queue) != before
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, Message: msg})
	if wasQueued {
		return nil
	}
	return s.conn.Send(ctx, chat.DeletedFrame(messageID, s.self, s.now()))
}

func (s *Service) handle(ctx context.Context, ev conn.Event) {
	switch e := ev.(type) {
	case conn.StateEvent:
		s.notify(Update{Kind: UpdateState, State: e.State})
		if e.State == conn.StateConnected {
			// a restarted relay has forgotten our membership
			if r := s.CurrentRoom(); r != "" {
				if err := s.conn.Send(ctx, chat.RoomFrame(r, s.self, true, s.now())); err != nil {
					s.log.Warn().Err(err).Str("room", r).Msg("rejoin room")
				}
			}
			if err := s.flush(ctx); err != nil {
				s.log.Warn().Err(err).Msg("drain outbound queue")
			}
		}

	case conn.DisconnectedEvent:
		// the relay replays who is online on the next connect
		s.mu.Lock()
		clear(s.typing)
		for id, u := range s.online {
			s.lastSeen[id] = u
		}
		clear(s.online)
		s.mu.Unlock()
		s.notify(Update{Kind: UpdateTyping})
		s.notify(Update{Kind: UpdatePresence})

	case conn.MessageEvent:
		s.receive(e.Message)

	case conn.PresenceEvent:
		s.presence(e)

	case conn.TypingEvent:
		if e.User.ID == s.self.ID {
			return
		}
		s.mu.Lock()
		if e.Room != s.room {
			s.mu.Unlock()
			return
		}
		if e.Typing {
			s.typing[e.User.ID] = e.User.Name
		} else {
			delete(s.typing, e.User.ID)
		}
		s.mu.Unlock()
		s.notify(Update{Kind: UpdateTyping})

	case conn.ReadEvent:
		s.mu.Lock()
		if s.readBy[e.MessageID] == nil {
			s.readBy[e.MessageID] = map[string]bool{}
		}
		s.readBy[e.MessageID][e.User.ID] = true
		s.mu.Unlock()
		s.notify(Update{Kind: UpdateReceipt})

	case conn.DeletedEvent:
		s.mu.Lock()
		msg, ok := s.transcript.Find(e.MessageID)
		if ok {
			s.transcript.Remove(e.MessageID)
			delete(s.readBy, e.MessageID)
		}
		s.mu.Unlock()
		if ok {
			s.notify(Update{Kind: UpdateMessages, Message: msg})
		}

	case conn.RoomEvent:
		s.roomChange(e)

	case conn.ServerErrorEvent:
		s.log.Warn().Str("code", e.Code).Bool("retryable", e.Retryable).Msg(e.Description)
		s.notify(Update{Kind: UpdateError, Err: &chat.ServerError{Detail: e.Code + ": " + e.Description}})

	case conn.ErrorEvent:
		s.notify(Update{Kind: UpdateError, Err: e.Err})
	}
}

// receive appends a relayed message unless it is our own: those are already
// on screen as optimistic copies under the same id.
func (s *Service) receive(msg chat.Message) {
	if msg.SenderID == s.self.ID {
		s.log.Debug().Str("message_id", msg.ID).Msg("skipping own echo")
		return
	}

	s.mu.Lock()
	if msg.RoomID != s.room {
		s.mu.Unlock()
		s.log.Debug().Str("message_id", msg.ID).Str("room", msg.RoomID).Msg("message for another room")
		return
	}
	if _, dup := s.transcript.Find(msg.ID); dup {
		s.mu.Unlock()
		return
	}
	s.transcript.Append(msg)
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, Message: msg})
}

func (s *Service) presence(e conn.PresenceEvent) {
	at := e.At
	if at.IsZero() {
		at = s.now()
	}

	// users replayed after a reconnect come back silently
	var announce chat.Message
	s.mu.Lock()
	_, known := s.online[e.User.ID]
	if _, seen := s.lastSeen[e.User.ID]; seen {
		known = true
	}
	delete(s.lastSeen, e.User.ID)
	if e.Joined {
		s.online[e.User.ID] = e.User
		if !known {
			announce = chat.NewSystemMessage(e.User.Name+" joined", at)
		}
	} else {
		delete(s.online, e.User.ID)
		delete(s.typing, e.User.ID)
		announce = chat.NewSystemMessage(e.User.Name+" left", at)
	}
	if announce.ID != "" {
		s.transcript.Append(announce)
	}
	s.mu.Unlock()

	s.notify(Update{Kind: UpdatePresence})
	if announce.ID != "" {
		s.notify(Update{Kind: UpdateMessages, Message: announce})
	}
}

// roomChange announces other members coming and going in the room shown.
func (s *Service) roomChange(e conn.RoomEvent) {
	if e.User.ID == s.self.ID {
		return
	}

	verb := "left"
	if e.Joined {
		verb = "joined"
	}

	s.mu.Lock()
	if e.Room != s.room {
		s.mu.Unlock()
		return
	}
	announce := chat.NewSystemMessage(fmt.Sprintf("%s %s #%s", e.User.Name, verb, e.Room), s.now())
	announce.RoomID = e.Room
	s.transcript.Append(announce)
	s.mu.Unlock()

	s.notify(Update{Kind: UpdateMessages, Message: announce})
}

func (s *Service) notify(u Update) {
	select {
	case s.updates <- u:
	default:
	}
}

// Messages returns the visible transcript in order.
func (s *Service) Messages() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.Messages()
}

func (s *Service) Find(id string) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.Find(id)
}

// ResolveReply returns the message msg quotes, if it is still in the window.
func (s *Service) ResolveReply(msg chat.Message) (chat.Message, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transcript.ResolveReply(msg)
}

// TypingUsers returns a copy of the userId -> userName typing map.
func (s *Service) TypingUsers() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.typing))
	for k, v := range s.typing {
		out[k] = v
	}
	return out
}

func (s *Service) OnlineUsers() []chat.User {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]chat.User, 0, len(s.online))
	for _, u := range s.online {
		out = append(out, u)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// ReadBy returns the ids of users who have read a message.
func (s *Service) ReadBy(messageID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.readBy[messageID]))
	for id := range s.readBy[messageID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Pending returns the outbound queue in dispatch order.
func (s *Service) Pending() []chat.Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Clone(s.queue)
}

func (s *Service) QueueLen() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queue)
}
