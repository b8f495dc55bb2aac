// Package relay is a frame relay: every connected client's messages are
// fanned out to the others, with presence, rooms, typing, receipts and
// heartbeat handled on the way.
package relay

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

type Options struct {
	History      int // messages kept for /api/messages, across all rooms
	ClientBuffer int // per-connection outbound buffer
}

type inbound struct {
	client *Client
	frame  chat.Frame
	err    error
}

// Hub owns all relay state. Socket traffic is applied on the Start
// goroutine; the room directory is also changed over HTTP, so everything
// goes through mu.
type Hub struct {
	mu sync.RWMutex

	clients  map[string]*Client // conn id -> client
	sessions map[string]int     // user id -> open connections
	rooms    map[string]*room
	history  []chat.Frame

	opts Options
	log  zerolog.Logger
	now  func() time.Time

	register   chan *Client
	unregister chan *Client
	inbound    chan inbound
	done       chan struct{}
}

func NewHub(opts Options, logger zerolog.Logger) *Hub {
	if opts.History <= 0 {
		opts.History = 100
	}
	if opts.ClientBuffer <= 0 {
		opts.ClientBuffer = 64
	}
	return &Hub{
		clients:    map[string]*Client{},
		sessions:   map[string]int{},
		rooms:      map[string]*room{chat.DefaultRoom: {members: map[string]bool{}, createdAt: time.Now()}},
		opts:       opts,
		log:        logger,
		now:        time.Now,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inbound),
		done:       make(chan struct{}),
	}
}

// NewClient builds a client with the hub's configured buffer size.
func (h *Hub) NewClient(id string, user chat.User, conn ConnLike) *Client {
	return NewClient(id, user, conn, h.opts.ClientBuffer)
}

// Register adds a client. It reports false once the hub has stopped.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

// Unregister removes a client. Unknown or already removed clients are ignored.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

func (h *Hub) Start(ctx context.Context) {
	defer close(h.done)

	for {
		select {
		case <-ctx.Done():
			h.closeAll()
			return
		case c := <-h.register:
			h.add(c)
		case c := <-h.unregister:
			h.remove(c)
		case in := <-h.inbound:
			h.route(in)
		}
	}
}

func (h *Hub) add(c *Client) {
	h.mu.Lock()
	h.clients[c.Id] = c
	h.sessions[c.User.ID]++
	first := h.sessions[c.User.ID] == 1

	seen := map[string]bool{c.User.ID: true}
	var online []chat.User
	for _, other := range h.clients {
		if seen[other.User.ID] {
			continue
		}
		seen[other.User.ID] = true
		online = append(online, other.User)
	}
	h.mu.Unlock()

	h.log.Info().Str("conn", c.Id).Str("user", c.User.Name).Msg("client registered")
	if first {
		h.broadcast(chat.PresenceFrame(c.User, true, h.now()), c.Id)
	}

	// the newcomer learns who is already here
	sort.Slice(online, func(i, j int) bool { return online[i].Name < online[j].Name })
	for _, u := range online {
		h.reply(c, chat.PresenceFrame(u, true, h.now()))
	}
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if _, ok := h.clients[c.Id]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, c.Id)
	close(c.Send)
	h.sessions[c.User.ID]--
	last := h.sessions[c.User.ID] <= 0
	if last {
		delete(h.sessions, c.User.ID)
	}
	h.mu.Unlock()

	h.log.Info().Str("conn", c.Id).Str("user", c.User.Name).Msg("client unregistered")
	if last {
		h.broadcast(chat.PresenceFrame(c.User, false, h.now()), "")
	}
}

func (h *Hub) route(in inbound) {
	c := in.client

	h.mu.RLock()
	_, live := h.clients[c.Id]
	h.mu.RUnlock()
	if !live {
		return
	}

	if in.err != nil {
		h.log.Debug().Err(in.err).Str("conn", c.Id).Msg("bad frame")
		h.reply(c, chat.ErrorFrame("decoding_failed", in.err.Error(), false, h.now()))
		return
	}

	f := in.frame
	switch f.Type {
	case chat.FrameMessage:
		// identity comes from the connection, never from the payload
		f.SenderID, f.SenderName = c.User.ID, c.User.Name
		if f.Timestamp.IsZero() {
			f.Timestamp = h.now()
		}
		if !h.canPost(c, &f) {
			return
		}
		h.remember(f)
		h.broadcast(f, "")

	case chat.FrameTyping, chat.FrameTypingStop, chat.FrameMessageRead:
		f.UserID, f.UserName = c.User.ID, c.User.Name
		if !h.canPost(c, &f) {
			return
		}
		h.broadcast(f, c.Id)

	case chat.FrameMessageDeleted:
		room, ok, reason := h.forgetWithReason(f.MessageID, c.User.ID)
		if !ok {
			h.reply(c, chat.ErrorFrame(reason, fmt.Sprintf("cannot delete message %s", f.MessageID), false, h.now()))
			return
		}
		f.UserID, f.UserName = c.User.ID, c.User.Name
		f.RoomID = room
		h.broadcast(f, "")

	case chat.FrameJoinRoom:
		h.joinRoom(c, f)

	case chat.FrameLeaveRoom:
		h.leaveRoom(c, f)

	case chat.FramePing:
		h.reply(c, chat.PongFrame(h.now()))

	case chat.FramePong:

	default:
		h.reply(c, chat.ErrorFrame("unsupported_frame", fmt.Sprintf("clients may not send %s frames", f.Type), false, h.now()))
	}
}

// remember appends a message to the history, keeping the newest opts.History.
func (h *Hub) remember(f chat.Frame) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.history = append(h.history, f)
	if len(h.history) > h.opts.History {
		h.history = h.history[len(h.history)-h.opts.History:]
	}
}

// forgetWithReason removes a message from the history if userID sent it and
// returns the room it was posted in. The reason is "not_found" or
// "not_owner" on failure.
func (h *Hub) forgetWithReason(messageID, userID string) (string, bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for i, f := range h.history {
		if f.MessageID != messageID {
			continue
		}
		if f.SenderID != userID {
			return "", false, "not_owner"
		}
		h.history = append(h.history[:i], h.history[i+1:]...)
		return f.RoomID, true, ""
	}
	return "", false, "not_found"
}

// broadcast sends f to every client except the connection exclude. Frames
// for a room only reach its members. A full client buffer drops the frame
// for that client.
func (h *Hub) broadcast(f chat.Frame, exclude string) {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		h.log.Error().Err(err).Str("type", string(f.Type)).Msg("encode frame")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	var members map[string]bool
	if f.RoomID != "" {
		rm, ok := h.rooms[f.RoomID]
		if !ok {
			return
		}
		members = rm.members
	}

	for id, c := range h.clients {
		if id == exclude || (members != nil && !members[c.User.ID]) {
			continue
		}
		select {
		case c.Send <- data:
		default:
			h.log.Warn().Str("conn", id).Str("type", string(f.Type)).Msg("client buffer full, dropping frame")
		}
	}
}

func (h *Hub) reply(c *Client, f chat.Frame) {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		return
	}
	select {
	case c.Send <- data:
	default:
		h.log.Warn().Str("conn", c.Id).Str("type", string(f.Type)).Msg("client buffer full, dropping reply")
	}
}

func (h *Hub) closeAll() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for id, c := range h.clients {
		close(c.Send)
		_ = c.Conn.Close()
		delete(h.clients, id)
	}
	clear(h.sessions)
}

// ClientInfo is the public view of a connection.
type ClientInfo struct {
	Id          string `json:"id"`
	UserId      string `json:"user_id"`
	Name        string `json:"name"`
	AvatarColor string `json:"avatar_color,omitempty"`
}

// ListClients returns the open connections, optionally excluding one by
// connection id, user id or name.
func (h *Hub) ListClients(exclude string) []ClientInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]ClientInfo, 0, len(h.clients))
	for id, c := range h.clients {
		if exclude != "" && (exclude == id || exclude == c.User.ID || exclude == c.User.Name) {
			continue
		}
		out = append(out, ClientInfo{Id: id, UserId: c.User.ID, Name: c.User.Name, AvatarColor: c.User.AvatarColor})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// History returns up to limit of the most recent messages posted in room,
// oldest first. The empty room is the lobby. A limit of 0 returns everything
// kept.
func (h *Hub) History(room string, limit int) []chat.Frame {
	room = chat.NormalizeRoom(room)

	h.mu.RLock()
	defer h.mu.RUnlock()
	msgs := []chat.Frame{}
	for _, f := range h.history {
		if f.RoomID == room {
			msgs = append(msgs, f)
		}
	}
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs
}
