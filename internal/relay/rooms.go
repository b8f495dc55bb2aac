package relay

import (
	"fmt"
	"slices"
	"sort"
	"strings"
	"time"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// room is one entry of the room directory. Membership is per user, so every
// connection a member holds receives the room's traffic.
type room struct {
	owner     string          // user id; empty for the default room
	members   map[string]bool // user ids
	createdAt time.Time
}

// RoomInfo is the directory view of a room for one user.
type RoomInfo struct {
	Room       string    `json:"room"`
	Subscribed bool      `json:"subscribed"`
	Owner      string    `json:"owner"`
	IsOwner    bool      `json:"is_owner"`
	Members    int       `json:"members"`
	CreatedAt  time.Time `json:"created_at"`
}

// CreateRoom adds a room owned by owner and subscribes the owner to it. It
// reports false for an invalid name or a room that already exists.
func (h *Hub) CreateRoom(owner, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := chat.NormalizeRoom(name)
	if r == "" || owner == "" {
		return false
	}
	if _, ok := h.rooms[r]; ok {
		return false
	}
	h.rooms[r] = &room{owner: owner, members: map[string]bool{owner: true}, createdAt: h.now()}
	return true
}

// Subscribe adds userID to an existing room.
func (h *Hub) Subscribe(userID, name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	rm, ok := h.rooms[chat.NormalizeRoom(name)]
	if !ok || userID == "" {
		return false
	}
	rm.members[userID] = true
	return true
}

// Unsubscribe removes userID from a room. Owners cannot leave the room they
// own, only delete it. The reason is "invalid_room", "not_found",
// "owner_cannot_leave" or "not_member" on failure.
func (h *Hub) Unsubscribe(userID, name string) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := chat.NormalizeRoom(name)
	if r == "" {
		return false, "invalid_room"
	}
	rm, ok := h.rooms[r]
	if !ok {
		return false, "not_found"
	}
	if rm.owner != "" && strings.EqualFold(rm.owner, userID) {
		return false, "owner_cannot_leave"
	}
	if !rm.members[userID] {
		return false, "not_member"
	}
	delete(rm.members, userID)
	return true, ""
}

// ListRoomsWithSub lists every room with userID's subscription and
// ownership, sorted by name.
func (h *Hub) ListRoomsWithSub(userID string) []RoomInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]RoomInfo, 0, len(h.rooms))
	for r, rm := range h.rooms {
		out = append(out, RoomInfo{
			Room:       r,
			Subscribed: userID != "" && rm.members[userID],
			Owner:      rm.owner,
			IsOwner:    rm.owner != "" && rm.owner == userID,
			Members:    len(rm.members),
			CreatedAt:  rm.createdAt,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Room < out[j].Room })
	return out
}

// DeleteRoomWithReason removes a room, its memberships and its history. Only
// the owner may delete; the default room has none. The reason is
// "invalid_room", "not_found", "no_owner" or "not_owner" on failure.
func (h *Hub) DeleteRoomWithReason(owner, name string) (bool, string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	r := chat.NormalizeRoom(name)
	if r == "" {
		return false, "invalid_room"
	}
	rm, ok := h.rooms[r]
	if !ok {
		return false, "not_found"
	}
	if rm.owner == "" {
		return false, "no_owner"
	}
	if !strings.EqualFold(rm.owner, owner) {
		return false, "not_owner"
	}

	delete(h.rooms, r)
	h.history = slices.DeleteFunc(h.history, func(f chat.Frame) bool { return f.RoomID == r })
	return true, ""
}

// joinOrCreate subscribes userID to room, creating it with userID as owner
// when it does not exist yet.
func (h *Hub) joinOrCreate(userID, r string) (created bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if rm, ok := h.rooms[r]; ok {
		rm.members[userID] = true
		return false
	}
	h.rooms[r] = &room{owner: userID, members: map[string]bool{userID: true}, createdAt: h.now()}
	return true
}

// canPost normalizes the frame's room and checks that the sender is a member.
// Lobby frames are always allowed. On refusal the sender gets an error frame.
func (h *Hub) canPost(c *Client, f *chat.Frame) bool {
	f.RoomID = chat.NormalizeRoom(f.RoomID)
	if f.RoomID == "" {
		return true
	}

	h.mu.RLock()
	rm, ok := h.rooms[f.RoomID]
	member := ok && rm.members[c.User.ID]
	h.mu.RUnlock()

	if !member {
		h.reply(c, chat.ErrorFrame("not_member", fmt.Sprintf("join %s before posting to it", f.RoomID), false, h.now()))
		return false
	}
	return true
}

func (h *Hub) joinRoom(c *Client, f chat.Frame) {
	r := chat.NormalizeRoom(f.RoomID)
	if r == "" {
		h.reply(c, chat.ErrorFrame("invalid_room", "room name is empty", false, h.now()))
		return
	}

	if h.joinOrCreate(c.User.ID, r) {
		h.log.Info().Str("room", r).Str("owner", c.User.Name).Msg("room created")
	}
	h.log.Debug().Str("room", r).Str("user", c.User.Name).Msg("joined room")

	// members, the newcomer included, hear about it
	h.broadcast(chat.RoomFrame(r, c.User, true, h.now()), "")
}

func (h *Hub) leaveRoom(c *Client, f chat.Frame) {
	r := chat.NormalizeRoom(f.RoomID)
	ok, reason := h.Unsubscribe(c.User.ID, r)
	if !ok {
		h.reply(c, chat.ErrorFrame(reason, fmt.Sprintf("cannot leave room %q", r), false, h.now()))
		return
	}
	h.log.Debug().Str("room", r).Str("user", c.User.Name).Msg("left room")

	out := chat.RoomFrame(r, c.User, false, h.now())
	h.broadcast(out, "")
	h.reply(c, out)
}
