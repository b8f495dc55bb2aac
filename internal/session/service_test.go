package session

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
	"github.com/pelusa-v/pelusa-chat/internal/conn"
)

const (
	waitFor = 2 * time.Second
	tick    = 5 * time.Millisecond
)

var (
	me  = chat.User{ID: "me", Name: "alice"}
	bob = chat.User{ID: "u2", Name: "bob"}
)

// fakeConnection stands in for conn.Manager. After dropAfter successful sends
// (when positive) it behaves as if the socket went away.
type fakeConnection struct {
	mu        sync.Mutex
	state     conn.State
	sent      []chat.Frame
	dropAfter int
	events    chan conn.Event
}

func newFakeConnection() *fakeConnection {
	return &fakeConnection{events: make(chan conn.Event, 64)}
}

func (f *fakeConnection) Connect(context.Context) error {
	f.mu.Lock()
	f.state = conn.StateConnected
	f.mu.Unlock()
	f.events <- conn.StateEvent{State: conn.StateConnected}
	return nil
}

func (f *fakeConnection) Disconnect() {
	f.mu.Lock()
	f.state = conn.StateDisconnected
	f.mu.Unlock()
	f.events <- conn.StateEvent{State: conn.StateDisconnected}
	f.events <- conn.DisconnectedEvent{Reason: conn.ReasonManual, Manual: true}
}

func (f *fakeConnection) Send(_ context.Context, frame chat.Frame) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state != conn.StateConnected {
		return chat.ErrConnectionFailed
	}
	f.sent = append(f.sent, frame)
	if f.dropAfter > 0 && len(f.sent) >= f.dropAfter {
		f.state = conn.StateDisconnected
		f.dropAfter = 0
	}
	return nil
}

func (f *fakeConnection) State() conn.State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

func (f *fakeConnection) Events() <-chan conn.Event { return f.events }

func (f *fakeConnection) frames() []chat.Frame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]chat.Frame(nil), f.sent...)
}

func (f *fakeConnection) texts(typ chat.FrameType) []string {
	var out []string
	for _, fr := range f.frames() {
		if fr.Type == typ {
			out = append(out, fr.Text)
		}
	}
	return out
}

func newService(t *testing.T, opts Options) (*Service, *fakeConnection) {
	t.Helper()
	if opts.Self.ID == "" {
		opts.Self = me
	}
	fc := newFakeConnection()
	svc := New(fc, opts, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})
	return svc, fc
}

// deliver pushes an inbound event and waits until Run has applied it.
func deliver(t *testing.T, fc *fakeConnection, ev conn.Event) {
	t.Helper()
	fc.events <- ev
	require.Eventually(t, func() bool { return len(fc.events) == 0 }, waitFor, tick)
	time.Sleep(10 * time.Millisecond)
}

func TestService_SendWhileDisconnectedQueuesAndDrainsOnce(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()

	msg, err := svc.SendText(ctx, "hello")
	require.NoError(t, err)

	msgs := svc.Messages()
	require.Len(t, msgs, 1, "optimistic copy shows up immediately")
	assert.Equal(t, msg.ID, msgs[0].ID)
	assert.Equal(t, 1, svc.QueueLen())
	assert.Empty(t, fc.frames())

	require.NoError(t, svc.Connect(ctx))
	require.Eventually(t, func() bool { return svc.QueueLen() == 0 }, waitFor, tick)

	time.Sleep(20 * time.Millisecond)
	frames := fc.frames()
	require.Len(t, frames, 1, "hello is transmitted exactly once")
	assert.Equal(t, "hello", frames[0].Text)
	assert.Equal(t, msg.ID, frames[0].MessageID, "the wire frame reuses the optimistic id")
}

func TestService_OfflineQueueKeepsOrder(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()

	for _, text := range []string{"one", "two", "three"} {
		_, err := svc.SendText(ctx, text)
		require.NoError(t, err)
	}

	var queued []string
	for _, m := range svc.Pending() {
		queued = append(queued, m.DisplayText())
	}
	assert.Equal(t, []string{"one", "two", "three"}, queued)

	require.NoError(t, svc.Connect(ctx))
	require.Eventually(t, func() bool { return len(fc.frames()) == 3 }, waitFor, tick)
	assert.Equal(t, []string{"one", "two", "three"}, fc.texts(chat.FrameMessage))
}

func TestService_ConnectionDropMidDrainRequeues(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()

	for _, text := range []string{"a", "b", "c"} {
		_, err := svc.SendText(ctx, text)
		require.NoError(t, err)
	}

	fc.mu.Lock()
	fc.dropAfter = 1
	fc.mu.Unlock()

	require.NoError(t, svc.Connect(ctx))
	require.Eventually(t, func() bool { return len(fc.frames()) == 1 && svc.QueueLen() == 2 }, waitFor, tick)

	var queued []string
	for _, m := range svc.Pending() {
		queued = append(queued, m.DisplayText())
	}
	assert.Equal(t, []string{"b", "c"}, queued)

	require.NoError(t, svc.Connect(ctx))
	require.Eventually(t, func() bool { return svc.QueueLen() == 0 }, waitFor, tick)
	assert.Equal(t, []string{"a", "b", "c"}, fc.texts(chat.FrameMessage))
}

// lateConnection reports disconnected on the first State call and comes up
// right after it without emitting StateConnected.
type lateConnection struct {
	*fakeConnection
	once sync.Once
}

func (l *lateConnection) State() conn.State {
	first := false
	l.once.Do(func() {
		first = true
		l.mu.Lock()
		l.state = conn.StateConnected
		l.mu.Unlock()
	})
	if first {
		return conn.StateDisconnected
	}
	return l.fakeConnection.State()
}

func TestService_ConnectedDuringSubmitStillSends(t *testing.T) {
	fc := newFakeConnection()
	svc := New(&lateConnection{fakeConnection: fc}, Options{Self: me}, zerolog.Nop())

	_, err := svc.SendText(context.Background(), "racing")
	require.NoError(t, err)

	assert.Equal(t, 0, svc.QueueLen())
	assert.Equal(t, []string{"racing"}, fc.texts(chat.FrameMessage))
}

func TestLostConnection(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{name: "not connected", err: fmt.Errorf("%w: connection is reconnecting", chat.ErrConnectionFailed), want: true},
		{name: "write failed", err: &chat.ServerError{Detail: "broken pipe"}, want: true},
		{name: "encoding", err: chat.ErrEncodingFailed, want: false},
		{name: "nil", err: nil, want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, LostConnection(tt.err))
		})
	}
}

func TestService_SendWhileConnectedIsImmediate(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	_, err := svc.SendText(ctx, "now")
	require.NoError(t, err)

	assert.Equal(t, []string{"now"}, fc.texts(chat.FrameMessage))
	assert.Equal(t, 0, svc.QueueLen())
}

func TestService_OwnEchoIsNotDuplicated(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	msg, err := svc.SendText(ctx, "hello")
	require.NoError(t, err)

	echo := msg
	deliver(t, fc, conn.MessageEvent{Message: echo})
	assert.Len(t, svc.Messages(), 1)

	other := chat.NewMessage(bob, chat.TextContent("hi alice"), time.Now())
	deliver(t, fc, conn.MessageEvent{Message: other})

	msgs := svc.Messages()
	require.Len(t, msgs, 2)
	assert.Equal(t, "hi alice", msgs[1].DisplayText())
}

func TestService_TypingIndicators(t *testing.T) {
	svc, fc := newService(t, Options{})

	deliver(t, fc, conn.TypingEvent{User: chat.User{ID: "u1", Name: "carol"}, Typing: true})
	deliver(t, fc, conn.TypingEvent{User: bob, Typing: true})
	assert.Equal(t, map[string]string{"u1": "carol", "u2": "bob"}, svc.TypingUsers())

	deliver(t, fc, conn.TypingEvent{User: chat.User{ID: "u1", Name: "carol"}, Typing: false})
	assert.NotContains(t, svc.TypingUsers(), "u1")
	assert.Contains(t, svc.TypingUsers(), "u2")

	deliver(t, fc, conn.DisconnectedEvent{Reason: "connection reset"})
	assert.Empty(t, svc.TypingUsers())
}

func TestService_SendTypingFrames(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()

	require.ErrorIs(t, svc.StartTyping(ctx), chat.ErrConnectionFailed)

	require.NoError(t, svc.Connect(ctx))
	require.NoError(t, svc.StartTyping(ctx))
	require.NoError(t, svc.StopTyping(ctx))

	frames := fc.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, chat.FrameTyping, frames[0].Type)
	assert.Equal(t, chat.FrameTypingStop, frames[1].Type)
	assert.Equal(t, me.ID, frames[1].UserID)
}

func TestService_PresenceAnnouncements(t *testing.T) {
	svc, fc := newService(t, Options{})

	deliver(t, fc, conn.PresenceEvent{User: bob, Joined: true})
	require.Len(t, svc.OnlineUsers(), 1)
	assert.Equal(t, "bob", svc.OnlineUsers()[0].Name)

	deliver(t, fc, conn.TypingEvent{User: bob, Typing: true})
	deliver(t, fc, conn.PresenceEvent{User: bob, Joined: false})
	assert.Empty(t, svc.OnlineUsers())
	assert.Empty(t, svc.TypingUsers())

	msgs := svc.Messages()
	require.Len(t, msgs, 2)
	assert.True(t, msgs[0].IsSystem())
	assert.Equal(t, "bob joined", msgs[0].DisplayText())
	assert.Equal(t, "bob left", msgs[1].DisplayText())
}

func TestService_OnlineSetResetsOnDisconnect(t *testing.T) {
	svc, fc := newService(t, Options{})
	carol := chat.User{ID: "u3", Name: "carol"}

	deliver(t, fc, conn.PresenceEvent{User: bob, Joined: true})
	require.Len(t, svc.OnlineUsers(), 1)

	deliver(t, fc, conn.DisconnectedEvent{Reason: "connection reset"})
	assert.Empty(t, svc.OnlineUsers(), "nobody is known to be online while disconnected")

	// the relay replays bob on reconnect; carol is new
	deliver(t, fc, conn.PresenceEvent{User: bob, Joined: true})
	deliver(t, fc, conn.PresenceEvent{User: carol, Joined: true})

	assert.Equal(t, []chat.User{bob, carol}, svc.OnlineUsers())

	var texts []string
	for _, m := range svc.Messages() {
		texts = append(texts, m.DisplayText())
	}
	assert.Equal(t, []string{"bob joined", "carol joined"}, texts)
}

func TestService_OfflineImages(t *testing.T) {
	tests := []struct {
		name        string
		queueImages bool
		wantQueued  int
		wantSent    int
	}{
		{name: "dropped by default", queueImages: false, wantQueued: 0, wantSent: 0},
		{name: "queued when enabled", queueImages: true, wantQueued: 1, wantSent: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, fc := newService(t, Options{QueueImages: tt.queueImages})
			ctx := context.Background()

			msg, err := svc.SendImage(ctx, []byte{0x89, 'P', 'N', 'G'})
			require.NoError(t, err)
			assert.Equal(t, chat.ContentImage, msg.Content.Kind)
			assert.Len(t, svc.Messages(), 1, "image is always shown locally")
			assert.Equal(t, tt.wantQueued, svc.QueueLen())

			require.NoError(t, svc.Connect(ctx))
			require.Eventually(t, func() bool { return svc.QueueLen() == 0 }, waitFor, tick)
			time.Sleep(20 * time.Millisecond)
			assert.Len(t, fc.frames(), tt.wantSent)
		})
	}
}

func TestService_RejectsEmptyContent(t *testing.T) {
	svc, _ := newService(t, Options{})
	ctx := context.Background()

	_, err := svc.SendText(ctx, "   ")
	assert.ErrorIs(t, err, chat.ErrInvalidMessage)

	_, err = svc.SendImage(ctx, nil)
	assert.ErrorIs(t, err, chat.ErrInvalidMessage)

	assert.Empty(t, svc.Messages())
}

func TestService_ReplyResolution(t *testing.T) {
	svc, fc := newService(t, Options{HistoryWindow: 3})
	ctx := context.Background()

	question := chat.NewMessage(bob, chat.TextContent("lunch?"), time.Now())
	deliver(t, fc, conn.MessageEvent{Message: question})

	answer, err := svc.Reply(ctx, question.ID, "sure")
	require.NoError(t, err)

	quoted, ok := svc.ResolveReply(answer)
	require.True(t, ok)
	assert.Equal(t, "lunch?", quoted.DisplayText())

	for _, text := range []string{"x", "y", "z"} {
		_, err := svc.SendText(ctx, text)
		require.NoError(t, err)
	}

	_, ok = svc.ResolveReply(answer)
	assert.False(t, ok, "targets outside the window resolve to not found")
}

func TestService_Delete(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()

	queued, err := svc.SendText(ctx, "oops")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, queued.ID))
	assert.Empty(t, svc.Messages())
	assert.Equal(t, 0, svc.QueueLen(), "a queued message is dropped without a wire retraction")

	require.NoError(t, svc.Connect(ctx))
	sent, err := svc.SendText(ctx, "typo")
	require.NoError(t, err)
	require.NoError(t, svc.Delete(ctx, sent.ID))

	frames := fc.frames()
	require.Len(t, frames, 2)
	assert.Equal(t, chat.FrameMessageDeleted, frames[1].Type)
	assert.Equal(t, sent.ID, frames[1].MessageID)

	theirs := chat.NewMessage(bob, chat.TextContent("mine"), time.Now())
	deliver(t, fc, conn.MessageEvent{Message: theirs})
	assert.ErrorIs(t, svc.Delete(ctx, theirs.ID), chat.ErrInvalidMessage)
	assert.ErrorIs(t, svc.Delete(ctx, "missing"), chat.ErrInvalidMessage)

	deliver(t, fc, conn.DeletedEvent{MessageID: theirs.ID, User: bob})
	assert.Empty(t, svc.Messages())
}

func TestService_ReadReceipts(t *testing.T) {
	svc, fc := newService(t, Options{})
	ctx := context.Background()
	require.NoError(t, svc.Connect(ctx))

	msg, err := svc.SendText(ctx, "seen?")
	require.NoError(t, err)

	deliver(t, fc, conn.ReadEvent{MessageID: msg.ID, User: bob})
	assert.Equal(t, []string{"u2"}, svc.ReadBy(msg.ID))

	require.NoError(t, svc.MarkRead(ctx, "m-from-bob"))
	frames := fc.frames()
	last := frames[len(frames)-1]
	assert.Equal(t, chat.FrameMessageRead, last.Type)
	assert.Equal(t, "m-from-bob", last.MessageID)
}

func TestService_ErrorsBecomeUpdates(t *testing.T) {
	svc, fc := newService(t, Options{})

	fc.events <- conn.ServerErrorEvent{Code: "rate_limited", Description: "slow down"}

	timeout := time.After(waitFor)
	for {
		select {
		case u := <-svc.Updates():
			if u.Kind != UpdateError {
				continue
			}
			var serr *chat.ServerError
			require.ErrorAs(t, u.Err, &serr)
			assert.Equal(t, "rate_limited: slow down", serr.Detail)
			return
		case <-timeout:
			t.Fatal("no error update")
		}
	}
}
