package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/fasthttp/websocket"
	"github.com/rs/zerolog"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

// ReasonManual is the disconnect reason reported for Disconnect.
const ReasonManual = "manual disconnect"

// Manager owns exactly one logical connection to the chat endpoint.
//
// State transitions happen only inside Connect, Disconnect, the receive loop
// and the reconnect timer, and are published on Events in the order they
// happen. Event delivery never blocks: when the buffer is full the oldest
// queued non-state event is evicted to make room, so the consumer always
// learns the latest state.
type Manager struct {
	cfg    Config
	dialer Dialer
	log    zerolog.Logger
	events chan Event
	now    func() time.Time

	mu        sync.Mutex
	state     State
	conn      Conn
	stopConn  context.CancelFunc // stops the heartbeat of the current conn
	attempts  int
	epoch     uint64 // bumped by Disconnect; stale dials and timers compare against it
	reconnect *time.Timer

	// gorilla-style connections allow one concurrent writer
	writeMu sync.Mutex
	// orders producers on events; always taken after mu, never before
	emitMu sync.Mutex
}

func New(cfg Config, dialer Dialer, logger zerolog.Logger) *Manager {
	cfg = cfg.withDefaults()
	return &Manager{
		cfg:    cfg,
		dialer: dialer,
		log:    logger,
		events: make(chan Event, cfg.EventBuffer),
		now:    time.Now,
	}
}

func (m *Manager) Events() <-chan Event {
	return m.events
}

func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the number of reconnect attempts since the last successful connect.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Connect opens the connection. It is a no-op while connected or connecting.
// Calling it from StateFailed starts over with a fresh retry budget.
func (m *Manager) Connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateFailed {
		m.attempts = 0
	}
	m.mu.Unlock()

	return m.connect(ctx)
}

func (m *Manager) connect(ctx context.Context) error {
	m.mu.Lock()
	if m.state == StateConnected || m.state == StateConnecting {
		m.mu.Unlock()
		return nil
	}
	m.stopReconnectLocked()
	m.setStateLocked(StateConnecting)
	epoch := m.epoch
	m.mu.Unlock()

	dialCtx, cancel := context.WithTimeout(ctx, m.cfg.MessageTimeout)
	c, err := m.dialer.Dial(dialCtx, m.cfg.URL)
	cancel()

	m.mu.Lock()
	defer m.mu.Unlock()

	if epoch != m.epoch {
		if c != nil {
			_ = c.Close()
		}
		return fmt.Errorf("%w: disconnected while dialing", chat.ErrConnectionFailed)
	}

	if err != nil {
		m.log.Warn().Err(err).Str("url", m.cfg.URL).Int("attempt", m.attempts).Msg("dial failed")
		m.emit(ErrorEvent{Err: err})
		m.scheduleReconnectLocked()
		return err
	}

	connCtx, stop := context.WithCancel(context.Background())
	m.conn = c
	m.stopConn = stop
	m.attempts = 0
	m.setStateLocked(StateConnected)
	m.log.Info().Str("url", m.cfg.URL).Msg("connected")

	go m.readLoop(c)
	go m.heartbeat(connCtx, c)

	return nil
}

// Disconnect closes the connection and cancels the heartbeat and any pending
// reconnect. It never leads to an automatic reconnect.
func (m *Manager) Disconnect() {
	m.mu.Lock()
	m.epoch++
	m.stopReconnectLocked()
	c := m.conn
	m.dropConnLocked()
	m.setStateLocked(StateDisconnected)
	m.emit(DisconnectedEvent{Reason: ReasonManual, Manual: true})
	m.mu.Unlock()

	if c == nil {
		return
	}

	m.writeMu.Lock()
	_ = c.SetWriteDeadline(m.now().Add(m.cfg.MessageTimeout))
	_ = c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ReasonManual))
	m.writeMu.Unlock()
	_ = c.Close()

	m.log.Info().Msg("disconnected")
}

// Send serializes and transmits a frame. Failures are returned and also
// published as an ErrorEvent. A failed write means the socket is unusable:
// the connection is torn down and a reconnect is scheduled.
func (m *Manager) Send(ctx context.Context, f chat.Frame) error {
	m.mu.Lock()
	c, state := m.conn, m.state
	m.mu.Unlock()

	if state != StateConnected || c == nil {
		err := fmt.Errorf("%w: connection is %s", chat.ErrConnectionFailed, state)
		m.emit(ErrorEvent{Err: err})
		return err
	}

	data, err := chat.EncodeFrame(f)
	if err != nil {
		m.log.Error().Err(err).Str("type", string(f.Type)).Msg("encode frame")
		m.emit(ErrorEvent{Err: err})
		return err
	}

	if err := m.write(ctx, c, data); err != nil {
		m.log.Warn().Err(err).Str("type", string(f.Type)).Msg("write failed")
		m.closed(c, err)
		return &chat.ServerError{Detail: err.Error()}
	}

	m.log.Debug().Str("type", string(f.Type)).Msg("frame sent")
	return nil
}

func (m *Manager) write(ctx context.Context, c Conn, data []byte) error {
	deadline := m.now().Add(m.cfg.MessageTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}

	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	if err := c.SetWriteDeadline(deadline); err != nil {
		return err
	}
	return c.WriteMessage(websocket.TextMessage, data)
}

func (m *Manager) writeFrame(ctx context.Context, c Conn, f chat.Frame) error {
	data, err := chat.EncodeFrame(f)
	if err != nil {
		return err
	}
	return m.write(ctx, c, data)
}

func (m *Manager) readLoop(c Conn) {
	for {
		_, data, err := c.ReadMessage()
		if err != nil {
			m.closed(c, err)
			return
		}
		m.dispatch(c, data)
	}
}

func (m *Manager) dispatch(c Conn, data []byte) {
	f, err := chat.DecodeFrame(data)
	if err != nil {
		m.log.Debug().Err(err).Msg("dropping inbound frame")
		m.emit(ErrorEvent{Err: err})
		return
	}

	switch f.Type {
	case chat.FrameMessage:
		msg, err := chat.MessageFromFrame(f)
		if err != nil {
			m.emit(ErrorEvent{Err: err})
			return
		}
		m.emit(MessageEvent{Message: msg})
	case chat.FrameUserJoined, chat.FrameUserLeft:
		m.emit(PresenceEvent{User: f.User(), Joined: f.Type == chat.FrameUserJoined, At: f.Timestamp})
	case chat.FrameTyping, chat.FrameTypingStop:
		m.emit(TypingEvent{User: f.User(), Typing: f.Type == chat.FrameTyping, Room: f.RoomID})
	case chat.FrameMessageRead:
		m.emit(ReadEvent{MessageID: f.MessageID, User: f.User()})
	case chat.FrameMessageDeleted:
		m.emit(DeletedEvent{MessageID: f.MessageID, User: f.User()})
	case chat.FrameJoinRoom, chat.FrameLeaveRoom:
		m.emit(RoomEvent{Room: f.RoomID, User: f.User(), Joined: f.Type == chat.FrameJoinRoom})
	case chat.FrameError:
		m.log.Warn().
			Str("code", f.ErrorCode).
			Bool("retryable", f.Retryable).
			Msg(f.ErrorDescription)
		m.emit(ServerErrorEvent{Code: f.ErrorCode, Description: f.ErrorDescription, Retryable: f.Retryable})
	case chat.FramePing:
		if err := m.writeFrame(context.Background(), c, chat.PongFrame(m.now())); err != nil {
			m.log.Debug().Err(err).Msg("pong")
		}
	case chat.FramePong:
		m.log.Debug().Msg("heartbeat acknowledged")
	}
}

// closed handles the end of a receive loop. Loops of connections that were
// already replaced or manually closed are ignored.
func (m *Manager) closed(c Conn, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn != c {
		return
	}

	m.dropConnLocked()
	_ = c.Close()

	reason := closeReason(err)
	m.setStateLocked(StateDisconnected)
	m.emit(DisconnectedEvent{Reason: reason})

	if websocket.IsCloseError(err, websocket.CloseGoingAway) {
		m.log.Info().Str("reason", reason).Msg("remote went away")
		return
	}

	m.log.Warn().Err(err).Msg("connection lost")
	m.emit(ErrorEvent{Err: &chat.ServerError{Detail: err.Error()}})
	m.scheduleReconnectLocked()
}

func (m *Manager) heartbeat(ctx context.Context, c Conn) {
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := m.writeFrame(ctx, c, chat.PingFrame(m.now())); err != nil {
				if ctx.Err() != nil {
					return
				}
				m.log.Debug().Err(err).Msg("ping")
				m.closed(c, err)
				return
			}
		}
	}
}

// scheduleReconnectLocked arms the reconnect timer, or gives up once the
// attempt budget is spent. Caller must hold m.mu.
func (m *Manager) scheduleReconnectLocked() {
	if m.attempts >= m.cfg.MaxReconnectAttempts {
		m.log.Error().Int("attempts", m.attempts).Msg("giving up on reconnecting")
		m.setStateLocked(StateFailed)
		return
	}

	m.attempts++
	m.setStateLocked(StateReconnecting)

	epoch := m.epoch
	m.reconnect = time.AfterFunc(m.cfg.ReconnectInterval, func() {
		m.retry(epoch)
	})
	m.log.Info().
		Int("attempt", m.attempts).
		Dur("in", m.cfg.ReconnectInterval).
		Msg("reconnect scheduled")
}

func (m *Manager) retry(epoch uint64) {
	m.mu.Lock()
	stale := epoch != m.epoch || m.state != StateReconnecting
	m.mu.Unlock()
	if stale {
		return
	}
	_ = m.connect(context.Background())
}

// stopReconnectLocked cancels a pending reconnect. Safe to call repeatedly.
func (m *Manager) stopReconnectLocked() {
	if m.reconnect != nil {
		m.reconnect.Stop()
		m.reconnect = nil
	}
}

// dropConnLocked forgets the current conn and stops its heartbeat. Safe to call repeatedly.
func (m *Manager) dropConnLocked() {
	if m.stopConn != nil {
		m.stopConn()
		m.stopConn = nil
	}
	m.conn = nil
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	m.emit(StateEvent{State: s})
}

func (m *Manager) emit(events ...Event) {
	m.emitMu.Lock()
	defer m.emitMu.Unlock()

	for _, ev := range events {
		select {
		case m.events <- ev:
			continue
		default:
		}

		m.evictLocked()
		select {
		case m.events <- ev:
		default:
			m.log.Warn().Str("event", fmt.Sprintf("%T", ev)).Msg("event buffer full, dropping event")
		}
	}
}

// evictLocked removes one queued event, preferring the oldest that is not a
// StateEvent, and puts the rest back in order. Caller must hold m.emitMu, so
// the only concurrent access is the consumer taking events out.
func (m *Manager) evictLocked() {
	queued := make([]Event, 0, cap(m.events))
drain:
	for {
		select {
		case ev := <-m.events:
			queued = append(queued, ev)
		default:
			break drain
		}
	}
	if len(queued) == 0 {
		return
	}

	victim := 0
	for i, ev := range queued {
		if _, ok := ev.(StateEvent); !ok {
			victim = i
			break
		}
	}
	m.log.Warn().Str("event", fmt.Sprintf("%T", queued[victim])).Msg("event buffer full, dropping event")

	for i, ev := range queued {
		if i != victim {
			m.events <- ev
		}
	}
}

func closeReason(err error) string {
	var ce *websocket.CloseError
	if errors.As(err, &ce) && ce.Text != "" {
		return ce.Text
	}
	return err.Error()
}
