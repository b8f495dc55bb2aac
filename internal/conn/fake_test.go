package conn

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/fasthttp/websocket"

	"github.com/pelusa-v/pelusa-chat/internal/chat"
)

type readResult struct {
	data []byte
	err  error
}

type written struct {
	typ  int
	data []byte
}

// fakeConn is an in-memory Conn. Tests push inbound frames with deliver and
// inspect what the Manager wrote with frames.
type fakeConn struct {
	reads  chan readResult
	closed chan struct{}
	once   sync.Once

	mu       sync.Mutex
	writes   []written
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{
		reads:  make(chan readResult, 16),
		closed: make(chan struct{}),
	}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		if r.err != nil {
			return 0, nil, r.err
		}
		return websocket.TextMessage, r.data, nil
	case <-c.closed:
		return 0, nil, &websocket.CloseError{Code: websocket.CloseAbnormalClosure, Text: "use of closed connection"}
	}
}

func (c *fakeConn) WriteMessage(typ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.writes = append(c.writes, written{typ: typ, data: append([]byte(nil), data...)})
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) deliver(raw string) {
	c.reads <- readResult{data: []byte(raw)}
}

func (c *fakeConn) fail(err error) {
	c.reads <- readResult{err: err}
}

func (c *fakeConn) failWrites(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.writeErr = err
}

// frames decodes every text frame written so far.
func (c *fakeConn) frames(t *testing.T) []chat.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []chat.Frame
	for _, w := range c.writes {
		if w.typ != websocket.TextMessage {
			continue
		}
		f, err := chat.DecodeFrame(w.data)
		if err != nil {
			t.Fatalf("manager wrote an undecodable frame: %v", err)
		}
		out = append(out, f)
	}
	return out
}

func (c *fakeConn) count(t *testing.T, typ chat.FrameType) int {
	n := 0
	for _, f := range c.frames(t) {
		if f.Type == typ {
			n++
		}
	}
	return n
}

func (c *fakeConn) closeFrames() []written {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []written
	for _, w := range c.writes {
		if w.typ == websocket.CloseMessage {
			out = append(out, w)
		}
	}
	return out
}

// fakeDialer fails the first fail dials (all of them when fail < 0) and hands
// out fresh fakeConns afterwards.
type fakeDialer struct {
	mu    sync.Mutex
	fail  int
	dials int
	conns []*fakeConn
}

func (d *fakeDialer) Dial(_ context.Context, url string) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.fail < 0 || d.dials <= d.fail {
		return nil, fmt.Errorf("%w: dial %s refused", chat.ErrConnectionFailed, url)
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) setFail(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = n
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

// waitEvent reads events until one of type T shows up.
func waitEvent[T Event](t *testing.T, events <-chan Event) T {
	t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case ev := <-events:
			if e, ok := ev.(T); ok {
				return e
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// waitError reads events until an ErrorEvent matching target shows up.
func waitError(t *testing.T, events <-chan Event, target error) ErrorEvent {
	t.Helper()
	for {
		e := waitEvent[ErrorEvent](t, events)
		if errors.Is(e.Err, target) {
			return e
		}
	}
}
