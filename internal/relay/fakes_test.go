package relay

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

type readResult struct {
	mt  int
	p   []byte
	err error
}

// fakeConn is an in-memory Conn. Tests feed it inbound messages and inspect
// what the session wrote.
type fakeConn struct {
	reads    chan readResult
	closedCh chan struct{}
	proto    string

	mu       sync.Mutex
	written  []Frame
	closed   bool
	writeErr error
}

func newFakeConn() *fakeConn {
	return &fakeConn{reads: make(chan readResult), closedCh: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case r := <-c.reads:
		return r.mt, r.p, r.err
	case <-c.closedCh:
		return 0, nil, net.ErrClosed
	}
}

func (c *fakeConn) WriteMessage(mt int, p []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	if c.writeErr != nil {
		return c.writeErr
	}
	c.written = append(c.written, frameFromMessage(mt, append([]byte(nil), p...)))
	return nil
}

func (c *fakeConn) SetWriteDeadline(time.Time) error { return nil }
func (c *fakeConn) Subprotocol() string              { return c.proto }

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.closedCh)
	}
	return nil
}

// deliver blocks until the session's reader has taken the message.
func (c *fakeConn) deliver(r readResult) bool {
	select {
	case c.reads <- r:
		return true
	case <-c.closedCh:
		return false
	}
}

func (c *fakeConn) text(s string) bool   { return c.deliver(readResult{mt: websocket.TextMessage, p: []byte(s)}) }
func (c *fakeConn) binary(p []byte) bool { return c.deliver(readResult{mt: websocket.BinaryMessage, p: p}) }
func (c *fakeConn) fail(err error) bool  { return c.deliver(readResult{err: err}) }
func (c *fakeConn) peerClose(code int) bool {
	return c.deliver(readResult{err: &websocket.CloseError{Code: code}})
}

func (c *fakeConn) frames() []Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Frame(nil), c.written...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// fakeDialer hands out the upstream connection once the test releases it.
type fakeDialer struct {
	conns chan Conn
	errs  chan error
	calls atomic.Int32
	ended chan error
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{conns: make(chan Conn), errs: make(chan error), ended: make(chan error, 1)}
}

func (d *fakeDialer) dial(ctx context.Context) (Conn, error) {
	d.calls.Add(1)
	select {
	case c := <-d.conns:
		return c, nil
	case err := <-d.errs:
		return nil, err
	case <-ctx.Done():
		d.ended <- ctx.Err()
		return nil, ctx.Err()
	}
}

func texts(frames []Frame) []string {
	out := make([]string, 0, len(frames))
	for _, f := range frames {
		out = append(out, string(f.Payload))
	}
	return out
}
