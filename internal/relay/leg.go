package relay

import (
	"sync"
	"sync/atomic"
	"time"
)

// LegState is the connection state of one side of a session.
type LegState int32

const (
	StateConnecting LegState = iota
	StateOpen
	StateClosing
	StateClosed
)

func (s LegState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	}
	return "unknown"
}

// Conn is the subset of *websocket.Conn a leg uses.
type Conn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	SetWriteDeadline(t time.Time) error
	Subprotocol() string
	Close() error
}

type legSide int

const (
	sideClient legSide = iota
	sideUpstream
)

func (s legSide) String() string {
	if s == sideClient {
		return "client"
	}
	return "upstream"
}

type leg struct {
	side         legSide
	conn         Conn
	state        atomic.Int32
	writeTimeout time.Duration
	closeOnce    sync.Once
}

func newLeg(side legSide, conn Conn, state LegState, writeTimeout time.Duration) *leg {
	l := &leg{side: side, conn: conn, writeTimeout: writeTimeout}
	l.state.Store(int32(state))
	return l
}

func (l *leg) State() LegState     { return LegState(l.state.Load()) }
func (l *leg) setState(s LegState) { l.state.Store(int32(s)) }

// open attaches the established connection and marks the leg open.
func (l *leg) open(conn Conn) {
	l.conn = conn
	l.setState(StateOpen)
}

func (l *leg) protocol() string {
	if l.conn == nil {
		return ""
	}
	return l.conn.Subprotocol()
}

// send writes f as a single uncompressed message of the same kind.
func (l *leg) send(f Frame) error {
	if l.writeTimeout > 0 {
		if err := l.conn.SetWriteDeadline(time.Now().Add(l.writeTimeout)); err != nil {
			return err
		}
	}
	return l.conn.WriteMessage(f.messageType(), f.Payload)
}

// terminate forcibly closes the transport. It is safe to call any number of
// times, on a leg that never connected, and it never reports an error.
func (l *leg) terminate() {
	if l.State() != StateClosed {
		l.setState(StateClosing)
	}
	l.closeOnce.Do(func() {
		if l.conn != nil {
			_ = l.conn.Close()
		}
	})
	l.setState(StateClosed)
}
