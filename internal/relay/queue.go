package relay

import (
	"github.com/eapache/queue"
	"github.com/gorilla/websocket"
)

// Frame is one websocket data message with its framing kind.
type Frame struct {
	Payload []byte
	Binary  bool
}

// Size is the number of payload bytes the frame accounts for.
func (f Frame) Size() int { return len(f.Payload) }

func (f Frame) messageType() int {
	if f.Binary {
		return websocket.BinaryMessage
	}
	return websocket.TextMessage
}

func frameFromMessage(mt int, payload []byte) Frame {
	return Frame{Payload: payload, Binary: mt == websocket.BinaryMessage}
}

// pendingQueue holds client frames received while the upstream leg is
// connecting. bytes always equals the summed size of the queued frames.
type pendingQueue struct {
	frames  *queue.Queue
	bytes   int
	ceiling int
}

func newPendingQueue(ceiling int) *pendingQueue {
	return &pendingQueue{frames: queue.New(), ceiling: ceiling}
}

// push appends f and returns ErrQueueOverflow once the budget is strictly
// above the ceiling. A frame that brings the budget exactly to the ceiling is
// still accepted.
func (q *pendingQueue) push(f Frame) error {
	q.frames.Add(f)
	q.bytes += f.Size()
	if q.bytes > q.ceiling {
		return ErrQueueOverflow
	}
	return nil
}

// drain removes frames in arrival order and hands each to send. It stops at
// the first send error; the failing frame is already dequeued.
func (q *pendingQueue) drain(send func(Frame) error) (int, error) {
	n := 0
	for q.frames.Length() > 0 {
		f := q.frames.Remove().(Frame)
		q.bytes -= f.Size()
		n++
		if err := send(f); err != nil {
			return n, err
		}
	}
	return n, nil
}

// reset discards everything still queued.
func (q *pendingQueue) reset() {
	for q.frames.Length() > 0 {
		q.frames.Remove()
	}
	q.bytes = 0
}

func (q *pendingQueue) len() int { return q.frames.Length() }
