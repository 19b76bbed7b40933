package mse

import "fmt"

// DefaultQueueCapacity is the byte capacity of the append queue.
const DefaultQueueCapacity = 2 << 20

// AppendQueue is a single pending buffer that coalesces chunks arriving
// while the source buffer is busy. Chunks are concatenated in push order.
type AppendQueue struct {
	buf []byte
	cap int
}

// NewAppendQueue returns a queue holding at most capacity bytes.
func NewAppendQueue(capacity int) *AppendQueue {
	if capacity <= 0 {
		capacity = DefaultQueueCapacity
	}
	return &AppendQueue{cap: capacity}
}

// Push appends chunk to the pending slot. A chunk that does not fit is
// rejected whole with ErrQueueOverflow and the queue is left unchanged.
func (q *AppendQueue) Push(chunk []byte) error {
	if len(q.buf)+len(chunk) > q.cap {
		return fmt.Errorf("%w: %d queued + %d > %d bytes", ErrQueueOverflow, len(q.buf), len(chunk), q.cap)
	}
	if q.buf == nil {
		q.buf = make([]byte, 0, min(q.cap, max(len(chunk)*4, 64<<10)))
	}
	q.buf = append(q.buf, chunk...)
	return nil
}

// Take returns the pending bytes and empties the queue.
func (q *AppendQueue) Take() []byte {
	data := q.buf
	q.buf = nil
	return data
}

// Len reports the number of pending bytes.
func (q *AppendQueue) Len() int { return len(q.buf) }

// Cap reports the queue capacity in bytes.
func (q *AppendQueue) Cap() int { return q.cap }

// Reset drops any pending bytes.
func (q *AppendQueue) Reset() { q.buf = nil }
