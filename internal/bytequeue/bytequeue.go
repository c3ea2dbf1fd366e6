// Package bytequeue is a bounded in-memory byte pipe: writers never block and
// drop what does not fit, readers block until data, close or deadline.
//
// It backs sockets whose inbound bytes arrive as callbacks (BLE
// notifications, the emulator's replies) and must be consumed through io.Reader.
package bytequeue

import (
	"errors"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/smallnest/ringbuffer"
)

// Queue is safe for one reader and any number of writers.
type Queue struct {
	rb *ringbuffer.RingBuffer

	notify    chan struct{}
	closed    chan struct{}
	closeOnce sync.Once

	mu       sync.Mutex
	deadline time.Time

	written atomic.Uint64
	dropped atomic.Uint64
}

// New creates a queue holding at most capacity bytes.
func New(capacity int) *Queue {
	return &Queue{
		rb:     ringbuffer.New(capacity),
		notify: make(chan struct{}, 1),
		closed: make(chan struct{}),
	}
}

// Write queues p. When the queue is full the tail of p is dropped and the
// returned count is less than len(p).
func (q *Queue) Write(p []byte) (int, error) {
	if q.isClosed() {
		return 0, io.ErrClosedPipe
	}
	if len(p) == 0 {
		return 0, nil
	}

	n, err := q.rb.Write(p)
	if err != nil && !errors.Is(err, ringbuffer.ErrIsFull) && !errors.Is(err, ringbuffer.ErrTooMuchDataToWrite) {
		return n, err
	}
	if n < len(p) {
		q.dropped.Add(uint64(len(p) - n))
	}
	q.written.Add(uint64(n))

	if n > 0 {
		select {
		case q.notify <- struct{}{}:
		default:
		}
	}
	return n, nil
}

// Read blocks until at least one byte is available. It returns io.EOF once
// the queue is closed and drained, and os.ErrDeadlineExceeded when the read
// deadline passes.
func (q *Queue) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}

	for {
		n, err := q.rb.TryRead(p)
		if n > 0 {
			return n, nil
		}
		if err != nil && !errors.Is(err, ringbuffer.ErrIsEmpty) {
			return 0, err
		}
		if q.isClosed() {
			return 0, io.EOF
		}

		if err := q.wait(); err != nil {
			return 0, err
		}
	}
}

func (q *Queue) wait() error {
	d := q.readDeadline()
	if d.IsZero() {
		select {
		case <-q.notify:
		case <-q.closed:
		}
		return nil
	}

	wait := time.Until(d)
	if wait <= 0 {
		return os.ErrDeadlineExceeded
	}
	t := time.NewTimer(wait)
	defer t.Stop()

	select {
	case <-q.notify:
	case <-q.closed:
	case <-t.C:
		return os.ErrDeadlineExceeded
	}
	return nil
}

// SetReadDeadline bounds future and pending reads. A zero time disables it.
func (q *Queue) SetReadDeadline(t time.Time) error {
	q.mu.Lock()
	q.deadline = t
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

func (q *Queue) readDeadline() time.Time {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.deadline
}

// Len returns the number of buffered bytes.
func (q *Queue) Len() int {
	return q.rb.Length()
}

// Cap returns the queue capacity.
func (q *Queue) Cap() int {
	return q.rb.Capacity()
}

// Written returns the number of bytes accepted so far.
func (q *Queue) Written() uint64 {
	return q.written.Load()
}

// Dropped returns the number of bytes discarded because the queue was full.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Reset discards buffered bytes.
func (q *Queue) Reset() {
	q.rb.Reset()
}

// Close wakes blocked readers. Buffered bytes remain readable.
func (q *Queue) Close() error {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
	return nil
}

func (q *Queue) isClosed() bool {
	select {
	case <-q.closed:
		return true
	default:
		return false
	}
}
