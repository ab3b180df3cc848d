// Package buffer holds the scrollback kept for terminal-view hot restore.
package buffer

import "sync"

// RingBuffer keeps the most recent bytes written to it, up to a fixed
// capacity. Older bytes are overwritten in place.
type RingBuffer struct {
	mu    sync.Mutex
	buf   []byte
	start int // index of the oldest byte
	size  int
}

// NewRingBuffer creates a RingBuffer holding at most capacity bytes.
// A capacity below 1 is raised to 1.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 1
	}
	return &RingBuffer{buf: make([]byte, capacity)}
}

// Write implements io.Writer. It never fails.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n == 0 {
		return 0, nil
	}

	rb.mu.Lock()
	defer rb.mu.Unlock()

	capacity := len(rb.buf)
	if n >= capacity {
		copy(rb.buf, p[n-capacity:])
		rb.start = 0
		rb.size = capacity
		return n, nil
	}

	end := (rb.start + rb.size) % capacity
	first := copy(rb.buf[end:], p)
	copy(rb.buf, p[first:])

	rb.size += n
	if rb.size > capacity {
		rb.start = (rb.start + rb.size - capacity) % capacity
		rb.size = capacity
	}
	return n, nil
}

// Bytes returns a copy of the buffered bytes, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if rb.size == 0 {
		return nil
	}

	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.start:min(rb.start+rb.size, len(rb.buf))])
	copy(out[n:], rb.buf[:rb.size-n])
	return out
}

// Reset drops all buffered bytes.
func (rb *RingBuffer) Reset() {
	rb.mu.Lock()
	rb.start, rb.size = 0, 0
	rb.mu.Unlock()
}

// Len returns the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.size
}

// Cap returns the capacity of the buffer.
func (rb *RingBuffer) Cap() int {
	return len(rb.buf)
}
