package logging

import (
	"os"
	"sync"
)

// RingBuffer keeps the most recent bytes written to it. It backs the
// SIGUSR1 crash dump so the last few megabytes of logs survive a wedge.
type RingBuffer struct {
	mu   sync.Mutex
	buf  []byte
	pos  int
	full bool
}

func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = 4 * 1024 * 1024
	}
	return &RingBuffer{buf: make([]byte, size)}
}

// Write never fails; older bytes are overwritten once capacity is reached.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(p)
	size := len(rb.buf)
	if n >= size {
		copy(rb.buf, p[n-size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	first := copy(rb.buf[rb.pos:], p)
	if first < n {
		copy(rb.buf, p[first:])
		rb.pos = n - first
		rb.full = true
	} else {
		rb.pos += n
		if rb.pos == size {
			rb.pos = 0
			rb.full = true
		}
	}
	return n, nil
}

// Len is the number of buffered bytes.
func (rb *RingBuffer) Len() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	if rb.full {
		return len(rb.buf)
	}
	return rb.pos
}

// Bytes returns a copy of the buffered data, oldest first.
func (rb *RingBuffer) Bytes() []byte {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if !rb.full {
		out := make([]byte, rb.pos)
		copy(out, rb.buf[:rb.pos])
		return out
	}
	out := make([]byte, 0, len(rb.buf))
	out = append(out, rb.buf[rb.pos:]...)
	out = append(out, rb.buf[:rb.pos]...)
	return out
}

func (rb *RingBuffer) DumpToFile(path string) error {
	return os.WriteFile(path, rb.Bytes(), 0o600)
}
