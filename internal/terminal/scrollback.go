package terminal

import "sync"

const defaultScrollbackSize = 64 * 1024

// Scrollback keeps the most recent terminal output so a reconnecting client
// can repaint its screen. Older bytes are overwritten once the buffer is full.
type Scrollback struct {
	mu   sync.Mutex
	buf  []byte
	head int
	full bool
}

// NewScrollback returns a buffer holding up to size bytes.
func NewScrollback(size int) *Scrollback {
	if size <= 0 {
		size = defaultScrollbackSize
	}
	return &Scrollback{buf: make([]byte, size)}
}

// Write implements io.Writer.
func (s *Scrollback) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := len(p)
	if n >= len(s.buf) {
		copy(s.buf, p[n-len(s.buf):])
		s.head = 0
		s.full = true
		return n, nil
	}

	written := copy(s.buf[s.head:], p)
	if written < n {
		copy(s.buf, p[written:])
		s.full = true
	}
	next := (s.head + n) % len(s.buf)
	if !s.full && next <= s.head && n > 0 {
		s.full = true
	}
	s.head = next
	return n, nil
}

// Bytes returns the buffered output, oldest first.
func (s *Scrollback) Bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.full {
		out := make([]byte, s.head)
		copy(out, s.buf[:s.head])
		return out
	}
	out := make([]byte, 0, len(s.buf))
	out = append(out, s.buf[s.head:]...)
	return append(out, s.buf[:s.head]...)
}
