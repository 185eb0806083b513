package stage

import (
	"sync"
)

// cappedBuffer is an io.Writer that keeps at most limit bytes and
// remembers whether anything was dropped. Writes never fail so the
// child process is never blocked on a full pipe.
type cappedBuffer struct {
	mu        sync.Mutex
	buf       []byte
	limit     int64
	truncated bool
}

func newCappedBuffer(limit int64) *cappedBuffer {
	return &cappedBuffer{limit: limit}
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining := b.limit - int64(len(b.buf))
	if remaining <= 0 {
		b.truncated = true

		return len(p), nil
	}

	if int64(len(p)) > remaining {
		b.buf = append(b.buf, p[:remaining]...)
		b.truncated = true

		return len(p), nil
	}

	b.buf = append(b.buf, p...)

	return len(p), nil
}

// contents returns the captured output, with the truncation marker
// appended when the cap was hit.
func (b *cappedBuffer) contents() (string, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := string(b.buf)
	if b.truncated {
		out += TruncationMarker
	}

	return out, b.truncated
}
