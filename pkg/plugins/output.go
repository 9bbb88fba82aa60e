package plugins

import (
	"bytes"
	"sync"
)

// LimitedBuffer keeps the first max bytes written to it and discards the
// rest. Writes never fail, so it is safe behind io.MultiWriter. It may be
// shared by the stdout and stderr copiers of one process.
type LimitedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

// NewLimitedBuffer returns a buffer capped at max bytes.
func NewLimitedBuffer(max int) *LimitedBuffer {
	return &LimitedBuffer{max: max}
}

func (b *LimitedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := len(p)
	if room := b.max - b.buf.Len(); room > 0 {
		if n > room {
			p = p[:room]
		}
		b.buf.Write(p)
	}
	return n, nil
}

func (b *LimitedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}
