package sandbox

import (
	"fmt"
	"sync"
)

// logBuffer collects build output up to a byte cap. Output past the cap is
// counted but discarded, so a build spewing gigabytes of text cannot bloat
// the database.
type logBuffer struct {
	mu      sync.Mutex
	max     int64
	buf     []byte
	dropped int64
}

func newLogBuffer(max int64) *logBuffer {
	return &logBuffer{max: max}
}

func (b *logBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	room := b.max - int64(len(b.buf))
	if room <= 0 {
		b.dropped += int64(len(p))
		return len(p), nil
	}
	if int64(len(p)) > room {
		b.buf = append(b.buf, p[:room]...)
		b.dropped += int64(len(p)) - room
		return len(p), nil
	}
	b.buf = append(b.buf, p...)
	return len(p), nil
}

func (b *logBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.dropped == 0 {
		return string(b.buf)
	}
	return fmt.Sprintf("%s\n[log truncated, %d bytes omitted]\n", b.buf, b.dropped)
}
