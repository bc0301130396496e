package session

import (
	"strings"
	"sync"
)

// defaultBufferLines is the default output buffer capacity.
const defaultBufferLines = 1000

// OutputBuffer is a thread-safe bounded buffer of recently emitted output
// lines, oldest evicted first. It backs the replay step of cross-process
// resume: a reconstructed session seeds the buffer from the container log
// tail and a reattaching client receives the missed output.
type OutputBuffer struct {
	mu      sync.Mutex
	lines   []string
	partial string // trailing output not yet terminated by a newline
	max     int
}

// NewOutputBuffer creates a buffer holding at most max lines.
// max <= 0 falls back to the default capacity.
func NewOutputBuffer(max int) *OutputBuffer {
	if max <= 0 {
		max = defaultBufferLines
	}
	return &OutputBuffer{max: max}
}

// AppendLine adds one complete line, evicting the oldest when full.
func (b *OutputBuffer) AppendLine(line string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.appendLocked(line)
}

func (b *OutputBuffer) appendLocked(line string) {
	b.lines = append(b.lines, line)
	if len(b.lines) > b.max {
		b.lines = b.lines[len(b.lines)-b.max:]
	}
}

// Write consumes a raw PTY chunk, splitting it into lines. A trailing
// fragment without a newline is carried over into the next Write.
func (b *OutputBuffer) Write(p []byte) {
	b.mu.Lock()
	defer b.mu.Unlock()

	text := b.partial + string(p)
	parts := strings.Split(text, "\n")
	b.partial = parts[len(parts)-1]
	for _, line := range parts[:len(parts)-1] {
		b.appendLocked(strings.TrimRight(line, "\r"))
	}
}

// Lines returns a copy of the buffered lines, oldest first. A pending
// partial line is included last.
func (b *OutputBuffer) Lines() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, 0, len(b.lines)+1)
	out = append(out, b.lines...)
	if b.partial != "" {
		out = append(out, b.partial)
	}
	return out
}

// Len returns the number of complete buffered lines.
func (b *OutputBuffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.lines)
}
