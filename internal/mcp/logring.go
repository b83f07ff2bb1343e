package mcp

import (
	"fmt"
	"sync"
	"time"
)

// logRingCapacity bounds the per-connection log buffer. Once full, the oldest
// line is dropped for each new one.
const logRingCapacity = 1000

// LogRing is a bounded ring buffer of log lines. The transport's reader loop
// is the single writer; readers get a copy.
type LogRing struct {
	mu    sync.Mutex
	lines []string
	start int
	count int
}

// NewLogRing creates an empty ring with the standard capacity.
func NewLogRing() *LogRing {
	return &LogRing{lines: make([]string, logRingCapacity)}
}

// Append adds a line, stamping it with the current time.
func (r *LogRing) Append(line string) {
	stamped := fmt.Sprintf("%s %s", time.Now().Format("15:04:05.000"), line)
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count < len(r.lines) {
		r.lines[(r.start+r.count)%len(r.lines)] = stamped
		r.count++
		return
	}
	r.lines[r.start] = stamped
	r.start = (r.start + 1) % len(r.lines)
}

// Lines returns up to max of the most recent lines, oldest first.
// max <= 0 returns everything retained.
func (r *LogRing) Lines(max int) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.count
	if max > 0 && max < n {
		n = max
	}
	out := make([]string, n)
	// Skip the oldest entries when max trims the window.
	skip := r.count - n
	for i := 0; i < n; i++ {
		out[i] = r.lines[(r.start+skip+i)%len(r.lines)]
	}
	return out
}

// Len returns the number of retained lines.
func (r *LogRing) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
