package mcp

import "sync"

// defaultLogCapacity bounds how many stderr/diagnostic lines a server keeps.
const defaultLogCapacity = 500

// RingBuffer keeps the most recent lines of a server's diagnostic output.
type RingBuffer struct {
	mu    sync.Mutex
	lines []string
	next  int
	full  bool
}

// NewRingBuffer creates a ring buffer holding up to capacity lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = defaultLogCapacity
	}
	return &RingBuffer{lines: make([]string, capacity)}
}

// Append records one line, evicting the oldest when full.
func (r *RingBuffer) Append(line string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.lines[r.next] = line
	r.next = (r.next + 1) % len(r.lines)
	if r.next == 0 {
		r.full = true
	}
}

// Lines returns the buffered lines in oldest-first order.
func (r *RingBuffer) Lines() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.full {
		out := make([]string, r.next)
		copy(out, r.lines[:r.next])
		return out
	}

	out := make([]string, 0, len(r.lines))
	out = append(out, r.lines[r.next:]...)
	out = append(out, r.lines[:r.next]...)
	return out
}

// Clear discards all buffered lines.
func (r *RingBuffer) Clear() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for i := range r.lines {
		r.lines[i] = ""
	}
	r.next = 0
	r.full = false
}
