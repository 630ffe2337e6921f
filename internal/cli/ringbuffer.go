package cli

import (
	"sync"
)

// RingBuffer is a thread-safe circular buffer holding the last N raw
// output lines from the CLI. It backs diagnostics: when a session
// stalls or dies, the tail of its output is the first thing to look
// at, and unbounded history would grow without limit on long runs.
type RingBuffer struct {
	mu sync.RWMutex

	lines []string

	// head points to where the next write will go.
	head int

	// size tracks how many lines are currently stored (0 to cap).
	size int

	cap int
}

// NewRingBuffer creates a ring buffer with the given capacity.
// If capacity is <= 0, it defaults to 2000 lines.
func NewRingBuffer(capacity int) *RingBuffer {
	if capacity <= 0 {
		capacity = 2000
	}
	return &RingBuffer{
		lines: make([]string, capacity),
		cap:   capacity,
	}
}

// Write adds a line, overwriting the oldest entry when full.
func (rb *RingBuffer) Write(line string) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.lines[rb.head] = line
	rb.head = (rb.head + 1) % rb.cap
	if rb.size < rb.cap {
		rb.size++
	}
}

// Lines returns all stored lines, oldest first. The result is a copy,
// safe to use without further locking.
func (rb *RingBuffer) Lines() []string {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	result := make([]string, rb.size)
	if rb.size == 0 {
		return result
	}

	if rb.size < rb.cap {
		copy(result, rb.lines[:rb.size])
	} else {
		// Full buffer: head is the oldest entry.
		for i := 0; i < rb.size; i++ {
			result[i] = rb.lines[(rb.head+i)%rb.cap]
		}
	}

	return result
}

// Size returns the current number of stored lines.
func (rb *RingBuffer) Size() int {
	rb.mu.RLock()
	defer rb.mu.RUnlock()
	return rb.size
}

// Clear resets the buffer without freeing the underlying array.
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	rb.head = 0
	rb.size = 0
}
