package terminal

import (
	"sync"
)

// OutputLog retains recent raw emulator output in a ring buffer, so the UI
// can fetch a bounded backlog without the pool growing memory per instance.
type OutputLog struct {
	buffer    []byte
	size      int
	writePos  int
	wrapped   bool
	truncated bool
	mu        sync.RWMutex
}

func NewOutputLog(size int) *OutputLog {
	return &OutputLog{
		buffer: make([]byte, size),
		size:   size,
	}
}

func (l *OutputLog) Write(p []byte) (n int, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	for _, b := range p {
		l.buffer[l.writePos] = b
		l.writePos++
		if l.writePos >= l.size {
			l.writePos = 0
			l.wrapped = true
			l.truncated = true
		}
	}

	return len(p), nil
}

// ReadAll returns all retained output in emission order, handling wrap.
func (l *OutputLog) ReadAll() (output string, truncated bool) {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if !l.wrapped {
		return string(l.buffer[:l.writePos]), l.truncated
	}

	output = string(l.buffer[l.writePos:]) + string(l.buffer[:l.writePos])
	return output, l.truncated
}

// Clear resets the buffer.
func (l *OutputLog) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.writePos = 0
	l.wrapped = false
	l.truncated = false
}
