package audio

import (
	"sync"
)

// RingBuffer is a bounded, thread-safe byte queue sitting between a track's
// inbound frames and the ASR writer. It never grows: a frame that does not fit
// is rejected whole so the caller can count it as dropped.
type RingBuffer struct {
	buffer []byte
	size   int
	read   int
	write  int
	mu     sync.Mutex
}

// NewRingBuffer creates a ring that holds at most size-1 bytes
func NewRingBuffer(size int) *RingBuffer {
	if size < 2 {
		size = 2
	}
	return &RingBuffer{
		buffer: make([]byte, size),
		size:   size,
	}
}

// Write copies as much of data as fits and returns the number of bytes written
func (rb *RingBuffer) Write(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	n := len(data)
	if space := rb.space(); n > space {
		n = space
	}
	rb.put(data[:n])
	return n
}

// WriteFrame writes data only if all of it fits. It reports whether the frame
// was accepted.
func (rb *RingBuffer) WriteFrame(data []byte) bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	if len(data) > rb.space() {
		return false
	}
	rb.put(data)
	return true
}

func (rb *RingBuffer) put(data []byte) {
	for len(data) > 0 {
		end := rb.size
		if rb.read > rb.write {
			end = rb.read - 1
		} else if rb.read == 0 {
			end = rb.size - 1
		}
		n := copy(rb.buffer[rb.write:end], data)
		data = data[n:]
		rb.write = (rb.write + n) % rb.size
	}
}

// Read moves up to len(data) bytes out of the ring and returns the count
func (rb *RingBuffer) Read(data []byte) int {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	read := 0
	for read < len(data) && rb.read != rb.write {
		end := rb.write
		if rb.write < rb.read {
			end = rb.size
		}
		n := copy(data[read:], rb.buffer[rb.read:end])
		read += n
		rb.read = (rb.read + n) % rb.size
	}
	return read
}

// Available returns the number of bytes available to read
func (rb *RingBuffer) Available() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.available()
}

func (rb *RingBuffer) available() int {
	if rb.write >= rb.read {
		return rb.write - rb.read
	}
	return rb.size - rb.read + rb.write
}

// Space returns the number of bytes available to write
func (rb *RingBuffer) Space() int {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.space()
}

// -1 keeps full and empty distinguishable
func (rb *RingBuffer) space() int {
	return rb.size - rb.available() - 1
}

// Clear clears the buffer
func (rb *RingBuffer) Clear() {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.read = 0
	rb.write = 0
}

// IsEmpty returns true if the buffer is empty
func (rb *RingBuffer) IsEmpty() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return rb.read == rb.write
}

// IsFull returns true if the buffer is full
func (rb *RingBuffer) IsFull() bool {
	rb.mu.Lock()
	defer rb.mu.Unlock()
	return (rb.write+1)%rb.size == rb.read
}
