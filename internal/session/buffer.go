package session

// OutputBuffer accumulates terminal output up to a fixed size. When an
// append would overflow, at least a tenth of the capacity is discarded from
// the front so that repeated small appends do not trim on every call.
//
// Eviction never splits a UTF-8 encoded character.
//
// OutputBuffer is not safe for concurrent use; the registry guards it.
type OutputBuffer struct {
	data []byte
	max  int
}

// NewOutputBuffer creates a buffer holding at most size bytes.
func NewOutputBuffer(size int) *OutputBuffer {
	if size <= 0 {
		size = defaultMaxBufferSize
	}
	return &OutputBuffer{max: size}
}

// Append adds chunk to the end of the buffer and returns the number of
// bytes evicted from the front to make room.
func (b *OutputBuffer) Append(chunk []byte) int {
	if len(chunk) > b.max {
		chunk = chunk[nextRuneStart(chunk, len(chunk)-b.max):]
	}

	evicted := 0
	if len(b.data)+len(chunk) > b.max {
		evict := nextRuneStart(b.data, max(len(chunk), b.max/10))
		if evict >= len(b.data) {
			evicted = len(b.data)
			b.data = b.data[:0]
		} else {
			n := copy(b.data, b.data[evict:])
			b.data = b.data[:n]
			evicted = evict
		}
	}

	b.data = append(b.data, chunk...)
	return evicted
}

// Len returns the number of buffered bytes.
func (b *OutputBuffer) Len() int {
	return len(b.data)
}

// String returns a copy of the buffered output.
func (b *OutputBuffer) String() string {
	return string(b.data)
}
