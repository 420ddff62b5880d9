package terminal

import "sync"

// ChunkBuffer is a bounded FIFO of output chunks capped by a total byte
// count. It preserves the most recent bytes: appending past the cap evicts
// the oldest chunks, and a single chunk larger than the cap is truncated to
// its trailing bytes. Safe for concurrent use.
type ChunkBuffer struct {
	mu       sync.Mutex
	chunks   [][]byte
	size     int
	maxChars int
}

// NewChunkBuffer creates a buffer retaining at most maxChars bytes.
func NewChunkBuffer(maxChars int) *ChunkBuffer {
	if maxChars < 0 {
		maxChars = 0
	}
	return &ChunkBuffer{maxChars: maxChars}
}

// Append adds a chunk, evicting the oldest chunks when the running total
// exceeds the cap. Empty chunks are ignored. The chunk is copied, so the
// caller may reuse its slice.
func (b *ChunkBuffer) Append(chunk []byte) {
	if len(chunk) == 0 {
		return
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.maxChars <= 0 {
		return
	}

	if len(chunk) > b.maxChars {
		chunk = chunk[len(chunk)-b.maxChars:]
	}
	c := make([]byte, len(chunk))
	copy(c, chunk)

	b.chunks = append(b.chunks, c)
	b.size += len(c)
	b.evictLocked()
}

// SetMaxChars adjusts the cap. A cap of zero or less clears the buffer;
// otherwise the buffer is trimmed to fit.
func (b *ChunkBuffer) SetMaxChars(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if n <= 0 {
		b.maxChars = 0
		b.chunks = nil
		b.size = 0
		return
	}
	b.maxChars = n
	b.evictLocked()
}

// evictLocked drops whole chunks from the front until size <= maxChars.
// Caller must hold b.mu.
func (b *ChunkBuffer) evictLocked() {
	for b.size > b.maxChars && len(b.chunks) > 0 {
		b.size -= len(b.chunks[0])
		b.chunks[0] = nil
		b.chunks = b.chunks[1:]
	}
}

// Snapshot returns the concatenation of all retained chunks.
func (b *ChunkBuffer) Snapshot() []byte {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]byte, 0, b.size)
	for _, c := range b.chunks {
		out = append(out, c...)
	}
	return out
}

// Size returns the total retained byte count.
func (b *ChunkBuffer) Size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.size
}

// Clear drops all retained chunks without changing the cap.
func (b *ChunkBuffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.chunks = nil
	b.size = 0
}
