package queue

import "github.com/valyala/bytebufferpool"

// Chunk is a (buffer, valid_length) handoff from a connection's receive path
// to its framing loop. Owner is the pooled buffer backing Data; ownership of
// Owner passes to whoever dequeues the Chunk, and it must be released back
// to the buffer pool exactly once, after its bytes are fully consumed.
type Chunk struct {
	Data  []byte
	Owner *bytebufferpool.ByteBuffer
}

// ChunkQueue is a Queue specialized for Chunk handoffs. Each connection
// reader owns one, with a per-connection capacity of 10 chunks.
type ChunkQueue = Queue[Chunk]

// NewChunkQueue creates a ChunkQueue with the given capacity.
func NewChunkQueue(capacity int) *ChunkQueue { return New[Chunk](capacity) }
