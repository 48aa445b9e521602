package pool

import "github.com/valyala/bytebufferpool"

// BufferPool hands out fixed-size receive buffers backed by
// github.com/valyala/bytebufferpool's growable buffers, cutting down on GC
// churn across reuse cycles the way the reference buffer pools in the
// retrieval pack do. Every buffer Acquire returns has a backing slice of
// exactly Size() bytes; Release resets it and returns it to the free list.
type BufferPool struct {
	inner *Pool[*bytebufferpool.ByteBuffer]
	size  int
}

// NewBufferPool creates a buffer pool for buffers of the given size, with
// the given soft capacity, pre-filled to prefill instances (capped at
// capacity).
func NewBufferPool(size, capacity, prefill int) *BufferPool {
	bbp := new(bytebufferpool.Pool)
	factory := func() *bytebufferpool.ByteBuffer {
		b := bbp.Get()
		b.B = append(b.B[:0], make([]byte, size)...)
		return b
	}
	reset := func(b *bytebufferpool.ByteBuffer) {
		clear(b.B)
		b.Reset()
	}
	return &BufferPool{
		inner: New(capacity, prefill, factory, reset),
		size:  size,
	}
}

// Acquire returns a buffer whose backing slice has length Size().
func (p *BufferPool) Acquire() *bytebufferpool.ByteBuffer {
	b := p.inner.Acquire()
	if cap(b.B) < p.size {
		b.B = make([]byte, p.size)
	} else {
		b.B = b.B[:p.size]
	}
	return b
}

// Release returns buf to the pool for reuse.
func (p *BufferPool) Release(buf *bytebufferpool.ByteBuffer) { p.inner.Release(buf) }

// Size returns the fixed buffer size this pool hands out.
func (p *BufferPool) Size() int { return p.size }
