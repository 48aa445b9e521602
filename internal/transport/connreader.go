package transport

import (
	"context"
	"io"
	"log/slog"
	"sync"

	protoerr "github.com/alxayo/cachewire/internal/errors"
	"github.com/alxayo/cachewire/internal/frame"
	"github.com/alxayo/cachewire/internal/logger"
	"github.com/alxayo/cachewire/internal/pool"
	"github.com/alxayo/cachewire/internal/queue"
)

// perConnQueueCapacity bounds the chunk queue each connection reader owns.
// The redesign noted in the expanded spec keeps one decoder and one chunk
// queue per connection rather than funneling every connection through a
// single shared queue, so the capacity is per connection, not global.
const perConnQueueCapacity = 10

// connectionReader drives one accepted or dialed socket's receive side: an
// async-style receive loop feeding a bounded chunk queue, and a decode loop
// draining that queue through a Frame Decoder and dispatching whole frames.
// The two loops run concurrently so a slow decoder applies back-pressure to
// the receive loop (via a full queue) without blocking other connections.
type connectionReader struct {
	mc          *ManagedConn
	bufPool     *pool.BufferPool
	decoderPool *pool.Pool[*frame.Decoder]
	chunkQueue  *queue.ChunkQueue
	onFrame     func(fr frame.Frame, mc *ManagedConn)
	onDone      func(mc *ManagedConn, cause error)
	log         *slog.Logger
}

func newConnectionReader(
	mc *ManagedConn,
	bufPool *pool.BufferPool,
	decoderPool *pool.Pool[*frame.Decoder],
	onFrame func(frame.Frame, *ManagedConn),
	onDone func(*ManagedConn, error),
	log *slog.Logger,
) *connectionReader {
	return &connectionReader{
		mc:          mc,
		bufPool:     bufPool,
		decoderPool: decoderPool,
		chunkQueue:  queue.NewChunkQueue(perConnQueueCapacity),
		onFrame:     onFrame,
		onDone:      onDone,
		log:         logger.WithConn(log, mc.ID(), mc.RemoteAddr()),
	}
}

// run blocks until the connection's receive and decode loops have both
// exited, then releases the decoder and invokes onDone exactly once with
// the terminal cause: the error that stopped the first loop to fail. The
// cause is never nil; a canceled ctx is reported as a canceled error.
func (r *connectionReader) run(ctx context.Context) {
	decoder := r.decoderPool.Acquire()

	var once sync.Once
	var cause error
	fail := func(err error) {
		once.Do(func() {
			cause = err
			r.chunkQueue.Close()
			_ = r.mc.close()
		})
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		r.receiveLoop(ctx, fail)
	}()
	go func() {
		defer wg.Done()
		r.decodeLoop(ctx, decoder, fail)
	}()
	wg.Wait()

	r.decoderPool.Release(decoder)
	if cause != nil {
		r.log.Debug("connection reader stopped", "cause", cause)
	}
	r.onDone(r.mc, cause)
}

// receiveLoop posts one logical receive at a time: acquire a buffer, read
// into it, enqueue the (buffer, n) chunk, acquire the next buffer, repeat.
// It never drops bytes: if the chunk queue is full, Enqueue blocks, which
// is exactly the back-pressure the design relies on.
func (r *connectionReader) receiveLoop(ctx context.Context, fail func(error)) {
	for {
		select {
		case <-ctx.Done():
			fail(protoerr.NewCanceled("conn.receive", ctx.Err()))
			return
		default:
		}

		buf := r.bufPool.Acquire()
		n, err := r.mc.netConn.Read(buf.B)
		if err != nil || n == 0 {
			r.bufPool.Release(buf)
			if err == nil {
				err = io.EOF
			}
			fail(protoerr.NewIOError("conn.read", err))
			return
		}

		chunk := queue.Chunk{Data: buf.B[:n], Owner: buf}
		if err := r.chunkQueue.Enqueue(ctx, chunk); err != nil {
			r.bufPool.Release(buf)
			fail(err)
			return
		}
	}
}

// decodeLoop drains the chunk queue through the decoder and dispatches
// every whole frame it emits. A chunk's buffer is returned to the pool as
// soon as Feed returns, per call (Feed consumes its entire input unless it
// reports a protocol error, which ends the connection anyway).
func (r *connectionReader) decodeLoop(ctx context.Context, decoder *frame.Decoder, fail func(error)) {
	for {
		chunk, err := r.chunkQueue.Dequeue(ctx)
		if err != nil {
			fail(err)
			return
		}

		frames, ferr := decoder.Feed(chunk.Data)
		r.bufPool.Release(chunk.Owner)

		for _, fr := range frames {
			r.onFrame(fr, r.mc)
		}

		if ferr != nil {
			fail(ferr)
			return
		}
	}
}
