package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	protoerr "github.com/alxayo/cachewire/internal/errors"
	"github.com/alxayo/cachewire/internal/pool"
)

// waiter is the per-caller record parked in the multiplexer's table: a
// one-shot latch plus a single-slot inbox filled by signal.
type waiter struct {
	latch     *Latch
	payload   []byte
	canceled  bool
	cancelErr error
}

// Multiplexer correlates replies with the caller that issued the matching
// request, over a single shared connection. The id→waiter table is guarded
// by a reader/writer lock: register and unregister take the write side;
// signal and wait's lookup take the read side. The latch itself owns
// cross-goroutine wakeup and needs no additional locking.
type Multiplexer struct {
	mu      sync.RWMutex
	waiters map[uint32]*waiter
	latches *pool.Pool[*Latch]
	log     *slog.Logger
}

// NewMultiplexer creates a Multiplexer backed by the given latch pool.
func NewMultiplexer(latches *pool.Pool[*Latch], log *slog.Logger) *Multiplexer {
	return &Multiplexer{
		waiters: make(map[uint32]*waiter),
		latches: latches,
		log:     log,
	}
}

// Register acquires a latch and inserts a fresh waiter for id. It fails with
// a protocol error if id is already registered — a collision is a caller
// bug (correlation ids must be unique among concurrently outstanding
// requests), not an ordinary I/O failure.
func (m *Multiplexer) Register(id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.waiters[id]; exists {
		return protoerr.NewProtocolError("multiplexer.register", fmt.Errorf("correlation id %d already registered", id))
	}
	m.waiters[id] = &waiter{latch: m.latches.Acquire()}
	return nil
}

// Signal delivers payload to the waiter registered under id and wakes it.
// A signal for an id with no registered waiter is a late reply (the caller
// already unregistered) and is logged and discarded rather than treated as
// an error.
func (m *Multiplexer) Signal(id uint32, payload []byte) {
	m.mu.RLock()
	w, ok := m.waiters[id]
	m.mu.RUnlock()
	if !ok {
		m.log.Warn("signal for unknown correlation id, discarding", "correlation_id", id)
		return
	}
	w.payload = payload
	w.latch.Signal()
}

// Wait looks up the waiter registered for id, blocks on its latch, then
// returns its inbox payload, unregistering id on the way out. ctx
// cancellation returns early without unregistering, leaving the waiter
// parked for a later Wait call on the same id.
func (m *Multiplexer) Wait(ctx context.Context, id uint32) ([]byte, error) {
	m.mu.RLock()
	w, ok := m.waiters[id]
	m.mu.RUnlock()
	if !ok {
		return nil, protoerr.NewBadArgument("client_receive", fmt.Errorf("correlation id %d not registered", id))
	}

	if err := w.latch.Wait(ctx); err != nil {
		return nil, err
	}
	m.unregister(id)
	if w.canceled {
		return nil, protoerr.NewCanceled("client_receive", w.cancelErr)
	}
	return w.payload, nil
}

// unregister removes id from the table and returns its latch to the pool.
// Safe to call when id is absent (e.g. CloseAll already removed it); in
// that case there is nothing to release.
func (m *Multiplexer) unregister(id uint32) {
	m.mu.Lock()
	w, ok := m.waiters[id]
	if ok {
		delete(m.waiters, id)
	}
	m.mu.Unlock()
	if ok {
		m.latches.Release(w.latch)
	}
}

// CloseAll wakes every outstanding waiter with a canceled error and clears
// the table. Latches belonging to woken waiters are intentionally not
// returned to the pool here: a waiter that has registered but not yet
// called Wait still holds a reference to its latch, and recycling it
// immediately could hand the same latch to an unrelated new registration
// while that late caller is still using it. They are dropped instead,
// which the pool's soft-cache contract explicitly allows.
func (m *Multiplexer) CloseAll(cause error) {
	m.mu.Lock()
	waiters := m.waiters
	m.waiters = make(map[uint32]*waiter)
	m.mu.Unlock()

	for _, w := range waiters {
		w.canceled = true
		w.cancelErr = cause
		w.latch.Signal()
	}
}

// Len reports the number of currently outstanding waiters (test/diagnostic use).
func (m *Multiplexer) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.waiters)
}
