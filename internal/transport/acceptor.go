package transport

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/sync/semaphore"

	"github.com/alxayo/cachewire/internal/logger"
)

// acceptor implements the server role's listen side: bind once (the
// listener is supplied already bound), then loop on Accept, pipelining
// accepts ahead of admission control. Per the accept-handler ordering spec
// calls for, each accepted connection is counted (onAccepted) and the next
// Accept posted before a goroutine parks on the admission semaphore — so a
// connection over the max_connections limit is accepted at the TCP level
// and observable immediately, but its service (onAdmitted/spawn) is
// deferred until a permit frees, rather than refused outright.
type acceptor struct {
	listener      net.Listener
	sem           *semaphore.Weighted
	spawn         func(mc *ManagedConn, release func())
	onAccepted    func(mc *ManagedConn)
	onAdmitFailed func(mc *ManagedConn)
	log           *slog.Logger

	wg sync.WaitGroup
}

func newAcceptor(
	listener net.Listener,
	maxConnections int,
	spawn func(*ManagedConn, func()),
	onAccepted func(*ManagedConn),
	onAdmitFailed func(*ManagedConn),
	log *slog.Logger,
) *acceptor {
	return &acceptor{
		listener:      listener,
		sem:           semaphore.NewWeighted(int64(maxConnections)),
		spawn:         spawn,
		onAccepted:    onAccepted,
		onAdmitFailed: onAdmitFailed,
		log:           log,
	}
}

// run accepts connections until the listener is closed or ctx is done.
func (a *acceptor) run(ctx context.Context) {
	a.wg.Add(1)
	defer a.wg.Done()

	for {
		raw, err := a.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return
			}
			a.log.Warn("accept error", "error", err)
			return
		}

		mc := newManagedConn(raw)
		connLog := logger.WithConn(a.log, mc.ID(), mc.RemoteAddr())
		connLog.Debug("connection accepted")

		// Count the connection as connected the moment it is accepted, not
		// once a permit frees — the observable tracks accept/close events,
		// and a connection parked behind admission control is still a
		// connected client.
		a.onAccepted(mc)

		a.wg.Add(1)
		go func() {
			defer a.wg.Done()
			if err := a.sem.Acquire(ctx, 1); err != nil {
				connLog.Debug("admission wait aborted", "error", err)
				a.onAdmitFailed(mc)
				_ = mc.close()
				return
			}
			released := false
			release := func() {
				if !released {
					released = true
					a.sem.Release(1)
				}
			}
			a.spawn(mc, release)
		}()
	}
}

// closeListener unblocks the Accept loop so it stops admitting new
// connections. It does not wait for in-flight connections to finish.
func (a *acceptor) closeListener() {
	_ = a.listener.Close()
}

// wait blocks until every accept/admission goroutine this acceptor spawned
// has finished. Callers must ensure any already-admitted connections are
// being closed concurrently, or this can block forever.
func (a *acceptor) wait() {
	a.wg.Wait()
}
