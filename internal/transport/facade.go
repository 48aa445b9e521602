// Package transport implements the dual-role TCP transport: framing,
// request multiplexing, and resource pooling behind a single facade that
// operates either as a server (many accepted connections, dispatching to a
// user handler) or a client (one connection, many concurrent callers
// multiplexed by correlation id).
package transport

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/prometheus/client_golang/prometheus"

	protoerr "github.com/alxayo/cachewire/internal/errors"
	"github.com/alxayo/cachewire/internal/frame"
	"github.com/alxayo/cachewire/internal/logger"
	"github.com/alxayo/cachewire/internal/metrics"
	"github.com/alxayo/cachewire/internal/pool"
)

// HandlerFunc is the user-supplied server handler. It is invoked once per
// decoded frame on a decoder worker goroutine and must not block
// indefinitely; a handler that may block should off-load to its own
// executor. It replies by calling Transport.ServerSend with msg.
type HandlerFunc func(msg *ReceivedMessage)

// SocketFactory abstracts socket construction so tests can substitute
// in-memory or fault-injecting transports without a real TCP stack.
type SocketFactory interface {
	Dial(ctx context.Context, endpoint string) (net.Conn, error)
	Listen(endpoint string) (net.Listener, error)
}

// netSocketFactory is the default SocketFactory, backed by the standard
// library's TCP stack.
type netSocketFactory struct {
	dialTimeout time.Duration
}

func (f netSocketFactory) Dial(ctx context.Context, endpoint string) (net.Conn, error) {
	d := net.Dialer{Timeout: f.dialTimeout}
	return d.DialContext(ctx, "tcp", endpoint)
}

func (f netSocketFactory) Listen(endpoint string) (net.Listener, error) {
	return net.Listen("tcp", endpoint)
}

// NewNetSocketFactory returns the default TCP-backed SocketFactory.
func NewNetSocketFactory(dialTimeout time.Duration) SocketFactory {
	if dialTimeout <= 0 {
		dialTimeout = 10 * time.Second
	}
	return netSocketFactory{dialTimeout: dialTimeout}
}

type role int

const (
	roleIdle role = iota
	roleClient
	roleServer
)

func (r role) String() string {
	switch r {
	case roleClient:
		return "client"
	case roleServer:
		return "server"
	default:
		return "idle"
	}
}

// Transport is the single externally visible object: it owns exactly one
// active role (idle, client, or server) at a time, plus every pool and
// background loop that role needs. Role transitions happen only through
// Connect, Listen, and Close.
type Transport struct {
	mu      sync.Mutex
	role    role
	ctx     context.Context
	cancel  context.CancelFunc
	factory SocketFactory

	bufferSize     int
	maxConnections int

	bufPool     *pool.BufferPool
	decoderPool *pool.Pool[*frame.Decoder]
	latchPool   *pool.Pool[*Latch]
	msgPool     *pool.Pool[*ReceivedMessage]

	mux     *Multiplexer
	clients *metrics.ConnectedClients
	log     *slog.Logger
	roleLog *slog.Logger

	// server-role state
	listener net.Listener
	acceptor *acceptor
	handler  HandlerFunc
	connsMu  sync.RWMutex
	conns    map[string]*ManagedConn
	readerWG sync.WaitGroup

	// client-role state
	clientConn *ManagedConn
	nextCorrID atomic.Uint32
}

// New validates constructor parameters and builds a Transport with every
// pool pre-filled per the resource model: buffers are pre-filled to
// 10×max_connections, everything else starts empty and grows on demand up
// to its soft capacity. factory may be nil to use the default TCP stack.
func New(factory SocketFactory, bufferSize, maxConnections int) (*Transport, error) {
	if bufferSize < 256 {
		return nil, protoerr.NewBadArgument("transport.new", errBufferTooSmall(bufferSize))
	}
	if maxConnections < 1 {
		return nil, protoerr.NewBadArgument("transport.new", errMaxConnectionsTooSmall(maxConnections))
	}
	if factory == nil {
		factory = NewNetSocketFactory(0)
	}

	log := logger.Logger().With("component", "transport")

	bufCapacity := 10 * maxConnections
	t := &Transport{
		role:           roleIdle,
		factory:        factory,
		bufferSize:     bufferSize,
		maxConnections: maxConnections,
		bufPool:        pool.NewBufferPool(bufferSize, bufCapacity, bufCapacity),
		decoderPool: pool.New(maxConnections, 0,
			func() *frame.Decoder { return frame.NewDecoder() },
			func(d *frame.Decoder) { d.Reset() },
		),
		latchPool: pool.New(maxConnections*4, 0,
			func() *Latch { return NewLatch() },
			func(l *Latch) { l.Reset() },
		),
		msgPool: pool.New(maxConnections*4, 0,
			func() *ReceivedMessage { return &ReceivedMessage{} },
			resetReceivedMessage,
		),
		clients: metrics.NewConnectedClients("cachewire"),
		log:     log,
	}
	t.mux = NewMultiplexer(t.latchPool, logger.WithRole(log, roleClient.String()))
	return t, nil
}

// Connect dials endpoint and transitions idle → client. It blocks until the
// socket is connected; on success exactly one Connection Reader is active.
func (t *Transport) Connect(ctx context.Context, endpoint string) error {
	t.mu.Lock()
	if t.role != roleIdle {
		t.mu.Unlock()
		return protoerr.NewStateMisuse("connect", errNotIdle(t.role))
	}

	conn, err := t.factory.Dial(ctx, endpoint)
	if err != nil {
		t.mu.Unlock()
		return protoerr.NewIOError("connect", err)
	}

	mc := newManagedConn(conn)
	roleCtx, cancel := context.WithCancel(context.Background())
	t.clientConn = mc
	t.ctx = roleCtx
	t.cancel = cancel
	t.role = roleClient
	t.roleLog = logger.WithRole(t.log, roleClient.String())
	t.mu.Unlock()

	reader := newConnectionReader(mc, t.bufPool, t.decoderPool, t.clientOnFrame, t.clientOnDone, t.roleLog)
	go reader.run(roleCtx)
	logger.WithConn(t.roleLog, mc.ID(), mc.RemoteAddr()).Info("client connected", "endpoint", endpoint)
	return nil
}

func (t *Transport) clientOnFrame(fr frame.Frame, mc *ManagedConn) {
	logger.WithFrame(logger.WithConn(t.roleLog, mc.ID(), mc.RemoteAddr()), fr.CorrelationID, len(fr.Payload), time.Time{}).
		Debug("frame received")
	t.mux.Signal(fr.CorrelationID, fr.Payload)
}

func (t *Transport) clientOnDone(mc *ManagedConn, cause error) {
	t.mux.CloseAll(cause)
	logger.WithConn(t.roleLog, mc.ID(), mc.RemoteAddr()).Info("client connection ended", "cause", cause)
}

// Listen binds endpoint and transitions idle → server, returning as soon as
// the listener is bound: accepts happen on a background goroutine.
func (t *Transport) Listen(endpoint string, handler HandlerFunc) error {
	if handler == nil {
		return protoerr.NewBadArgument("listen", errNilHandler())
	}

	t.mu.Lock()
	if t.role != roleIdle {
		t.mu.Unlock()
		return protoerr.NewStateMisuse("listen", errNotIdle(t.role))
	}

	listener, err := t.factory.Listen(endpoint)
	if err != nil {
		t.mu.Unlock()
		return protoerr.NewIOError("listen", err)
	}

	roleCtx, cancel := context.WithCancel(context.Background())
	t.listener = listener
	t.ctx = roleCtx
	t.cancel = cancel
	t.handler = handler
	t.conns = make(map[string]*ManagedConn)
	t.role = roleServer
	t.roleLog = logger.WithRole(t.log, roleServer.String())
	t.acceptor = newAcceptor(listener, t.maxConnections, t.serverSpawn, t.onConnAccepted, t.onAdmitFailed, t.roleLog)
	t.mu.Unlock()

	go t.acceptor.run(roleCtx)
	t.roleLog.Info("server listening", "addr", listener.Addr().String())
	return nil
}

// onConnAccepted is the acceptor's accept-time callback: per spec.md §4.6,
// the connected-client observable counts from accept, not from admission,
// so it is incremented here rather than once a permit is acquired.
func (t *Transport) onConnAccepted(mc *ManagedConn) {
	t.clients.Inc()
}

// onAdmitFailed undoes onConnAccepted's count for a connection that was
// accepted but never admitted (e.g. its admission wait was aborted by
// shutdown) — it never reaches serverSpawn, so serverSpawn's onDone never
// runs to decrement it.
func (t *Transport) onAdmitFailed(mc *ManagedConn) {
	t.clients.Dec()
}

// serverSpawn is the acceptor's per-connection admission callback, invoked
// once a permit has been acquired: register the connection, then run its
// reader to completion (blocking the admission goroutine for the
// connection's whole lifetime, which is fine — the acceptor's accept loop
// is independent).
func (t *Transport) serverSpawn(mc *ManagedConn, releasePermit func()) {
	t.connsMu.Lock()
	t.conns[mc.ID()] = mc
	t.connsMu.Unlock()

	t.readerWG.Add(1)
	defer t.readerWG.Done()

	onDone := func(mc *ManagedConn, cause error) {
		t.connsMu.Lock()
		delete(t.conns, mc.ID())
		t.connsMu.Unlock()
		t.clients.Dec()
		releasePermit()
		logger.WithConn(t.roleLog, mc.ID(), mc.RemoteAddr()).Info("connection closed", "cause", cause)
	}

	reader := newConnectionReader(mc, t.bufPool, t.decoderPool, t.serverOnFrame, onDone, t.roleLog)
	reader.run(t.ctx)
}

func (t *Transport) serverOnFrame(fr frame.Frame, mc *ManagedConn) {
	logger.WithFrame(logger.WithConn(t.roleLog, mc.ID(), mc.RemoteAddr()), fr.CorrelationID, len(fr.Payload), time.Time{}).
		Debug("frame received")
	rm := t.msgPool.Acquire()
	rm.CorrelationID = fr.CorrelationID
	rm.Payload = fr.Payload
	rm.Conn = mc
	t.handler(rm)
	t.msgPool.Release(rm)
}

// ClientSend encodes payload under a freshly allocated correlation id and
// writes it to the client connection as a single frame. If
// registerForResponse is true, the caller's waiter is registered before the
// write is submitted — so a reply racing ahead of registration can never be
// missed — and the returned id is valid for a later ClientReceive call.
func (t *Transport) ClientSend(payload []byte, registerForResponse bool) (uint32, error) {
	if payload == nil {
		return 0, protoerr.NewBadArgument("client_send", errNilPayload())
	}

	t.mu.Lock()
	if t.role != roleClient {
		t.mu.Unlock()
		return 0, protoerr.NewStateMisuse("client_send", errWrongRole(t.role, roleClient))
	}
	conn := t.clientConn
	t.mu.Unlock()

	id := t.nextCorrID.Add(1)
	if registerForResponse {
		if err := t.mux.Register(id); err != nil {
			return 0, err
		}
	}

	buf := frame.Encode(payload, id)
	if err := conn.writeFrame(buf); err != nil {
		if registerForResponse {
			t.mux.unregister(id)
		}
		return 0, err
	}
	return id, nil
}

// ClientReceive blocks on the latch registered for correlationID, returning
// its reply payload once signaled. Call it only with an id previously
// returned by ClientSend(..., true).
func (t *Transport) ClientReceive(ctx context.Context, correlationID uint32) ([]byte, error) {
	t.mu.Lock()
	if t.role != roleClient {
		t.mu.Unlock()
		return nil, protoerr.NewStateMisuse("client_receive", errWrongRole(t.role, roleClient))
	}
	t.mu.Unlock()

	return t.mux.Wait(ctx, correlationID)
}

// ServerSend encodes payload with the handoff's correlation id and writes
// it to the handoff's connection.
func (t *Transport) ServerSend(payload []byte, received *ReceivedMessage) error {
	if payload == nil {
		return protoerr.NewBadArgument("server_send", errNilPayload())
	}
	if received == nil || received.Conn == nil {
		return protoerr.NewBadArgument("server_send", errMissingConnection())
	}

	t.mu.Lock()
	if t.role != roleServer {
		t.mu.Unlock()
		return protoerr.NewStateMisuse("server_send", errWrongRole(t.role, roleServer))
	}
	t.mu.Unlock()

	buf := frame.Encode(payload, received.CorrelationID)
	return received.Conn.writeFrame(buf)
}

// CurrentlyConnectedClients reports the server role's live connection
// count. Zero outside the server role.
func (t *Transport) CurrentlyConnectedClients() uint32 {
	return t.clients.Value()
}

// Metrics exposes the transport's Prometheus collector for registration
// with a caller-owned registry (e.g. to serve /metrics).
func (t *Transport) Metrics() prometheus.Collector {
	return t.clients.Collector()
}

// ListenAddr returns the server role's bound address, or nil if the
// transport is not currently listening.
func (t *Transport) ListenAddr() net.Addr {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

// Close shuts down the active role, waking every outstanding client waiter
// with a canceled error and closing every server connection. Subsequent
// Connect/Listen calls are permitted once Close returns.
func (t *Transport) Close() error {
	t.mu.Lock()
	if t.role == roleIdle {
		t.mu.Unlock()
		return nil
	}
	r := t.role
	cancel := t.cancel
	t.mu.Unlock()

	var result *multierror.Error
	if cancel != nil {
		cancel()
	}

	switch r {
	case roleClient:
		if t.clientConn != nil {
			if err := t.clientConn.close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		t.mux.CloseAll(protoerr.NewCanceled("close", nil))
	case roleServer:
		if t.acceptor != nil {
			// Stop admitting new connections first, then force-close every
			// connection already in flight, THEN wait: waiting before
			// closing would deadlock, since the acceptor's wait group
			// covers the lifetime of every active connection goroutine.
			t.acceptor.closeListener()
		}
		t.connsMu.RLock()
		conns := make([]*ManagedConn, 0, len(t.conns))
		for _, c := range t.conns {
			conns = append(conns, c)
		}
		t.connsMu.RUnlock()
		for _, c := range conns {
			if err := c.close(); err != nil {
				result = multierror.Append(result, err)
			}
		}
		if t.acceptor != nil {
			t.acceptor.wait()
		}
		t.readerWG.Wait()
	}

	t.mu.Lock()
	t.role = roleIdle
	t.listener = nil
	t.clientConn = nil
	t.acceptor = nil
	t.mu.Unlock()

	return result.ErrorOrNil()
}

// Dispose permanently tears the Transport down: it closes the active role
// (if any) and releases every pool. The Transport must not be used after
// Dispose returns.
func (t *Transport) Dispose() error {
	err := t.Close()
	t.bufPool = nil
	t.decoderPool = nil
	t.latchPool = nil
	t.msgPool = nil
	return err
}
