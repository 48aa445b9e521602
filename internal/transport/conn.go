package transport

import (
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	protoerr "github.com/alxayo/cachewire/internal/errors"
)

// ManagedConn wraps one accepted or dialed socket. Its receive side is
// owned exclusively by the Connection Reader that was spawned for it; its
// send side is shared (server_send / client_send both write to it), so
// writes go through sendMu to keep each frame a single atomic write even
// when net.Conn.Write would otherwise need more than one syscall.
type ManagedConn struct {
	id         string
	netConn    net.Conn
	remoteAddr string

	sendMu sync.Mutex
	closed atomic.Bool
}

func newManagedConn(c net.Conn) *ManagedConn {
	return &ManagedConn{
		id:         uuid.NewString(),
		netConn:    c,
		remoteAddr: c.RemoteAddr().String(),
	}
}

// ID returns the connection's logical identifier.
func (m *ManagedConn) ID() string { return m.id }

// RemoteAddr returns the peer's address string.
func (m *ManagedConn) RemoteAddr() string { return m.remoteAddr }

// writeFrame submits buf as a single logical frame. The mutex plus a
// write-until-complete loop keep two concurrent callers (e.g. two server
// handlers replying on the same connection) from interleaving partial
// writes on the wire.
func (m *ManagedConn) writeFrame(buf []byte) error {
	m.sendMu.Lock()
	defer m.sendMu.Unlock()
	for len(buf) > 0 {
		n, err := m.netConn.Write(buf)
		if err != nil {
			return protoerr.NewIOError("conn.write", err)
		}
		buf = buf[n:]
	}
	return nil
}

// close closes the underlying socket. Idempotent.
func (m *ManagedConn) close() error {
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}
	return m.netConn.Close()
}

// ReceivedMessage is the server-side handoff record: a decoded frame plus
// the weakly-held connection handle used to route the reply. Pooled and
// reset between uses.
type ReceivedMessage struct {
	CorrelationID uint32
	Payload       []byte
	Conn          *ManagedConn
}

func resetReceivedMessage(m *ReceivedMessage) {
	m.CorrelationID = 0
	m.Payload = nil
	m.Conn = nil
}
