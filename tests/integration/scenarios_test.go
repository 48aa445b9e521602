// Package integration exercises the transport end to end over real loopback
// TCP sockets, covering the numbered scenarios the framing and
// multiplexing design was validated against.
package integration

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/alxayo/cachewire/internal/frame"
	"github.com/alxayo/cachewire/internal/transport"
)

func newServer(t *testing.T, bufferSize int, handler transport.HandlerFunc) *transport.Transport {
	t.Helper()
	server, err := transport.New(nil, bufferSize, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Dispose() })
	require.NoError(t, server.Listen("127.0.0.1:0", handler))
	return server
}

func addrOf(t *testing.T, server *transport.Transport) string {
	t.Helper()
	addr := server.ListenAddr()
	require.NotNil(t, addr, "server is not listening")
	return addr.String()
}

// Scenario 1: single message, exact buffer fit. buffer_size = 256, payload
// of 248 bytes (frame = 256). One receive delivers exactly one frame.
func TestScenario1_ExactBufferFit(t *testing.T) {
	var srv *transport.Transport
	srv = newServer(t, 256, func(msg *transport.ReceivedMessage) {
		_ = srv.ServerSend(msg.Payload, msg)
	})

	client, err := transport.New(nil, 256, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Dispose() })
	require.NoError(t, client.Connect(context.Background(), addrOf(t, srv)))

	payload := bytes.Repeat([]byte{0xAB}, 248)
	id, err := client.ClientSend(payload, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.ClientReceive(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, reply)
}

// Scenario 2: message spanning two buffers. buffer_size = 256, payload of
// 500 bytes (frame = 508, split as 256 + 252 on the wire).
func TestScenario2_MessageSpanningTwoBuffers(t *testing.T) {
	var srv *transport.Transport
	srv = newServer(t, 256, func(msg *transport.ReceivedMessage) {
		_ = srv.ServerSend(msg.Payload, msg)
	})

	client, err := transport.New(nil, 256, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Dispose() })
	require.NoError(t, client.Connect(context.Background(), addrOf(t, srv)))

	payload := bytes.Repeat([]byte{0x5A}, 500)
	id, err := client.ClientSend(payload, true)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := client.ClientReceive(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, reply)
}

// Scenario 3: two messages in one buffer. buffer_size = 1024, payloads of
// 100 and 50 bytes sent back-to-back; both must be decoded with ids intact.
func TestScenario3_TwoMessagesInOneBuffer(t *testing.T) {
	received := make(chan *transport.ReceivedMessage, 2)
	server := newServer(t, 1024, func(msg *transport.ReceivedMessage) {
		received <- &transport.ReceivedMessage{
			CorrelationID: msg.CorrelationID,
			Payload:       append([]byte(nil), msg.Payload...),
		}
	})

	conn, err := net.Dial("tcp", addrOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	first := frame.Encode(bytes.Repeat([]byte{1}, 100), 11)
	second := frame.Encode(bytes.Repeat([]byte{2}, 50), 22)
	_, err = conn.Write(append(first, second...))
	require.NoError(t, err)

	var got []*transport.ReceivedMessage
	for i := 0; i < 2; i++ {
		select {
		case msg := <-received:
			got = append(got, msg)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for message %d", i+1)
		}
	}
	require.Len(t, got[0].Payload, 100)
	require.EqualValues(t, 11, got[0].CorrelationID)
	require.Len(t, got[1].Payload, 50)
	require.EqualValues(t, 22, got[1].CorrelationID)
}

// Scenario 4: header split across three one-byte chunks. Adversarial TCP
// writes the first three header bytes one at a time, then the rest of the
// frame in one write; framing must still assemble
// correctly (the "header coalescing bug" fix this design requires).
func TestScenario4_HeaderSplitAcrossThreeOneByteChunks(t *testing.T) {
	received := make(chan *transport.ReceivedMessage, 1)
	server := newServer(t, 256, func(msg *transport.ReceivedMessage) {
		received <- &transport.ReceivedMessage{
			CorrelationID: msg.CorrelationID,
			Payload:       append([]byte(nil), msg.Payload...),
		}
	})

	conn, err := net.Dial("tcp", addrOf(t, server))
	require.NoError(t, err)
	defer conn.Close()

	buf := frame.Encode([]byte("payload-after-split-header"), 99)
	for i := 0; i < 3; i++ {
		_, err := conn.Write(buf[i : i+1])
		require.NoError(t, err)
		time.Sleep(5 * time.Millisecond)
	}
	_, err = conn.Write(buf[3:])
	require.NoError(t, err)

	select {
	case msg := <-received:
		require.EqualValues(t, 99, msg.CorrelationID)
		require.Equal(t, []byte("payload-after-split-header"), msg.Payload)
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for frame split across one-byte chunks")
	}
}

// Scenario 5: multiplexed client. 16 concurrent callers each send an
// id-tagged request; the server handler replies in reverse order of
// receipt. Each caller's ClientReceive must return its own payload.
func TestScenario5_MultiplexedClientReverseOrderReplies(t *testing.T) {
	const n = 16
	arrival := make(chan *transport.ReceivedMessage, n)

	server := newServer(t, 512, func(msg *transport.ReceivedMessage) {
		arrival <- &transport.ReceivedMessage{
			CorrelationID: msg.CorrelationID,
			Payload:       append([]byte(nil), msg.Payload...),
			Conn:          msg.Conn,
		}
	})

	go func() {
		received := make([]*transport.ReceivedMessage, 0, n)
		for i := 0; i < n; i++ {
			received = append(received, <-arrival)
		}
		for i := len(received) - 1; i >= 0; i-- {
			msg := received[i]
			_ = server.ServerSend(msg.Payload, msg)
		}
	}()

	client, err := transport.New(nil, 512, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Dispose() })
	require.NoError(t, client.Connect(context.Background(), addrOf(t, server)))

	type result struct {
		want, got []byte
		err       error
	}
	results := make(chan result, n)
	for i := 0; i < n; i++ {
		go func(i int) {
			payload := bytes.Repeat([]byte{byte(i + 1)}, 4)
			id, err := client.ClientSend(payload, true)
			if err != nil {
				results <- result{err: err}
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			reply, err := client.ClientReceive(ctx, id)
			results <- result{want: payload, got: reply, err: err}
		}(i)
	}

	for i := 0; i < n; i++ {
		r := <-results
		require.NoError(t, r.err)
		require.Equal(t, r.want, r.got)
	}
}

// Scenario 6: connection error during receive. The peer closes mid-frame;
// the reader must release its buffer and permit, decrement the connected
// count, and leave other connections unaffected.
func TestScenario6_ConnectionErrorDuringReceiveOtherConnsUnaffected(t *testing.T) {
	var srv *transport.Transport
	srv = newServer(t, 256, func(msg *transport.ReceivedMessage) {
		_ = srv.ServerSend(msg.Payload, msg)
	})
	addr := addrOf(t, srv)

	flaky, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	buf := frame.Encode([]byte("incomplete"), 5)
	_, err = flaky.Write(buf[:4]) // header only half-written, then hang up
	require.NoError(t, err)
	require.NoError(t, flaky.Close())

	require.Eventually(t, func() bool {
		return srv.CurrentlyConnectedClients() == 0
	}, time.Second, 5*time.Millisecond)

	healthy, err := transport.New(nil, 256, 8)
	require.NoError(t, err)
	t.Cleanup(func() { _ = healthy.Dispose() })
	require.NoError(t, healthy.Connect(context.Background(), addr))

	payload := []byte("still healthy")
	id, err := healthy.ClientSend(payload, true)
	require.NoError(t, err)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	reply, err := healthy.ClientReceive(ctx, id)
	require.NoError(t, err)
	require.Equal(t, payload, reply)
}

