// Package frame implements the wire framing layer: an 8-byte,
// length-inclusive, little-endian header followed by a payload, and the
// decoder state machine that reassembles whole frames from a stream of
// arbitrarily sized chunks.
//
// Wire format:
//
//	offset 0..4 : total_frame_length  (uint32 LE, = 8 + len(payload))
//	offset 4..8 : correlation_id      (uint32 LE)
//	offset 8..  : payload bytes
package frame

import (
	"encoding/binary"
	"fmt"

	protoerr "github.com/alxayo/cachewire/internal/errors"
)

// HeaderSize is the fixed size, in bytes, of every frame header.
const HeaderSize = 8

// Frame is one fully reassembled message: a correlation id and its payload.
type Frame struct {
	CorrelationID uint32
	Payload       []byte
}

// Encode prepends an 8-byte header to payload and returns the result as a
// single contiguous buffer, suitable for submission to the socket as one
// write. The length field is header-inclusive.
func Encode(payload []byte, correlationID uint32) []byte {
	total := HeaderSize + len(payload)
	buf := make([]byte, total)
	binary.LittleEndian.PutUint32(buf[0:4], uint32(total))
	binary.LittleEndian.PutUint32(buf[4:8], correlationID)
	copy(buf[HeaderSize:], payload)
	return buf
}

type decoderState int

const (
	stateHeader decoderState = iota
	statePayload
)

// Decoder consumes chunks (raw byte slices handed off from a receive path)
// and emits whole frames. It is not safe for concurrent use: a single
// connection's bytes must be fed to it in order by a single goroutine. A
// Decoder accumulates header bytes across an unbounded number of chunks —
// even 1-byte chunks — before the 8-byte header is considered complete.
type Decoder struct {
	state         decoderState
	headerBuf     []byte
	remaining     uint32
	correlationID uint32
	acc           []byte
}

// NewDecoder returns a Decoder ready to decode a fresh connection's byte
// stream, starting in the awaiting-header state.
func NewDecoder() *Decoder {
	d := &Decoder{}
	d.Reset()
	return d
}

// Reset returns the decoder to its initial awaiting-header state, discarding
// any partially accumulated header or payload. Used to recycle a Decoder
// instance across connection lifetimes via the decoder-state pool.
func (d *Decoder) Reset() {
	d.state = stateHeader
	d.headerBuf = d.headerBuf[:0]
	if d.headerBuf == nil {
		d.headerBuf = make([]byte, 0, HeaderSize)
	}
	d.remaining = 0
	d.correlationID = 0
	d.acc = nil
}

// Feed processes one chunk of bytes, returning every frame that chunk
// completed (zero, one, or several if multiple frames fit in one chunk).
// Frames are returned in the order their final byte was consumed.
func (d *Decoder) Feed(chunk []byte) ([]Frame, error) {
	var frames []Frame
	for len(chunk) > 0 {
		switch d.state {
		case stateHeader:
			need := HeaderSize - len(d.headerBuf)
			take := need
			if take > len(chunk) {
				take = len(chunk)
			}
			d.headerBuf = append(d.headerBuf, chunk[:take]...)
			chunk = chunk[take:]
			if len(d.headerBuf) < HeaderSize {
				break
			}
			total := binary.LittleEndian.Uint32(d.headerBuf[0:4])
			if total < HeaderSize {
				return frames, protoerr.NewProtocolError(
					"frame.decode_header",
					fmt.Errorf("total frame length %d below minimum %d", total, HeaderSize),
				)
			}
			d.correlationID = binary.LittleEndian.Uint32(d.headerBuf[4:8])
			d.remaining = total - HeaderSize
			d.headerBuf = d.headerBuf[:0]
			if d.remaining == 0 {
				frames = append(frames, Frame{CorrelationID: d.correlationID})
				d.state = stateHeader
				break
			}
			d.acc = make([]byte, 0, d.remaining)
			d.state = statePayload
		case statePayload:
			k := uint32(len(chunk))
			if k > d.remaining {
				k = d.remaining
			}
			d.acc = append(d.acc, chunk[:k]...)
			chunk = chunk[k:]
			d.remaining -= k
			if d.remaining == 0 {
				frames = append(frames, Frame{CorrelationID: d.correlationID, Payload: d.acc})
				d.acc = nil
				d.state = stateHeader
			}
		}
	}
	return frames, nil
}
