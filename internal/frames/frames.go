// Package frames implements the AMQP 1.0 performatives (the described-list
// composites carried as frame bodies) and the frame header codec. It has
// no I/O of its own, so it can be driven by either a blocking net.Conn or
// a non-blocking raw-connection adapter.
package frames

import (
	"fmt"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// Frame type bytes (spec §2.3.2, §5.3).
const (
	TypeAMQP uint8 = 0x0
	TypeSASL uint8 = 0x1
)

// HeaderSize is the fixed 8-byte frame header length.
const HeaderSize = 8

// Frame is a fully decoded AMQP frame: the 8-byte header plus its body.
type Frame struct {
	Type    uint8
	Channel uint16
	Body    FrameBody

	// Done, when non-nil, is closed once the frame (and any payload it
	// carries) has been written to the wire, letting a caller block until
	// network transmission without holding the connection's write lock.
	Done chan encoding.DeliveryState
}

// FrameBody adds type safety to the set of values that can ride inside a
// Frame: every performative implements it with a no-op marker method.
type FrameBody interface {
	frameBody()
}

// ReadHeader parses the 8-byte frame header from buf, returning the
// declared frame size (including the header) and doff (data offset, in
// 4-byte words).
func ReadHeader(buf []byte) (size uint32, doff uint8, ftype uint8, channel uint16, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("amqp: invalid frame header size %d", len(buf))
	}
	size = uint32(buf[0])<<24 | uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	doff = buf[4]
	ftype = buf[5]
	channel = uint16(buf[6])<<8 | uint16(buf[7])
	if doff < 2 {
		return 0, 0, 0, 0, fmt.Errorf("amqp: invalid frame data offset %d", doff)
	}
	if size < HeaderSize {
		return 0, 0, 0, 0, fmt.Errorf("amqp: invalid frame size %d", size)
	}
	return size, doff, ftype, channel, nil
}

// WriteHeader writes an 8-byte frame header for a frame of the given total
// size whose extended header is empty (doff always 2; AMQP 1.0 needs no
// header extensions for the performatives this engine implements).
func WriteHeader(wr *buffer.Buffer, size uint32, ftype uint8, channel uint16) {
	wr.Write([]byte{
		byte(size >> 24), byte(size >> 16), byte(size >> 8), byte(size),
		2, // doff, in 4-byte words
		ftype,
		byte(channel >> 8), byte(channel),
	})
}

// Encode marshals body (and for AMQP frames, appends any raw payload that
// body's Marshal writes past its performative) into a complete frame,
// patching the size field once the body length is known.
func Encode(wr *buffer.Buffer, ftype uint8, channel uint16, body FrameBody) error {
	sizeIdx := wr.Size()
	WriteHeader(wr, 0, ftype, channel)

	if err := body.(encoding.Marshaler).Marshal(wr); err != nil {
		return err
	}

	size := uint32(wr.Size() - sizeIdx)
	patchHeaderSize(wr, sizeIdx, size)
	return nil
}

// patchHeaderSize rewrites the size field of the header written at
// headerStart. Encode is only ever called on a buffer being filled purely
// for write (its read cursor at 0), so headerStart is also its offset
// within Bytes().
func patchHeaderSize(wr *buffer.Buffer, headerStart int, size uint32) {
	b := wr.Bytes()
	if headerStart+4 > len(b) {
		return
	}
	b[headerStart] = byte(size >> 24)
	b[headerStart+1] = byte(size >> 16)
	b[headerStart+2] = byte(size >> 8)
	b[headerStart+3] = byte(size)
}

// ProtoID selects which protocol header variant is exchanged before any
// frames, per spec §2.2 version negotiation.
type ProtoID uint8

const (
	ProtoAMQP ProtoID = 0
	ProtoTLS  ProtoID = 2
	ProtoSASL ProtoID = 3
)

// ProtoHeader is the 8-byte "AMQP" + protocol-id + version triplet.
func ProtoHeader(id ProtoID) []byte {
	return []byte{'A', 'M', 'Q', 'P', byte(id), 1, 0, 0}
}
