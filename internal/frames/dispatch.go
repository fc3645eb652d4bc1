package frames

import (
	"fmt"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// allocators maps a performative's descriptor code to a zero-value
// constructor, so the frame decoder can allocate the right concrete type
// before delegating to its Unmarshal method. Keyed the same way as a
// class-dispatch table, generalized from a connection-level switch over
// descriptor codes to a lookup a new frame type can be added to without
// touching the read loop.
var allocators = map[encoding.AMQPType]func() FrameBody{
	encoding.TypeCodeOpen:        func() FrameBody { return new(PerformOpen) },
	encoding.TypeCodeBegin:       func() FrameBody { return new(PerformBegin) },
	encoding.TypeCodeAttach:      func() FrameBody { return new(PerformAttach) },
	encoding.TypeCodeFlow:        func() FrameBody { return new(PerformFlow) },
	encoding.TypeCodeTransfer:    func() FrameBody { return new(PerformTransfer) },
	encoding.TypeCodeDisposition: func() FrameBody { return new(PerformDisposition) },
	encoding.TypeCodeDetach:      func() FrameBody { return new(PerformDetach) },
	encoding.TypeCodeEnd:         func() FrameBody { return new(PerformEnd) },
	encoding.TypeCodeClose:       func() FrameBody { return new(PerformClose) },

	encoding.TypeCodeSASLMechanism: func() FrameBody { return new(SASLMechanisms) },
	encoding.TypeCodeSASLInit:      func() FrameBody { return new(SASLInit) },
	encoding.TypeCodeSASLChallenge: func() FrameBody { return new(SASLChallenge) },
	encoding.TypeCodeSASLResponse:  func() FrameBody { return new(SASLResponse) },
	encoding.TypeCodeSASLOutcome:   func() FrameBody { return new(SASLOutcome) },
}

// ParseBody peeks the descriptor of the composite at the front of r,
// allocates the matching performative, and unmarshals into it.
func ParseBody(r *buffer.Buffer) (FrameBody, error) {
	code, err := peekDescriptorCode(r)
	if err != nil {
		return nil, err
	}
	ctor, ok := allocators[code]
	if !ok {
		return nil, fmt.Errorf("amqp: unknown performative descriptor %#02x", byte(code))
	}
	body := ctor()
	if err := body.(encoding.Unmarshaler).Unmarshal(r); err != nil {
		return nil, err
	}
	return body, nil
}

func peekDescriptorCode(r *buffer.Buffer) (encoding.AMQPType, error) {
	t, err := encoding.PeekType(r)
	if err != nil {
		return 0, err
	}
	if t != encoding.TypeCodeDescriptor {
		return 0, fmt.Errorf("amqp: expected described performative, got %#02x", byte(t))
	}
	pos := r.Pos()
	r.Skip(1)
	d, err := encoding.Decode(r)
	r.Rewind(pos)
	if err != nil {
		return 0, err
	}
	code, ok := encoding.DescriptorCode(d)
	if !ok {
		return 0, fmt.Errorf("amqp: unrecognized descriptor %v", d)
	}
	return code, nil
}

// ReadFrom decodes one complete frame (header + body) from buf, which must
// hold at least a full frame's worth of bytes (size given by the header).
// Any bytes beyond doff*4 that are not consumed by the body decode (a
// transfer's payload) are retained on the returned PerformTransfer.
func ReadFrom(buf []byte) (*Frame, error) {
	size, doff, ftype, channel, err := ReadHeader(buf)
	if err != nil {
		return nil, err
	}
	if uint32(len(buf)) < size {
		return nil, fmt.Errorf("amqp: incomplete frame: have %d bytes, want %d", len(buf), size)
	}

	bodyStart := int(doff) * 4
	if bodyStart > int(size) {
		return nil, fmt.Errorf("amqp: invalid frame data offset %d", doff)
	}
	bodyBuf := buf[bodyStart:size]

	if len(bodyBuf) == 0 {
		// heartbeat: an empty frame body is valid and carries no performative.
		return &Frame{Type: ftype, Channel: channel, Body: nil}, nil
	}

	r := buffer.New(bodyBuf)
	body, err := ParseBody(r)
	if err != nil {
		return nil, err
	}
	return &Frame{Type: ftype, Channel: channel, Body: body}, nil
}
