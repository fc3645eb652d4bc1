// Package mocks provides a net.Conn double driven by a response callback,
// used by the top-level amqp package's connection/session/link tests to
// exercise the mux goroutines without a real socket.
package mocks

import (
	"errors"
	"math"
	"net"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
)

// NewConnection creates a new instance of Connection. resp is invoked by
// Write each time a frame is received; returning a nil slice and nil
// error swallows the frame, returning a non-nil error simulates a write
// failure.
func NewConnection(resp func(frames.FrameBody) ([]byte, error)) *Connection {
	return &Connection{
		resp: resp,
		// connReader and connWriter can both return on Conn.done closing
		// before the other has drained, so writes can still happen with
		// no reader left to consume them; buffering avoids blocking
		// shutdown on that race.
		readData:  make(chan []byte, 10),
		readClose: make(chan struct{}),
	}
}

// Connection is a mock net.Conn. Read, Write, and Close are called by
// separate goroutines (connReader, connWriter, and Conn.Close
// respectively) so its internal state is channel-guarded rather than
// mutex-guarded.
type Connection struct {
	resp      func(frames.FrameBody) ([]byte, error)
	readDL    *time.Timer
	readData  chan []byte
	readClose chan struct{}
	closed    bool

	// pending holds bytes left over from a queued response that didn't
	// fit in the caller's buffer on a previous Read, so callers making
	// several small reads (e.g. io.ReadFull reading a header then the
	// rest of a frame) see the same byte stream a real net.Conn would.
	pending []byte
}

// Read blocks until Write or Close are called, or the read deadline
// expires. A nil deadline (SetReadDeadline never called) blocks forever.
func (m *Connection) Read(b []byte) (int, error) {
	if len(m.pending) > 0 {
		n := copy(b, m.pending)
		m.pending = m.pending[n:]
		return n, nil
	}

	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	var dl <-chan time.Time
	if m.readDL != nil {
		dl = m.readDL.C
	}

	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	case <-dl:
		return 0, errors.New("mock connection read deadline exceeded")
	case rd := <-m.readData:
		n := copy(b, rd)
		m.pending = rd[n:]
		return n, nil
	}
}

// Write decodes b as one frame and invokes the responder; a non-nil
// response is queued for the next Read.
func (m *Connection) Write(b []byte) (int, error) {
	select {
	case <-m.readClose:
		return 0, errors.New("mock connection was closed")
	default:
	}

	frame, err := decodeFrame(b)
	if err != nil {
		return 0, err
	}
	resp, err := m.resp(frame)
	if err != nil {
		return 0, err
	}
	if resp != nil {
		m.readData <- resp
	}
	return len(b), nil
}

func (m *Connection) Close() error {
	if m.closed {
		return errors.New("double close")
	}
	m.closed = true
	close(m.readClose)
	return nil
}

func (m *Connection) LocalAddr() net.Addr  { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }
func (m *Connection) RemoteAddr() net.Addr { return &net.IPAddr{IP: net.IPv4(127, 0, 0, 2)} }

func (m *Connection) SetDeadline(t time.Time) error { return errors.New("not used") }

func (m *Connection) SetReadDeadline(t time.Time) error {
	if m.readDL != nil && !m.readDL.Stop() {
		<-m.readDL.C
	}
	m.readDL = time.NewTimer(time.Until(t))
	return nil
}

func (m *Connection) SetWriteDeadline(t time.Time) error { return nil }

// ProtoHeader returns the 8-byte AMQP protocol header for id, the first
// thing a test's responder needs to hand back for amqp.New/Dial to
// proceed past the handshake.
func ProtoHeader(id frames.ProtoID) ([]byte, error) {
	return frames.ProtoHeader(id), nil
}

// PerformOpen encodes an Open performative with the given container ID.
func PerformOpen(containerID string) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformOpen{ContainerID: containerID})
}

// PerformBegin encodes a Begin performative naming remoteChannel as the
// peer's view of the channel a Conn.NewSession call opened.
func PerformBegin(remoteChannel uint16) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformBegin{
		RemoteChannel:  &remoteChannel,
		NextOutgoingID: 1,
		IncomingWindow: 5000,
		OutgoingWindow: 1000,
		HandleMax:      math.MaxInt16,
	})
}

// ReceiverAttach encodes an Attach performative from the peer's sending
// side of a link, the response a test needs for Session.NewReceiver.
func ReceiverAttach(linkName string, linkHandle uint32, mode encoding.ReceiverSettleMode) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformAttach{
		Name:   linkName,
		Handle: linkHandle,
		Role:   encoding.RoleSender,
		Source: &frames.Source{
			Address:      "test",
			Durable:      frames.DurabilityNone,
			ExpiryPolicy: frames.ExpirySessionEnd,
		},
		ReceiverSettleMode: &mode,
		MaxMessageSize:     math.MaxUint32,
	})
}

// SenderAttach encodes an Attach performative from the peer's receiving
// side of a link, the response a test needs for Session.NewSender.
func SenderAttach(linkName string, linkHandle uint32, mode encoding.SenderSettleMode) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformAttach{
		Name:             linkName,
		Handle:           linkHandle,
		Role:             encoding.RoleReceiver,
		Target:           &frames.Target{Address: "test"},
		SenderSettleMode: &mode,
		MaxMessageSize:   math.MaxUint32,
	})
}

// PerformDetach encodes the closing Detach a well-behaved peer answers a
// link teardown with, optionally carrying e as the reason.
func PerformDetach(linkHandle uint32, e *encoding.Error) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformDetach{
		Handle: linkHandle,
		Closed: true,
		Error:  e,
	})
}

// PerformTransfer encodes a Transfer performative carrying payload as a
// single Data section, addressed to linkHandle with the given delivery-id.
func PerformTransfer(linkHandle, deliveryID uint32, payload []byte) ([]byte, error) {
	format := uint32(0)
	payloadBuf := buffer.New(nil)
	err := encoding.MarshalComposite(payloadBuf, encoding.TypeCodeApplicationData, []encoding.MarshalField{
		{Value: payload},
	})
	if err != nil {
		return nil, err
	}
	return encodeFrame(frames.TypeAMQP, &frames.PerformTransfer{
		Handle:        linkHandle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       payloadBuf.Detach(),
	})
}

// PerformDisposition encodes a Disposition settling deliveryID with state.
func PerformDisposition(deliveryID uint32, state encoding.DeliveryState) ([]byte, error) {
	return encodeFrame(frames.TypeAMQP, &frames.PerformDisposition{
		Role:    encoding.RoleSender,
		First:   deliveryID,
		Settled: true,
		State:   state,
	})
}

// AMQPProto is handed to a responder for the initial protocol-header
// handshake bytes, which don't decode as a performative.
type AMQPProto struct{ frames.FrameBody }

// KeepAlive is handed to a responder for an empty (heartbeat) frame.
type KeepAlive struct{ frames.FrameBody }

func encodeFrame(t uint8, body frames.FrameBody) ([]byte, error) {
	wr := buffer.New(nil)
	if err := frames.Encode(wr, t, 0, body); err != nil {
		return nil, err
	}
	return wr.Detach(), nil
}

func decodeFrame(b []byte) (frames.FrameBody, error) {
	if len(b) > 3 && b[0] == 'A' && b[1] == 'M' && b[2] == 'Q' && b[3] == 'P' {
		return &AMQPProto{}, nil
	}

	size, doff, _, _, err := frames.ReadHeader(b)
	if err != nil {
		return nil, err
	}
	bodyStart := int(doff) * 4
	if bodyStart >= int(size) {
		return &KeepAlive{}, nil
	}
	return frames.ParseBody(buffer.New(b[bodyStart:size]))
}
