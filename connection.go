package amqp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/clock"
	"github.com/qpid-go/amqpcore/internal/debug"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/shared"
	pkgerrors "github.com/pkg/errors"
)

const (
	defaultMaxFrameSize = 32 * 1024
	defaultMaxSessions  = 32768
	defaultIdleTimeout  = 1 * time.Minute
	defaultWindow       = 5000

	// minMaxFrameSize is the protocol floor for max-frame-size: a peer
	// advertising less is treated as advertising exactly this.
	minMaxFrameSize = 512
)

// Conn is an AMQP 1.0 connection: the container for sessions/links and the
// read/write goroutines that drive the wire protocol over a single
// net.Conn (spec §2.4).
type Conn struct {
	net net.Conn

	containerID      string
	idleTimeout      time.Duration
	peerIdleTimeout  time.Duration
	writeTimeout     time.Duration
	maxFrameSize     uint32
	peerMaxFrameSize uint32
	channelMax       uint16

	// txFrame carries fully-formed frames, on any channel, to the single
	// writer goroutine so that only one goroutine ever touches the wire.
	txFrame chan frames.Frame

	close     chan struct{} // signals mux to begin a graceful close
	closeOnce sync.Once
	done      chan struct{} // closed once mux has exited
	doneErr   error

	mu                sync.Mutex
	sessionsByChannel map[uint16]*Session
	nextChannel       uint16
	freeChannels      []uint16

	rxFrame chan *frames.Frame
	rxErr   chan error

	clock clock.Clock

	// keepaliveTimer fires roughly every peerIdleTimeout/2 so the peer
	// never sees this side go quiet; nil when the peer didn't declare an
	// idle-timeout.
	keepaliveTimer clock.Timer
	keepaliveFire  chan struct{}

	// deadRemoteTimer fires if nothing at all (not even a heartbeat) is
	// received within 2x our own declared idle-timeout; nil when
	// idleTimeout is 0.
	deadRemoteTimer clock.Timer
	deadRemoteFire  chan struct{}
}

// New dials the AMQP protocol handshake over conn (already connected,
// e.g. via net.Dial or tls.Dial) and starts the connection's reader,
// writer, and mux goroutines.
func New(conn net.Conn, opts *ConnOptions) (*Conn, error) {
	c := &Conn{
		net:               conn,
		containerID:       shared.RandString(40),
		idleTimeout:       defaultIdleTimeout,
		maxFrameSize:      defaultMaxFrameSize,
		channelMax:        defaultMaxSessions - 1,
		txFrame:           make(chan frames.Frame),
		close:             make(chan struct{}),
		done:              make(chan struct{}),
		sessionsByChannel: make(map[uint16]*Session),
		rxFrame:           make(chan *frames.Frame),
		rxErr:             make(chan error, 1),
		clock:             clock.Real{},
		keepaliveFire:     make(chan struct{}, 1),
		deadRemoteFire:    make(chan struct{}, 1),
	}

	var sasl *saslConfig
	if opts != nil {
		if opts.ContainerID != "" {
			c.containerID = opts.ContainerID
		}
		if opts.IdleTimeout > 0 {
			c.idleTimeout = opts.IdleTimeout
		}
		if opts.MaxFrameSize > 0 {
			c.maxFrameSize = opts.MaxFrameSize
		}
		if opts.MaxSessions > 0 {
			c.channelMax = opts.MaxSessions - 1
		}
		if opts.WriteTimeout > 0 {
			c.writeTimeout = opts.WriteTimeout
		}
		if opts.SASLType != nil {
			sasl = &saslConfig{}
			if err := opts.SASLType(sasl); err != nil {
				return nil, err
			}
		}
	}

	if err := c.handshake(sasl, opts); err != nil {
		return nil, pkgerrors.Wrap(err, "amqp: connection handshake failed")
	}

	if c.peerIdleTimeout > 0 {
		c.keepaliveTimer = c.clock.AfterFunc(c.peerIdleTimeout/2, c.fireKeepalive)
	}
	if c.idleTimeout > 0 {
		c.deadRemoteTimer = c.clock.AfterFunc(c.idleTimeout*2, c.fireDeadRemote)
	}

	go c.connReader()
	go c.connWriter()
	go c.mux()

	return c, nil
}

// handshake runs the synchronous protocol-header / SASL / Open exchange.
// It executes before the reader/writer/mux goroutines start, directly
// against c.net; nothing else touches the socket until it returns.
func (c *Conn) handshake(sasl *saslConfig, opts *ConnOptions) error {
	proto := frames.ProtoAMQP
	if sasl != nil {
		proto = frames.ProtoSASL
	}
	if err := c.writeProtoHeader(proto); err != nil {
		return err
	}
	if _, err := c.readProtoHeader(); err != nil {
		return err
	}

	if sasl != nil {
		if err := c.negotiateSASL(sasl); err != nil {
			return err
		}
		if err := c.writeProtoHeader(frames.ProtoAMQP); err != nil {
			return err
		}
		if _, err := c.readProtoHeader(); err != nil {
			return err
		}
	}

	open := &frames.PerformOpen{
		ContainerID:  c.containerID,
		MaxFrameSize: c.maxFrameSize,
		ChannelMax:   c.channelMax,
		IdleTimeout:  c.idleTimeout,
	}
	if opts != nil {
		open.Hostname = opts.HostName
		if opts.Properties != nil {
			open.Properties = make(map[encoding.Symbol]any, len(opts.Properties))
			for k, v := range opts.Properties {
				open.Properties[encoding.Symbol(k)] = v
			}
		}
	}
	if err := c.writeFrame(frames.TypeAMQP, 0, open); err != nil {
		return err
	}

	fr, err := c.readFrame()
	if err != nil {
		return err
	}
	peerOpen, ok := fr.Body.(*frames.PerformOpen)
	if !ok {
		return fmt.Errorf("amqp: expected Open, got %T", fr.Body)
	}
	c.peerMaxFrameSize = peerOpen.MaxFrameSize
	if c.peerMaxFrameSize < minMaxFrameSize {
		c.peerMaxFrameSize = minMaxFrameSize
	}
	c.peerIdleTimeout = peerOpen.IdleTimeout
	return nil
}

// negotiateSASL drives a single round of PLAIN/ANONYMOUS negotiation. Only
// the mechanisms this engine advertises via sasl.go are supported; the
// broader mechanism-module surface is out of scope.
func (c *Conn) negotiateSASL(sasl *saslConfig) error {
	fr, err := c.readFrame()
	if err != nil {
		return err
	}
	if _, ok := fr.Body.(*frames.SASLMechanisms); !ok {
		return fmt.Errorf("amqp: expected SASLMechanisms, got %T", fr.Body)
	}

	init := &frames.SASLInit{
		Mechanism:       sasl.method,
		InitialResponse: sasl.initialResponse,
	}
	if err := c.writeFrame(frames.TypeSASL, 0, init); err != nil {
		return err
	}

	fr, err = c.readFrame()
	if err != nil {
		return err
	}
	outcome, ok := fr.Body.(*frames.SASLOutcome)
	if !ok {
		return fmt.Errorf("amqp: expected SASLOutcome, got %T", fr.Body)
	}
	if outcome.Code != frames.SASLCodeOK {
		return fmt.Errorf("amqp: SASL negotiation failed with code %d", outcome.Code)
	}
	return nil
}

func (c *Conn) writeProtoHeader(id frames.ProtoID) error {
	_, err := c.net.Write(frames.ProtoHeader(id))
	return err
}

func (c *Conn) readProtoHeader() ([]byte, error) {
	buf := make([]byte, frames.HeaderSize)
	if _, err := io.ReadFull(c.net, buf); err != nil {
		return nil, err
	}
	if buf[0] != 'A' || buf[1] != 'M' || buf[2] != 'Q' || buf[3] != 'P' {
		return nil, fmt.Errorf("amqp: invalid protocol header %q", buf)
	}
	return buf, nil
}

// writeFrame marshals and writes a single frame synchronously; used only
// during the pre-mux handshake where no other goroutine touches c.net.
func (c *Conn) writeFrame(ftype uint8, channel uint16, body frames.FrameBody) error {
	buf := buffer.New(nil)
	if err := frames.Encode(buf, ftype, channel, body); err != nil {
		return err
	}
	_, err := c.write(buf.Bytes())
	return err
}

// write pushes b to the socket in one call, applying the configured write
// deadline if any.
func (c *Conn) write(b []byte) (int, error) {
	if c.writeTimeout > 0 {
		_ = c.net.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.net.Write(b)
}

// readOneFrame reads and decodes exactly one frame, heartbeats included;
// used by connReader, which needs to see every frame to track liveness.
// Malformed-header and oversize failures are tagged amqp:framing-error and
// body-decode failures amqp:decode-error, so the shutdown path can report
// the right condition to the peer; plain I/O errors pass through untagged.
func (c *Conn) readOneFrame() (*frames.Frame, error) {
	header := make([]byte, frames.HeaderSize)
	if _, err := io.ReadFull(c.net, header); err != nil {
		return nil, err
	}
	size, doff, _, _, err := frames.ReadHeader(header)
	if err != nil {
		return nil, &conditionError{cond: ErrCondFramingError, err: err}
	}
	if size > c.maxFrameSize {
		return nil, &conditionError{
			cond: ErrCondFramingError,
			err:  fmt.Errorf("amqp: frame size %d exceeds negotiated maximum %d", size, c.maxFrameSize),
		}
	}
	if int(doff)*4 > int(size) {
		return nil, &conditionError{
			cond: ErrCondFramingError,
			err:  fmt.Errorf("amqp: frame data offset %d beyond size %d", doff, size),
		}
	}
	rest := make([]byte, size-frames.HeaderSize)
	if len(rest) > 0 {
		if _, err := io.ReadFull(c.net, rest); err != nil {
			return nil, err
		}
	}
	fr, err := frames.ReadFrom(append(header, rest...))
	if err != nil {
		return nil, &conditionError{cond: ErrCondDecodeError, err: err}
	}
	return fr, nil
}

// readFrame reads and decodes a single frame synchronously, skipping empty
// heartbeat frames; used only during the pre-mux handshake.
func (c *Conn) readFrame() (*frames.Frame, error) {
	for {
		fr, err := c.readOneFrame()
		if err != nil {
			return nil, err
		}
		if fr.Body == nil {
			continue // heartbeat
		}
		return fr, nil
	}
}

// connReader continuously decodes frames off the wire and hands them to
// mux over a channel. Unlike readFrame, it forwards heartbeats too: mux
// needs to see them to reset the dead-remote timer.
func (c *Conn) connReader() {
	for {
		fr, err := c.readOneFrame()
		if err != nil {
			select {
			case c.rxErr <- err:
			case <-c.done:
			}
			return
		}
		select {
		case c.rxFrame <- fr:
		case <-c.done:
			return
		}
	}
}

// connWriter serializes all frame writes (handshake aside) behind a single
// channel so session/link mux goroutines never touch c.net directly.
func (c *Conn) connWriter() {
	for {
		select {
		case fr := <-c.txFrame:
			buf := buffer.New(nil)
			var err error
			if fr.Body == nil {
				// heartbeat: header only, no performative to encode.
				frames.WriteHeader(buf, frames.HeaderSize, fr.Type, fr.Channel)
			} else {
				err = frames.Encode(buf, fr.Type, fr.Channel, fr.Body)
			}
			if err == nil {
				_, err = c.write(buf.Bytes())
			}
			if fr.Done != nil {
				close(fr.Done)
			}
			if err != nil {
				debug.Log(1, "TX (Conn): write error: %v", err)
				return
			}
		case <-c.done:
			return
		}
	}
}

// mux is the connection's single dispatch loop: every frame arriving on any
// channel passes through here before being routed to the owning Session.
func (c *Conn) mux() {
	// closing the socket last unblocks connReader (parked in a blocking
	// Read) once done is closed and the timers are stopped.
	defer func() { _ = c.net.Close() }()
	defer close(c.done)
	defer c.stopTimers()

	for {
		select {
		case fr := <-c.rxFrame:
			if c.deadRemoteTimer != nil {
				c.deadRemoteTimer.Reset(c.idleTimeout * 2)
			}
			if fr.Body == nil {
				continue // heartbeat; the Reset above is its only effect
			}
			if err := c.muxHandleFrame(fr); err != nil {
				c.doneErr = err
				c.muxShutdown(err)
				return
			}

		case err := <-c.rxErr:
			c.doneErr = err
			c.muxShutdown(err)
			return

		case <-c.keepaliveFire:
			select {
			case c.txFrame <- frames.Frame{Type: frames.TypeAMQP, Channel: 0, Body: nil}:
			case <-c.done:
				return
			}
			if c.keepaliveTimer != nil {
				c.keepaliveTimer.Reset(c.peerIdleTimeout / 2)
			}

		case <-c.deadRemoteFire:
			c.doneErr = &conditionError{
				cond: ErrCondResourceLimitExceeded,
				err:  errors.New("amqp: nothing received from peer within the idle timeout"),
			}
			c.muxShutdown(c.doneErr)
			return

		case <-c.close:
			c.doneErr = c.muxShutdown(nil)
			return
		}
	}
}

// fireKeepalive is invoked by keepaliveTimer off the mux goroutine; it only
// signals mux; the actual heartbeat is written by mux itself so that
// c.txFrame is never touched concurrently from two goroutines.
func (c *Conn) fireKeepalive() {
	select {
	case c.keepaliveFire <- struct{}{}:
	default:
	}
}

// fireDeadRemote is invoked by deadRemoteTimer off the mux goroutine.
func (c *Conn) fireDeadRemote() {
	select {
	case c.deadRemoteFire <- struct{}{}:
	default:
	}
}

func (c *Conn) stopTimers() {
	if c.keepaliveTimer != nil {
		c.keepaliveTimer.Stop()
	}
	if c.deadRemoteTimer != nil {
		c.deadRemoteTimer.Stop()
	}
}

func (c *Conn) muxHandleFrame(fr *frames.Frame) error {
	if pc, ok := fr.Body.(*frames.PerformClose); ok {
		// the peer is closing the connection; hold on to its condition so
		// Close can report it to the caller.
		return &ConnectionError{RemoteErr: pc.Error}
	}

	c.mu.Lock()
	s, ok := c.sessionsByChannel[fr.Channel]
	c.mu.Unlock()
	if !ok {
		debug.Log(1, "RX (Conn): frame on unknown channel %d: %v", fr.Channel, fr.Body)
		return nil
	}

	select {
	case s.rx <- fr.Body:
	case <-s.done:
	}
	return nil
}

// muxShutdown tears the connection down: every session still attached is
// closed and a Close performative goes out. When err is a local failure
// tagged with a wire condition (decode error, framing error, idle
// timeout), that condition rides on the Close so the peer learns why;
// caller-initiated closes and peer-initiated ones send a bare Close.
func (c *Conn) muxShutdown(err error) error {
	c.mu.Lock()
	sessions := make([]*Session, 0, len(c.sessionsByChannel))
	for _, s := range c.sessionsByChannel {
		sessions = append(sessions, s)
	}
	c.mu.Unlock()

	for _, s := range sessions {
		s.closeOnce.Do(func() { close(s.close) })
	}

	closeFr := &frames.PerformClose{Error: closeError(err)}
	written := make(chan encoding.DeliveryState)
	select {
	case c.txFrame <- frames.Frame{Type: frames.TypeAMQP, Channel: 0, Body: closeFr, Done: written}:
		// wait for the writer to actually put the Close on the wire; mux's
		// deferred socket close would otherwise race the write.
		select {
		case <-written:
		case <-time.After(time.Second):
		}
	case <-time.After(5 * time.Second):
	}

	if err != nil {
		var connErr *ConnectionError
		if errors.As(err, &connErr) {
			return connErr
		}
		return &ConnectionError{}
	}
	return nil
}

// closeError maps a local failure to the error listing carried on our
// outbound Close. Only failures tagged with a wire condition produce one;
// peer-initiated closes and plain I/O errors go out bare.
func closeError(err error) *Error {
	var condErr *conditionError
	if !errors.As(err, &condErr) {
		return nil
	}
	return &Error{
		Condition:   condErr.cond,
		Description: condErr.err.Error(),
	}
}

// NewSession opens a new session (spec §2.5) on the next
// available channel.
func (c *Conn) NewSession(ctx context.Context, opts *SessionOptions) (*Session, error) {
	s := newSession(c, opts)

	c.mu.Lock()
	ch := c.allocateChannel()
	c.sessionsByChannel[ch] = s
	c.mu.Unlock()
	s.channel = ch

	if err := s.begin(ctx); err != nil {
		c.mu.Lock()
		delete(c.sessionsByChannel, ch)
		c.freeChannels = append(c.freeChannels, ch)
		c.mu.Unlock()
		return nil, err
	}

	return s, nil
}

func (c *Conn) allocateChannel() uint16 {
	if n := len(c.freeChannels); n > 0 {
		ch := c.freeChannels[n-1]
		c.freeChannels = c.freeChannels[:n-1]
		return ch
	}
	ch := c.nextChannel
	c.nextChannel++
	return ch
}

func (c *Conn) deallocateChannel(ch uint16) {
	c.mu.Lock()
	delete(c.sessionsByChannel, ch)
	c.freeChannels = append(c.freeChannels, ch)
	c.mu.Unlock()
}

// Close gracefully closes the connection, ending every open session. A
// clean caller-initiated close reports nil; a peer close that carried an
// error condition surfaces as a *ConnectionError wrapping it.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() { close(c.close) })
	<-c.done
	var connErr *ConnectionError
	if errors.As(c.doneErr, &connErr) && connErr.RemoteErr == nil {
		return nil
	}
	return c.doneErr
}

