package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/qpid-go/amqpcore/internal/debug"
	"github.com/qpid-go/amqpcore/internal/frames"
)

// needsDeliveryID is a sentinel value: a transfer frame carrying a
// DeliveryID pointer equal to &needsDeliveryID hasn't been assigned a real
// session-scoped delivery-id yet. Session.mux replaces it with the next
// outgoing-id on the first fragment of every delivery.
var needsDeliveryID uint32

// Session is an AMQP session: a unidirectional-handle-space container for
// links, multiplexed over a single Conn channel (spec §2.5 "Session
// states"). Create one with Conn.NewSession.
type Session struct {
	conn    *Conn
	channel uint16

	incomingWindow uint32
	outgoingWindow uint32
	handleMax      uint32

	nextOutgoingID uint32

	// rx carries frames routed to this session by Conn.mux; tx and
	// txTransfer carry frames the opposite direction, from link mux
	// goroutines out to the connection writer.
	rx         chan frames.FrameBody
	tx         chan frames.FrameBody
	txTransfer chan *frames.PerformTransfer

	close     chan struct{}
	closeOnce sync.Once
	done      chan struct{}
	doneErr   error

	handlesMu         sync.Mutex
	handles           map[uint32]*link
	nextHandle        uint32
	freeHandles       []uint32
	pendingDeliveryID map[uint32]uint32 // handle -> delivery-id awaiting its Done channel

	deliveries *deliveryPool
}

func newSession(c *Conn, opts *SessionOptions) *Session {
	s := &Session{
		conn:              c,
		incomingWindow:    defaultWindow,
		outgoingWindow:    1000,
		handleMax:         4294967295,
		rx:                make(chan frames.FrameBody),
		tx:                make(chan frames.FrameBody),
		txTransfer:        make(chan *frames.PerformTransfer),
		close:             make(chan struct{}),
		done:              make(chan struct{}),
		handles:           make(map[uint32]*link),
		pendingDeliveryID: make(map[uint32]uint32),
		deliveries:        newDeliveryPool(),
	}

	if opts != nil {
		if opts.IncomingWindow > 0 {
			s.incomingWindow = opts.IncomingWindow
		}
		if opts.OutgoingWindow > 0 {
			s.outgoingWindow = opts.OutgoingWindow
		}
		if opts.MaxLinks > 0 {
			s.handleMax = opts.MaxLinks - 1
		}
	}

	return s
}

// begin sends the Begin performative and waits for the peer's response,
// then starts the session's own mux goroutine. Called once, synchronously,
// by Conn.NewSession before the caller sees the Session.
func (s *Session) begin(ctx context.Context) error {
	begin := &frames.PerformBegin{
		NextOutgoingID: s.nextOutgoingID,
		IncomingWindow: s.incomingWindow,
		OutgoingWindow: s.outgoingWindow,
		HandleMax:      s.handleMax,
	}

	select {
	case s.conn.txFrame <- frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: begin}:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.done:
		return s.conn.doneErr
	}

	select {
	case fr := <-s.rx:
		resp, ok := fr.(*frames.PerformBegin)
		if !ok {
			return fmt.Errorf("amqp: expected Begin, got %T", fr)
		}
		// the peer may have negotiated a smaller handle-max than we asked for
		if resp.HandleMax < s.handleMax {
			s.handleMax = resp.HandleMax
		}
		go s.mux()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-s.conn.done:
		return s.conn.doneErr
	}
}

// mux is the session's single dispatch loop: it routes incoming
// performatives to the owning link by handle, assigns delivery-ids to
// outgoing transfers, and otherwise hands frames to the connection's writer,
// the same shape as Conn.mux one layer down.
func (s *Session) mux() {
	defer close(s.done)

	for {
		select {
		case fr := <-s.rx:
			if err := s.muxHandleFrame(fr); err != nil {
				s.doneErr = err
				s.muxShutdown()
				return
			}

		case fr := <-s.tx:
			select {
			case s.conn.txFrame <- frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: fr}:
			case <-s.conn.done:
				s.doneErr = s.conn.doneErr
				return
			}

		case tr := <-s.txTransfer:
			s.muxAssignDeliveryID(tr)
			select {
			case s.conn.txFrame <- frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: tr}:
			case <-s.conn.done:
				s.doneErr = s.conn.doneErr
				return
			}

		case <-s.close:
			s.doneErr = s.muxShutdown()
			return

		case <-s.conn.done:
			s.doneErr = s.conn.doneErr
			return
		}
	}
}

// muxAssignDeliveryID substitutes a real session-scoped delivery-id for the
// needsDeliveryID sentinel on the first fragment of a transfer, and, once
// the final fragment (the one carrying Done) arrives, registers the
// delivery in the session's deliveryPool so a later Disposition can resolve it.
func (s *Session) muxAssignDeliveryID(tr *frames.PerformTransfer) {
	if tr.DeliveryID == &needsDeliveryID {
		id := s.nextOutgoingID
		s.nextOutgoingID++
		tr.DeliveryID = &id
		s.pendingDeliveryID[tr.Handle] = id
	}

	if tr.Done == nil {
		return
	}

	id, ok := s.pendingDeliveryID[tr.Handle]
	if !ok {
		return
	}
	delete(s.pendingDeliveryID, tr.Handle)

	s.handlesMu.Lock()
	l := s.handles[tr.Handle]
	s.handlesMu.Unlock()
	if l != nil {
		s.deliveries.add(id, l, tr.Done)
	}
}

// muxHandleFrame routes an incoming performative to the link it names by
// handle, settles outstanding deliveries named by a disposition, or ends
// the session if the peer sent an End.
func (s *Session) muxHandleFrame(fr frames.FrameBody) error {
	switch fr := fr.(type) {
	case *frames.PerformAttach:
		s.muxFrameToLinkByHandle(fr.Handle, fr)

	case *frames.PerformFlow:
		if fr.Handle == nil {
			// session-level flow only; window bookkeeping isn't modeled.
			return nil
		}
		s.muxFrameToLinkByHandle(*fr.Handle, fr)

	case *frames.PerformTransfer:
		s.muxFrameToLinkByHandle(fr.Handle, fr)

	case *frames.PerformDisposition:
		last := fr.First
		if fr.Last != nil {
			last = *fr.Last
		}
		for _, l := range s.deliveries.resolve(fr.First, last, fr.State) {
			s.muxFrameToLink(l, fr)
		}

	case *frames.PerformDetach:
		s.muxFrameToLinkByHandle(fr.Handle, fr)

	case *frames.PerformEnd:
		if fr.Error != nil {
			return &SessionError{RemoteErr: fr.Error}
		}
		return &SessionError{}

	default:
		debug.Log(1, "RX (Session): unexpected frame: %v", fr)
	}

	return nil
}

func (s *Session) muxFrameToLinkByHandle(handle uint32, fr frames.FrameBody) {
	s.handlesMu.Lock()
	l, ok := s.handles[handle]
	s.handlesMu.Unlock()
	if !ok {
		debug.Log(1, "RX (Session): frame for unknown handle %d: %v", handle, fr)
		return
	}
	s.muxFrameToLink(l, fr)
}

// muxFrameToLink hands fr to l's own dispatch loop. By the time a link is
// registered in s.handles (link.attach has called allocateHandle), its rx
// channel already exists, so every frame goes straight to rx; a frame
// naming a handle that is not registered yet is logged and dropped by
// muxFrameToLinkByHandle, never queued on the link's rxQ.
func (s *Session) muxFrameToLink(l *link, fr frames.FrameBody) {
	select {
	case l.rx <- fr:
	case <-s.done:
	}
}

// muxShutdown ends the session: it closes every still-open link, sends an
// End performative, and frees the connection channel for reuse.
func (s *Session) muxShutdown() error {
	s.handlesMu.Lock()
	links := make([]*link, 0, len(s.handles))
	for _, l := range s.handles {
		links = append(links, l)
	}
	s.handlesMu.Unlock()

	for _, l := range links {
		l.closeOnce.Do(func() { close(l.close) })
	}

	end := &frames.PerformEnd{}
	select {
	case s.conn.txFrame <- frames.Frame{Type: frames.TypeAMQP, Channel: s.channel, Body: end}:
	case <-s.conn.done:
	}

	s.conn.deallocateChannel(s.channel)
	return s.doneErr
}

// txFrame hands fr to the session's mux for transmission; done, if
// non-nil, is closed once the frame handoff completes (wire-write
// confirmation isn't tracked at this layer, only at the connection writer).
func (s *Session) txFrame(fr frames.FrameBody, done chan struct{}) error {
	defer func() {
		if done != nil {
			close(done)
		}
	}()

	select {
	case s.tx <- fr:
		return nil
	case <-s.done:
		return s.doneErr
	}
}

// allocateHandle reserves the next available handle for l, preferring a
// previously-freed one, mirroring Conn's channel allocation one layer up.
func (s *Session) allocateHandle(l *link) error {
	s.handlesMu.Lock()
	defer s.handlesMu.Unlock()

	if uint32(len(s.handles)) > s.handleMax {
		return fmt.Errorf("amqp: reached session handle-max (%d)", s.handleMax)
	}

	var h uint32
	if n := len(s.freeHandles); n > 0 {
		h = s.freeHandles[n-1]
		s.freeHandles = s.freeHandles[:n-1]
	} else {
		h = s.nextHandle
		s.nextHandle++
	}

	l.handle = h
	s.handles[h] = l
	return nil
}

func (s *Session) deallocateHandle(l *link) {
	s.handlesMu.Lock()
	delete(s.handles, l.handle)
	s.freeHandles = append(s.freeHandles, l.handle)
	s.handlesMu.Unlock()
}

// NewSender opens a sending link on the session, targeting the given
// address.
func (s *Session) NewSender(ctx context.Context, target string, opts *SenderOptions) (*Sender, error) {
	snd, err := newSender(target, s, opts)
	if err != nil {
		return nil, err
	}
	if err := snd.attach(ctx); err != nil {
		return nil, err
	}
	return snd, nil
}

// NewReceiver opens a receiving link on the session, sourcing from the
// given address.
func (s *Session) NewReceiver(ctx context.Context, source string, opts *ReceiverOptions) (*Receiver, error) {
	r, err := newReceiver(source, s, opts)
	if err != nil {
		return nil, err
	}
	if err := r.attach(ctx); err != nil {
		return nil, err
	}
	return r, nil
}

// Close ends the session, detaching every link still open on it.
func (s *Session) Close(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.close) })

	select {
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	var sessionErr *SessionError
	if errors.As(s.doneErr, &sessionErr) && sessionErr.RemoteErr == nil {
		return nil
	}
	return s.doneErr
}
