package amqp

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/debug"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/shared"
)

const (
	// maxDeliveryTagLength is the protocol bound on a delivery-tag.
	maxDeliveryTagLength = 32

	// transferFrameOverhead is reserved out of every frame for the transfer
	// performative itself. Its fields are all bounded (handle, ids, a
	// <=32-byte tag, flags), so a fixed reservation covers the worst case.
	transferFrameOverhead = 64
)

// Sender sends messages on a single AMQP link.
type Sender struct {
	l         link
	transfers chan frames.PerformTransfer // feeds transfer frames to mux

	// closeOnDispositionError makes a rejecting disposition fatal to the
	// link. Callers doing many concurrent sends over one link (where a
	// single throttled delivery shouldn't kill the rest) opt out via
	// SenderOptions.IgnoreDispositionErrors.
	closeOnDispositionError bool

	mu              sync.Mutex // guards buf and nextDeliveryTag across concurrent Sends
	buf             buffer.Buffer
	nextDeliveryTag uint64

	// availableCredit mirrors the receiver's last flow: how many more
	// transfers it is prepared to take from us. Touched only by mux.
	availableCredit uint32
}

// LinkName returns the name of the link used for this Sender.
func (s *Sender) LinkName() string {
	return s.l.key.name
}

// MaxMessageSize is the maximum size of a single message.
func (s *Sender) MaxMessageSize() uint64 {
	return s.l.maxMessageSize
}

// SendOptions contains any optional values for the Sender.Send method.
type SendOptions struct {
	// for future expansion
}

// Send transfers msg on the link, blocking until the delivery settles, ctx
// expires, or the link dies. Safe for concurrent use: each call owns its
// delivery end to end, so overlapping calls interleave at frame
// granularity, which is chiefly useful when settlement confirmation is in
// play (receiver settle mode "second") and a caller would otherwise idle
// waiting on it.
func (s *Sender) Send(ctx context.Context, msg *Message, opts *SendOptions) error {
	state, err := s.deliver(ctx, msg)
	if err != nil {
		return err
	}

	if rej, ok := state.(*encoding.StateRejected); ok {
		if s.detachOnRejection() {
			return &LinkError{RemoteErr: rej.Error}
		}
		return rej.Error
	}
	return nil
}

// deliver queues msg's transfer frames and waits out the delivery's
// settlement, returning the raw state the receiver assigned. A nil state
// with a nil error means the transfer went out pre-settled and no
// confirmation will ever arrive. TransactionController uses this directly
// since a declared transaction's outcome is a state, not an error.
func (s *Sender) deliver(ctx context.Context, msg *Message) (encoding.DeliveryState, error) {
	// don't bother encoding for a link whose mux has already exited.
	select {
	case <-s.l.done:
		return nil, s.l.doneErr
	default:
	}

	start := s.l.clk.Now()
	confirm, err := s.enqueue(ctx, msg)
	if err != nil {
		return nil, err
	}
	if confirm == nil {
		return nil, nil
	}

	select {
	case state := <-confirm:
		debug.Log(3, "TX (Sender): delivery round-trip for %q took %s", s.l.key.name, s.l.clk.Now().Sub(start))
		return state, nil
	case <-s.l.done:
		return nil, s.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// enqueue encodes msg and hands its transfer frames, one per frame-size
// slice, to the link mux. The returned channel yields the settlement state
// for the delivery; it is nil when the delivery went out pre-settled.
func (s *Sender) enqueue(ctx context.Context, msg *Message) (chan encoding.DeliveryState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.buf.Reset()
	if err := msg.Marshal(&s.buf); err != nil {
		return nil, err
	}
	if s.l.maxMessageSize != 0 && uint64(s.buf.Len()) > s.l.maxMessageSize {
		return nil, fmt.Errorf("amqp: message of %d bytes exceeds the link's %d-byte limit", s.buf.Len(), s.l.maxMessageSize)
	}

	tag, err := s.deliveryTag(msg)
	if err != nil {
		return nil, err
	}

	// slice the encoded message into frame-sized payloads up front; a
	// message with no body still needs one (empty) transfer to exist on
	// the wire.
	chunk := int64(s.l.session.conn.peerMaxFrameSize) - transferFrameOverhead
	var payloads [][]byte
	for s.buf.Len() > 0 {
		n := chunk
		if int64(s.buf.Len()) < n {
			n = int64(s.buf.Len())
		}
		p, _ := s.buf.Next(n)
		payloads = append(payloads, append([]byte(nil), p...))
	}
	if len(payloads) == 0 {
		payloads = [][]byte{nil}
	}

	settled := s.sendSettled(msg)
	var confirm chan encoding.DeliveryState

	for i, p := range payloads {
		last := i == len(payloads)-1
		fr := frames.PerformTransfer{
			Handle:  s.l.handle,
			Payload: p,
			More:    !last,
		}
		if i == 0 {
			// delivery identity rides only on the first fragment; the
			// session mux swaps the sentinel for a real delivery-id.
			fr.DeliveryID = &needsDeliveryID
			fr.DeliveryTag = tag
			fr.MessageFormat = &msg.Format
		}
		if last {
			fr.Settled = settled
			if !settled {
				confirm = make(chan encoding.DeliveryState, 1)
				fr.Done = confirm
			}
		}

		select {
		case s.transfers <- fr:
		case <-s.l.done:
			return nil, s.l.doneErr
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	return confirm, nil
}

// deliveryTag returns msg's explicit tag, or mints the link's next
// sequential 8-byte tag.
func (s *Sender) deliveryTag(msg *Message) ([]byte, error) {
	if len(msg.DeliveryTag) > maxDeliveryTagLength {
		return nil, fmt.Errorf("amqp: delivery tag of %d bytes exceeds the %d-byte limit", len(msg.DeliveryTag), maxDeliveryTagLength)
	}
	if len(msg.DeliveryTag) > 0 {
		return msg.DeliveryTag, nil
	}
	tag := make([]byte, 8)
	binary.BigEndian.PutUint64(tag, s.nextDeliveryTag)
	s.nextDeliveryTag++
	return tag, nil
}

// sendSettled reports whether this delivery goes out pre-settled: always
// in settled mode, per message in mixed mode, never in unsettled mode.
func (s *Sender) sendSettled(msg *Message) bool {
	switch senderSettleModeValue(s.l.senderSettleMode) {
	case SenderSettleModeSettled:
		return true
	case SenderSettleModeMixed:
		return msg.SendSettled
	default:
		return false
	}
}

// Address returns the link's address.
func (s *Sender) Address() string {
	if s.l.target == nil {
		return ""
	}
	return s.l.target.Address
}

// Close closes the Sender and AMQP link.
func (s *Sender) Close(ctx context.Context) error {
	return s.l.closeLink(ctx)
}

// newSender creates a new sending link and attaches it to the session
func newSender(target string, session *Session, opts *SenderOptions) (*Sender, error) {
	s := &Sender{
		l: link{
			key:     linkKey{shared.RandString(40), encoding.RoleSender},
			session: session,
			close:   make(chan struct{}),
			done:    make(chan struct{}),
			target:  &frames.Target{Address: target},
			source:  new(frames.Source),
		},
		closeOnDispositionError: true,
	}

	if opts == nil {
		return s, nil
	}

	for _, v := range opts.Capabilities {
		s.l.source.Capabilities = append(s.l.source.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	s.l.source.Durable = opts.Durability
	if opts.DynamicAddress {
		s.l.target.Address = ""
		s.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := frames.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		s.l.source.ExpiryPolicy = opts.ExpiryPolicy
	}
	s.l.source.Timeout = opts.ExpiryTimeout
	s.closeOnDispositionError = !opts.IgnoreDispositionErrors
	if opts.Name != "" {
		s.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		s.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, errors.New("link property key must not be empty")
			}
			s.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedReceiverSettleMode != nil {
		if rsm := *opts.RequestedReceiverSettleMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid RequestedReceiverSettleMode %d", rsm)
		}
		s.l.receiverSettleMode = opts.RequestedReceiverSettleMode
	}
	if opts.SettlementMode != nil {
		if ssm := *opts.SettlementMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid SettlementMode %d", ssm)
		}
		s.l.senderSettleMode = opts.SettlementMode
	}
	s.l.source.Address = opts.SourceAddress
	for _, v := range opts.TargetCapabilities {
		s.l.target.Capabilities = append(s.l.target.Capabilities, encoding.Symbol(v))
	}
	if opts.TargetDurability != DurabilityNone {
		s.l.target.Durable = opts.TargetDurability
	}
	if opts.TargetExpiryPolicy != ExpiryPolicySessionEnd {
		s.l.target.ExpiryPolicy = opts.TargetExpiryPolicy
	}
	if opts.TargetExpiryTimeout != 0 {
		s.l.target.Timeout = opts.TargetExpiryTimeout
	}
	return s, nil
}

func (s *Sender) attach(ctx context.Context) error {
	s.l.initTransportState()
	s.l.rx = make(chan frames.FrameBody, 1)

	if err := s.l.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleSender
		if pa.Target == nil {
			pa.Target = new(frames.Target)
		}
		pa.Target.Dynamic = s.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if s.l.target == nil {
			s.l.target = new(frames.Target)
		}

		// if dynamic address requested, copy assigned name to address
		if s.l.dynamicAddr && pa.Target != nil {
			s.l.target.Address = pa.Target.Address
		}
	}); err != nil {
		return err
	}

	s.transfers = make(chan frames.PerformTransfer)

	go s.mux()

	return nil
}

func (s *Sender) mux() {
	defer s.l.muxClose(context.Background(), nil, nil, nil)

	// dispositions queue up here and drain to the session one at a time, in
	// the order the receiver raised them.
	outgoingDisp := make(chan *frames.PerformDisposition, 1)
	outgoingDisps := []*frames.PerformDisposition{}

	for {
		var outgoingTransfers chan frames.PerformTransfer
		if s.availableCredit > 0 {
			debug.Log(1, "TX (Sender) (enable): target: %q, available credit: %d, deliveryCount: %d", s.l.target.Address, s.availableCredit, s.l.deliveryCount)
			outgoingTransfers = s.transfers
		} else {
			debug.Log(1, "TX (Sender) (pause): target: %q, available credit: %d, deliveryCount: %d", s.l.target.Address, s.availableCredit, s.l.deliveryCount)
		}

		if len(outgoingDisps) > 0 && len(outgoingDisp) == 0 {
			// queue up the next outgoing frame and remove it from the slice
			outgoingDisp <- outgoingDisps[0]
			outgoingDisps = outgoingDisps[1:]
		}

		handleFrame := func(fr frames.FrameBody) error {
			var disp *frames.PerformDisposition
			disp, s.l.doneErr = s.muxHandleFrame(fr)
			if s.l.doneErr != nil {
				return s.l.doneErr
			} else if disp != nil {
				outgoingDisps = append(outgoingDisps, disp)
			}
			return nil
		}

		select {
		case dr := <-outgoingDisp:
			if !muxSendToSession(&s.l, s.l.session.tx, frames.FrameBody(dr), handleFrame, func() {
				debug.Log(2, "TX (Sender): mux frame to Session: %d, %s", s.l.session.channel, dr)
			}) {
				return
			}

		// received frame
		case fr := <-s.l.rx:
			if err := handleFrame(fr); err != nil {
				return
			}

		// send data
		case tr := <-outgoingTransfers:
			if !muxSendToSession(&s.l, s.l.session.txTransfer, &tr, handleFrame, func() {
				debug.Log(2, "TX (Sender): mux transfer to Session: %d, %v", s.l.session.channel, tr)
				// decrement link-credit after entire message transferred
				if !tr.More {
					s.l.deliveryCount++
					s.availableCredit--
					// we are the sender and we keep track of the peer's link credit
					debug.Log(3, "TX (Sender): link: %s, available credit: %d", s.l.key.name, s.availableCredit)
				}
			}) {
				return
			}

		case <-s.l.close:
			s.l.doneErr = &LinkError{}
			return
		case <-s.l.session.done:
			// the session is gone; nothing further can be sent on it.
			s.l.doneErr = s.l.session.doneErr
			return
		}
	}
}

// muxSendToSession blocks until val can be handed to dst (the session mux's
// inbound channel for this kind of frame), servicing frames arriving on
// l.rx in the meantime so the link's mux never deadlocks against the
// session mux while a disposition or transfer send is pending. onSent runs
// only once val is actually delivered. It returns false only when
// handleFrame reports a fatal link error; a close or session-done signal
// while waiting is left for the caller's outer select to observe and act on.
func muxSendToSession[T any](l *link, dst chan<- T, val T, handleFrame func(frames.FrameBody) error, onSent func()) bool {
	for {
		select {
		case dst <- val:
			onSent()
			return true
		case fr := <-l.rx:
			if err := handleFrame(fr); err != nil {
				return false
			}
		case <-l.close:
			return true
		case <-l.session.done:
			return true
		}
	}
}

// muxHandleFrame folds one incoming frame into the sender's state. When
// the frame obligates a reply (an unsettled disposition needs our settling
// half), the reply is returned for mux to queue rather than sent here,
// since only mux may talk to the session.
func (s *Sender) muxHandleFrame(fr frames.FrameBody) (*frames.PerformDisposition, error) {
	debug.Log(2, "RX (Sender): %s", fr)
	switch fr := fr.(type) {
	case *frames.PerformFlow:
		// the receiver reports its absolute position: the delivery count
		// it has seen plus the credit granted on top. Our remaining credit
		// is that total minus how far we've already sent ahead of it. A
		// flow that predates the receiver processing our attach carries no
		// delivery count; treat it as being level with us.
		base := s.l.deliveryCount
		if fr.DeliveryCount != nil {
			base = *fr.DeliveryCount
		}
		s.availableCredit = base + *fr.LinkCredit - s.l.deliveryCount

		if fr.Echo {
			dc := s.l.deliveryCount
			credit := s.availableCredit
			_ = s.l.session.txFrame(&frames.PerformFlow{
				Handle:        &s.l.handle,
				DeliveryCount: &dc,
				LinkCredit:    &credit,
			}, nil)
		}
		return nil, nil

	case *frames.PerformDisposition:
		if rej, ok := fr.State.(*encoding.StateRejected); ok && s.detachOnRejection() {
			// a rejection outside mode "second" has no per-delivery waiter
			// to hand it to, so it fails the link.
			return nil, &LinkError{RemoteErr: rej.Error}
		}

		if fr.Settled {
			return nil, nil
		}

		// unsettled means the receiver runs in mode "second" and is now
		// waiting on our settling half of the exchange. Route the ack
		// through mux so it reaches the session in order.
		return &frames.PerformDisposition{
			Role:    encoding.RoleSender,
			First:   fr.First,
			Last:    fr.Last,
			Settled: true,
		}, nil

	default:
		return nil, s.l.muxHandleFrame(fr)
	}
}

// detachOnRejection decides whether a rejecting disposition is fatal to
// the link. Under receiver settle mode "second" the rejection arrives as
// an ordinary unsettled disposition that Send hands back to its caller, so
// it stays a per-delivery outcome; in mode "first" (or when no mode was
// requested) there is no such channel, and unless the caller opted out the
// link comes down.
func (s *Sender) detachOnRejection() bool {
	if !s.closeOnDispositionError {
		return false
	}
	return receiverSettleModeValue(s.l.receiverSettleMode) == ReceiverSettleModeFirst
}
