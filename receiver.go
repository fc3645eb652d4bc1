package amqp

import (
	"context"
	"fmt"
	"sync"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/debug"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/shared"
)

// Receiver receives messages on a single AMQP link.
type Receiver struct {
	l link

	defaultCredit uint32
	manualCredits bool

	// messages holds completed deliveries ready for Receive. Sized to
	// defaultCredit so mux never blocks handing off a delivery it already
	// has credit outstanding for.
	messages chan Message

	// dispositions carries application-originated settlement decisions
	// (AcceptMessage et al.) into mux; creditRequests carries IssueCredit
	// calls the same way transfers/flow reach Sender's mux.
	dispositions   chan *frames.PerformDisposition
	creditRequests chan uint32

	mu        sync.Mutex
	unsettled map[uint32]struct{} // delivery-id -> awaiting application disposition (ReceiverSettleModeSecond)

	// in-progress (possibly multi-frame) delivery reassembly; touched only
	// by mux, so no locking needed.
	msgBuf          buffer.Buffer
	curDeliveryID   uint32
	curDeliveryTag  []byte
	haveCurDelivery bool
}

// LinkName is the name of the link used for this Receiver.
func (r *Receiver) LinkName() string {
	return r.l.key.name
}

// MaxMessageSize is the maximum size of a single message.
func (r *Receiver) MaxMessageSize() uint64 {
	return r.l.maxMessageSize
}

// Address returns the link's address.
func (r *Receiver) Address() string {
	if r.l.source == nil {
		return ""
	}
	return r.l.source.Address
}

// Receive returns the next message on the link, blocking until one arrives,
// ctx completes, or the link terminates.
func (r *Receiver) Receive(ctx context.Context) (*Message, error) {
	select {
	case msg := <-r.messages:
		return &msg, nil
	case <-r.l.done:
		return nil, r.l.doneErr
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// AcceptMessage notifies the sender that msg was received and processed
// successfully. A no-op if msg was already settled (e.g. the link's
// receiver-settle-mode is "first", where the engine settles on receipt).
func (r *Receiver) AcceptMessage(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateAccepted{})
}

// RejectMessage notifies the sender that msg is invalid and must not be
// redelivered, optionally carrying e describing why.
func (r *Receiver) RejectMessage(ctx context.Context, msg *Message, e *Error) error {
	return r.settle(ctx, msg, &encoding.StateRejected{Error: e})
}

// ReleaseMessage notifies the sender that msg wasn't processed and should
// be redelivered, to this or another receiver.
func (r *Receiver) ReleaseMessage(ctx context.Context, msg *Message) error {
	return r.settle(ctx, msg, &encoding.StateReleased{})
}

// ModifyMessage notifies the sender that msg wasn't processed but should
// be redelivered with the given annotations merged in, per the failed and
// undeliverableHere flags (spec §3.4.5).
func (r *Receiver) ModifyMessage(ctx context.Context, msg *Message, failed, undeliverableHere bool, annotations map[string]any) error {
	var ann encoding.Annotations
	if len(annotations) > 0 {
		ann = make(encoding.Annotations, len(annotations))
		for k, v := range annotations {
			ann[k] = v
		}
	}
	return r.settle(ctx, msg, &encoding.StateModified{
		DeliveryFailed:     failed,
		UndeliverableHere:  undeliverableHere,
		MessageAnnotations: ann,
	})
}

func (r *Receiver) settle(ctx context.Context, msg *Message, state encoding.DeliveryState) error {
	r.mu.Lock()
	_, ok := r.unsettled[msg.deliveryID]
	if ok {
		delete(r.unsettled, msg.deliveryID)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}

	disp := &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   msg.deliveryID,
		Settled: true,
		State:   state,
	}

	select {
	case r.dispositions <- disp:
		return nil
	case <-r.l.done:
		return r.l.doneErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IssueCredit grants the sender credit additional link-credit, for use
// with ReceiverOptions.ManualCredits.
func (r *Receiver) IssueCredit(credit uint32) error {
	select {
	case r.creditRequests <- credit:
		return nil
	case <-r.l.done:
		return r.l.doneErr
	}
}

// Close closes the Receiver and AMQP link.
func (r *Receiver) Close(ctx context.Context) error {
	return r.l.closeLink(ctx)
}

// countUnsettled returns the number of deliveries still awaiting an
// application disposition (only ever non-zero under ReceiverSettleModeSecond;
// under "first" every delivery is settled as soon as it's received).
func (r *Receiver) countUnsettled() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.unsettled)
}

// newReceiver creates a new receiving link and attaches it to the session.
func newReceiver(source string, session *Session, opts *ReceiverOptions) (*Receiver, error) {
	r := &Receiver{
		l: link{
			key:     linkKey{shared.RandString(40), encoding.RoleReceiver},
			session: session,
			close:   make(chan struct{}),
			done:    make(chan struct{}),
			source:  &frames.Source{Address: source},
			target:  new(frames.Target),
		},
		defaultCredit: 1,
		unsettled:     make(map[uint32]struct{}),
	}

	if opts == nil {
		return r, nil
	}

	for _, v := range opts.Capabilities {
		r.l.target.Capabilities = append(r.l.target.Capabilities, encoding.Symbol(v))
	}
	if opts.Durability > DurabilityUnsettledState {
		return nil, fmt.Errorf("invalid Durability %d", opts.Durability)
	}
	r.l.target.Durable = opts.Durability
	if opts.DynamicAddress {
		r.l.source.Address = ""
		r.l.dynamicAddr = opts.DynamicAddress
	}
	if opts.ExpiryPolicy != "" {
		if err := frames.ValidateExpiryPolicy(opts.ExpiryPolicy); err != nil {
			return nil, err
		}
		r.l.target.ExpiryPolicy = opts.ExpiryPolicy
	}
	r.l.target.Timeout = opts.ExpiryTimeout
	if opts.Credit > 0 {
		r.defaultCredit = opts.Credit
	}
	if len(opts.Filters) > 0 {
		r.l.source.Filter = make(encoding.Filter, len(opts.Filters))
		for _, f := range opts.Filters {
			r.l.source.Filter[encoding.Symbol(f.Key)] = &encoding.DescribedType{
				Descriptor: encoding.Symbol(f.Key),
				Value:      f.Value,
			}
		}
	}
	r.manualCredits = opts.ManualCredits
	r.l.maxMessageSize = opts.MaxMessageSize
	if opts.Name != "" {
		r.l.key.name = opts.Name
	}
	if opts.Properties != nil {
		r.l.properties = make(map[encoding.Symbol]any)
		for k, v := range opts.Properties {
			if k == "" {
				return nil, fmt.Errorf("link property key must not be empty")
			}
			r.l.properties[encoding.Symbol(k)] = v
		}
	}
	if opts.RequestedSenderSettleMode != nil {
		if ssm := *opts.RequestedSenderSettleMode; ssm > SenderSettleModeMixed {
			return nil, fmt.Errorf("invalid RequestedSenderSettleMode %d", ssm)
		}
		r.l.senderSettleMode = opts.RequestedSenderSettleMode
	}
	if opts.SettlementMode != nil {
		if rsm := *opts.SettlementMode; rsm > ReceiverSettleModeSecond {
			return nil, fmt.Errorf("invalid SettlementMode %d", rsm)
		}
		r.l.receiverSettleMode = opts.SettlementMode
	}
	for _, v := range opts.SourceCapabilities {
		r.l.source.Capabilities = append(r.l.source.Capabilities, encoding.Symbol(v))
	}
	r.l.target.Address = opts.TargetAddress
	return r, nil
}

func (r *Receiver) attach(ctx context.Context) error {
	r.l.initTransportState()
	r.l.rx = make(chan frames.FrameBody, 1)

	if err := r.l.attach(ctx, func(pa *frames.PerformAttach) {
		pa.Role = encoding.RoleReceiver
		if pa.Source == nil {
			pa.Source = new(frames.Source)
		}
		pa.Source.Dynamic = r.l.dynamicAddr
	}, func(pa *frames.PerformAttach) {
		if r.l.source == nil {
			r.l.source = new(frames.Source)
		}
		if r.l.dynamicAddr && pa.Source != nil {
			r.l.source.Address = pa.Source.Address
		}
	}); err != nil {
		return err
	}

	r.messages = make(chan Message, r.defaultCredit)
	r.dispositions = make(chan *frames.PerformDisposition, 1)
	r.creditRequests = make(chan uint32, 1)

	go r.mux()

	if !r.manualCredits {
		if err := r.IssueCredit(r.defaultCredit); err != nil {
			return err
		}
	}

	return nil
}

func (r *Receiver) mux() {
	defer r.l.muxClose(context.Background(), nil, nil, nil)

	outgoingFlow := make(chan *frames.PerformFlow, 1)
	outgoingDisp := make(chan *frames.PerformDisposition, 1)
	var pendingFlows []*frames.PerformFlow
	var pendingDisps []*frames.PerformDisposition

Loop:
	for {
		if len(pendingFlows) > 0 && len(outgoingFlow) == 0 {
			outgoingFlow <- pendingFlows[0]
			pendingFlows = pendingFlows[1:]
		}
		if len(pendingDisps) > 0 && len(outgoingDisp) == 0 {
			outgoingDisp <- pendingDisps[0]
			pendingDisps = pendingDisps[1:]
		}

		handleFrame := func(fr frames.FrameBody) error {
			disp, flow, err := r.muxHandleFrame(fr)
			r.l.doneErr = err
			if err != nil {
				return err
			}
			if disp != nil {
				pendingDisps = append(pendingDisps, disp)
			}
			if flow != nil {
				pendingFlows = append(pendingFlows, flow)
			}
			return nil
		}

		select {
		case fr := <-r.l.rx:
			if err := handleFrame(fr); err != nil {
				return
			}

		case d := <-r.dispositions:
			pendingDisps = append(pendingDisps, d)

		case credit := <-r.creditRequests:
			pendingFlows = append(pendingFlows, r.muxFlow(credit))

		case fl := <-outgoingFlow:
			for {
				select {
				case r.l.session.tx <- fl:
					debug.Log(2, "TX (Receiver): mux frame to Session: %d, %s", r.l.session.channel, fl)
					continue Loop
				case fr := <-r.l.rx:
					if err := handleFrame(fr); err != nil {
						return
					}
				case <-r.l.close:
					continue Loop
				case <-r.l.session.done:
					continue Loop
				}
			}

		case dr := <-outgoingDisp:
			for {
				select {
				case r.l.session.tx <- dr:
					debug.Log(2, "TX (Receiver): mux frame to Session: %d, %s", r.l.session.channel, dr)
					continue Loop
				case fr := <-r.l.rx:
					if err := handleFrame(fr); err != nil {
						return
					}
				case <-r.l.close:
					continue Loop
				case <-r.l.session.done:
					continue Loop
				}
			}

		case <-r.l.close:
			r.l.doneErr = &LinkError{}
			return

		case <-r.l.session.done:
			r.l.doneErr = r.l.session.doneErr
			return
		}
	}
}

// muxFlow builds the Flow performative that grants credit additional
// link-credit on top of what's outstanding.
func (r *Receiver) muxFlow(credit uint32) *frames.PerformFlow {
	dc := r.l.deliveryCount
	r.l.linkCredit += credit
	linkCredit := r.l.linkCredit
	return &frames.PerformFlow{
		Handle:        &r.l.handle,
		DeliveryCount: &dc,
		LinkCredit:    &linkCredit,
	}
}

// muxHandleFrame processes fr based on type, returning an outgoing
// disposition and/or flow to send in response.
func (r *Receiver) muxHandleFrame(fr frames.FrameBody) (*frames.PerformDisposition, *frames.PerformFlow, error) {
	debug.Log(2, "RX (Receiver): %s", fr)
	switch fr := fr.(type) {
	case *frames.PerformTransfer:
		return r.muxReceiveTransfer(fr)

	case *frames.PerformFlow:
		if fr.Echo {
			dc := r.l.deliveryCount
			linkCredit := r.l.linkCredit
			return nil, &frames.PerformFlow{Handle: &r.l.handle, DeliveryCount: &dc, LinkCredit: &linkCredit}, nil
		}
		return nil, nil, nil

	default:
		return nil, nil, r.l.muxHandleFrame(fr)
	}
}

// muxReceiveTransfer accumulates one TRANSFER fragment and, once a delivery
// is complete, decodes it, tracks its settlement (or auto-settles it under
// ReceiverSettleModeFirst), and hands it to Receive.
func (r *Receiver) muxReceiveTransfer(fr *frames.PerformTransfer) (*frames.PerformDisposition, *frames.PerformFlow, error) {
	if fr.Aborted {
		r.msgBuf.Reset()
		r.haveCurDelivery = false
		return nil, nil, nil
	}

	if !r.haveCurDelivery {
		if fr.DeliveryID == nil {
			return nil, nil, &LinkError{inner: fmt.Errorf("amqp: first transfer of a delivery is missing delivery-id")}
		}
		r.curDeliveryID = *fr.DeliveryID
		r.curDeliveryTag = fr.DeliveryTag
		r.haveCurDelivery = true
		r.msgBuf.Reset()
	}
	r.msgBuf.Append(fr.Payload)

	if fr.More {
		return nil, nil, nil
	}
	r.haveCurDelivery = false

	msg := &Message{deliveryID: r.curDeliveryID, deliveryTag: r.curDeliveryTag}
	if err := msg.Unmarshal(&r.msgBuf); err != nil {
		r.msgBuf.Reset()
		return nil, nil, &LinkError{inner: fmt.Errorf("amqp: decoding message: %w", err)}
	}
	r.msgBuf.Reset()

	r.l.deliveryCount++
	if r.l.linkCredit > 0 {
		r.l.linkCredit--
	}

	var disp *frames.PerformDisposition
	if receiverSettleModeValue(r.l.receiverSettleMode) == ReceiverSettleModeFirst {
		disp = &frames.PerformDisposition{
			Role:    encoding.RoleReceiver,
			First:   msg.deliveryID,
			Settled: true,
			State:   &encoding.StateAccepted{},
		}
	} else {
		r.mu.Lock()
		r.unsettled[msg.deliveryID] = struct{}{}
		r.mu.Unlock()
	}

	select {
	case r.messages <- *msg:
	case <-r.l.close:
		return disp, nil, nil
	case <-r.l.session.done:
		return disp, nil, nil
	}

	var flow *frames.PerformFlow
	if !r.manualCredits && r.l.linkCredit == 0 {
		flow = r.muxFlow(r.defaultCredit)
	}

	return disp, flow, nil
}
