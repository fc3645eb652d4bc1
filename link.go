package amqp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/qpid-go/amqpcore/internal/clock"
	"github.com/qpid-go/amqpcore/internal/debug"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/queue"
	"github.com/qpid-go/amqpcore/internal/shared"
)

// linkKey identifies a link within its session: the wire-visible link name
// plus our role. Two links may share a name as long as they point opposite
// directions, so the role is part of the key.
type linkKey struct {
	name string
	role encoding.Role
}

// link holds the state common to both link directions; Sender and Receiver
// embed one and layer their direction's transfer machinery on top.
type link struct {
	key          linkKey
	handle       uint32 // handle we allocated for this link
	remoteHandle uint32 // handle the peer's attach named
	dynamicAddr  bool   // ask the peer to mint the terminus address

	// rxQ is a queue of frames that waitForFrame drains before it blocks on
	// rx. The session itself always hands frames to rx, which attach
	// creates before the attach frame goes out; nothing in the session
	// enqueues on rxQ.
	rxQ *queue.Holder[frames.FrameBody]
	rx  chan frames.FrameBody

	close     chan struct{} // tells mux to start the closing detach exchange
	closeOnce *sync.Once

	done    chan struct{} // closed when mux has fully wound down
	doneErr error         // the link's terminal state; read only after done

	session    *Session
	source     *frames.Source
	target     *frames.Target
	properties map[encoding.Symbol]any

	// deliveryCount is the link's transfer sequence number. The sender
	// owns it and picks its starting point; a receiver only mirrors the
	// last value the sender reported.
	deliveryCount uint32

	// linkCredit is how many further transfers the receiver will take.
	// The receiver owns it; the sender mirrors what the last flow carried.
	linkCredit uint32

	senderSettleMode   *SenderSettleMode
	receiverSettleMode *ReceiverSettleMode
	maxMessageSize     uint64
	detachReceived     bool // the peer's closing detach arrived before ours

	// clk times the attach/detach exchanges for debug traces; it is the
	// connection's clock so tests can fake link and connection timers with
	// one double.
	clk clock.Clock
}

func newLink(s *Session, r encoding.Role) *link {
	l := &link{
		key:     linkKey{shared.RandString(40), r},
		session: s,
		close:   make(chan struct{}),
		done:    make(chan struct{}),
	}
	l.initTransportState()
	return l
}

// initTransportState finishes wiring a link once a live session is in
// play: the close-once guard, the pre-mux queue, and the trace clock.
//
// newSender/newReceiver deliberately skip this so their option-validation
// tests can build a link against a nil session; Sender.attach and
// Receiver.attach both call it before anything touches rxQ or closeOnce.
func (l *link) initTransportState() {
	l.closeOnce = &sync.Once{}

	// the pre-mux queue can never be asked to hold more frames than the
	// session window governing this link's direction allows in flight.
	window := l.session.outgoingWindow
	if l.key.role == encoding.RoleReceiver {
		window = l.session.incomingWindow
	}
	l.rxQ = queue.NewHolder(queue.New[frames.FrameBody](int(window)))

	l.clk = l.session.conn.clock
}

// waitForFrame returns the next frame routed to this link. A frame already
// parked on rxQ is returned first; otherwise it blocks on the rx channel.
// rxQ is checked once on entry, not watched while blocked. Returns the
// session's terminal error if it dies first.
func (l *link) waitForFrame(ctx context.Context) (frames.FrameBody, error) {
	select {
	case q := <-l.rxQ.Wait():
		fr := q.Dequeue()
		l.rxQ.Release(q)
		if fr != nil {
			return fr, nil
		}
	default:
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.session.done:
		return nil, l.session.doneErr
	case fr := <-l.rx:
		return fr, nil
	}
}

// attach runs the attach exchange: reserve a handle, send our half, apply
// the peer's reply. configure customizes the outgoing frame for the
// caller's direction; applyPeer runs on the reply before settle modes are
// reconciled.
func (l *link) attach(ctx context.Context, configure func(*frames.PerformAttach), applyPeer func(*frames.PerformAttach)) error {
	start := l.clk.Now()
	defer func() {
		debug.Log(2, "TX (link): attach round-trip for %q took %s", l.key.name, l.clk.Now().Sub(start))
	}()

	if err := l.session.allocateHandle(l); err != nil {
		return err
	}

	out := &frames.PerformAttach{
		Name:               l.key.name,
		Handle:             l.handle,
		SenderSettleMode:   l.senderSettleMode,
		ReceiverSettleMode: l.receiverSettleMode,
		Source:             l.source,
		Target:             l.target,
		MaxMessageSize:     l.maxMessageSize,
		Properties:         l.properties,
	}
	configure(out)

	_ = l.session.txFrame(out, nil)

	fr, err := l.waitForFrame(ctx)
	if isContextErr(err) {
		// our attach already went out, so the peer holds a half-open
		// link; detach it in the background rather than leave it dangling.
		l.detachAsync()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	peer, ok := fr.(*frames.PerformAttach)
	if !ok {
		return fmt.Errorf("amqp: expected Attach reply, got %T", fr)
	}
	l.remoteHandle = peer.Handle

	// a peer that can't create the terminus still answers with an attach,
	// but one naming neither source nor target; the real reason follows on
	// an immediate detach (spec §2.7.3). swallow the bare attach and
	// surface the detach's error instead.
	if peer.Source == nil && peer.Target == nil {
		return l.awaitRefusal(ctx)
	}

	if peer.MaxMessageSize != 0 && (l.maxMessageSize == 0 || peer.MaxMessageSize < l.maxMessageSize) {
		l.maxMessageSize = peer.MaxMessageSize
	}

	applyPeer(peer)

	if err := l.reconcileSettleModes(peer); err != nil {
		l.muxClose(ctx, nil, nil, nil)
		return err
	}

	return nil
}

// awaitRefusal finishes a refused attach: wait for the peer's detach, ack
// it so the peer can release its half of the handle, and report the error
// it carried.
func (l *link) awaitRefusal(ctx context.Context) error {
	fr, err := l.waitForFrame(ctx)
	if isContextErr(err) {
		l.detachAsync()
		return ctx.Err()
	}
	if err != nil {
		return err
	}

	detach, ok := fr.(*frames.PerformDetach)
	if !ok {
		return fmt.Errorf("amqp: expected Detach after refused attach, got %T", fr)
	}

	_ = l.session.txFrame(&frames.PerformDetach{Handle: l.handle, Closed: true}, nil)

	if detach.Error == nil {
		return errors.New("amqp: peer refused attach without an error")
	}
	return detach.Error
}

// detachAsync runs the closing-detach exchange on its own goroutine with a
// fresh deadline, for paths where the caller's ctx has already expired but
// the peer still considers the link attached.
func (l *link) detachAsync() {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		l.muxClose(ctx, nil, nil, nil)
	}()
}

// reconcileSettleModes folds the peer's answered settle modes into the
// link. A mode the caller pinned explicitly must come back unchanged; the
// peer is free to pick for modes we left open.
func (l *link) reconcileSettleModes(peer *frames.PerformAttach) error {
	rsm := receiverSettleModeValue(peer.ReceiverSettleMode)
	if l.receiverSettleMode != nil && *l.receiverSettleMode != rsm {
		return fmt.Errorf("amqp: receiver settle mode %q requested, peer answered %q", *l.receiverSettleMode, rsm)
	}
	l.receiverSettleMode = &rsm

	ssm := senderSettleModeValue(peer.SenderSettleMode)
	if l.senderSettleMode != nil && *l.senderSettleMode != ssm {
		return fmt.Errorf("amqp: sender settle mode %q requested, peer answered %q", *l.senderSettleMode, ssm)
	}
	l.senderSettleMode = &ssm

	return nil
}

// muxHandleFrame reacts to a frame that no sender/receiver-specific case
// claimed. Only a peer-initiated detach is meaningful at this level;
// anything else is logged and dropped.
func (l *link) muxHandleFrame(fr frames.FrameBody) error {
	detach, ok := fr.(*frames.PerformDetach)
	if !ok {
		debug.Log(1, "RX (link): %q dropping unexpected frame: %s", l.key.name, fr)
		return nil
	}

	if !detach.Closed {
		// suspend/resume isn't supported; rather than hold a half-attached
		// link the peer thinks it can resume, fail it outright.
		return &LinkError{inner: errors.New("amqp: peer sent a non-closing detach")}
	}

	// a detach reaching this path is one the peer originated, not the ack
	// for a detach we sent (muxClose consumes those itself), so the link
	// is being torn down out from under us.
	l.detachReceived = true
	debug.Log(2, "RX (link): peer closed %q", l.key.name)
	if detach.Error != nil {
		return &DetachError{RemoteError: detach.Error}
	}
	return &LinkError{}
}

// closeLink asks the link's mux to run the closing-detach exchange and
// blocks until the link has fully wound down or ctx expires. A clean,
// caller-initiated close reports nil.
func (l *link) closeLink(ctx context.Context) error {
	start := l.clk.Now()
	l.closeOnce.Do(func() { close(l.close) })

	select {
	case <-l.done:
		debug.Log(2, "TX (link): close round-trip for %q took %s", l.key.name, l.clk.Now().Sub(start))
	case <-ctx.Done():
		return ctx.Err()
	}

	var linkErr *LinkError
	if errors.As(l.doneErr, &linkErr) && linkErr.inner == nil && linkErr.RemoteErr == nil {
		return nil
	}
	return l.doneErr
}

// muxClose runs the closing-detach exchange from this side: send our
// detach (carrying err when the link dies on a local failure), then —
// unless the peer detached first, making ours the ack — service frames
// until the answering detach arrives. deferred, if non-nil, runs during
// final teardown; onRXTransfer lets a receiver observe transfers that race
// the shutdown.
func (l *link) muxClose(ctx context.Context, err *Error, deferred func(), onRXTransfer func(frames.PerformTransfer)) {
	start := l.clk.Now()
	defer func() {
		debug.Log(2, "TX (link): detach round-trip for %q took %s", l.key.name, l.clk.Now().Sub(start))

		// only a completed exchange proves the peer released the handle;
		// after an expired ctx the handle stays reserved rather than risk
		// colliding with a link the peer still considers live.
		if ctx.Err() == nil {
			l.session.deallocateHandle(l)
		}

		if deferred != nil {
			deferred()
		}

		close(l.done)
	}()

	detach := &frames.PerformDetach{
		Handle: l.handle,
		Closed: true,
		Error:  err,
	}

	select {
	case l.session.tx <- detach:
	case <-l.session.done:
		if l.doneErr == nil {
			l.doneErr = l.session.doneErr
		}
		return
	case <-ctx.Done():
		return
	}

	if l.detachReceived {
		return
	}

	for {
		fr, err := l.waitForFrame(ctx)
		if isContextErr(err) {
			return
		}
		if err != nil {
			if l.doneErr == nil {
				l.doneErr = err
			}
			return
		}

		switch fr := fr.(type) {
		case *frames.PerformDetach:
			if fr.Closed {
				return
			}
		case *frames.PerformTransfer:
			if onRXTransfer != nil {
				onRXTransfer(*fr)
			}
		}
	}
}
