package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/mocks"
)

// newTestSender attaches a Sender on a fresh mock session. extra answers any
// frame beyond the handshake/Begin/Attach the helper already handles.
func newTestSender(t *testing.T, opts *SenderOptions, extra func(frames.FrameBody) ([]byte, error)) (*Sender, chan frames.FrameBody) {
	t.Helper()

	const linkName = "test-sender-link"
	s, rx := newTestSession(t, func(fr frames.FrameBody) ([]byte, error) {
		if _, ok := fr.(*frames.PerformAttach); ok {
			return mocks.SenderAttach(linkName, 0, encoding.ModeUnsettled)
		}
		if extra != nil {
			return extra(fr)
		}
		return nil, nil
	})

	if opts == nil {
		opts = &SenderOptions{}
	}
	if opts.Name == "" {
		opts.Name = linkName
	}

	snd, err := s.NewSender(context.Background(), "test-target", opts)
	require.NoError(t, err)
	return snd, rx
}

func TestSenderSendSuccessSettlesOnDisposition(t *testing.T) {
	defer leaktest.Check(t)()

	var gotTransfer *frames.PerformTransfer
	snd, rx := newTestSender(t, nil, nil)
	defer snd.Close(context.Background())

	// grant credit so mux's availableCredit gate opens for the transfer.
	deliverFlow(t, snd, rx, 10)

	errCh := make(chan error, 1)
	go func() {
		errCh <- snd.Send(context.Background(), NewMessage([]byte("hello")), nil)
	}()

	select {
	case fr := <-rx:
		tr, ok := fr.(*frames.PerformTransfer)
		require.True(t, ok)
		gotTransfer = tr
	case <-time.After(time.Second):
		t.Fatal("transfer not sent")
	}
	require.NotNil(t, gotTransfer.DeliveryID)

	ackAndWait(t, snd, *gotTransfer.DeliveryID, &encoding.StateAccepted{}, errCh)
}

func TestSenderSendRejectedDetachesOnFirstSettleMode(t *testing.T) {
	defer leaktest.Check(t)()

	snd, rx := newTestSender(t, nil, nil)
	defer snd.Close(context.Background())
	deliverFlow(t, snd, rx, 10)

	errCh := make(chan error, 1)
	go func() {
		errCh <- snd.Send(context.Background(), NewMessage([]byte("hello")), nil)
	}()

	var deliveryID uint32
	select {
	case fr := <-rx:
		tr := fr.(*frames.PerformTransfer)
		deliveryID = *tr.DeliveryID
	case <-time.After(time.Second):
		t.Fatal("transfer not sent")
	}

	rejectErr := &Error{Condition: ErrCondNotAllowed}
	snd.l.session.rx <- &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: true,
		State:   &encoding.StateRejected{Error: rejectErr},
	}

	select {
	case err := <-errCh:
		var linkErr *LinkError
		require.ErrorAs(t, err, &linkErr)
		require.Equal(t, rejectErr, linkErr.RemoteErr)
	case <-time.After(time.Second):
		t.Fatal("send did not return")
	}
}

func TestSenderSendOnDetachedLinkReturnsDetachError(t *testing.T) {
	defer leaktest.Check(t)()

	snd, rx := newTestSender(t, nil, nil)

	go func() {
		for fr := range rx {
			if _, ok := fr.(*frames.PerformDetach); ok {
				return
			}
		}
	}()

	// simulate the peer tearing the link down on its own, the only path
	// that constructs a DetachError.
	remoteErr := &Error{Condition: "amqp:link:detach-forced"}
	snd.l.rx <- &frames.PerformDetach{Closed: true, Error: remoteErr}

	<-snd.l.done

	err := snd.Send(context.Background(), NewMessage([]byte("x")), nil)
	var detachErr *DetachError
	require.ErrorAs(t, err, &detachErr)
	require.Equal(t, remoteErr, detachErr.RemoteError)
}

func TestSenderSendOnClosedLinkReturnsLinkError(t *testing.T) {
	defer leaktest.Check(t)()

	snd, _ := newTestSender(t, nil, nil)
	require.NoError(t, snd.Close(context.Background()))

	err := snd.Send(context.Background(), NewMessage([]byte("x")), nil)
	var linkErr *LinkError
	require.ErrorAs(t, err, &linkErr)
}

func TestSenderMismatchedSettleModeFails(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, func(fr frames.FrameBody) ([]byte, error) {
		if _, ok := fr.(*frames.PerformAttach); ok {
			// peer responds with Settled even though we asked for Mixed.
			return mocks.SenderAttach("mismatched", 0, encoding.ModeSettled)
		}
		return nil, nil
	})
	defer s.Close(context.Background())

	// a settle-mode mismatch makes attach run a detach exchange; bound how
	// long attach waits for the peer's answer.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	mixed := SenderSettleModeMixed
	_, err := s.NewSender(ctx, "test-target", &SenderOptions{
		Name:           "mismatched",
		SettlementMode: &mixed,
	})
	require.Error(t, err)
}

func TestSenderSendTagTooLong(t *testing.T) {
	defer leaktest.Check(t)()

	snd, _ := newTestSender(t, nil, nil)
	defer snd.Close(context.Background())

	msg := NewMessage([]byte("x"))
	msg.DeliveryTag = make([]byte, 33)

	err := snd.Send(context.Background(), msg, nil)
	require.Error(t, err)
}

func TestSenderAcksUnsettledDispositionThroughTheSessionQueue(t *testing.T) {
	// this is the scenario muxSendToSession exists for: when the peer is in
	// receiver-settle-mode "second" it sends an unsettled disposition that
	// the sender must explicitly ack back out, through the same session.tx
	// channel used for every other outgoing frame, without the link's mux
	// deadlocking against it.
	defer leaktest.Check(t)()

	snd, rx := newTestSender(t, nil, nil)
	defer snd.Close(context.Background())
	deliverFlow(t, snd, rx, 1)

	errCh := make(chan error, 1)
	go func() {
		errCh <- snd.Send(context.Background(), NewMessage([]byte("one")), nil)
	}()

	var deliveryID uint32
	select {
	case fr := <-rx:
		deliveryID = *fr.(*frames.PerformTransfer).DeliveryID
	case <-time.After(time.Second):
		t.Fatal("transfer not sent")
	}

	snd.l.session.rx <- &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: false,
		State:   &encoding.StateAccepted{},
	}

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not complete after disposition")
	}

	select {
	case fr := <-rx:
		disp, ok := fr.(*frames.PerformDisposition)
		require.True(t, ok)
		require.True(t, disp.Settled)
		require.Equal(t, deliveryID, disp.First)
	case <-time.After(time.Second):
		t.Fatal("sender did not ack the unsettled disposition")
	}
}

// deliverFlow hands a Flow performative granting credit straight to snd's
// link mux. It does not read rx.
func deliverFlow(t *testing.T, snd *Sender, rx chan frames.FrameBody, credit uint32) {
	t.Helper()
	snd.l.rx <- &frames.PerformFlow{LinkCredit: &credit}
}

// ackAndWait delivers a Disposition settling deliveryID and waits for the
// pending Send call (whose error lands on errCh) to return.
func ackAndWait(t *testing.T, snd *Sender, deliveryID uint32, state encoding.DeliveryState, errCh chan error) {
	t.Helper()
	snd.l.session.rx <- &frames.PerformDisposition{
		Role:    encoding.RoleReceiver,
		First:   deliveryID,
		Settled: true,
		State:   state,
	}
	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("send did not complete after disposition")
	}
}
