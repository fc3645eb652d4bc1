package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/mocks"
)

// newTestReceiver attaches a Receiver on a fresh mock session. extra answers
// any frame beyond the handshake/Begin/Attach the helper already handles.
func newTestReceiver(t *testing.T, opts *ReceiverOptions, extra func(frames.FrameBody) ([]byte, error)) (*Receiver, chan frames.FrameBody) {
	t.Helper()

	const linkName = "test-receiver-link"
	s, rx := newTestSession(t, func(fr frames.FrameBody) ([]byte, error) {
		if _, ok := fr.(*frames.PerformAttach); ok {
			mode := encoding.ModeFirst
			if opts != nil && opts.SettlementMode != nil {
				mode = *opts.SettlementMode
			}
			return mocks.ReceiverAttach(linkName, 0, mode)
		}
		if extra != nil {
			return extra(fr)
		}
		return nil, nil
	})

	if opts == nil {
		opts = &ReceiverOptions{}
	}
	if opts.Name == "" {
		opts.Name = linkName
	}

	r, err := s.NewReceiver(context.Background(), "test-source", opts)
	require.NoError(t, err)
	return r, rx
}

// waitForOutgoingFlow drains rx until it sees a Flow frame, returning it.
func waitForOutgoingFlow(t *testing.T, rx chan frames.FrameBody) *frames.PerformFlow {
	t.Helper()
	for {
		select {
		case fr := <-rx:
			if fl, ok := fr.(*frames.PerformFlow); ok {
				return fl
			}
		case <-time.After(time.Second):
			t.Fatal("no flow frame observed")
		}
	}
}

func TestReceiverModeFirstAutoSettlesAndRenewsCredit(t *testing.T) {
	defer leaktest.Check(t)()

	modeFirst := ReceiverSettleModeFirst
	r, rx := newTestReceiver(t, &ReceiverOptions{Credit: 1, SettlementMode: &modeFirst}, nil)
	defer r.Close(context.Background())

	waitForOutgoingFlow(t, rx) // the implicit initial credit grant

	deliveryID := uint32(1)
	r.l.rx <- transferFrame(0, deliveryID, []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	msg, err := r.Receive(ctx)
	cancel()
	require.NoError(t, err)
	require.Equal(t, 0, r.countUnsettled())

	// ReceiverSettleModeFirst settles on receipt; a later AcceptMessage on
	// the same message is a no-op (the delivery is no longer tracked).
	require.NoError(t, r.AcceptMessage(context.Background(), msg))
}

func TestReceiverModeSecondTracksUnsettledUntilAccepted(t *testing.T) {
	defer leaktest.Check(t)()

	modeSecond := ReceiverSettleModeSecond
	r, rx := newTestReceiver(t, &ReceiverOptions{Credit: 1, SettlementMode: &modeSecond}, nil)
	defer r.Close(context.Background())

	waitForOutgoingFlow(t, rx)

	deliveryID := uint32(1)
	r.l.rx <- transferFrame(0, deliveryID, []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	msg, err := r.Receive(ctx)
	cancel()
	require.NoError(t, err)
	require.Equal(t, 1, r.countUnsettled())

	require.NoError(t, r.AcceptMessage(context.Background(), msg))
	require.Equal(t, 0, r.countUnsettled())

	// a second accept on the same (already-settled) message is a no-op,
	// not a resend of the disposition.
	require.NoError(t, r.AcceptMessage(context.Background(), msg))
}

func TestReceiverManualCreditsDoesNotAutoRenew(t *testing.T) {
	defer leaktest.Check(t)()

	r, rx := newTestReceiver(t, &ReceiverOptions{ManualCredits: true}, nil)
	defer r.Close(context.Background())

	// no implicit credit grant: issue it ourselves.
	require.NoError(t, r.IssueCredit(1))
	fl := waitForOutgoingFlow(t, rx)
	require.EqualValues(t, 1, *fl.LinkCredit)

	r.l.rx <- transferFrame(0, 1, []byte("hello"))

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	_, err := r.Receive(ctx)
	cancel()
	require.NoError(t, err)

	// credit is exhausted and manual mode means mux must not grant more on
	// its own; a later flow frame only shows up once we ask for it. The
	// settled disposition mode "first" sends on receipt may still arrive.
	timeout := time.After(100 * time.Millisecond)
	for waiting := true; waiting; {
		select {
		case fr := <-rx:
			if _, ok := fr.(*frames.PerformFlow); ok {
				t.Fatalf("unexpected flow sent with manual credits: %#v", fr)
			}
		case <-timeout:
			waiting = false
		}
	}

	require.NoError(t, r.IssueCredit(1))
	waitForOutgoingFlow(t, rx)
}

// transferFrame builds a single-fragment Transfer carrying payload as one
// Data section, the same encoding mocks.PerformTransfer uses on the wire.
func transferFrame(handle, deliveryID uint32, payload []byte) *frames.PerformTransfer {
	format := uint32(0)
	buf := buffer.New(nil)
	if err := encoding.MarshalComposite(buf, encoding.TypeCodeApplicationData, []encoding.MarshalField{
		{Value: payload},
	}); err != nil {
		panic(err)
	}
	return &frames.PerformTransfer{
		Handle:        handle,
		DeliveryID:    &deliveryID,
		DeliveryTag:   []byte("tag"),
		MessageFormat: &format,
		Payload:       buf.Detach(),
	}
}
