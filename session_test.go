package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
)

func TestSessionBeginNegotiatesSmallerPeerHandleMax(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, nil)
	require.EqualValues(t, 0, s.channel)
	// newTestSession's mocks.PerformBegin response sets HandleMax to 32767
	// (math.MaxInt16), smaller than our default 4294967295 ask, so it wins.
	require.EqualValues(t, 32767, s.handleMax)
}

// TestSessionAllocateHandleReusesFreedHandles confirms a handle freed by
// deallocateHandle is the next one handed out, the same free-list shape
// Conn uses one layer up for channels.
func TestSessionAllocateHandleReusesFreedHandles(t *testing.T) {
	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())

	l1 := newLink(s, encoding.RoleSender)
	require.NoError(t, s.allocateHandle(l1))
	require.EqualValues(t, 0, l1.handle)

	l2 := newLink(s, encoding.RoleSender)
	require.NoError(t, s.allocateHandle(l2))
	require.EqualValues(t, 1, l2.handle)

	s.deallocateHandle(l1)

	l3 := newLink(s, encoding.RoleSender)
	require.NoError(t, s.allocateHandle(l3))
	require.EqualValues(t, 0, l3.handle)
}

func TestSessionAllocateHandleRejectsOverHandleMax(t *testing.T) {
	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())
	s.handleMax = 0

	l1 := newLink(s, encoding.RoleSender)
	require.NoError(t, s.allocateHandle(l1))

	l2 := newLink(s, encoding.RoleSender)
	require.Error(t, s.allocateHandle(l2))
}

// TestSessionMuxAssignDeliveryIDRegistersWithDeliveryPool exercises the
// handoff from a transfer's sentinel delivery-id, through the session mux's
// substitution, into the deliveryPool a later Disposition resolves.
func TestSessionMuxAssignDeliveryIDRegistersWithDeliveryPool(t *testing.T) {
	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())

	l := newLink(s, encoding.RoleSender)
	require.NoError(t, s.allocateHandle(l))

	done := make(chan encoding.DeliveryState, 1)
	tr := &frames.PerformTransfer{Handle: l.handle, DeliveryID: &needsDeliveryID, Done: done}
	s.muxAssignDeliveryID(tr)

	require.NotEqual(t, &needsDeliveryID, tr.DeliveryID)
	assignedID := *tr.DeliveryID

	links := s.deliveries.resolve(assignedID, assignedID, &encoding.StateAccepted{})
	require.Equal(t, []*link{l}, links)

	select {
	case state := <-done:
		_, ok := state.(*encoding.StateAccepted)
		require.True(t, ok)
	default:
		t.Fatal("resolve did not deliver a state to done")
	}
}

// TestSessionMuxRoutesDispositionToOwningLink confirms a live session mux
// forwards a resolved disposition on to the link that owns the delivery, in
// addition to settling the Send-side done channel through the pool.
func TestSessionMuxRoutesDispositionToOwningLink(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())

	l := newLink(s, encoding.RoleSender)
	require.NoError(t, s.allocateHandle(l))
	l.rx = make(chan frames.FrameBody, 1)

	done := make(chan encoding.DeliveryState, 1)
	deliveryID := uint32(5)
	s.deliveries.add(deliveryID, l, done)

	s.rx <- &frames.PerformDisposition{
		Role: encoding.RoleReceiver, First: deliveryID, Settled: true,
		State: &encoding.StateAccepted{},
	}

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disposition did not settle the pooled delivery")
	}

	select {
	case fr := <-l.rx:
		_, ok := fr.(*frames.PerformDisposition)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("disposition was not also forwarded to the owning link")
	}
}

// TestSessionMuxEndWithRemoteErrorPropagates confirms a peer-sent End with
// an Error surfaces through Close as a SessionError carrying it.
func TestSessionMuxEndWithRemoteErrorPropagates(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, nil)

	remoteErr := &Error{Condition: "amqp:session:window-violation"}
	s.rx <- &frames.PerformEnd{Error: remoteErr}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err := s.Close(ctx)

	var sessErr *SessionError
	require.ErrorAs(t, err, &sessErr)
	require.Equal(t, remoteErr, sessErr.RemoteErr)
}

// TestSessionCloseWithoutRemoteErrorIsNil confirms a clean, caller-initiated
// Close returns nil.
func TestSessionCloseWithoutRemoteErrorIsNil(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, nil)
	require.NoError(t, s.Close(context.Background()))
}
