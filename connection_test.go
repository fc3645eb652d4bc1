package amqp

import (
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/mocks"
)

// newTestConn drives a Conn through a handshake against a mock net.Conn and
// returns it along with a channel of every post-handshake frame the mock
// observed (the proto header and Open exchange are consumed here so tests
// only see what mux sends afterward).
func newTestConn(t *testing.T, opts *ConnOptions) (*Conn, chan frames.FrameBody) {
	t.Helper()

	rx := make(chan frames.FrameBody, 10)
	var gotContainerID string
	netConn := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch body := req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(frames.ProtoAMQP)
		case *frames.PerformOpen:
			gotContainerID = body.ContainerID
			return mocks.PerformOpen("test-peer")
		default:
			rx <- req
			return nil, nil
		}
	})

	c, err := New(netConn, opts)
	require.NoError(t, err)

	if diff := cmp.Diff(opts.ContainerID, gotContainerID); diff != "" {
		t.Fatalf("container id sent in Open (-want +got):\n%s", diff)
	}

	return c, rx
}

func TestNewNegotiatesContainerID(t *testing.T) {
	defer leaktest.Check(t)()

	c, _ := newTestConn(t, &ConnOptions{ContainerID: "test-container"})
	defer c.Close()
}

func TestMuxSendsHeartbeatOnKeepaliveFire(t *testing.T) {
	defer leaktest.Check(t)()

	c, rx := newTestConn(t, &ConnOptions{ContainerID: "test-container"})
	defer c.Close()

	c.fireKeepalive()

	select {
	case fr := <-rx:
		if _, ok := fr.(*mocks.KeepAlive); !ok {
			t.Fatalf("got %T, want a heartbeat frame", fr)
		}
	case <-time.After(time.Second):
		t.Fatal("mux did not send a heartbeat after fireKeepalive")
	}
}

func TestMuxClosesOnDeadRemoteFire(t *testing.T) {
	defer leaktest.Check(t)()

	c, rx := newTestConn(t, &ConnOptions{ContainerID: "test-container"})
	defer c.Close()

	c.fireDeadRemote()

	select {
	case <-c.done:
	case <-time.After(time.Second):
		t.Fatal("mux did not shut down after fireDeadRemote")
	}
	require.Error(t, c.doneErr)

	// the outbound Close must carry the idle-timeout condition.
	select {
	case fr := <-rx:
		pc, ok := fr.(*frames.PerformClose)
		require.True(t, ok, "expected a Close performative, got %T", fr)
		require.NotNil(t, pc.Error)
		require.Equal(t, ErrCondResourceLimitExceeded, pc.Error.Condition)
	case <-time.After(time.Second):
		t.Fatal("no Close performative observed after idle timeout")
	}
}

// TestMuxCapturesRemoteCloseError confirms a peer Close carrying an error
// condition surfaces through Close as a ConnectionError wrapping it,
// mirroring how a session surfaces a peer End's error.
func TestMuxCapturesRemoteCloseError(t *testing.T) {
	defer leaktest.Check(t)()

	c, _ := newTestConn(t, &ConnOptions{ContainerID: "test-container"})

	remoteErr := &Error{Condition: ErrCondConnectionForced, Description: "shutting down"}
	c.rxFrame <- &frames.Frame{Type: frames.TypeAMQP, Channel: 0, Body: &frames.PerformClose{Error: remoteErr}}

	err := c.Close()
	var connErr *ConnectionError
	require.ErrorAs(t, err, &connErr)
	require.Equal(t, remoteErr, connErr.RemoteErr)
}

func TestMuxTreatsHeartbeatAsLiveness(t *testing.T) {
	defer leaktest.Check(t)()

	c, _ := newTestConn(t, &ConnOptions{ContainerID: "test-container"})
	defer c.Close()

	// a heartbeat handed to mux only resets the dead-remote timer; it is
	// not passed on to muxHandleFrame and must leave the connection running.
	c.rxFrame <- &frames.Frame{Type: frames.TypeAMQP, Channel: 0, Body: nil}

	select {
	case <-c.done:
		t.Fatal("connection shut down after a heartbeat frame")
	case <-time.After(100 * time.Millisecond):
	}
}
