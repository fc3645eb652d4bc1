package amqp

import (
	"context"
	"testing"
	"time"

	"github.com/fortytw2/leaktest"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
	"github.com/qpid-go/amqpcore/internal/mocks"
)

// newTestSession drives a Conn through the handshake and a Begin exchange
// against a mock net.Conn, the same way newTestConn does for connection-level
// tests. extra handles any frame beyond the protocol header, Open and Begin;
// returning a nil slice and nil error queues the frame on the returned
// channel instead of answering it.
func newTestSession(t *testing.T, extra func(frames.FrameBody) ([]byte, error)) (*Session, chan frames.FrameBody) {
	t.Helper()

	rx := make(chan frames.FrameBody, 10)
	netConn := mocks.NewConnection(func(req frames.FrameBody) ([]byte, error) {
		switch req.(type) {
		case *mocks.AMQPProto:
			return mocks.ProtoHeader(frames.ProtoAMQP)
		case *frames.PerformOpen:
			return mocks.PerformOpen("test-peer")
		case *frames.PerformBegin:
			return mocks.PerformBegin(0)
		default:
			if extra != nil {
				resp, err := extra(req)
				if resp != nil || err != nil {
					return resp, err
				}
			}
			rx <- req
			// ack closing detaches the way a live peer would, so link
			// teardown paths never wait forever on a silent mock.
			if d, ok := req.(*frames.PerformDetach); ok && d.Closed {
				return mocks.PerformDetach(d.Handle, nil)
			}
			return nil, nil
		}
	})

	c, err := New(netConn, &ConnOptions{ContainerID: "test-container"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	s, err := c.NewSession(context.Background(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close(context.Background()) })

	return s, rx
}

func TestNewSendingLinkValidatesOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    SenderOptions
		wantErr bool
	}{
		{
			name: "valid",
			opts: SenderOptions{Name: "test-sender", Durability: DurabilityUnsettledState},
		},
		{
			name:    "invalid durability",
			opts:    SenderOptions{Durability: Durability(42)},
			wantErr: true,
		},
		{
			name:    "empty property key",
			opts:    SenderOptions{Properties: map[string]any{"": "val"}},
			wantErr: true,
		},
		{
			name:    "invalid requested receiver settle mode",
			opts:    SenderOptions{RequestedReceiverSettleMode: settleModePtr(ReceiverSettleMode(42))},
			wantErr: true,
		},
		{
			name:    "invalid settlement mode",
			opts:    SenderOptions{SettlementMode: senderSettleModePtr(SenderSettleMode(42))},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s, err := newSender("test-target", nil, &tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.opts.Name != "" {
				require.Equal(t, tt.opts.Name, s.l.key.name)
			}
			require.Equal(t, tt.opts.Durability, s.l.source.Durable)
		})
	}
}

func TestNewReceivingLinkValidatesOptions(t *testing.T) {
	tests := []struct {
		name    string
		opts    ReceiverOptions
		wantErr bool
	}{
		{
			name: "valid",
			opts: ReceiverOptions{Name: "test-receiver", Credit: 100},
		},
		{
			name:    "invalid durability",
			opts:    ReceiverOptions{Durability: Durability(42)},
			wantErr: true,
		},
		{
			name:    "empty property key",
			opts:    ReceiverOptions{Properties: map[string]any{"": "val"}},
			wantErr: true,
		},
		{
			name:    "invalid requested sender settle mode",
			opts:    ReceiverOptions{RequestedSenderSettleMode: senderSettleModePtr(SenderSettleMode(42))},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := newReceiver("test-source", nil, &tt.opts)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			if tt.opts.Name != "" {
				require.Equal(t, tt.opts.Name, r.l.key.name)
			}
			if tt.opts.Credit > 0 {
				require.Equal(t, tt.opts.Credit, r.defaultCredit)
			}
		})
	}
}

func settleModePtr(m ReceiverSettleMode) *ReceiverSettleMode   { return &m }
func senderSettleModePtr(m SenderSettleMode) *SenderSettleMode { return &m }

// TestLinkWaitForFrameUsesPreMuxQueue exercises the rxQ path documented on
// link: a frame parked on it via the Holder must reach waitForFrame even
// while the fast l.rx channel has nothing to deliver.
func TestLinkWaitForFrameUsesPreMuxQueue(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())

	l := newLink(s, encoding.RoleReceiver)
	require.NotNil(t, l.rxQ)
	require.NotNil(t, l.clk)

	l.rx = make(chan frames.FrameBody) // unbuffered and unserviced: forces the queue path

	want := &frames.PerformFlow{}
	q := l.rxQ.Acquire()
	q.Enqueue(want)
	l.rxQ.Release(q)

	got, err := l.waitForFrame(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frame from rxQ (-want +got):\n%s", diff)
	}
}

// TestLinkWaitForFrameUsesFastPath confirms a frame sent directly on rx
// (the path used once a link's mux is running) is returned without ever
// touching rxQ.
func TestLinkWaitForFrameUsesFastPath(t *testing.T) {
	defer leaktest.Check(t)()

	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())

	l := newLink(s, encoding.RoleSender)
	l.rx = make(chan frames.FrameBody, 1)

	want := &frames.PerformFlow{}
	l.rx <- want

	got, err := l.waitForFrame(context.Background())
	require.NoError(t, err)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("frame from rx (-want +got):\n%s", diff)
	}
	require.Zero(t, l.rxQ.Acquire().Len())
}

// TestLinkMuxHandleFrameDetach confirms a peer-initiated closing detach
// surfaces as a DetachError when it carries a remote error, and as a bare
// LinkError (no RemoteErr) when it doesn't -- the peer's answer to our own
// detach never reaches this path since muxClose consumes it itself.
func TestLinkMuxHandleFrameDetach(t *testing.T) {
	s, _ := newTestSession(t, nil)
	defer s.Close(context.Background())

	t.Run("with remote error", func(t *testing.T) {
		l := newLink(s, encoding.RoleSender)
		remoteErr := &Error{Condition: "amqp:link:detach-forced"}
		err := l.muxHandleFrame(&frames.PerformDetach{Closed: true, Error: remoteErr})
		var detachErr *DetachError
		require.ErrorAs(t, err, &detachErr)
		require.Equal(t, remoteErr, detachErr.RemoteError)
		require.True(t, l.detachReceived)
	})

	t.Run("without remote error", func(t *testing.T) {
		l := newLink(s, encoding.RoleSender)
		err := l.muxHandleFrame(&frames.PerformDetach{Closed: true})
		var linkErr *LinkError
		require.ErrorAs(t, err, &linkErr)
		require.Nil(t, linkErr.RemoteErr)
	})

	t.Run("non-closing detach unsupported", func(t *testing.T) {
		l := newLink(s, encoding.RoleSender)
		err := l.muxHandleFrame(&frames.PerformDetach{Closed: false})
		var linkErr *LinkError
		require.ErrorAs(t, err, &linkErr)
		require.False(t, l.detachReceived)
	})
}

// TestNewSenderAttachesWithOptions round-trips a Sender through attach
// against a mock peer and confirms the handle/settle-mode negotiation lands
// in the link's transport state, routed through the session's real tx
// channel rather than a stand-in.
func TestNewSenderAttachesWithOptions(t *testing.T) {
	defer leaktest.Check(t)()

	const linkName = "test-sender-link"
	s, rx := newTestSession(t, func(fr frames.FrameBody) ([]byte, error) {
		if _, ok := fr.(*frames.PerformAttach); ok {
			return mocks.SenderAttach(linkName, 0, encoding.ModeUnsettled)
		}
		return nil, nil
	})
	defer s.Close(context.Background())

	snd, err := s.NewSender(context.Background(), "test-target", &SenderOptions{Name: linkName})
	require.NoError(t, err)
	require.Equal(t, linkName, snd.LinkName())
	require.NotNil(t, snd.l.clk)

	go func() {
		_ = snd.Close(context.Background())
	}()
	select {
	case fr := <-rx:
		_, ok := fr.(*frames.PerformDetach)
		require.True(t, ok)
	case <-time.After(time.Second):
		t.Fatal("Close did not send a detach")
	}
}
