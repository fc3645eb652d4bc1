package frames

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

func TestHeaderRoundTrip(t *testing.T) {
	buf := buffer.New(nil)
	WriteHeader(buf, 123, TypeAMQP, 7)

	size, doff, ftype, channel, err := ReadHeader(buf.Bytes())
	require.NoError(t, err)
	require.EqualValues(t, 123, size)
	require.EqualValues(t, 2, doff)
	require.Equal(t, TypeAMQP, ftype)
	require.EqualValues(t, 7, channel)
}

func TestReadHeaderRejectsShortBuffer(t *testing.T) {
	_, _, _, _, err := ReadHeader([]byte{0, 0, 0, 8, 2, 0})
	require.Error(t, err)
}

func TestReadHeaderRejectsBadDataOffset(t *testing.T) {
	_, _, _, _, err := ReadHeader([]byte{0, 0, 0, 8, 1, 0, 0, 0})
	require.Error(t, err)
}

func TestReadHeaderRejectsSizeSmallerThanHeader(t *testing.T) {
	_, _, _, _, err := ReadHeader([]byte{0, 0, 0, 4, 2, 0, 0, 0})
	require.Error(t, err)
}

// TestEncodeReadFromRoundTrip confirms a performative encoded via Encode
// decodes back to an equivalent value via ReadFrom, exercising the frame
// size patch-up (sizeIdx recorded before the body length is known).
func TestEncodeReadFromRoundTrip(t *testing.T) {
	want := &PerformOpen{
		ContainerID:  "test-container",
		Hostname:     "test-host",
		MaxFrameSize: 65536,
		ChannelMax:   10,
		IdleTimeout:  30 * time.Second,
	}

	buf := buffer.New(nil)
	require.NoError(t, Encode(buf, TypeAMQP, 0, want))

	frame, err := ReadFrom(buf.Bytes())
	require.NoError(t, err)
	require.Equal(t, TypeAMQP, frame.Type)
	require.EqualValues(t, 0, frame.Channel)

	got, ok := frame.Body.(*PerformOpen)
	require.True(t, ok)
	if diff := cmp.Diff(want, got); diff != "" {
		t.Fatalf("Open round-trip (-want +got):\n%s", diff)
	}
}

// TestReadFromHeartbeatHasNilBody confirms an empty frame (the AMQP
// keep-alive) decodes with a nil Body rather than erroring.
func TestReadFromHeartbeatHasNilBody(t *testing.T) {
	buf := buffer.New(nil)
	WriteHeader(buf, HeaderSize, TypeAMQP, 0)

	frame, err := ReadFrom(buf.Bytes())
	require.NoError(t, err)
	require.Nil(t, frame.Body)
}

func TestReadFromRejectsTruncatedFrame(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, Encode(buf, TypeAMQP, 0, &PerformOpen{ContainerID: "c"}))

	_, err := ReadFrom(buf.Bytes()[:buf.Size()-1])
	require.Error(t, err)
}

func TestParseBodyRejectsUnknownDescriptor(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, (&PerformBegin{
		NextOutgoingID: 1, IncomingWindow: 2, OutgoingWindow: 3,
	}).Marshal(buf))
	// the descriptor is `0x0 smallulong <code>`: corrupt the code byte so it
	// matches no registered allocator.
	b := buf.Bytes()
	b[2] = 0xff

	_, err := ParseBody(buffer.New(b))
	require.Error(t, err)
}

func TestProtoHeaderEncodesIDAndVersion(t *testing.T) {
	require.Equal(t, []byte{'A', 'M', 'Q', 'P', 0, 1, 0, 0}, ProtoHeader(ProtoAMQP))
	require.Equal(t, []byte{'A', 'M', 'Q', 'P', 3, 1, 0, 0}, ProtoHeader(ProtoSASL))
}
