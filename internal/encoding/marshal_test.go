package encoding

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

// roundTrip marshals want, decodes it back into a fresh zero value of the
// same type, and returns the decoded value for the caller to compare.
func roundTrip[T any](t *testing.T, want T) T {
	t.Helper()
	buf := buffer.New(nil)
	require.NoError(t, Marshal(buf, want))

	var got T
	require.NoError(t, Unmarshal(buf, &got))
	require.Zero(t, buf.Len(), "Unmarshal left %d unread bytes", buf.Len())
	return got
}

func TestMarshalUnmarshalRoundTrip(t *testing.T) {
	t.Run("bool", func(t *testing.T) {
		require.Equal(t, true, roundTrip(t, true))
		require.Equal(t, false, roundTrip(t, false))
	})
	t.Run("uint32", func(t *testing.T) {
		require.Equal(t, uint32(1<<20), roundTrip(t, uint32(1<<20)))
	})
	t.Run("uint64 small value uses compact form", func(t *testing.T) {
		require.Equal(t, uint64(3), roundTrip(t, uint64(3)))
	})
	t.Run("string", func(t *testing.T) {
		require.Equal(t, "hello amqp", roundTrip(t, "hello amqp"))
	})
	t.Run("Symbol", func(t *testing.T) {
		require.Equal(t, Symbol("amqp:accepted:list"), roundTrip(t, Symbol("amqp:accepted:list")))
	})
	t.Run("binary", func(t *testing.T) {
		want := []byte{1, 2, 3, 4, 5}
		got := roundTrip(t, want)
		if diff := cmp.Diff(want, got); diff != "" {
			t.Fatalf("binary round-trip (-want +got):\n%s", diff)
		}
	})
}

// TestMarshalEncodedSizeIsMinimalForSmallUints exercises the "most compact
// wire form" invariant Marshal documents: a uint that fits in a byte must
// not spend 5 bytes on it.
func TestMarshalEncodedSizeIsMinimalForSmallUints(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, Marshal(buf, uint32(0)))
	// codecUint0 (0x43) is a single type-code byte with no payload.
	require.Equal(t, 1, buf.Len())

	buf.Reset()
	require.NoError(t, Marshal(buf, uint32(200)))
	// smallUint form: type code + 1 payload byte.
	require.Equal(t, 2, buf.Len())
}

// TestMarshalIsDeterministic confirms marshaling the same value twice
// produces byte-identical output, a property downstream frame-size
// accounting and tests alike depend on.
func TestMarshalIsDeterministic(t *testing.T) {
	val := map[string]any{"k": uint32(7)}

	first := buffer.New(nil)
	require.NoError(t, Marshal(first, val))

	second := buffer.New(nil)
	require.NoError(t, Marshal(second, val))

	if diff := cmp.Diff(first.Detach(), second.Detach()); diff != "" {
		t.Fatalf("non-deterministic encoding (-first +second):\n%s", diff)
	}
}

func TestUnmarshalNotEnoughDataDoesNotPanic(t *testing.T) {
	buf := buffer.New([]byte{byte(TypeCodeUint)}) // type code with no payload bytes
	var v uint32
	err := Unmarshal(buf, &v)
	require.Error(t, err)
}

func TestMarshalCompositeRoundTrip(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, MarshalComposite(buf, TypeCodeApplicationData, []MarshalField{
		{Value: []byte("payload")},
	}))

	var got []byte
	require.NoError(t, UnmarshalComposite(buf, TypeCodeApplicationData, UnmarshalField{
		Field: &got,
	}))
	require.Equal(t, []byte("payload"), got)
}

func TestMarshalUnmarshalFixedWidthScalars(t *testing.T) {
	t.Run("char", func(t *testing.T) {
		require.Equal(t, Char('☃'), roundTrip(t, Char('☃')))
	})
	t.Run("decimal32", func(t *testing.T) {
		require.Equal(t, Decimal32{1, 2, 3, 4}, roundTrip(t, Decimal32{1, 2, 3, 4}))
	})
	t.Run("decimal64", func(t *testing.T) {
		require.Equal(t, Decimal64{1, 2, 3, 4, 5, 6, 7, 8}, roundTrip(t, Decimal64{1, 2, 3, 4, 5, 6, 7, 8}))
	})
	t.Run("decimal128", func(t *testing.T) {
		var want Decimal128
		for i := range want {
			want[i] = byte(i)
		}
		require.Equal(t, want, roundTrip(t, want))
	})
	t.Run("uuid", func(t *testing.T) {
		var want UUID
		for i := range want {
			want[i] = byte(0xf0 + i)
		}
		require.Equal(t, want, roundTrip(t, want))
	})
}

// TestMarshalListChoosesHeaderForm confirms a short list goes out in the
// compact list8 form and only widens to list32 when the body or count
// outgrows a single byte.
func TestMarshalListChoosesHeaderForm(t *testing.T) {
	buf := buffer.New(nil)
	require.NoError(t, Marshal(buf, []any{uint32(1), "two"}))
	require.Equal(t, byte(TypeCodeList8), buf.Bytes()[0])

	var got []any
	require.NoError(t, Unmarshal(buf, &got))
	require.Len(t, got, 2)

	buf.Reset()
	require.NoError(t, Marshal(buf, []any{strings.Repeat("x", 300)}))
	require.Equal(t, byte(TypeCodeList32), buf.Bytes()[0])
}
