package bufferlist

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAppendPopIsFIFO(t *testing.T) {
	l := NewList()
	for i := 0; i < 5; i++ {
		l.Append(Entry{Buffer: []byte{byte(i)}})
	}
	require.Equal(t, 5, l.Len())

	for i := 0; i < 5; i++ {
		e, ok := l.Pop()
		require.True(t, ok)
		require.Equal(t, byte(i), e.Buffer[0])
	}
	require.True(t, l.Empty())
	_, ok := l.Pop()
	require.False(t, ok)
}

func TestAppendSpillsPastInlineCapacity(t *testing.T) {
	l := NewList()
	const n = inlineCapacity + 10
	for i := 0; i < n; i++ {
		l.Append(Entry{Buffer: []byte{byte(i)}})
	}
	require.Equal(t, n, l.Len())

	for i := 0; i < n; i++ {
		e, ok := l.Pop()
		require.True(t, ok, "entry %d", i)
		require.Equal(t, byte(i), e.Buffer[0], "entry %d out of order", i)
	}
	require.True(t, l.Empty())
}

func TestWrapAroundKeepsOrder(t *testing.T) {
	l := NewList()
	// Interleave appends and pops so head and tail wrap the inline ring.
	next, want := 0, 0
	for round := 0; round < 4; round++ {
		for i := 0; i < 10; i++ {
			l.Append(Entry{Buffer: []byte{byte(next)}})
			next++
		}
		for i := 0; i < 10; i++ {
			e, ok := l.Pop()
			require.True(t, ok)
			require.Equal(t, byte(want), e.Buffer[0])
			want++
		}
	}
	require.True(t, l.Empty())
}

func TestByteTotalAccountsForOffsets(t *testing.T) {
	l := NewList()
	l.Append(Entry{Buffer: make([]byte, 100)})
	l.Append(Entry{Buffer: make([]byte, 50), Offset: 20})
	require.Equal(t, uint32(130), l.ByteTotal())

	// Partial consumption through PeekPtr adjusts the total in place.
	e := l.PeekPtr()
	require.NotNil(t, e)
	e.Offset += 40
	require.Equal(t, uint32(90), l.ByteTotal())
}

func TestClearRetainsSpillForReuse(t *testing.T) {
	l := NewList()
	for i := 0; i < inlineCapacity+5; i++ {
		l.Append(Entry{Buffer: []byte{1}})
	}
	l.Clear()
	require.True(t, l.Empty())
	require.Equal(t, 0, l.Len())

	l.Append(Entry{Buffer: []byte{2}})
	e, ok := l.Peek()
	require.True(t, ok)
	require.Equal(t, byte(2), e.Buffer[0])
}
