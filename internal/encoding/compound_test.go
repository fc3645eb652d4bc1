package encoding

import (
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

func compoundOf(t *testing.T, v any) *Compound {
	t.Helper()
	buf := buffer.New(nil)
	require.NoError(t, Marshal(buf, v))
	c, err := NewCompound(buf)
	require.NoError(t, err)
	return c
}

func TestCompoundIteratorYieldsExactlyN(t *testing.T) {
	c := compoundOf(t, []any{uint32(1), "two", Symbol("three"), nil, true})
	require.Equal(t, 5, c.Count())

	it := c.Iterator()
	var got []any
	for it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		got = append(got, v)
	}
	require.NoError(t, it.Err())
	require.Len(t, got, 5)
	require.False(t, it.Next(), "iterator must terminate after the last element")
}

func TestCompoundIteratorArraySharedConstructor(t *testing.T) {
	c := compoundOf(t, []uint32{10, 20, 30})
	require.Equal(t, 3, c.Count())

	it := c.Iterator()
	var got []uint32
	for it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		got = append(got, v.(uint32))
	}
	require.Equal(t, []uint32{10, 20, 30}, got)
}

func TestCompoundIteratorIsRestartable(t *testing.T) {
	c := compoundOf(t, []any{"a", "b"})
	for pass := 0; pass < 2; pass++ {
		it := c.Iterator()
		n := 0
		for it.Next() {
			_, err := it.Value()
			require.NoError(t, err)
			n++
		}
		require.Equal(t, 2, n)
	}
}

func TestPropertiesIteratorSkipsNonStringKeys(t *testing.T) {
	b := NewMapBuilder().
		AppendPair("color", "red").
		AppendPair(Symbol("not-a-string"), uint32(1)).
		AppendPair("weight", uint32(42)).
		AppendPair(uint32(7), "int-keyed")
	c, err := b.Compound()
	require.NoError(t, err)

	got := map[string]any{}
	p := NewPropertiesIterator(c)
	for p.Next() {
		got[p.Key()] = p.Value()
	}
	require.NoError(t, p.Err())
	require.Equal(t, map[string]any{"color": "red", "weight": uint32(42)}, got)
}

func TestFieldsIteratorSkipsNonSymbolKeys(t *testing.T) {
	b := NewMapBuilder().
		AppendPair(Symbol("x-opt-a"), "one").
		AppendPair("string-keyed", uint32(1)).
		AppendPair(Symbol("x-opt-b"), uint64(2))
	c, err := b.Compound()
	require.NoError(t, err)

	got := map[Symbol]any{}
	f := NewFieldsIterator(c)
	for f.Next() {
		got[f.Key()] = f.Value()
	}
	require.NoError(t, f.Err())
	require.Equal(t, map[Symbol]any{"x-opt-a": "one", "x-opt-b": uint64(2)}, got)
}

func TestListBuilderMatchesAtomicEncoding(t *testing.T) {
	items := []any{uint32(5), "hello", Symbol("sym")}

	b := NewListBuilder()
	for _, v := range items {
		b.Append(v)
	}
	raw, err := b.Bytes()
	require.NoError(t, err)

	built, err := Decode(buffer.New(raw))
	require.NoError(t, err)

	atomic := buffer.New(nil)
	require.NoError(t, Marshal(atomic, items))
	want, err := Decode(atomic)
	require.NoError(t, err)

	if diff := cmp.Diff(want, built); diff != "" {
		t.Fatalf("incremental vs atomic list (-atomic +built):\n%s", diff)
	}
}

func TestListBuilderEmptyEmitsList0(t *testing.T) {
	raw, err := NewListBuilder().Bytes()
	require.NoError(t, err)
	require.Equal(t, []byte{byte(TypeCodeList0)}, raw)
}

func TestListBuilderWidensHeaderOnGrowth(t *testing.T) {
	b := NewListBuilder().Append("first")

	raw, err := b.Bytes()
	require.NoError(t, err)
	require.Equal(t, byte(TypeCodeList8), raw[0])

	// Push the body past 255 bytes; a later Bytes call must re-emit the
	// header in large form with the same element bytes intact.
	b.Append(strings.Repeat("x", 300))
	raw, err = b.Bytes()
	require.NoError(t, err)
	require.Equal(t, byte(TypeCodeList32), raw[0])

	c, err := NewCompound(buffer.New(raw))
	require.NoError(t, err)
	require.Equal(t, 2, c.Count())

	it := c.Iterator()
	require.True(t, it.Next())
	v, err := it.Value()
	require.NoError(t, err)
	require.Equal(t, "first", v)
}

func TestBuildCompoundExtendsExistingItems(t *testing.T) {
	c := compoundOf(t, []any{"a", "b"})

	b, err := BuildCompound(c)
	require.NoError(t, err)
	b.Append("c")

	out, err := b.Compound()
	require.NoError(t, err)
	require.Equal(t, 3, out.Count())

	it := out.Iterator()
	var got []string
	for it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		got = append(got, v.(string))
	}
	require.Equal(t, []string{"a", "b", "c"}, got)
}

func TestBuildCompoundRejectsArrays(t *testing.T) {
	c := compoundOf(t, []uint32{1, 2})
	_, err := BuildCompound(c)
	require.Error(t, err)
}

func symbolsOf(t *testing.T, b *SymbolArrayBuilder) []Symbol {
	t.Helper()
	buf := buffer.New(nil)
	require.NoError(t, b.Marshal(buf))
	c, err := NewCompound(buf)
	require.NoError(t, err)

	var out []Symbol
	it := c.Iterator()
	for it.Next() {
		v, err := it.Value()
		require.NoError(t, err)
		out = append(out, v.(Symbol))
	}
	require.NoError(t, it.Err())
	return out
}

func TestSymbolArrayBuilderSmallFormTruncatesLongAppend(t *testing.T) {
	b := NewSymbolArrayBuilder()
	require.False(t, b.Append(Symbol("one")))
	require.False(t, b.Append(Symbol("two")))

	long := Symbol(strings.Repeat("s", 300))
	require.True(t, b.Append(long), "append past 255 bytes must report truncation")

	got := symbolsOf(t, b)
	require.Len(t, got, 3)
	require.Equal(t, Symbol("one"), got[0])
	require.Equal(t, Symbol("two"), got[1])
	require.Len(t, got[2], 255)
	require.Equal(t, long[:255], got[2])
}

func TestSymbolArrayBuilderBuildNPreservesLongSymbols(t *testing.T) {
	long := Symbol(strings.Repeat("s", 300))
	b := NewSymbolArrayBuilder()
	b.BuildN([]Symbol{"one", long})

	got := symbolsOf(t, b)
	require.Len(t, got, 2)
	require.Equal(t, Symbol("one"), got[0])
	require.Len(t, got[1], 300)
	require.Equal(t, long, got[1])
}
