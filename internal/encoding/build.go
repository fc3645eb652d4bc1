package encoding

import (
	"fmt"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

// CompoundBuilder assembles a list or map compound incrementally. Items
// already appended keep their encoded bytes verbatim; only the header is
// emitted when Bytes is called, choosing the small form when the body size
// and the count both fit in one byte at that moment. The header form is
// therefore canonical at call time only: appending more items may widen a
// compound that a previous Bytes call emitted in small form.
type CompoundBuilder struct {
	kind  AMQPType // TypeCodeList32 or TypeCodeMap32
	count int
	items *buffer.Buffer
	err   error
}

// NewListBuilder returns an empty list builder.
func NewListBuilder() *CompoundBuilder {
	return &CompoundBuilder{kind: TypeCodeList32, items: buffer.New(nil)}
}

// NewMapBuilder returns an empty map builder.
func NewMapBuilder() *CompoundBuilder {
	return &CompoundBuilder{kind: TypeCodeMap32, items: buffer.New(nil)}
}

// BuildCompound seeds a builder with an existing compound's already-encoded
// element bytes, so further appends extend it without re-encoding what is
// already there. Arrays are not supported: extending an array can require
// rewriting every element (see SymbolArrayBuilder for the symbol case).
func BuildCompound(c *Compound) (*CompoundBuilder, error) {
	var b *CompoundBuilder
	switch c.kind {
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		b = NewListBuilder()
	case TypeCodeMap8, TypeCodeMap32:
		b = NewMapBuilder()
	default:
		return nil, fmt.Errorf("amqp: cannot build onto compound type %#02x", byte(c.kind))
	}
	b.count = c.count
	b.items.Append(c.body.Bytes())
	return b, nil
}

// Append encodes v after the items already present. On a list builder each
// call adds one element; on a map builder use AppendPair instead so the
// key/value pairing stays intact. The first encode error sticks and makes
// all later calls no-ops.
func (b *CompoundBuilder) Append(v any) *CompoundBuilder {
	if b.err != nil {
		return b
	}
	if b.err = Marshal(b.items, v); b.err == nil {
		b.count++
	}
	return b
}

// AppendPair encodes a key/value entry after the items already present.
func (b *CompoundBuilder) AppendPair(k, v any) *CompoundBuilder {
	if b.err != nil {
		return b
	}
	if b.err = Marshal(b.items, k); b.err != nil {
		return b
	}
	if b.err = Marshal(b.items, v); b.err == nil {
		b.count += 2
	}
	return b
}

// Count returns the number of elements appended so far (for maps, keys and
// values count separately).
func (b *CompoundBuilder) Count() int {
	return b.count
}

// Err returns the first encode error encountered, if any.
func (b *CompoundBuilder) Err() error {
	return b.err
}

// Bytes emits the canonical wire encoding at the current totals: list0 for
// an empty list, the small header when body+count fit in single bytes, the
// large header otherwise, followed by the accumulated element bytes.
func (b *CompoundBuilder) Bytes() ([]byte, error) {
	if b.err != nil {
		return nil, b.err
	}
	body := b.items.Bytes()
	out := buffer.New(nil)

	if b.kind == TypeCodeList32 && b.count == 0 {
		out.WriteByte(byte(TypeCodeList0))
		return out.Detach(), nil
	}

	// The small size field covers the count byte plus the body.
	small := len(body)+1 <= 255 && b.count <= 255
	switch {
	case b.kind == TypeCodeList32 && small:
		out.WriteByte(byte(TypeCodeList8))
		out.WriteByte(byte(len(body) + 1))
		out.WriteByte(byte(b.count))
	case b.kind == TypeCodeList32:
		out.WriteByte(byte(TypeCodeList32))
		out.WriteUint32(uint32(len(body) + 4))
		out.WriteUint32(uint32(b.count))
	case small:
		out.WriteByte(byte(TypeCodeMap8))
		out.WriteByte(byte(len(body) + 1))
		out.WriteByte(byte(b.count))
	default:
		out.WriteByte(byte(TypeCodeMap32))
		out.WriteUint32(uint32(len(body) + 4))
		out.WriteUint32(uint32(b.count))
	}
	out.Append(body)
	return out.Detach(), nil
}

// Compound parses the builder's current bytes back into a lazy Compound.
func (b *CompoundBuilder) Compound() (*Compound, error) {
	raw, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return NewCompound(buffer.New(raw))
}
