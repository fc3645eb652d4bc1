package encoding

import (
	"fmt"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

// Compound is a lazily-decoded list, map, or array: constructing it parses
// only the compound's header (size/count, and for arrays the element type
// code), leaving the element bytes untouched until Iterator walks them.
// This avoids materializing large frame bodies (e.g. a transfer's
// application-properties map) when a caller only needs a few fields.
type Compound struct {
	kind     AMQPType // TypeCodeList*, TypeCodeMap*, or TypeCodeArray*
	count    int      // number of logical elements
	elemCode AMQPType // array-only: the shared element type code
	body     *buffer.Buffer
}

// NewCompound reads the header of the next list, map, or array value from r
// and returns a Compound scoped to its element bytes. r's cursor is left
// positioned immediately after the entire compound value (the body is a
// separate cursor over the same underlying bytes; nothing is copied).
func NewCompound(r *buffer.Buffer) (*Compound, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	r.Skip(1)

	switch t {
	case TypeCodeList0:
		return &Compound{kind: t, body: buffer.New(nil)}, nil

	case TypeCodeList8, TypeCodeMap8:
		size, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		count, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		body, ok := r.Next(int64(size) - 1)
		if !ok {
			return nil, ErrNotEnoughData
		}
		return &Compound{kind: t, count: int(count), body: buffer.New(body)}, nil

	case TypeCodeList32, TypeCodeMap32:
		size, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		count, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		body, ok := r.Next(int64(size) - 4)
		if !ok {
			return nil, ErrNotEnoughData
		}
		return &Compound{kind: t, count: int(count), body: buffer.New(body)}, nil

	case TypeCodeArray8:
		size, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		count, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		elemCode, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		body, ok := r.Next(int64(size) - 2)
		if !ok {
			return nil, ErrNotEnoughData
		}
		return &Compound{kind: t, count: int(count), elemCode: AMQPType(elemCode), body: buffer.New(body)}, nil

	case TypeCodeArray32:
		size, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		count, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		elemCode, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		body, ok := r.Next(int64(size) - 5)
		if !ok {
			return nil, ErrNotEnoughData
		}
		return &Compound{kind: t, count: int(count), elemCode: AMQPType(elemCode), body: buffer.New(body)}, nil

	default:
		return nil, fmt.Errorf("amqp: invalid type code %#02x for compound", byte(t))
	}
}

// Count returns the number of logical elements (list/array items, or
// map key+value entries) the compound declares.
func (c *Compound) Count() int {
	return c.count
}

// Iterator returns a fresh, single-pass iterator over the compound's
// elements. Multiple independent iterators may be obtained from the same
// Compound; each starts at the first element.
func (c *Compound) Iterator() *CompoundIterator {
	return &CompoundIterator{
		c:    c,
		body: buffer.New(c.body.Bytes()),
	}
}

// CompoundIterator walks a Compound's elements lazily, decoding one at a
// time directly from the wire bytes.
type CompoundIterator struct {
	c    *Compound
	body *buffer.Buffer
	idx  int
	err  error
}

// Next advances the iterator and reports whether another element is
// available. It must be called before each Value.
func (it *CompoundIterator) Next() bool {
	if it.err != nil || it.idx >= it.c.count {
		return false
	}
	it.idx++
	return true
}

// Err returns the first error encountered by Value, if any.
func (it *CompoundIterator) Err() error {
	return it.err
}

// Value decodes and returns the current element.
func (it *CompoundIterator) Value() (any, error) {
	var v any
	var err error
	switch it.c.kind {
	case TypeCodeArray8, TypeCodeArray32:
		v, err = decodeArrayElement(it.body, it.c.elemCode)
	default:
		v, err = Decode(it.body)
	}
	if err != nil {
		it.err = err
		return nil, err
	}
	return v, nil
}

// decodeArrayElement decodes a single array element whose type code is
// shared across the whole array (so the element itself carries no
// constructor byte on the wire).
func decodeArrayElement(r *buffer.Buffer, code AMQPType) (any, error) {
	switch code {
	case TypeCodeNull:
		return nil, nil
	case TypeCodeBool:
		b, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return b != 0, nil
	case TypeCodeUbyte:
		b, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return b, nil
	case TypeCodeByte:
		b, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return int8(b), nil
	case TypeCodeUshort:
		v, ok := r.ReadUint16()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return v, nil
	case TypeCodeShort:
		v, ok := r.ReadUint16()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return int16(v), nil
	case TypeCodeUint:
		v, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return v, nil
	case TypeCodeInt:
		v, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return int32(v), nil
	case TypeCodeFloat:
		v, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return float32FromBits(v), nil
	case TypeCodeUlong:
		v, ok := r.ReadUint64()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return v, nil
	case TypeCodeLong:
		v, ok := r.ReadUint64()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return int64(v), nil
	case TypeCodeDouble:
		v, ok := r.ReadUint64()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return float64FromBits(v), nil
	case TypeCodeTimestamp:
		v, ok := r.ReadUint64()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return time.Unix(0, int64(v)*int64(time.Millisecond)), nil
	case TypeCodeUUID:
		b, ok := r.Next(16)
		if !ok || len(b) != 16 {
			return nil, ErrNotEnoughData
		}
		var u UUID
		copy(u[:], b)
		return u, nil
	case TypeCodeVbin8, TypeCodeStr8, TypeCodeSym8:
		l, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return nil, ErrNotEnoughData
		}
		return elementBytesAs(code, b), nil
	case TypeCodeVbin32, TypeCodeStr32, TypeCodeSym32:
		l, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return nil, ErrNotEnoughData
		}
		return elementBytesAs(code, b), nil
	case TypeCodeList0, TypeCodeList8, TypeCodeList32, TypeCodeMap8, TypeCodeMap32, TypeCodeArray8, TypeCodeArray32:
		// inside an array a composite element carries no constructor of its
		// own; the shared code is put back in front so Decode can read it.
		return prependCode(r, code)
	case TypeCodeDescriptor:
		return prependCode(r, code)
	default:
		return nil, fmt.Errorf("amqp: unsupported array element type code %#02x", byte(code))
	}
}

func elementBytesAs(code AMQPType, b []byte) any {
	switch code {
	case TypeCodeVbin8, TypeCodeVbin32:
		return append([]byte(nil), b...)
	case TypeCodeSym8, TypeCodeSym32:
		return Symbol(b)
	default:
		return string(b)
	}
}

// prependCode re-synthesizes a constructor byte in front of r's remaining
// bytes so the generic Decode path (which expects one) can be reused for
// array elements whose constructor was stripped by the shared element code.
// It decodes one element that way and advances r past exactly the bytes
// that element occupied, so the next element starts where this one ended.
func prependCode(r *buffer.Buffer, code AMQPType) (any, error) {
	rest := r.Bytes()[r.Pos():]
	synth := append([]byte{byte(code)}, rest...)
	nb := buffer.New(synth)
	v, err := Decode(nb)
	if err != nil {
		return nil, err
	}
	r.Skip(nb.Pos() - 1)
	return v, nil
}
