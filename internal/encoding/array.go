package encoding

import (
	"math"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/debug"
)

type arrayInt8 []int8

func (a arrayInt8) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 1, TypeCodeByte)
	for _, v := range a {
		wr.WriteByte(byte(v))
	}
	return nil
}

type arrayUint16 []uint16

func (a arrayUint16) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 2, TypeCodeUshort)
	for _, v := range a {
		wr.WriteUint16(v)
	}
	return nil
}

type arrayInt16 []int16

func (a arrayInt16) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 2, TypeCodeShort)
	for _, v := range a {
		wr.WriteUint16(uint16(v))
	}
	return nil
}

type arrayUint32 []uint32

func (a arrayUint32) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 4, TypeCodeUint)
	for _, v := range a {
		wr.WriteUint32(v)
	}
	return nil
}

type arrayInt32 []int32

func (a arrayInt32) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 4, TypeCodeInt)
	for _, v := range a {
		wr.WriteUint32(uint32(v))
	}
	return nil
}

type arrayUint64 []uint64

func (a arrayUint64) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 8, TypeCodeUlong)
	for _, v := range a {
		wr.WriteUint64(v)
	}
	return nil
}

type arrayInt64 []int64

func (a arrayInt64) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 8, TypeCodeLong)
	for _, v := range a {
		wr.WriteUint64(uint64(v))
	}
	return nil
}

type arrayFloat []float32

func (a arrayFloat) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 4, TypeCodeFloat)
	for _, v := range a {
		wr.WriteUint32(math.Float32bits(v))
	}
	return nil
}

type arrayDouble []float64

func (a arrayDouble) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 8, TypeCodeDouble)
	for _, v := range a {
		wr.WriteUint64(math.Float64bits(v))
	}
	return nil
}

type arrayBool []bool

func (a arrayBool) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 1, TypeCodeBool)
	for _, v := range a {
		if v {
			wr.WriteByte(1)
		} else {
			wr.WriteByte(0)
		}
	}
	return nil
}

type arrayTimestamp []time.Time

func (a arrayTimestamp) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 8, TypeCodeTimestamp)
	for _, v := range a {
		ms := v.UnixNano() / int64(time.Millisecond)
		wr.WriteUint64(uint64(ms))
	}
	return nil
}

type arrayUUID []UUID

func (a arrayUUID) Marshal(wr *buffer.Buffer) error {
	writeArrayHeader(wr, len(a), 16, TypeCodeUUID)
	for _, v := range a {
		wr.Write(v[:])
	}
	return nil
}

type arrayString []string

func (a arrayString) Marshal(wr *buffer.Buffer) error {
	total := 0
	for _, v := range a {
		total += len(v)
	}
	writeVariableArrayHeader(wr, len(a), total, TypeCodeStr8)
	for _, v := range a {
		wr.WriteByte(byte(len(v)))
		wr.WriteString(v)
	}
	return nil
}

type arrayBinary [][]byte

func (a arrayBinary) Marshal(wr *buffer.Buffer) error {
	total := 0
	for _, v := range a {
		total += len(v)
	}
	writeVariableArrayHeader(wr, len(a), total, TypeCodeVbin8)
	for _, v := range a {
		wr.WriteByte(byte(len(v)))
		wr.Write(v)
	}
	return nil
}

// arraySymbol is the default (no-truncation-tracking) symbol array
// marshaler used when encoding a MultiSymbol/[]Symbol value directly
// (e.g. a performative's capabilities field). For the incremental,
// truncation-aware builder, use
// SymbolArrayBuilder.
type arraySymbol []Symbol

func (a arraySymbol) Marshal(wr *buffer.Buffer) error {
	b := NewSymbolArrayBuilder()
	b.BuildN(a)
	return b.Marshal(wr)
}

// SymbolArrayBuilder incrementally builds a symbol array, choosing between
// a small (sym8, <=255-byte elements) and large (sym32) element form.
//
// Once a symbol array has been built in
// small form, appending a symbol longer than 255 bytes does not widen the
// element form (doing so would require rewriting every element already
// encoded); instead the new symbol is silently truncated to 255 bytes on
// the wire, and a warning is logged so the behavior is at least observable.
type SymbolArrayBuilder struct {
	wide  bool
	items []Symbol
}

// NewSymbolArrayBuilder returns a builder that starts in small (sym8) form.
func NewSymbolArrayBuilder() *SymbolArrayBuilder {
	return &SymbolArrayBuilder{}
}

// Append adds sym to the array, truncating it to 255 bytes if the builder
// is in small form and sym is longer. Returns true if truncation occurred.
func (b *SymbolArrayBuilder) Append(sym Symbol) bool {
	if !b.wide && len(sym) > 255 {
		debug.Log(1, "amqp: symbol %q exceeds 255 bytes in a small-form symbol array; truncating", sym)
		sym = sym[:255]
		b.items = append(b.items, sym)
		return true
	}
	b.items = append(b.items, sym)
	return false
}

// BuildN appends all of syms, switching to large (sym32) form upfront if
// any symbol exceeds 255 bytes, so that a bulk build never truncates.
func (b *SymbolArrayBuilder) BuildN(syms []Symbol) {
	for _, s := range syms {
		if len(s) > 255 {
			b.wide = true
			break
		}
	}
	b.items = append(b.items, syms...)
}

// Len returns the number of symbols currently in the builder.
func (b *SymbolArrayBuilder) Len() int {
	return len(b.items)
}

// Marshal writes the accumulated array using the builder's current
// element-width form.
func (b *SymbolArrayBuilder) Marshal(wr *buffer.Buffer) error {
	if len(b.items) == 0 {
		wr.WriteByte(byte(TypeCodeArray8))
		wr.Write([]byte{2, 0, byte(symbolElementCode(b.wide))})
		return nil
	}

	elemCode := symbolElementCode(b.wide)
	if b.wide {
		total := 0
		for _, s := range b.items {
			total += len(s)
		}
		writeVariableArrayHeaderWide(wr, len(b.items), total, elemCode)
		for _, s := range b.items {
			wr.WriteUint32(uint32(len(s)))
			wr.WriteString(string(s))
		}
		return nil
	}

	total := 0
	for _, s := range b.items {
		total += len(s)
	}
	writeVariableArrayHeader(wr, len(b.items), total, elemCode)
	for _, s := range b.items {
		wr.WriteByte(byte(len(s)))
		wr.WriteString(string(s))
	}
	return nil
}

func symbolElementCode(wide bool) AMQPType {
	if wide {
		return TypeCodeSym32
	}
	return TypeCodeSym8
}

func writeVariableArrayHeaderWide(wr *buffer.Buffer, length, elementsSizeTotal int, type_ AMQPType) {
	size := elementsSizeTotal + (length * 4) + array32TLSize
	wr.WriteByte(byte(TypeCodeArray32))
	wr.WriteUint32(uint32(size))
	wr.WriteUint32(uint32(length))
	wr.WriteByte(byte(type_))
}

