package encoding

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
	"unicode/utf8"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

// Marshaler is implemented by any AMQP value that knows how to encode
// itself, in addition to the scalar/compound cases Marshal switches on
// directly.
type Marshaler interface {
	Marshal(*buffer.Buffer) error
}

// Marshal encodes i into wr. Scalars, lists and arrays take their most
// compact wire form; maps are always written in the map32 form, whatever
// their size. Every write either fits or the caller holds a
// buffer that simply grows, so encoding is single-pass with no separate
// measure step.
func Marshal(wr *buffer.Buffer, i any) error {
	switch t := i.(type) {
	case nil:
		wr.WriteByte(byte(TypeCodeNull))
	case bool:
		if t {
			wr.WriteByte(byte(TypeCodeBoolTrue))
		} else {
			wr.WriteByte(byte(TypeCodeBoolFalse))
		}
	case *bool:
		return Marshal(wr, *t)
	case Role:
		return Marshal(wr, bool(t))
	case *Role:
		return Marshal(wr, *t)
	case SenderSettleMode:
		writeUint32(wr, uint32(t))
	case *SenderSettleMode:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *t)
	case ReceiverSettleMode:
		writeUint32(wr, uint32(t))
	case *ReceiverSettleMode:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *t)
	case uint:
		writeUint64(wr, uint64(t))
	case *uint:
		writeUint64(wr, uint64(*t))
	case uint64:
		writeUint64(wr, t)
	case *uint64:
		writeUint64(wr, *t)
	case uint32:
		writeUint32(wr, t)
	case *uint32:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		writeUint32(wr, *t)
	case uint16:
		wr.WriteByte(byte(TypeCodeUshort))
		wr.WriteUint16(t)
	case *uint16:
		return Marshal(wr, *t)
	case uint8:
		wr.Write([]byte{byte(TypeCodeUbyte), t})
	case *uint8:
		return Marshal(wr, *t)
	case int:
		writeInt64(wr, int64(t))
	case *int:
		writeInt64(wr, int64(*t))
	case int8:
		wr.Write([]byte{byte(TypeCodeByte), uint8(t)})
	case *int8:
		return Marshal(wr, *t)
	case int16:
		wr.WriteByte(byte(TypeCodeShort))
		wr.WriteUint16(uint16(t))
	case *int16:
		return Marshal(wr, *t)
	case int32:
		writeInt32(wr, t)
	case *int32:
		writeInt32(wr, *t)
	case int64:
		writeInt64(wr, t)
	case *int64:
		writeInt64(wr, *t)
	case float32:
		writeFloat(wr, t)
	case *float32:
		writeFloat(wr, *t)
	case float64:
		writeDouble(wr, t)
	case *float64:
		writeDouble(wr, *t)
	case string:
		return writeString(wr, t)
	case *string:
		return writeString(wr, *t)
	case []byte:
		return writeBinary(wr, t)
	case *[]byte:
		return writeBinary(wr, *t)
	case Symbol:
		return writeSymbol(wr, t)
	case *Symbol:
		return writeSymbol(wr, *t)
	case ErrorCondition:
		return writeSymbol(wr, Symbol(t))
	case *ErrorCondition:
		return writeSymbol(wr, Symbol(*t))
	case MultiSymbol:
		return arraySymbol(t).Marshal(wr)
	case *MultiSymbol:
		return arraySymbol(*t).Marshal(wr)
	case Char:
		wr.WriteByte(byte(TypeCodeChar))
		wr.WriteUint32(uint32(t))
	case Decimal32:
		wr.WriteByte(byte(TypeCodeDecimal32))
		wr.Write(t[:])
	case Decimal64:
		wr.WriteByte(byte(TypeCodeDecimal64))
		wr.Write(t[:])
	case Decimal128:
		wr.WriteByte(byte(TypeCodeDecimal128))
		wr.Write(t[:])
	case UUID:
		wr.WriteByte(byte(TypeCodeUUID))
		wr.Write(t[:])
		return nil
	case *UUID:
		return Marshal(wr, *t)
	case Milliseconds:
		wr.WriteByte(byte(TypeCodeUint))
		wr.WriteUint32(uint32(time.Duration(t) / time.Millisecond))
		return nil
	case *Milliseconds:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return Marshal(wr, *t)
	case time.Time:
		writeTimestamp(wr, t)
	case *time.Time:
		writeTimestamp(wr, *t)
	case map[any]any:
		return writeMap(wr, t)
	case map[string]any:
		return writeMap(wr, t)
	case *map[string]any:
		return writeMap(wr, *t)
	case map[Symbol]any:
		return writeMap(wr, t)
	case *map[Symbol]any:
		return writeMap(wr, *t)
	case Annotations:
		return writeMap(wr, t)
	case UnsettledMap:
		return writeMap(wr, t)
	case Filter:
		return writeMap(wr, t)
	case DescribedType:
		return writeDescribedValue(wr, &t)
	case *DescribedType:
		if t == nil {
			wr.WriteByte(byte(TypeCodeNull))
			return nil
		}
		return writeDescribedValue(wr, t)
	case []int8:
		return arrayInt8(t).Marshal(wr)
	case []uint16:
		return arrayUint16(t).Marshal(wr)
	case []int16:
		return arrayInt16(t).Marshal(wr)
	case []uint32:
		return arrayUint32(t).Marshal(wr)
	case []int32:
		return arrayInt32(t).Marshal(wr)
	case []uint64:
		return arrayUint64(t).Marshal(wr)
	case []int64:
		return arrayInt64(t).Marshal(wr)
	case []float32:
		return arrayFloat(t).Marshal(wr)
	case []float64:
		return arrayDouble(t).Marshal(wr)
	case []bool:
		return arrayBool(t).Marshal(wr)
	case []string:
		return arrayString(t).Marshal(wr)
	case []Symbol:
		return arraySymbol(t).Marshal(wr)
	case [][]byte:
		return arrayBinary(t).Marshal(wr)
	case []time.Time:
		return arrayTimestamp(t).Marshal(wr)
	case []UUID:
		return arrayUUID(t).Marshal(wr)
	case []any:
		return writeList(wr, t)
	case Marshaler:
		return t.Marshal(wr)
	default:
		return fmt.Errorf("amqp: marshal not implemented for %T", i)
	}
	return nil
}

func writeInt32(wr *buffer.Buffer, n int32) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{byte(TypeCodeSmallint), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeInt))
	wr.WriteUint32(uint32(n))
}

func writeInt64(wr *buffer.Buffer, n int64) {
	if n < 128 && n >= -128 {
		wr.Write([]byte{byte(TypeCodeSmalllong), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeLong))
	wr.WriteUint64(uint64(n))
}

func writeUint32(wr *buffer.Buffer, n uint32) {
	if n == 0 {
		wr.WriteByte(byte(TypeCodeUint0))
		return
	}
	if n < 256 {
		wr.Write([]byte{byte(TypeCodeSmallUint), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeUint))
	wr.WriteUint32(n)
}

func writeUint64(wr *buffer.Buffer, n uint64) {
	if n == 0 {
		wr.WriteByte(byte(TypeCodeUlong0))
		return
	}
	if n < 256 {
		wr.Write([]byte{byte(TypeCodeSmallUlong), byte(n)})
		return
	}
	wr.WriteByte(byte(TypeCodeUlong))
	wr.WriteUint64(n)
}

func writeFloat(wr *buffer.Buffer, f float32) {
	wr.WriteByte(byte(TypeCodeFloat))
	wr.WriteUint32(math.Float32bits(f))
}

func writeDouble(wr *buffer.Buffer, f float64) {
	wr.WriteByte(byte(TypeCodeDouble))
	wr.WriteUint64(math.Float64bits(f))
}

func writeTimestamp(wr *buffer.Buffer, t time.Time) {
	wr.WriteByte(byte(TypeCodeTimestamp))
	ms := t.UnixNano() / int64(time.Millisecond)
	wr.WriteUint64(uint64(ms))
}

func writeString(wr *buffer.Buffer, str string) error {
	if !utf8.ValidString(str) {
		return errors.New("amqp: not a valid UTF-8 string")
	}
	l := len(str)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeStr8), byte(l)})
		wr.WriteString(str)
		return nil
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeStr32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(str)
		return nil
	default:
		return errors.New("amqp: string too long")
	}
}

func writeSymbol(wr *buffer.Buffer, sym Symbol) error {
	l := len(sym)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeSym8), byte(l)})
		wr.WriteString(string(sym))
		return nil
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeSym32))
		wr.WriteUint32(uint32(l))
		wr.WriteString(string(sym))
		return nil
	default:
		return errors.New("amqp: symbol too long")
	}
}

func writeBinary(wr *buffer.Buffer, bin []byte) error {
	l := len(bin)
	switch {
	case l < 256:
		wr.Write([]byte{byte(TypeCodeVbin8), byte(l)})
		wr.Write(bin)
		return nil
	case uint(l) < math.MaxUint32:
		wr.WriteByte(byte(TypeCodeVbin32))
		wr.WriteUint32(uint32(l))
		wr.Write(bin)
		return nil
	default:
		return errors.New("amqp: binary too long")
	}
}

func writeDescriptor(wr *buffer.Buffer, code AMQPType) {
	wr.Write([]byte{0x0, byte(TypeCodeSmallUlong), byte(code)})
}

func writeDescribedValue(wr *buffer.Buffer, d *DescribedType) error {
	wr.WriteByte(byte(TypeCodeDescriptor))
	if err := Marshal(wr, d.Descriptor); err != nil {
		return err
	}
	return Marshal(wr, d.Value)
}

// MarshalField is a field to be marshaled as part of a composite type.
type MarshalField struct {
	Value any  // value to be marshaled
	Omit  bool // if true, the field is encoded as null (or dropped if trailing)
}

// MarshalComposite writes a composite's descriptor and field list. A
// composite with at least one field always uses the large (list32) header
// form; the small (list8) form is not used, whatever the resulting size.
// Trailing omitted fields are dropped, not null-padded.
func MarshalComposite(wr *buffer.Buffer, code AMQPType, fields []MarshalField) error {
	lastSetIdx := -1
	for i, f := range fields {
		if f.Omit {
			continue
		}
		lastSetIdx = i
	}

	if lastSetIdx == -1 {
		wr.Write([]byte{0x0, byte(TypeCodeSmallUlong), byte(code), byte(TypeCodeList0)})
		return nil
	}

	writeDescriptor(wr, code)

	wr.WriteByte(byte(TypeCodeList32))
	sizeIdx := wr.Size()
	wr.Write([]byte{0, 0, 0, 0})
	preFieldLen := wr.Size()

	wr.WriteUint32(uint32(lastSetIdx + 1))

	for _, f := range fields[:lastSetIdx+1] {
		if f.Omit {
			wr.WriteByte(byte(TypeCodeNull))
			continue
		}
		if err := Marshal(wr, f.Value); err != nil {
			return err
		}
	}

	size := uint32(wr.Size() - preFieldLen)
	buf := wr.Bytes()
	binary.BigEndian.PutUint32(buf[sizeIdx:sizeIdx+4], size)

	return nil
}

func writeList(wr *buffer.Buffer, list []any) error {
	if len(list) == 0 {
		wr.WriteByte(byte(TypeCodeList0))
		return nil
	}

	// elements are encoded to a scratch buffer first so the header form
	// can be chosen from the real totals: list8 when the body plus its
	// count byte and the count itself both fit in a byte, list32 otherwise.
	body := buffer.New(nil)
	for _, v := range list {
		if err := Marshal(body, v); err != nil {
			return err
		}
	}

	items := body.Bytes()
	if len(items)+1 <= 255 && len(list) <= 255 {
		wr.WriteByte(byte(TypeCodeList8))
		wr.WriteByte(byte(len(items) + 1))
		wr.WriteByte(byte(len(list)))
	} else {
		wr.WriteByte(byte(TypeCodeList32))
		wr.WriteUint32(uint32(len(items) + 4))
		wr.WriteUint32(uint32(len(list)))
	}
	wr.Append(items)
	return nil
}

func writeMap(wr *buffer.Buffer, m any) error {
	startIdx := wr.Size()
	wr.Write([]byte{
		byte(TypeCodeMap32),
		0, 0, 0, 0,
		0, 0, 0, 0,
	})

	var pairs int
	switch m := m.(type) {
	case map[any]any:
		pairs = len(m) * 2
		for k, v := range m {
			if err := Marshal(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
	case map[string]any:
		pairs = len(m) * 2
		for k, v := range m {
			if err := writeString(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
	case map[Symbol]any:
		pairs = len(m) * 2
		for k, v := range m {
			if err := writeSymbol(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
	case UnsettledMap:
		pairs = len(m) * 2
		for k, v := range m {
			if err := writeString(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
	case Filter:
		pairs = len(m) * 2
		for k, v := range m {
			if err := writeSymbol(wr, k); err != nil {
				return err
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
	case Annotations:
		pairs = len(m) * 2
		for k, v := range m {
			switch k := k.(type) {
			case string:
				if err := writeSymbol(wr, Symbol(k)); err != nil {
					return err
				}
			case Symbol:
				if err := writeSymbol(wr, k); err != nil {
					return err
				}
			case int64:
				writeInt64(wr, k)
			case int:
				writeInt64(wr, int64(k))
			default:
				return fmt.Errorf("amqp: unsupported Annotations key type %T", k)
			}
			if err := Marshal(wr, v); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("amqp: unsupported map type %T", m)
	}

	if uint(pairs) > math.MaxUint32-4 {
		return errors.New("amqp: map contains too many elements")
	}

	buf := wr.Bytes()[startIdx+1 : startIdx+9]
	_ = buf[7]
	length := wr.Size() - startIdx - 1 - 4
	binary.BigEndian.PutUint32(buf[:4], uint32(length))
	binary.BigEndian.PutUint32(buf[4:8], uint32(pairs))

	return nil
}

// array-length-field widths
const (
	array8TLSize  = 2
	array32TLSize = 5
)

func writeArrayHeader(wr *buffer.Buffer, length, typeSize int, type_ AMQPType) {
	size := length * typeSize
	if size+array8TLSize <= math.MaxUint8 {
		wr.Write([]byte{byte(TypeCodeArray8), byte(size + array8TLSize), byte(length), byte(type_)})
	} else {
		wr.WriteByte(byte(TypeCodeArray32))
		wr.WriteUint32(uint32(size + array32TLSize))
		wr.WriteUint32(uint32(length))
		wr.WriteByte(byte(type_))
	}
}

// writeVariableArrayHeader computes the header for arrays of variable-width
// elements (string/symbol/binary), given the already-summed size of the
// encoded elements excluding their length prefixes; it adds one prefix
// per element (1 byte for the 8-bit forms, 4 for the 32-bit forms) itself.
func writeVariableArrayHeader(wr *buffer.Buffer, length, elementsSizeTotal int, type_ AMQPType) {
	elementTypeSize := 1
	if type_&0xf0 == 0xb0 {
		elementTypeSize = 4
	}
	size := elementsSizeTotal + (length * elementTypeSize)
	if size+array8TLSize <= math.MaxUint8 {
		wr.Write([]byte{byte(TypeCodeArray8), byte(size + array8TLSize), byte(length), byte(type_)})
	} else {
		wr.WriteByte(byte(TypeCodeArray32))
		wr.WriteUint32(uint32(size + array32TLSize))
		wr.WriteUint32(uint32(length))
		wr.WriteByte(byte(type_))
	}
}
