package encoding

import (
	"fmt"
	"math"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

// Unmarshaler is implemented by any AMQP value that knows how to decode
// itself from a composite's field list or from an "any value" context.
type Unmarshaler interface {
	Unmarshal(r *buffer.Buffer) error
}

// ErrNotEnoughData is returned, unwrapped, when a decode runs past the end
// of the available bytes. The cursor is not restored: bytes consumed before
// the shortfall (such as the type code) stay consumed.
var ErrNotEnoughData = fmt.Errorf("amqp: not enough data")

// PeekType returns the next type code without consuming it. It handles the
// described-type marker (0x00) by reporting it verbatim; callers that need
// a described composite's descriptor code use PeekCompositeType.
func PeekType(r *buffer.Buffer) (AMQPType, error) {
	b, ok := r.Peek(1)
	if !ok {
		return 0, ErrNotEnoughData
	}
	return AMQPType(b[0]), nil
}

// IsNull reports whether the next encoded value is the null type, without
// consuming it.
func IsNull(r *buffer.Buffer) bool {
	t, err := PeekType(r)
	return err == nil && t == TypeCodeNull
}

// readAndCheckNull consumes a null type code if present and reports
// whether it did.
func readAndCheckNull(r *buffer.Buffer) bool {
	if !IsNull(r) {
		return false
	}
	r.Skip(1)
	return true
}

// Unmarshal decodes the next AMQP value from r into i, where i is a
// pointer to the destination (mirroring Marshal's dispatch on value
// types). Composite destinations that implement Unmarshaler are dispatched
// to directly.
func Unmarshal(r *buffer.Buffer, i any) error {
	if u, ok := i.(Unmarshaler); ok {
		return u.Unmarshal(r)
	}

	switch p := i.(type) {
	case *bool:
		v, err := decodeBool(r)
		if err != nil {
			return err
		}
		*p = v
	case **bool:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeBool(r)
		if err != nil {
			return err
		}
		*p = &v
	case *uint8:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = uint8(v)
	case *uint16:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = uint16(v)
	case **uint16:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		vv := uint16(v)
		*p = &vv
	case *uint32:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = uint32(v)
	case **uint32:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		vv := uint32(v)
		*p = &vv
	case *uint64:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = v
	case *int8:
		v, err := decodeInt(r)
		if err != nil {
			return err
		}
		*p = int8(v)
	case *int16:
		v, err := decodeInt(r)
		if err != nil {
			return err
		}
		*p = int16(v)
	case *int32:
		v, err := decodeInt(r)
		if err != nil {
			return err
		}
		*p = int32(v)
	case *int64:
		v, err := decodeInt(r)
		if err != nil {
			return err
		}
		*p = v
	case *string:
		v, err := decodeString(r)
		if err != nil {
			return err
		}
		*p = v
	case *[]byte:
		v, err := decodeBinary(r)
		if err != nil {
			return err
		}
		*p = v
	case *Symbol:
		v, err := decodeSymbol(r)
		if err != nil {
			return err
		}
		*p = v
	case *ErrorCondition:
		v, err := decodeSymbol(r)
		if err != nil {
			return err
		}
		*p = ErrorCondition(v)
	case *MultiSymbol:
		v, err := decodeMultiSymbol(r)
		if err != nil {
			return err
		}
		*p = v
	case *Char:
		t, err := PeekType(r)
		if err != nil {
			return err
		}
		if t != TypeCodeChar {
			return fmt.Errorf("amqp: invalid type code %#02x for char", byte(t))
		}
		r.Skip(1)
		v, ok := r.ReadUint32()
		if !ok {
			return ErrNotEnoughData
		}
		*p = Char(v)
	case *Decimal32:
		return decodeFixedBytes(r, TypeCodeDecimal32, p[:])
	case *Decimal64:
		return decodeFixedBytes(r, TypeCodeDecimal64, p[:])
	case *Decimal128:
		return decodeFixedBytes(r, TypeCodeDecimal128, p[:])
	case *UUID:
		v, err := decodeUUID(r)
		if err != nil {
			return err
		}
		*p = v
	case *Role:
		v, err := decodeBool(r)
		if err != nil {
			return err
		}
		*p = Role(v)
	case *SenderSettleMode:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = SenderSettleMode(v)
	case **SenderSettleMode:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		vv := SenderSettleMode(v)
		*p = &vv
	case *ReceiverSettleMode:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = ReceiverSettleMode(v)
	case **ReceiverSettleMode:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		vv := ReceiverSettleMode(v)
		*p = &vv
	case *time.Duration:
		v, err := decodeUint(r)
		if err != nil {
			return err
		}
		*p = time.Duration(v) * time.Millisecond
	case *time.Time:
		v, err := decodeTimestamp(r)
		if err != nil {
			return err
		}
		*p = v
	case *[]any:
		v, err := decodeList(r)
		if err != nil {
			return err
		}
		*p = v
	case *map[Symbol]any:
		v, err := decodeFieldsMap(r)
		if err != nil {
			return err
		}
		*p = v
	case *map[any]any:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeGenericMap(r)
		if err != nil {
			return err
		}
		*p = v
	case *map[string]any:
		if readAndCheckNull(r) {
			*p = nil
			return nil
		}
		v, err := decodeGenericStringMap(r)
		if err != nil {
			return err
		}
		*p = v
	case *UnsettledMap:
		v, err := decodeUnsettledMap(r)
		if err != nil {
			return err
		}
		*p = v
	case *Filter:
		v, err := decodeFilter(r)
		if err != nil {
			return err
		}
		*p = v
	case *DeliveryState:
		v, err := DecodeDeliveryState(r)
		if err != nil {
			return err
		}
		*p = v
	case *any:
		v, err := Decode(r)
		if err != nil {
			return err
		}
		*p = v
	default:
		return fmt.Errorf("amqp: unmarshal not implemented for %T", i)
	}
	return nil
}

func decodeBool(r *buffer.Buffer) (bool, error) {
	t, err := PeekType(r)
	if err != nil {
		return false, err
	}
	switch t {
	case TypeCodeBoolTrue:
		r.Skip(1)
		return true, nil
	case TypeCodeBoolFalse:
		r.Skip(1)
		return false, nil
	case TypeCodeBool:
		r.Skip(1)
		b, ok := r.ReadByte()
		if !ok {
			return false, ErrNotEnoughData
		}
		return b != 0, nil
	case TypeCodeNull:
		r.Skip(1)
		return false, nil
	default:
		return false, fmt.Errorf("amqp: invalid type code %#02x for bool", byte(t))
	}
}

func decodeUint(r *buffer.Buffer) (uint64, error) {
	t, err := PeekType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull, TypeCodeUint0, TypeCodeUlong0:
		r.Skip(1)
		return 0, nil
	case TypeCodeUbyte, TypeCodeSmallUint, TypeCodeSmallUlong:
		r.Skip(1)
		b, ok := r.ReadByte()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return uint64(b), nil
	case TypeCodeUshort:
		r.Skip(1)
		v, ok := r.ReadUint16()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return uint64(v), nil
	case TypeCodeUint:
		r.Skip(1)
		v, ok := r.ReadUint32()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return uint64(v), nil
	case TypeCodeUlong:
		r.Skip(1)
		v, ok := r.ReadUint64()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return v, nil
	default:
		return 0, fmt.Errorf("amqp: invalid type code %#02x for uint", byte(t))
	}
}

func decodeInt(r *buffer.Buffer) (int64, error) {
	t, err := PeekType(r)
	if err != nil {
		return 0, err
	}
	switch t {
	case TypeCodeNull:
		r.Skip(1)
		return 0, nil
	case TypeCodeByte, TypeCodeSmallint, TypeCodeSmalllong:
		r.Skip(1)
		b, ok := r.ReadByte()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return int64(int8(b)), nil
	case TypeCodeShort:
		r.Skip(1)
		v, ok := r.ReadUint16()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return int64(int16(v)), nil
	case TypeCodeInt:
		r.Skip(1)
		v, ok := r.ReadUint32()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return int64(int32(v)), nil
	case TypeCodeLong:
		r.Skip(1)
		v, ok := r.ReadUint64()
		if !ok {
			return 0, ErrNotEnoughData
		}
		return int64(v), nil
	default:
		return 0, fmt.Errorf("amqp: invalid type code %#02x for int", byte(t))
	}
}

func decodeTimestamp(r *buffer.Buffer) (time.Time, error) {
	t, err := PeekType(r)
	if err != nil {
		return time.Time{}, err
	}
	if t == TypeCodeNull {
		r.Skip(1)
		return time.Time{}, nil
	}
	if t != TypeCodeTimestamp {
		return time.Time{}, fmt.Errorf("amqp: invalid type code %#02x for timestamp", byte(t))
	}
	r.Skip(1)
	ms, ok := r.ReadUint64()
	if !ok {
		return time.Time{}, ErrNotEnoughData
	}
	return time.Unix(0, int64(ms)*int64(time.Millisecond)), nil
}

// decodeFixedBytes consumes a fixed-width value whose type code must be
// code, copying its bytes into dst.
func decodeFixedBytes(r *buffer.Buffer, code AMQPType, dst []byte) error {
	t, err := PeekType(r)
	if err != nil {
		return err
	}
	if t != code {
		return fmt.Errorf("amqp: invalid type code %#02x, expected %#02x", byte(t), byte(code))
	}
	r.Skip(1)
	b, ok := r.Next(int64(len(dst)))
	if !ok {
		return ErrNotEnoughData
	}
	copy(dst, b)
	return nil
}

func decodeUUID(r *buffer.Buffer) (UUID, error) {
	var u UUID
	t, err := PeekType(r)
	if err != nil {
		return u, err
	}
	if t == TypeCodeNull {
		r.Skip(1)
		return u, nil
	}
	if t != TypeCodeUUID {
		return u, fmt.Errorf("amqp: invalid type code %#02x for uuid", byte(t))
	}
	r.Skip(1)
	b, ok := r.Next(16)
	if !ok || len(b) != 16 {
		return u, ErrNotEnoughData
	}
	copy(u[:], b)
	return u, nil
}

func decodeBinaryLen(r *buffer.Buffer) ([]byte, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	switch t {
	case TypeCodeNull:
		r.Skip(1)
		return nil, nil
	case TypeCodeVbin8:
		r.Skip(1)
		l, ok := r.ReadByte()
		if !ok {
			return nil, ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return nil, ErrNotEnoughData
		}
		return append([]byte(nil), b...), nil
	case TypeCodeVbin32:
		r.Skip(1)
		l, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return nil, ErrNotEnoughData
		}
		return append([]byte(nil), b...), nil
	default:
		return nil, fmt.Errorf("amqp: invalid type code %#02x for binary", byte(t))
	}
}

func decodeBinary(r *buffer.Buffer) ([]byte, error) {
	return decodeBinaryLen(r)
}

func decodeString(r *buffer.Buffer) (string, error) {
	t, err := PeekType(r)
	if err != nil {
		return "", err
	}
	switch t {
	case TypeCodeNull:
		r.Skip(1)
		return "", nil
	case TypeCodeStr8:
		r.Skip(1)
		l, ok := r.ReadByte()
		if !ok {
			return "", ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return "", ErrNotEnoughData
		}
		return string(b), nil
	case TypeCodeStr32:
		r.Skip(1)
		l, ok := r.ReadUint32()
		if !ok {
			return "", ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return "", ErrNotEnoughData
		}
		return string(b), nil
	default:
		return "", fmt.Errorf("amqp: invalid type code %#02x for string", byte(t))
	}
}

func decodeSymbol(r *buffer.Buffer) (Symbol, error) {
	t, err := PeekType(r)
	if err != nil {
		return "", err
	}
	switch t {
	case TypeCodeNull:
		r.Skip(1)
		return "", nil
	case TypeCodeSym8:
		r.Skip(1)
		l, ok := r.ReadByte()
		if !ok {
			return "", ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return "", ErrNotEnoughData
		}
		return Symbol(b), nil
	case TypeCodeSym32:
		r.Skip(1)
		l, ok := r.ReadUint32()
		if !ok {
			return "", ErrNotEnoughData
		}
		b, ok := r.Next(int64(l))
		if !ok {
			return "", ErrNotEnoughData
		}
		return Symbol(b), nil
	default:
		return "", fmt.Errorf("amqp: wrong type %#02x for symbol", byte(t))
	}
}

// decodeMultiSymbol decodes a field that the spec allows to be encoded as
// either a single symbol or an array of symbols.
func decodeMultiSymbol(r *buffer.Buffer) (MultiSymbol, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	if t == TypeCodeNull {
		r.Skip(1)
		return nil, nil
	}
	if t == TypeCodeSym8 || t == TypeCodeSym32 {
		s, err := decodeSymbol(r)
		if err != nil {
			return nil, err
		}
		return MultiSymbol{s}, nil
	}

	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make(MultiSymbol, 0, c.Count())
	it := c.Iterator()
	for it.Next() {
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		s, ok := v.(Symbol)
		if !ok {
			return nil, fmt.Errorf("amqp: expected symbol in array, got %T", v)
		}
		out = append(out, s)
	}
	return out, nil
}

// decodeFieldsMap decodes a "fields" map, skipping any key that is not a
// symbol.
func decodeFieldsMap(r *buffer.Buffer) (map[Symbol]any, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	if t == TypeCodeNull {
		r.Skip(1)
		return nil, nil
	}
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make(map[Symbol]any, c.Count()/2)
	it := c.Iterator()
	for it.Next() {
		k, err := it.Value()
		if err != nil {
			return nil, err
		}
		if !it.Next() {
			return nil, fmt.Errorf("amqp: odd number of map entries")
		}
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		sym, ok := k.(Symbol)
		if !ok {
			continue // spec: iteration skips keys whose type != symbol
		}
		out[sym] = v
	}
	return out, nil
}

// decodeUnsettledMap decodes the attach performative's "unsettled" map,
// skipping keys that are not strings.
func decodeUnsettledMap(r *buffer.Buffer) (UnsettledMap, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	if t == TypeCodeNull {
		r.Skip(1)
		return nil, nil
	}
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make(UnsettledMap, c.Count()/2)
	it := c.Iterator()
	for it.Next() {
		k, err := it.Value()
		if err != nil {
			return nil, err
		}
		if !it.Next() {
			return nil, fmt.Errorf("amqp: odd number of map entries")
		}
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		s, ok := k.(string)
		if !ok {
			continue
		}
		out[s] = v
	}
	return out, nil
}

// decodeFilter decodes a source's "filter" map: symbol -> described value.
func decodeFilter(r *buffer.Buffer) (Filter, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	if t == TypeCodeNull {
		r.Skip(1)
		return nil, nil
	}
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make(Filter, c.Count()/2)
	it := c.Iterator()
	for it.Next() {
		k, err := it.Value()
		if err != nil {
			return nil, err
		}
		if !it.Next() {
			return nil, fmt.Errorf("amqp: odd number of map entries")
		}
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		sym, ok := k.(Symbol)
		if !ok {
			continue
		}
		dt, ok := v.(*DescribedType)
		if !ok {
			dt = &DescribedType{Value: v}
		}
		out[sym] = dt
	}
	return out, nil
}

// Decode decodes the next AMQP value from r into a generic any, used for
// map values, array elements, and message bodies whose type is not known
// ahead of time.
func Decode(r *buffer.Buffer) (any, error) {
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}

	switch t {
	case TypeCodeNull:
		r.Skip(1)
		return nil, nil
	case TypeCodeBoolTrue, TypeCodeBoolFalse, TypeCodeBool:
		return decodeBool(r)
	case TypeCodeUbyte:
		return decodeUint(r)
	case TypeCodeByte:
		return decodeInt(r)
	case TypeCodeUshort:
		return decodeUint(r)
	case TypeCodeShort:
		return decodeInt(r)
	case TypeCodeUint, TypeCodeSmallUint, TypeCodeUint0:
		v, err := decodeUint(r)
		return uint32(v), err
	case TypeCodeInt, TypeCodeSmallint:
		v, err := decodeInt(r)
		return int32(v), err
	case TypeCodeUlong, TypeCodeSmallUlong, TypeCodeUlong0:
		return decodeUint(r)
	case TypeCodeLong, TypeCodeSmalllong:
		return decodeInt(r)
	case TypeCodeFloat:
		r.Skip(1)
		v, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return float32FromBits(v), nil
	case TypeCodeDouble:
		r.Skip(1)
		v, ok := r.ReadUint64()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return float64FromBits(v), nil
	case TypeCodeChar:
		r.Skip(1)
		v, ok := r.ReadUint32()
		if !ok {
			return nil, ErrNotEnoughData
		}
		return Char(v), nil
	case TypeCodeDecimal32:
		r.Skip(1)
		b, ok := r.Next(4)
		if !ok {
			return nil, ErrNotEnoughData
		}
		var d Decimal32
		copy(d[:], b)
		return d, nil
	case TypeCodeDecimal64:
		r.Skip(1)
		b, ok := r.Next(8)
		if !ok {
			return nil, ErrNotEnoughData
		}
		var d Decimal64
		copy(d[:], b)
		return d, nil
	case TypeCodeDecimal128:
		r.Skip(1)
		b, ok := r.Next(16)
		if !ok {
			return nil, ErrNotEnoughData
		}
		var d Decimal128
		copy(d[:], b)
		return d, nil
	case TypeCodeTimestamp:
		return decodeTimestamp(r)
	case TypeCodeUUID:
		return decodeUUID(r)
	case TypeCodeVbin8, TypeCodeVbin32:
		return decodeBinary(r)
	case TypeCodeStr8, TypeCodeStr32:
		return decodeString(r)
	case TypeCodeSym8, TypeCodeSym32:
		return decodeSymbol(r)
	case TypeCodeList0, TypeCodeList8, TypeCodeList32:
		return decodeList(r)
	case TypeCodeMap8, TypeCodeMap32:
		return decodeGenericMap(r)
	case TypeCodeArray8, TypeCodeArray32:
		return decodeArrayGeneric(r)
	case TypeCodeDescriptor:
		return decodeDescribed(r)
	default:
		return nil, fmt.Errorf("amqp: unrecognized type code %#02x", byte(t))
	}
}

func decodeList(r *buffer.Buffer) ([]any, error) {
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, c.Count())
	it := c.Iterator()
	for it.Next() {
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeGenericMap(r *buffer.Buffer) (map[any]any, error) {
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make(map[any]any, c.Count()/2)
	it := c.Iterator()
	for it.Next() {
		k, err := it.Value()
		if err != nil {
			return nil, err
		}
		if !it.Next() {
			return nil, fmt.Errorf("amqp: odd number of map entries")
		}
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

// decodeGenericStringMap decodes a map whose keys are expected to be
// strings (application-properties, footer), skipping any entry whose key
// is not a string.
func decodeGenericStringMap(r *buffer.Buffer) (map[string]any, error) {
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any, c.Count()/2)
	it := c.Iterator()
	for it.Next() {
		k, err := it.Value()
		if err != nil {
			return nil, err
		}
		if !it.Next() {
			return nil, fmt.Errorf("amqp: odd number of map entries")
		}
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		s, ok := k.(string)
		if !ok {
			continue
		}
		out[s] = v
	}
	return out, nil
}

func decodeArrayGeneric(r *buffer.Buffer) ([]any, error) {
	c, err := NewCompound(r)
	if err != nil {
		return nil, err
	}
	out := make([]any, 0, c.Count())
	it := c.Iterator()
	for it.Next() {
		v, err := it.Value()
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func decodeDescribed(r *buffer.Buffer) (any, error) {
	r.Skip(1) // descriptor marker
	descriptor, err := Decode(r)
	if err != nil {
		return nil, err
	}
	if code, ok := descriptorCode(descriptor); ok {
		if ctor, ok := describedConstructors[code]; ok {
			v := ctor()
			if err := v.Unmarshal(r); err != nil {
				return nil, err
			}
			return v, nil
		}
	}
	value, err := Decode(r)
	if err != nil {
		return nil, err
	}
	return &DescribedType{Descriptor: descriptor, Value: value}, nil
}

func descriptorCode(descriptor any) (AMQPType, bool) {
	switch d := descriptor.(type) {
	case uint64:
		return AMQPType(d & 0xff), true
	case uint32:
		return AMQPType(d & 0xff), true
	default:
		return 0, false
	}
}

// DescriptorCode is the exported form of descriptorCode, for packages (such
// as frames) that need to identify a described type's composite code without
// fully decoding into a concrete Go type.
func DescriptorCode(descriptor any) (AMQPType, bool) {
	return descriptorCode(descriptor)
}

func float32FromBits(v uint32) float32 {
	return math.Float32frombits(v)
}

func float64FromBits(v uint64) float64 {
	return math.Float64frombits(v)
}
