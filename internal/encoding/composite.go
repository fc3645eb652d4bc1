package encoding

import (
	"fmt"

	"github.com/qpid-go/amqpcore/internal/buffer"
)

// UnmarshalField pairs a destination pointer with the behavior to run when
// the composite's wire encoding omits that field (either because the list
// was shorter than expected, or because the field was encoded as null).
// Mirrors MarshalField on the encode side.
type UnmarshalField struct {
	Field      any
	HandleNull func() error
}

// readCompositeDescriptor consumes the described-type marker and descriptor
// ulong/smallulong, returning the low byte (the composite's type code).
func readCompositeDescriptor(r *buffer.Buffer) (AMQPType, error) {
	t, err := PeekType(r)
	if err != nil {
		return 0, err
	}
	if t != TypeCodeDescriptor {
		return 0, fmt.Errorf("amqp: expected described type, got %#02x", byte(t))
	}
	r.Skip(1)

	d, err := Decode(r)
	if err != nil {
		return 0, err
	}
	code, ok := descriptorCode(d)
	if !ok {
		return 0, fmt.Errorf("amqp: unrecognized descriptor %v", d)
	}
	return code, nil
}

// PeekCompositeType returns the descriptor code of the described composite
// at the front of r without consuming any bytes, so a caller can allocate
// the right section/performative type before dispatching to its Unmarshal
// method (used by Message.Unmarshal to walk a delivery's section list).
func PeekCompositeType(r *buffer.Buffer) (AMQPType, error) {
	pos := r.Pos()
	code, err := readCompositeDescriptor(r)
	r.Rewind(pos)
	return code, err
}

// UnmarshalComposite decodes a described list-encoded composite (a
// performative, error, terminus, or delivery state) whose descriptor must
// match code, assigning each field of the wire's list in order to fields.
// Fields beyond the encoded list's length, and fields explicitly encoded as
// null, invoke their HandleNull callback if present.
func UnmarshalComposite(r *buffer.Buffer, code AMQPType, fields ...UnmarshalField) error {
	gotCode, err := readCompositeDescriptor(r)
	if err != nil {
		return err
	}
	if gotCode != code {
		return fmt.Errorf("amqp: invalid composite descriptor %#02x, expected %#02x", byte(gotCode), byte(code))
	}

	c, err := NewCompound(r)
	if err != nil {
		return err
	}
	it := c.Iterator()

	for i, f := range fields {
		if i >= c.Count() {
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}
		if !it.Next() {
			if err := it.Err(); err != nil {
				return err
			}
			break
		}

		null, err := peekIteratorNull(it)
		if err != nil {
			return err
		}
		if null {
			it.body.Skip(1)
			if f.HandleNull != nil {
				if err := f.HandleNull(); err != nil {
					return err
				}
			}
			continue
		}

		if err := unmarshalIteratorInto(it, f.Field); err != nil {
			return err
		}
	}
	return nil
}

// peekIteratorNull reports whether the iterator's current (not-yet-decoded)
// element is an encoded null, without consuming it.
func peekIteratorNull(it *CompoundIterator) (bool, error) {
	if it.c.kind == TypeCodeArray8 || it.c.kind == TypeCodeArray32 {
		return false, nil
	}
	return IsNull(it.body), nil
}

// unmarshalIteratorInto decodes the iterator's current element directly
// into dst, using dst's Unmarshal method when available so that nested
// composites (Source, Target, delivery states, Error) are parsed correctly
// rather than as generic values.
func unmarshalIteratorInto(it *CompoundIterator, dst any) error {
	if u, ok := dst.(Unmarshaler); ok {
		return u.Unmarshal(it.body)
	}
	return Unmarshal(it.body, dst)
}

// describedConstructors maps a composite's descriptor code to a zero-value
// constructor used when decoding into an `any` (map value, array element, or
// AMQP-value message body) rather than a known destination type.
var describedConstructors = map[AMQPType]func() Unmarshaler{
	TypeCodeError:              func() Unmarshaler { return &Error{} },
	TypeCodeStateReceived:      func() Unmarshaler { return &StateReceived{} },
	TypeCodeStateAccepted:      func() Unmarshaler { return &StateAccepted{} },
	TypeCodeStateRejected:      func() Unmarshaler { return &StateRejected{} },
	TypeCodeStateReleased:      func() Unmarshaler { return &StateReleased{} },
	TypeCodeStateModified:      func() Unmarshaler { return &StateModified{} },
	TypeCodeStateDeclared:      func() Unmarshaler { return &StateDeclared{} },
	TypeCodeStateTransactional: func() Unmarshaler { return &StateTransactional{} },
}

func (e *Error) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeError, []MarshalField{
		{Value: e.Condition, Omit: false},
		{Value: e.Description, Omit: e.Description == ""},
		{Value: e.Info, Omit: len(e.Info) == 0},
	})
}

func (e *Error) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeError,
		UnmarshalField{Field: &e.Condition},
		UnmarshalField{Field: &e.Description},
		UnmarshalField{Field: &e.Info},
	)
}

func (s *StateReceived) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReceived, []MarshalField{
		{Value: s.SectionNumber},
		{Value: s.SectionOffset},
	})
}

func (s *StateReceived) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReceived,
		UnmarshalField{Field: &s.SectionNumber},
		UnmarshalField{Field: &s.SectionOffset},
	)
}

func (s *StateAccepted) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateAccepted, nil)
}

func (s *StateAccepted) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateAccepted)
}

func (s *StateRejected) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateRejected, []MarshalField{
		{Value: s.Error, Omit: s.Error == nil},
	})
}

func (s *StateRejected) Unmarshal(r *buffer.Buffer) error {
	s.Error = new(Error)
	return UnmarshalComposite(r, TypeCodeStateRejected,
		UnmarshalField{Field: s.Error, HandleNull: func() error {
			s.Error = nil
			return nil
		}},
	)
}

func (s *StateReleased) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateReleased, nil)
}

func (s *StateReleased) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateReleased)
}

func (s *StateModified) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateModified, []MarshalField{
		{Value: s.DeliveryFailed, Omit: !s.DeliveryFailed},
		{Value: s.UndeliverableHere, Omit: !s.UndeliverableHere},
		{Value: s.MessageAnnotations, Omit: len(s.MessageAnnotations) == 0},
	})
}

func (s *StateModified) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateModified,
		UnmarshalField{Field: &s.DeliveryFailed},
		UnmarshalField{Field: &s.UndeliverableHere},
		UnmarshalField{Field: &s.MessageAnnotations},
	)
}

// Marshal/Unmarshal for StateDeclared and StateTransactional are
// pass-through only: fields are carried across the wire unexamined and no
// transaction coordination semantics are implemented (DESIGN.md open
// question 3).
func (s *StateDeclared) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateDeclared, []MarshalField{
		{Value: s.TransactionID},
	})
}

func (s *StateDeclared) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateDeclared,
		UnmarshalField{Field: &s.TransactionID},
	)
}

func (s *StateTransactional) Marshal(wr *buffer.Buffer) error {
	return MarshalComposite(wr, TypeCodeStateTransactional, []MarshalField{
		{Value: s.TransactionID, Omit: len(s.TransactionID) == 0},
		{Value: s.Outcome, Omit: s.Outcome == nil},
	})
}

func (s *StateTransactional) Unmarshal(r *buffer.Buffer) error {
	return UnmarshalComposite(r, TypeCodeStateTransactional,
		UnmarshalField{Field: &s.TransactionID},
		UnmarshalField{Field: &s.Outcome},
	)
}

// DecodeDeliveryState decodes any of the delivery-state composites,
// dispatching on the wire descriptor. Used for performative fields typed as
// the DeliveryState interface (transfer.State, disposition.State).
func DecodeDeliveryState(r *buffer.Buffer) (DeliveryState, error) {
	if IsNull(r) {
		r.Skip(1)
		return nil, nil
	}
	t, err := PeekType(r)
	if err != nil {
		return nil, err
	}
	if t != TypeCodeDescriptor {
		return nil, fmt.Errorf("amqp: expected described delivery-state, got %#02x", byte(t))
	}

	pos := r.Pos()
	r.Skip(1)
	d, err := Decode(r)
	if err != nil {
		return nil, err
	}
	code, ok := descriptorCode(d)
	if !ok {
		return nil, fmt.Errorf("amqp: unrecognized delivery-state descriptor %v", d)
	}
	r.Rewind(pos)

	var state DeliveryState
	switch code {
	case TypeCodeStateReceived:
		state = &StateReceived{}
	case TypeCodeStateAccepted:
		state = &StateAccepted{}
	case TypeCodeStateRejected:
		state = &StateRejected{}
	case TypeCodeStateReleased:
		state = &StateReleased{}
	case TypeCodeStateModified:
		state = &StateModified{}
	case TypeCodeStateDeclared:
		state = &StateDeclared{}
	case TypeCodeStateTransactional:
		state = &StateTransactional{}
	default:
		return nil, fmt.Errorf("amqp: unrecognized delivery state descriptor %#02x", byte(code))
	}
	if err := state.(Unmarshaler).Unmarshal(r); err != nil {
		return nil, err
	}
	return state, nil
}
