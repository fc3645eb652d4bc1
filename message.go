package amqp

import (
	"fmt"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// MessageHeader carries delivery-related information about a message,
// conveyed in the message's header section (spec §3.2.1).
type MessageHeader struct {
	Durable       bool
	Priority      uint8
	TTL           time.Duration
	FirstAcquirer bool
	DeliveryCount uint32
}

func (h *MessageHeader) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageHeader, []encoding.MarshalField{
		{Value: h.Durable, Omit: !h.Durable},
		{Value: h.Priority, Omit: h.Priority == 4},
		{Value: encoding.Milliseconds(h.TTL), Omit: h.TTL == 0},
		{Value: h.FirstAcquirer, Omit: !h.FirstAcquirer},
		{Value: h.DeliveryCount, Omit: h.DeliveryCount == 0},
	})
}

func (h *MessageHeader) Unmarshal(r *buffer.Buffer) error {
	h.Priority = 4
	return encoding.UnmarshalComposite(r, encoding.TypeCodeMessageHeader,
		encoding.UnmarshalField{Field: &h.Durable},
		encoding.UnmarshalField{Field: &h.Priority},
		encoding.UnmarshalField{Field: &h.TTL},
		encoding.UnmarshalField{Field: &h.FirstAcquirer},
		encoding.UnmarshalField{Field: &h.DeliveryCount},
	)
}

// MessageProperties is the immutable, application-set properties of a
// message, conveyed in the message's properties section (spec §3.2.4).
type MessageProperties struct {
	MessageID          any
	UserID             []byte
	To                 string
	Subject            string
	ReplyTo            string
	CorrelationID      any
	ContentType        string
	ContentEncoding    string
	AbsoluteExpiryTime time.Time
	CreationTime       time.Time
	GroupID            string
	GroupSequence      uint32
	ReplyToGroupID     string
}

func (p *MessageProperties) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeMessageProperties, []encoding.MarshalField{
		{Value: p.MessageID, Omit: p.MessageID == nil},
		{Value: p.UserID, Omit: len(p.UserID) == 0},
		{Value: p.To, Omit: p.To == ""},
		{Value: p.Subject, Omit: p.Subject == ""},
		{Value: p.ReplyTo, Omit: p.ReplyTo == ""},
		{Value: p.CorrelationID, Omit: p.CorrelationID == nil},
		{Value: encoding.Symbol(p.ContentType), Omit: p.ContentType == ""},
		{Value: encoding.Symbol(p.ContentEncoding), Omit: p.ContentEncoding == ""},
		{Value: p.AbsoluteExpiryTime, Omit: p.AbsoluteExpiryTime.IsZero()},
		{Value: p.CreationTime, Omit: p.CreationTime.IsZero()},
		{Value: p.GroupID, Omit: p.GroupID == ""},
		{Value: p.GroupSequence, Omit: p.GroupSequence == 0},
		{Value: p.ReplyToGroupID, Omit: p.ReplyToGroupID == ""},
	})
}

func (p *MessageProperties) Unmarshal(r *buffer.Buffer) error {
	var contentType, contentEncoding encoding.Symbol
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeMessageProperties,
		encoding.UnmarshalField{Field: &p.MessageID},
		encoding.UnmarshalField{Field: &p.UserID},
		encoding.UnmarshalField{Field: &p.To},
		encoding.UnmarshalField{Field: &p.Subject},
		encoding.UnmarshalField{Field: &p.ReplyTo},
		encoding.UnmarshalField{Field: &p.CorrelationID},
		encoding.UnmarshalField{Field: &contentType},
		encoding.UnmarshalField{Field: &contentEncoding},
		encoding.UnmarshalField{Field: &p.AbsoluteExpiryTime},
		encoding.UnmarshalField{Field: &p.CreationTime},
		encoding.UnmarshalField{Field: &p.GroupID},
		encoding.UnmarshalField{Field: &p.GroupSequence},
		encoding.UnmarshalField{Field: &p.ReplyToGroupID},
	)
	p.ContentType = string(contentType)
	p.ContentEncoding = string(contentEncoding)
	return err
}

// Message is an AMQP message: a sequence of optional sections (spec §3.2).
// Only the sections this engine's Sender/Receiver round-trip are modeled;
// unknown/unsupported sections are not preserved.
type Message struct {
	// Format is the message-format field of the first TRANSFER carrying
	// this message (spec §2.7.5). 0 is the only format this engine
	// interprets; others are passed through uninspected.
	Format uint32

	// DeliveryTag, if set, is used verbatim instead of an
	// engine-generated tag (must be <= 32 bytes).
	DeliveryTag []byte

	// SendSettled hints that this message should be sent settled when the
	// link's sender-settle-mode is "mixed".
	SendSettled bool

	Header                *MessageHeader
	DeliveryAnnotations   encoding.Annotations
	Annotations           encoding.Annotations
	Properties            *MessageProperties
	ApplicationProperties map[string]any
	Data                  [][]byte
	Value                 any
	Footer                encoding.Annotations

	// deliveryID and deliveryTag identify the delivery this message was
	// received on, so Receiver.AcceptMessage/RejectMessage/etc. can send a
	// disposition naming it. Zero value for messages that were never
	// received (e.g. ones about to be sent).
	deliveryID  uint32
	deliveryTag []byte
}

// NewMessage returns a Message with a single Data section containing data.
func NewMessage(data []byte) *Message {
	return &Message{Data: [][]byte{data}}
}

// GetData returns the concatenation of all Data sections, or nil if the
// message carries an amqp-value/amqp-sequence body instead.
func (m *Message) GetData() []byte {
	if len(m.Data) == 0 {
		return nil
	}
	if len(m.Data) == 1 {
		return m.Data[0]
	}
	var out []byte
	for _, d := range m.Data {
		out = append(out, d...)
	}
	return out
}

// Marshal encodes the message's sections, in wire order, into wr.
func (m *Message) Marshal(wr *buffer.Buffer) error {
	if m.Header != nil {
		if err := m.Header.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.DeliveryAnnotations) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeDeliveryAnnotations, []encoding.MarshalField{
			{Value: map[any]any(m.DeliveryAnnotations)},
		}); err != nil {
			return err
		}
	}
	if len(m.Annotations) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeMessageAnnotations, []encoding.MarshalField{
			{Value: map[any]any(m.Annotations)},
		}); err != nil {
			return err
		}
	}
	if m.Properties != nil {
		if err := m.Properties.Marshal(wr); err != nil {
			return err
		}
	}
	if len(m.ApplicationProperties) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationProperties, []encoding.MarshalField{
			{Value: m.ApplicationProperties},
		}); err != nil {
			return err
		}
	}
	for _, data := range m.Data {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeApplicationData, []encoding.MarshalField{
			{Value: data},
		}); err != nil {
			return err
		}
	}
	if m.Value != nil {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeAMQPValue, []encoding.MarshalField{
			{Value: m.Value},
		}); err != nil {
			return err
		}
	}
	if len(m.Footer) > 0 {
		if err := encoding.MarshalComposite(wr, encoding.TypeCodeFooter, []encoding.MarshalField{
			{Value: map[any]any(m.Footer)},
		}); err != nil {
			return err
		}
	}
	return nil
}

// Unmarshal decodes a message's sections from r, which holds the
// concatenated payload of one or more TRANSFER frames for a single
// delivery.
func (m *Message) Unmarshal(r *buffer.Buffer) error {
	for r.Len() > 0 {
		// each section is a described composite/value; peek its descriptor
		// without consuming so we can allocate the right section type.
		code, err := encoding.PeekCompositeType(r)
		if err != nil {
			return err
		}
		switch code {
		case encoding.TypeCodeMessageHeader:
			m.Header = new(MessageHeader)
			if err := m.Header.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeDeliveryAnnotations:
			var ann map[any]any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeDeliveryAnnotations, encoding.UnmarshalField{Field: &ann}); err != nil {
				return err
			}
			m.DeliveryAnnotations = ann
		case encoding.TypeCodeMessageAnnotations:
			var ann map[any]any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeMessageAnnotations, encoding.UnmarshalField{Field: &ann}); err != nil {
				return err
			}
			m.Annotations = ann
		case encoding.TypeCodeMessageProperties:
			m.Properties = new(MessageProperties)
			if err := m.Properties.Unmarshal(r); err != nil {
				return err
			}
		case encoding.TypeCodeApplicationProperties:
			var props map[string]any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationProperties, encoding.UnmarshalField{Field: &props}); err != nil {
				return err
			}
			m.ApplicationProperties = props
		case encoding.TypeCodeApplicationData:
			var data []byte
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeApplicationData, encoding.UnmarshalField{Field: &data}); err != nil {
				return err
			}
			m.Data = append(m.Data, data)
		case encoding.TypeCodeAMQPValue:
			var v any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeAMQPValue, encoding.UnmarshalField{Field: &v}); err != nil {
				return err
			}
			m.Value = v
		case encoding.TypeCodeFooter:
			var ann map[any]any
			if err := encoding.UnmarshalComposite(r, encoding.TypeCodeFooter, encoding.UnmarshalField{Field: &ann}); err != nil {
				return err
			}
			m.Footer = ann
		default:
			return fmt.Errorf("amqp: unsupported message section descriptor %#02x", byte(code))
		}
	}
	return nil
}
