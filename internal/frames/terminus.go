package frames

import (
	"errors"
	"fmt"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// Source describes the origin of messages on a link (spec §3.5.3).
type Source struct {
	Address              string
	Durable              Durability
	ExpiryPolicy         ExpiryPolicy
	Timeout              uint32
	Dynamic              bool
	DynamicNodeProperties map[encoding.Symbol]any
	DistributionMode     encoding.Symbol
	Filter               encoding.Filter
	DefaultOutcome       encoding.DeliveryState
	Outcomes             encoding.MultiSymbol
	Capabilities         encoding.MultiSymbol
}

func (s *Source) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSource, []encoding.MarshalField{
		{Value: s.Address, Omit: s.Address == ""},
		{Value: s.Durable, Omit: s.Durable == DurabilityNone},
		{Value: s.ExpiryPolicy, Omit: s.ExpiryPolicy == "" || s.ExpiryPolicy == ExpirySessionEnd},
		{Value: s.Timeout, Omit: s.Timeout == 0},
		{Value: s.Dynamic, Omit: !s.Dynamic},
		{Value: s.DynamicNodeProperties, Omit: len(s.DynamicNodeProperties) == 0},
		{Value: s.DistributionMode, Omit: s.DistributionMode == ""},
		{Value: s.Filter, Omit: len(s.Filter) == 0},
		{Value: s.DefaultOutcome, Omit: s.DefaultOutcome == nil},
		{Value: s.Outcomes, Omit: len(s.Outcomes) == 0},
		{Value: s.Capabilities, Omit: len(s.Capabilities) == 0},
	})
}

func (s *Source) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSource,
		encoding.UnmarshalField{Field: &s.Address},
		encoding.UnmarshalField{Field: &s.Durable},
		encoding.UnmarshalField{Field: &s.ExpiryPolicy, HandleNull: func() error { s.ExpiryPolicy = ExpirySessionEnd; return nil }},
		encoding.UnmarshalField{Field: &s.Timeout},
		encoding.UnmarshalField{Field: &s.Dynamic},
		encoding.UnmarshalField{Field: &s.DynamicNodeProperties},
		encoding.UnmarshalField{Field: &s.DistributionMode},
		encoding.UnmarshalField{Field: &s.Filter},
		encoding.UnmarshalField{Field: &s.DefaultOutcome},
		encoding.UnmarshalField{Field: &s.Outcomes},
		encoding.UnmarshalField{Field: &s.Capabilities},
	)
}

func (s *Source) String() string {
	if s == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Source{Address: %s, Durable: %v, Dynamic: %t}", s.Address, s.Durable, s.Dynamic)
}

// Target describes the destination of messages on a link (spec §3.5.4).
type Target struct {
	Address               string
	Durable               Durability
	ExpiryPolicy          ExpiryPolicy
	Timeout               uint32
	Dynamic               bool
	DynamicNodeProperties map[encoding.Symbol]any
	Capabilities          encoding.MultiSymbol
}

func (t *Target) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeTarget, []encoding.MarshalField{
		{Value: t.Address, Omit: t.Address == ""},
		{Value: t.Durable, Omit: t.Durable == DurabilityNone},
		{Value: t.ExpiryPolicy, Omit: t.ExpiryPolicy == "" || t.ExpiryPolicy == ExpirySessionEnd},
		{Value: t.Timeout, Omit: t.Timeout == 0},
		{Value: t.Dynamic, Omit: !t.Dynamic},
		{Value: t.DynamicNodeProperties, Omit: len(t.DynamicNodeProperties) == 0},
		{Value: t.Capabilities, Omit: len(t.Capabilities) == 0},
	})
}

func (t *Target) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeTarget,
		encoding.UnmarshalField{Field: &t.Address},
		encoding.UnmarshalField{Field: &t.Durable},
		encoding.UnmarshalField{Field: &t.ExpiryPolicy, HandleNull: func() error { t.ExpiryPolicy = ExpirySessionEnd; return nil }},
		encoding.UnmarshalField{Field: &t.Timeout},
		encoding.UnmarshalField{Field: &t.Dynamic},
		encoding.UnmarshalField{Field: &t.DynamicNodeProperties},
		encoding.UnmarshalField{Field: &t.Capabilities},
	)
}

func (t *Target) String() string {
	if t == nil {
		return "<nil>"
	}
	return fmt.Sprintf("Target{Address: %s, Durable: %v, Dynamic: %t}", t.Address, t.Durable, t.Dynamic)
}

// Durability is a terminus's durability policy (spec §3.5.5).
type Durability uint32

const (
	DurabilityNone           Durability = 0
	DurabilityConfiguration  Durability = 1
	DurabilityUnsettledState Durability = 2
)

func (d Durability) String() string {
	switch d {
	case DurabilityNone:
		return "none"
	case DurabilityConfiguration:
		return "configuration"
	case DurabilityUnsettledState:
		return "unsettled-state"
	default:
		return fmt.Sprintf("Durability(%d)", uint32(d))
	}
}

func (d Durability) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, uint32(d))
}

func (d *Durability) Unmarshal(r *buffer.Buffer) error {
	var n uint32
	if err := encoding.Unmarshal(r, &n); err != nil {
		return err
	}
	*d = Durability(n)
	return nil
}

// ExpiryPolicy controls when a node associated with a terminus is discarded
// (spec §3.5.6).
type ExpiryPolicy encoding.Symbol

const (
	ExpiryLinkDetach      ExpiryPolicy = "link-detach"
	ExpirySessionEnd      ExpiryPolicy = "session-end"
	ExpiryConnectionClose ExpiryPolicy = "connection-close"
	ExpiryNever           ExpiryPolicy = "never"
)

// ValidateExpiryPolicy returns an error if e is not one of the defined
// expiry-policy values.
func ValidateExpiryPolicy(e ExpiryPolicy) error {
	switch e {
	case ExpiryLinkDetach, ExpirySessionEnd, ExpiryConnectionClose, ExpiryNever, "":
		return nil
	default:
		return errors.New("amqp: invalid expiry-policy " + string(e))
	}
}

func (e ExpiryPolicy) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, encoding.Symbol(e))
}

func (e *ExpiryPolicy) Unmarshal(r *buffer.Buffer) error {
	var s encoding.Symbol
	if err := encoding.Unmarshal(r, &s); err != nil {
		return err
	}
	switch ExpiryPolicy(s) {
	case ExpiryLinkDetach, ExpirySessionEnd, ExpiryConnectionClose, ExpiryNever:
		*e = ExpiryPolicy(s)
		return nil
	case "":
		*e = ExpirySessionEnd
		return nil
	default:
		return errors.New("amqp: invalid expiry-policy " + string(s))
	}
}
