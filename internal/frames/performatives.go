package frames

import (
	"errors"
	"fmt"
	"time"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// PerformOpen is the connection negotiation performative (spec §2.7.1).
type PerformOpen struct {
	ContainerID         string // required
	Hostname            string
	MaxFrameSize        uint32        // default: 4294967295
	ChannelMax          uint16        // default: 65535
	IdleTimeout         time.Duration // from milliseconds
	OutgoingLocales     encoding.MultiSymbol
	IncomingLocales     encoding.MultiSymbol
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (o *PerformOpen) frameBody() {}

func (o *PerformOpen) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeOpen, []encoding.MarshalField{
		{Value: o.ContainerID},
		{Value: o.Hostname, Omit: o.Hostname == ""},
		{Value: o.MaxFrameSize, Omit: o.MaxFrameSize == 4294967295},
		{Value: o.ChannelMax, Omit: o.ChannelMax == 65535},
		{Value: encoding.Milliseconds(o.IdleTimeout), Omit: o.IdleTimeout == 0},
		{Value: o.OutgoingLocales, Omit: len(o.OutgoingLocales) == 0},
		{Value: o.IncomingLocales, Omit: len(o.IncomingLocales) == 0},
		{Value: o.OfferedCapabilities, Omit: len(o.OfferedCapabilities) == 0},
		{Value: o.DesiredCapabilities, Omit: len(o.DesiredCapabilities) == 0},
		{Value: o.Properties, Omit: len(o.Properties) == 0},
	})
}

func (o *PerformOpen) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeOpen,
		encoding.UnmarshalField{Field: &o.ContainerID, HandleNull: func() error { return errors.New("amqp: Open.ContainerID is required") }},
		encoding.UnmarshalField{Field: &o.Hostname},
		encoding.UnmarshalField{Field: &o.MaxFrameSize, HandleNull: func() error { o.MaxFrameSize = 4294967295; return nil }},
		encoding.UnmarshalField{Field: &o.ChannelMax, HandleNull: func() error { o.ChannelMax = 65535; return nil }},
		encoding.UnmarshalField{Field: &o.IdleTimeout},
		encoding.UnmarshalField{Field: &o.OutgoingLocales},
		encoding.UnmarshalField{Field: &o.IncomingLocales},
		encoding.UnmarshalField{Field: &o.OfferedCapabilities},
		encoding.UnmarshalField{Field: &o.DesiredCapabilities},
		encoding.UnmarshalField{Field: &o.Properties},
	)
}

func (o *PerformOpen) String() string {
	return fmt.Sprintf("Open{ContainerID: %s, Hostname: %s, MaxFrameSize: %d, ChannelMax: %d, IdleTimeout: %v}",
		o.ContainerID, o.Hostname, o.MaxFrameSize, o.ChannelMax, o.IdleTimeout)
}

// PerformBegin starts a session on a channel (spec §2.7.2).
type PerformBegin struct {
	RemoteChannel       *uint16
	NextOutgoingID      uint32 // required
	IncomingWindow      uint32 // required
	OutgoingWindow      uint32 // required
	HandleMax           uint32 // default: 4294967295
	OfferedCapabilities encoding.MultiSymbol
	DesiredCapabilities encoding.MultiSymbol
	Properties          map[encoding.Symbol]any
}

func (b *PerformBegin) frameBody() {}

func (b *PerformBegin) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeBegin, []encoding.MarshalField{
		{Value: b.RemoteChannel, Omit: b.RemoteChannel == nil},
		{Value: b.NextOutgoingID},
		{Value: b.IncomingWindow},
		{Value: b.OutgoingWindow},
		{Value: b.HandleMax, Omit: b.HandleMax == 4294967295},
		{Value: b.OfferedCapabilities, Omit: len(b.OfferedCapabilities) == 0},
		{Value: b.DesiredCapabilities, Omit: len(b.DesiredCapabilities) == 0},
		{Value: b.Properties, Omit: len(b.Properties) == 0},
	})
}

func (b *PerformBegin) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeBegin,
		encoding.UnmarshalField{Field: &b.RemoteChannel},
		encoding.UnmarshalField{Field: &b.NextOutgoingID, HandleNull: func() error { return errors.New("amqp: Begin.NextOutgoingID is required") }},
		encoding.UnmarshalField{Field: &b.IncomingWindow, HandleNull: func() error { return errors.New("amqp: Begin.IncomingWindow is required") }},
		encoding.UnmarshalField{Field: &b.OutgoingWindow, HandleNull: func() error { return errors.New("amqp: Begin.OutgoingWindow is required") }},
		encoding.UnmarshalField{Field: &b.HandleMax, HandleNull: func() error { b.HandleMax = 4294967295; return nil }},
		encoding.UnmarshalField{Field: &b.OfferedCapabilities},
		encoding.UnmarshalField{Field: &b.DesiredCapabilities},
		encoding.UnmarshalField{Field: &b.Properties},
	)
}

func (b *PerformBegin) String() string {
	return fmt.Sprintf("Begin{NextOutgoingID: %d, IncomingWindow: %d, OutgoingWindow: %d, HandleMax: %d}",
		b.NextOutgoingID, b.IncomingWindow, b.OutgoingWindow, b.HandleMax)
}

// PerformAttach establishes a link on a session (spec §2.7.3).
type PerformAttach struct {
	Name                 string // required
	Handle               uint32 // required
	Role                 encoding.Role
	SenderSettleMode     *encoding.SenderSettleMode
	ReceiverSettleMode   *encoding.ReceiverSettleMode
	Source               *Source
	Target               *Target
	Unsettled            encoding.UnsettledMap
	IncompleteUnsettled  bool
	InitialDeliveryCount uint32
	MaxMessageSize       uint64
	OfferedCapabilities  encoding.MultiSymbol
	DesiredCapabilities  encoding.MultiSymbol
	Properties           map[encoding.Symbol]any
}

func (a *PerformAttach) frameBody() {}

func (a *PerformAttach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeAttach, []encoding.MarshalField{
		{Value: a.Name},
		{Value: a.Handle},
		{Value: a.Role},
		{Value: a.SenderSettleMode, Omit: a.SenderSettleMode == nil},
		{Value: a.ReceiverSettleMode, Omit: a.ReceiverSettleMode == nil},
		{Value: a.Source, Omit: a.Source == nil},
		{Value: a.Target, Omit: a.Target == nil},
		{Value: a.Unsettled, Omit: len(a.Unsettled) == 0},
		{Value: a.IncompleteUnsettled, Omit: !a.IncompleteUnsettled},
		{Value: a.InitialDeliveryCount, Omit: a.Role == encoding.RoleReceiver},
		{Value: a.MaxMessageSize, Omit: a.MaxMessageSize == 0},
		{Value: a.OfferedCapabilities, Omit: len(a.OfferedCapabilities) == 0},
		{Value: a.DesiredCapabilities, Omit: len(a.DesiredCapabilities) == 0},
		{Value: a.Properties, Omit: len(a.Properties) == 0},
	})
}

func (a *PerformAttach) Unmarshal(r *buffer.Buffer) error {
	a.Source = new(Source)
	a.Target = new(Target)
	return encoding.UnmarshalComposite(r, encoding.TypeCodeAttach,
		encoding.UnmarshalField{Field: &a.Name, HandleNull: func() error { return errors.New("amqp: Attach.Name is required") }},
		encoding.UnmarshalField{Field: &a.Handle, HandleNull: func() error { return errors.New("amqp: Attach.Handle is required") }},
		encoding.UnmarshalField{Field: &a.Role, HandleNull: func() error { return errors.New("amqp: Attach.Role is required") }},
		encoding.UnmarshalField{Field: &a.SenderSettleMode},
		encoding.UnmarshalField{Field: &a.ReceiverSettleMode},
		encoding.UnmarshalField{Field: a.Source, HandleNull: func() error { a.Source = nil; return nil }},
		encoding.UnmarshalField{Field: a.Target, HandleNull: func() error { a.Target = nil; return nil }},
		encoding.UnmarshalField{Field: &a.Unsettled},
		encoding.UnmarshalField{Field: &a.IncompleteUnsettled},
		encoding.UnmarshalField{Field: &a.InitialDeliveryCount},
		encoding.UnmarshalField{Field: &a.MaxMessageSize},
		encoding.UnmarshalField{Field: &a.OfferedCapabilities},
		encoding.UnmarshalField{Field: &a.DesiredCapabilities},
		encoding.UnmarshalField{Field: &a.Properties},
	)
}

func (a *PerformAttach) String() string {
	return fmt.Sprintf("Attach{Name: %s, Handle: %d, Role: %s, Source: %v, Target: %v}",
		a.Name, a.Handle, a.Role, a.Source, a.Target)
}

// PerformFlow updates session/link credit windows (spec §2.7.4).
type PerformFlow struct {
	NextIncomingID *uint32
	IncomingWindow uint32 // required
	NextOutgoingID uint32 // required
	OutgoingWindow uint32 // required
	Handle         *uint32
	DeliveryCount  *uint32
	LinkCredit     *uint32
	Available      *uint32
	Drain          bool
	Echo           bool
	Properties     map[encoding.Symbol]any
}

func (f *PerformFlow) frameBody() {}

func (f *PerformFlow) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeFlow, []encoding.MarshalField{
		{Value: f.NextIncomingID, Omit: f.NextIncomingID == nil},
		{Value: f.IncomingWindow},
		{Value: f.NextOutgoingID},
		{Value: f.OutgoingWindow},
		{Value: f.Handle, Omit: f.Handle == nil},
		{Value: f.DeliveryCount, Omit: f.DeliveryCount == nil},
		{Value: f.LinkCredit, Omit: f.LinkCredit == nil},
		{Value: f.Available, Omit: f.Available == nil},
		{Value: f.Drain, Omit: !f.Drain},
		{Value: f.Echo, Omit: !f.Echo},
		{Value: f.Properties, Omit: len(f.Properties) == 0},
	})
}

func (f *PerformFlow) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeFlow,
		encoding.UnmarshalField{Field: &f.NextIncomingID},
		encoding.UnmarshalField{Field: &f.IncomingWindow, HandleNull: func() error { return errors.New("amqp: Flow.IncomingWindow is required") }},
		encoding.UnmarshalField{Field: &f.NextOutgoingID, HandleNull: func() error { return errors.New("amqp: Flow.NextOutgoingID is required") }},
		encoding.UnmarshalField{Field: &f.OutgoingWindow, HandleNull: func() error { return errors.New("amqp: Flow.OutgoingWindow is required") }},
		encoding.UnmarshalField{Field: &f.Handle},
		encoding.UnmarshalField{Field: &f.DeliveryCount},
		encoding.UnmarshalField{Field: &f.LinkCredit},
		encoding.UnmarshalField{Field: &f.Available},
		encoding.UnmarshalField{Field: &f.Drain},
		encoding.UnmarshalField{Field: &f.Echo},
		encoding.UnmarshalField{Field: &f.Properties},
	)
}

func (f *PerformFlow) String() string {
	return fmt.Sprintf("Flow{Handle: %v, DeliveryCount: %v, LinkCredit: %v, Drain: %t}",
		f.Handle, f.DeliveryCount, f.LinkCredit, f.Drain)
}

// PerformTransfer carries a message (or a fragment of one) on a link
// (spec §2.7.5).
type PerformTransfer struct {
	Handle             uint32 // required
	DeliveryID         *uint32
	DeliveryTag        []byte
	MessageFormat      *uint32
	Settled            bool
	More               bool
	ReceiverSettleMode *encoding.ReceiverSettleMode
	State              encoding.DeliveryState
	Resume             bool
	Aborted            bool
	Batchable          bool
	Payload            []byte

	// Done, set on the final frame of a delivery, receives the settlement
	// state once the session resolves a matching Disposition and is then
	// closed. Callers that don't want a settlement confirmation leave it nil.
	Done chan encoding.DeliveryState
}

func (t *PerformTransfer) frameBody() {}

func (t *PerformTransfer) Marshal(wr *buffer.Buffer) error {
	err := encoding.MarshalComposite(wr, encoding.TypeCodeTransfer, []encoding.MarshalField{
		{Value: t.Handle},
		{Value: t.DeliveryID, Omit: t.DeliveryID == nil},
		{Value: t.DeliveryTag, Omit: len(t.DeliveryTag) == 0},
		{Value: t.MessageFormat, Omit: t.MessageFormat == nil},
		{Value: t.Settled, Omit: !t.Settled},
		{Value: t.More, Omit: !t.More},
		{Value: t.ReceiverSettleMode, Omit: t.ReceiverSettleMode == nil},
		{Value: t.State, Omit: t.State == nil},
		{Value: t.Resume, Omit: !t.Resume},
		{Value: t.Aborted, Omit: !t.Aborted},
		{Value: t.Batchable, Omit: !t.Batchable},
	})
	if err != nil {
		return err
	}
	wr.Append(t.Payload)
	return nil
}

func (t *PerformTransfer) Unmarshal(r *buffer.Buffer) error {
	err := encoding.UnmarshalComposite(r, encoding.TypeCodeTransfer,
		encoding.UnmarshalField{Field: &t.Handle, HandleNull: func() error { return errors.New("amqp: Transfer.Handle is required") }},
		encoding.UnmarshalField{Field: &t.DeliveryID},
		encoding.UnmarshalField{Field: &t.DeliveryTag},
		encoding.UnmarshalField{Field: &t.MessageFormat},
		encoding.UnmarshalField{Field: &t.Settled},
		encoding.UnmarshalField{Field: &t.More},
		encoding.UnmarshalField{Field: &t.ReceiverSettleMode},
		encoding.UnmarshalField{Field: &t.State},
		encoding.UnmarshalField{Field: &t.Resume},
		encoding.UnmarshalField{Field: &t.Aborted},
		encoding.UnmarshalField{Field: &t.Batchable},
	)
	if err != nil {
		return err
	}
	t.Payload = append([]byte(nil), r.Bytes()...)
	return nil
}

func (t *PerformTransfer) String() string {
	return fmt.Sprintf("Transfer{Handle: %d, DeliveryTag: %q, Settled: %t, More: %t, Payload[size]: %d}",
		t.Handle, t.DeliveryTag, t.Settled, t.More, len(t.Payload))
}

// PerformDisposition communicates or updates delivery outcome (spec §2.7.6).
type PerformDisposition struct {
	Role      encoding.Role
	First     uint32 // required
	Last      *uint32
	Settled   bool
	State     encoding.DeliveryState
	Batchable bool
}

func (d *PerformDisposition) frameBody() {}

func (d *PerformDisposition) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDisposition, []encoding.MarshalField{
		{Value: d.Role},
		{Value: d.First},
		{Value: d.Last, Omit: d.Last == nil},
		{Value: d.Settled, Omit: !d.Settled},
		{Value: d.State, Omit: d.State == nil},
		{Value: d.Batchable, Omit: !d.Batchable},
	})
}

func (d *PerformDisposition) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDisposition,
		encoding.UnmarshalField{Field: &d.Role, HandleNull: func() error { return errors.New("amqp: Disposition.Role is required") }},
		encoding.UnmarshalField{Field: &d.First, HandleNull: func() error { return errors.New("amqp: Disposition.First is required") }},
		encoding.UnmarshalField{Field: &d.Last},
		encoding.UnmarshalField{Field: &d.Settled},
		encoding.UnmarshalField{Field: &d.State},
		encoding.UnmarshalField{Field: &d.Batchable},
	)
}

func (d *PerformDisposition) String() string {
	return fmt.Sprintf("Disposition{Role: %s, First: %d, Last: %v, Settled: %t, State: %v}",
		d.Role, d.First, d.Last, d.Settled, d.State)
}

// PerformDetach removes a link without ending its session (spec §2.7.7).
type PerformDetach struct {
	Handle uint32 // required
	Closed bool
	Error  *encoding.Error
}

func (d *PerformDetach) frameBody() {}

func (d *PerformDetach) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeDetach, []encoding.MarshalField{
		{Value: d.Handle},
		{Value: d.Closed, Omit: !d.Closed},
		{Value: d.Error, Omit: d.Error == nil},
	})
}

func (d *PerformDetach) Unmarshal(r *buffer.Buffer) error {
	d.Error = new(encoding.Error)
	return encoding.UnmarshalComposite(r, encoding.TypeCodeDetach,
		encoding.UnmarshalField{Field: &d.Handle, HandleNull: func() error { return errors.New("amqp: Detach.Handle is required") }},
		encoding.UnmarshalField{Field: &d.Closed},
		encoding.UnmarshalField{Field: d.Error, HandleNull: func() error { d.Error = nil; return nil }},
	)
}

func (d *PerformDetach) String() string {
	return fmt.Sprintf("Detach{Handle: %d, Closed: %t, Error: %v}", d.Handle, d.Closed, d.Error)
}

// PerformEnd terminates a session (spec §2.7.8).
type PerformEnd struct {
	Error *encoding.Error
}

func (e *PerformEnd) frameBody() {}

func (e *PerformEnd) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeEnd, []encoding.MarshalField{
		{Value: e.Error, Omit: e.Error == nil},
	})
}

func (e *PerformEnd) Unmarshal(r *buffer.Buffer) error {
	e.Error = new(encoding.Error)
	return encoding.UnmarshalComposite(r, encoding.TypeCodeEnd,
		encoding.UnmarshalField{Field: e.Error, HandleNull: func() error { e.Error = nil; return nil }},
	)
}

func (e *PerformEnd) String() string {
	return fmt.Sprintf("End{Error: %v}", e.Error)
}

// PerformClose terminates a connection (spec §2.7.9).
type PerformClose struct {
	Error *encoding.Error
}

func (c *PerformClose) frameBody() {}

func (c *PerformClose) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeClose, []encoding.MarshalField{
		{Value: c.Error, Omit: c.Error == nil},
	})
}

func (c *PerformClose) Unmarshal(r *buffer.Buffer) error {
	c.Error = new(encoding.Error)
	return encoding.UnmarshalComposite(r, encoding.TypeCodeClose,
		encoding.UnmarshalField{Field: c.Error, HandleNull: func() error { c.Error = nil; return nil }},
	)
}

func (c *PerformClose) String() string {
	return fmt.Sprintf("Close{Error: %v}", c.Error)
}
