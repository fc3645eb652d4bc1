package amqp

import "time"

// ConnOptions contains the optional settings for configuring an AMQP connection.
type ConnOptions struct {
	// ContainerID sets the container-id of the Open performative sent during
	// connection handshake.
	//
	// Default: a randomly generated string.
	ContainerID string

	// HostName sets the hostname of the Open performative, used for SNI/vhost
	// style routing by the peer.
	HostName string

	// IdleTimeout is the idle timeout this side advertises on Open (spec
	// §2.4.5). If no frame arrives from the peer for twice this period, the
	// connection is closed.
	//
	// Default: 1 minute.
	IdleTimeout time.Duration

	// MaxFrameSize sets the maximum frame size this peer is willing to
	// accept, advertised in the Open performative.
	//
	// Default: 32768.
	MaxFrameSize uint32

	// MaxSessions sets the maximum number of sessions (channel-max + 1) this
	// peer supports on this connection.
	//
	// Default: 32768.
	MaxSessions uint16

	// Properties sets arbitrary connection properties sent on the Open
	// performative.
	Properties map[string]any

	// SASLType configures SASL negotiation for the connection. Use
	// ConnSASLPlain or ConnSASLAnonymous.
	SASLType SASLType

	// WriteTimeout sets the maximum time to wait for a single frame write
	// to complete before the connection is considered dead.
	//
	// Default: no timeout.
	WriteTimeout time.Duration
}

// SessionOptions contains the optional settings for configuring an AMQP session.
type SessionOptions struct {
	// IncomingWindow sets the transfer-count window this session will
	// advertise for incoming transfers.
	//
	// Default: 5000.
	IncomingWindow uint32

	// OutgoingWindow sets the transfer-count window this session will
	// respect for outgoing transfers.
	//
	// Default: 1000.
	OutgoingWindow uint32

	// MaxLinks sets the maximum number of links (handle-max + 1) this
	// session supports.
	//
	// Default: 4294967295.
	MaxLinks uint32
}

// SenderOptions contains the optional settings for configuring a [Sender].
type SenderOptions struct {
	// Capabilities is the list of extension capabilities the sender's source supports.
	Capabilities []string

	// Durability specifies the durability requirements of the link's source.
	//
	// Default: DurabilityNone.
	Durability Durability

	// DynamicAddress requests the peer assign a dynamic address to the
	// link's target rather than using the address passed to NewSender.
	DynamicAddress bool

	// ExpiryPolicy specifies when the expiry timer of the link's source
	// starts counting down.
	//
	// Default: ExpiryPolicySessionEnd.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout sets the delay, in seconds, after the expiry policy
	// triggers before the link's source terminus is discarded.
	//
	// Default: 0.
	ExpiryTimeout uint32

	// IgnoreDispositionErrors prevents the sender from automatically closing
	// the link when it receives a rejecting disposition.
	IgnoreDispositionErrors bool

	// Name sets the link name instead of the engine-generated random one.
	Name string

	// Properties sets arbitrary link properties sent on the Attach performative.
	Properties map[string]any

	// RequestedReceiverSettleMode requests a specific receiver settlement
	// mode from the peer; nil defers to the peer's preference.
	RequestedReceiverSettleMode *ReceiverSettleMode

	// SettlementMode sets the sender's settlement mode; nil defaults to
	// SenderSettleModeMixed.
	SettlementMode *SenderSettleMode

	// SourceAddress overrides the address advertised on the link's source
	// (by default a sender's source has no address).
	SourceAddress string

	// TargetCapabilities is the list of extension capabilities advertised on
	// the link's target.
	TargetCapabilities []string

	// TargetDurability specifies the durability requirements of the link's target.
	TargetDurability Durability

	// TargetExpiryPolicy specifies when the expiry timer of the link's
	// target starts counting down.
	//
	// Default: ExpiryPolicySessionEnd.
	TargetExpiryPolicy ExpiryPolicy

	// TargetExpiryTimeout sets the delay, in seconds, after the expiry
	// policy triggers before the link's target terminus is discarded.
	TargetExpiryTimeout uint32
}

// ReceiverOptions contains the optional settings for configuring a [Receiver].
type ReceiverOptions struct {
	// Capabilities is the list of extension capabilities the receiver's target supports.
	Capabilities []string

	// Credit sets the amount of link-credit issued to the sender when the
	// link is attached. Use IssueCredit to request more credit afterwards.
	//
	// Default: 1.
	Credit uint32

	// Durability specifies the durability requirements of the link's target.
	Durability Durability

	// DynamicAddress requests the peer assign a dynamic address to the
	// link's source rather than using the address passed to NewReceiver.
	DynamicAddress bool

	// ExpiryPolicy specifies when the expiry timer of the link's target
	// starts counting down.
	ExpiryPolicy ExpiryPolicy

	// ExpiryTimeout sets the delay, in seconds, after the expiry policy
	// triggers before the link's target terminus is discarded.
	ExpiryTimeout uint32

	// Filters sets the source filters used to restrict delivery (e.g. a
	// selector filter on a topic subscription).
	Filters []LinkFilter

	// ManualCredits disables automatic credit replenishment; the caller is
	// responsible for calling IssueCredit.
	ManualCredits bool

	// MaxMessageSize sets the maximum message size the receiver will accept.
	MaxMessageSize uint64

	// Name sets the link name instead of the engine-generated random one.
	Name string

	// Properties sets arbitrary link properties sent on the Attach performative.
	Properties map[string]any

	// RequestedSenderSettleMode requests a specific sender settlement mode
	// from the peer; nil defers to the peer's preference.
	RequestedSenderSettleMode *SenderSettleMode

	// SettlementMode sets the receiver's settlement mode; nil defaults to
	// ReceiverSettleModeFirst.
	SettlementMode *ReceiverSettleMode

	// SourceCapabilities is the list of extension capabilities advertised on
	// the link's source.
	SourceCapabilities []string

	// TargetAddress overrides the address advertised on the link's target
	// (by default a receiver's target has no address).
	TargetAddress string
}

// LinkFilter is a key/value pair used to restrict the messages delivered to
// a receiver, applied to the link source's filter set.
type LinkFilter struct {
	Key   string
	Value any
}
