package amqp

import (
	"context"
	"errors"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
	"github.com/qpid-go/amqpcore/internal/frames"
)

// SenderSettleMode specifies how the sender will settle messages sent over a link.
// Default value is ModeMixed.
type SenderSettleMode = encoding.SenderSettleMode

const (
	// SenderSettleModeUnsettled indicates that the sender will send all
	// deliveries initially unsettled to the receiver.
	SenderSettleModeUnsettled SenderSettleMode = encoding.ModeUnsettled

	// SenderSettleModeSettled indicates that the sender will send all
	// deliveries settled to the receiver.
	SenderSettleModeSettled SenderSettleMode = encoding.ModeSettled

	// SenderSettleModeMixed indicates that the sender may send a mixture of
	// settled and unsettled deliveries.
	SenderSettleModeMixed SenderSettleMode = encoding.ModeMixed
)

// ReceiverSettleMode specifies how the receiver will settle messages received from a link.
// Default value is ModeFirst.
type ReceiverSettleMode = encoding.ReceiverSettleMode

const (
	// ReceiverSettleModeFirst indicates that the receiver will spontaneously
	// settle all incoming transfers.
	ReceiverSettleModeFirst ReceiverSettleMode = encoding.ModeFirst

	// ReceiverSettleModeSecond indicates that the receiver will only settle
	// after sending the disposition to the sender and receiving a disposition
	// indicating settlement of the delivery from the sender.
	ReceiverSettleModeSecond ReceiverSettleMode = encoding.ModeSecond
)

// Durability specifies the durability of a link's terminus.
type Durability = frames.Durability

const (
	DurabilityNone           Durability = frames.DurabilityNone
	DurabilityConfiguration  Durability = frames.DurabilityConfiguration
	DurabilityUnsettledState Durability = frames.DurabilityUnsettledState
)

// ExpiryPolicy specifies when the expiry timer of a link's terminus starts
// counting down.
type ExpiryPolicy = frames.ExpiryPolicy

const (
	ExpiryPolicyLinkDetach      ExpiryPolicy = frames.ExpiryLinkDetach
	ExpiryPolicySessionEnd      ExpiryPolicy = frames.ExpirySessionEnd
	ExpiryPolicyConnectionClose ExpiryPolicy = frames.ExpiryConnectionClose
	ExpiryPolicyNever           ExpiryPolicy = frames.ExpiryNever
)

func receiverSettleModeValue(m *ReceiverSettleMode) ReceiverSettleMode {
	if m == nil {
		return ReceiverSettleModeFirst
	}
	return *m
}

func senderSettleModeValue(m *SenderSettleMode) SenderSettleMode {
	if m == nil {
		return SenderSettleModeMixed
	}
	return *m
}

// isContextErr reports whether err is one a caller's context produces
// (deadline exceeded or cancellation), as opposed to a protocol-level error.
func isContextErr(err error) bool {
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled)
}

// TransactionDeclare is the payload of the message sent to a transaction
// coordinator to begin a new transaction.
//
// Reference: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#type-declare
type TransactionDeclare struct {
	// GlobalID specifies the global transaction to be associated with, used
	// for cross-coordinator transaction interoperability. Currently unused.
	GlobalID any
}

// TransactionDischarge is the payload of the message sent to a transaction
// coordinator to end a transaction.
//
// Reference: http://docs.oasis-open.org/amqp/core/v1.0/os/amqp-core-transactions-v1.0-os.html#type-discharge
type TransactionDischarge struct {
	// TransactionID identifies the transaction to discharge, as returned by
	// TransactionController.Declare.
	TransactionID []byte

	// Fail indicates the transaction should be rolled back rather than
	// committed.
	Fail bool
}

// Marshal encodes the declare as the coordinator message body (spec
// amqp-core-transactions §2.6.1): a list of one field, global-id.
func (d TransactionDeclare) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeTransactionDeclare, []encoding.MarshalField{
		{Value: d.GlobalID, Omit: d.GlobalID == nil},
	})
}

// Marshal encodes the discharge as the coordinator message body (spec
// amqp-core-transactions §2.6.2): txn-id, then fail.
func (d TransactionDischarge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeTransactionDischarge, []encoding.MarshalField{
		{Value: d.TransactionID},
		{Value: d.Fail, Omit: !d.Fail},
	})
}
