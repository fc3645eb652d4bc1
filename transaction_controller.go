package amqp

import (
	"context"
	"fmt"

	"github.com/qpid-go/amqpcore/internal/debug"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// TransactionControllerOptions contains the optional settings for configuring a [TransactionController].
type TransactionControllerOptions struct {
	// Capabilities is the list of extension capabilities the sender supports.
	Capabilities []string
}

// TransactionController drives declare/discharge exchanges against a
// node's transaction coordinator. It is a thin veneer over a [Sender]:
// each operation is an ordinary message whose body is the declare or
// discharge composite, and whose outcome comes back as the delivery's
// settlement state. The engine carries those states through verbatim and
// performs no coordination of its own.
type TransactionController struct {
	sender *Sender
}

// NewTransactionController attaches a sending link to the session's node
// as a transaction controller and returns it. The link advertises the
// local-transactions capability on its target; declare/discharge outcomes
// are carried through verbatim, with no coordination performed locally.
func (s *Session) NewTransactionController(ctx context.Context, opts *TransactionControllerOptions) (*TransactionController, error) {
	sOpts := &SenderOptions{
		TargetCapabilities: []string{"amqp:local-transactions"},
	}
	if opts != nil {
		sOpts.TargetCapabilities = append(sOpts.TargetCapabilities, opts.Capabilities...)
	}

	snd, err := s.NewSender(ctx, "", sOpts)
	if err != nil {
		return nil, err
	}
	return &TransactionController{sender: snd}, nil
}

// DeclareOptions contains the optional parameters for the [TransactionController.Declare] method.
type DeclareOptions struct {
	// placeholder for future optional parameters
}

// Declare asks the coordinator to begin a transaction, returning the
// transaction id the coordinator assigned. The id is opaque to this
// engine; it only ever travels back to the coordinator inside a discharge
// or a transactional delivery state.
func (tc *TransactionController) Declare(ctx context.Context, declare TransactionDeclare, opts *DeclareOptions) (any, error) {
	state, err := tc.sender.deliver(ctx, &Message{Value: declare})
	if err != nil {
		return nil, err
	}

	declared, ok := state.(*encoding.StateDeclared)
	if !ok {
		return nil, fmt.Errorf("amqp: coordinator answered declare with %T, not a declared state", state)
	}

	debug.Log(1, "RX (TransactionController): declared txn-id %v", declared.TransactionID)
	return declared.TransactionID, nil
}

// DischargeOptions contains the optional parameters for the [TransactionController.Discharge] method.
type DischargeOptions struct {
	// placeholder for future optional parameters
}

// Discharge ends the transaction named by discharge.TransactionID,
// committing it, or rolling it back when discharge.Fail is set.
func (tc *TransactionController) Discharge(ctx context.Context, discharge TransactionDischarge, opts *DischargeOptions) error {
	debug.Log(1, "TX (TransactionController): discharging txn-id %v, fail=%v", discharge.TransactionID, discharge.Fail)
	return tc.sender.Send(ctx, &Message{Value: discharge}, nil)
}

// Close closes the AMQP link backing this transaction controller. Any
// transactions left undischarged are the coordinator's to time out and
// roll back.
func (tc *TransactionController) Close(ctx context.Context) error {
	return tc.sender.Close(ctx)
}
