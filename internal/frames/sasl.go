package frames

import (
	"errors"
	"fmt"

	"github.com/qpid-go/amqpcore/internal/buffer"
	"github.com/qpid-go/amqpcore/internal/encoding"
)

// SASLCode is the outcome of a SASL exchange (spec §5.3.3.5).
type SASLCode uint8

const (
	SASLCodeOK      SASLCode = iota // connection authentication succeeded
	SASLCodeAuth                    // connection authentication failed due to an unspecified problem with the supplied credentials
	SASLCodeSys                     // connection authentication failed due to a system error
	SASLCodeSysPerm                 // connection authentication failed due to a system error that is unlikely to be corrected without intervention
	SASLCodeSysTemp                 // connection authentication failed due to a transient system error
)

func (s SASLCode) Marshal(wr *buffer.Buffer) error {
	return encoding.Marshal(wr, uint8(s))
}

func (s *SASLCode) Unmarshal(r *buffer.Buffer) error {
	var n uint8
	if err := encoding.Unmarshal(r, &n); err != nil {
		return err
	}
	*s = SASLCode(n)
	return nil
}

// SASLInit begins a SASL negotiation with the chosen mechanism (spec §5.3.3.2).
type SASLInit struct {
	Mechanism       encoding.Symbol
	InitialResponse []byte
	Hostname        string
}

func (si *SASLInit) frameBody() {}

func (si *SASLInit) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLInit, []encoding.MarshalField{
		{Value: si.Mechanism},
		{Value: si.InitialResponse, Omit: len(si.InitialResponse) == 0},
		{Value: si.Hostname, Omit: si.Hostname == ""},
	})
}

func (si *SASLInit) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLInit,
		encoding.UnmarshalField{Field: &si.Mechanism, HandleNull: func() error { return errors.New("amqp: SASLInit.Mechanism is required") }},
		encoding.UnmarshalField{Field: &si.InitialResponse},
		encoding.UnmarshalField{Field: &si.Hostname},
	)
}

func (si *SASLInit) String() string {
	return fmt.Sprintf("SASLInit{Mechanism: %s, InitialResponse: ********, Hostname: %s}", si.Mechanism, si.Hostname)
}

// SASLMechanisms advertises the mechanisms a server supports (spec §5.3.3.1).
type SASLMechanisms struct {
	Mechanisms encoding.MultiSymbol
}

func (sm *SASLMechanisms) frameBody() {}

func (sm *SASLMechanisms) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLMechanism, []encoding.MarshalField{
		{Value: sm.Mechanisms},
	})
}

func (sm *SASLMechanisms) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLMechanism,
		encoding.UnmarshalField{Field: &sm.Mechanisms, HandleNull: func() error { return errors.New("amqp: SASLMechanisms.Mechanisms is required") }},
	)
}

func (sm *SASLMechanisms) String() string {
	return fmt.Sprintf("SASLMechanisms{Mechanisms: %v}", sm.Mechanisms)
}

// SASLChallenge carries a server challenge (spec §5.3.3.3).
type SASLChallenge struct {
	Challenge []byte
}

func (sc *SASLChallenge) frameBody() {}

func (sc *SASLChallenge) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLChallenge, []encoding.MarshalField{
		{Value: sc.Challenge},
	})
}

func (sc *SASLChallenge) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLChallenge,
		encoding.UnmarshalField{Field: &sc.Challenge, HandleNull: func() error { return errors.New("amqp: SASLChallenge.Challenge is required") }},
	)
}

func (sc *SASLChallenge) String() string { return "SASLChallenge{Challenge: ********}" }

// SASLResponse answers a server challenge (spec §5.3.3.4).
type SASLResponse struct {
	Response []byte
}

func (sr *SASLResponse) frameBody() {}

func (sr *SASLResponse) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLResponse, []encoding.MarshalField{
		{Value: sr.Response},
	})
}

func (sr *SASLResponse) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLResponse,
		encoding.UnmarshalField{Field: &sr.Response, HandleNull: func() error { return errors.New("amqp: SASLResponse.Response is required") }},
	)
}

func (sr *SASLResponse) String() string { return "SASLResponse{Response: ********}" }

// SASLOutcome concludes a SASL negotiation (spec §5.3.3.5).
type SASLOutcome struct {
	Code           SASLCode
	AdditionalData []byte
}

func (so *SASLOutcome) frameBody() {}

func (so *SASLOutcome) Marshal(wr *buffer.Buffer) error {
	return encoding.MarshalComposite(wr, encoding.TypeCodeSASLOutcome, []encoding.MarshalField{
		{Value: so.Code},
		{Value: so.AdditionalData, Omit: len(so.AdditionalData) == 0},
	})
}

func (so *SASLOutcome) Unmarshal(r *buffer.Buffer) error {
	return encoding.UnmarshalComposite(r, encoding.TypeCodeSASLOutcome,
		encoding.UnmarshalField{Field: &so.Code, HandleNull: func() error { return errors.New("amqp: SASLOutcome.Code is required") }},
		encoding.UnmarshalField{Field: &so.AdditionalData},
	)
}

func (so *SASLOutcome) String() string {
	return fmt.Sprintf("SASLOutcome{Code: %v, AdditionalData: %v}", so.Code, so.AdditionalData)
}
