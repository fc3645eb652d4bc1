package amqp

import (
	"fmt"

	"github.com/qpid-go/amqpcore/internal/encoding"
)

// SASLType encodes the choice of SASL mechanism for a connection, along with
// whatever client-side secrets that mechanism needs. Build one with
// ConnSASLPlain or ConnSASLAnonymous and set it on ConnOptions.SASLType.
type SASLType func(*saslConfig) error

// saslConfig accumulates the negotiated SASL mechanism name and the
// initial-response bytes sent on SASLInit. A connection negotiates exactly
// one mechanism.
type saslConfig struct {
	method          encoding.Symbol
	initialResponse []byte
}

// ConnSASLPlain sets the connection's SASL mechanism to PLAIN, authenticating
// with username/password (RFC 4616).
//
// Reference: https://tools.ietf.org/html/rfc4616
func ConnSASLPlain(username, password string) SASLType {
	return func(c *saslConfig) error {
		if len(username) == 0 {
			return fmt.Errorf("amqp: SASL PLAIN username must not be empty")
		}
		// RFC 4616: [authzid] UTF8NUL authcid UTF8NUL passwd
		response := make([]byte, 0, 1+len(username)+1+len(password))
		response = append(response, 0)
		response = append(response, username...)
		response = append(response, 0)
		response = append(response, password...)

		c.method = "PLAIN"
		c.initialResponse = response
		return nil
	}
}

// ConnSASLAnonymous sets the connection's SASL mechanism to ANONYMOUS,
// suitable for brokers that don't require authentication.
func ConnSASLAnonymous() SASLType {
	return func(c *saslConfig) error {
		c.method = "ANONYMOUS"
		c.initialResponse = nil
		return nil
	}
}
