// Package shared holds small helpers with no natural home in a single
// layer, shared across the connection/session/link plumbing.
package shared

import (
	"crypto/rand"
	"math/big"
)

const randStringAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// RandString returns a random alphanumeric string of length n, used to
// generate unique link names when the caller doesn't supply one.
func RandString(n int) string {
	b := make([]byte, n)
	max := big.NewInt(int64(len(randStringAlphabet)))
	for i := range b {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			// crypto/rand failing indicates a broken system entropy source;
			// there's no sane fallback that preserves the uniqueness this
			// is used for.
			panic(err)
		}
		b[i] = randStringAlphabet[idx.Int64()]
	}
	return string(b)
}
