package flow

import (
	"crypto/rand"
	"math/big"
)

// IDSource generates session handles. Handles double as bearer capability
// for the status endpoints, so they must be unguessable.
type IDSource struct{}

func (IDSource) SessionID() string {
	return randString(32) // Entropy E = L * log2(63) = 32 * log2(63) = 191.3 bits
}

func randString(n int) string {
	const letters = "0123456789ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz-"

	ret := make([]byte, n)
	for i := range n {
		num, _ := rand.Int(rand.Reader, big.NewInt(int64(len(letters))))
		ret[i] = letters[num.Int64()]
	}

	return string(ret)
}
