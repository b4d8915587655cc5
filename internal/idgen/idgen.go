// Package idgen provides cryptographically random ID generation for ledger
// records.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// TransactionPrefix is the prefix carried by every balance transaction ID.
const TransactionPrefix = "TXN-"

// Transaction generates a ledger transaction ID: "TXN-" + 24 hex chars.
func Transaction() string {
	return WithPrefix(TransactionPrefix)
}

// WithPrefix generates a random ID with a prefix. Result is prefix + 24 hex
// chars (12 random bytes).
func WithPrefix(prefix string) string {
	b := make([]byte, 12)
	if _, err := rand.Read(b); err != nil {
		panic("crypto/rand failed: " + err.Error())
	}
	return prefix + hex.EncodeToString(b)
}
