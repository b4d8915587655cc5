package audit

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"strings"
	"time"

	"github.com/vidgrow/vidgrow/internal/ledger"
)

// canonicalString builds the deterministic serialization an entry's hash is
// computed over. Every field is rendered in a fixed format and joined with
// "|", so recomputing from a stored row always reproduces the original
// input byte for byte. Timestamps are UTC RFC3339 with microsecond
// precision, matching what the database round-trips.
func canonicalString(t *ledger.Transaction) string {
	orderID := ""
	if t.OrderID != nil {
		orderID = strconv.FormatInt(*t.OrderID, 10)
	}
	fields := []string{
		t.TransactionID,
		strconv.FormatInt(t.UserID, 10),
		string(t.Type),
		t.Amount.String(),
		t.BalanceBefore.String(),
		t.BalanceAfter.String(),
		t.Description,
		orderID,
		t.ReferenceID,
		t.SourceSystem,
		t.CreatedAt.UTC().Format(canonicalTimeFormat),
		t.PreviousTransactionHash,
	}
	return strings.Join(fields, "|")
}

const canonicalTimeFormat = "2006-01-02T15:04:05.000000Z07:00"

// ComputeHash returns the hex-encoded SHA-256 of the entry's canonical
// serialization.
func ComputeHash(t *ledger.Transaction) string {
	sum := sha256.Sum256([]byte(canonicalString(t)))
	return hex.EncodeToString(sum[:])
}

// canonicalNow returns the current time truncated to the precision the
// canonical format (and the database) can represent.
func canonicalNow() time.Time {
	return time.Now().UTC().Truncate(time.Microsecond)
}
