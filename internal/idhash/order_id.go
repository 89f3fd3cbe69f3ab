package idhash

import (
	"crypto/sha256"
	"fmt"

	"github.com/mr-tron/base58"
)

// ComputeClientOrderID derives a compact client-assigned order id from the
// order's identity fields and creation time. The first 16 bytes of the
// SHA256 digest are base58-encoded, which keeps ids short enough for
// exchange client-id limits while remaining collision-resistant.
func ComputeClientOrderID(strategy, tokenID string, createdAtNs int64, attempt int) string {
	data := fmt.Sprintf("%s|%s|%d|%d", strategy, tokenID, createdAtNs, attempt)
	hash := sha256.Sum256([]byte(data))
	return base58.Encode(hash[:16])
}
