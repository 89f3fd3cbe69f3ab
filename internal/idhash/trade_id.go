package idhash

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// ComputeTradeID computes a deterministic trade_id using SHA256.
// Formula: SHA256(strategy|symbol|window_key|kind|executed_at_unix_ms)
// Returns hex-encoded hash (64 characters). The same execution always maps
// to the same id, so replays of a persistence write are idempotent.
func ComputeTradeID(strategy, symbol, windowKey, kind string, executedAtMs int64) string {
	data := fmt.Sprintf("%s|%s|%s|%s|%d",
		strategy,
		symbol,
		windowKey,
		kind,
		executedAtMs,
	)

	hash := sha256.Sum256([]byte(data))
	return hex.EncodeToString(hash[:])
}
