package claim

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// configHashWidth is the number of hex characters of SHA-256 kept in the
// idempotency key. 64 bits is plenty at per-ticket scope.
const configHashWidth = 16

// ComputeIdempotencyKey derives the deterministic key for one logical
// request. The config is canonicalized as JSON with recursively sorted keys
// before hashing, so two maps with the same entries in different insertion
// order always produce the same key.
func ComputeIdempotencyKey(ticketID int64, operationType string, config map[string]any, retryCount int) (string, error) {
	// encoding/json sorts map keys at every nesting level, which is exactly
	// the canonical form the hash needs.
	canonical, err := json.Marshal(config)
	if err != nil {
		return "", fmt.Errorf("claim: canonicalize config: %w", err)
	}
	sum := sha256.Sum256(canonical)
	hash := hex.EncodeToString(sum[:])[:configHashWidth]
	return fmt.Sprintf("%d:%s:%s:r%d", ticketID, operationType, hash, retryCount), nil
}
