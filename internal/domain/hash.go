package domain

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// ContentHash returns a stable hex digest of the rewritten text, used to
// detect churn between rewrite and audit. Leading/trailing whitespace does
// not count as a content change.
func ContentHash(text string) string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return ""
	}
	sum := sha256.Sum256([]byte(trimmed))
	return hex.EncodeToString(sum[:])
}
