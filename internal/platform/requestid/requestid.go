// Package requestid issues and vets the correlation ids the retrainer stamps
// on every request, log line, and audit row.
package requestid

import (
	"crypto/rand"
	"encoding/hex"
	"strings"
)

// Header carries the correlation id on requests and responses.
const Header = "X-Request-Id"

const prefix = "req-"

// maxLen bounds caller-supplied ids so they stay usable as log attributes and
// audit columns.
const maxLen = 128

// New generates a fresh id: "req-" plus 16 random bytes in hex.
func New() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return prefix + hex.EncodeToString(b), nil
}

// Sanitize returns a caller-supplied id when it is safe to propagate, or ""
// when the caller should mint a fresh one. Safe means non-empty, bounded, and
// limited to alphanumerics plus "-", "_", ".".
func Sanitize(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" || len(raw) > maxLen {
		return ""
	}
	for _, r := range raw {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-' || r == '_' || r == '.':
		default:
			return ""
		}
	}
	return raw
}
