// Package tunnelkey maps (clientID, tunnelPath) pairs to DNS-label-safe
// registry keys of the form {truncatedSanitizedPath}-{clientID}.
package tunnelkey

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/livecycle/tunnel-server/internal/domain"
)

// MaxLabelLength is the longest string usable as a single DNS label.
const MaxLabelLength = 63

// pathHashLength is the minimum number of hex characters of the path hash
// appended when the sanitized path is lossy or overlong. The hash widens to
// fill whatever the truncated path leaves unused, so for a given clientID
// every hashed key has the same, maximal length and two distinct raw paths
// that sanitize or truncate to the same prefix still yield distinct keys.
const pathHashLength = 6

// ValidateClientID rejects client ids that are not usable as a DNS label
// fragment (lowercase letters, digits and hyphens, non-empty, short enough
// to leave room for a path prefix).
func ValidateClientID(clientID string) error {
	if clientID == "" || len(clientID) > MaxLabelLength-pathHashLength-2 {
		return fmt.Errorf("%w: %q", domain.ErrInvalidClientID, clientID)
	}
	for i := 0; i < len(clientID); i++ {
		c := clientID[i]
		if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
			continue
		}
		return fmt.Errorf("%w: %q", domain.ErrInvalidClientID, clientID)
	}
	return nil
}

// ForTunnel derives the registry key for a forward request path. The raw
// path may contain arbitrary bytes; disallowed characters are replaced with
// '-' and, whenever that substitution is lossy or the path exceeds the
// length budget, the sanitized path is truncated and suffixed with a short
// hash of the original path.
func ForTunnel(clientID, tunnelPath string) (string, error) {
	if err := ValidateClientID(clientID); err != nil {
		return "", err
	}

	raw := strings.TrimPrefix(tunnelPath, "/")
	budget := MaxLabelLength - len(clientID) - 1

	sanitized, lossy := sanitizePath(raw)
	if !lossy && len(sanitized) <= budget {
		return sanitized + "-" + clientID, nil
	}

	sum := sha256.Sum256([]byte(raw))
	digest := hex.EncodeToString(sum[:])
	maxPrefix := budget - pathHashLength - 1
	if len(sanitized) > maxPrefix {
		sanitized = sanitized[:maxPrefix]
	}
	hashLen := budget - len(sanitized) - 1
	return sanitized + "-" + digest[:hashLen] + "-" + clientID, nil
}

// sanitizePath lowercases the path and replaces every byte outside
// [a-z0-9-] with '-'. It reports whether any byte changed.
func sanitizePath(p string) (string, bool) {
	var b strings.Builder
	b.Grow(len(p))
	lossy := false
	for i := 0; i < len(p); i++ {
		c := p[i]
		switch {
		case c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-':
			b.WriteByte(c)
		case c >= 'A' && c <= 'Z':
			b.WriteByte(c - 'A' + 'a')
			lossy = true
		default:
			b.WriteByte('-')
			lossy = true
		}
	}
	return b.String(), lossy
}
