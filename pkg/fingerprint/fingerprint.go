// Package fingerprint computes and renders the fingerprint of a daemon's
// long-term X25519 public key, and implements trust-on-first-use
// comparison. Persistence of the TOFU record lives in pkg/relaystore;
// this package only computes and compares.
package fingerprint

import (
	"crypto/sha256"
	"fmt"
	"strings"
)

// Size is the length in bytes of a fingerprint (a SHA-256 digest of the
// public key).
const Size = sha256.Size

// Of computes the fingerprint of a public key: a plain SHA-256 digest.
func Of(pubKey []byte) [Size]byte {
	return sha256.Sum256(pubKey)
}

// Hex renders a fingerprint as colon-separated hex, e.g.
// "3f:1a:9c:...".
func Hex(fp [Size]byte) string {
	parts := make([]string, len(fp))
	for i, b := range fp {
		parts[i] = fmt.Sprintf("%02x", b)
	}
	return strings.Join(parts, ":")
}

// Equal reports whether two fingerprints match, using a constant-time
// comparison so the check itself never becomes a timing oracle.
func Equal(a, b [Size]byte) bool {
	var diff byte
	for i := range a {
		diff |= a[i] ^ b[i]
	}
	return diff == 0
}

// Mismatch is returned by the client-side TOFU check when a machine's
// fingerprint has changed since first contact. The caller must halt the
// connection and show both fingerprints until the user explicitly
// accepts or rejects.
type Mismatch struct {
	MachineID string
	Old       [Size]byte
	New       [Size]byte
}

func (m *Mismatch) Error() string {
	return fmt.Sprintf("fingerprint mismatch for machine %s: expected %s, got %s",
		m.MachineID, Hex(m.Old), Hex(m.New))
}
