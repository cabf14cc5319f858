package sanitize

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

// Fingerprint returns a short stable digest of an original value, safe to
// log in place of the value itself.
func Fingerprint(original string) string {
	sum := blake2b.Sum256([]byte(original))
	return hex.EncodeToString(sum[:8])
}
