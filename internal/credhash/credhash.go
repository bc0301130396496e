// Package credhash derives a stable, non-secret fingerprint from an API key
// and access token pair. The fingerprint scopes resumable session state and
// authorizes session resume; it is a correlation value, not a secret, and
// must never be treated as an authentication credential on its own.
package credhash

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"fmt"
)

// separator keeps (A,"") and ("",A) from colliding.
const separator = ":"

// useFallback switches to the non-cryptographic accumulator hash. It exists
// for wire-compat with clients running in environments without a secure
// digest provider, and so tests can exercise both branches.
var useFallback = false

// Fingerprint returns a deterministic hex fingerprint for the credential
// pair. Absent credentials are treated as empty strings.
func Fingerprint(apiKey, accessToken string) string {
	input := apiKey + separator + accessToken
	if useFallback {
		return fallbackFingerprint(input)
	}
	sum := sha256.Sum256([]byte(input))
	return hex.EncodeToString(sum[:])
}

// fallbackFingerprint is a simple shift-and-add string hash masked to 32
// bits. Deterministic, not cryptographic.
func fallbackFingerprint(input string) string {
	var h int32
	for _, r := range input {
		h = h<<5 - h + r
	}
	if h < 0 {
		h = -h
	}
	return fmt.Sprintf("%x", uint32(h))
}

// Equal compares two fingerprints in constant time. A length mismatch
// returns false without further comparison; callers see only "not equal".
func Equal(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
