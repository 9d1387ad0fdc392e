// Package libcipher provides the HMAC primitives used for request signing.
package libcipher

import (
	"crypto/hmac"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"hash"
)

var ErrMissingKey = errors.New("libcipher: signing key is required")

// Sign computes an HMAC over payload with the given key and hash constructor
// (e.g. sha256.New) and returns the lowercase hex digest. This is the scheme
// the API expects in the X-Signature header: hex(hmac(secret, timestamp)).
func Sign(payload, key []byte, h func() hash.Hash) (string, error) {
	if len(key) == 0 {
		return "", ErrMissingKey
	}
	mac := hmac.New(h, key)
	if _, err := mac.Write(payload); err != nil {
		return "", fmt.Errorf("failed to write payload: %w", err)
	}
	return hex.EncodeToString(mac.Sum(nil)), nil
}

// Verify recomputes the signature for payload and compares it against the
// provided hex digest in constant time.
func Verify(payload, key []byte, signature string, h func() hash.Hash) (bool, error) {
	want, err := Sign(payload, key, h)
	if err != nil {
		return false, err
	}
	return Equal([]byte(want), []byte(signature)), nil
}

// Equal reports whether two digests match, in constant time.
func Equal(a, b []byte) bool {
	return subtle.ConstantTimeCompare(a, b) == 1
}
