// Package canonicalize provides RFC 8785 (JSON Canonicalization Scheme)
// serialization, payload sanitisation, and deterministic hashing for audit
// events and policy decisions.
package canonicalize

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"

	"github.com/gowebpki/jcs"
)

// JCS returns the RFC 8785 canonical JSON representation of v.
//
// Key properties:
// 1. Map keys are sorted by UTF-16 code units, recursively.
// 2. HTML escaping is disabled (unlike standard json.Marshal).
// 3. Numbers use ES6 serialization, so 1 and 1.0 canonicalize identically.
// 4. time.Time values serialize as RFC 3339 UTC strings before transformation.
func JCS(v interface{}) ([]byte, error) {
	intermediate, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("jcs: pre-marshal failed: %w", err)
	}

	canonical, err := jcs.Transform(intermediate)
	if err != nil {
		return nil, fmt.Errorf("jcs: transform failed: %w", err)
	}
	return canonical, nil
}

// CanonicalHash returns the SHA-256 hex digest of the canonical JSON form of v.
func CanonicalHash(v interface{}) (string, error) {
	b, err := JCS(v)
	if err != nil {
		return "", err
	}
	return HashBytes(b), nil
}

// SanitizedHash sanitises v (redacting sensitive field values) and returns the
// SHA-256 hex digest of its canonical JSON form. This is the request_hash
// contract: sanitisation happens before canonicalisation, so changing only a
// sensitive field's value does not change the hash.
func SanitizedHash(v interface{}) (string, error) {
	return CanonicalHash(Sanitize(v))
}

// HashBytes computes the SHA-256 hash of raw bytes as a lowercase hex string.
func HashBytes(data []byte) string {
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:])
}

// JCSString returns the JCS canonical form as a string.
func JCSString(v interface{}) (string, error) {
	data, err := JCS(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
