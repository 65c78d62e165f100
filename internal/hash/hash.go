// Package hash computes the idempotency fingerprint of an approved action.
// Two approvals with the same capability and semantically equal payloads
// always hash identically, regardless of JSON key order.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
)

// Payload returns the hex SHA-256 fingerprint of the canonical form of
// payload bound to capability. A nil payload hashes like an empty object.
func Payload(payload map[string]any, capability string) (string, error) {
	canonical, err := Canonicalize(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalize payload: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(capability))
	h.Write([]byte{':'})
	h.Write([]byte(canonical))
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Canonicalize renders payload as deterministic JSON: object keys sorted
// lexicographically at every depth, array element order preserved, no
// insignificant whitespace.
func Canonicalize(payload map[string]any) (string, error) {
	var b strings.Builder
	if err := writeCanonical(&b, payload); err != nil {
		return "", err
	}
	return b.String(), nil
}

func writeCanonical(b *strings.Builder, v any) error {
	switch val := v.(type) {
	case nil:
		b.WriteString("null")
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		b.WriteByte('{')
		for i, k := range keys {
			if i > 0 {
				b.WriteByte(',')
			}
			kj, err := json.Marshal(k)
			if err != nil {
				return err
			}
			b.Write(kj)
			b.WriteByte(':')
			if err := writeCanonical(b, val[k]); err != nil {
				return err
			}
		}
		b.WriteByte('}')
	case []any:
		b.WriteByte('[')
		for i, elem := range val {
			if i > 0 {
				b.WriteByte(',')
			}
			if err := writeCanonical(b, elem); err != nil {
				return err
			}
		}
		b.WriteByte(']')
	default:
		// Scalars and any remaining concrete types take encoding/json's
		// deterministic rendering.
		enc, err := json.Marshal(val)
		if err != nil {
			return err
		}
		b.Write(enc)
	}
	return nil
}
