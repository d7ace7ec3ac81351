// Package sha256 provides SHA-256 hashing and canonical payload fingerprints.
package sha256

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
)

// Hasher implements crawler.Hasher using SHA-256.
type Hasher struct{}

// New returns a SHA-256 hasher.
func New() *Hasher {
	return &Hasher{}
}

// Hash hashes the input and returns a hex digest.
func (h *Hasher) Hash(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Fingerprint hashes the canonical serialization of payload. Keys are ordered
// at every nesting level, so equal content yields equal digests regardless of
// the key order the engine produced.
func (h *Hasher) Fingerprint(payload map[string]any) (string, error) {
	canonical, err := Canonical(payload)
	if err != nil {
		return "", err
	}
	return h.Hash(canonical)
}

// Canonical returns the canonical JSON encoding of payload.
func Canonical(payload map[string]any) ([]byte, error) {
	if payload == nil {
		return nil, fmt.Errorf("payload is required")
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	// encoding/json writes map keys in sorted order.
	if err := enc.Encode(payload); err != nil {
		return nil, fmt.Errorf("encode canonical payload: %w", err)
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
