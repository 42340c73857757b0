// Package crypto provides key generation, encoding and fingerprinting
// helpers shared by the config loader, CLI and QR provisioning flow.
//
// The protocol's own HMAC-SHA3-256 machinery lives in pkg/protocol; this
// package only deals with the 256-bit shared-secret Key type it defines.
package crypto

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/knockproto/letmein/pkg/protocol"
)

// GenerateKey returns a fresh cryptographically random 256-bit key.
func GenerateKey() (protocol.Key, error) {
	var k protocol.Key
	if _, err := rand.Read(k[:]); err != nil {
		return k, fmt.Errorf("generating key: %w", err)
	}
	return k, nil
}

// EncodeKey hex-encodes a key for storage in a config file, per the 64-hex-
// char format spec'd for the [KEYS] section.
func EncodeKey(key protocol.Key) string {
	return hex.EncodeToString(key[:])
}

// DecodeKey parses a hex-encoded key. It fails if the decoded length does
// not match protocol.KeySize.
func DecodeKey(s string) (protocol.Key, error) {
	var k protocol.Key
	b, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("hex decode key: %w", err)
	}
	if len(b) != protocol.KeySize {
		return k, fmt.Errorf("key must be %d bytes, got %d", protocol.KeySize, len(b))
	}
	copy(k[:], b)
	return k, nil
}

// FingerprintKey returns a short human-readable fingerprint (first 8 bytes
// hex of a SHA-256 digest) suitable for operator-facing listings. It never
// reveals the key itself.
func FingerprintKey(key protocol.Key) string {
	h := sha256.Sum256(key[:])
	return fmt.Sprintf("%x", h[:8])
}
