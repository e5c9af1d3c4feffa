package apikey

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
)

const (
	// SecretLength is the number of alphanumeric characters in a generated
	// secret. 32 characters over a 62-symbol alphabet is ~190 bits of
	// entropy, enough that collision tracking is unnecessary.
	SecretLength = 32
	// StoredPrefixLength is how many leading secret characters are kept in
	// clear text for human identification. Not sufficient to authenticate.
	StoredPrefixLength = 8
)

const secretAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// Presented-key markers: owner kind (s=user, a=application) x environment.
const (
	MarkerUserLive = "sk_live_"
	MarkerAppLive  = "ak_live_"
	MarkerUserTest = "sk_test_"
	MarkerAppTest  = "ak_test_"
)

var knownMarkers = []string{MarkerUserLive, MarkerAppLive, MarkerUserTest, MarkerAppTest}

// KeyCodec generates secrets and computes their one-way storage digest
type KeyCodec struct{}

// NewKeyCodec creates a new key codec
func NewKeyCodec() *KeyCodec {
	return &KeyCodec{}
}

// Generate returns a uniformly random alphanumeric secret of the given
// length. Draws are independent and rejection-sampled so every alphabet
// symbol is equally likely.
func (c *KeyCodec) Generate(length int) (string, error) {
	if length <= 0 {
		length = SecretLength
	}

	// Largest multiple of len(secretAlphabet) below 256; bytes at or above
	// it are rejected to avoid modulo bias.
	max := byte(256 - (256 % len(secretAlphabet)))

	out := make([]byte, 0, length)
	buf := make([]byte, length*2)
	for len(out) < length {
		if _, err := rand.Read(buf); err != nil {
			return "", fmt.Errorf("failed to read random bytes: %w", err)
		}
		for _, b := range buf {
			if b >= max {
				continue
			}
			out = append(out, secretAlphabet[int(b)%len(secretAlphabet)])
			if len(out) == length {
				break
			}
		}
	}

	return string(out), nil
}

// Marker returns the presentation marker for an owner kind and environment
func (c *KeyCodec) Marker(kind OwnerKind, env Environment) string {
	switch {
	case kind == OwnerKindApplication && env == EnvironmentTest:
		return MarkerAppTest
	case kind == OwnerKindApplication:
		return MarkerAppLive
	case env == EnvironmentTest:
		return MarkerUserTest
	default:
		return MarkerUserLive
	}
}

// Encode builds the presentable key string: <marker><secret>
func (c *KeyCodec) Encode(secret string, kind OwnerKind, env Environment) string {
	return c.Marker(kind, env) + secret
}

// StripMarker removes any known marker from a presented key. Bare secrets
// pass through unchanged, so verification tolerates both presentations.
func (c *KeyCodec) StripMarker(presented string) string {
	for _, m := range knownMarkers {
		if strings.HasPrefix(presented, m) {
			return strings.TrimPrefix(presented, m)
		}
	}
	return presented
}

// Digest computes the SHA-256 hex digest of a bare secret. This is the only
// secret-derived value ever persisted, and the storage lookup key.
func (c *KeyCodec) Digest(secret string) string {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:])
}

// Prefix returns the clear-text identification prefix of a secret
func (c *KeyCodec) Prefix(secret string) string {
	if len(secret) <= StoredPrefixLength {
		return secret
	}
	return secret[:StoredPrefixLength]
}
