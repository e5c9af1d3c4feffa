package apikey

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	lru "github.com/hashicorp/golang-lru/v2/expirable"
)

// VerifierConfig tunes the verifier's negative-lookup cache
type VerifierConfig struct {
	// NegativeCacheSize is the max number of unknown digests remembered.
	// 0 disables the cache.
	NegativeCacheSize int
	// NegativeCacheTTL bounds how long an unknown digest is remembered
	NegativeCacheTTL time.Duration
}

// DefaultVerifierConfig returns the default verifier settings
func DefaultVerifierConfig() *VerifierConfig {
	return &VerifierConfig{
		NegativeCacheSize: 4096,
		NegativeCacheTTL:  30 * time.Second,
	}
}

// Verifier turns a presented secret into an authenticated key record.
//
// Lookups are indexed by digest, so wall-clock timing differs between the
// digest-exists and digest-absent paths; that existence oracle is an
// accepted residual risk rather than something this design resolves. The
// digest is still computed on every path, and the negative cache below only
// shortens the already-fast miss path for repeated garbage input.
type Verifier struct {
	codec *KeyCodec
	repo  Repository

	// negCache remembers digests that resolved to nothing, so repeated
	// brute-force misses do not reach the store. Only misses are cached;
	// revocation and expiry always consult the repository.
	negCache *lru.LRU[string, struct{}]
}

// NewVerifier creates a verifier over the given repository
func NewVerifier(codec *KeyCodec, repo Repository, cfg *VerifierConfig) *Verifier {
	if cfg == nil {
		cfg = DefaultVerifierConfig()
	}

	v := &Verifier{
		codec: codec,
		repo:  repo,
	}
	if cfg.NegativeCacheSize > 0 {
		v.negCache = lru.NewLRU[string, struct{}](cfg.NegativeCacheSize, nil, cfg.NegativeCacheTTL)
	}
	return v
}

// Verify authenticates a presented key string, with or without its marker.
//
// On success the matched record's usage counter and last-used timestamp are
// bumped through a single atomic repository update, and the returned record
// reflects the new values. Failed verifications never mutate the record.
func (v *Verifier) Verify(ctx context.Context, presented string) (*KeyRecord, error) {
	presented = strings.TrimSpace(presented)
	if presented == "" {
		return nil, ErrInvalidKey
	}

	secret := v.codec.StripMarker(presented)
	digest := v.codec.Digest(secret)

	if v.negCache != nil {
		if _, ok := v.negCache.Get(digest); ok {
			return nil, ErrInvalidKey
		}
	}

	rec, err := v.repo.FindByDigest(ctx, digest)
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			if v.negCache != nil {
				v.negCache.Add(digest, struct{}{})
			}
			return nil, ErrInvalidKey
		}
		return nil, fmt.Errorf("key lookup failed: %w", err)
	}

	if !rec.IsActive {
		return nil, ErrRevoked
	}

	now := time.Now().UTC()
	if !now.Before(rec.ExpiresAt) {
		return nil, ErrExpired
	}

	if err := v.repo.AtomicIncrementUsage(ctx, rec.ID, now); err != nil {
		return nil, fmt.Errorf("usage accounting failed: %w", err)
	}
	rec.UsageCount++
	rec.LastUsedAt = &now

	return rec, nil
}
