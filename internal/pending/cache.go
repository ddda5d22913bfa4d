// Package pending provides the keyed, TTL-bounded store of in-flight
// deposit intents. Two implementations exist: a process-local map for
// single-instance deployments and a Redis-backed store whose atomic
// claim keeps multiple instances from accepting the same nonce.
package pending

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/coinharbor/custody/pkg/models"
)

// ErrCacheMiss indicates the nonce has no live entry
var ErrCacheMiss = errors.New("cache miss")

// Cache stores pending deposit intents keyed by raw nonce. An entry is
// visible until explicitly deleted, claimed, or its TTL elapses.
type Cache interface {
	Put(ctx context.Context, nonce string, intent *models.PendingDepositIntent, ttl time.Duration) error
	Get(ctx context.Context, nonce string) (*models.PendingDepositIntent, error)
	// Claim atomically removes and returns the entry so at most one
	// caller can consume a given nonce.
	Claim(ctx context.Context, nonce string) (*models.PendingDepositIntent, error)
	Delete(ctx context.Context, nonce string) error
}

// RecordLookup reconstructs an intent from the durable pending deposit
// record for a nonce. It covers process restarts, where the in-memory
// entry is gone but the deposit is still pending.
type RecordLookup interface {
	PendingIntent(ctx context.Context, nonce string) (*models.PendingDepositIntent, error)
}

// Store wraps a Cache with the durable fallback. The fallback path
// returns the same shape as a cache hit; single-consumption of a nonce
// recovered this way is still guaranteed downstream by the conditional
// pending->confirmed record transition.
type Store struct {
	cache    Cache
	fallback RecordLookup
	logger   *zap.Logger
}

// NewStore creates a pending-intent store over cache with a durable
// fallback lookup.
func NewStore(cache Cache, fallback RecordLookup, logger *zap.Logger) *Store {
	return &Store{cache: cache, fallback: fallback, logger: logger}
}

// Put stores an intent under its nonce with the given TTL.
func (s *Store) Put(ctx context.Context, nonce string, intent *models.PendingDepositIntent, ttl time.Duration) error {
	return s.cache.Put(ctx, nonce, intent, ttl)
}

// Get returns the live intent for nonce, consulting durable storage
// when the cache has no entry.
func (s *Store) Get(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	intent, err := s.cache.Get(ctx, nonce)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}
	return s.fallback.PendingIntent(ctx, nonce)
}

// Claim atomically consumes the cache entry for nonce. On a cache miss
// the durable fallback is consulted so a restart does not strand a
// pending deposit.
func (s *Store) Claim(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	intent, err := s.cache.Claim(ctx, nonce)
	if err == nil {
		return intent, nil
	}
	if !errors.Is(err, ErrCacheMiss) {
		return nil, err
	}

	intent, err = s.fallback.PendingIntent(ctx, nonce)
	if err != nil {
		return nil, err
	}
	s.logger.Debug("claimed pending intent from durable fallback",
		zap.String("chain", intent.Chain))
	return intent, nil
}

// Delete removes the cache entry for nonce if present.
func (s *Store) Delete(ctx context.Context, nonce string) error {
	return s.cache.Delete(ctx, nonce)
}
