package pending

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/coinharbor/custody/pkg/models"
)

type memoryEntry struct {
	intent    *models.PendingDepositIntent
	expiresAt time.Time
}

// MemoryCache is the process-local pending-intent cache. A periodic
// sweep removes expired entries as best-effort housekeeping; expiry is
// additionally enforced on every read so the sweep is never a
// correctness mechanism.
type MemoryCache struct {
	mu      sync.Mutex
	entries map[string]memoryEntry
	logger  *zap.Logger
	done    chan struct{}
	once    sync.Once
}

// NewMemoryCache creates a process-local cache and starts its sweep
// loop at the given interval.
func NewMemoryCache(sweepInterval time.Duration, logger *zap.Logger) *MemoryCache {
	c := &MemoryCache{
		entries: make(map[string]memoryEntry),
		logger:  logger,
		done:    make(chan struct{}),
	}
	go c.sweepLoop(sweepInterval)
	return c
}

// Put stores an intent under nonce for ttl.
func (c *MemoryCache) Put(ctx context.Context, nonce string, intent *models.PendingDepositIntent, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[nonce] = memoryEntry{intent: intent, expiresAt: time.Now().Add(ttl)}
	return nil
}

// Get returns the live intent for nonce or ErrCacheMiss.
func (c *MemoryCache) Get(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[nonce]
	if !ok {
		return nil, ErrCacheMiss
	}
	if time.Now().After(entry.expiresAt) {
		delete(c.entries, nonce)
		return nil, ErrCacheMiss
	}
	return entry.intent, nil
}

// Claim removes and returns the live intent for nonce under a single
// lock hold, so only one caller can obtain it.
func (c *MemoryCache) Claim(ctx context.Context, nonce string) (*models.PendingDepositIntent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[nonce]
	if !ok {
		return nil, ErrCacheMiss
	}
	delete(c.entries, nonce)
	if time.Now().After(entry.expiresAt) {
		return nil, ErrCacheMiss
	}
	return entry.intent, nil
}

// Delete removes the entry for nonce if present.
func (c *MemoryCache) Delete(ctx context.Context, nonce string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, nonce)
	return nil
}

// Close stops the sweep loop.
func (c *MemoryCache) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *MemoryCache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.sweep()
		case <-c.done:
			return
		}
	}
}

func (c *MemoryCache) sweep() {
	now := time.Now()
	c.mu.Lock()
	removed := 0
	for nonce, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, nonce)
			removed++
		}
	}
	remaining := len(c.entries)
	c.mu.Unlock()

	if removed > 0 {
		c.logger.Debug("swept expired pending deposits",
			zap.Int("removed", removed),
			zap.Int("remaining", remaining))
	}
}
