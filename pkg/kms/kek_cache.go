package kms

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"time"

	"cinder/svc/util"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
)

type unwrapper interface {
	DecryptWithContext(ctx context.Context, ciphertext []byte, encContext EncryptionContext) ([]byte, error)
}

// KEKCache holds unwrapped data keys so repeated reads of a sealed paste
// do not round-trip to the KMS. Concurrent misses for one key share a
// single unwrap call.
type KEKCache struct {
	cache   *expirable.LRU[string, *cachedKEK]
	adapter unwrapper
	group   singleflight.Group
	mu      sync.Mutex
	stopped bool
}

type cachedKEK struct {
	mu  sync.RWMutex
	dek []byte
}

func NewKEKCache(adapter unwrapper, size int, ttl time.Duration) *KEKCache {
	if size <= 0 {
		size = 1024
	}
	return &KEKCache{
		cache:   expirable.NewLRU[string, *cachedKEK](size, onEvict, ttl),
		adapter: adapter,
	}
}

func onEvict(_ string, entry *cachedKEK) {
	entry.mu.Lock()
	util.Wipe(entry.dek)
	entry.dek = nil
	entry.mu.Unlock()
}

// copyDEK returns nil when the entry was wiped by eviction.
func (e *cachedKEK) copyDEK() []byte {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.dek == nil {
		return nil
	}
	out := make([]byte, len(e.dek))
	copy(out, e.dek)
	return out
}

// Unwrap returns a copy of the data key wrapped under encContext. The
// caller owns the returned slice and may wipe it.
func (c *KEKCache) Unwrap(ctx context.Context, wrapped []byte, encContext EncryptionContext) ([]byte, error) {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return nil, ErrProviderUnavailable
	}
	c.mu.Unlock()

	cacheKey := cacheKeyOf(wrapped, encContext)
	if entry, ok := c.cache.Get(cacheKey); ok {
		if dek := entry.copyDEK(); dek != nil {
			return dek, nil
		}
	}

	result, err, _ := c.group.Do(cacheKey, func() (interface{}, error) {
		if entry, ok := c.cache.Get(cacheKey); ok {
			if dek := entry.copyDEK(); dek != nil {
				return dek, nil
			}
		}
		dek, err := c.adapter.DecryptWithContext(ctx, wrapped, encContext)
		if err != nil {
			return nil, err
		}
		c.cache.Add(cacheKey, &cachedKEK{dek: dek})
		out := make([]byte, len(dek))
		copy(out, dek)
		return out, nil
	})
	if err != nil {
		return nil, err
	}
	// singleflight hands every waiter the same slice.
	shared := result.([]byte)
	out := make([]byte, len(shared))
	copy(out, shared)
	return out, nil
}

func cacheKeyOf(wrapped []byte, encContext EncryptionContext) string {
	h := sha256.New()
	h.Write(wrapped)
	h.Write([]byte{0})
	h.Write(serializeEncryptionContext(encContext))
	return hex.EncodeToString(h.Sum(nil))
}

// Stop wipes every cached key. Later calls fail with ErrProviderUnavailable.
func (c *KEKCache) Stop() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	c.mu.Unlock()
	c.cache.Purge()
}

func (c *KEKCache) Stats() CacheStats {
	return CacheStats{Entries: c.cache.Len()}
}

type CacheStats struct {
	Entries int
}
