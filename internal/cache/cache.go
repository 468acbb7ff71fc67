package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"sync/atomic"
	"time"

	"github.com/ppiankov/pepref/internal/model"
)

// Cache stores raw provider responses keyed by request
type Cache interface {
	Get(key string) ([]byte, bool)
	Set(key string, value []byte, ttl time.Duration) error
	Delete(key string) error
	Clear() error
}

// Key derives a cache key from a provider namespace and the request URL
func Key(namespace, requestURL string) string {
	hash := sha256.Sum256([]byte(requestURL))
	return "pepref:v1:" + namespace + ":" + hex.EncodeToString(hash[:])
}

// New builds the configured cache. A disabled cache returns Nop.
func New(cfg model.CacheConfig) Cache {
	if !cfg.Enabled {
		return Nop{}
	}
	if cfg.Dir == "" {
		return NewMemoryCache(cfg.MemoryTTL, 10*time.Minute)
	}
	return NewLayeredCache(
		NewMemoryCache(cfg.MemoryTTL, 10*time.Minute),
		NewDiskCache(cfg.Dir, cfg.DiskTTL),
	)
}

// Nop never stores anything
type Nop struct{}

func (Nop) Get(string) ([]byte, bool)               { return nil, false }
func (Nop) Set(string, []byte, time.Duration) error { return nil }
func (Nop) Delete(string) error                     { return nil }
func (Nop) Clear() error                            { return nil }

// Counting wraps a cache and records hits and misses
type Counting struct {
	Cache
	hits   atomic.Int64
	misses atomic.Int64
}

// NewCounting wraps c
func NewCounting(c Cache) *Counting {
	return &Counting{Cache: c}
}

// Get records the lookup result
func (c *Counting) Get(key string) ([]byte, bool) {
	v, ok := c.Cache.Get(key)
	if ok {
		c.hits.Add(1)
	} else {
		c.misses.Add(1)
	}
	return v, ok
}

// Stats returns hit and miss counts
func (c *Counting) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}
