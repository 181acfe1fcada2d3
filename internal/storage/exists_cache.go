package storage

import (
	"context"
	"errors"
	"io"
	"time"

	cache "github.com/Code-Hex/go-generics-cache"
	"github.com/Code-Hex/go-generics-cache/policy/lru"
)

// DefaultExistsCacheCapacity is the number of keys an ExistsCache remembers
// when no capacity is given.
const DefaultExistsCacheCapacity = 100_000

// ExistsCache remembers keys that are known to be stored so that repeated
// uploads of popular artifacts are answered without a backend round trip.
// Only positive results are cached: artifacts are write-once and never
// deleted by this server, so a key seen once stays valid until the entry
// expires. The TTL bounds staleness when the bucket has its own expiry rules.
type ExistsCache struct {
	Storage

	ttl   time.Duration
	known *cache.Cache[string, struct{}]
}

// NewExistsCache wraps backend with a positive-existence cache.
func NewExistsCache(backend Storage, capacity int, ttl time.Duration) *ExistsCache {
	if capacity <= 0 {
		capacity = DefaultExistsCacheCapacity
	}

	return &ExistsCache{
		Storage: backend,
		ttl:     ttl,
		known:   cache.New(cache.AsLRU[string, struct{}](lru.WithCapacity(capacity))),
	}
}

func (c *ExistsCache) remember(key string) {
	if c.ttl > 0 {
		c.known.Set(key, struct{}{}, cache.WithExpiration(c.ttl))
		return
	}
	c.known.Set(key, struct{}{})
}

func (c *ExistsCache) Exists(ctx context.Context, key string) (bool, error) {
	if _, ok := c.known.Get(key); ok {
		return true, nil
	}

	exists, err := c.Storage.Exists(ctx, key)
	if err == nil && exists {
		c.remember(key)
	}
	return exists, err
}

func (c *ExistsCache) Store(ctx context.Context, key string, r io.Reader, size int64) error {
	if _, ok := c.known.Get(key); ok {
		return ErrAlreadyExists
	}

	err := c.Storage.Store(ctx, key, r, size)
	if err == nil || errors.Is(err, ErrAlreadyExists) {
		c.remember(key)
	}
	return err
}

func (c *ExistsCache) Retrieve(ctx context.Context, key string) (io.ReadCloser, error) {
	rc, err := c.Storage.Retrieve(ctx, key)
	if errors.Is(err, ErrNotFound) {
		c.known.Delete(key)
	}
	return rc, err
}
