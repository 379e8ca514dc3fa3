// Package cache memoises retrieval results (ranked doc ids per analysed
// query) in Redis. Keys carry a generation number that is bumped whenever
// the index changes, so results computed against an older index are never
// served.
package cache

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/metrics"
	"github.com/Adithya-Monish-Kumar-K/ctr-search/pkg/resilience"
)

const (
	keyPrefix     = "retrieve:"
	generationKey = "retrieve:generation"
)

// Client is the subset of pkg/redis.Client used by the cache.
type Client interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	Generation(ctx context.Context, key string) (int64, error)
	Bump(ctx context.Context, key string) (int64, error)
	FlushByPattern(ctx context.Context, pattern string) (int64, error)
}

type Cache struct {
	client  Client
	ttl     time.Duration
	group   singleflight.Group
	breaker *resilience.Breaker
	metrics *metrics.Metrics
	logger  *slog.Logger
	hits    atomic.Int64
	misses  atomic.Int64
}

// Option configures a Cache.
type Option func(*Cache)

// WithBreaker replaces the default circuit breaker guarding Redis calls.
func WithBreaker(b *resilience.Breaker) Option {
	return func(c *Cache) { c.breaker = b }
}

func New(client Client, ttl time.Duration, m *metrics.Metrics, opts ...Option) *Cache {
	c := &Cache{
		client:  client,
		ttl:     ttl,
		breaker: resilience.NewBreaker("redis-cache", resilience.DefaultBreakerConfig()),
		metrics: m,
		logger:  slog.Default().With("component", "retrieve-cache"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Cache) get(ctx context.Context, key string) ([]string, bool) {
	var (
		data  []byte
		found bool
	)
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		data, found, err = c.client.Get(ctx, key)
		return err
	})
	if errors.Is(err, resilience.ErrCircuitOpen) {
		return nil, false
	}
	if err != nil {
		c.logger.Error("cache get failed", "key", key, "error", err)
		return nil, false
	}
	if !found {
		return nil, false
	}
	var ids []string
	if err := json.Unmarshal(data, &ids); err != nil {
		c.logger.Error("cache unmarshal failed", "key", key, "error", err)
		return nil, false
	}
	return ids, true
}

func (c *Cache) set(ctx context.Context, key string, ids []string) {
	data, err := json.Marshal(ids)
	if err != nil {
		c.logger.Error("cache marshal failed", "key", key, "error", err)
		return
	}
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		return c.client.Set(ctx, key, data, c.ttl)
	})
	if err != nil && !errors.Is(err, resilience.ErrCircuitOpen) {
		c.logger.Error("cache set failed", "key", key, "error", err)
	}
}

// GetOrCompute returns the cached ids for (terms, topK) or computes and
// stores them. Concurrent misses for the same key share one computation.
// Redis failures degrade to computing directly.
func (c *Cache) GetOrCompute(ctx context.Context, terms []string, topK int, compute func() ([]string, error)) ([]string, bool, error) {
	var gen int64
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		gen, err = c.client.Generation(ctx, generationKey)
		return err
	})
	if err != nil {
		if !errors.Is(err, resilience.ErrCircuitOpen) {
			c.logger.Error("cache generation lookup failed", "error", err)
		}
		c.recordMiss()
		ids, err := compute()
		return ids, false, err
	}
	key := BuildKey(gen, terms, topK)
	if ids, ok := c.get(ctx, key); ok {
		c.recordHit()
		return ids, true, nil
	}
	c.recordMiss()
	val, err, _ := c.group.Do(key, func() (any, error) {
		if ids, ok := c.get(ctx, key); ok {
			return ids, nil
		}
		ids, err := compute()
		if err != nil {
			return nil, err
		}
		c.set(ctx, key, ids)
		return ids, nil
	})
	if err != nil {
		return nil, false, err
	}
	return val.([]string), false, nil
}

// Invalidate moves to a new generation and removes entries of older ones.
// It returns resilience.ErrCircuitOpen without touching Redis while the
// breaker is open; entries of the old generation then expire by TTL.
func (c *Cache) Invalidate(ctx context.Context) error {
	var gen int64
	err := c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		gen, err = c.client.Bump(ctx, generationKey)
		return err
	})
	if err != nil {
		return fmt.Errorf("bumping cache generation: %w", err)
	}
	var deleted int64
	err = c.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		deleted, err = c.client.FlushByPattern(ctx, fmt.Sprintf("%s%d:*", keyPrefix, gen-1))
		return err
	})
	if err != nil {
		return fmt.Errorf("invalidating cache: %w", err)
	}
	c.logger.Debug("cache invalidated", "generation", gen, "keys_deleted", deleted)
	return nil
}

func (c *Cache) Stats() (hits, misses int64) {
	return c.hits.Load(), c.misses.Load()
}

func (c *Cache) recordHit() {
	c.hits.Add(1)
	if c.metrics != nil {
		c.metrics.CacheHitsTotal.Inc()
	}
}

func (c *Cache) recordMiss() {
	c.misses.Add(1)
	if c.metrics != nil {
		c.metrics.CacheMissesTotal.Inc()
	}
}

// BuildKey derives the cache key from the generation, the analysed query
// terms in order, and topK.
func BuildKey(gen int64, terms []string, topK int) string {
	raw := fmt.Sprintf("%s|k=%d", strings.Join(terms, "\x1f"), topK)
	hash := sha256.Sum256([]byte(raw))
	return fmt.Sprintf("%s%d:%x", keyPrefix, gen, hash[:16])
}
