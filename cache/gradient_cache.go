// Package cache implements the bounded gradient/result cache shared by the
// learners of a population.
//
// The cache is split in shards, each one an LRU ring behind its own lock.
// With a single shard (the default) every operation is serialised and
// eviction follows a strict global least-recently-used order. With more
// shards the recency order is kept per shard and the capacity is divided
// between them, so the total size never exceeds the configured capacity.
package cache

import (
	"context"
	"fmt"

	"github.com/cespare/xxhash/v2"
	"github.com/hashicorp/golang-lru/v2/simplelru"
	"golang.org/x/sync/semaphore"
)

// Observer is notified of cache activity
type Observer interface {
	CacheHit()
	CacheMiss()
	CacheEviction()
}

type nopObserver struct{}

func (nopObserver) CacheHit() {}

func (nopObserver) CacheMiss() {}

func (nopObserver) CacheEviction() {}

type options struct {
	shards   int
	observer Observer
}

type Option func(*options)

// WithShards partitions the keys by hash into n independently locked rings
func WithShards(n int) Option {
	return func(o *options) {
		o.shards = n
	}
}

func WithObserver(observer Observer) Option {
	return func(o *options) {
		o.observer = observer
	}
}

type shard[V any] struct {
	lock *semaphore.Weighted
	lru  *simplelru.LRU[string, V]
}

func (s *shard[V]) acquire(ctx context.Context) error {
	return s.lock.Acquire(ctx, 1)
}

func (s *shard[V]) release() {
	s.lock.Release(1)
}

// GradientCache is a bounded key value store with least-recently-used eviction
type GradientCache[V any] struct {
	shards   []*shard[V]
	capacity int
	observer Observer
}

func New[V any](capacity int, opts ...Option) (*GradientCache[V], error) {
	o := &options{shards: 1, observer: nopObserver{}}
	for _, opt := range opts {
		opt(o)
	}
	if capacity < 1 {
		return nil, fmt.Errorf("cache capacity must be positive, got %d", capacity)
	}
	if o.shards < 1 || o.shards > capacity {
		return nil, fmt.Errorf("shard count must be in [1, %d], got %d", capacity, o.shards)
	}
	if o.observer == nil {
		o.observer = nopObserver{}
	}

	c := &GradientCache[V]{
		shards:   make([]*shard[V], o.shards),
		capacity: capacity,
		observer: o.observer,
	}
	for i := range c.shards {
		size := capacity / o.shards
		if i < capacity%o.shards {
			size += 1
		}
		lru, err := simplelru.NewLRU[string, V](size, func(_ string, _ V) {
			c.observer.CacheEviction()
		})
		if err != nil {
			return nil, err
		}
		c.shards[i] = &shard[V]{
			lock: semaphore.NewWeighted(1),
			lru:  lru,
		}
	}
	return c, nil
}

func (c *GradientCache[V]) shardFor(key string) *shard[V] {
	if len(c.shards) == 1 {
		return c.shards[0]
	}
	return c.shards[xxhash.Sum64String(key)%uint64(len(c.shards))]
}

// Get returns the cached value and marks the key as most recently used.
// The error is non nil only if ctx ends before the lock is acquired.
func (c *GradientCache[V]) Get(ctx context.Context, key string) (V, bool, error) {
	var zero V
	s := c.shardFor(key)
	if err := s.acquire(ctx); err != nil {
		return zero, false, err
	}
	defer s.release()

	value, ok := s.lru.Get(key)
	if ok {
		c.observer.CacheHit()
	} else {
		c.observer.CacheMiss()
	}
	return value, ok, nil
}

// Insert stores the value as most recently used. Inserting a new key into a
// full shard evicts its least recently used key.
func (c *GradientCache[V]) Insert(ctx context.Context, key string, value V) error {
	s := c.shardFor(key)
	if err := s.acquire(ctx); err != nil {
		return err
	}
	defer s.release()

	s.lru.Add(key, value)
	return nil
}

// Values returns a snapshot of the cached values in no particular order
func (c *GradientCache[V]) Values(ctx context.Context) ([]V, error) {
	values := make([]V, 0)
	for _, s := range c.shards {
		if err := s.acquire(ctx); err != nil {
			return nil, err
		}
		for _, key := range s.lru.Keys() {
			if v, ok := s.lru.Peek(key); ok {
				values = append(values, v)
			}
		}
		s.release()
	}
	return values, nil
}

// Keys returns the cached keys of every shard from most to least recently used
func (c *GradientCache[V]) Keys(ctx context.Context) ([]string, error) {
	keys := make([]string, 0)
	for _, s := range c.shards {
		if err := s.acquire(ctx); err != nil {
			return nil, err
		}
		oldestFirst := s.lru.Keys()
		for i := len(oldestFirst) - 1; i >= 0; i-- {
			keys = append(keys, oldestFirst[i])
		}
		s.release()
	}
	return keys, nil
}

func (c *GradientCache[V]) Len() int {
	total := 0
	for _, s := range c.shards {
		_ = s.acquire(context.Background())
		total += s.lru.Len()
		s.release()
	}
	return total
}

func (c *GradientCache[V]) Capacity() int {
	return c.capacity
}

func (c *GradientCache[V]) Shards() int {
	return len(c.shards)
}
