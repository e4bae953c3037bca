// Package localcache is a bounded, sharded, in-process cache of decoded
// tile payloads sitting in front of Redis. It exists purely to cut down
// redundant MGET round trips for tiles that are read repeatedly within a
// short span (the same bbox requested back-to-back); it is never the
// source of truth and never extends a tile's logical freshness window,
// it just remembers what Redis most recently said.
package localcache

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/bietiekay/overpass-proxy/internal/core/model"

	"github.com/cespare/xxhash/v2"
)

const numShards = 64

// Cache shards its entries across numShards independent LRUs, each with
// its own mutex, the same sharded-counter layout the pool uses for
// per-URL state: independent keys shouldn't contend on one lock.
type Cache struct {
	shards [numShards]*shard
}

type shard struct {
	mu  sync.Mutex
	lru *lru.Cache[string, model.TilePayload]
}

// New builds a cache holding up to perShard entries per shard (so total
// capacity is roughly numShards*perShard). A non-positive perShard
// disables the cache: Get always misses and Set is a no-op.
func New(perShard int) *Cache {
	c := &Cache{}
	for i := range c.shards {
		var l *lru.Cache[string, model.TilePayload]
		if perShard > 0 {
			l, _ = lru.New[string, model.TilePayload](perShard)
		}
		c.shards[i] = &shard{lru: l}
	}
	return c
}

func (c *Cache) pick(key string) *shard {
	h := xxhash.Sum64String(key)
	return c.shards[h%numShards]
}

func (c *Cache) Get(key string) (model.TilePayload, bool) {
	s := c.pick(key)
	if s.lru == nil {
		return model.TilePayload{}, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lru.Get(key)
}

func (c *Cache) Set(key string, payload model.TilePayload) {
	s := c.pick(key)
	if s.lru == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Add(key, payload)
}

func (c *Cache) Remove(key string) {
	s := c.pick(key)
	if s.lru == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(key)
}
