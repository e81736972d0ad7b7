package eventbus

import (
	"context"
	"hash/fnv"
	"sync"
	"time"
)

const subsCacheShards = 64

type subsCacheShard struct {
	mu sync.RWMutex
	m  map[string]subsCacheEntry
}

type subsCacheEntry struct {
	set      ChoosableIterable
	cachedAt int64 // coarse clock seconds
}

// subsCache is a sharded, TTL-bound cache in front of a ClusterManager's
// SubscriptionMap.Get, so a hot address doesn't round-trip to the backend
// (a database query, for the PostgreSQL backend) on every Send/Publish
// call (SPEC_FULL.md §10's subsCacheTTL). Grounded on the teacher's
// placement_cache.go: same 64-shard map-of-RWMutex layout and coarseNow-
// based expiry check, keyed by address string instead of Ref.
type subsCache struct {
	shards [subsCacheShards]subsCacheShard
	ttl    int64 // seconds
}

func newSubsCache(ttl time.Duration) *subsCache {
	c := &subsCache{ttl: int64(ttl / time.Second)}
	if c.ttl <= 0 {
		c.ttl = 1
	}
	for i := range c.shards {
		c.shards[i].m = make(map[string]subsCacheEntry)
	}
	return c
}

func subsCacheShardFor(address string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(address))
	return int(h.Sum32() % subsCacheShards)
}

// get returns the cached ChoosableIterable for address, falling back to
// sm.Get and populating the cache on a miss or expiry.
func (c *subsCache) get(ctx context.Context, address string, sm SubscriptionMap) (ChoosableIterable, error) {
	shard := &c.shards[subsCacheShardFor(address)]

	shard.mu.RLock()
	e, ok := shard.m[address]
	shard.mu.RUnlock()
	if ok && coarseNow.Load()-e.cachedAt <= c.ttl {
		return e.set, nil
	}

	set, err := sm.Get(ctx, address)
	if err != nil {
		return nil, err
	}

	shard.mu.Lock()
	shard.m[address] = subsCacheEntry{set: set, cachedAt: coarseNow.Load()}
	shard.mu.Unlock()

	return set, nil
}

// invalidate drops the cached entry for address, if any — used to keep
// a local registration visible immediately even though the cluster-wide
// view the cache otherwise serves is only eventually consistent
// (SPEC_FULL.md §9).
func (c *subsCache) invalidate(address string) {
	shard := &c.shards[subsCacheShardFor(address)]
	shard.mu.Lock()
	delete(shard.m, address)
	shard.mu.Unlock()
}

// invalidateAll drops every cached entry, used when cluster membership
// changes (SPEC_FULL.md §10: a departed node can invalidate an unbounded
// set of addresses, so targeted eviction isn't worth the bookkeeping
// given the TTL is already short).
func (c *subsCache) invalidateAll() {
	for i := range c.shards {
		s := &c.shards[i]
		s.mu.Lock()
		s.m = make(map[string]subsCacheEntry)
		s.mu.Unlock()
	}
}
