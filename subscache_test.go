package eventbus

import (
	"context"
	"testing"
	"time"
)

func TestSubsCache_HitAfterMiss(t *testing.T) {
	c := newSubsCache(time.Hour)
	m := newLocalSubscriptionMap()
	node := NodeID{Host: "127.0.0.1", Port: 7000}
	ctx := context.Background()

	m.Add(ctx, "addr", node)

	set1, err := c.get(ctx, "addr", m)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if set1.IsEmpty() {
		t.Fatal("expected a non-empty set")
	}

	// Remove from the backing map without invalidating the cache: a
	// cache hit should still return the stale snapshot.
	m.Remove(ctx, "addr", node)

	set2, err := c.get(ctx, "addr", m)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if set2.IsEmpty() {
		t.Fatal("expected the cached (stale) snapshot to still be returned before TTL expiry")
	}
}

func TestSubsCache_ExpiresAfterTTL(t *testing.T) {
	c := newSubsCache(time.Second)
	m := newLocalSubscriptionMap()
	node := NodeID{Host: "127.0.0.1", Port: 7000}
	ctx := context.Background()

	m.Add(ctx, "addr", node)
	c.get(ctx, "addr", m)

	m.Remove(ctx, "addr", node)

	// Backdate the cached entry's timestamp rather than sleeping real
	// time, so the test doesn't depend on coarseNow's 500ms refresh tick.
	shard := &c.shards[subsCacheShardFor("addr")]
	shard.mu.Lock()
	e := shard.m["addr"]
	e.cachedAt -= c.ttl + 1
	shard.m["addr"] = e
	shard.mu.Unlock()

	set, err := c.get(ctx, "addr", m)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !set.IsEmpty() {
		t.Fatal("expected a TTL-expired cache entry to re-query the backing map")
	}
}

func TestSubsCache_Invalidate(t *testing.T) {
	c := newSubsCache(time.Hour)
	m := newLocalSubscriptionMap()
	node := NodeID{Host: "127.0.0.1", Port: 7000}
	ctx := context.Background()

	m.Add(ctx, "addr", node)
	c.get(ctx, "addr", m)

	m.Remove(ctx, "addr", node)
	c.invalidate("addr")

	set, err := c.get(ctx, "addr", m)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if !set.IsEmpty() {
		t.Fatal("expected invalidate to force a fresh lookup")
	}
}

func TestSubsCache_InvalidateAll(t *testing.T) {
	c := newSubsCache(time.Hour)
	m := newLocalSubscriptionMap()
	ctx := context.Background()

	m.Add(ctx, "a", NodeID{Host: "x", Port: 1})
	m.Add(ctx, "b", NodeID{Host: "y", Port: 2})
	c.get(ctx, "a", m)
	c.get(ctx, "b", m)

	m.Remove(ctx, "a", NodeID{Host: "x", Port: 1})
	m.Remove(ctx, "b", NodeID{Host: "y", Port: 2})
	c.invalidateAll()

	setA, _ := c.get(ctx, "a", m)
	setB, _ := c.get(ctx, "b", m)
	if !setA.IsEmpty() || !setB.IsEmpty() {
		t.Fatal("expected invalidateAll to clear every cached entry")
	}
}
