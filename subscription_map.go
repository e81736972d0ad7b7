package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// ChoosableIterable is a snapshot view of a set of nodes supporting both
// iteration (publish) and a fair selection operation (send). Grounded on
// the original AsyncMultiMap.get() result type (SPEC_FULL.md §4.5).
type ChoosableIterable interface {
	IsEmpty() bool
	Choose() (NodeID, bool)
	Snapshot() []NodeID
}

// staticChoosable is the standard ChoosableIterable: an immutable slice
// captured at Get() time plus an atomic round-robin position, using the
// same increment, index-modulo-length and reset-at-end algorithm as
// handlersBucket.choose. The set it chooses over never shrinks (it's a
// snapshot), so the index is always in range.
type staticChoosable struct {
	nodes []NodeID
	pos   atomic.Int64
}

func newStaticChoosable(nodes []NodeID) *staticChoosable {
	return &staticChoosable{nodes: nodes}
}

func (c *staticChoosable) IsEmpty() bool { return len(c.nodes) == 0 }

func (c *staticChoosable) Choose() (NodeID, bool) {
	n := len(c.nodes)
	if n == 0 {
		return NodeID{}, false
	}
	p := c.pos.Add(1) - 1
	idx := int(p % int64(n))
	if p >= int64(n)-1 {
		c.pos.Store(0)
	}
	return c.nodes[idx], true
}

func (c *staticChoosable) Snapshot() []NodeID {
	out := make([]NodeID, len(c.nodes))
	copy(out, c.nodes)
	return out
}

// SubscriptionMap is the distributed multi-map from address to the set of
// nodes holding a non-local handler for that address (SPEC_FULL.md §4.5).
type SubscriptionMap interface {
	Add(ctx context.Context, address string, node NodeID) error
	Remove(ctx context.Context, address string, node NodeID) error
	RemoveAllForValue(ctx context.Context, node NodeID) error
	Get(ctx context.Context, address string) (ChoosableIterable, error)
}

// NodeListener receives cluster-membership notifications from a
// ClusterManager.
type NodeListener interface {
	NodeAdded(node NodeID)
	NodeLeft(node NodeID)
}

// ClusterManager supplies the subscription map, local node identity, and
// node-membership notifications (SPEC_FULL.md §2 item 2). Backend
// implementations are pluggable and out of the routing engine's core
// scope; this package ships an in-memory one (below) for standalone/test
// use and a PostgreSQL-backed one (cluster_postgres.go) as the one
// concrete production backend SPEC_FULL.md §10 calls for.
type ClusterManager interface {
	SubscriptionMap() SubscriptionMap
	LocalNodeID() NodeID
	AddNodeListener(l NodeListener)
	Start(ctx context.Context) error
	Stop() error
}

// --- in-memory implementation, for tests and multi-node-in-one-process demos ---

// localSubscriptionMap is an in-memory AsyncMultiMap, shared by every
// localCluster created from the same newLocalClusterGroup constructor
// (one map per group). It lets tests exercise real clustered behavior (multiple
// NodeIDs, subs propagation, removeAllForValue on simulated peer death)
// without a database.
type localSubscriptionMap struct {
	mu   sync.Mutex
	subs map[string][]NodeID // address -> nodes, duplicates allowed per §4.5
}

func newLocalSubscriptionMap() *localSubscriptionMap {
	return &localSubscriptionMap{subs: make(map[string][]NodeID)}
}

func (m *localSubscriptionMap) Add(_ context.Context, address string, node NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs[address] = append(m.subs[address], node)
	return nil
}

func (m *localSubscriptionMap) Remove(_ context.Context, address string, node NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[address]
	for i, n := range list {
		if n.Equal(node) {
			m.subs[address] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(m.subs[address]) == 0 {
		delete(m.subs, address)
	}
	return nil
}

func (m *localSubscriptionMap) RemoveAllForValue(_ context.Context, node NodeID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for address, list := range m.subs {
		out := list[:0:0]
		for _, n := range list {
			if !n.Equal(node) {
				out = append(out, n)
			}
		}
		if len(out) == 0 {
			delete(m.subs, address)
		} else {
			m.subs[address] = out
		}
	}
	return nil
}

func (m *localSubscriptionMap) Get(_ context.Context, address string) (ChoosableIterable, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	list := m.subs[address]
	snapshot := make([]NodeID, len(list))
	copy(snapshot, list)
	return newStaticChoosable(snapshot), nil
}

// localCluster is a ClusterManager implementation backed by
// localSubscriptionMap, for running several "clustered" bus instances in
// one process (tests, SPEC_FULL.md §8 scenarios) without any network
// membership protocol: membership is simply "every localCluster sharing
// the same *localSubscriptionMap," and node-listener notifications fire
// synchronously when a peer is created from the group constructor and
// when a peer calls Stop.
type localCluster struct {
	self NodeID
	subs *localSubscriptionMap

	mu        sync.Mutex
	listeners []NodeListener
	peers     map[NodeID]*localCluster
}

// newLocalClusterGroup returns a constructor for localCluster instances
// that all share one subscription map and membership set, simulating a
// cluster of nodes in a single process.
func newLocalClusterGroup() func(self NodeID) *localCluster {
	subs := newLocalSubscriptionMap()
	peers := make(map[NodeID]*localCluster)
	var mu sync.Mutex

	return func(self NodeID) *localCluster {
		c := &localCluster{self: self, subs: subs, peers: peers}
		mu.Lock()
		for _, other := range peers {
			other.notifyAdded(self)
			c.notifyAdded(other.self)
		}
		peers[self] = c
		mu.Unlock()
		return c
	}
}

func (c *localCluster) SubscriptionMap() SubscriptionMap { return c.subs }
func (c *localCluster) LocalNodeID() NodeID              { return c.self }

func (c *localCluster) AddNodeListener(l NodeListener) {
	c.mu.Lock()
	c.listeners = append(c.listeners, l)
	c.mu.Unlock()
}

func (c *localCluster) Start(ctx context.Context) error { return nil }

func (c *localCluster) Stop() error {
	c.mu.Lock()
	delete(c.peers, c.self)
	listeners := c.peers
	c.mu.Unlock()
	for _, peer := range listeners {
		peer.notifyLeft(c.self)
	}
	c.subs.RemoveAllForValue(context.Background(), c.self)
	return nil
}

func (c *localCluster) notifyAdded(node NodeID) {
	c.mu.Lock()
	ls := append([]NodeListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		l.NodeAdded(node)
	}
}

func (c *localCluster) notifyLeft(node NodeID) {
	c.mu.Lock()
	ls := append([]NodeListener(nil), c.listeners...)
	c.mu.Unlock()
	for _, l := range ls {
		l.NodeLeft(node)
	}
}
