package eventbus

import (
	"context"
	"testing"
)

func TestLocalSubscriptionMap_AddGetRemove(t *testing.T) {
	m := newLocalSubscriptionMap()
	ctx := context.Background()
	node := NodeID{Host: "127.0.0.1", Port: 7000}

	if err := m.Add(ctx, "addr", node); err != nil {
		t.Fatalf("Add: %v", err)
	}

	set, err := m.Get(ctx, "addr")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if set.IsEmpty() {
		t.Fatal("expected non-empty set after Add")
	}
	got, ok := set.Choose()
	if !ok || !got.Equal(node) {
		t.Fatalf("expected to choose %v, got %v (ok=%v)", node, got, ok)
	}

	if err := m.Remove(ctx, "addr", node); err != nil {
		t.Fatalf("Remove: %v", err)
	}
	set, err = m.Get(ctx, "addr")
	if err != nil {
		t.Fatalf("Get after remove: %v", err)
	}
	if !set.IsEmpty() {
		t.Fatal("expected empty set after Remove")
	}
}

func TestLocalSubscriptionMap_RemoveAllForValue(t *testing.T) {
	m := newLocalSubscriptionMap()
	ctx := context.Background()
	dead := NodeID{Host: "127.0.0.1", Port: 7001}
	alive := NodeID{Host: "127.0.0.1", Port: 7002}

	m.Add(ctx, "a", dead)
	m.Add(ctx, "a", alive)
	m.Add(ctx, "b", dead)

	if err := m.RemoveAllForValue(ctx, dead); err != nil {
		t.Fatalf("RemoveAllForValue: %v", err)
	}

	setA, _ := m.Get(ctx, "a")
	if len(setA.Snapshot()) != 1 {
		t.Fatalf("expected 1 surviving node on address 'a', got %d", len(setA.Snapshot()))
	}
	setB, _ := m.Get(ctx, "b")
	if !setB.IsEmpty() {
		t.Fatal("expected address 'b' to be empty after its only node was removed")
	}
}

func TestStaticChoosable_RoundRobin(t *testing.T) {
	nodes := []NodeID{
		{Host: "a", Port: 1},
		{Host: "b", Port: 2},
		{Host: "c", Port: 3},
	}
	c := newStaticChoosable(nodes)

	seen := make(map[NodeID]int)
	for i := 0; i < 6; i++ {
		n, ok := c.Choose()
		if !ok {
			t.Fatal("expected Choose to succeed on a non-empty set")
		}
		seen[n]++
	}
	for _, n := range nodes {
		if seen[n] != 2 {
			t.Errorf("expected node %v chosen twice over 6 picks, got %d", n, seen[n])
		}
	}
}

func TestLocalCluster_MembershipNotifications(t *testing.T) {
	newCluster := newLocalClusterGroup()

	type event struct {
		added bool
		node  NodeID
	}
	var events []event

	nodeA := NodeID{Host: "a", Port: 1}
	nodeB := NodeID{Host: "b", Port: 2}

	clusterA := newCluster(nodeA)
	clusterA.AddNodeListener(recordingListener{
		onAdded: func(n NodeID) { events = append(events, event{true, n}) },
		onLeft:  func(n NodeID) { events = append(events, event{false, n}) },
	})

	clusterB := newCluster(nodeB)

	found := false
	for _, e := range events {
		if e.added && e.node.Equal(nodeB) {
			found = true
		}
	}
	if !found {
		t.Fatal("expected clusterA to observe clusterB joining")
	}

	clusterB.Stop()

	foundLeft := false
	for _, e := range events {
		if !e.added && e.node.Equal(nodeB) {
			foundLeft = true
		}
	}
	if !foundLeft {
		t.Fatal("expected clusterA to observe clusterB leaving")
	}
}

type recordingListener struct {
	onAdded func(NodeID)
	onLeft  func(NodeID)
}

func (l recordingListener) NodeAdded(n NodeID) { l.onAdded(n) }
func (l recordingListener) NodeLeft(n NodeID)  { l.onLeft(n) }
