package eventbus

import (
	"testing"
)

func TestHandlerRegistry_RegisterChoose(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	holder, propagated := r.Register("greet", func(*Context, *Message) {}, ctx, false, false)
	if !propagated {
		t.Fatal("expected first non-reply, non-local registration to be propagated")
	}
	if holder == nil {
		t.Fatal("expected non-nil holder")
	}

	got := r.Choose("greet")
	if got != holder {
		t.Fatalf("expected Choose to return the only registered holder")
	}
}

func TestHandlerRegistry_SecondRegistrationNotPropagated(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	_, propagated1 := r.Register("greet", func(*Context, *Message) {}, ctx, false, false)
	_, propagated2 := r.Register("greet", func(*Context, *Message) {}, ctx, false, false)

	if !propagated1 {
		t.Fatal("expected first registration to be propagated")
	}
	if propagated2 {
		t.Fatal("expected second registration on the same address not to be propagated")
	}
}

func TestHandlerRegistry_ReplyAndLocalHoldersNeverPropagate(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	_, replyPropagated := r.Register("__eventbus.reply.1", func(*Context, *Message) {}, ctx, true, true)
	if replyPropagated {
		t.Fatal("expected reply holder not to be propagated")
	}

	_, localPropagated := r.Register("local.only", func(*Context, *Message) {}, ctx, false, true)
	if localPropagated {
		t.Fatal("expected local-only holder not to be propagated")
	}
}

func TestHandlerRegistry_ChooseRoundRobin(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	var holders []*HandlerHolder
	for i := 0; i < 3; i++ {
		h, _ := r.Register("rr", func(*Context, *Message) {}, ctx, false, false)
		holders = append(holders, h)
	}

	seen := make(map[*HandlerHolder]int)
	for i := 0; i < 9; i++ {
		seen[r.Choose("rr")]++
	}

	for _, h := range holders {
		if seen[h] != 3 {
			t.Errorf("expected each holder chosen exactly 3 times over 9 picks, got %d", seen[h])
		}
	}
}

func TestHandlerRegistry_ChooseNoHandlers(t *testing.T) {
	r := NewHandlerRegistry()
	if got := r.Choose("nobody"); got != nil {
		t.Fatalf("expected nil for unregistered address, got %v", got)
	}
}

func TestHandlerRegistry_UnregisterIsIdempotent(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	holder, _ := r.Register("reply.addr", func(*Context, *Message) {}, ctx, true, true)

	found1, bucketEmptied1, _ := r.Unregister("reply.addr", holder)
	if !found1 {
		t.Fatal("expected first Unregister to find the holder")
	}
	if !bucketEmptied1 {
		t.Fatal("expected bucket to be emptied after removing the only holder")
	}

	found2, _, _ := r.Unregister("reply.addr", holder)
	if found2 {
		t.Fatal("expected second Unregister of the same holder to report not found")
	}
}

func TestHandlerRegistry_UnregisterOneOfManyDoesNotEmptyBucket(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	h1, _ := r.Register("shared", func(*Context, *Message) {}, ctx, false, false)
	r.Register("shared", func(*Context, *Message) {}, ctx, false, false)

	found, bucketEmptied, eligible := r.Unregister("shared", h1)
	if !found {
		t.Fatal("expected to find h1")
	}
	if bucketEmptied {
		t.Fatal("expected bucket not to be emptied while a second holder remains")
	}
	if !eligible {
		t.Fatal("expected a non-reply, non-local holder to be subscription-eligible")
	}

	if !r.HasAddress("shared") {
		t.Fatal("expected address to still have a handler")
	}
}

func TestHandlerRegistry_SnapshotForPublish(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	for i := 0; i < 3; i++ {
		r.Register("fanout", func(*Context, *Message) {}, ctx, false, false)
	}

	snap := r.Snapshot("fanout")
	if len(snap) != 3 {
		t.Fatalf("expected 3 holders in snapshot, got %d", len(snap))
	}
}

func TestHandlerRegistry_Addresses(t *testing.T) {
	r := NewHandlerRegistry()
	ctx := NewContext()
	defer ctx.Close()

	r.Register("a", func(*Context, *Message) {}, ctx, false, false)
	r.Register("a", func(*Context, *Message) {}, ctx, false, false)
	r.Register("b", func(*Context, *Message) {}, ctx, false, false)

	counts := r.Addresses()
	if counts["a"] != 2 || counts["b"] != 1 {
		t.Fatalf("unexpected address counts: %+v", counts)
	}
}
