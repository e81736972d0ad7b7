package eventbus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestBus_SendStandaloneLocalDelivery(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	received := make(chan string, 1)
	if _, err := bus.RegisterHandler("greet", func(_ *Context, msg *Message) {
		received <- msg.Body.(string)
	}); err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := bus.Send(context.Background(), "greet", "hello"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got != "hello" {
			t.Fatalf("expected %q, got %q", "hello", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for handler delivery")
	}
}

func TestBus_SendNoHandlersReturnsError(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	_, err := bus.Request(context.Background(), "nobody.home", "ping", WithTimeout(time.Second))
	if !errors.Is(err, ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers, got %v", err)
	}
}

func TestBus_RequestReplyRoundTrip(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	bus.RegisterHandler("echo", func(_ *Context, msg *Message) {
		msg.Reply("echo: " + msg.Body.(string))
	})

	reply, err := bus.Request(context.Background(), "echo", "hi", WithTimeout(2*time.Second))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if reply.Body.(string) != "echo: hi" {
		t.Fatalf("unexpected reply body: %v", reply.Body)
	}
}

func TestBus_RequestFailReturnsRecipientFailure(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	bus.RegisterHandler("boom", func(_ *Context, msg *Message) {
		msg.Fail(7, "kaboom")
	})

	_, err := bus.Request(context.Background(), "boom", "x", WithTimeout(2*time.Second))
	var be *BusError
	if !errors.As(err, &be) {
		t.Fatalf("expected a *BusError, got %T: %v", err, err)
	}
	if be.Kind != ErrKindRecipientFailure || be.Code != 7 {
		t.Fatalf("unexpected BusError: %+v", be)
	}
}

func TestBus_RequestTimesOutWithNoReply(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	bus.RegisterHandler("silent", func(_ *Context, msg *Message) {
		// never replies
	})

	_, err := bus.Request(context.Background(), "silent", "x", WithTimeout(100*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}
}

func TestBus_LateReplyAfterTimeoutDoesNotDoubleDeliver(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	release := make(chan struct{})
	bus.RegisterHandler("slow", func(_ *Context, msg *Message) {
		<-release
		msg.Reply("too late")
	})

	_, err := bus.Request(context.Background(), "slow", "x", WithTimeout(50*time.Millisecond))
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("expected ErrTimeout, got %v", err)
	}

	// Let the handler's reply through after the timeout already fired.
	// It must be a silent no-op: there is no longer anyone listening on
	// the reply address, and nothing should panic or block.
	close(release)
	time.Sleep(50 * time.Millisecond)
}

func TestBus_PublishFanOutToAllHandlers(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	var mu sync.Mutex
	var got []string
	done := make(chan struct{}, 3)

	for i := 0; i < 3; i++ {
		bus.RegisterHandler("news", func(_ *Context, msg *Message) {
			mu.Lock()
			got = append(got, msg.Body.(string))
			mu.Unlock()
			done <- struct{}{}
		})
	}

	if err := bus.Publish(context.Background(), "news", "breaking"); err != nil {
		t.Fatalf("Publish: %v", err)
	}

	for i := 0; i < 3; i++ {
		select {
		case <-done:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for fan-out delivery")
		}
	}

	mu.Lock()
	defer mu.Unlock()
	if len(got) != 3 {
		t.Fatalf("expected 3 deliveries, got %d", len(got))
	}
}

func TestBus_UnregisterStopsDelivery(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	delivered := make(chan struct{}, 1)
	reg, err := bus.RegisterHandler("temp", func(_ *Context, msg *Message) {
		delivered <- struct{}{}
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}

	if err := reg.Unregister(context.Background()); err != nil {
		t.Fatalf("Unregister: %v", err)
	}

	_, err = bus.Request(context.Background(), "temp", "x", WithTimeout(500*time.Millisecond))
	if !errors.Is(err, ErrNoHandlers) {
		t.Fatalf("expected ErrNoHandlers after unregister, got %v", err)
	}

	select {
	case <-delivered:
		t.Fatal("handler should not have been invoked after unregister")
	default:
	}
}

func TestBus_SendAfterCloseReturnsErrClosed(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	bus.Close(context.Background())

	if err := bus.Send(context.Background(), "anything", "x"); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestBus_WithTargetRoutesAcrossProcesses(t *testing.T) {
	busA := New()
	if err := busA.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("busA Start: %v", err)
	}
	defer busA.Close(context.Background())

	busB := New()
	if err := busB.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("busB Start: %v", err)
	}
	defer busB.Close(context.Background())

	busA.RegisterHandler("remote.echo", func(_ *Context, msg *Message) {
		msg.Reply("from A: " + msg.Body.(string))
	})

	reply, err := busB.Request(context.Background(), "remote.echo", "hi",
		WithTarget(busA.LocalNodeID()), WithTimeout(3*time.Second))
	if err != nil {
		t.Fatalf("Request across processes: %v", err)
	}
	if reply.Body.(string) != "from A: hi" {
		t.Fatalf("unexpected reply: %v", reply.Body)
	}
}

func TestBus_ClusteredSendChoosesRegisteredNode(t *testing.T) {
	newCluster := newLocalClusterGroup()

	busA := New(WithClusterManager(newCluster(NodeID{})))
	if err := busA.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("busA Start: %v", err)
	}
	defer busA.Close(context.Background())

	busB := New(WithClusterManager(newCluster(NodeID{})))
	if err := busB.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("busB Start: %v", err)
	}
	defer busB.Close(context.Background())

	received := make(chan string, 1)
	reg, err := busB.RegisterHandler("cluster.addr", func(_ *Context, msg *Message) {
		received <- msg.Body.(string)
	})
	if err != nil {
		t.Fatalf("RegisterHandler: %v", err)
	}
	if err := reg.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	if err := busA.Send(context.Background(), "cluster.addr", "via cluster"); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got != "via cluster" {
			t.Fatalf("unexpected body: %q", got)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for clustered delivery")
	}
}

func TestBus_RegisterLocalHandlerNeverPropagates(t *testing.T) {
	newCluster := newLocalClusterGroup()

	bus := New(WithClusterManager(newCluster(NodeID{})))
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	reg, err := bus.RegisterLocalHandler("local.addr", func(*Context, *Message) {})
	if err != nil {
		t.Fatalf("RegisterLocalHandler: %v", err)
	}
	if err := reg.Ready(context.Background()); err != nil {
		t.Fatalf("Ready: %v", err)
	}

	set, err := bus.cluster.SubscriptionMap().Get(context.Background(), "local.addr")
	if err != nil {
		t.Fatalf("SubscriptionMap.Get: %v", err)
	}
	if !set.IsEmpty() {
		t.Fatal("expected a local-only handler never to appear in the subscription map")
	}
}

func TestBus_ValidateBodyRejectsUncodecedTypeWhenClustered(t *testing.T) {
	newCluster := newLocalClusterGroup()
	bus := New(WithClusterManager(newCluster(NodeID{})))
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	type unregisteredType struct{ X int }

	err := bus.Send(context.Background(), "addr", unregisteredType{X: 1})
	if err == nil {
		t.Fatal("expected an error for an uncodeced custom type in clustered mode")
	}
	if _, ok := err.(*ErrNoCodec); !ok {
		t.Fatalf("expected *ErrNoCodec, got %T: %v", err, err)
	}
}

func TestBus_StandaloneAllowsArbitraryBodies(t *testing.T) {
	bus := New()
	if err := bus.Start(context.Background(), "127.0.0.1:0"); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer bus.Close(context.Background())

	type anyType struct{ X int }

	received := make(chan anyType, 1)
	bus.RegisterHandler("addr", func(_ *Context, msg *Message) {
		received <- msg.Body.(anyType)
	})

	if err := bus.Send(context.Background(), "addr", anyType{X: 9}); err != nil {
		t.Fatalf("Send: %v", err)
	}

	select {
	case got := <-received:
		if got.X != 9 {
			t.Fatalf("unexpected body: %+v", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out")
	}
}
