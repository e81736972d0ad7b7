// busdemo starts two standalone buses in one process, registers an echo
// handler on the first, and sends a timed request from the second
// dialed directly at the first's listen address — no ClusterManager
// involved, the direct analogue of the teacher's raw two-node Transport
// demo, now exercising Request instead of hand-built envelopes.
//
// Run:  go run ./cmd/busdemo
package main

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/lattice-msg/eventbus"
)

func main() {
	ctx := context.Background()

	busA := eventbus.New()
	if err := busA.Start(ctx, "127.0.0.1:0"); err != nil {
		log.Fatalf("busA start: %v", err)
	}
	defer busA.Close(ctx)

	busB := eventbus.New()
	if err := busB.Start(ctx, "127.0.0.1:0"); err != nil {
		log.Fatalf("busB start: %v", err)
	}
	defer busB.Close(ctx)

	fmt.Printf("busA listening on %s\n", busA.LocalNodeID())
	fmt.Printf("busB listening on %s\n", busB.LocalNodeID())

	reg, err := busA.RegisterHandler("demo.echo", func(hctx *eventbus.Context, msg *eventbus.Message) {
		text, _ := msg.Body.(string)
		fmt.Printf("[busA] received: %q\n", text)
		msg.Reply("echo: " + text)
	})
	if err != nil {
		log.Fatalf("RegisterHandler: %v", err)
	}
	defer reg.Unregister(ctx)

	fmt.Println("\n--- Sending request from busB to busA ---")
	reqCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	reply, err := busB.Request(reqCtx, "demo.echo", "hello from busB",
		eventbus.WithTarget(busA.LocalNodeID()))
	if err != nil {
		log.Fatalf("Request: %v", err)
	}

	fmt.Printf("[busB] got reply: %v\n", reply.Body)
	fmt.Println("\nDemo complete.")
}
