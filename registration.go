package eventbus

import (
	"context"
	"sync"
)

// Registration is the handle returned by RegisterHandler/RegisterLocalHandler
// (SPEC_FULL.md §6). Ready blocks until the registration's subscription-map
// propagation (if any) has acknowledged, or returns immediately if none
// was needed — the readiness signal spec §4.1 and §9 require tests to rely
// on rather than assuming immediate cluster-wide visibility.
//
// The done-channel gate here is adapted from the teacher's activation.go
// activationGate (sync.Map-dedup pattern, "done chan struct{}" closed once
// the outcome is known) — repurposed from "wait for a concurrent actor
// activation to finish" to "wait for subs.add to acknowledge."
type Registration struct {
	address string
	holder  *HandlerHolder
	ctx     *Context
	ownsCtx bool
	bus     *Bus

	once     sync.Once
	readyCh  chan struct{}
	readyErr error
}

func newRegistration(address string, holder *HandlerHolder, ctx *Context, ownsCtx bool, bus *Bus) *Registration {
	return &Registration{
		address: address,
		holder:  holder,
		ctx:     ctx,
		ownsCtx: ownsCtx,
		bus:     bus,
		readyCh: make(chan struct{}),
	}
}

// setReady fires the readiness signal. Safe to call multiple times; only
// the first call's err is retained.
func (r *Registration) setReady(err error) {
	r.once.Do(func() {
		r.readyErr = err
		close(r.readyCh)
	})
}

// Address returns the address this registration is on.
func (r *Registration) Address() string {
	return r.address
}

// Ready blocks until cluster propagation (if any was needed) completes,
// or ctx is done, whichever comes first.
func (r *Registration) Ready(ctx context.Context) error {
	select {
	case <-r.readyCh:
		return r.readyErr
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Unregister removes the handler and, if it was cluster-propagated, waits
// for the subs.remove acknowledgement (or ctx's deadline) before returning.
func (r *Registration) Unregister(ctx context.Context) error {
	return r.bus.unregister(ctx, r)
}
