package eventbus

import (
	"sync"
	"sync/atomic"
)

// Handler is a registered message receiver. It runs on the Context it was
// bound to at registration time (SPEC_FULL.md §5), and is passed that same
// Context so a reply/fail call can be attributed to the lane it ran on.
type Handler func(ctx *Context, msg *Message)

// HandlerHolder is one registered handler on one address. replyHandler
// holders auto-unregister after their first delivery (SPEC_FULL.md §3);
// localOnly holders are never propagated into the subscription map.
//
// The reply-timeout timer ID is stored directly on the holder (field
// timer) rather than threaded separately through the registration call
// chain — this is the resolution recorded in SPEC_FULL.md §9 for the
// spec's own flagged open question about timer-to-holder wiring.
type HandlerHolder struct {
	address      string
	handler      Handler
	ctx          *Context
	replyHandler bool
	localOnly    bool
	removed      atomic.Bool

	mu    sync.Mutex
	timer *timerHandle
}

func (h *HandlerHolder) setTimer(t *timerHandle) {
	h.mu.Lock()
	h.timer = t
	h.mu.Unlock()
}

func (h *HandlerHolder) cancelTimer() {
	h.mu.Lock()
	t := h.timer
	h.timer = nil
	h.mu.Unlock()
	if t != nil {
		t.cancel()
	}
}

// handlersBucket is the ordered list of holders for one address plus the
// round-robin position, grounded on EventBusImpl.Handlers (list +
// AtomicInteger pos). Invariant (enforced by HandlerRegistry): a bucket
// reachable from the registry map is never empty.
type handlersBucket struct {
	mu   sync.Mutex
	list []*HandlerHolder
	pos  atomic.Int64
}

// choose returns the next holder in round-robin order. The index is pos
// modulo the list's current length, read under the bucket lock, so a
// concurrent shrink can never produce an out-of-range index and no retry
// is needed; pos is reset to 0 once it reaches the end of the list.
// Selection is approximately round-robin and not strictly fair under
// concurrent mutation (§4.1, §9).
func (b *handlersBucket) choose() *HandlerHolder {
	for {
		b.mu.Lock()
		n := len(b.list)
		if n == 0 {
			b.mu.Unlock()
			return nil
		}
		p := b.pos.Add(1) - 1
		idx := int(p % int64(n))
		if p >= int64(n)-1 {
			b.pos.Store(0)
		}
		h := b.list[idx]
		b.mu.Unlock()
		return h
	}
}

// snapshot returns a copy of the current list for publish fan-out
// iteration, safe against concurrent add/remove on the live bucket.
func (b *handlersBucket) snapshot() []*HandlerHolder {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*HandlerHolder, len(b.list))
	copy(out, b.list)
	return out
}

// HandlerRegistry is the per-address map of handler buckets (SPEC_FULL.md
// §4.1). It owns only local bucket mechanics; propagating first-add /
// last-remove into the subscription map is the caller's (Bus's)
// responsibility, kept out of this type so the registry has no dependency
// on clustering.
type HandlerRegistry struct {
	mu      sync.RWMutex
	buckets map[string]*handlersBucket
}

// NewHandlerRegistry returns an empty registry.
func NewHandlerRegistry() *HandlerRegistry {
	return &HandlerRegistry{buckets: make(map[string]*handlersBucket)}
}

// Register creates a holder and appends it to the address's bucket,
// creating the bucket if necessary. It returns the holder and whether
// the address had no holder at all before this one and this holder is
// non-local and non-reply — the signal the caller uses to decide whether
// to propagate the registration into the subscription map (§4.1).
func (r *HandlerRegistry) Register(address string, handler Handler, ctx *Context, replyHandler, localOnly bool) (holder *HandlerHolder, firstPropagated bool) {
	h := &HandlerHolder{
		address:      address,
		handler:      handler,
		ctx:          ctx,
		replyHandler: replyHandler,
		localOnly:    localOnly,
	}

	// The append happens under the registry lock so no reader ever sees
	// the new bucket empty, and Unregister's delete-if-empty re-check
	// cannot remove a bucket this call is about to append to.
	r.mu.Lock()
	b, ok := r.buckets[address]
	if !ok {
		b = &handlersBucket{}
		r.buckets[address] = b
	}
	b.mu.Lock()
	wasEmpty := len(b.list) == 0
	b.list = append(b.list, h)
	b.mu.Unlock()
	r.mu.Unlock()

	propagated := wasEmpty && !replyHandler && !localOnly
	return h, propagated
}

// Unregister removes handler's holder from address's bucket by identity.
// It reports whether holder was actually found (false if some earlier
// caller already removed it — unregister is idempotent, which matters
// when both a reply timeout and an in-flight reply race to unregister the
// same reply holder), whether the bucket became empty as a result (the
// bucket is then deleted from the registry after a re-check under the
// registry's write lock, which Register also holds while appending, per
// §3's invariant), and whether the removed holder was of the kind that would
// have been cluster-propagated (non-reply, non-local) — the caller only
// issues subs.remove when both bucketEmptied and holderEligible, since
// other local handlers on the same address still justify this node's
// subscription-map entry.
func (r *HandlerRegistry) Unregister(address string, holder *HandlerHolder) (found, bucketEmptied, holderEligible bool) {
	r.mu.RLock()
	b, ok := r.buckets[address]
	r.mu.RUnlock()
	if !ok {
		return false, false, false
	}

	b.mu.Lock()
	idx := -1
	for i, candidate := range b.list {
		if candidate == holder {
			idx = i
			break
		}
	}
	if idx == -1 {
		b.mu.Unlock()
		return false, false, false
	}

	holder.cancelTimer()
	holder.removed.Store(true)

	b.list = append(b.list[:idx], b.list[idx+1:]...)
	empty := len(b.list) == 0
	b.mu.Unlock()

	if empty {
		r.mu.Lock()
		// Re-check under the write lock: another register() may have
		// raced in between and repopulated the bucket.
		if current, ok := r.buckets[address]; ok && current == b {
			current.mu.Lock()
			stillEmpty := len(current.list) == 0
			current.mu.Unlock()
			if stillEmpty {
				delete(r.buckets, address)
			} else {
				empty = false
			}
		}
		r.mu.Unlock()
	}

	holderEligible = !holder.replyHandler && !holder.localOnly
	return true, empty, holderEligible
}

// Choose returns the next holder for address via round-robin, or nil if
// the address has no registered handler.
func (r *HandlerRegistry) Choose(address string) *HandlerHolder {
	r.mu.RLock()
	b, ok := r.buckets[address]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.choose()
}

// Snapshot returns every currently-registered holder for address, for
// publish fan-out. Returns nil if the address has no handlers.
func (r *HandlerRegistry) Snapshot(address string) []*HandlerHolder {
	r.mu.RLock()
	b, ok := r.buckets[address]
	r.mu.RUnlock()
	if !ok {
		return nil
	}
	return b.snapshot()
}

// HasAddress reports whether address currently has at least one handler.
func (r *HandlerRegistry) HasAddress(address string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.buckets[address]
	return ok
}

// CloseContexts stops every execution lane still referenced by a
// registered holder. Holders sharing a Context (RegisterOption
// WithContext) are deduped by pointer identity so a shared lane is only
// closed once; Context.Close is idempotent regardless. Called from
// Bus.Close so handlers a caller never explicitly unregistered don't
// leave their lane's goroutine running past shutdown.
func (r *HandlerRegistry) CloseContexts() {
	r.mu.RLock()
	seen := make(map[*Context]struct{})
	var ctxs []*Context
	for _, b := range r.buckets {
		b.mu.Lock()
		for _, h := range b.list {
			if _, ok := seen[h.ctx]; !ok {
				seen[h.ctx] = struct{}{}
				ctxs = append(ctxs, h.ctx)
			}
		}
		b.mu.Unlock()
	}
	r.mu.RUnlock()

	for _, c := range ctxs {
		c.Close()
	}
}

// Addresses returns the currently-registered addresses with their handler
// counts, for the admin surface (SPEC_FULL.md §11 GET /addresses).
func (r *HandlerRegistry) Addresses() map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]int, len(r.buckets))
	for addr, b := range r.buckets {
		b.mu.Lock()
		out[addr] = len(b.list)
		b.mu.Unlock()
	}
	return out
}
