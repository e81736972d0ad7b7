package eventbus

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"
)

// Bus is the top-level event bus: the Dispatch Engine plus the components
// it owns (SPEC_FULL.md §2 item 7, §6 public API). Grounded on the
// teacher's Host — the same role (top-level type wiring registry,
// transport, cluster, metrics, admin server together) generalized from
// single-owner actor routing to address-indexed multi-handler routing.
type Bus struct {
	self NodeID

	registry *HandlerRegistry
	codecs   *CodecRegistry
	pool     *ConnectionPool
	server   *Server
	timers   *timerWheel
	metrics  *Metrics

	cluster   ClusterManager
	subsCache *subsCache

	replyAlloc *replyAddressAllocator

	cfg                 busConfig
	defaultReplyTimeout atomic.Int64 // nanoseconds

	admin *AdminServer

	closed    atomic.Bool
	closeOnce doOnce
}

// doOnce is sync.Once under a name that doesn't collide with the many
// other *Once fields this file would otherwise need to disambiguate.
type doOnce struct{ done atomic.Bool }

func (o *doOnce) Do(fn func()) {
	if o.done.CompareAndSwap(false, true) {
		fn()
	}
}

// New constructs a Bus. The bus is not listening and has no node identity
// until Start is called.
func New(opts ...Option) *Bus {
	cfg := defaultBusConfig()
	for _, o := range opts {
		o(&cfg)
	}

	clustered := cfg.cluster != nil

	b := &Bus{
		registry:   NewHandlerRegistry(),
		codecs:     NewCodecRegistry(),
		timers:     newTimerWheel(),
		metrics:    newMetrics(),
		replyAlloc: newReplyAddressAllocator(clustered),
		cfg:        cfg,
		cluster:    cfg.cluster,
	}
	b.pool = newConnectionPool(b)
	b.server = newServer(b)
	if clustered {
		b.subsCache = newSubsCache(cfg.subsCacheTTL)
	}
	b.defaultReplyTimeout.Store(int64(cfg.defaultReplyTimeout))
	return b
}

// Start binds the inbound TCP listener, resolves this node's public
// identity, and — in clustered mode — joins the cluster and starts the
// admin server if configured (SPEC_FULL.md §4.4, §10, §11).
func (b *Bus) Start(ctx context.Context, listenAddr string) error {
	self, err := b.server.start(listenAddr, b.cfg.publicHost, b.cfg.publicPort)
	if err != nil {
		return fmt.Errorf("eventbus: start listener: %w", err)
	}
	b.self = self

	if b.cluster != nil {
		b.cluster.AddNodeListener(b)
		if err := b.cluster.Start(ctx); err != nil {
			b.server.Close()
			return fmt.Errorf("eventbus: start cluster manager: %w", err)
		}
	}

	if b.cfg.adminAddr != "" {
		admin, err := newAdminServer(b, b.cfg.adminAddr)
		if err != nil {
			slog.Error("eventbus: admin server failed to start", "error", err)
		} else {
			b.admin = admin
			b.admin.Start()
		}
	}

	slog.Info("eventbus: started", "node", b.self.String(), "clustered", b.cluster != nil)
	return nil
}

// LocalNodeID returns this bus's node identity. Zero until Start returns.
func (b *Bus) LocalNodeID() NodeID { return b.self }

// Clustered reports whether this bus was constructed with a ClusterManager.
func (b *Bus) Clustered() bool { return b.cluster != nil }

// Metrics returns the bus's operational counters (SPEC_FULL.md §11).
func (b *Bus) Metrics() *Metrics { return b.metrics }

// RegisterCodec installs a Codec for a non-primitive body type, looked up
// by typeName when that type is sent or published in clustered mode
// (SPEC_FULL.md §4.6).
func (b *Bus) RegisterCodec(typeName string, c Codec) { b.codecs.Register(typeName, c) }

// UnregisterCodec removes a previously registered codec.
func (b *Bus) UnregisterCodec(typeName string) { b.codecs.Unregister(typeName) }

// SetDefaultReplyTimeout sets the reply timeout used by Request calls
// that do not pass WithTimeout explicitly.
func (b *Bus) SetDefaultReplyTimeout(d time.Duration) { b.defaultReplyTimeout.Store(int64(d)) }

// DefaultReplyTimeout returns the current default reply timeout.
func (b *Bus) DefaultReplyTimeout() time.Duration {
	return time.Duration(b.defaultReplyTimeout.Load())
}

// Close cancels all timers, closes the inbound server, leaves the cluster
// (triggering nodeLeft at peers), and closes all outbound sockets.
// In-flight callbacks may still run (SPEC_FULL.md §5). Safe to call more
// than once; only the first call does anything. Close is the only
// teardown path: no finalizer is registered, so a Bus dropped without
// Close keeps its sockets and goroutines.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error
	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.registry.CloseContexts()
		b.timers.stop()
		if b.admin != nil {
			b.admin.Stop()
		}
		b.server.Close()
		if b.cluster != nil {
			if err := b.cluster.Stop(); err != nil {
				closeErr = err
			}
		}
		b.pool.Close()
		slog.Info("eventbus: closed", "node", b.self.String())
	})
	return closeErr
}

// --- NodeListener ---

// NodeAdded is called by the ClusterManager when a peer joins.
func (b *Bus) NodeAdded(node NodeID) {
	slog.Info("eventbus: peer joined", "node", node.String())
}

// NodeLeft is called by the ClusterManager when a peer leaves or is
// declared dead. The subscription cache is invalidated wholesale rather
// than per-address: a departed node invalidates an unbounded set of
// addresses and the cache TTL is already short (SPEC_FULL.md §10).
func (b *Bus) NodeLeft(node NodeID) {
	slog.Info("eventbus: peer left", "node", node.String())
	if b.subsCache != nil {
		b.subsCache.invalidateAll()
	}
}

// --- public send/publish/request API (SPEC_FULL.md §6 [ADDED] surface) ---

// Handler is a registered message receiver; see registry.go.

// RegisterHandler registers h on address, eligible for cluster
// propagation (SPEC_FULL.md §4.1).
func (b *Bus) RegisterHandler(address string, h Handler, opts ...RegisterOption) (*Registration, error) {
	return b.registerHandler(address, h, false, opts...)
}

// RegisterLocalHandler registers h on address without ever propagating
// the registration into the subscription map.
func (b *Bus) RegisterLocalHandler(address string, h Handler, opts ...RegisterOption) (*Registration, error) {
	return b.registerHandler(address, h, true, opts...)
}

func (b *Bus) registerHandler(address string, h Handler, localOnly bool, opts ...RegisterOption) (*Registration, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}

	cfg := registerConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	ctx := cfg.ctx
	ownsCtx := false
	if ctx == nil {
		ctx = NewContext()
		ownsCtx = true
	}

	holder, firstPropagated := b.registry.Register(address, h, ctx, false, localOnly)
	reg := newRegistration(address, holder, ctx, ownsCtx, b)

	if firstPropagated && b.cluster != nil {
		go func() {
			err := b.cluster.SubscriptionMap().Add(context.Background(), address, b.self)
			if b.subsCache != nil {
				b.subsCache.invalidate(address)
			}
			reg.setReady(err)
		}()
	} else {
		reg.setReady(nil)
	}

	return reg, nil
}

// unregister backs Registration.Unregister: removes the holder and, if it
// was the address's last cluster-propagated holder on this node, waits
// for the subs.remove acknowledgement before returning.
func (b *Bus) unregister(ctx context.Context, r *Registration) error {
	_, bucketEmptied, holderEligible := b.registry.Unregister(r.address, r.holder)

	if r.ownsCtx {
		r.ctx.Close()
	}

	if bucketEmptied && holderEligible && b.cluster != nil {
		err := b.cluster.SubscriptionMap().Remove(ctx, r.address, b.self)
		if b.subsCache != nil {
			b.subsCache.invalidate(r.address)
		}
		return err
	}
	return nil
}

// validateBody enforces SPEC_FULL.md §4.6: in clustered mode, any body
// that isn't one of the built-in primitive kinds must have a registered
// codec, checked synchronously before the send is ever attempted.
// Non-clustered buses carry arbitrary bodies by reference, no codec
// required.
func (b *Bus) validateBody(body any) error {
	if b.cluster == nil {
		return nil
	}
	switch body.(type) {
	case nil, string, []byte, int, int64, float64, bool, map[string]any, []any, *BusError:
		return nil
	default:
		typeName := TypeName(body)
		if _, ok := b.codecs.lookup(typeName); !ok {
			b.metrics.CodecMisses.Add(1)
			return &ErrNoCodec{TypeName: typeName}
		}
		return nil
	}
}

// Send delivers body to exactly one handler registered on address
// (point-to-point), with no reply expected. Use Request for the
// symmetric request/reply case.
func (b *Bus) Send(ctx context.Context, address string, body any, opts ...SendOption) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.validateBody(body); err != nil {
		return err
	}

	cfg := sendConfig{}
	for _, o := range opts {
		o(&cfg)
	}

	msg := &Message{Send: true, Address: address, Sender: b.self, Body: body, bus: b}
	b.metrics.MessagesSent.Add(1)
	return b.route(ctx, cfg.target, msg)
}

// Publish delivers body to every handler registered on address
// (fan-out).
func (b *Bus) Publish(ctx context.Context, address string, body any) error {
	if b.closed.Load() {
		return ErrClosed
	}
	if err := b.validateBody(body); err != nil {
		return err
	}

	msg := &Message{Send: false, Address: address, Sender: b.self, Body: body, bus: b}
	b.metrics.MessagesPublished.Add(1)
	return b.route(ctx, nil, msg)
}

type replyOutcome struct {
	msg *Message
	err error
}

// Request sends body to address and blocks for a reply, the symmetric
// request/response special case of Send (SPEC_FULL.md §4.2 step 1-2). The
// reply address is a UUID in clustered mode (unguessable) or a monotonic
// counter otherwise (§9's "two reply-address generation strategies").
func (b *Bus) Request(ctx context.Context, address string, body any, opts ...SendOption) (*Message, error) {
	if b.closed.Load() {
		return nil, ErrClosed
	}
	if err := b.validateBody(body); err != nil {
		return nil, err
	}

	cfg := sendConfig{timeout: b.DefaultReplyTimeout()}
	for _, o := range opts {
		o(&cfg)
	}

	replyAddr := b.replyAlloc.next()
	resultCh := make(chan replyOutcome, 1)
	replyCtx := NewContext()

	// Both the reply handler and the timeout below deliver into resultCh
	// without blocking: whichever outcome lands first wins, and a second
	// one (possible while the reply handler is still running and not yet
	// unregistered) is dropped.
	replyFn := func(_ *Context, reply *Message) {
		if be, ok := reply.Body.(*BusError); ok {
			select {
			case resultCh <- replyOutcome{err: be}:
			default:
			}
			return
		}
		b.metrics.RepliesReceived.Add(1)
		select {
		case resultCh <- replyOutcome{msg: reply}:
		default:
		}
	}

	holder, _ := b.registry.Register(replyAddr, replyFn, replyCtx, true, true)

	if cfg.timeout > 0 {
		holder.setTimer(b.timers.After(cfg.timeout, func() {
			// Unregister is idempotent: if the reply already arrived and
			// unregistered this holder itself, found is false here and we
			// must not fire a second (late) result.
			found, _, _ := b.registry.Unregister(replyAddr, holder)
			if found {
				b.metrics.Timeouts.Add(1)
				select {
				case resultCh <- replyOutcome{err: ErrTimeout}:
				default:
				}
			}
		}))
	}

	msg := &Message{Send: true, Address: address, ReplyAddress: replyAddr, Sender: b.self, Body: body, bus: b}
	b.metrics.MessagesSent.Add(1)

	if err := b.route(ctx, cfg.target, msg); err != nil {
		b.registry.Unregister(replyAddr, holder)
		replyCtx.Close()
		return nil, err
	}

	select {
	case outcome := <-resultCh:
		replyCtx.Close()
		if outcome.err != nil {
			return nil, outcome.err
		}
		return outcome.msg, nil
	case <-ctx.Done():
		b.registry.Unregister(replyAddr, holder)
		replyCtx.Close()
		return nil, ctx.Err()
	}
}

// sendTo routes msg directly to node, used by Message.Reply/Fail and by
// the reply-routing half of the Dispatch Engine (SPEC_FULL.md §4.2 step
// 3, "If replyDest given").
func (b *Bus) sendTo(node NodeID, msg *Message) error {
	return b.route(context.Background(), &node, msg)
}

// replyWithError sends a failure reply (NO_HANDLERS, RECIPIENT_FAILURE,
// ...) back to orig's sender at orig's reply address, mirroring
// Message.Fail. A no-op if orig did not request a reply.
func (b *Bus) replyWithError(orig *Message, kind error) {
	if orig.ReplyAddress == "" || orig.Sender.IsZero() {
		return
	}
	be, ok := kind.(*BusError)
	if !ok {
		be = &BusError{Kind: ErrKindNoHandlers, Msg: kind.Error()}
	}
	reply := &Message{Send: true, Address: orig.ReplyAddress, Sender: b.self, Body: be, bus: b}
	b.sendTo(orig.Sender, reply)
}

// route implements SPEC_FULL.md §4.2 step 3: route a message either to an
// explicit destination node (replies, and the [ADDED] WithTarget option),
// or — for an ordinary send/publish — through the subscription map when
// clustered, or straight to local delivery when standalone.
func (b *Bus) route(ctx context.Context, replyDest *NodeID, msg *Message) error {
	if replyDest != nil {
		if replyDest.Equal(b.self) {
			b.receiveMessageLocal(msg)
		} else {
			b.writeRemote(*replyDest, msg)
		}
		return nil
	}

	if b.cluster == nil {
		b.receiveMessageLocal(msg)
		return nil
	}

	set, err := b.lookupSubs(ctx, msg.Address)
	if err != nil {
		// §7: "Subscription-map get failure -> log and drop the send (no
		// reply signal)."
		slog.Warn("eventbus: subscription lookup failed, dropping send", "address", msg.Address, "error", err)
		return nil
	}
	b.sendToSubs(set, msg)
	return nil
}

// sendToSubs implements SPEC_FULL.md §4.2 sendToSubs: for send, pick
// exactly one node via choose(); for publish, iterate every node in the
// set. Self is always delivered locally rather than looped back through
// the transport.
func (b *Bus) sendToSubs(set ChoosableIterable, msg *Message) {
	if set == nil || set.IsEmpty() {
		if msg.Send {
			b.metrics.NoHandlers.Add(1)
			b.replyWithError(msg, ErrNoHandlers)
		}
		return
	}

	if msg.Send {
		node, ok := set.Choose()
		if !ok {
			b.metrics.NoHandlers.Add(1)
			b.replyWithError(msg, ErrNoHandlers)
			return
		}
		if node.Equal(b.self) {
			b.receiveMessageLocal(msg)
		} else {
			b.writeRemote(node, msg)
		}
		return
	}

	for _, node := range set.Snapshot() {
		if node.Equal(b.self) {
			b.receiveMessageLocal(msg.copy())
		} else {
			b.writeRemote(node, msg.copy())
		}
	}
}

func (b *Bus) lookupSubs(ctx context.Context, address string) (ChoosableIterable, error) {
	if b.subsCache != nil {
		return b.subsCache.get(ctx, address, b.cluster.SubscriptionMap())
	}
	return b.cluster.SubscriptionMap().Get(ctx, address)
}

func (b *Bus) writeRemote(node NodeID, msg *Message) {
	payload, err := encodePayload(msg, b.codecs)
	if err != nil {
		slog.Warn("eventbus: failed to encode outbound message, dropping", "address", msg.Address, "error", err)
		return
	}
	b.pool.WriteTo(node, payload)
}

// receiveMessageLocal is purely-local delivery (SPEC_FULL.md §4.2
// "receiveMessage"): every delivery path — standalone send/publish,
// clustered self-delivery, and the Inbound Server decoding a frame off
// the wire — funnels through here.
func (b *Bus) receiveMessageLocal(msg *Message) {
	if msg.Send {
		holder := b.registry.Choose(msg.Address)
		if holder == nil {
			b.metrics.NoHandlers.Add(1)
			b.replyWithError(msg, ErrNoHandlers)
			return
		}
		b.deliverToHolder(holder, msg)
		return
	}

	holders := b.registry.Snapshot(msg.Address)
	for _, h := range holders {
		b.deliverToHolder(h, msg.copy())
	}
}

// deliverToHolder schedules msg onto holder's Context. The removed check
// happens inside the scheduled closure, not here, because the holder may
// be unregistered between being chosen and actually running (SPEC_FULL.md
// §4.2, §8 "Unregister during in-flight delivery").
func (b *Bus) deliverToHolder(holder *HandlerHolder, msg *Message) {
	holder.ctx.Schedule(func() {
		if holder.removed.Load() {
			return
		}
		if holder.replyHandler {
			defer b.registry.Unregister(holder.address, holder)
		}
		b.invokeHandler(holder, msg)
	})
}

// invokeHandler recovers a panicking handler at the delivery boundary,
// converting it into a RECIPIENT_FAILURE reply when one was requested and
// a logged error otherwise (SPEC_FULL.md §7 [ADDED]).
func (b *Bus) invokeHandler(holder *HandlerHolder, msg *Message) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("eventbus: handler panicked", "address", holder.address, "panic", r)
			b.metrics.RecipientFailures.Add(1)
			b.replyWithError(msg, &BusError{Kind: ErrKindRecipientFailure, Msg: fmt.Sprint(r)})
		}
	}()
	holder.handler(holder.ctx, msg)
}
