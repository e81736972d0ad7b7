package eventbus

import (
	"context"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"
)

const (
	dialTimeout          = 5 * time.Second
	pingInterval         = 20 * time.Second
	pongTimeout          = 20 * time.Second
	connPendingQueueSize = 1024
	writeChanBuffer      = 256
)

type connState int32

const (
	connConnecting connState = iota
	connConnected
	connClosed
)

// ConnectionPool holds one outbound TCP connection per remote node,
// lazily created, keyed by NodeID (SPEC_FULL.md §4.3). Grounded on the
// teacher's transport.go peer map: a sync.Map of NodeID -> *ConnectionHolder
// with CAS-style putIfAbsent (LoadOrStore) so concurrent first-writers to
// the same peer agree on a single holder and only one of them dials.
type ConnectionPool struct {
	bus   *Bus
	peers sync.Map // NodeID -> *ConnectionHolder
}

func newConnectionPool(bus *Bus) *ConnectionPool {
	return &ConnectionPool{bus: bus}
}

// WriteTo frames and writes payload to peer, creating the connection
// lazily if one does not exist yet (§4.3 writeTo steps 1-3).
func (p *ConnectionPool) WriteTo(peer NodeID, payload []byte) {
	h := newConnectionHolder(p, peer)
	actual, loaded := p.peers.LoadOrStore(peer, h)
	holder := actual.(*ConnectionHolder)
	if !loaded {
		go holder.dial()
	}
	holder.write(payload)
}

// removeIfStillEqual is the identity-based compare-and-remove used by
// cleanup, so a reconnect racing with a stale cleanup cannot delete the
// new holder (§3 Connection holder lifecycle, §4.3 Cleanup).
func (p *ConnectionPool) removeIfStillEqual(peer NodeID, holder *ConnectionHolder) {
	p.peers.CompareAndDelete(peer, holder)
}

// Close closes every pooled connection without treating the peers as
// failed (no subscription purge — this is our own shutdown, not a dead
// peer).
func (p *ConnectionPool) Close() {
	p.peers.Range(func(key, value any) bool {
		value.(*ConnectionHolder).cleanup(false)
		return true
	})
}

// Snapshot returns the current pool entries for the admin surface
// (SPEC_FULL.md §11 GET /peers).
func (p *ConnectionPool) Snapshot() map[NodeID]string {
	out := make(map[NodeID]string)
	p.peers.Range(func(key, value any) bool {
		peer := key.(NodeID)
		h := value.(*ConnectionHolder)
		switch connState(h.state.Load()) {
		case connConnecting:
			out[peer] = "CONNECTING"
		case connConnected:
			out[peer] = "CONNECTED"
		default:
			out[peer] = "CLOSED"
		}
		return true
	})
	return out
}

// ConnectionHolder is exactly one instance per peer at a time (§3). The
// pending FIFO used before the handshake (here: before the dial
// completes) is backed by ringbuffer.go's generic RingBuffer instead of
// the teacher's unbounded slice, giving a bounded queue with the same
// "append under lock, drain in order on connect" contract.
type ConnectionHolder struct {
	pool  *ConnectionPool
	peer  NodeID
	state atomic.Int32

	mu      sync.Mutex
	conn    net.Conn
	pending *RingBuffer[[]byte]
	writeCh chan []byte
	closeCh chan struct{}

	pingTimer *timerHandle
	pongTimer *timerHandle

	closeOnce sync.Once
}

func newConnectionHolder(pool *ConnectionPool, peer NodeID) *ConnectionHolder {
	h := &ConnectionHolder{
		pool:    pool,
		peer:    peer,
		pending: NewRingBuffer[[]byte](connPendingQueueSize),
		writeCh: make(chan []byte, writeChanBuffer),
		closeCh: make(chan struct{}),
	}
	h.state.Store(int32(connConnecting))
	return h
}

// write implements §4.3 writeTo steps 2-3: direct write if connected,
// else append to the pending FIFO under the holder's lock.
func (h *ConnectionHolder) write(payload []byte) {
	if connState(h.state.Load()) == connConnected {
		h.enqueueWrite(payload)
		return
	}

	h.mu.Lock()
	if connState(h.state.Load()) == connConnected {
		h.mu.Unlock()
		h.enqueueWrite(payload)
		return
	}
	if err := h.pending.Write(payload); err != nil {
		slog.Warn("eventbus: connection pending queue full, dropping message", "peer", h.peer.String())
	}
	h.mu.Unlock()
}

func (h *ConnectionHolder) enqueueWrite(payload []byte) {
	select {
	case h.writeCh <- payload:
	default:
		// Writer goroutine is backed up; drop rather than block the
		// caller (spec: "backpressure above the TCP socket buffer" is
		// explicitly a non-goal, §1).
		slog.Warn("eventbus: connection write queue full, dropping message", "peer", h.peer.String())
	}
}

func (h *ConnectionHolder) dial() {
	conn, err := net.DialTimeout("tcp", h.peer.String(), dialTimeout)
	if err != nil {
		slog.Warn("eventbus: dial failed", "peer", h.peer.String(), "error", err)
		h.cleanup(true)
		return
	}

	h.pool.bus.metrics.ConnectionsOpened.Add(1)

	var queued [][]byte
	h.mu.Lock()
	h.conn = conn
	h.state.Store(int32(connConnected))
	for {
		payload, ok := h.pending.Read()
		if !ok {
			break
		}
		queued = append(queued, payload)
	}
	h.mu.Unlock()

	go h.writer()
	go h.reader()

	for _, payload := range queued {
		h.enqueueWrite(payload)
	}

	h.schedulePing()
}

// writer drains writeCh until cleanup closes closeCh. It does not range
// over writeCh directly: writeCh itself is never closed, since a close
// would race enqueueWrite's non-blocking send on it.
func (h *ConnectionHolder) writer() {
	for {
		select {
		case <-h.closeCh:
			return
		case payload := <-h.writeCh:
			h.mu.Lock()
			conn := h.conn
			h.mu.Unlock()
			if conn == nil {
				return
			}
			if err := writeFrame(conn, payload); err != nil {
				h.cleanup(true)
				return
			}
		}
	}
}

// reader drains the socket to detect liveness. On this (dialing) side of
// the connection, nothing but raw pong bytes ever arrives — replies flow
// back over the peer's own outbound connection to us, not this one — so
// any inbound byte is treated as a pong per §4.3.
func (h *ConnectionHolder) reader() {
	buf := make([]byte, 256)
	for {
		n, err := h.conn.Read(buf)
		if err != nil {
			h.cleanup(true)
			return
		}
		if n > 0 {
			h.onPong()
		}
	}
}

func (h *ConnectionHolder) onPong() {
	h.mu.Lock()
	if h.pongTimer != nil {
		h.pongTimer.cancel()
		h.pongTimer = nil
	}
	h.mu.Unlock()
	h.schedulePing()
}

func (h *ConnectionHolder) schedulePing() {
	h.mu.Lock()
	if h.pingTimer != nil {
		h.pingTimer.cancel()
	}
	h.pingTimer = h.pool.bus.timers.After(pingInterval, h.sendPing)
	h.mu.Unlock()
}

func (h *ConnectionHolder) sendPing() {
	if connState(h.state.Load()) != connConnected {
		return
	}
	h.enqueueWrite(encodePingPayload(h.pool.bus.self))
	h.pool.bus.metrics.PingsSent.Add(1)

	h.mu.Lock()
	h.pongTimer = h.pool.bus.timers.After(pongTimeout, func() {
		h.pool.bus.metrics.PongTimeouts.Add(1)
		h.cleanup(true)
	})
	h.mu.Unlock()
}

// cleanup implements §4.3 Cleanup: cancel both timers, close the socket,
// remove the holder from the pool via identity compare-and-remove, and —
// when failed — purge stale subscriptions authored by the dead peer.
func (h *ConnectionHolder) cleanup(failed bool) {
	h.closeOnce.Do(func() {
		h.mu.Lock()
		if h.pingTimer != nil {
			h.pingTimer.cancel()
		}
		if h.pongTimer != nil {
			h.pongTimer.cancel()
		}
		conn := h.conn
		h.state.Store(int32(connClosed))
		h.mu.Unlock()

		close(h.closeCh)

		if conn != nil {
			conn.Close()
		}

		h.pool.removeIfStillEqual(h.peer, h)

		if failed {
			h.pool.bus.metrics.ConnectionsClosed.Add(1)
			if h.pool.bus.cluster != nil {
				if err := h.pool.bus.cluster.SubscriptionMap().RemoveAllForValue(context.Background(), h.peer); err != nil {
					slog.Warn("eventbus: failed to purge subs for dead peer", "peer", h.peer.String(), "error", err)
				}
			}
		}
	})
}
