package eventbus

import (
	"expvar"
	"strconv"
	"sync/atomic"
)

// metricsSeq generates unique IDs for expvar namespacing across Bus
// instances, since tests create several in one process (teacher's
// metrics.go metricsSeq, same reasoning).
var metricsSeq atomic.Int64

// Metrics tracks operational counters for a Bus. All counters are
// lock-free (atomic int64) and published to expvar under an
// "eventbus.<seq>." prefix for inspection via /debug/vars.
type Metrics struct {
	MessagesSent      atomic.Int64
	MessagesPublished atomic.Int64
	MessagesReceived  atomic.Int64
	NoHandlers        atomic.Int64
	Timeouts          atomic.Int64
	RecipientFailures atomic.Int64
	RepliesReceived   atomic.Int64
	ConnectionsOpened atomic.Int64
	ConnectionsClosed atomic.Int64
	PingsSent         atomic.Int64
	PongTimeouts      atomic.Int64
	CodecMisses       atomic.Int64
}

func newMetrics() *Metrics {
	m := &Metrics{}

	seq := metricsSeq.Add(1)
	prefix := "eventbus." + strconv.FormatInt(seq, 10) + "."

	publish := func(name string, v *atomic.Int64) {
		expvar.Publish(prefix+name, atomicVar(v))
	}

	publish("messages_sent", &m.MessagesSent)
	publish("messages_published", &m.MessagesPublished)
	publish("messages_received", &m.MessagesReceived)
	publish("no_handlers", &m.NoHandlers)
	publish("timeouts", &m.Timeouts)
	publish("recipient_failures", &m.RecipientFailures)
	publish("replies_received", &m.RepliesReceived)
	publish("connections_opened", &m.ConnectionsOpened)
	publish("connections_closed", &m.ConnectionsClosed)
	publish("pings_sent", &m.PingsSent)
	publish("pong_timeouts", &m.PongTimeouts)
	publish("codec_misses", &m.CodecMisses)

	return m
}

func atomicVar(v *atomic.Int64) expvar.Var {
	return expvar.Func(func() any {
		return v.Load()
	})
}

// Snapshot returns all metric values as a map, suitable for JSON
// serialization by the admin HTTP surface.
func (m *Metrics) Snapshot() map[string]int64 {
	return map[string]int64{
		"messages_sent":      m.MessagesSent.Load(),
		"messages_published": m.MessagesPublished.Load(),
		"messages_received":  m.MessagesReceived.Load(),
		"no_handlers":        m.NoHandlers.Load(),
		"timeouts":           m.Timeouts.Load(),
		"recipient_failures": m.RecipientFailures.Load(),
		"replies_received":   m.RepliesReceived.Load(),
		"connections_opened": m.ConnectionsOpened.Load(),
		"connections_closed": m.ConnectionsClosed.Load(),
		"pings_sent":         m.PingsSent.Load(),
		"pong_timeouts":      m.PongTimeouts.Load(),
		"codec_misses":       m.CodecMisses.Load(),
	}
}
