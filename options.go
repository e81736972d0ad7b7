package eventbus

import (
	"log/slog"
	"time"
)

// Option configures a Bus at construction time (teacher's options.go
// functional-options pattern, adapted from hostConfig to busConfig).
type Option func(*busConfig)

type busConfig struct {
	defaultReplyTimeout time.Duration
	drainTimeout        time.Duration
	subsCacheTTL        time.Duration
	adminAddr           string
	logLevel            slog.Level
	publicHost          string
	publicPort          int
	cluster             ClusterManager
}

func defaultBusConfig() busConfig {
	return busConfig{
		defaultReplyTimeout: 30 * time.Second,
		drainTimeout:        5 * time.Second,
		subsCacheTTL:        2 * time.Second,
		logLevel:            slog.LevelInfo,
	}
}

// WithDefaultReplyTimeout sets the reply timeout used by Request calls
// that do not pass WithTimeout explicitly. Default 30s.
func WithDefaultReplyTimeout(d time.Duration) Option {
	return func(c *busConfig) { c.defaultReplyTimeout = d }
}

// WithDrainTimeout records a drain timeout in the bus configuration
// (default 5s). Close does not read it: Close does not wait for
// in-flight context goroutines to finish before returning.
func WithDrainTimeout(d time.Duration) Option {
	return func(c *busConfig) { c.drainTimeout = d }
}

// WithSubsCacheTTL sets how long a clustered subscription lookup is cached
// before the next Send/Publish on the same address re-queries the
// ClusterManager's SubscriptionMap. Default 2s.
func WithSubsCacheTTL(d time.Duration) Option {
	return func(c *busConfig) { c.subsCacheTTL = d }
}

// WithAdminAddr starts an admin HTTP server (SPEC_FULL.md §11) bound to
// addr when the Bus starts. Empty (the default) disables it.
func WithAdminAddr(addr string) Option {
	return func(c *busConfig) { c.adminAddr = addr }
}

// WithLogLevel records a log level in the bus configuration. The bus
// does not read it; logging goes through the global slog logger, whose
// level is set by InitLogger.
func WithLogLevel(level slog.Level) Option {
	return func(c *busConfig) { c.logLevel = level }
}

// WithPublicHost overrides the host NodeID a node advertises to the
// cluster, the Go equivalent of the cluster.public.host configuration key
// (SPEC_FULL.md §6).
func WithPublicHost(host string) Option {
	return func(c *busConfig) { c.publicHost = host }
}

// WithPublicPort overrides the port a node advertises to the cluster, the
// Go equivalent of the cluster.public.port configuration key.
func WithPublicPort(port int) Option {
	return func(c *busConfig) { c.publicPort = port }
}

// WithClusterManager puts the bus in clustered mode, backed by cm
// (SPEC_FULL.md §2 item 2). Omitting this option leaves the bus
// standalone: sends and publishes are delivered to local handlers only,
// unless a send names a peer with WithTarget, and reply addresses are cheap monotonic counters rather than
// UUIDs (§9).
func WithClusterManager(cm ClusterManager) Option {
	return func(c *busConfig) { c.cluster = cm }
}

// SendOption configures a single Send/Request/Publish call.
type SendOption func(*sendConfig)

type sendConfig struct {
	timeout time.Duration
	target  *NodeID
}

// WithTimeout overrides the default reply timeout for one call. A zero or
// negative duration disables the reply timer entirely (SPEC_FULL.md §4.2
// step 2: "if timeout > 0").
func WithTimeout(d time.Duration) SendOption {
	return func(c *sendConfig) { c.timeout = d }
}

// WithTarget routes this call directly to node, bypassing the
// subscription-map lookup — the same "replyDest given" path the Dispatch
// Engine already uses to route replies back to a specific sender
// (SPEC_FULL.md §4.2 step 3), exposed here so a caller that already knows
// a peer's NodeID (e.g. a demo dialing a known address with no cluster
// manager running) can reach it directly.
func WithTarget(node NodeID) SendOption {
	return func(c *sendConfig) { c.target = &node }
}

// RegisterOption configures a single RegisterHandler/RegisterLocalHandler
// call.
type RegisterOption func(*registerConfig)

type registerConfig struct {
	ctx *Context
}

// WithContext binds the handler to an existing Context instead of a fresh
// private one, so that several handlers can share one execution lane and
// run serially with respect to each other.
func WithContext(ctx *Context) RegisterOption {
	return func(c *registerConfig) { c.ctx = ctx }
}
