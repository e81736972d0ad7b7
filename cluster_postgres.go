package eventbus

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// PostgresClusterManagerConfig configures a PostgresClusterManager.
type PostgresClusterManagerConfig struct {
	Self      NodeID
	AdminAddr string

	// HeartbeatInterval controls both how often this node upserts its own
	// nodes row and how often it polls for the live membership set.
	// Default 5s.
	HeartbeatInterval time.Duration
	// NodeTimeout is how stale last_seen may be before a node is no
	// longer considered live. Default 15s.
	NodeTimeout time.Duration
}

func (c *PostgresClusterManagerConfig) applyDefaults() {
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 5 * time.Second
	}
	if c.NodeTimeout == 0 {
		c.NodeTimeout = 15 * time.Second
	}
}

// PostgresClusterManager is a ClusterManager backed by a `nodes` heartbeat
// table and a `subscriptions` multi-map table (schema.go). Grounded on
// the teacher's cluster.go Cluster type: the same upsert-then-poll
// membership loop, with the lease/epoch fencing dropped — the
// subscription map has no exclusive-owner concept, so last-seen
// heartbeats alone are enough to decide who's live (SPEC_FULL.md §10).
type PostgresClusterManager struct {
	db     *sql.DB
	cfg    PostgresClusterManagerConfig
	subMap *pgSubscriptionMap

	mu        sync.Mutex
	listeners []NodeListener
	lastLive  map[NodeID]struct{}

	done     chan struct{}
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewPostgresClusterManager creates a manager but does not start it. db
// may use any driver registered with database/sql; cmd/eventbusd wires
// github.com/jackc/pgx/v5/stdlib specifically.
func NewPostgresClusterManager(db *sql.DB, cfg PostgresClusterManagerConfig) *PostgresClusterManager {
	cfg.applyDefaults()
	m := &PostgresClusterManager{
		db:       db,
		cfg:      cfg,
		lastLive: make(map[NodeID]struct{}),
		done:     make(chan struct{}),
	}
	m.subMap = &pgSubscriptionMap{db: db}
	return m
}

// EnsureSchema runs the DDL from schema.go against db. Safe to call
// repeatedly (CREATE TABLE/INDEX IF NOT EXISTS).
func (m *PostgresClusterManager) EnsureSchema(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, schemaDDL)
	return err
}

func (m *PostgresClusterManager) SubscriptionMap() SubscriptionMap { return m.subMap }
func (m *PostgresClusterManager) LocalNodeID() NodeID              { return m.cfg.Self }

func (m *PostgresClusterManager) AddNodeListener(l NodeListener) {
	m.mu.Lock()
	m.listeners = append(m.listeners, l)
	m.mu.Unlock()
}

// Start upserts this node's row, performs an initial poll, and launches
// the heartbeat and poll loops.
func (m *PostgresClusterManager) Start(ctx context.Context) error {
	if err := m.heartbeat(ctx); err != nil {
		return fmt.Errorf("eventbus: cluster heartbeat: %w", err)
	}
	if err := m.poll(ctx); err != nil {
		return fmt.Errorf("eventbus: cluster initial poll: %w", err)
	}

	m.wg.Add(2)
	go m.heartbeatLoop()
	go m.pollLoop()

	slog.Info("eventbus: cluster manager started", "node", m.cfg.Self.String())
	return nil
}

// Stop signals both background loops, waits for them, and deletes this
// node's heartbeat row so peers notice the departure on their next poll
// rather than waiting out the full NodeTimeout.
func (m *PostgresClusterManager) Stop() error {
	var err error
	m.stopOnce.Do(func() {
		close(m.done)
		m.wg.Wait()
		_, err = m.db.ExecContext(context.Background(),
			`DELETE FROM nodes WHERE node_host = $1 AND node_port = $2`,
			m.cfg.Self.Host, m.cfg.Self.Port)
		if delErr := m.subMap.RemoveAllForValue(context.Background(), m.cfg.Self); delErr != nil && err == nil {
			err = delErr
		}
		slog.Info("eventbus: cluster manager stopped", "node", m.cfg.Self.String())
	})
	return err
}

func (m *PostgresClusterManager) heartbeatLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.heartbeat(context.Background()); err != nil {
				slog.Error("eventbus: cluster heartbeat failed", "error", err)
			}
		}
	}
}

func (m *PostgresClusterManager) heartbeat(ctx context.Context) error {
	_, err := m.db.ExecContext(ctx, `
		INSERT INTO nodes (node_host, node_port, admin_addr, epoch, last_seen)
		VALUES ($1, $2, $3, 1, now())
		ON CONFLICT (node_host, node_port) DO UPDATE
			SET admin_addr = EXCLUDED.admin_addr,
			    epoch      = nodes.epoch + 1,
			    last_seen  = now()
	`, m.cfg.Self.Host, m.cfg.Self.Port, m.cfg.AdminAddr)
	return err
}

func (m *PostgresClusterManager) pollLoop() {
	defer m.wg.Done()
	ticker := time.NewTicker(m.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.poll(context.Background()); err != nil {
				slog.Error("eventbus: cluster poll failed", "error", err)
			}
		}
	}
}

// poll queries the live node set and diffs it against the previous poll,
// firing NodeAdded/NodeLeft for the delta.
func (m *PostgresClusterManager) poll(ctx context.Context) error {
	rows, err := m.db.QueryContext(ctx, `
		SELECT node_host, node_port
		FROM nodes
		WHERE last_seen > now() - $1::interval
	`, fmt.Sprintf("%d seconds", int64(m.cfg.NodeTimeout.Seconds())))
	if err != nil {
		return err
	}
	defer rows.Close()

	live := make(map[NodeID]struct{})
	for rows.Next() {
		var host string
		var port int
		if err := rows.Scan(&host, &port); err != nil {
			return err
		}
		live[NodeID{Host: host, Port: port}] = struct{}{}
	}
	if err := rows.Err(); err != nil {
		return err
	}

	m.mu.Lock()
	prev := m.lastLive
	m.lastLive = live
	listeners := append([]NodeListener(nil), m.listeners...)
	m.mu.Unlock()

	for node := range live {
		if _, ok := prev[node]; !ok {
			for _, l := range listeners {
				l.NodeAdded(node)
			}
		}
	}
	for node := range prev {
		if _, ok := live[node]; !ok {
			for _, l := range listeners {
				l.NodeLeft(node)
			}
		}
	}

	return nil
}

// pgSubscriptionMap implements SubscriptionMap against the
// `subscriptions` table (SPEC_FULL.md §10).
type pgSubscriptionMap struct {
	db *sql.DB
}

func (s *pgSubscriptionMap) Add(ctx context.Context, address string, node NodeID) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO subscriptions (address, node_host, node_port)
		VALUES ($1, $2, $3)
		ON CONFLICT (address, node_host, node_port) DO NOTHING
	`, address, node.Host, node.Port)
	return err
}

func (s *pgSubscriptionMap) Remove(ctx context.Context, address string, node NodeID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE address = $1 AND node_host = $2 AND node_port = $3
	`, address, node.Host, node.Port)
	return err
}

func (s *pgSubscriptionMap) RemoveAllForValue(ctx context.Context, node NodeID) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM subscriptions WHERE node_host = $1 AND node_port = $2
	`, node.Host, node.Port)
	return err
}

func (s *pgSubscriptionMap) Get(ctx context.Context, address string) (ChoosableIterable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT DISTINCT node_host, node_port FROM subscriptions WHERE address = $1
	`, address)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var nodes []NodeID
	for rows.Next() {
		var host string
		var port int
		if err := rows.Scan(&host, &port); err != nil {
			return nil, err
		}
		nodes = append(nodes, NodeID{Host: host, Port: port})
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return newStaticChoosable(nodes), nil
}
