package eventbus

// schemaDDL creates the tables PostgresClusterManager depends on. It is
// run by PostgresClusterManager.EnsureSchema, or by callers themselves
// via Schema() (e.g. from a migration step). Grounded on the teacher's
// schema.go, trimmed to the two tables this bus's membership and
// subscription-map semantics actually need — no actors/schedules tables,
// since this domain has no equivalent concept.
const schemaDDL = `
CREATE TABLE IF NOT EXISTS nodes (
	node_host  text        NOT NULL,
	node_port  integer     NOT NULL,
	admin_addr text        NOT NULL DEFAULT '',
	epoch      bigint      NOT NULL DEFAULT 1,
	last_seen  timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (node_host, node_port)
);

CREATE TABLE IF NOT EXISTS subscriptions (
	address       text        NOT NULL,
	node_host     text        NOT NULL,
	node_port     integer     NOT NULL,
	registered_at timestamptz NOT NULL DEFAULT now(),
	PRIMARY KEY (address, node_host, node_port)
);

CREATE INDEX IF NOT EXISTS subscriptions_address_idx ON subscriptions (address);
`

// Schema returns the DDL PostgresClusterManager's tables require, for
// callers that want to run it themselves rather than calling
// EnsureSchema.
func Schema() string { return schemaDDL }
