package db

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Schema for the coordination tables. Every mutation the queue performs is a
// single conditional statement against these rows; nothing else holds
// authoritative task state.
const schemaDDL = `
CREATE SCHEMA IF NOT EXISTS crawlgrid;

CREATE TABLE IF NOT EXISTS crawlgrid.tasks (
    id               uuid PRIMARY KEY,
    payload          jsonb NOT NULL,
    priority         integer NOT NULL DEFAULT 0,
    state            text NOT NULL DEFAULT 'queued',
    attempt          integer NOT NULL DEFAULT 0,
    max_attempts     integer NOT NULL DEFAULT 3,
    lease_owner      text,
    lease_expires_at timestamptz,
    not_before       timestamptz,
    last_error       text,
    created_at       timestamptz NOT NULL DEFAULT now(),
    updated_at       timestamptz NOT NULL DEFAULT now(),
    finished_at      timestamptz
);

-- lease scan: highest priority first, oldest first within a tier
CREATE INDEX IF NOT EXISTS tasks_lease_order_idx
    ON crawlgrid.tasks (priority DESC, created_at ASC)
    WHERE state = 'queued';

-- sweeper scan for expired leases
CREATE INDEX IF NOT EXISTS tasks_lease_expiry_idx
    ON crawlgrid.tasks (lease_expires_at)
    WHERE state = 'leased';

CREATE TABLE IF NOT EXISTS crawlgrid.workers (
    id                text PRIMARY KEY,
    status            text NOT NULL DEFAULT 'starting',
    hostname          text,
    last_heartbeat_at timestamptz NOT NULL DEFAULT now(),
    current_task_id   uuid,
    started_at        timestamptz NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS workers_heartbeat_idx
    ON crawlgrid.workers (last_heartbeat_at);
`

// EnsureSchema creates the coordination schema and tables if they do not
// exist. Safe to run from every process at startup.
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	_, err := pool.Exec(ctx, schemaDDL)
	return err
}
