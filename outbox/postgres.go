package outbox

import (
	"database/sql"
	"fmt"
	"strings"
)

const pgRecordColumns = `id, type, payload, occurred_at, metadata,
	status, retry_count, last_error,
	next_retry_at, started_on, keep_alive,
	expire_in_seconds, claimed_by, created_on`

// Postgres is the PostgreSQL adapter. Claims use SELECT ... FOR UPDATE SKIP
// LOCKED so multiple relay instances can poll the same table without
// stepping on each other; completed records move to an archive table.
type Postgres struct {
	*sqlAdapter
}

// NewPostgres creates a PostgreSQL outbox over the given pool.
func NewPostgres(db *sql.DB, cfg *Config) *Postgres {
	return &Postgres{sqlAdapter: newSQLAdapter(db, cfg, postgresDialect())}
}

func postgresDialect() sqlDialect {
	return sqlDialect{
		name: "postgres",

		insert: `
			INSERT INTO outbox_events
				(id, type, payload, occurred_at, metadata, status, expire_in_seconds, created_on)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING`,

		claimSelect: fmt.Sprintf(`
			SELECT %s
			FROM outbox_events
			WHERE status = 'created'
			   OR (status = 'failed' AND retry_count <= $1
			       AND (next_retry_at IS NULL OR next_retry_at <= NOW()))
			   OR (status = 'active'
			       AND keep_alive + make_interval(secs => expire_in_seconds) < NOW())
			ORDER BY occurred_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED`, pgRecordColumns),

		keepAlive: `
			UPDATE outbox_events
			SET keep_alive = NOW()
			WHERE claimed_by = $1 AND status = 'active'`,

		completeCopy: fmt.Sprintf(`
			INSERT INTO outbox_events_archive
				(%s, completed_on)
			SELECT %s, NOW()
			FROM outbox_events
			WHERE id = $1`, pgRecordColumns, pgRecordColumns),

		completeDrop: `DELETE FROM outbox_events WHERE id = $1`,

		fail: `
			UPDATE outbox_events
			SET status = 'failed',
			    retry_count = retry_count + 1,
			    last_error = $1,
			    next_retry_at = $2,
			    claimed_by = NULL
			WHERE id = $3`,

		failedList: fmt.Sprintf(`
			SELECT %s
			FROM outbox_events
			WHERE status = 'failed' AND retry_count > $1
			ORDER BY occurred_at DESC
			LIMIT $2`, pgRecordColumns),

		claimMark: func(n int) string {
			return fmt.Sprintf(`
				UPDATE outbox_events
				SET status = 'active', claimed_by = $1, started_on = NOW(), keep_alive = NOW()
				WHERE id IN (%s)`, pgPlaceholders(n, 1))
		},

		retryReset: func(n int) string {
			return fmt.Sprintf(`
				UPDATE outbox_events
				SET status = 'created',
				    retry_count = 0,
				    last_error = NULL,
				    next_retry_at = NULL,
				    claimed_by = NULL
				WHERE status = 'failed' AND id IN (%s)`, pgPlaceholders(n, 0))
		},

		schema: []string{
			`CREATE TABLE IF NOT EXISTS outbox_events (
				id VARCHAR(64) PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				payload BYTEA,
				occurred_at TIMESTAMPTZ NOT NULL,
				metadata TEXT,
				status VARCHAR(10) NOT NULL DEFAULT 'created',
				retry_count INT NOT NULL DEFAULT 0,
				last_error TEXT,
				next_retry_at TIMESTAMPTZ,
				started_on TIMESTAMPTZ,
				keep_alive TIMESTAMPTZ,
				expire_in_seconds INT NOT NULL DEFAULT 30,
				claimed_by VARCHAR(64),
				created_on TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE TABLE IF NOT EXISTS outbox_events_archive (
				id VARCHAR(64) PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				payload BYTEA,
				occurred_at TIMESTAMPTZ NOT NULL,
				metadata TEXT,
				status VARCHAR(10) NOT NULL,
				retry_count INT NOT NULL,
				last_error TEXT,
				next_retry_at TIMESTAMPTZ,
				started_on TIMESTAMPTZ,
				keep_alive TIMESTAMPTZ,
				expire_in_seconds INT NOT NULL,
				claimed_by VARCHAR(64),
				created_on TIMESTAMPTZ NOT NULL,
				completed_on TIMESTAMPTZ NOT NULL DEFAULT NOW()
			)`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_events_eligible
				ON outbox_events (status, next_retry_at)
				WHERE status IN ('created', 'failed')`,
			`CREATE INDEX IF NOT EXISTS idx_outbox_events_stuck
				ON outbox_events (status, keep_alive)
				WHERE status = 'active'`,
		},
	}
}

// pgPlaceholders builds $N placeholders starting after offset prior args.
func pgPlaceholders(n, offset int) string {
	parts := make([]string, n)
	for i := range parts {
		parts[i] = fmt.Sprintf("$%d", i+1+offset)
	}
	return strings.Join(parts, ", ")
}
