package outbox

import (
	"database/sql"
	"fmt"
	"strings"
)

const mysqlRecordColumns = `id, type, payload, occurred_at, metadata,
	status, retry_count, last_error,
	next_retry_at, started_on, keep_alive,
	expire_in_seconds, claimed_by, created_on`

// MySQL is the MySQL adapter. Requires MySQL 8 for SKIP LOCKED; otherwise
// identical in behavior to the PostgreSQL adapter.
type MySQL struct {
	*sqlAdapter
}

// NewMySQL creates a MySQL outbox over the given pool.
func NewMySQL(db *sql.DB, cfg *Config) *MySQL {
	return &MySQL{sqlAdapter: newSQLAdapter(db, cfg, mysqlDialect())}
}

func mysqlDialect() sqlDialect {
	return sqlDialect{
		name: "mysql",

		insert: `
			INSERT IGNORE INTO outbox_events
				(id, type, payload, occurred_at, metadata, status, expire_in_seconds, created_on)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,

		claimSelect: fmt.Sprintf(`
			SELECT %s
			FROM outbox_events
			WHERE status = 'created'
			   OR (status = 'failed' AND retry_count <= ?
			       AND (next_retry_at IS NULL OR next_retry_at <= NOW(6)))
			   OR (status = 'active'
			       AND DATE_ADD(keep_alive, INTERVAL expire_in_seconds SECOND) < NOW(6))
			ORDER BY occurred_at
			LIMIT ?
			FOR UPDATE SKIP LOCKED`, mysqlRecordColumns),

		keepAlive: `
			UPDATE outbox_events
			SET keep_alive = NOW(6)
			WHERE claimed_by = ? AND status = 'active'`,

		completeCopy: fmt.Sprintf(`
			INSERT INTO outbox_events_archive
				(%s, completed_on)
			SELECT %s, NOW(6)
			FROM outbox_events
			WHERE id = ?`, mysqlRecordColumns, mysqlRecordColumns),

		completeDrop: `DELETE FROM outbox_events WHERE id = ?`,

		fail: `
			UPDATE outbox_events
			SET status = 'failed',
			    retry_count = retry_count + 1,
			    last_error = ?,
			    next_retry_at = ?,
			    claimed_by = NULL
			WHERE id = ?`,

		failedList: fmt.Sprintf(`
			SELECT %s
			FROM outbox_events
			WHERE status = 'failed' AND retry_count > ?
			ORDER BY occurred_at DESC
			LIMIT ?`, mysqlRecordColumns),

		claimMark: func(n int) string {
			return fmt.Sprintf(`
				UPDATE outbox_events
				SET status = 'active', claimed_by = ?, started_on = NOW(6), keep_alive = NOW(6)
				WHERE id IN (%s)`, mysqlPlaceholders(n))
		},

		retryReset: func(n int) string {
			return fmt.Sprintf(`
				UPDATE outbox_events
				SET status = 'created',
				    retry_count = 0,
				    last_error = NULL,
				    next_retry_at = NULL,
				    claimed_by = NULL
				WHERE status = 'failed' AND id IN (%s)`, mysqlPlaceholders(n))
		},

		schema: []string{
			`CREATE TABLE IF NOT EXISTS outbox_events (
				id VARCHAR(64) PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				payload BLOB,
				occurred_at DATETIME(6) NOT NULL,
				metadata TEXT,
				status VARCHAR(10) NOT NULL DEFAULT 'created',
				retry_count INT NOT NULL DEFAULT 0,
				last_error TEXT,
				next_retry_at DATETIME(6),
				started_on DATETIME(6),
				keep_alive DATETIME(6),
				expire_in_seconds INT NOT NULL DEFAULT 30,
				claimed_by VARCHAR(64),
				created_on DATETIME(6) NOT NULL,
				INDEX idx_outbox_events_eligible (status, next_retry_at),
				INDEX idx_outbox_events_stuck (status, keep_alive)
			)`,
			`CREATE TABLE IF NOT EXISTS outbox_events_archive (
				id VARCHAR(64) PRIMARY KEY,
				type VARCHAR(255) NOT NULL,
				payload BLOB,
				occurred_at DATETIME(6) NOT NULL,
				metadata TEXT,
				status VARCHAR(10) NOT NULL,
				retry_count INT NOT NULL,
				last_error TEXT,
				next_retry_at DATETIME(6),
				started_on DATETIME(6),
				keep_alive DATETIME(6),
				expire_in_seconds INT NOT NULL,
				claimed_by VARCHAR(64),
				created_on DATETIME(6) NOT NULL,
				completed_on DATETIME(6) NOT NULL
			)`,
		},
	}
}

func mysqlPlaceholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
