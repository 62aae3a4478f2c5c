// Package persistence implements the Coordinator's narrow persistence
// interface (spec.md §4.11): audit rows, system events, component
// heartbeats, a dead-letter queue, and versioned state snapshots, backed
// by sqlite.
package persistence

import "context"

// EnsureSchema creates every table this package owns if it does not
// already exist. order_idempotency is owned and created separately by
// internal/idempotency against the same underlying database file.
func EnsureSchema(ctx context.Context, db dbExecer) error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_order_executions (
			intent_id        TEXT PRIMARY KEY,
			agent_id         TEXT NOT NULL,
			market_slug      TEXT NOT NULL,
			side             TEXT NOT NULL,
			shares           INTEGER NOT NULL,
			limit_price      TEXT NOT NULL,
			filled_shares    INTEGER NOT NULL,
			avg_fill_price   TEXT,
			status           TEXT NOT NULL,
			exchange_order_id TEXT,
			queue_delay_ms   INTEGER NOT NULL,
			elapsed_ms       INTEGER NOT NULL,
			created_at       TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS signal_history (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			intent_id   TEXT NOT NULL,
			agent_id    TEXT NOT NULL,
			domain      TEXT NOT NULL,
			market_slug TEXT NOT NULL,
			priority    TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS risk_gate_decisions (
			intent_id     TEXT PRIMARY KEY,
			decision      TEXT NOT NULL,
			block_reason  TEXT,
			suggestion_max_shares INTEGER,
			created_at    TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS exit_reasons (
			intent_id   TEXT PRIMARY KEY,
			reason_code TEXT NOT NULL,
			status      TEXT NOT NULL,
			created_at  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS execution_analysis (
			intent_id    TEXT PRIMARY KEY,
			slippage_bps REAL,
			latency_ms   INTEGER NOT NULL,
			created_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS system_events (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			component  TEXT NOT NULL,
			kind       TEXT NOT NULL,
			message    TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS component_heartbeats (
			component_name  TEXT PRIMARY KEY,
			status          TEXT NOT NULL,
			metadata        TEXT,
			last_heartbeat  TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS dead_letter_queue (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			operation    TEXT NOT NULL,
			payload      TEXT NOT NULL,
			retry_count  INTEGER NOT NULL DEFAULT 0,
			max_retries  INTEGER NOT NULL,
			status       TEXT NOT NULL,
			created_at   TIMESTAMP NOT NULL,
			updated_at   TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS state_snapshots (
			snapshot_type TEXT NOT NULL,
			component     TEXT NOT NULL,
			version       INTEGER NOT NULL,
			payload       TEXT NOT NULL,
			is_valid      INTEGER NOT NULL DEFAULT 1,
			created_at    TIMESTAMP NOT NULL,
			PRIMARY KEY (snapshot_type, component, version)
		)`,
	}

	for _, stmt := range statements {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			return err
		}
	}
	return nil
}
