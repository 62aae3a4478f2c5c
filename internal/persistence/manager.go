package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"
)

// dbExecer is the subset of *sql.DB / *sql.Tx that schema setup and simple
// statements need.
type dbExecer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// RiskDecision names the audit outcome recorded for an intent (spec.md §4).
type RiskDecision string

const (
	DecisionPassed   RiskDecision = "passed"
	DecisionBlocked  RiskDecision = "blocked"
	DecisionAdjusted RiskDecision = "adjusted"
)

// OrderExecutionRecord is one row of agent_order_executions.
type OrderExecutionRecord struct {
	IntentID        string
	AgentID         string
	MarketSlug      string
	Side            string
	Shares          uint64
	LimitPrice      string
	FilledShares    uint64
	AvgFillPrice    string
	Status          string
	ExchangeOrderID string
	QueueDelayMs    int64
	ElapsedMs       int64
}

// TransactionManager is the narrow persistence interface the Coordinator
// uses for atomic multi-row writes (spec.md §4.11). Every write is
// best-effort from the caller's perspective: persistence errors are
// warn-only and never block the trading loop.
type TransactionManager interface {
	Begin(ctx context.Context) (*ManagedTransaction, error)

	RecordRiskDecision(ctx context.Context, intentID string, decision RiskDecision, blockReason string, suggestionMaxShares uint64, now time.Time) error
	RecordSignalHistory(ctx context.Context, intentID, agentID, domain, marketSlug, priority string, now time.Time) error
	RecordExitReason(ctx context.Context, intentID, reasonCode, status string, now time.Time) error
	RecordOrderExecution(ctx context.Context, rec OrderExecutionRecord, now time.Time) error
	RecordExecutionAnalysis(ctx context.Context, intentID string, slippageBps float64, latencyMs int64, now time.Time) error

	TransitionState(ctx context.Context, from, to, component, reason string, now time.Time) error
	RecordHeartbeat(ctx context.Context, component, status string, metadata map[string]string, now time.Time) error
	RecordEvent(ctx context.Context, component, kind, message string, now time.Time) error
	RecentEvents(ctx context.Context, limit int) ([]SystemEvent, error)

	AddToDLQ(ctx context.Context, operation string, payload []byte, maxRetries int, now time.Time) (int64, error)
	ResolveDLQ(ctx context.Context, id int64, now time.Time) error
	IncrementDLQRetry(ctx context.Context, id int64, now time.Time) error
	MarkDLQPermanentFailure(ctx context.Context, id int64, now time.Time) error

	SaveSnapshot(ctx context.Context, snapshotType, component string, version int, payload []byte, now time.Time) error
	GetLatestSnapshot(ctx context.Context, snapshotType, component string) (StateSnapshot, bool, error)

	NonTerminalExecutions(ctx context.Context) ([]OrderExecutionRecord, error)
	UpdateExecutionStatus(ctx context.Context, intentID, status string, filledShares uint64, avgFillPrice string) error
}

// SystemEvent is one row of system_events.
type SystemEvent struct {
	Component string
	Kind      string
	Message   string
	CreatedAt time.Time
}

// StateSnapshot is one row of state_snapshots.
type StateSnapshot struct {
	SnapshotType string
	Component    string
	Version      int
	Payload      []byte
	IsValid      bool
	CreatedAt    time.Time
}

// ManagedTransaction wraps *sql.Tx with scoped-acquisition-with-
// rollback-on-drop semantics: Go has no destructors, so the idiom is
// `tx, _ := mgr.Begin(ctx); defer tx.Rollback(); ...; tx.Commit()` — once
// Commit succeeds, Rollback becomes a safe no-op.
type ManagedTransaction struct {
	tx        *sql.Tx
	committed bool
}

// Commit finalizes the transaction.
func (m *ManagedTransaction) Commit() error {
	if err := m.tx.Commit(); err != nil {
		return err
	}
	m.committed = true
	return nil
}

// Rollback discards the transaction unless it was already committed. Safe
// to call unconditionally via defer.
func (m *ManagedTransaction) Rollback() error {
	if m.committed {
		return nil
	}
	return m.tx.Rollback()
}

// Tx exposes the underlying *sql.Tx for callers composing additional
// statements within the same managed transaction.
func (m *ManagedTransaction) Tx() *sql.Tx { return m.tx }

// Manager is the sqlite-backed TransactionManager implementation.
type Manager struct {
	db *sql.DB
}

// NewManager wraps an open *sql.DB. Call EnsureSchema before first use.
func NewManager(db *sql.DB) *Manager {
	return &Manager{db: db}
}

// EnsureSchema creates this package's tables if they do not exist.
func (m *Manager) EnsureSchema(ctx context.Context) error {
	return EnsureSchema(ctx, m.db)
}

func (m *Manager) Begin(ctx context.Context) (*ManagedTransaction, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	return &ManagedTransaction{tx: tx}, nil
}

func (m *Manager) RecordRiskDecision(ctx context.Context, intentID string, decision RiskDecision, blockReason string, suggestionMaxShares uint64, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO risk_gate_decisions (intent_id, decision, block_reason, suggestion_max_shares, created_at)
VALUES (?, ?, ?, ?, ?)
ON CONFLICT (intent_id) DO UPDATE SET decision = excluded.decision, block_reason = excluded.block_reason,
	suggestion_max_shares = excluded.suggestion_max_shares, created_at = excluded.created_at`,
		intentID, string(decision), nullableString(blockReason), suggestionMaxShares, now)
	return err
}

func (m *Manager) RecordSignalHistory(ctx context.Context, intentID, agentID, domain, marketSlug, priority string, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO signal_history (intent_id, agent_id, domain, market_slug, priority, created_at)
VALUES (?, ?, ?, ?, ?, ?)`,
		intentID, agentID, domain, marketSlug, priority, now)
	return err
}

func (m *Manager) RecordExitReason(ctx context.Context, intentID, reasonCode, status string, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO exit_reasons (intent_id, reason_code, status, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (intent_id) DO UPDATE SET reason_code = excluded.reason_code, status = excluded.status`,
		intentID, reasonCode, status, now)
	return err
}

func (m *Manager) RecordOrderExecution(ctx context.Context, rec OrderExecutionRecord, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO agent_order_executions
	(intent_id, agent_id, market_slug, side, shares, limit_price, filled_shares, avg_fill_price, status, exchange_order_id, queue_delay_ms, elapsed_ms, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT (intent_id) DO UPDATE SET
	filled_shares = excluded.filled_shares, avg_fill_price = excluded.avg_fill_price,
	status = excluded.status, exchange_order_id = excluded.exchange_order_id, elapsed_ms = excluded.elapsed_ms`,
		rec.IntentID, rec.AgentID, rec.MarketSlug, rec.Side, rec.Shares, rec.LimitPrice,
		rec.FilledShares, nullableString(rec.AvgFillPrice), rec.Status, nullableString(rec.ExchangeOrderID),
		rec.QueueDelayMs, rec.ElapsedMs, now)
	return err
}

// NonTerminalExecutions returns every order execution row still in a
// submitted/partially_filled state, for the reconcile tick to poll.
func (m *Manager) NonTerminalExecutions(ctx context.Context) ([]OrderExecutionRecord, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT intent_id, agent_id, market_slug, side, shares, limit_price, filled_shares,
	COALESCE(avg_fill_price, ''), status, COALESCE(exchange_order_id, '')
FROM agent_order_executions WHERE status IN ('submitted', 'partially_filled')`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []OrderExecutionRecord
	for rows.Next() {
		var rec OrderExecutionRecord
		if err := rows.Scan(&rec.IntentID, &rec.AgentID, &rec.MarketSlug, &rec.Side, &rec.Shares,
			&rec.LimitPrice, &rec.FilledShares, &rec.AvgFillPrice, &rec.Status, &rec.ExchangeOrderID); err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

// UpdateExecutionStatus applies a reconciled status/fill update to an
// existing execution row.
func (m *Manager) UpdateExecutionStatus(ctx context.Context, intentID, status string, filledShares uint64, avgFillPrice string) error {
	_, err := m.db.ExecContext(ctx, `
UPDATE agent_order_executions SET status = ?, filled_shares = ?, avg_fill_price = ?
WHERE intent_id = ?`,
		status, filledShares, nullableString(avgFillPrice), intentID)
	return err
}

func (m *Manager) RecordExecutionAnalysis(ctx context.Context, intentID string, slippageBps float64, latencyMs int64, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO execution_analysis (intent_id, slippage_bps, latency_ms, created_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (intent_id) DO UPDATE SET slippage_bps = excluded.slippage_bps, latency_ms = excluded.latency_ms`,
		intentID, slippageBps, latencyMs, now)
	return err
}

func (m *Manager) TransitionState(ctx context.Context, from, to, component, reason string, now time.Time) error {
	tx, err := m.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	message := component + ": " + from + " -> " + to + " (" + reason + ")"
	if _, err := tx.tx.ExecContext(ctx, `
INSERT INTO system_events (component, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		component, "state_transition", message, now); err != nil {
		return err
	}
	return tx.Commit()
}

func (m *Manager) RecordHeartbeat(ctx context.Context, component, status string, metadata map[string]string, now time.Time) error {
	var metaJSON []byte
	if metadata != nil {
		var err error
		metaJSON, err = json.Marshal(metadata)
		if err != nil {
			return err
		}
	}
	_, err := m.db.ExecContext(ctx, `
INSERT INTO component_heartbeats (component_name, status, metadata, last_heartbeat)
VALUES (?, ?, ?, ?)
ON CONFLICT (component_name) DO UPDATE SET status = excluded.status, metadata = excluded.metadata,
	last_heartbeat = excluded.last_heartbeat`,
		component, status, nullableBytes(metaJSON), now)
	return err
}

func (m *Manager) RecordEvent(ctx context.Context, component, kind, message string, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO system_events (component, kind, message, created_at) VALUES (?, ?, ?, ?)`,
		component, kind, message, now)
	return err
}

func (m *Manager) RecentEvents(ctx context.Context, limit int) ([]SystemEvent, error) {
	rows, err := m.db.QueryContext(ctx, `
SELECT component, kind, message, created_at FROM system_events ORDER BY id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []SystemEvent
	for rows.Next() {
		var ev SystemEvent
		if err := rows.Scan(&ev.Component, &ev.Kind, &ev.Message, &ev.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

func (m *Manager) AddToDLQ(ctx context.Context, operation string, payload []byte, maxRetries int, now time.Time) (int64, error) {
	res, err := m.db.ExecContext(ctx, `
INSERT INTO dead_letter_queue (operation, payload, retry_count, max_retries, status, created_at, updated_at)
VALUES (?, ?, 0, ?, 'pending', ?, ?)`,
		operation, payload, maxRetries, now, now)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (m *Manager) ResolveDLQ(ctx context.Context, id int64, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `UPDATE dead_letter_queue SET status = 'resolved', updated_at = ? WHERE id = ?`, now, id)
	return err
}

func (m *Manager) IncrementDLQRetry(ctx context.Context, id int64, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `UPDATE dead_letter_queue SET retry_count = retry_count + 1, updated_at = ? WHERE id = ?`, now, id)
	return err
}

func (m *Manager) MarkDLQPermanentFailure(ctx context.Context, id int64, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `UPDATE dead_letter_queue SET status = 'permanent_failure', updated_at = ? WHERE id = ?`, now, id)
	return err
}

func (m *Manager) SaveSnapshot(ctx context.Context, snapshotType, component string, version int, payload []byte, now time.Time) error {
	_, err := m.db.ExecContext(ctx, `
INSERT INTO state_snapshots (snapshot_type, component, version, payload, is_valid, created_at)
VALUES (?, ?, ?, ?, 1, ?)
ON CONFLICT (snapshot_type, component, version) DO UPDATE SET payload = excluded.payload, is_valid = 1`,
		snapshotType, component, version, payload, now)
	return err
}

func (m *Manager) GetLatestSnapshot(ctx context.Context, snapshotType, component string) (StateSnapshot, bool, error) {
	row := m.db.QueryRowContext(ctx, `
SELECT snapshot_type, component, version, payload, is_valid, created_at
FROM state_snapshots WHERE snapshot_type = ? AND component = ? AND is_valid = 1
ORDER BY version DESC LIMIT 1`, snapshotType, component)

	var snap StateSnapshot
	var isValid int
	if err := row.Scan(&snap.SnapshotType, &snap.Component, &snap.Version, &snap.Payload, &isValid, &snap.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return StateSnapshot{}, false, nil
		}
		return StateSnapshot{}, false, err
	}
	snap.IsValid = isValid != 0
	return snap, true, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ TransactionManager = (*Manager)(nil)
