package idempotency

import (
	"context"
	"database/sql"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"
)

// Status is the lifecycle state of a dedup row.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Record is a cached (account_id, idempotency_key) dedup row.
type Record struct {
	Status       Status
	OrderID      string
	ResponseData string
	ErrorMessage string
}

// Store is the store-backed dedup layer of spec.md §4.10.B, keyed by
// (account_id, idempotency_key) with TTL'd rows and a background cleanup
// sweep.
type Store struct {
	db  *sql.DB
	ttl time.Duration
	log *slog.Logger

	sweeper *cron.Cron
}

// NewStore wraps an existing *sql.DB (shared with the persistence layer's
// connection pool) with the given row TTL.
func NewStore(db *sql.DB, ttl time.Duration, log *slog.Logger) *Store {
	if log == nil {
		log = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &Store{db: db, ttl: ttl, log: log.With("component", "idempotency_store")}
}

// EnsureSchema creates the order_idempotency table if it does not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS order_idempotency (
	account_id     TEXT NOT NULL,
	idempotency_key TEXT NOT NULL,
	request_hash   TEXT NOT NULL,
	status         TEXT NOT NULL,
	order_id       TEXT,
	response_data  TEXT,
	error_message  TEXT,
	created_at     TIMESTAMP NOT NULL,
	expires_at     TIMESTAMP NOT NULL,
	PRIMARY KEY (account_id, idempotency_key)
)`)
	return err
}

// TryBeginSubmission attempts to claim (accountID, key) for submission. If
// this call inserted the row, inserted=true and the caller should proceed
// to submit. If the row already existed, inserted=false and cached holds
// its current state for the caller to return verbatim.
func (s *Store) TryBeginSubmission(ctx context.Context, accountID, key, requestHash string, now time.Time) (inserted bool, cached Record, err error) {
	res, err := s.db.ExecContext(ctx, `
INSERT INTO order_idempotency (account_id, idempotency_key, request_hash, status, created_at, expires_at)
VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT (account_id, idempotency_key) DO NOTHING`,
		accountID, key, requestHash, string(StatusPending), now, now.Add(s.ttl))
	if err != nil {
		return false, Record{}, err
	}

	rows, err := res.RowsAffected()
	if err != nil {
		return false, Record{}, err
	}
	if rows == 1 {
		return true, Record{Status: StatusPending}, nil
	}

	cached, found, err := s.get(ctx, accountID, key)
	if err != nil {
		return false, Record{}, err
	}
	if !found {
		return false, Record{}, errors.New("idempotency: row vanished between conflicting insert and read")
	}
	return false, cached, nil
}

func (s *Store) get(ctx context.Context, accountID, key string) (Record, bool, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT status, COALESCE(order_id, ''), COALESCE(response_data, ''), COALESCE(error_message, '')
FROM order_idempotency WHERE account_id = ? AND idempotency_key = ?`, accountID, key)

	var rec Record
	var status string
	if err := row.Scan(&status, &rec.OrderID, &rec.ResponseData, &rec.ErrorMessage); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, false, nil
		}
		return Record{}, false, err
	}
	rec.Status = Status(status)
	return rec, true, nil
}

// MarkCompleted transitions a pending row to completed with the exchange order id.
func (s *Store) MarkCompleted(ctx context.Context, accountID, key, orderID, responseData string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE order_idempotency SET status = ?, order_id = ?, response_data = ?
WHERE account_id = ? AND idempotency_key = ?`,
		string(StatusCompleted), orderID, responseData, accountID, key)
	return err
}

// MarkFailed transitions a pending row to failed with an error message.
func (s *Store) MarkFailed(ctx context.Context, accountID, key, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE order_idempotency SET status = ?, error_message = ?
WHERE account_id = ? AND idempotency_key = ?`,
		string(StatusFailed), errMsg, accountID, key)
	return err
}

// CleanupExpired deletes rows whose expires_at has passed, returning the
// number of rows removed.
func (s *Store) CleanupExpired(ctx context.Context, now time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM order_idempotency WHERE expires_at < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// StartCleanupSweep schedules a recurring CleanupExpired call on spec
// (standard 5-field cron syntax, e.g. "*/10 * * * *" for every 10 minutes).
// Callers must call Stop on the returned cron.Cron during shutdown.
func (s *Store) StartCleanupSweep(spec string) (*cron.Cron, error) {
	c := cron.New()
	_, err := c.AddFunc(spec, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		removed, err := s.CleanupExpired(ctx, time.Now())
		if err != nil {
			s.log.Error("idempotency cleanup sweep failed", "error", err)
			return
		}
		if removed > 0 {
			s.log.Info("idempotency cleanup sweep removed expired rows", "removed", removed)
		}
	})
	if err != nil {
		return nil, err
	}
	c.Start()
	s.sweeper = c
	return c, nil
}

// Stop halts the background cleanup sweep, if running.
func (s *Store) Stop() {
	if s.sweeper != nil {
		s.sweeper.Stop()
	}
}
