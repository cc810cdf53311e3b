package delivery

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

var ErrNoTask = errors.New("no tasks ready")

// EnsureSchema creates the delivery tables if they don't exist.
func EnsureSchema(db *sql.DB) error {
	schema := `
PRAGMA journal_mode=WAL;
CREATE TABLE IF NOT EXISTS deliveries (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL CHECK(type IN ('email','push')),
  payload BLOB NOT NULL,
  state TEXT NOT NULL CHECK(state IN ('queued','sending','sent','failed')) DEFAULT 'queued',
  attempts INTEGER NOT NULL DEFAULT 0,
  max_attempts INTEGER NOT NULL DEFAULT 3,
  next_attempt_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  last_error TEXT,
  created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
  updated_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_deliveries_next ON deliveries(state, next_attempt_at);
`
	_, err := db.Exec(schema)
	return err
}

// Task is one persisted delivery in durable mode.
type Task struct {
	ID            string
	Type          Type
	Payload       json.RawMessage
	State         string
	Attempts      int
	MaxAttempts   int
	NextAttemptAt time.Time
	LastError     *string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists delivery tasks in SQLite for durable mode. Exhausted tasks
// stay behind as 'failed' rows so permanent failures remain inspectable.
type Store struct {
	db          *sql.DB
	maxAttempts int
}

func NewStore(db *sql.DB, maxAttempts int) *Store {
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxRetries + 1
	}
	return &Store{db: db, maxAttempts: maxAttempts}
}

func (s *Store) Enqueue(ctx context.Context, typ Type, payload json.RawMessage) (string, error) {
	id := string(typ) + "-" + uuid.NewString()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO deliveries (id,type,payload,state,attempts,max_attempts,next_attempt_at,created_at,updated_at)
VALUES (?,?,?, 'queued',0,?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
`, id, typ, []byte(payload), s.maxAttempts)
	return id, err
}

// LeaseNext claims the oldest due task, moving it to 'sending'.
func (s *Store) LeaseNext(ctx context.Context, now time.Time) (Task, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelSerializable})
	if err != nil {
		return Task{}, err
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	row := tx.QueryRowContext(ctx, `
SELECT id,type,payload,state,attempts,max_attempts,next_attempt_at,last_error,created_at,updated_at
FROM deliveries
WHERE state='queued' AND next_attempt_at <= ?
ORDER BY created_at ASC
LIMIT 1
`, now)
	var t Task
	var lastErr sql.NullString
	err = row.Scan(&t.ID, &t.Type, &t.Payload, &t.State, &t.Attempts, &t.MaxAttempts,
		&t.NextAttemptAt, &lastErr, &t.CreatedAt, &t.UpdatedAt)
	if err == sql.ErrNoRows {
		err = nil
		_ = tx.Rollback()
		return Task{}, ErrNoTask
	}
	if err != nil {
		return Task{}, err
	}
	if lastErr.Valid {
		e := lastErr.String
		t.LastError = &e
	}

	_, err = tx.ExecContext(ctx, `UPDATE deliveries SET state='sending', updated_at=CURRENT_TIMESTAMP WHERE id=?`, t.ID)
	if err != nil {
		return Task{}, err
	}
	if err = tx.Commit(); err != nil {
		return Task{}, err
	}
	return t, nil
}

// Retry records a failed attempt. The task goes back to 'queued' after the
// delay, or to 'failed' once attempts are exhausted.
func (s *Store) Retry(ctx context.Context, id, errStr string, delay time.Duration) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE deliveries
SET attempts = attempts + 1,
    state = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'queued' END,
    next_attempt_at = datetime(CURRENT_TIMESTAMP, ?),
    last_error = ?,
    updated_at = CURRENT_TIMESTAMP
WHERE id = ?
`, fmt.Sprintf("+%d seconds", int(delay.Seconds())), errStr, id)
	return err
}

func (s *Store) Succeed(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE deliveries SET state='sent', updated_at=CURRENT_TIMESTAMP WHERE id=?`, id)
	return err
}

// RecoverStale requeues tasks stuck in 'sending' past the given age, e.g.
// after a crash mid-send.
func (s *Store) RecoverStale(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE deliveries
SET state='queued', next_attempt_at=CURRENT_TIMESTAMP, updated_at=CURRENT_TIMESTAMP
WHERE state='sending' AND strftime('%s','now') - strftime('%s',updated_at) > ?
`, int(olderThan.Seconds()))
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) Get(ctx context.Context, id string) (Task, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT id,type,payload,state,attempts,max_attempts,next_attempt_at,last_error,created_at,updated_at
FROM deliveries WHERE id=?`, id)
	var t Task
	var lastErr sql.NullString
	if err := row.Scan(&t.ID, &t.Type, &t.Payload, &t.State, &t.Attempts, &t.MaxAttempts,
		&t.NextAttemptAt, &lastErr, &t.CreatedAt, &t.UpdatedAt); err != nil {
		return Task{}, err
	}
	if lastErr.Valid {
		e := lastErr.String
		t.LastError = &e
	}
	return t, nil
}

// Counts aggregates queue accounting by state.
func (s *Store) Counts(ctx context.Context) (waiting, active, completed, failed int, err error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM deliveries GROUP BY state`)
	if err != nil {
		return 0, 0, 0, 0, err
	}
	defer rows.Close()
	for rows.Next() {
		var state string
		var n int
		if err := rows.Scan(&state, &n); err != nil {
			return 0, 0, 0, 0, err
		}
		switch state {
		case "queued":
			waiting = n
		case "sending":
			active = n
		case "sent":
			completed = n
		case "failed":
			failed = n
		}
	}
	return waiting, active, completed, failed, rows.Err()
}
