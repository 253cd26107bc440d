package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"

	"github.com/groundline/codescout/internal/models"
)

// SQLiteStore is the durable, crash-recoverable Store. One database file per
// repository+branch identity under cfg.Dir.
type SQLiteStore struct {
	cfg Config

	mu sync.Mutex // serializes claim/commit/requeue against each other
	db *sql.DB
}

// NewSQLiteStore creates the store handle. No I/O happens until Initialize.
func NewSQLiteStore(cfg Config) *SQLiteStore {
	return &SQLiteStore{cfg: cfg}
}

// Path returns the database file backing this store.
func (s *SQLiteStore) Path() string {
	name := sanitizeIdentity(s.cfg.Repository) + "@" + sanitizeIdentity(s.cfg.Branch) + ".db"
	return filepath.Join(s.cfg.Dir, name)
}

// sanitizeIdentity makes a repo or branch name safe as a filename component.
func sanitizeIdentity(s string) string {
	if s == "" {
		return "default"
	}
	return strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', ':', ' ':
			return '_'
		}
		return r
	}, s)
}

const schema = `
CREATE TABLE IF NOT EXISTS items (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	state TEXT NOT NULL,
	attempt_count INTEGER NOT NULL DEFAULT 0,
	enqueued_at TIMESTAMP NOT NULL,
	leased_at TIMESTAMP,
	available_at TIMESTAMP,
	last_error TEXT
);

CREATE INDEX IF NOT EXISTS idx_items_state ON items(state);

CREATE TABLE IF NOT EXISTS completion (
	id INTEGER PRIMARY KEY CHECK (id = 1),
	done INTEGER NOT NULL DEFAULT 0
);

INSERT OR IGNORE INTO completion (id, done) VALUES (1, 0);
`

// Initialize opens or creates the database, applies the schema, and resets
// any items left Leased by a prior run back to Pending. Idempotent.
func (s *SQLiteStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db != nil {
		return nil
	}
	if err := os.MkdirAll(s.cfg.Dir, 0o755); err != nil {
		return fmt.Errorf("create queue directory: %w", err)
	}
	db, err := sql.Open("sqlite3", s.Path()+"?_busy_timeout=5000")
	if err != nil {
		return fmt.Errorf("open queue database: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return fmt.Errorf("initialize queue schema: %w", err)
	}
	// Crash recovery: a lease dies with its process.
	if _, err := db.ExecContext(ctx,
		`UPDATE items SET state = ?, leased_at = NULL WHERE state = ?`,
		models.StatePending, models.StateLeased,
	); err != nil {
		_ = db.Close()
		return fmt.Errorf("recover leased items: %w", err)
	}
	s.db = db
	return nil
}

// Enqueue inserts chunks as Pending items inside one transaction.
func (s *SQLiteStore) Enqueue(ctx context.Context, chunks []models.CodeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	if len(chunks) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin enqueue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO items (id, payload, state, attempt_count, enqueued_at, available_at)
		 VALUES (?, ?, ?, 0, ?, ?)`,
	)
	if err != nil {
		return fmt.Errorf("prepare enqueue: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for i := range chunks {
		payload, err := json.Marshal(&chunks[i])
		if err != nil {
			return fmt.Errorf("marshal chunk %s: %w", chunks[i].DocID(), err)
		}
		if _, err := stmt.ExecContext(ctx,
			uuid.New().String(), string(payload), models.StatePending, now, now,
		); err != nil {
			return fmt.Errorf("insert item: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit enqueue: %w", err)
	}
	return nil
}

// Dequeue claims up to maxCount Pending items whose availability time has
// passed, transitioning them to Leased under one transaction.
func (s *SQLiteStore) Dequeue(ctx context.Context, maxCount int) ([]*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil, ErrNotInitialized
	}
	if maxCount <= 0 {
		return nil, nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	rows, err := tx.QueryContext(ctx,
		`SELECT id, payload, attempt_count, enqueued_at FROM items
		 WHERE state = ? AND (available_at IS NULL OR available_at <= ?)
		 ORDER BY enqueued_at LIMIT ?`,
		models.StatePending, now, maxCount,
	)
	if err != nil {
		return nil, fmt.Errorf("select pending: %w", err)
	}
	items, err := scanItems(rows, now)
	if err != nil {
		return nil, err
	}
	if len(items) == 0 {
		return nil, tx.Commit()
	}

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE items SET state = ?, leased_at = ? WHERE id = ?`)
	if err != nil {
		return nil, fmt.Errorf("prepare lease: %w", err)
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, models.StateLeased, now, it.ID); err != nil {
			return nil, fmt.Errorf("lease item %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue: %w", err)
	}
	return items, nil
}

func scanItems(rows *sql.Rows, leasedAt time.Time) ([]*models.QueueItem, error) {
	defer rows.Close()
	var items []*models.QueueItem
	for rows.Next() {
		var (
			item    models.QueueItem
			payload string
		)
		if err := rows.Scan(&item.ID, &payload, &item.AttemptCount, &item.EnqueuedAt); err != nil {
			return nil, fmt.Errorf("scan item: %w", err)
		}
		if err := json.Unmarshal([]byte(payload), &item.Chunk); err != nil {
			return nil, fmt.Errorf("unmarshal item %s payload: %w", item.ID, err)
		}
		item.State = models.StateLeased
		item.LeasedAt = leasedAt
		items = append(items, &item)
	}
	return items, rows.Err()
}

// Commit transitions items Leased -> Done. Items not currently Leased are
// skipped silently, so a duplicated commit after a retried call is harmless.
func (s *SQLiteStore) Commit(ctx context.Context, items []*models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	if len(items) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE items SET state = ?, leased_at = NULL WHERE id = ? AND state = ?`)
	if err != nil {
		return fmt.Errorf("prepare commit: %w", err)
	}
	defer stmt.Close()
	for _, it := range items {
		if _, err := stmt.ExecContext(ctx, models.StateDone, it.ID, models.StateLeased); err != nil {
			return fmt.Errorf("commit item %s: %w", it.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// Requeue transitions the failed items Leased -> Pending (or Dead once the
// attempt cap is reached), incrementing attempt counts and recording the
// failure reason.
func (s *SQLiteStore) Requeue(ctx context.Context, failures []models.ItemFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	if len(failures) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin requeue: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`UPDATE items
		 SET state = ?, attempt_count = attempt_count + 1, leased_at = NULL,
		     available_at = ?, last_error = ?
		 WHERE id = ? AND state = ?`)
	if err != nil {
		return fmt.Errorf("prepare requeue: %w", err)
	}
	defer stmt.Close()

	now := time.Now().UTC()
	for _, f := range failures {
		attempts := f.Item.AttemptCount + 1
		state := nextState(s.cfg.MaxAttempts, attempts)
		availableAt := now.Add(backoffFor(s.cfg.RetryBackoff, attempts))
		if _, err := stmt.ExecContext(ctx, state, availableAt, f.Reason, f.Item.ID, models.StateLeased); err != nil {
			return fmt.Errorf("requeue item %s: %w", f.Item.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit requeue: %w", err)
	}
	return nil
}

// MarkEnqueueCompleted persists the producer-finished sentinel.
func (s *SQLiteStore) MarkEnqueueCompleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	_, err := s.db.ExecContext(ctx, `UPDATE completion SET done = 1 WHERE id = 1`)
	if err != nil {
		return fmt.Errorf("mark enqueue completed: %w", err)
	}
	return nil
}

// IsEnqueueCompleted reads the persisted sentinel.
func (s *SQLiteStore) IsEnqueueCompleted(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return false, ErrNotInitialized
	}
	var done int
	err := s.db.QueryRowContext(ctx, `SELECT done FROM completion WHERE id = 1`).Scan(&done)
	if err != nil {
		return false, fmt.Errorf("read completion sentinel: %w", err)
	}
	return done != 0, nil
}

// Clear empties the item set and resets the completion sentinel.
func (s *SQLiteStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return ErrNotInitialized
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clear: %w", err)
	}
	defer tx.Rollback()
	if _, err := tx.ExecContext(ctx, `DELETE FROM items`); err != nil {
		return fmt.Errorf("clear items: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `UPDATE completion SET done = 0 WHERE id = 1`); err != nil {
		return fmt.Errorf("reset completion sentinel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clear: %w", err)
	}
	return nil
}

// Counts reports items per state.
func (s *SQLiteStore) Counts(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return Stats{}, ErrNotInitialized
	}
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM items GROUP BY state`)
	if err != nil {
		return Stats{}, fmt.Errorf("count items: %w", err)
	}
	defer rows.Close()
	var stats Stats
	for rows.Next() {
		var (
			state models.ItemState
			n     int64
		)
		if err := rows.Scan(&state, &n); err != nil {
			return Stats{}, fmt.Errorf("scan counts: %w", err)
		}
		switch state {
		case models.StatePending:
			stats.Pending = n
		case models.StateLeased:
			stats.Leased = n
		case models.StateDone:
			stats.Done = n
		case models.StateDead:
			stats.Dead = n
		}
	}
	return stats, rows.Err()
}

// Close releases the database handle. Safe to call more than once.
func (s *SQLiteStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}
