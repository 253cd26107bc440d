package events

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// ErrTopicClosed is returned for operations on a closed topic.
var ErrTopicClosed = errors.New("events: topic closed")

const topicSchema = `
CREATE TABLE IF NOT EXISTS events (
	id TEXT PRIMARY KEY,
	payload TEXT NOT NULL,
	published_at TIMESTAMP NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_events_published ON events(published_at);
`

// SQLiteTopic is a durable single-consumer topic backed by SQLite. Publish
// is atomic; Consume hands out the oldest unacked event, and Ack removes it
// once ingestion finished with it. Events published but not yet acked
// survive a restart.
type SQLiteTopic struct {
	path string

	mu sync.Mutex
	db *sql.DB
}

// NewSQLiteTopic opens or creates the topic database at path.
func NewSQLiteTopic(path string) (*SQLiteTopic, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create topic directory: %w", err)
	}
	db, err := sql.Open("sqlite3", path+"?_busy_timeout=5000")
	if err != nil {
		return nil, fmt.Errorf("open topic database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL: %w", err)
	}
	if _, err := db.Exec(topicSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize topic schema: %w", err)
	}
	return &SQLiteTopic{path: path, db: db}, nil
}

// Publish appends one event. The write is committed before Publish returns,
// which is what lets the webhook handler answer 202 truthfully.
func (t *SQLiteTopic) Publish(ctx context.Context, event PushEvent) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return ErrTopicClosed
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := t.db.ExecContext(ctx,
		`INSERT INTO events (id, payload, published_at) VALUES (?, ?, ?)`,
		uuid.New().String(), string(payload), time.Now().UTC(),
	); err != nil {
		return fmt.Errorf("publish event: %w", err)
	}
	return nil
}

// Consume returns the oldest unacked event, or (nil, nil) when the topic is
// empty. The event stays in the topic until Ack, so a crash between Consume
// and Ack redelivers it.
func (t *SQLiteTopic) Consume(ctx context.Context) (*Delivery, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil, ErrTopicClosed
	}
	var (
		id      string
		payload string
	)
	err := t.db.QueryRowContext(ctx,
		`SELECT id, payload FROM events ORDER BY published_at, id LIMIT 1`,
	).Scan(&id, &payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("consume event: %w", err)
	}
	var event PushEvent
	if err := json.Unmarshal([]byte(payload), &event); err != nil {
		return nil, fmt.Errorf("unmarshal event %s: %w", id, err)
	}
	return &Delivery{ID: id, Event: event}, nil
}

// Ack removes a consumed event. Acking an unknown ID is a no-op.
func (t *SQLiteTopic) Ack(ctx context.Context, id string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return ErrTopicClosed
	}
	if _, err := t.db.ExecContext(ctx, `DELETE FROM events WHERE id = ?`, id); err != nil {
		return fmt.Errorf("ack event %s: %w", id, err)
	}
	return nil
}

// Depth reports the number of unacked events.
func (t *SQLiteTopic) Depth(ctx context.Context) (int64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return 0, ErrTopicClosed
	}
	var n int64
	if err := t.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events`,
	).Scan(&n); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return n, nil
}

// Close releases the database handle. Safe to call more than once.
func (t *SQLiteTopic) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	return err
}
