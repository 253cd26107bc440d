// Package queue provides the durable work queue that decouples chunk
// production from sink indexing. Two implementations share one contract:
// a crash-recoverable SQLite store and a volatile in-process store.
package queue

import (
	"context"
	"errors"
	"time"

	"github.com/groundline/codescout/internal/models"
)

// ErrNotInitialized is returned when a store operation runs before Initialize.
var ErrNotInitialized = errors.New("queue: store not initialized")

// Config identifies and tunes a store. Repository and Branch scope the
// backing storage; one store instance serves a single consumer process.
type Config struct {
	// Dir is the directory holding durable queue databases. Ignored by the
	// in-memory store.
	Dir string
	// Repository and Branch scope the queue to one logical repo+branch.
	Repository string
	Branch     string
	// MaxAttempts moves an item to the terminal Dead state when a requeue
	// would exceed this many attempts. 0 means retry forever.
	MaxAttempts int
	// RetryBackoff delays a requeued item's next dequeue by
	// backoff << (attempt-1), capped at 32x. 0 means immediately dequeuable.
	RetryBackoff time.Duration
}

// Stats is a point-in-time count of items per state.
type Stats struct {
	Pending int64
	Leased  int64
	Done    int64
	Dead    int64
}

// Active is the number of items still owed to the sink.
func (s Stats) Active() int64 { return s.Pending + s.Leased }

// Store is the durable queue contract shared by the SQLite and in-memory
// implementations.
//
// State transitions are Pending -> Leased (Dequeue), Leased -> Done
// (Commit, terminal) and Leased -> Pending (Requeue, attempt count
// incremented). Initialize resets any Leased leftovers from a prior run to
// Pending, which is the whole of crash recovery: correctness after an
// ungraceful kill relies on it.
type Store interface {
	// Initialize opens or creates the backing storage, creates the schema if
	// absent, and recovers leased items. Idempotent; must be called before
	// any other operation.
	Initialize(ctx context.Context) error

	// Enqueue appends chunks as Pending items. Atomic per call: a crash
	// mid-call never yields a partially visible batch.
	Enqueue(ctx context.Context, chunks []models.CodeChunk) error

	// Dequeue atomically claims up to maxCount Pending items, transitioning
	// them to Leased. Concurrent calls never return overlapping items.
	// Returns fewer than maxCount (including zero) when the Pending set is
	// short; never blocks waiting for more.
	Dequeue(ctx context.Context, maxCount int) ([]*models.QueueItem, error)

	// Commit transitions items from Leased to Done. Committing an item that
	// is not currently Leased is a no-op, never an error.
	Commit(ctx context.Context, items []*models.QueueItem) error

	// Requeue transitions the failed items Leased -> Pending and increments
	// their attempt count. Items not mentioned stay Leased until a separate
	// Commit resolves them.
	Requeue(ctx context.Context, failures []models.ItemFailure) error

	// MarkEnqueueCompleted persists the producer-finished sentinel.
	MarkEnqueueCompleted(ctx context.Context) error

	// IsEnqueueCompleted reads the sentinel. It reflects only explicit
	// MarkEnqueueCompleted calls, not an empty queue.
	IsEnqueueCompleted(ctx context.Context) (bool, error)

	// Clear empties the active item set and resets the completion sentinel.
	Clear(ctx context.Context) error

	// Counts reports items per state, for status output.
	Counts(ctx context.Context) (Stats, error)

	// Close releases the storage handle. Safe to call more than once.
	Close() error
}

// backoffFor returns the delay before a requeued item becomes dequeuable
// again on its nth attempt. Exponential from base, capped at 32x base.
func backoffFor(base time.Duration, attempt int) time.Duration {
	if base <= 0 || attempt <= 1 {
		return base
	}
	shift := attempt - 1
	if shift > 5 {
		shift = 5
	}
	return base << shift
}

// nextState decides the post-requeue state for an item reaching
// attemptCount attempts under the configured cap. Exhaustive over the
// dead-letter decision so callers cannot drift.
func nextState(maxAttempts, attemptCount int) models.ItemState {
	if maxAttempts > 0 && attemptCount >= maxAttempts {
		return models.StateDead
	}
	return models.StatePending
}
