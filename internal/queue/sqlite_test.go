package queue

import (
	"context"
	"testing"

	"github.com/groundline/codescout/internal/models"
)

// Scenario: an interrupted traversal is resumable. Enqueue without marking
// completion, close, reopen against the same backing location.
func TestSQLiteStorePersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Dir: t.TempDir(), Repository: "acme/app", Branch: "main"}

	s := NewSQLiteStore(cfg)
	if err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, makeChunks(50)); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := NewSQLiteStore(cfg)
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()

	done, err := reopened.IsEnqueueCompleted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if done {
		t.Error("completion flag must stay false for an interrupted traversal")
	}
	items, err := reopened.Dequeue(ctx, 100)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 50 {
		t.Errorf("expected all 50 items after reopen, got %d", len(items))
	}
}

func TestSQLiteStoreCompletionFlagPersists(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Dir: t.TempDir(), Repository: "acme/app", Branch: "main"}

	s := NewSQLiteStore(cfg)
	if err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.MarkEnqueueCompleted(ctx); err != nil {
		t.Fatal(err)
	}
	_ = s.Close()

	reopened := NewSQLiteStore(cfg)
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	done, err := reopened.IsEnqueueCompleted(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if !done {
		t.Error("completion flag should survive close/reopen")
	}
}

// A process killed between dequeue and commit leaves items Leased; the next
// Initialize must hand them back to the consumer.
func TestSQLiteStoreRecoversLeasedItems(t *testing.T) {
	ctx := context.Background()
	cfg := Config{Dir: t.TempDir(), Repository: "acme/app", Branch: "main"}

	s := NewSQLiteStore(cfg)
	if err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Enqueue(ctx, makeChunks(3)); err != nil {
		t.Fatal(err)
	}
	leased, err := s.Dequeue(ctx, 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(leased) != 2 {
		t.Fatalf("expected 2 leased, got %d", len(leased))
	}
	// Simulated crash: close without commit or requeue.
	_ = s.Close()

	reopened := NewSQLiteStore(cfg)
	if err := reopened.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	items, err := reopened.Dequeue(ctx, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 3 {
		t.Errorf("expected all 3 items recovered to pending, got %d", len(items))
	}
	for _, it := range items {
		if it.State != models.StateLeased {
			t.Errorf("re-dequeued item should be leased, got %s", it.State)
		}
	}
}

func TestSQLiteStoreInitializeIdempotent(t *testing.T) {
	ctx := context.Background()
	s := NewSQLiteStore(Config{Dir: t.TempDir(), Repository: "acme/app", Branch: "main"})
	if err := s.Initialize(ctx); err != nil {
		t.Fatal(err)
	}
	if err := s.Initialize(ctx); err != nil {
		t.Fatalf("second Initialize should be a no-op, got %v", err)
	}
	defer s.Close()
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("double Close should be safe, got %v", err)
	}
}

func TestSQLiteStorePathScopedPerIdentity(t *testing.T) {
	dir := t.TempDir()
	a := NewSQLiteStore(Config{Dir: dir, Repository: "acme/app", Branch: "main"})
	b := NewSQLiteStore(Config{Dir: dir, Repository: "acme/app", Branch: "release/v2"})
	if a.Path() == b.Path() {
		t.Error("different branches must use different backing files")
	}
}
