package queue

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/groundline/codescout/internal/models"
)

// MemoryStore is the volatile Store. It honors the same contract as the
// SQLite store but loses everything with the process; useful for tests and
// throwaway one-shot runs.
type MemoryStore struct {
	cfg Config

	mu          sync.Mutex
	initialized bool
	items       map[string]*memoryItem
	order       []string // enqueue order of live item IDs
	completed   bool
}

type memoryItem struct {
	item        models.QueueItem
	availableAt time.Time
	lastError   string
}

// NewMemoryStore creates an in-process store with the given config.
// Dir is ignored.
func NewMemoryStore(cfg Config) *MemoryStore {
	return &MemoryStore{
		cfg:   cfg,
		items: make(map[string]*memoryItem),
	}
}

// Initialize resets any Leased items to Pending, mirroring the durable
// store's crash recovery. Idempotent.
func (s *MemoryStore) Initialize(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.items {
		if m.item.State == models.StateLeased {
			m.item.State = models.StatePending
			m.item.LeasedAt = time.Time{}
		}
	}
	s.initialized = true
	return nil
}

func (s *MemoryStore) Enqueue(ctx context.Context, chunks []models.CodeChunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	now := time.Now().UTC()
	for i := range chunks {
		id := uuid.New().String()
		s.items[id] = &memoryItem{
			item: models.QueueItem{
				ID:         id,
				Chunk:      chunks[i],
				State:      models.StatePending,
				EnqueuedAt: now,
			},
			availableAt: now,
		}
		s.order = append(s.order, id)
	}
	return nil
}

func (s *MemoryStore) Dequeue(ctx context.Context, maxCount int) ([]*models.QueueItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return nil, ErrNotInitialized
	}
	now := time.Now().UTC()
	var claimed []*models.QueueItem
	for _, id := range s.order {
		if len(claimed) >= maxCount {
			break
		}
		m, ok := s.items[id]
		if !ok || m.item.State != models.StatePending || m.availableAt.After(now) {
			continue
		}
		m.item.State = models.StateLeased
		m.item.LeasedAt = now
		snapshot := m.item
		claimed = append(claimed, &snapshot)
	}
	return claimed, nil
}

func (s *MemoryStore) Commit(ctx context.Context, items []*models.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	for _, it := range items {
		m, ok := s.items[it.ID]
		if !ok || m.item.State != models.StateLeased {
			continue // duplicate or stale commit, no-op
		}
		m.item.State = models.StateDone
		m.item.LeasedAt = time.Time{}
	}
	return nil
}

func (s *MemoryStore) Requeue(ctx context.Context, failures []models.ItemFailure) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	now := time.Now().UTC()
	for _, f := range failures {
		m, ok := s.items[f.Item.ID]
		if !ok || m.item.State != models.StateLeased {
			continue
		}
		m.item.AttemptCount++
		m.item.State = nextState(s.cfg.MaxAttempts, m.item.AttemptCount)
		m.item.LeasedAt = time.Time{}
		m.availableAt = now.Add(backoffFor(s.cfg.RetryBackoff, m.item.AttemptCount))
		m.lastError = f.Reason
	}
	return nil
}

func (s *MemoryStore) MarkEnqueueCompleted(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.completed = true
	return nil
}

func (s *MemoryStore) IsEnqueueCompleted(ctx context.Context) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return false, ErrNotInitialized
	}
	return s.completed, nil
}

func (s *MemoryStore) Clear(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return ErrNotInitialized
	}
	s.items = make(map[string]*memoryItem)
	s.order = nil
	s.completed = false
	return nil
}

func (s *MemoryStore) Counts(ctx context.Context) (Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		return Stats{}, ErrNotInitialized
	}
	var stats Stats
	for _, m := range s.items {
		switch m.item.State {
		case models.StatePending:
			stats.Pending++
		case models.StateLeased:
			stats.Leased++
		case models.StateDone:
			stats.Done++
		case models.StateDead:
			stats.Dead++
		}
	}
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *MemoryStore) Close() error {
	return nil
}
