package models

import "time"

// ItemState is the lifecycle state of a queue item. Transitions are
// Pending -> Leased (dequeue), Leased -> Done (commit, terminal),
// Leased -> Pending (requeue). Dead is a terminal state for items that
// exceeded the configured attempt cap.
type ItemState string

const (
	StatePending ItemState = "pending"
	StateLeased  ItemState = "leased"
	StateDone    ItemState = "done"
	StateDead    ItemState = "dead"
)

// Valid reports whether s is a known state.
func (s ItemState) Valid() bool {
	switch s {
	case StatePending, StateLeased, StateDone, StateDead:
		return true
	}
	return false
}

// QueueItem wraps one CodeChunk with queue bookkeeping.
type QueueItem struct {
	ID           string    `json:"id"`
	Chunk        CodeChunk `json:"chunk"`
	State        ItemState `json:"state"`
	AttemptCount int       `json:"attemptCount"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
	LeasedAt     time.Time `json:"leasedAt,omitempty"`
}

// ItemFailure pairs a leased item with the reason its dispatch failed,
// for selective requeue.
type ItemFailure struct {
	Item   *QueueItem
	Reason string
}
