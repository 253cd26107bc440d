// Package events carries repository push notifications from the webhook
// boundary to the ingest side over a durable topic, so an accepted webhook
// survives a process restart even if ingestion has not picked it up yet.
package events

import "context"

// PushEvent is the normalized payload extracted from a push webhook. Only
// the fields ingestion needs survive the boundary.
type PushEvent struct {
	RepositoryName string `json:"repositoryName"`
	FullName       string `json:"fullName"`
	CloneURL       string `json:"cloneUrl"`
}

// Publisher accepts push events for durable delivery.
type Publisher interface {
	Publish(ctx context.Context, event PushEvent) error
}

// Delivery is one consumable event with its topic identity, needed to ack.
type Delivery struct {
	ID    string
	Event PushEvent
}
