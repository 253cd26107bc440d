package events

import (
	"context"
	"path/filepath"
	"testing"
)

func newTopic(t *testing.T, path string) *SQLiteTopic {
	t.Helper()
	topic, err := NewSQLiteTopic(path)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { topic.Close() })
	return topic
}

func TestTopicPublishConsumeAck(t *testing.T) {
	ctx := context.Background()
	topic := newTopic(t, filepath.Join(t.TempDir(), "events.db"))

	event := PushEvent{
		RepositoryName: "codescout",
		FullName:       "groundline/codescout",
		CloneURL:       "https://example.com/groundline/codescout.git",
	}
	if err := topic.Publish(ctx, event); err != nil {
		t.Fatal(err)
	}

	d, err := topic.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil {
		t.Fatal("expected a delivery")
	}
	if d.Event != event {
		t.Errorf("delivered event = %+v", d.Event)
	}

	// Unacked events redeliver.
	again, err := topic.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if again == nil || again.ID != d.ID {
		t.Error("consume before ack should redeliver the same event")
	}

	if err := topic.Ack(ctx, d.ID); err != nil {
		t.Fatal(err)
	}
	empty, err := topic.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if empty != nil {
		t.Error("acked event must not redeliver")
	}
}

func TestTopicOrderedDelivery(t *testing.T) {
	ctx := context.Background()
	topic := newTopic(t, filepath.Join(t.TempDir(), "events.db"))

	names := []string{"alpha", "beta", "gamma"}
	for _, n := range names {
		if err := topic.Publish(ctx, PushEvent{RepositoryName: n}); err != nil {
			t.Fatal(err)
		}
	}
	for _, want := range names {
		d, err := topic.Consume(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if d == nil || d.Event.RepositoryName != want {
			t.Fatalf("expected %s next, got %+v", want, d)
		}
		if err := topic.Ack(ctx, d.ID); err != nil {
			t.Fatal(err)
		}
	}
}

func TestTopicSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "events.db")

	topic, err := NewSQLiteTopic(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := topic.Publish(ctx, PushEvent{RepositoryName: "durable"}); err != nil {
		t.Fatal(err)
	}
	if err := topic.Close(); err != nil {
		t.Fatal(err)
	}

	reopened := newTopic(t, path)
	n, err := reopened.Depth(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Fatalf("depth = %d after reopen, want 1", n)
	}
	d, err := reopened.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if d == nil || d.Event.RepositoryName != "durable" {
		t.Errorf("delivery after reopen = %+v", d)
	}
}

func TestTopicClosed(t *testing.T) {
	ctx := context.Background()
	topic := newTopic(t, filepath.Join(t.TempDir(), "events.db"))
	if err := topic.Close(); err != nil {
		t.Fatal(err)
	}
	if err := topic.Publish(ctx, PushEvent{}); err != ErrTopicClosed {
		t.Errorf("publish after close = %v", err)
	}
	if _, err := topic.Consume(ctx); err != ErrTopicClosed {
		t.Errorf("consume after close = %v", err)
	}
}
