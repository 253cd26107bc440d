package server

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"go.uber.org/zap"

	"github.com/groundline/codescout/internal/config"
	"github.com/groundline/codescout/internal/events"
	"github.com/groundline/codescout/internal/models"
	"github.com/groundline/codescout/internal/queue"
)

type capturePublisher struct {
	published []events.PushEvent
	err       error
}

func (p *capturePublisher) Publish(_ context.Context, e events.PushEvent) error {
	if p.err != nil {
		return p.err
	}
	p.published = append(p.published, e)
	return nil
}

const testSecret = "webhook-test-secret"

func newMemStore(t *testing.T) queue.Store {
	t.Helper()
	store := queue.NewMemoryStore(queue.Config{})
	if err := store.Initialize(context.Background()); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func newTestServer(t *testing.T, pub *capturePublisher) (*Server, queue.Store) {
	t.Helper()
	store := newMemStore(t)
	cfg := &config.ServerConfig{Host: "localhost", Port: 0, WebhookSecret: testSecret}
	stores := map[string]queue.Store{"groundline/codescout": store}
	return NewServer(pub, stores, nil, cfg, zap.NewNop()), store
}

func sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushBody(t *testing.T) []byte {
	t.Helper()
	body, err := json.Marshal(map[string]any{
		"ref": "refs/heads/main",
		"repository": map[string]string{
			"name":      "codescout",
			"full_name": "groundline/codescout",
			"clone_url": "https://example.com/groundline/codescout.git",
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	return body
}

func TestWebhookAcceptsValidSignature(t *testing.T) {
	pub := &capturePublisher{}
	srv, _ := newTestServer(t, pub)
	body := pushBody(t)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/push", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, body = %s", rec.Code, rec.Body.String())
	}
	if len(pub.published) != 1 {
		t.Fatalf("published %d events, want 1", len(pub.published))
	}
	got := pub.published[0]
	if got.FullName != "groundline/codescout" || got.RepositoryName != "codescout" {
		t.Errorf("event = %+v", got)
	}
	if got.CloneURL != "https://example.com/groundline/codescout.git" {
		t.Errorf("clone url = %s", got.CloneURL)
	}
}

func TestWebhookRejectsBadSignature(t *testing.T) {
	pub := &capturePublisher{}
	srv, _ := newTestServer(t, pub)
	body := pushBody(t)

	cases := map[string]string{
		"missing header":  "",
		"wrong secret":    sign("other-secret", body),
		"malformed hex":   "sha256=zzzz",
		"missing prefix":  hex.EncodeToString([]byte("raw")),
		"truncated value": "sha256=" + hex.EncodeToString([]byte{0x01}),
	}
	for name, header := range cases {
		req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/push", bytes.NewReader(body))
		if header != "" {
			req.Header.Set("X-Hub-Signature-256", header)
		}
		rec := httptest.NewRecorder()
		srv.Router().ServeHTTP(rec, req)
		if rec.Code != http.StatusUnauthorized {
			t.Errorf("%s: status = %d, want 401", name, rec.Code)
		}
	}
	if len(pub.published) != 0 {
		t.Errorf("rejected requests must not publish, got %d events", len(pub.published))
	}
}

func TestWebhookSignatureCoversExactBody(t *testing.T) {
	pub := &capturePublisher{}
	srv, _ := newTestServer(t, pub)
	body := pushBody(t)
	tampered := append(append([]byte(nil), body...), ' ')

	// Signature of the original body over a tampered payload must fail.
	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/push", bytes.NewReader(tampered))
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("tampered body accepted with status %d", rec.Code)
	}
}

func TestWebhookRequiresRepository(t *testing.T) {
	pub := &capturePublisher{}
	srv, _ := newTestServer(t, pub)
	body := []byte(`{"ref": "refs/heads/main"}`)

	req := httptest.NewRequest(http.MethodPost, "/api/v1/webhook/push", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature-256", sign(testSecret, body))
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want 400", rec.Code)
	}
}

func TestHealthEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, &capturePublisher{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
}

func TestStatusEndpoint(t *testing.T) {
	srv, store := newTestServer(t, &capturePublisher{})
	ctx := context.Background()
	chunk := models.CodeChunk{FilePath: "a.go", ChunkHash: models.HashContent([]byte("x")), Content: "x"}
	if err := store.Enqueue(ctx, []models.CodeChunk{chunk}); err != nil {
		t.Fatal(err)
	}
	if err := store.MarkEnqueueCompleted(ctx); err != nil {
		t.Fatal(err)
	}

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Queue struct {
			Pending int64 `json:"pending"`
		} `json:"queue"`
		EnqueueCompleted bool `json:"enqueue_completed"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Queue.Pending != 1 {
		t.Errorf("pending = %d, want 1", resp.Queue.Pending)
	}
	if !resp.EnqueueCompleted {
		t.Error("enqueue_completed should be true")
	}
}

func TestStatusAggregatesAcrossRepositories(t *testing.T) {
	ctx := context.Background()
	alpha := newMemStore(t)
	beta := newMemStore(t)
	chunk := func(content string) models.CodeChunk {
		return models.CodeChunk{FilePath: "a.go", ChunkHash: models.HashContent([]byte(content)), Content: content}
	}
	if err := alpha.Enqueue(ctx, []models.CodeChunk{chunk("a"), chunk("b")}); err != nil {
		t.Fatal(err)
	}
	if err := alpha.MarkEnqueueCompleted(ctx); err != nil {
		t.Fatal(err)
	}
	if err := beta.Enqueue(ctx, []models.CodeChunk{chunk("c")}); err != nil {
		t.Fatal(err)
	}

	cfg := &config.ServerConfig{Host: "localhost", Port: 0, WebhookSecret: testSecret}
	srv := NewServer(&capturePublisher{}, map[string]queue.Store{
		"groundline/alpha": alpha,
		"groundline/beta":  beta,
	}, nil, cfg, zap.NewNop())

	req := httptest.NewRequest(http.MethodGet, "/api/v1/status", nil)
	rec := httptest.NewRecorder()
	srv.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var resp struct {
		Queue struct {
			Pending int64 `json:"pending"`
		} `json:"queue"`
		EnqueueCompleted bool `json:"enqueue_completed"`
		Repositories     map[string]struct {
			Queue struct {
				Pending int64 `json:"pending"`
			} `json:"queue"`
			EnqueueCompleted bool `json:"enqueue_completed"`
		} `json:"repositories"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatal(err)
	}
	if resp.Queue.Pending != 3 {
		t.Errorf("aggregate pending = %d, want 3", resp.Queue.Pending)
	}
	if resp.EnqueueCompleted {
		t.Error("aggregate completion must be false while one repository is still enqueueing")
	}
	if len(resp.Repositories) != 2 {
		t.Fatalf("repositories = %d, want 2", len(resp.Repositories))
	}
	if got := resp.Repositories["groundline/alpha"]; got.Queue.Pending != 2 || !got.EnqueueCompleted {
		t.Errorf("alpha status = %+v", got)
	}
	if got := resp.Repositories["groundline/beta"]; got.Queue.Pending != 1 || got.EnqueueCompleted {
		t.Errorf("beta status = %+v", got)
	}
}
