package sink

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/groundline/codescout/internal/models"
)

// HTTPSink writes chunk documents to a search engine's bulk endpoint
// (Elasticsearch/OpenSearch wire shape): newline-delimited action+document
// pairs POSTed to /<index>/_bulk, answered with a per-item outcome list.
type HTTPSink struct {
	baseURL string
	client  *http.Client
}

// NewHTTPSink creates a sink for the engine at baseURL (no trailing slash).
func NewHTTPSink(baseURL string) *HTTPSink {
	return &HTTPSink{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 60 * time.Second},
	}
}

type bulkAction struct {
	Index bulkActionMeta `json:"index"`
}

type bulkActionMeta struct {
	ID string `json:"_id"`
}

type bulkResponse struct {
	Errors bool `json:"errors"`
	Items  []struct {
		Index struct {
			ID     string `json:"_id"`
			Status int    `json:"status"`
			Error  *struct {
				Type   string `json:"type"`
				Reason string `json:"reason"`
			} `json:"error"`
		} `json:"index"`
	} `json:"items"`
}

// IndexChunks sends one bulk call. Transport failures and 429/5xx responses
// are transient (nothing indexed); per-item errors inside an accepted call
// become a PartialError mapping failures back to chunk hashes.
func (s *HTTPSink) IndexChunks(ctx context.Context, chunks []models.CodeChunk, indexName string) error {
	if len(chunks) == 0 {
		return nil
	}
	var body bytes.Buffer
	enc := json.NewEncoder(&body)
	for i := range chunks {
		if err := enc.Encode(bulkAction{Index: bulkActionMeta{ID: chunks[i].DocID()}}); err != nil {
			return fmt.Errorf("encode bulk action: %w", err)
		}
		if err := enc.Encode(&chunks[i]); err != nil {
			return fmt.Errorf("encode bulk document: %w", err)
		}
	}

	url := fmt.Sprintf("%s/%s/_bulk", s.baseURL, indexName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return fmt.Errorf("build bulk request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-ndjson")

	resp, err := s.client.Do(req)
	if err != nil {
		return &TransientError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransientError{Err: fmt.Errorf("bulk returned %d: %s", resp.StatusCode, b)}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &TransientError{Err: fmt.Errorf("bulk rejected with %d: %s", resp.StatusCode, b)}
	}

	var out bulkResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return &TransientError{Err: fmt.Errorf("decode bulk response: %w", err)}
	}
	if !out.Errors {
		return nil
	}
	if len(out.Items) != len(chunks) {
		return &TransientError{Err: fmt.Errorf("bulk response has %d items for %d documents", len(out.Items), len(chunks))}
	}

	// Items come back in request order; map positions to chunk hashes.
	var failures []DocumentFailure
	for i, item := range out.Items {
		if item.Index.Error == nil {
			continue
		}
		failures = append(failures, DocumentFailure{
			ChunkHash: chunks[i].ChunkHash,
			Detail:    fmt.Sprintf("%s: %s", item.Index.Error.Type, item.Index.Error.Reason),
		})
	}
	if len(failures) == 0 {
		return nil
	}
	return &PartialError{Failures: failures}
}
