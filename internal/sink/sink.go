// Package sink delivers chunk documents to a search engine in bulk and
// reports outcomes per document. Callers are expected to be idempotent on
// redelivery: the document identity is (filePath, chunkHash), so re-indexing
// the same chunk version overwrites rather than duplicates.
package sink

import (
	"context"
	"fmt"

	"github.com/groundline/codescout/internal/models"
)

// Sink indexes chunk documents. IndexChunks returns nil on total success,
// *TransientError when the whole call failed (connectivity, throttling), or
// *PartialError when the bulk call was accepted but individual documents
// were rejected.
type Sink interface {
	IndexChunks(ctx context.Context, chunks []models.CodeChunk, indexName string) error
}

// DocumentFailure identifies one rejected document inside an otherwise
// accepted bulk call.
type DocumentFailure struct {
	ChunkHash string
	Detail    string
}

// PartialError carries the per-document failure list of a bulk call.
// Documents not listed were indexed successfully.
type PartialError struct {
	Failures []DocumentFailure
}

func (e *PartialError) Error() string {
	return fmt.Sprintf("bulk index rejected %d document(s)", len(e.Failures))
}

// TransientError marks a whole-call failure worth retrying: the sink was
// unreachable or pushed back. Nothing in the batch was indexed.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("sink unavailable: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }
