package sink

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/groundline/codescout/internal/models"
)

func TestBleveSinkIndexAndSearch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")
	s, err := NewBleveSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	chunks := []models.CodeChunk{
		{
			Type:         models.ChunkType,
			Language:     "go",
			FilePath:     "internal/queue/sqlite.go",
			ChunkHash:    models.HashContent([]byte("dequeue")),
			StartLine:    10,
			EndLine:      42,
			Content:      "func (s *SQLiteStore) Dequeue(ctx context.Context, maxCount int)",
			SemanticText: "go code from internal/queue/sqlite.go",
		},
		{
			Type:         models.ChunkType,
			Language:     "python",
			FilePath:     "scripts/report.py",
			ChunkHash:    models.HashContent([]byte("report")),
			StartLine:    1,
			EndLine:      5,
			Content:      "def render_report(rows):",
			SemanticText: "python code from scripts/report.py",
		},
	}
	if err := s.IndexChunks(ctx, chunks, "code-chunks"); err != nil {
		t.Fatal(err)
	}

	n, err := s.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Errorf("expected 2 documents, got %d", n)
	}

	results, err := s.Search(ctx, "dequeue", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(results) == 0 {
		t.Fatal("expected a hit for dequeue")
	}
	if results[0].FilePath != "internal/queue/sqlite.go" {
		t.Errorf("top hit = %s", results[0].FilePath)
	}
	if results[0].StartLine != 10 || results[0].EndLine != 42 {
		t.Errorf("line range = %d-%d", results[0].StartLine, results[0].EndLine)
	}
}

func TestBleveSinkRedeliveryOverwrites(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")
	s, err := NewBleveSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()

	ctx := context.Background()
	chunk := models.CodeChunk{
		Type:      models.ChunkType,
		Language:  "go",
		FilePath:  "a.go",
		ChunkHash: models.HashContent([]byte("package a")),
		Content:   "package a",
	}
	for i := 0; i < 3; i++ {
		if err := s.IndexChunks(ctx, []models.CodeChunk{chunk}, "code-chunks"); err != nil {
			t.Fatal(err)
		}
	}
	n, _ := s.DocCount()
	if n != 1 {
		t.Errorf("redelivery of the same chunk version must not duplicate: got %d docs", n)
	}
}

func TestBleveSinkReopensExistingIndex(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index.bleve")
	s, err := NewBleveSink(path)
	if err != nil {
		t.Fatal(err)
	}
	ctx := context.Background()
	chunk := models.CodeChunk{
		Type:      models.ChunkType,
		Language:  "go",
		FilePath:  "a.go",
		ChunkHash: "h1",
		Content:   "package a",
	}
	if err := s.IndexChunks(ctx, []models.CodeChunk{chunk}, "code-chunks"); err != nil {
		t.Fatal(err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := NewBleveSink(path)
	if err != nil {
		t.Fatal(err)
	}
	defer reopened.Close()
	n, err := reopened.DocCount()
	if err != nil {
		t.Fatal(err)
	}
	if n != 1 {
		t.Errorf("expected the document to survive reopen, got %d", n)
	}
}
