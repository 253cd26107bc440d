package sink

import (
	"context"
	"fmt"
	"os"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/standard"

	"github.com/groundline/codescout/internal/models"
)

// BleveSink indexes chunk documents into a local Bleve index and doubles as
// the query surface for the search command. It manages one physical index
// regardless of the logical index name passed per call.
type BleveSink struct {
	index bleve.Index
}

// bleveDoc is the indexed projection of a CodeChunk. The embedding vector is
// deliberately excluded; Bleve serves the keyword side.
type bleveDoc struct {
	Type           string `json:"type"`
	Language       string `json:"language"`
	FilePath       string `json:"filePath"`
	DirectoryPath  string `json:"directoryPath"`
	Branch         string `json:"branch"`
	ChunkHash      string `json:"chunkHash"`
	StartLine      int    `json:"startLine"`
	EndLine        int    `json:"endLine"`
	Content        string `json:"content"`
	SemanticText   string `json:"semanticText"`
	SourceFileHash string `json:"sourceFileHash"`
}

// NewBleveSink opens or creates a Bleve index at path. An existing index is
// reused so incremental runs keep their documents.
func NewBleveSink(path string) (*BleveSink, error) {
	im := bleve.NewIndexMapping()

	docMapping := bleve.NewDocumentMapping()
	textFieldMapping := bleve.NewTextFieldMapping()
	// Standard analyzer (lowercase + tokenize, no stemming): identifiers like
	// "Dequeue" should match the literal query term.
	textFieldMapping.Analyzer = standard.Name
	docMapping.AddFieldMappingsAt("content", textFieldMapping)
	docMapping.AddFieldMappingsAt("semanticText", textFieldMapping)
	docMapping.AddFieldMappingsAt("filePath", textFieldMapping)
	keywordFieldMapping := bleve.NewKeywordFieldMapping()
	docMapping.AddFieldMappingsAt("language", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("branch", keywordFieldMapping)
	docMapping.AddFieldMappingsAt("chunkHash", keywordFieldMapping)
	im.AddDocumentMapping(models.ChunkType, docMapping)
	im.DefaultType = models.ChunkType
	im.DefaultMapping = docMapping

	if _, err := os.Stat(path); err == nil {
		index, openErr := bleve.Open(path)
		if openErr != nil {
			return nil, fmt.Errorf("open bleve index: %w", openErr)
		}
		return &BleveSink{index: index}, nil
	}

	index, err := bleve.New(path, im)
	if err != nil {
		return nil, fmt.Errorf("create bleve index: %w", err)
	}
	return &BleveSink{index: index}, nil
}

// IndexChunks indexes each document individually so outcomes resolve per
// document: rejected documents are collected into a PartialError while the
// rest of the batch lands.
func (b *BleveSink) IndexChunks(ctx context.Context, chunks []models.CodeChunk, indexName string) error {
	var failures []DocumentFailure
	for i := range chunks {
		if err := ctx.Err(); err != nil {
			return &TransientError{Err: err}
		}
		ch := &chunks[i]
		doc := bleveDoc{
			Type:           ch.Type,
			Language:       ch.Language,
			FilePath:       ch.FilePath,
			DirectoryPath:  ch.DirectoryPath,
			Branch:         ch.Branch,
			ChunkHash:      ch.ChunkHash,
			StartLine:      ch.StartLine,
			EndLine:        ch.EndLine,
			Content:        ch.Content,
			SemanticText:   ch.SemanticText,
			SourceFileHash: ch.SourceFileHash,
		}
		if err := b.index.Index(ch.DocID(), doc); err != nil {
			failures = append(failures, DocumentFailure{
				ChunkHash: ch.ChunkHash,
				Detail:    err.Error(),
			})
		}
	}
	if len(failures) == len(chunks) && len(chunks) > 0 {
		// Everything failed; treat as a whole-call fault so the batch retries.
		return &TransientError{Err: fmt.Errorf("all %d documents rejected: %s", len(failures), failures[0].Detail)}
	}
	if len(failures) > 0 {
		return &PartialError{Failures: failures}
	}
	return nil
}

// SearchResult is one hit from the local index.
type SearchResult struct {
	FilePath  string  `json:"filePath"`
	Language  string  `json:"language"`
	StartLine int     `json:"startLine"`
	EndLine   int     `json:"endLine"`
	Score     float64 `json:"score"`
	Content   string  `json:"content"`
}

// Search runs a match query over content, semantic text, and file paths.
func (b *BleveSink) Search(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if limit <= 0 {
		limit = 10
	}
	q := bleve.NewMatchQuery(query)
	req := bleve.NewSearchRequest(q)
	req.Size = limit
	req.Fields = []string{"*"}
	res, err := b.index.SearchInContext(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("bleve search: %w", err)
	}
	out := make([]SearchResult, 0, len(res.Hits))
	for _, hit := range res.Hits {
		sr := SearchResult{Score: hit.Score}
		if v, ok := hit.Fields["filePath"].(string); ok {
			sr.FilePath = v
		}
		if v, ok := hit.Fields["language"].(string); ok {
			sr.Language = v
		}
		if v, ok := hit.Fields["content"].(string); ok {
			sr.Content = v
		}
		if v, ok := hit.Fields["startLine"].(float64); ok {
			sr.StartLine = int(v)
		}
		if v, ok := hit.Fields["endLine"].(float64); ok {
			sr.EndLine = int(v)
		}
		out = append(out, sr)
	}
	return out, nil
}

// DocCount returns the number of indexed documents.
func (b *BleveSink) DocCount() (uint64, error) {
	return b.index.DocCount()
}

// Close closes the underlying index.
func (b *BleveSink) Close() error {
	return b.index.Close()
}
