// Package models defines the code chunk and queue item types shared across the pipeline.
package models

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ChunkType is the document type tag carried on the wire.
const ChunkType = "code_chunk"

// CodeChunk is one indexable unit of source content. The JSON field names are
// the wire shape used both as the queue payload and as the sink document.
type CodeChunk struct {
	Type           string    `json:"type"`
	Language       string    `json:"language"`
	FilePath       string    `json:"filePath"`
	DirectoryPath  string    `json:"directoryPath"`
	DirectoryName  string    `json:"directoryName"`
	DirectoryDepth int       `json:"directoryDepth"`
	SourceFileHash string    `json:"sourceFileHash"`
	Branch         string    `json:"branch"`
	ChunkHash      string    `json:"chunkHash"`
	StartLine      int       `json:"startLine"`
	EndLine        int       `json:"endLine"`
	Content        string    `json:"content"`
	SemanticText   string    `json:"semanticText"`
	Embedding      []float32 `json:"embedding,omitempty"`
	CreatedAt      time.Time `json:"createdAt"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

// DocID returns the stable sink document identity for this chunk version.
// (filePath, chunkHash) identifies a specific chunk version, so re-delivery
// of the same version overwrites the same document.
func (c *CodeChunk) DocID() string {
	return c.FilePath + "#" + c.ChunkHash
}

// HashContent returns the hex SHA-256 of content. Used for both source file
// hashes and chunk hashes; the chunk hash changes whenever content changes.
func HashContent(content []byte) string {
	sum := sha256.Sum256(content)
	return hex.EncodeToString(sum[:])
}

// DirectoryMeta derives directory path, name, and depth from a repo-relative
// file path. The repo root yields path ".", name "" and depth 0.
func DirectoryMeta(relPath string) (dirPath, dirName string, depth int) {
	dirPath = filepath.ToSlash(filepath.Dir(relPath))
	if dirPath == "." {
		return ".", "", 0
	}
	dirName = filepath.Base(dirPath)
	depth = strings.Count(dirPath, "/") + 1
	return dirPath, dirName, depth
}

// SemanticProjection builds the text that is embedded for a chunk: a short
// header locating the code plus the raw content.
func SemanticProjection(language, relPath, content string) string {
	return fmt.Sprintf("%s code from %s\n%s", language, relPath, content)
}
