// Package chunker turns source files into code chunk skeletons: content,
// location, and hashes, with no embedding attached.
package chunker

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/groundline/codescout/internal/models"
)

// Parser produces chunk skeletons from a file path. The embedding field is
// absent at parse time; the worker pool fills it in.
type Parser interface {
	Parse(path string) ([]models.CodeChunk, error)
}

// CodeChunker is the default Parser: language from the extension map and
// overlapping line windows, aligned to blank lines where one falls close to
// the window end so chunks tend to break between declarations.
type CodeChunker struct {
	root       string // repo root; chunk paths are relative to it
	branch     string
	chunkLines int
	overlap    int
}

const (
	defaultChunkLines = 80
	defaultOverlap    = 10
	maxFileBytes      = 1 << 20 // larger files are not worth embedding
)

// NewCodeChunker creates a chunker for the repository rooted at root.
// chunkLines/overlap <= 0 fall back to defaults.
func NewCodeChunker(root, branch string, chunkLines, overlap int) *CodeChunker {
	if chunkLines <= 0 {
		chunkLines = defaultChunkLines
	}
	if overlap < 0 || overlap >= chunkLines {
		overlap = defaultOverlap
	}
	return &CodeChunker{root: root, branch: branch, chunkLines: chunkLines, overlap: overlap}
}

// Parse reads the file and returns its chunk skeletons. Binary and oversized
// files yield an error; an empty file yields zero chunks and no error.
func (c *CodeChunker) Parse(path string) ([]models.CodeChunk, error) {
	lang, ok := LanguageForPath(path)
	if !ok {
		return nil, fmt.Errorf("unsupported source extension: %s", filepath.Ext(path))
	}
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("stat file: %w", err)
	}
	if info.Size() > maxFileBytes {
		return nil, fmt.Errorf("file too large to chunk: %d bytes", info.Size())
	}
	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}
	if !utf8.Valid(content) {
		return nil, fmt.Errorf("not valid UTF-8 text: %s", path)
	}

	rel := path
	if c.root != "" {
		if r, relErr := filepath.Rel(c.root, path); relErr == nil {
			rel = r
		}
	}
	rel = filepath.ToSlash(rel)

	lines := strings.Split(string(content), "\n")
	windows := c.windows(lines)
	if len(windows) == 0 {
		return nil, nil
	}

	fileHash := models.HashContent(content)
	dirPath, dirName, dirDepth := models.DirectoryMeta(rel)
	now := time.Now().UTC()

	chunks := make([]models.CodeChunk, 0, len(windows))
	for _, w := range windows {
		text := strings.Join(lines[w.start:w.end], "\n")
		if strings.TrimSpace(text) == "" {
			continue
		}
		chunks = append(chunks, models.CodeChunk{
			Type:           models.ChunkType,
			Language:       lang,
			FilePath:       rel,
			DirectoryPath:  dirPath,
			DirectoryName:  dirName,
			DirectoryDepth: dirDepth,
			SourceFileHash: fileHash,
			Branch:         c.branch,
			ChunkHash:      models.HashContent([]byte(text)),
			StartLine:      w.start + 1,
			EndLine:        w.end,
			Content:        text,
			SemanticText:   models.SemanticProjection(lang, rel, text),
			CreatedAt:      now,
			UpdatedAt:      now,
		})
	}
	return chunks, nil
}

type window struct{ start, end int } // [start, end) line indexes

// windows slices the file into overlapping line windows. When a blank line
// falls in the last quarter of a window the cut moves there, so chunks tend
// to end at declaration boundaries.
func (c *CodeChunker) windows(lines []string) []window {
	n := len(lines)
	// Trim a single trailing empty line from the final newline.
	if n > 0 && lines[n-1] == "" {
		n--
	}
	if n == 0 {
		return nil
	}
	var out []window
	start := 0
	for start < n {
		end := start + c.chunkLines
		if end >= n {
			out = append(out, window{start, n})
			break
		}
		cut := end
		for i := end - 1; i > end-c.chunkLines/4; i-- {
			if strings.TrimSpace(lines[i]) == "" {
				cut = i
				break
			}
		}
		out = append(out, window{start, cut})
		next := cut - c.overlap
		if next <= start {
			next = start + 1
		}
		start = next
	}
	return out
}
