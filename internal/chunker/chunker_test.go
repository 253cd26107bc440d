package chunker

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLanguageForPath(t *testing.T) {
	tests := []struct {
		path string
		lang string
		ok   bool
	}{
		{"main.go", "go", true},
		{"src/app.TSX", "typescript", true},
		{"script.py", "python", true},
		{"notes.txt", "", false},
		{"README.md", "", false},
	}
	for _, tt := range tests {
		lang, ok := LanguageForPath(tt.path)
		if lang != tt.lang || ok != tt.ok {
			t.Errorf("LanguageForPath(%q) = (%q, %t), want (%q, %t)", tt.path, lang, ok, tt.lang, tt.ok)
		}
	}
}

func TestParseSingleChunk(t *testing.T) {
	dir := t.TempDir()
	src := "package main\n\nfunc main() {\n\tprintln(\"hi\")\n}\n"
	path := writeFile(t, dir, "cmd/app/main.go", src)

	c := NewCodeChunker(dir, "main", 80, 10)
	chunks, err := c.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 {
		t.Fatalf("expected 1 chunk, got %d", len(chunks))
	}
	ch := chunks[0]
	if ch.Language != "go" {
		t.Errorf("language = %s", ch.Language)
	}
	if ch.FilePath != "cmd/app/main.go" {
		t.Errorf("file path = %s", ch.FilePath)
	}
	if ch.DirectoryPath != "cmd/app" || ch.DirectoryName != "app" || ch.DirectoryDepth != 2 {
		t.Errorf("directory meta = %s / %s / %d", ch.DirectoryPath, ch.DirectoryName, ch.DirectoryDepth)
	}
	if ch.Branch != "main" {
		t.Errorf("branch = %s", ch.Branch)
	}
	if ch.StartLine != 1 || ch.EndLine != 5 {
		t.Errorf("line range = %d-%d", ch.StartLine, ch.EndLine)
	}
	if ch.ChunkHash == "" || ch.SourceFileHash == "" {
		t.Error("hashes must be set")
	}
	if ch.Embedding != nil {
		t.Error("embedding must be absent at parse time")
	}
	if !strings.Contains(ch.SemanticText, "cmd/app/main.go") {
		t.Errorf("semantic text should locate the code: %q", ch.SemanticText)
	}
}

func TestParseSplitsLargeFiles(t *testing.T) {
	dir := t.TempDir()
	var b strings.Builder
	for i := 0; i < 30; i++ {
		b.WriteString("func f() {\n\treturn\n}\n\n")
	}
	path := writeFile(t, dir, "big.go", b.String())

	c := NewCodeChunker(dir, "main", 20, 4)
	chunks, err := c.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) < 2 {
		t.Fatalf("expected multiple chunks, got %d", len(chunks))
	}
	for i, ch := range chunks {
		if ch.StartLine < 1 || ch.EndLine < ch.StartLine {
			t.Errorf("chunk %d has bad line range %d-%d", i, ch.StartLine, ch.EndLine)
		}
	}
	// Consecutive chunks overlap or at least touch; no gap may lose lines.
	for i := 1; i < len(chunks); i++ {
		if chunks[i].StartLine > chunks[i-1].EndLine+1 {
			t.Errorf("gap between chunk %d (ends %d) and %d (starts %d)",
				i-1, chunks[i-1].EndLine, i, chunks[i].StartLine)
		}
	}
}

func TestParseChunkHashTracksContent(t *testing.T) {
	dir := t.TempDir()
	c := NewCodeChunker(dir, "main", 80, 10)

	path := writeFile(t, dir, "a.go", "package a\n\nvar X = 1\n")
	first, err := c.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	writeFile(t, dir, "a.go", "package a\n\nvar X = 2\n")
	second, err := c.Parse(path)
	if err != nil {
		t.Fatal(err)
	}
	if first[0].ChunkHash == second[0].ChunkHash {
		t.Error("chunk hash must change when content changes")
	}
	if first[0].SourceFileHash == second[0].SourceFileHash {
		t.Error("source file hash must change when content changes")
	}
}

func TestParseRejectsUnsupportedAndEmpty(t *testing.T) {
	dir := t.TempDir()
	c := NewCodeChunker(dir, "main", 80, 10)

	txt := writeFile(t, dir, "notes.txt", "hello")
	if _, err := c.Parse(txt); err == nil {
		t.Error("expected error for unsupported extension")
	}

	empty := writeFile(t, dir, "empty.go", "")
	chunks, err := c.Parse(empty)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 0 {
		t.Errorf("empty file should yield zero chunks, got %d", len(chunks))
	}

	binary := writeFile(t, dir, "bin.go", string([]byte{0xff, 0xfe, 0x00, 0x41}))
	if _, err := c.Parse(binary); err == nil {
		t.Error("expected error for non-UTF-8 content")
	}
}
