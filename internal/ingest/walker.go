// Package ingest turns a repository tree into enqueued chunk work: it walks
// the tree, runs files through the parse/embed pool, and writes the results
// into the durable queue.
package ingest

import (
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/groundline/codescout/internal/chunker"
)

// skipDirs are directory names never worth descending into: VCS metadata,
// dependency trees, and build output.
var skipDirs = map[string]struct{}{
	".git":         {},
	".hg":          {},
	".svn":         {},
	"node_modules": {},
	"vendor":       {},
	"dist":         {},
	"build":        {},
	"target":       {},
	"__pycache__":  {},
	".idea":        {},
	".vscode":      {},
	".next":        {},
	"bin":          {},
	"obj":          {},
}

// SkippedDir reports whether a directory name is excluded from ingestion.
func SkippedDir(name string) bool {
	if _, skip := skipDirs[name]; skip {
		return true
	}
	return strings.HasPrefix(name, ".")
}

const defaultMaxFileBytes = 1 << 20 // 1 MiB

// Walker enumerates the source files of a repository worth indexing.
type Walker struct {
	maxFileBytes int64
}

// NewWalker creates a walker with the given per-file size cap. A cap of 0
// uses the default of 1 MiB.
func NewWalker(maxFileBytes int64) *Walker {
	if maxFileBytes <= 0 {
		maxFileBytes = defaultMaxFileBytes
	}
	return &Walker{maxFileBytes: maxFileBytes}
}

// Walk returns the paths under root that have a supported language
// extension and fit under the size cap. Symlinks and hidden files are
// skipped; unreadable entries are skipped rather than failing the walk.
func (w *Walker) Walk(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		name := d.Name()
		if d.IsDir() {
			if path == root {
				return nil
			}
			if SkippedDir(name) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type()&fs.ModeSymlink != 0 {
			return nil
		}
		if strings.HasPrefix(name, ".") {
			return nil
		}
		if _, ok := chunker.LanguageForPath(path); !ok {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.Size() > w.maxFileBytes {
			return nil
		}
		paths = append(paths, path)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk %s: %w", root, err)
	}
	return paths, nil
}
