// Package walker enumerates the files of a directory tree with
// doublestar exclude-pattern support.
package walker

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
)

// FileInfo describes one entry under the walked root. Directories are
// never reported; symlinks and other irregular files are, so callers
// can refuse them instead of silently dropping data.
type FileInfo struct {
	Path    string // absolute path
	RelPath string // slash-separated path relative to the root
	Size    int64
	ModTime time.Time
	Mode    os.FileMode
}

// Regular reports whether the entry is a plain file.
func (fi FileInfo) Regular() bool { return fi.Mode.IsRegular() }

// Walker walks a directory tree.
type Walker struct {
	root     string
	excludes []string
}

// New validates root and returns a Walker applying the given exclude
// patterns.
func New(root string, excludes []string) (*Walker, error) {
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("get absolute path: %w", err)
	}

	info, err := os.Stat(absRoot)
	if err != nil {
		return nil, fmt.Errorf("stat root: %w", err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("root is not a directory: %s", absRoot)
	}

	return &Walker{root: absRoot, excludes: excludes}, nil
}

// Walk returns every non-directory entry under the root that no exclude
// pattern matches.
func (w *Walker) Walk() ([]FileInfo, error) {
	var files []FileInfo

	err := filepath.WalkDir(w.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		relPath, err := filepath.Rel(w.root, path)
		if err != nil {
			return fmt.Errorf("get relative path: %w", err)
		}
		relPath = filepath.ToSlash(relPath)

		excluded, err := MatchAny(relPath, w.excludes)
		if err != nil {
			return err
		}
		if excluded {
			return nil
		}

		// Lstat so symlinks report their own mode, not the target's.
		info, err := os.Lstat(path)
		if err != nil {
			return fmt.Errorf("get file info: %w", err)
		}

		files = append(files, FileInfo{
			Path:    path,
			RelPath: relPath,
			Size:    info.Size(),
			ModTime: info.ModTime(),
			Mode:    info.Mode(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}

	return files, nil
}

// MatchAny reports whether any pattern matches the slash-separated
// path. A pattern with a trailing slash matches everything under the
// named directory.
func MatchAny(path string, patterns []string) (bool, error) {
	for _, pattern := range patterns {
		if strings.HasSuffix(pattern, "/") {
			dirPattern := strings.TrimSuffix(pattern, "/")
			parts := strings.Split(path, "/")
			for i := 1; i <= len(parts); i++ {
				matched, err := doublestar.Match(dirPattern, strings.Join(parts[:i], "/"))
				if err != nil {
					return false, fmt.Errorf("match pattern %q: %w", pattern, err)
				}
				if matched {
					return true, nil
				}
			}
			continue
		}

		matched, err := doublestar.Match(pattern, path)
		if err != nil {
			return false, fmt.Errorf("match pattern %q: %w", pattern, err)
		}
		if matched {
			return true, nil
		}
	}
	return false, nil
}
