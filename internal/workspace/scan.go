package workspace

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"unicode/utf8"

	"go.uber.org/zap"
)

// FileTree maps a "/"-prefixed, slash-separated path relative to the
// workspace root to the file's text contents.
type FileTree map[string]string

// ChangeSet lists paths that differ between two scans.
type ChangeSet struct {
	Added    []string `json:"added"`
	Modified []string `json:"modified"`
	Deleted  []string `json:"deleted"`
}

// Empty reports whether nothing changed.
func (c ChangeSet) Empty() bool {
	return len(c.Added) == 0 && len(c.Modified) == 0 && len(c.Deleted) == 0
}

// Scan walks dir and returns its text files. Dot-prefixed files and
// directories are skipped at every depth, as are symlinks, binary files and
// files over the size limit. Entries that cannot be read are logged and
// skipped; only a failure on dir itself is returned.
func (s *Store) Scan(ctx context.Context, dir string) (FileTree, error) {
	if _, err := os.Stat(dir); err != nil {
		return nil, err
	}

	tree := FileTree{}
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if path == dir {
			return walkErr
		}
		if walkErr != nil {
			s.logger.Warn("Skipping unreadable entry", zap.String("path", path), zap.Error(walkErr))
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}

		if strings.HasPrefix(d.Name(), ".") {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if d.IsDir() || !d.Type().IsRegular() {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			s.logger.Warn("Skipping unreadable file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if info.Size() > s.maxFileBytes {
			s.logger.Debug("Skipping large file", zap.String("path", path), zap.Int64("size", info.Size()))
			return nil
		}

		data, err := os.ReadFile(path)
		if err != nil {
			s.logger.Warn("Skipping unreadable file", zap.String("path", path), zap.Error(err))
			return nil
		}
		if !utf8.Valid(data) {
			s.logger.Debug("Skipping binary file", zap.String("path", path))
			return nil
		}

		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return nil
		}
		tree["/"+filepath.ToSlash(rel)] = string(data)
		return nil
	})
	if err != nil {
		return tree, err
	}
	return tree, nil
}

// ScanProject scans a project's workspace, failing with ErrNotFound when
// the directory does not exist.
func (s *Store) ScanProject(ctx context.Context, projectID string) (FileTree, error) {
	ws, err := s.Get(projectID)
	if err != nil {
		return nil, err
	}
	return s.Scan(ctx, ws.Path)
}

// Diff compares two scans of the same directory.
func Diff(before, after FileTree) ChangeSet {
	cs := ChangeSet{Added: []string{}, Modified: []string{}, Deleted: []string{}}
	for path, content := range after {
		old, ok := before[path]
		switch {
		case !ok:
			cs.Added = append(cs.Added, path)
		case old != content:
			cs.Modified = append(cs.Modified, path)
		}
	}
	for path := range before {
		if _, ok := after[path]; !ok {
			cs.Deleted = append(cs.Deleted, path)
		}
	}
	sort.Strings(cs.Added)
	sort.Strings(cs.Modified)
	sort.Strings(cs.Deleted)
	return cs
}
