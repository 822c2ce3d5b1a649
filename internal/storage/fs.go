// Package storage provides rooted, traversal-safe access to a directory
// tree addressed by slash-separated relative paths.
package storage

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"
)

// ErrEscapesRoot is returned for paths that resolve outside the root.
var ErrEscapesRoot = errors.New("storage: path escapes root")

// FS is a directory tree rooted at an absolute path. The root does not
// have to exist; reads under a missing root behave like missing files.
type FS struct {
	root string
}

// NewFS creates an FS rooted at root. An existing non-directory root is an
// error.
func NewFS(root string) (*FS, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("storage: resolve root: %w", err)
	}
	if info, err := os.Stat(abs); err == nil && !info.IsDir() {
		return nil, fmt.Errorf("storage: root is not a directory: %s", abs)
	}
	return &FS{root: abs}, nil
}

// Root returns the absolute root directory.
func (f *FS) Root() string { return f.root }

// Path resolves rel against the root and rejects results that escape it.
// A leading "/" is treated as relative to the root.
func (f *FS) Path(rel string) (string, error) {
	rel = strings.TrimPrefix(path.Clean("/"+filepath.ToSlash(rel)), "/")
	if rel == "" {
		return f.root, nil
	}
	if strings.Contains(rel, "\x00") {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, rel)
	}
	abs := filepath.Join(f.root, filepath.FromSlash(rel))
	if !strings.HasPrefix(abs, f.root+string(os.PathSeparator)) && abs != f.root {
		return "", fmt.Errorf("%w: %q", ErrEscapesRoot, rel)
	}
	return abs, nil
}

// Stat returns file info for rel.
func (f *FS) Stat(rel string) (os.FileInfo, error) {
	abs, err := f.Path(rel)
	if err != nil {
		return nil, err
	}
	return os.Stat(abs)
}

// IsFile reports whether rel names an existing regular file.
func (f *FS) IsFile(rel string) bool {
	info, err := f.Stat(rel)
	return err == nil && info.Mode().IsRegular()
}

// List walks dir and returns the slash-separated paths, relative to the
// root, of every regular file below it. A missing dir yields no files.
func (f *FS) List(dir string) ([]string, error) {
	base, err := f.Path(dir)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.WalkDir(base, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			if p == base && errors.Is(walkErr, fs.ErrNotExist) {
				return filepath.SkipAll
			}
			return walkErr
		}
		if !d.Type().IsRegular() {
			return nil
		}
		rel, err := filepath.Rel(f.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: list %s: %w", dir, err)
	}
	sort.Strings(out)
	return out, nil
}

// ReadDir returns the sorted entry names of dir. A missing dir yields no
// entries and no error.
func (f *FS) ReadDir(dir string) ([]string, error) {
	abs, err := f.Path(dir)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(abs)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("storage: readdir %s: %w", dir, err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names, nil
}

// Read returns the contents of rel.
func (f *FS) Read(rel string) ([]byte, error) {
	abs, err := f.Path(rel)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("storage: read %s: %w", rel, err)
	}
	return data, nil
}

// Write atomically writes content: tmp file → fsync → rename.
func (f *FS) Write(rel string, content []byte) error {
	abs, err := f.Path(rel)
	if err != nil {
		return err
	}
	dir := filepath.Dir(abs)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("storage: mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".nextserve-tmp-*")
	if err != nil {
		return fmt.Errorf("storage: create temp: %w", err)
	}
	tmpName := tmp.Name()

	success := false
	defer func() {
		if !success {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(content); err != nil {
		return fmt.Errorf("storage: write temp: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		return fmt.Errorf("storage: fsync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("storage: close temp: %w", err)
	}
	if err := os.Rename(tmpName, abs); err != nil {
		return fmt.Errorf("storage: rename: %w", err)
	}
	success = true
	return nil
}

// RemoveAll deletes rel and everything below it. The root itself cannot
// be removed.
func (f *FS) RemoveAll(rel string) error {
	abs, err := f.Path(rel)
	if err != nil {
		return err
	}
	if abs == f.root {
		return fmt.Errorf("storage: refusing to remove root")
	}
	if err := os.RemoveAll(abs); err != nil {
		return fmt.Errorf("storage: remove %s: %w", rel, err)
	}
	return nil
}
