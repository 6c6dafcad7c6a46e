// Package storage resolves the relative artifact paths the pipeline records
// against a root directory on local disk.
package storage

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Disk is a local filesystem rooted at Root.
type Disk struct {
	Root string
}

// NewDisk returns a Disk rooted at root.
func NewDisk(root string) *Disk {
	return &Disk{Root: root}
}

// Path returns the absolute location of rel.
func (d *Disk) Path(rel string) string {
	if filepath.IsAbs(rel) {
		return rel
	}
	return filepath.Join(d.Root, filepath.FromSlash(rel))
}

// Rel converts an absolute path under Root back to the slash-separated
// relative form stored on records.
func (d *Disk) Rel(abs string) string {
	r, err := filepath.Rel(d.Root, abs)
	if err != nil || strings.HasPrefix(r, "..") {
		return filepath.ToSlash(abs)
	}
	return filepath.ToSlash(r)
}

// MakeDir creates rel and its parents.
func (d *Disk) MakeDir(rel string) error {
	if err := os.MkdirAll(d.Path(rel), 0o755); err != nil {
		return fmt.Errorf("storage: mkdir %s: %w", rel, err)
	}
	return nil
}

// Exists reports whether rel is a regular file.
func (d *Disk) Exists(rel string) bool {
	if rel == "" {
		return false
	}
	info, err := os.Stat(d.Path(rel))
	return err == nil && !info.IsDir()
}

// Size returns the size of rel in bytes.
func (d *Disk) Size(rel string) (int64, error) {
	info, err := os.Stat(d.Path(rel))
	if err != nil {
		return 0, fmt.Errorf("storage: stat %s: %w", rel, err)
	}
	return info.Size(), nil
}

// Glob returns relative paths under Root matching pattern, sorted.
func (d *Disk) Glob(pattern string) ([]string, error) {
	matches, err := filepath.Glob(d.Path(pattern))
	if err != nil {
		return nil, fmt.Errorf("storage: glob %s: %w", pattern, err)
	}
	sort.Strings(matches)
	out := make([]string, 0, len(matches))
	for _, m := range matches {
		out = append(out, d.Rel(m))
	}
	return out, nil
}

// Save copies r into rel, creating parent directories.
func (d *Disk) Save(rel string, r io.Reader) (int64, error) {
	if err := d.MakeDir(filepath.Dir(rel)); err != nil {
		return 0, err
	}
	f, err := os.Create(d.Path(rel))
	if err != nil {
		return 0, fmt.Errorf("storage: create %s: %w", rel, err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, fmt.Errorf("storage: write %s: %w", rel, err)
	}
	return n, nil
}

// Open opens rel for reading.
func (d *Disk) Open(rel string) (*os.File, error) {
	f, err := os.Open(d.Path(rel))
	if err != nil {
		return nil, fmt.Errorf("storage: open %s: %w", rel, err)
	}
	return f, nil
}
