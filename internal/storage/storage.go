// Package storage is the durable-storage boundary for segment and export
// files. Writes go to a temporary file and become visible only on Commit,
// so a failed write never leaves a file at the final path.
package storage

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Pending is a file being written. Exactly one of Commit or Abort should be
// called; both are safe to call after the other (the second is a no-op).
type Pending interface {
	io.Writer
	io.Seeker
	// Commit flushes, closes and moves the file to its final path.
	Commit() (string, error)
	// Abort closes and deletes the temporary file.
	Abort() error
}

// Storage creates and removes media files.
type Storage interface {
	Create(name string) (Pending, error)
	Remove(name string) error
	Path(name string) string
}

// ErrInvalidName is returned for names that escape the storage root.
var ErrInvalidName = errors.New("storage: invalid name")

// Dir stores files under a root directory.
type Dir struct {
	root string
}

// NewDir creates root if needed.
func NewDir(root string) (*Dir, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create storage root: %w", err)
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve storage root: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string { return d.root }

// Path maps a storage name to its absolute path.
func (d *Dir) Path(name string) string {
	return filepath.Join(d.root, filepath.FromSlash(name))
}

func (d *Dir) resolve(name string) (string, error) {
	if name == "" || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	p := d.Path(name)
	rel, err := filepath.Rel(d.root, p)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("%w: %q", ErrInvalidName, name)
	}
	return p, nil
}

// Create implements Storage.
func (d *Dir) Create(name string) (Pending, error) {
	final, err := d.resolve(name)
	if err != nil {
		return nil, err
	}
	dir := filepath.Dir(final)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create directory: %w", err)
	}
	f, err := os.CreateTemp(dir, "."+filepath.Base(final)+".*.tmp")
	if err != nil {
		return nil, fmt.Errorf("create temporary file: %w", err)
	}
	return &pendingFile{File: f, final: final}, nil
}

// Remove implements Storage. Removing a missing file is not an error.
func (d *Dir) Remove(name string) error {
	p, err := d.resolve(name)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", name, err)
	}
	return nil
}

type pendingFile struct {
	*os.File
	final string
	done  bool
}

func (p *pendingFile) Commit() (string, error) {
	if p.done {
		return p.final, nil
	}
	p.done = true
	tmp := p.File.Name()
	if err := p.File.Sync(); err != nil {
		p.File.Close()
		os.Remove(tmp)
		return "", fmt.Errorf("sync %s: %w", tmp, err)
	}
	if err := p.File.Close(); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("close %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, p.final); err != nil {
		os.Remove(tmp)
		return "", fmt.Errorf("rename to %s: %w", p.final, err)
	}
	return p.final, nil
}

func (p *pendingFile) Abort() error {
	if p.done {
		return nil
	}
	p.done = true
	p.File.Close()
	if err := os.Remove(p.File.Name()); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Rewrite replaces the file at path with the output of fn, atomically.
// If fn fails the original file is left untouched.
func Rewrite(path string, fn func(w io.Writer) error) error {
	dir := filepath.Dir(path)
	f, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temporary file: %w", err)
	}
	p := &pendingFile{File: f, final: path}
	if err := fn(f); err != nil {
		p.Abort()
		return err
	}
	if info, err := os.Stat(path); err == nil {
		os.Chmod(f.Name(), info.Mode().Perm())
	}
	_, err = p.Commit()
	return err
}
