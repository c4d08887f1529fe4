// Package filestore keeps uploaded files on the local filesystem, addressed
// by content hash.
package filestore

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// FileStore stores and retrieves files by ID.
type FileStore interface {
	// Save stores the content under the given ID. Saving an ID that
	// already exists is a no-op.
	Save(r io.Reader, id string) error

	// Get returns the content for the given ID.
	Get(id string) (io.ReadCloser, error)
}

// LocalFileStore implements FileStore on a local directory, fanned out by the
// first two characters of the ID.
type LocalFileStore struct {
	root string
}

func NewLocalFileStore(root string) (*LocalFileStore, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create root directory: %w", err)
	}
	return &LocalFileStore{root: root}, nil
}

func (s *LocalFileStore) path(id string) string {
	if len(id) < 2 {
		return filepath.Join(s.root, id)
	}
	return filepath.Join(s.root, id[:2], id)
}

func (s *LocalFileStore) Save(r io.Reader, id string) error {
	path := s.path(id)

	// Content-addressed: an existing file is the same file.
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", dir, err)
	}

	// Write to a temp file, then rename into place.
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	defer func() {
		_ = tmp.Close()
		_ = os.Remove(tmp.Name())
	}()

	if _, err := io.Copy(tmp, r); err != nil {
		return fmt.Errorf("failed to write data: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp file: %w", err)
	}

	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to rename file: %w", err)
	}

	return nil
}

func (s *LocalFileStore) Get(id string) (io.ReadCloser, error) {
	f, err := os.Open(s.path(id))
	if err != nil {
		return nil, fmt.Errorf("failed to open file %s: %w", id, err)
	}
	return f, nil
}
