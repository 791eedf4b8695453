// Package checkpoint persists pipeline progress as JSON documents on disk so
// that every phase can be killed and resumed without redoing finished work.
package checkpoint

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrNotFound is returned by Load when the checkpoint file does not exist.
var ErrNotFound = errors.New("checkpoint not found")

// Store reads and atomically rewrites one JSON document.
type Store[T any] struct {
	path string
}

// NewStore returns a store backed by the file at path.
func NewStore[T any](path string) (*Store[T], error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("checkpoint path is required")
	}
	return &Store[T]{path: path}, nil
}

// Path returns the backing file path.
func (s *Store[T]) Path() string {
	return s.path
}

// Load decodes the document. Unknown fields are ignored and absent ones keep
// their zero value, so older and newer files both load.
func (s *Store[T]) Load() (T, error) {
	var doc T
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return doc, ErrNotFound
		}
		return doc, fmt.Errorf("read checkpoint %s: %w", s.path, err)
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return doc, fmt.Errorf("decode checkpoint %s: %w", s.path, err)
	}
	return doc, nil
}

// Save replaces the document on disk.
func (s *Store[T]) Save(doc T) error {
	return WriteJSON(s.path, doc)
}

// WriteJSON marshals v with indentation and writes it to path through a
// temporary file and a rename, so readers only ever see a complete document.
func WriteJSON(path string, v any) error {
	payload, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal %s: %w", path, err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create dir for %s: %w", path, err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp for %s: %w", path, err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(append(payload, '\n')); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("sync %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}
