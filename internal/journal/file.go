package journal

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// FileBackend stores each archive as <dir>/<session>.json.
type FileBackend struct {
	dir string
}

// NewFileBackend creates dir if needed.
func NewFileBackend(dir string) (*FileBackend, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}
	return &FileBackend{dir: dir}, nil
}

func (b *FileBackend) path(sessionID string) (string, error) {
	if sessionID == "" || sessionID == "." || sessionID == ".." ||
		strings.ContainsAny(sessionID, `/\`) || sessionID != filepath.Base(sessionID) {
		return "", fmt.Errorf("invalid session id %q", sessionID)
	}
	return filepath.Join(b.dir, sessionID+".json"), nil
}

// Append writes fragment at the end of the session's file.
func (b *FileBackend) Append(_ context.Context, sessionID string, fragment []byte) error {
	p, err := b.path(sessionID)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(fragment); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads the session's file.
func (b *FileBackend) Load(_ context.Context, sessionID string) ([]byte, error) {
	p, err := b.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

// Truncate cuts the session's file to size bytes.
func (b *FileBackend) Truncate(_ context.Context, sessionID string, size int64) error {
	p, err := b.path(sessionID)
	if err != nil {
		return err
	}
	return os.Truncate(p, size)
}

// Remove deletes the session's file.
func (b *FileBackend) Remove(_ context.Context, sessionID string) error {
	p, err := b.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

// List returns the stored session IDs in lexical order.
func (b *FileBackend) List(_ context.Context) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(b.dir, "*.json"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, strings.TrimSuffix(filepath.Base(m), ".json"))
	}
	slices.Sort(ids)
	return ids, nil
}
