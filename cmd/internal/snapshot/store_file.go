package snapshot

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// FileStore keeps the snapshot pair in one JSON container file.
//
// Writes go to a temp file in the same directory which is fsynced and renamed
// over the target, so readers see either the old pair or the new pair.
type FileStore struct {
	mu   sync.Mutex
	path string
}

type fileContainer struct {
	IsAuthenticated string `json:"is_authenticated,omitempty"`
	AuthUser        string `json:"auth_user,omitempty"`
}

// NewFileStore returns a FileStore at path. The parent directory is created on first write.
func NewFileStore(path string) (*FileStore, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("%w: empty file path", ErrConfig)
	}
	return &FileStore{path: filepath.Clean(path)}, nil
}

// Path returns the container file path.
func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Read(_ context.Context) ([]byte, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("snapshot file read: %w", err)
	}

	var c fileContainer
	if err := json.Unmarshal(raw, &c); err != nil {
		return nil, false, fmt.Errorf("%w: %v", ErrCorrupt, err)
	}
	return resolvePair(c.IsAuthenticated, []byte(c.AuthUser))
}

func (s *FileStore) Write(_ context.Context, payload []byte) error {
	if len(payload) == 0 {
		return ErrEmptyPayload
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	body, err := json.Marshal(fileContainer{IsAuthenticated: flagTrue, AuthUser: string(payload)})
	if err != nil {
		return fmt.Errorf("snapshot file encode: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("snapshot file mkdir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, "."+filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("snapshot file temp: %w", err)
	}
	tmpName := tmp.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(body); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot file write: %w", err)
	}
	if err := tmp.Chmod(0o600); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot file chmod: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("snapshot file sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("snapshot file close: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("snapshot file rename: %w", err)
	}
	committed = true
	return nil
}

func (s *FileStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := os.Remove(s.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("snapshot file remove: %w", err)
	}
	return nil
}

// Ping checks that the container directory is reachable.
func (s *FileStore) Ping(_ context.Context) error {
	dir := filepath.Dir(s.path)
	st, err := os.Stat(dir)
	if errors.Is(err, fs.ErrNotExist) {
		// Created lazily on first write.
		return nil
	}
	if err != nil {
		return err
	}
	if !st.IsDir() {
		return fmt.Errorf("snapshot file: %s is not a directory", dir)
	}
	return nil
}
