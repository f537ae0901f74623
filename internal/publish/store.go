// Package publish hands the aggregation snapshot to an artifact store under a fixed key.
package publish

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"referralfees/internal/config"
)

// ArtifactStore overwrites the object at key and returns where it can be read from
type ArtifactStore interface {
	Put(ctx context.Context, key string, data []byte) (string, error)
}

var _ ArtifactStore = (*FileStore)(nil)

// FileStore local directory; a base url turns keys into public links
type FileStore struct {
	dir     string
	baseURL string
}

func NewFileStore(cfg *config.FileStoreConfig) (*FileStore, error) {
	if cfg == nil || cfg.Dir == "" {
		return nil, fmt.Errorf("publish file dir is required")
	}
	return &FileStore{dir: cfg.Dir, baseURL: cfg.BaseURL}, nil
}

func (s *FileStore) Put(ctx context.Context, key string, data []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if key == "" || strings.Contains(key, "..") {
		return "", fmt.Errorf("invalid artifact key %q", key)
	}

	path := filepath.Join(s.dir, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", fmt.Errorf("failed to create dir for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(path), ".artifact-*")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName) // no-op after rename

	if _, err = tmp.Write(data); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to write %s: %w", tmpName, err)
	}
	if err = tmp.Sync(); err != nil {
		tmp.Close()
		return "", fmt.Errorf("failed to sync %s: %w", tmpName, err)
	}
	if err = tmp.Close(); err != nil {
		return "", err
	}
	if err = os.Chmod(tmpName, 0o644); err != nil {
		return "", err
	}
	if err = os.Rename(tmpName, path); err != nil {
		return "", fmt.Errorf("failed to rename %s -> %s: %w", tmpName, path, err)
	}

	if s.baseURL != "" {
		return joinURL(s.baseURL, key), nil
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	return (&url.URL{Scheme: "file", Path: filepath.ToSlash(abs)}).String(), nil
}

func joinURL(base, key string) string {
	return strings.TrimRight(base, "/") + "/" + strings.TrimLeft(key, "/")
}
