package checkpoint

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"referralfees/internal/domain"
	rdb "referralfees/internal/stores/redis"

	goredis "github.com/redis/go-redis/v9"
)

// Store persists ingestion progress. Load returns defaults when nothing was saved yet;
// Save must never leave a partial record visible to Load.
type Store interface {
	Load(ctx context.Context) (*domain.Checkpoint, error)
	Save(ctx context.Context, cp *domain.Checkpoint) error
}

var (
	_ Store = (*FileStore)(nil)
	_ Store = (*RedisStore)(nil)
)

type FileStore struct {
	path string
}

func NewFileStore(path string) (*FileStore, error) {
	if path == "" {
		return nil, errors.New("checkpoint path is required")
	}
	return &FileStore{path: path}, nil
}

func (s *FileStore) Load(_ context.Context) (*domain.Checkpoint, error) {
	b, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return domain.NewCheckpoint(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read checkpoint %s: %w", s.path, err)
	}
	return decode(b)
}

// Save write temp file -> fsync -> rename -> fsync dir
func (s *FileStore) Save(_ context.Context, cp *domain.Checkpoint) error {
	b, err := json.MarshalIndent(cp, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}

	dir := filepath.Dir(s.path)
	if err = os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create checkpoint dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("failed to create temp checkpoint: %w", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// no-op after a successful rename
		_ = os.Remove(tmpName)
	}()

	if _, err = tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write temp checkpoint: %w", err)
	}
	if err = tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync temp checkpoint: %w", err)
	}
	if err = tmp.Close(); err != nil {
		return fmt.Errorf("failed to close temp checkpoint: %w", err)
	}

	if err = os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace checkpoint: %w", err)
	}

	return syncDir(dir)
}

func syncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return fmt.Errorf("failed to open checkpoint dir: %w", err)
	}
	defer d.Close()

	// some filesystems refuse fsync on directories; the rename already happened
	_ = d.Sync()
	return nil
}

// RedisStore single key, overwritten wholesale with SET
type RedisStore struct {
	rdb *rdb.Client
	key string
}

func NewRedisStore(rdb *rdb.Client, key string) (*RedisStore, error) {
	if rdb == nil {
		return nil, errors.New("redis client is required to the checkpoint store")
	}
	if key == "" {
		key = "referralfees:checkpoint"
	}
	return &RedisStore{rdb: rdb, key: key}, nil
}

func (s *RedisStore) Load(ctx context.Context) (*domain.Checkpoint, error) {
	b, err := s.rdb.Get(ctx, s.key).Bytes()
	if errors.Is(err, goredis.Nil) {
		return domain.NewCheckpoint(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis GET %s failed: %w", s.key, err)
	}
	return decode(b)
}

func (s *RedisStore) Save(ctx context.Context, cp *domain.Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return fmt.Errorf("failed to encode checkpoint: %w", err)
	}
	if err = s.rdb.Set(ctx, s.key, b, 0).Err(); err != nil {
		return fmt.Errorf("redis SET %s failed: %w", s.key, err)
	}
	return nil
}

func decode(b []byte) (*domain.Checkpoint, error) {
	var cp domain.Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint: %w", err)
	}
	if cp.Cursor < 1 {
		cp.Cursor = 1
	}
	if cp.LastUpdated.IsZero() {
		cp.LastUpdated = time.Now().UTC()
	}
	return &cp, nil
}
