package affinity

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"

	goredis "github.com/redis/go-redis/v9"

	"github.com/openclaw/authrotator/internal/model"
	"github.com/openclaw/authrotator/internal/redis"
)

// FileSnapshotStore keeps the affinity document as one JSON file per
// upstream mode, written via temp file plus rename.
type FileSnapshotStore struct {
	path string
}

func NewFileSnapshotStore(path string) *FileSnapshotStore {
	return &FileSnapshotStore{path: path}
}

func (f *FileSnapshotStore) Load(ctx context.Context) (*model.AffinityDocument, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc model.AffinityDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (f *FileSnapshotStore) Save(ctx context.Context, doc *model.AffinityDocument) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return err
	}

	dir := filepath.Dir(f.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return err
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(f.path)+".*.tmp")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, f.path)
}

// RedisSnapshotStore keeps the affinity document under one key per upstream
// mode.
type RedisSnapshotStore struct {
	client *redis.Client
	mode   string
}

func NewRedisSnapshotStore(client *redis.Client, mode string) *RedisSnapshotStore {
	return &RedisSnapshotStore{client: client, mode: mode}
}

func (r *RedisSnapshotStore) Load(ctx context.Context) (*model.AffinityDocument, error) {
	data, err := r.client.Get(ctx, redis.AffinityKey(r.mode)).Bytes()
	if errors.Is(err, goredis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var doc model.AffinityDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func (r *RedisSnapshotStore) Save(ctx context.Context, doc *model.AffinityDocument) error {
	data, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	return r.client.Set(ctx, redis.AffinityKey(r.mode), data, 0).Err()
}
