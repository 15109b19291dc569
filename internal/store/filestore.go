package store

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	apperrors "github.com/openclaw/authrotator/internal/errors"
	"github.com/openclaw/authrotator/internal/model"
)

// FileStore keeps one JSON document per domain under a directory and guards
// each document with an advisory file lock, so two processes sharing the
// same credential files serialize their writes. Writes go through a temp
// file plus rename so readers never observe a torn document.
type FileStore struct {
	dir string
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create store dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) docPath(domainKey string) string {
	return filepath.Join(s.dir, sanitizeKey(domainKey)+".json")
}

func (s *FileStore) lockPath(domainKey string) string {
	return filepath.Join(s.dir, sanitizeKey(domainKey)+".lock")
}

func (s *FileStore) Load(ctx context.Context, domainKey string) (*model.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return s.read(domainKey)
}

func (s *FileStore) ApplyUpdate(ctx context.Context, domainKey string, fn UpdateFunc) (*model.Domain, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	lock, err := acquireFileLock(s.lockPath(domainKey))
	if err != nil {
		return nil, apperrors.LockUnavailable(err)
	}
	defer lock.release()

	// Re-read under the lock: another process may have written since any
	// earlier Load.
	cur, err := s.read(domainKey)
	if err != nil {
		return nil, err
	}

	next, err := fn(current(domainKey, cur))
	if err == ErrNoChange {
		return current(domainKey, cur), nil
	}
	if err != nil {
		return nil, err
	}

	next.Version++
	if err := s.write(domainKey, next); err != nil {
		return nil, err
	}
	return next, nil
}

func (s *FileStore) read(domainKey string) (*model.Domain, error) {
	data, err := os.ReadFile(s.docPath(domainKey))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var d model.Domain
	if err := json.Unmarshal(data, &d); err != nil {
		return nil, apperrors.StorageCorrupt(err)
	}
	if d.Accounts == nil {
		d.Accounts = make(map[string]*model.Account)
	}
	return &d, nil
}

func (s *FileStore) write(domainKey string, d *model.Domain) error {
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(s.dir, sanitizeKey(domainKey)+".*.tmp")
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
	return os.Rename(tmpName, s.docPath(domainKey))
}

var keyReplacer = strings.NewReplacer("/", "_", "\\", "_", ":", "_", "..", "_")

func sanitizeKey(key string) string {
	return keyReplacer.Replace(key)
}
